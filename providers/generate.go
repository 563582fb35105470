package providers

import (
	"context"
	"errors"
	"net/http"
)

// DefaultGenerateURL is a local Ollama server.
const DefaultGenerateURL = "http://localhost:11434"

// GenerateProvider talks to a generate-style endpoint (Ollama's
// /api/generate) that takes a single prompt string and answers in one
// non-streamed response.
type GenerateProvider struct {
	Base
}

// NewGenerate creates a generate-style provider. apiKey is optional.
// client may be nil.
func NewGenerate(baseURL, apiKey string, client *http.Client) *GenerateProvider {
	return &GenerateProvider{Base: newBase("generate", apiKey, baseURL, DefaultGenerateURL, client)}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate sends the system prompt and the user prompt joined by a newline.
func (p *GenerateProvider) Generate(ctx context.Context, prompt Prompt) (string, error) {
	req := generateRequest{
		Model:  prompt.Model,
		Prompt: prompt.System + "\n" + prompt.User,
		Stream: false,
	}
	var resp generateResponse
	if err := p.postJSON(ctx, "/api/generate", req, &resp); err != nil {
		return "", err
	}
	if !resp.Done && resp.Response == "" {
		return "", &UpstreamError{Backend: p.name, StatusCode: http.StatusOK, Err: errors.New("incomplete response")}
	}
	return resp.Response, nil
}
