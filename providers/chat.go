package providers

import (
	"context"
	"errors"
	"net/http"
)

// DefaultChatURL is Groq's OpenAI-compatible API.
const DefaultChatURL = "https://api.groq.com/openai"

// ChatProvider talks to an OpenAI-compatible /v1/chat/completions endpoint
// over plain HTTP.
type ChatProvider struct {
	Base
}

// NewChat creates a chat-style provider. client may be nil.
func NewChat(baseURL, apiKey string, client *http.Client) *ChatProvider {
	return &ChatProvider{Base: newBase("chat", apiKey, baseURL, DefaultChatURL, client)}
}

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int     `json:"index"`
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
}

// Generate sends the system and user prompts as two messages and returns
// the first choice's content.
func (p *ChatProvider) Generate(ctx context.Context, prompt Prompt) (string, error) {
	req := chatRequest{
		Model: prompt.Model,
		Messages: []Message{
			{Role: RoleSystem, Content: prompt.System},
			{Role: RoleUser, Content: prompt.User},
		},
	}
	var resp chatResponse
	if err := p.postJSON(ctx, "/v1/chat/completions", req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &UpstreamError{Backend: p.name, StatusCode: http.StatusOK, Err: errors.New("response has no choices")}
	}
	return resp.Choices[0].Message.Content, nil
}
