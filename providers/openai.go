package providers

import (
	"context"
	"errors"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultOpenAIURL is the SDK's default endpoint.
const DefaultOpenAIURL = "https://api.openai.com/v1/"

// OpenAIProvider reaches any OpenAI-compatible chat endpoint through the
// openai-go SDK. baseURL must include the /v1/ path segment.
type OpenAIProvider struct {
	Base
	client openai.Client
}

// NewOpenAI creates an SDK-backed provider. client may be nil.
func NewOpenAI(baseURL, apiKey string, client *http.Client) *OpenAIProvider {
	base := newBase("openai", apiKey, baseURL, DefaultOpenAIURL, client)
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(base.baseURL + "/"),
		option.WithHTTPClient(base.httpClient),
		// Retries are applied by the Retrying wrapper.
		option.WithMaxRetries(0),
	}
	return &OpenAIProvider{
		Base:   base,
		client: openai.NewClient(opts...),
	}
}

// Generate sends a system and a user message and returns the first choice.
func (p *OpenAIProvider) Generate(ctx context.Context, prompt Prompt) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: prompt.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(prompt.System),
			openai.UserMessage(prompt.User),
		},
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", &UpstreamError{Backend: p.name, StatusCode: apiErr.StatusCode, Err: err}
		}
		return "", &UpstreamError{Backend: p.name, Err: err}
	}
	if len(completion.Choices) == 0 {
		return "", &UpstreamError{Backend: p.name, StatusCode: http.StatusOK, Err: errors.New("response has no choices")}
	}
	return completion.Choices[0].Message.Content, nil
}
