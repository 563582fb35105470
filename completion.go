package aicache

import "errors"

// ErrInvalidRequest is matched by every *RequestError.
var ErrInvalidRequest = errors.New("invalid request")

// RequestError is a malformed completion request. Message is suitable for
// returning to the client.
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string { return e.Message }

// Is reports whether target is ErrInvalidRequest.
func (e *RequestError) Is(target error) bool { return target == ErrInvalidRequest }

// ChatMessage is one entry of a completion request's messages.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the body of POST /v1/completions.
type CompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

// Validate checks the request shape and returns the first user message's
// content as the prompt.
func (r CompletionRequest) Validate() (string, error) {
	if r.Model == "" || r.Messages == nil {
		return "", &RequestError{Message: "Missing 'model' or 'messages' in request"}
	}
	if len(r.Messages) == 0 {
		return "", &RequestError{Message: "Invalid 'messages' format"}
	}
	for _, m := range r.Messages {
		if m.Role == "user" {
			if m.Content == "" {
				break
			}
			return m.Content, nil
		}
	}
	return "", &RequestError{Message: "Missing 'user' message"}
}

// Choice is one completion choice.
type Choice struct {
	Text         string      `json:"text"`
	Index        int         `json:"index"`
	LogProbs     interface{} `json:"logprobs"`
	FinishReason string      `json:"finish_reason"`
}

// Completion is the response body of POST /v1/completions.
type Completion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	// Cached is "yes" or "no".
	Cached          string  `json:"cached"`
	TokensPerSecond float64 `json:"tokens_per_second"`
}

// WasCached reports whether the answer came from the cache.
func (c *Completion) WasCached() bool { return c.Cached == "yes" }

// ModelStatus is one entry of GET /v1/models.
type ModelStatus struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}
