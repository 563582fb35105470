package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/katy-the-kat/AICache/internal/version"
)

// maxErrorBody bounds how much of an upstream error body is kept.
const maxErrorBody = 4 << 10

// Base provides the fields and JSON transport shared by the HTTP backends.
type Base struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func newBase(name, apiKey, baseURL, defaultURL string, client *http.Client) Base {
	if baseURL == "" {
		baseURL = defaultURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return Base{
		name:       name,
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}
}

// Name returns the provider name.
func (b *Base) Name() string { return b.name }

// BaseURL returns the backend root URL without a trailing slash.
func (b *Base) BaseURL() string { return b.baseURL }

type apiErrorResponse struct {
	Error json.RawMessage `json:"error"`
}

// postJSON sends in to baseURL+path and decodes a 2xx response into out.
// Every failure is returned as *UpstreamError.
func (b *Base) postJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	httpResp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return &UpstreamError{Backend: b.name, Err: err}
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return &UpstreamError{Backend: b.name, StatusCode: httpResp.StatusCode, Err: apiErrorMessage(respBody)}
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return &UpstreamError{Backend: b.name, StatusCode: httpResp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// apiErrorMessage extracts {"error": "..."} or {"error": {"message": "..."}}
// from an upstream error body, falling back to the raw text.
func apiErrorMessage(body []byte) error {
	var resp apiErrorResponse
	if json.Unmarshal(body, &resp) == nil && len(resp.Error) > 0 {
		var msg string
		if json.Unmarshal(resp.Error, &msg) == nil && msg != "" {
			return errors.New(msg)
		}
		var detail struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(resp.Error, &detail) == nil && detail.Message != "" {
			return errors.New(detail.Message)
		}
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		text = "empty response body"
	}
	return errors.New(text)
}
