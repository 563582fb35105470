package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Backend kinds accepted by New.
const (
	KindGenerate = "generate"
	KindChat     = "chat"
	KindOpenAI   = "openai"
	KindBedrock  = "bedrock"
)

// Kinds lists every supported backend kind.
var Kinds = []string{KindGenerate, KindChat, KindOpenAI, KindBedrock}

// OAuthConfig enables OAuth2 client-credentials on HTTP backends.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// Config selects and configures a backend.
type Config struct {
	Kind    string
	BaseURL string
	APIKey  string
	// HTTPTimeout bounds a single HTTP exchange; zero means none.
	HTTPTimeout time.Duration

	Bedrock BedrockConfig
	OAuth   *OAuthConfig

	// RetryAttempts is the total number of attempts for transient failures.
	RetryAttempts int
	RetryBackoff  time.Duration

	// BreakerThreshold consecutive failures open the breaker; zero disables it.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// New builds the backend described by cfg and wraps it with retry and,
// when configured, a circuit breaker.
func New(ctx context.Context, cfg Config) (Provider, error) {
	base, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var p Provider = Retrying(base, cfg.RetryAttempts, cfg.RetryBackoff)
	if cfg.BreakerThreshold > 0 {
		p = Guarded(p, cfg.BreakerThreshold, cfg.BreakerCooldown)
	}
	return p, nil
}

func newBackend(ctx context.Context, cfg Config) (Provider, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	if kind == KindBedrock {
		return NewBedrock(ctx, cfg.Bedrock)
	}

	client := &http.Client{Timeout: cfg.HTTPTimeout}
	if cfg.OAuth != nil && cfg.OAuth.ClientID != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
		}
		// The token source outlives ctx, so it gets a background context
		// carrying the base client.
		client = cc.Client(context.WithValue(context.Background(), oauth2.HTTPClient, client))
		client.Timeout = cfg.HTTPTimeout
	}

	switch kind {
	case "", KindGenerate:
		return NewGenerate(cfg.BaseURL, cfg.APIKey, client), nil
	case KindChat:
		return NewChat(cfg.BaseURL, cfg.APIKey, client), nil
	case KindOpenAI:
		return NewOpenAI(cfg.BaseURL, cfg.APIKey, client), nil
	default:
		return nil, fmt.Errorf("unknown upstream kind %q", cfg.Kind)
	}
}
