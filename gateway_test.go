package aicache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/katy-the-kat/AICache/internal/auth"
	"github.com/katy-the-kat/AICache/internal/registry"
	"github.com/katy-the-kat/AICache/internal/store"
	"github.com/katy-the-kat/AICache/providers"
)

// mockProvider is a test double for providers.Provider.
type mockProvider struct {
	answer string
	err    error
	calls  atomic.Int32

	mu   sync.Mutex
	last providers.Prompt
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Generate(_ context.Context, p providers.Prompt) (string, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.last = p
	m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	return m.answer, nil
}

func (m *mockProvider) lastPrompt() providers.Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func testSource() registry.Static {
	return registry.Static{
		ModelSet: registry.NewModels(
			registry.ModelDescriptor{Name: "chat", BackendID: "llama3", SystemPrompt: "You are helpful."},
			registry.ModelDescriptor{Name: "summarize", BackendID: "mixtral", SystemPrompt: "Summarize."},
		),
		KeySet: registry.APIKeys{
			"k1": registry.NewKeySet("chat"),
			"k2": registry.NewKeySet("other"),
			"k3": registry.NewKeySet("chat", "ghost"),
		},
	}
}

func newTestGateway(p providers.Provider) (*Gateway, *store.Memory) {
	st := store.NewMemory()
	return New(DefaultConfig(), testSource(), st, p), st
}

func userRequest(model, content string) CompletionRequest {
	return CompletionRequest{
		Model:    model,
		Messages: []ChatMessage{{Role: "user", Content: content}},
	}
}

func TestGateway_CompleteMissThenHit(t *testing.T) {
	p := &mockProvider{answer: "4"}
	gw, st := newTestGateway(p)
	ctx := context.Background()

	first, err := gw.Complete(ctx, "k1", userRequest("chat", "2+2?"))
	if err != nil {
		t.Fatalf("first Complete: %v", err)
	}
	if first.Cached != "no" || first.WasCached() {
		t.Errorf("first cached = %q, want no", first.Cached)
	}
	if got := first.Choices[0].Text; got != "4" {
		t.Errorf("first text = %q, want 4", got)
	}
	if first.Model != "chat" || first.Object != "chat.completion" || first.ID == "" {
		t.Errorf("unexpected envelope: %+v", first)
	}
	if first.Choices[0].FinishReason != "stop" || first.Choices[0].LogProbs != nil {
		t.Errorf("unexpected choice: %+v", first.Choices[0])
	}

	prompt := p.lastPrompt()
	if prompt.Model != "llama3" || prompt.System != "You are helpful." || prompt.User != "2+2?" {
		t.Errorf("upstream prompt = %+v", prompt)
	}

	second, err := gw.Complete(ctx, "k1", userRequest("chat", "2+2?"))
	if err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if second.Cached != "yes" {
		t.Errorf("second cached = %q, want yes", second.Cached)
	}
	if second.Choices[0].Text != first.Choices[0].Text {
		t.Errorf("second text = %q, want %q", second.Choices[0].Text, first.Choices[0].Text)
	}
	if second.ID == first.ID {
		t.Error("expected a fresh completion id per response")
	}
	if n := p.calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}
	if recs := st.Records(); len(recs) != 1 || recs[0].Prompt != "2+2?" {
		t.Errorf("store records = %+v", recs)
	}
}

func TestGateway_CachedAnswerSurvivesUpstreamOutage(t *testing.T) {
	p := &mockProvider{answer: "Paris"}
	gw, _ := newTestGateway(p)
	ctx := context.Background()

	if _, err := gw.Complete(ctx, "k1", userRequest("chat", "capital of France?")); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	p.err = fmt.Errorf("mock: %w", providers.ErrUpstreamUnavailable)

	resp, err := gw.Complete(ctx, "k1", userRequest("chat", "capital of France?"))
	if err != nil {
		t.Fatalf("cached Complete: %v", err)
	}
	if !resp.WasCached() || resp.Choices[0].Text != "Paris" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestGateway_CompleteRejected(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		model  string
		status int
		reason error
	}{
		{"model not permitted", "k2", "chat", 403, auth.ErrModelNotPermitted},
		{"unknown key", "nope", "chat", 403, auth.ErrUnknownKey},
		{"permitted but not registered", "k3", "ghost", 404, auth.ErrModelNotRegistered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &mockProvider{answer: "x"}
			gw, st := newTestGateway(p)

			_, err := gw.Complete(context.Background(), tt.key, userRequest(tt.model, "hello"))
			if !errors.Is(err, tt.reason) {
				t.Fatalf("err = %v, want %v", err, tt.reason)
			}
			if got := StatusFor(err); got != tt.status {
				t.Errorf("status = %d, want %d", got, tt.status)
			}
			if n := p.calls.Load(); n != 0 {
				t.Errorf("upstream calls = %d, want 0", n)
			}
			if n, _ := st.Len(context.Background()); n != 0 {
				t.Errorf("store len = %d, want 0", n)
			}
		})
	}
}

func TestGateway_CompleteRejectedMessage(t *testing.T) {
	gw, _ := newTestGateway(&mockProvider{answer: "x"})

	_, err := gw.Complete(context.Background(), "k2", userRequest("chat", "hello"))
	if err == nil || err.Error() != "Model 'chat' not allowed for this API key" {
		t.Errorf("err = %v", err)
	}
}

func TestGateway_CompleteInvalidRequest(t *testing.T) {
	tests := []struct {
		name string
		req  CompletionRequest
		want string
	}{
		{"missing model", CompletionRequest{Messages: []ChatMessage{{Role: "user", Content: "hi"}}}, "Missing 'model' or 'messages' in request"},
		{"missing messages", CompletionRequest{Model: "chat"}, "Missing 'model' or 'messages' in request"},
		{"empty messages", CompletionRequest{Model: "chat", Messages: []ChatMessage{}}, "Invalid 'messages' format"},
		{"no user message", CompletionRequest{Model: "chat", Messages: []ChatMessage{{Role: "system", Content: "be brief"}}}, "Missing 'user' message"},
		{"empty user message", CompletionRequest{Model: "chat", Messages: []ChatMessage{{Role: "user"}}}, "Missing 'user' message"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &mockProvider{answer: "x"}
			gw, _ := newTestGateway(p)

			_, err := gw.Complete(context.Background(), "k1", tt.req)
			if err == nil || err.Error() != tt.want {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
			if StatusFor(err) != 400 {
				t.Errorf("status = %d, want 400", StatusFor(err))
			}
			if p.calls.Load() != 0 {
				t.Error("upstream should not be called for an invalid request")
			}
		})
	}
}

func TestCompletionRequest_FirstUserMessageWins(t *testing.T) {
	req := CompletionRequest{
		Model: "chat",
		Messages: []ChatMessage{
			{Role: "system", Content: "ignored"},
			{Role: "user", Content: "first"},
			{Role: "assistant", Content: "reply"},
			{Role: "user", Content: "second"},
		},
	}
	prompt, err := req.Validate()
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if prompt != "first" {
		t.Errorf("prompt = %q, want first", prompt)
	}
}

func TestGateway_CompleteUpstreamFailure(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"breaker open", fmt.Errorf("mock: %w", providers.ErrUpstreamUnavailable), 503},
		{"timeout", context.DeadlineExceeded, 504},
		{"upstream status", &providers.UpstreamError{Backend: "mock", StatusCode: 500, Err: errors.New("boom")}, 502},
		{"other", errors.New("boom"), 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &mockProvider{err: tt.err}
			gw, st := newTestGateway(p)

			_, err := gw.Complete(context.Background(), "k1", userRequest("chat", "hello"))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := StatusFor(err); got != tt.status {
				t.Errorf("status = %d, want %d (err %v)", got, tt.status, err)
			}
			if n, _ := st.Len(context.Background()); n != 0 {
				t.Errorf("failed answers must not be cached, len = %d", n)
			}
		})
	}
}

func TestGateway_ListModels(t *testing.T) {
	gw, _ := newTestGateway(&mockProvider{})

	got, err := gw.ListModels(context.Background(), "k1")
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	want := []ModelStatus{{ID: "chat", Active: true}, {ID: "summarize", Active: false}}
	if len(got) != len(want) {
		t.Fatalf("got %d models, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("models[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestGateway_ListModelsUnknownKey(t *testing.T) {
	gw, _ := newTestGateway(&mockProvider{})

	_, err := gw.ListModels(context.Background(), "nope")
	if !errors.Is(err, auth.ErrUnknownKey) {
		t.Fatalf("err = %v, want ErrUnknownKey", err)
	}
	if StatusFor(err) != 403 {
		t.Errorf("status = %d, want 403", StatusFor(err))
	}
	if err.Error() != "Invalid API key" {
		t.Errorf("message = %q", err.Error())
	}
}

type failingSource struct{}

func (failingSource) Models(context.Context) (registry.Models, error) {
	return registry.Models{}, errors.New("disk on fire")
}

func (failingSource) APIKeys(context.Context) (registry.APIKeys, error) {
	return nil, errors.New("disk on fire")
}

func TestGateway_RegistryFailure(t *testing.T) {
	p := &mockProvider{answer: "x"}
	gw := New(DefaultConfig(), failingSource{}, store.NewMemory(), p)

	_, err := gw.Complete(context.Background(), "k1", userRequest("chat", "hi"))
	if err == nil || StatusFor(err) != 500 {
		t.Errorf("err = %v, status %d", err, StatusFor(err))
	}
	if _, err := gw.ListModels(context.Background(), "k1"); err == nil {
		t.Error("expected ListModels error")
	}
	if p.calls.Load() != 0 {
		t.Error("upstream should not be called")
	}
}

func TestGateway_HooksFire(t *testing.T) {
	gw, _ := newTestGateway(&mockProvider{answer: "hi there"})

	events := make(chan string, 4)
	var mu sync.Mutex
	var completed map[string]interface{}
	gw.AddHook(func(_ context.Context, subject string, data map[string]interface{}) {
		if subject == SubjectRequestCompleted {
			mu.Lock()
			completed = data
			mu.Unlock()
		}
		events <- subject
	})

	if _, err := gw.Complete(context.Background(), "k1", userRequest("chat", "hello")); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := gw.Complete(context.Background(), "k2", userRequest("chat", "hello")); err == nil {
		t.Fatal("expected rejection")
	}

	got := map[string]int{}
	for i := 0; i < 2; i++ {
		select {
		case s := <-events:
			got[s]++
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for hook")
		}
	}
	if got[SubjectRequestCompleted] != 1 || got[SubjectRequestFailed] != 1 {
		t.Errorf("events = %v", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if completed["model"] != "chat" || completed["backend"] != "llama3" || completed["cached"] != false {
		t.Errorf("completed payload = %v", completed)
	}
	if completed["api_key"] != auth.Mask("k1") {
		t.Errorf("api key not masked: %v", completed["api_key"])
	}
}

func TestGateway_ConcurrentMissesShareOneCall(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	p := providerFunc(func(ctx context.Context, _ providers.Prompt) (string, error) {
		calls.Add(1)
		<-release
		return "shared", nil
	})
	gw, st := newTestGateway(p)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := gw.Complete(context.Background(), "k1", userRequest("chat", "novel"))
			if err != nil {
				errs <- err
				return
			}
			if resp.Choices[0].Text != "shared" {
				errs <- fmt.Errorf("text = %q", resp.Choices[0].Text)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if got := calls.Load(); got < 1 || got > n {
		t.Errorf("upstream calls = %d", got)
	}
	answer, ok, err := st.Lookup(context.Background(), "novel")
	if err != nil || !ok || answer != "shared" {
		t.Errorf("lookup = %q, %v, %v", answer, ok, err)
	}
}

type providerFunc func(context.Context, providers.Prompt) (string, error)

func (f providerFunc) Name() string { return "func" }

func (f providerFunc) Generate(ctx context.Context, p providers.Prompt) (string, error) {
	return f(ctx, p)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 200},
		{&RequestError{Message: "bad"}, 400},
		{&auth.Error{Reason: auth.ErrUnknownKey}, 403},
		{&auth.Error{Reason: auth.ErrModelNotPermitted, Model: "m"}, 403},
		{&auth.Error{Reason: auth.ErrModelNotRegistered, Model: "m"}, 404},
		{fmt.Errorf("x: %w", providers.ErrUpstreamUnavailable), 503},
		{fmt.Errorf("x: %w", context.DeadlineExceeded), 504},
		{&providers.UpstreamError{Backend: "b", StatusCode: 429, Err: errors.New("slow down")}, 502},
		{errors.New("other"), 500},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestGateway_CloseClosesStore(t *testing.T) {
	gw, _ := newTestGateway(&mockProvider{})
	if err := gw.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
