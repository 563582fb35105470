package resolver

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/katy-the-kat/AICache/internal/store"
	"github.com/katy-the-kat/AICache/providers"
)

type fakeProvider struct {
	calls   atomic.Int32
	answer  string
	err     error
	release chan struct{}
	last    atomic.Pointer[providers.Prompt]
	ctxErr  atomic.Pointer[error]
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Generate(ctx context.Context, p providers.Prompt) (string, error) {
	f.calls.Add(1)
	f.last.Store(&p)
	if f.release != nil {
		<-f.release
	}
	err := ctx.Err()
	f.ctxErr.Store(&err)
	return f.answer, f.err
}

// stepClock advances by step on every call.
func stepClock(step time.Duration) func() time.Time {
	var mu sync.Mutex
	t := time.Unix(1_700_000_000, 0)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(step)
		return t
	}
}

type failingStore struct {
	store.Store
	lookupErr error
	appendErr error
}

func (s failingStore) Lookup(ctx context.Context, prompt string) (string, bool, error) {
	if s.lookupErr != nil {
		return "", false, s.lookupErr
	}
	return s.Store.Lookup(ctx, prompt)
}

func (s failingStore) Append(ctx context.Context, prompt, answer string) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	return s.Store.Append(ctx, prompt, answer)
}

func TestResolve_MissThenHit(t *testing.T) {
	st := store.NewMemory()
	fake := &fakeProvider{answer: "  two plus two is four \n"}
	r := New(st, fake)
	r.now = stepClock(500 * time.Millisecond)

	res, err := r.Resolve(context.Background(), "llama3", "2+2?", "You are helpful.")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if res.Cached || res.Answer != "two plus two is four" {
		t.Fatalf("first resolve = %+v", res)
	}
	// 5 words over 0.5s
	if res.TokensPerSecond != 10 {
		t.Errorf("miss tps = %v, want 10", res.TokensPerSecond)
	}
	p := fake.last.Load()
	if p.Model != "llama3" || p.System != "You are helpful." || p.User != "2+2?" {
		t.Errorf("prompt = %+v", *p)
	}

	res, err = r.Resolve(context.Background(), "other-backend", "2+2?", "ignored")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if !res.Cached || res.Answer != "two plus two is four" {
		t.Fatalf("second resolve = %+v", res)
	}
	if res.TokensPerSecond != 10 {
		t.Errorf("hit tps = %v, want 10", res.TokensPerSecond)
	}
	if fake.calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", fake.calls.Load())
	}
	if recs := st.Records(); len(recs) != 1 || recs[0].Answer != "two plus two is four" {
		t.Errorf("records = %+v", recs)
	}
}

func TestResolve_UpstreamErrorIsNotCached(t *testing.T) {
	st := store.NewMemory()
	boom := &providers.UpstreamError{Backend: "fake", StatusCode: 500, Err: errors.New("boom")}
	r := New(st, &fakeProvider{err: boom})

	_, err := r.Resolve(context.Background(), "m", "q", "s")
	if !errors.Is(err, boom.Err) {
		t.Fatalf("err = %v, want upstream error", err)
	}
	if len(st.Records()) != 0 {
		t.Fatal("failed upstream call must not write to the store")
	}
}

func TestResolve_LookupFailure(t *testing.T) {
	fake := &fakeProvider{answer: "x"}
	r := New(failingStore{Store: store.NewMemory(), lookupErr: errors.New("disk gone")}, fake)

	_, err := r.Resolve(context.Background(), "m", "q", "s")
	var serr *StoreError
	if !errors.As(err, &serr) || serr.Op != "lookup" {
		t.Fatalf("err = %v, want *StoreError", err)
	}
	if fake.calls.Load() != 0 {
		t.Error("upstream must not be called when the store cannot be read")
	}
}

func TestResolve_AppendFailureStillAnswers(t *testing.T) {
	r := New(failingStore{Store: store.NewMemory(), appendErr: errors.New("read-only")}, &fakeProvider{answer: "ok"})
	res, err := r.Resolve(context.Background(), "m", "q", "s")
	if err != nil || res.Answer != "ok" {
		t.Fatalf("Resolve() = %+v, %v", res, err)
	}
}

func TestResolve_ConcurrentMissesShareOneCall(t *testing.T) {
	st := store.NewMemory()
	fake := &fakeProvider{answer: "shared answer", release: make(chan struct{})}
	r := New(st, fake)

	const n = 8
	var wg sync.WaitGroup
	results := make([]Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(context.Background(), "m", "same prompt", "s")
		}(i)
	}

	// let every goroutine reach the flight before the upstream answers
	deadline := time.Now().Add(2 * time.Second)
	for fake.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(fake.release)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil || results[i].Answer != "shared answer" {
			t.Fatalf("result %d = %+v, %v", i, results[i], errs[i])
		}
	}
	if got := fake.calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
	if got := len(st.Records()); got != 1 {
		t.Errorf("records = %d, want 1", got)
	}
}

func TestResolve_WithoutDedupCallsEachTime(t *testing.T) {
	fake := &fakeProvider{answer: "a"}
	r := New(store.NewMemory(), fake, WithDedup(false))
	if _, err := r.Resolve(context.Background(), "m", "p", "s"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve(context.Background(), "m", "p", "s"); err != nil {
		t.Fatal(err)
	}
	if fake.calls.Load() != 1 {
		t.Errorf("second resolve should hit the cache, calls = %d", fake.calls.Load())
	}
}

func TestResolve_ClientCancelDoesNotAbortUpstream(t *testing.T) {
	st := store.NewMemory()
	fake := &fakeProvider{answer: "finished anyway", release: make(chan struct{})}
	r := New(st, fake)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, "m", "slow", "s")
		done <- err
	}()

	for fake.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	close(fake.release)

	deadline := time.Now().Add(2 * time.Second)
	for len(st.Records()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got, ok, _ := st.Lookup(context.Background(), "slow"); !ok || got != "finished anyway" {
		t.Fatalf("answer not stored after client left: %q, %v", got, ok)
	}
	if e := fake.ctxErr.Load(); e == nil || *e != nil {
		t.Errorf("upstream context was cancelled: %v", e)
	}
}

func TestResolve_TimeoutIsUpstreamFailure(t *testing.T) {
	slow := providerFunc(func(ctx context.Context, _ providers.Prompt) (string, error) {
		<-ctx.Done()
		return "", &providers.UpstreamError{Backend: "slow", Err: ctx.Err()}
	})
	st := store.NewMemory()
	r := New(st, slow, WithTimeout(10*time.Millisecond))

	_, err := r.Resolve(context.Background(), "m", "p", "s")
	if !providers.IsTimeout(err) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if len(st.Records()) != 0 {
		t.Fatal("timed-out call must not be cached")
	}
}

type providerFunc func(ctx context.Context, p providers.Prompt) (string, error)

func (f providerFunc) Name() string { return "func" }

func (f providerFunc) Generate(ctx context.Context, p providers.Prompt) (string, error) {
	return f(ctx, p)
}

func TestTokensPerSecond(t *testing.T) {
	tests := []struct {
		text    string
		elapsed time.Duration
		want    float64
	}{
		{"one two three", time.Second, 3},
		{"one  two\nthree\tfour", 2 * time.Second, 2},
		{"", time.Second, 0},
		{"words here", 0, 0},
		{"words here", -time.Second, 0},
	}
	for _, tt := range tests {
		if got := TokensPerSecond(tt.text, tt.elapsed); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("TokensPerSecond(%q, %s) = %v, want %v", tt.text, tt.elapsed, got, tt.want)
		}
	}
}
