package requestlog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestSQLiteWriter_WriteListDelete(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "requests.db")
	w, err := NewSQLiteWriter(ctx, path)
	if err != nil {
		t.Fatalf("new sqlite writer: %v", err)
	}
	t.Cleanup(func() {
		_ = w.Close()
	})

	now := time.Now().UTC()
	entries := []Entry{
		{
			TraceID:         "trace-1",
			CompletionID:    "c-1",
			Outcome:         OutcomeCompleted,
			APIKey:          "k1ab...",
			Model:           "chat",
			Backend:         "llama3",
			TokensPerSecond: 12.5,
			Status:          200,
			LatencyMS:       800,
			CreatedAt:       now.Add(-2 * time.Hour),
		},
		{
			TraceID:         "trace-2",
			CompletionID:    "c-2",
			Outcome:         OutcomeCompleted,
			APIKey:          "k1ab...",
			Model:           "chat",
			Backend:         "llama3",
			Cached:          true,
			TokensPerSecond: 5000,
			Status:          200,
			LatencyMS:       2,
			CreatedAt:       now.Add(-1 * time.Hour),
		},
		{
			TraceID:      "trace-3",
			Outcome:      OutcomeFailed,
			APIKey:       "k2cd...",
			Model:        "summarize",
			Status:       403,
			ErrorMessage: "Model 'summarize' not allowed for this API key",
			CreatedAt:    now,
		},
	}

	for _, entry := range entries {
		if err := w.Write(ctx, entry); err != nil {
			t.Fatalf("write request log entry: %v", err)
		}
	}

	result, err := w.List(ctx, Query{Limit: 10})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if result.Total != 3 || len(result.Data) != 3 {
		t.Fatalf("expected 3 logs, total=%d len=%d", result.Total, len(result.Data))
	}
	if result.Data[0].TraceID != "trace-3" {
		t.Fatalf("expected newest first, got %s", result.Data[0].TraceID)
	}
	if !result.Data[1].Cached || result.Data[1].Backend != "llama3" {
		t.Fatalf("unexpected row: %+v", result.Data[1])
	}

	filtered, err := w.List(ctx, Query{Limit: 10, Outcome: OutcomeFailed})
	if err != nil {
		t.Fatalf("list filtered logs: %v", err)
	}
	if filtered.Total != 1 || len(filtered.Data) != 1 {
		t.Fatalf("expected 1 failed log, total=%d len=%d", filtered.Total, len(filtered.Data))
	}
	if filtered.Data[0].Status != 403 || filtered.Data[0].ErrorMessage == "" {
		t.Fatalf("unexpected failed row: %+v", filtered.Data[0])
	}

	byModel, err := w.List(ctx, Query{Limit: 1, Model: "chat"})
	if err != nil {
		t.Fatalf("list by model: %v", err)
	}
	if byModel.Total != 2 || len(byModel.Data) != 1 {
		t.Fatalf("expected page of 1 out of 2, total=%d len=%d", byModel.Total, len(byModel.Data))
	}

	sum, err := w.Summarize(ctx, Query{})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.Requests != 3 || sum.Hits != 1 || sum.Failures != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if got := sum.HitRate(); got != 0.5 {
		t.Fatalf("hit rate = %v, want 0.5", got)
	}

	deleted, err := w.Delete(ctx, now.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("delete logs: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected deleted=2, got %d", deleted)
	}

	remaining, err := w.List(ctx, Query{})
	if err != nil {
		t.Fatalf("list remaining logs: %v", err)
	}
	if remaining.Total != 1 || remaining.Data[0].TraceID != "trace-3" {
		t.Fatalf("unexpected remaining logs: %+v", remaining)
	}
}

func TestPostgresWriterContract(t *testing.T) {
	dsn := os.Getenv("AICACHE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set AICACHE_TEST_POSTGRES_DSN to run Postgres requestlog integration tests")
	}
	ctx := context.Background()

	w, err := NewPostgresWriter(ctx, dsn)
	if err != nil {
		t.Fatalf("new postgres writer: %v", err)
	}
	t.Cleanup(func() {
		_, _ = w.db.Exec("DELETE FROM completion_requests")
		_ = w.Close()
	})

	_, _ = w.db.Exec("DELETE FROM completion_requests")

	entry := Entry{
		TraceID:   "pg-trace",
		Outcome:   OutcomeCompleted,
		Model:     "chat",
		Backend:   "llama3",
		Cached:    true,
		Status:    200,
		LatencyMS: 3,
		CreatedAt: time.Now().UTC(),
	}
	if err := w.Write(ctx, entry); err != nil {
		t.Fatalf("write postgres log: %v", err)
	}

	result, err := w.List(ctx, Query{Limit: 10, Model: "chat"})
	if err != nil {
		t.Fatalf("list postgres logs: %v", err)
	}
	if result.Total != 1 || len(result.Data) != 1 {
		t.Fatalf("expected 1 postgres log, total=%d len=%d", result.Total, len(result.Data))
	}
	sum, err := w.Summarize(ctx, Query{})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.Hits != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	w, err := Open(ctx, "", "")
	if err != nil {
		t.Fatalf("open disabled log: %v", err)
	}
	if _, ok := w.(NoopWriter); !ok {
		t.Fatalf("expected NoopWriter, got %T", w)
	}

	w, err = Open(ctx, "sqlite", filepath.Join(t.TempDir(), "r.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	_ = w.Close()

	if _, err := Open(ctx, "mongodb", ""); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	if _, err := Open(ctx, "postgres", ""); err == nil {
		t.Fatal("expected error for postgres without dsn")
	}
}

func TestEntryFromEvent(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := EntryFromEvent("aicache.request.completed", map[string]interface{}{
		"trace_id":          "t",
		"completion_id":     "c",
		"api_key":           "k1ab...",
		"model":             "chat",
		"backend":           "llama3",
		"cached":            true,
		"tokens_per_second": 42.0,
		"status":            200,
		"latency_ms":        int64(15),
		"timestamp":         ts,
	})
	want := Entry{
		TraceID: "t", CompletionID: "c", Outcome: OutcomeCompleted, APIKey: "k1ab...",
		Model: "chat", Backend: "llama3", Cached: true, TokensPerSecond: 42,
		Status: 200, LatencyMS: 15, CreatedAt: ts,
	}
	if e != want {
		t.Fatalf("entry = %+v, want %+v", e, want)
	}

	failed := EntryFromEvent("aicache.request.failed", map[string]interface{}{"error": "boom", "status": 502})
	if failed.Outcome != OutcomeFailed || failed.ErrorMessage != "boom" || failed.Status != 502 {
		t.Fatalf("failed entry = %+v", failed)
	}
}

type recordingWriter struct {
	mu      sync.Mutex
	entries []Entry
	err     error
}

func (r *recordingWriter) Write(_ context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return r.err
}

func (r *recordingWriter) Close() error { return nil }

func TestHook(t *testing.T) {
	w := &recordingWriter{}
	hook := Hook(w)
	hook(context.Background(), "aicache.request.completed", map[string]interface{}{"model": "chat"})

	if len(w.entries) != 1 || w.entries[0].Model != "chat" {
		t.Fatalf("entries = %+v", w.entries)
	}

	// write errors are swallowed
	w.err = errors.New("disk full")
	hook(context.Background(), "aicache.request.failed", map[string]interface{}{})
	if len(w.entries) != 2 {
		t.Fatalf("expected second write attempt, got %d", len(w.entries))
	}
}
