// Package requestlog persists one row per completion request so cache hit
// rates and upstream latency can be inspected after the fact.
package requestlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/katy-the-kat/AICache/internal/logging"
)

// Outcomes recorded in Entry.Outcome.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Entry is one completion request.
type Entry struct {
	TraceID         string
	CompletionID    string
	Outcome         string
	APIKey          string // masked
	Model           string
	Backend         string
	Cached          bool
	TokensPerSecond float64
	Status          int
	LatencyMS       int64
	ErrorMessage    string
	CreatedAt       time.Time
}

// Query filters List results.
type Query struct {
	Limit   int
	Offset  int
	Model   string
	Outcome string
	Since   *time.Time
}

// ListResult is a page of entries plus the total matching count.
type ListResult struct {
	Data  []Entry
	Total int
}

// Summary aggregates entries.
type Summary struct {
	Requests    int
	Hits        int
	Failures    int
	AvgLatency  float64
	AvgTokenSec float64
}

// HitRate is Hits over completed requests, or 0 when there are none.
func (s Summary) HitRate() float64 {
	done := s.Requests - s.Failures
	if done <= 0 {
		return 0
	}
	return float64(s.Hits) / float64(done)
}

// Writer persists request log entries.
type Writer interface {
	Write(ctx context.Context, entry Entry) error
	Close() error
}

// NoopWriter ignores all log writes.
type NoopWriter struct{}

func (NoopWriter) Write(_ context.Context, _ Entry) error { return nil }
func (NoopWriter) Close() error                           { return nil }

// Open returns a writer for backend ("sqlite" or "postgres"). An empty
// backend disables the log.
func Open(ctx context.Context, backend, dsn string) (Writer, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "none":
		return NoopWriter{}, nil
	case "sqlite":
		return NewSQLiteWriter(ctx, dsn)
	case "postgres":
		return NewPostgresWriter(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown request log backend %q", backend)
	}
}

// SQLWriter persists entries to SQLite/Postgres.
type SQLWriter struct {
	db      *sql.DB
	dialect string
}

func NewSQLiteWriter(ctx context.Context, dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "aicache-requests.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite request log writer: %w", err)
	}
	db.SetMaxOpenConns(1)
	w := &SQLWriter{db: db, dialect: "sqlite"}
	if err := w.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func NewPostgresWriter(ctx context.Context, dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres request log writer: %w", err)
	}
	w := &SQLWriter{db: db, dialect: "postgres"}
	if err := w.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLWriter) init(ctx context.Context) error {
	if err := w.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s request log writer: %w", w.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS completion_requests (
	id INTEGER PRIMARY KEY,
	trace_id TEXT,
	completion_id TEXT,
	outcome TEXT NOT NULL,
	api_key TEXT,
	model TEXT,
	backend TEXT,
	cached BOOLEAN NOT NULL,
	tokens_per_second REAL NOT NULL,
	status INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL,
	error_message TEXT,
	created_at TIMESTAMP NOT NULL
);`

	if w.dialect == "postgres" {
		ddl = `
CREATE TABLE IF NOT EXISTS completion_requests (
	id BIGSERIAL PRIMARY KEY,
	trace_id TEXT,
	completion_id TEXT,
	outcome TEXT NOT NULL,
	api_key TEXT,
	model TEXT,
	backend TEXT,
	cached BOOLEAN NOT NULL,
	tokens_per_second DOUBLE PRECISION NOT NULL,
	status INTEGER NOT NULL,
	latency_ms BIGINT NOT NULL,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL
);`
	}

	if _, err := w.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("initialize request log schema: %w", err)
	}
	return nil
}

func (w *SQLWriter) Write(ctx context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := w.bind(`INSERT INTO completion_requests(trace_id, completion_id, outcome, api_key, model, backend, cached, tokens_per_second, status, latency_ms, error_message, created_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := w.db.ExecContext(ctx, query,
		entry.TraceID,
		entry.CompletionID,
		entry.Outcome,
		entry.APIKey,
		entry.Model,
		entry.Backend,
		entry.Cached,
		entry.TokensPerSecond,
		entry.Status,
		entry.LatencyMS,
		entry.ErrorMessage,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("write request log: %w", err)
	}
	return nil
}

func (w *SQLWriter) where(q Query) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if q.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, q.Model)
	}
	if q.Outcome != "" {
		clauses = append(clauses, "outcome = ?")
		args = append(args, q.Outcome)
	}
	if q.Since != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, q.Since.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// List returns entries newest first.
func (w *SQLWriter) List(ctx context.Context, q Query) (ListResult, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	where, args := w.where(q)

	var total int
	if err := w.db.QueryRowContext(ctx, w.bind("SELECT COUNT(*) FROM completion_requests"+where), args...).Scan(&total); err != nil {
		return ListResult{}, fmt.Errorf("count request logs: %w", err)
	}

	query := w.bind(`SELECT trace_id, completion_id, outcome, api_key, model, backend, cached, tokens_per_second, status, latency_ms, error_message, created_at
	FROM completion_requests` + where + ` ORDER BY id DESC LIMIT ? OFFSET ?`)
	rows, err := w.db.QueryContext(ctx, query, append(args, q.Limit, q.Offset)...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list request logs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := ListResult{Total: total}
	for rows.Next() {
		var e Entry
		var traceID, completionID, apiKey, model, backend, errMsg sql.NullString
		if err := rows.Scan(&traceID, &completionID, &e.Outcome, &apiKey, &model, &backend,
			&e.Cached, &e.TokensPerSecond, &e.Status, &e.LatencyMS, &errMsg, &e.CreatedAt); err != nil {
			return ListResult{}, fmt.Errorf("scan request log: %w", err)
		}
		e.TraceID = traceID.String
		e.CompletionID = completionID.String
		e.APIKey = apiKey.String
		e.Model = model.String
		e.Backend = backend.String
		e.ErrorMessage = errMsg.String
		out.Data = append(out.Data, e)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("list request logs: %w", err)
	}
	return out, nil
}

// Summarize aggregates entries matching q. Limit and Offset are ignored.
func (w *SQLWriter) Summarize(ctx context.Context, q Query) (Summary, error) {
	where, args := w.where(q)
	query := w.bind(`SELECT COUNT(*),
	COALESCE(SUM(CASE WHEN cached THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
	COALESCE(AVG(latency_ms), 0),
	COALESCE(AVG(tokens_per_second), 0)
	FROM completion_requests` + where)

	var s Summary
	err := w.db.QueryRowContext(ctx, query, append([]interface{}{OutcomeFailed}, args...)...).
		Scan(&s.Requests, &s.Hits, &s.Failures, &s.AvgLatency, &s.AvgTokenSec)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize request logs: %w", err)
	}
	return s, nil
}

// Delete removes entries created before the cutoff and reports how many
// were removed.
func (w *SQLWriter) Delete(ctx context.Context, before time.Time) (int64, error) {
	res, err := w.db.ExecContext(ctx, w.bind("DELETE FROM completion_requests WHERE created_at < ?"), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete request logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete request logs: %w", err)
	}
	return n, nil
}

func (w *SQLWriter) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// bind rewrites ? placeholders to $n for postgres.
func (w *SQLWriter) bind(query string) string {
	if w.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Hook returns a gateway event hook that records every completion request
// in w. Write failures are logged and otherwise ignored.
func Hook(w Writer) func(ctx context.Context, subject string, data map[string]interface{}) {
	return func(ctx context.Context, subject string, data map[string]interface{}) {
		entry := EntryFromEvent(subject, data)
		if err := w.Write(ctx, entry); err != nil {
			logging.FromContext(ctx).Warn("request log write failed", "error", err)
		}
	}
}

// EntryFromEvent converts a gateway event payload into an Entry. Missing or
// mistyped fields are left zero.
func EntryFromEvent(subject string, data map[string]interface{}) Entry {
	e := Entry{Outcome: OutcomeCompleted}
	if strings.HasSuffix(subject, ".failed") {
		e.Outcome = OutcomeFailed
	}
	e.TraceID, _ = data["trace_id"].(string)
	e.CompletionID, _ = data["completion_id"].(string)
	e.APIKey, _ = data["api_key"].(string)
	e.Model, _ = data["model"].(string)
	e.Backend, _ = data["backend"].(string)
	e.Cached, _ = data["cached"].(bool)
	e.TokensPerSecond, _ = data["tokens_per_second"].(float64)
	e.Status, _ = data["status"].(int)
	e.LatencyMS, _ = data["latency_ms"].(int64)
	e.ErrorMessage, _ = data["error"].(string)
	if ts, ok := data["timestamp"].(time.Time); ok {
		e.CreatedAt = ts.UTC()
	}
	return e
}
