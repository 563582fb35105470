// Package store implements the durable prompt → answer cache.
//
// The cache is append-only: records are never updated or deleted. When a
// prompt was stored more than once, the last record written wins. Every
// backend honours the same contract so the resolver and tests can swap a
// file, SQL, Redis or in-memory store freely.
package store

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/katy-the-kat/AICache/internal/linecodec"
	"github.com/katy-the-kat/AICache/internal/logging"
	"github.com/katy-the-kat/AICache/internal/metrics"
)

// Store is the cache contract shared by all backends.
type Store interface {
	// Lookup returns the most recently appended answer for prompt.
	// A missing backing store behaves as an empty one.
	Lookup(ctx context.Context, prompt string) (answer string, ok bool, err error)
	// Append durably records answer for prompt.
	Append(ctx context.Context, prompt, answer string) error
	// Len returns the number of distinct prompts stored.
	Len(ctx context.Context) (int, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Options selects and configures a backend for Open.
type Options struct {
	Backend string
	// Path is the cache file (file) or database file (sqlite).
	Path string
	// DSN is the Postgres connection string.
	DSN string
	// RedisURL is a redis:// URL.
	RedisURL string
	// KeyPrefix namespaces Redis keys.
	KeyPrefix string
}

// Open builds the backend named by opts.Backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendFile:
		return NewFile(opts.Path), nil
	case BackendSQLite:
		return NewSQLite(ctx, opts.Path)
	case BackendPostgres:
		return NewPostgres(ctx, opts.DSN)
	case BackendRedis:
		return NewRedis(ctx, opts.RedisURL, opts.KeyPrefix)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}

// Fingerprint is the single-line form of a prompt used to identify it in
// logs and to collapse concurrent requests for the same prompt.
func Fingerprint(prompt string) string {
	return linecodec.Escape(prompt)
}

// EncodeRecord renders one cache record as a single line without a
// trailing newline.
func EncodeRecord(prompt, answer string) string {
	return linecodec.Join(prompt, answer)
}

// DecodeRecord parses one line. ok is false for malformed lines.
func DecodeRecord(line string) (prompt, answer string, ok bool) {
	if !strings.Contains(line, linecodec.Sep) {
		return "", "", false
	}
	fields := linecodec.Split(line)
	if len(fields) != 2 {
		return "", "", false
	}
	return fields[0], fields[1], true
}

// Fold reads records from r and builds the logical mapping, letting the
// last record for a prompt win. Malformed lines are skipped and counted.
func Fold(r io.Reader) (map[string]string, int, error) {
	entries := make(map[string]string)
	skipped := 0

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		// Blank lines carry nothing and are not counted as corrupt. Prompts
		// may start with '#', so comments are not recognised here.
		if strings.TrimSpace(line) != "" {
			if prompt, answer, ok := DecodeRecord(line); ok {
				entries[prompt] = answer
			} else {
				skipped++
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, skipped, fmt.Errorf("read cache records: %w", err)
		}
	}
	return entries, skipped, nil
}

func reportSkipped(log *slog.Logger, source string, n int) {
	if n == 0 {
		return
	}
	metrics.SkippedRecords.WithLabelValues(source).Add(float64(n))
	if log == nil {
		log = logging.Logger
	}
	log.Warn("skipped malformed records", "source", source, "count", n)
}
