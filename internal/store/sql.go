package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// DefaultSQLitePath is used when the sqlite backend has no path configured.
const DefaultSQLitePath = "aicache.db"

// SQL persists cache records in an append-only table. Rows are only ever
// inserted; Lookup reads the row with the highest id for a prompt.
type SQL struct {
	db      *sql.DB
	dialect sqlDialect
}

// NewSQLite opens (or creates) a SQLite cache database.
// dsn can be a file path or a SQLite DSN.
func NewSQLite(ctx context.Context, dsn string) (*SQL, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = DefaultSQLitePath
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// modernc sqlite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s := &SQL{db: db, dialect: dialectSQLite}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres opens a Postgres cache database.
func NewPostgres(ctx context.Context, dsn string) (*SQL, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	s := &SQL{db: db, dialect: dialectPostgres}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQL) init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s store: %w", s.dialect, err)
	}

	ddl := []string{`
CREATE TABLE IF NOT EXISTS cache_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	prompt_hash TEXT NOT NULL,
	prompt TEXT NOT NULL,
	answer TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_cache_records_prompt_hash ON cache_records(prompt_hash, id);`,
	}
	if s.dialect == dialectPostgres {
		ddl[0] = `
CREATE TABLE IF NOT EXISTS cache_records (
	id BIGSERIAL PRIMARY KEY,
	prompt_hash TEXT NOT NULL,
	prompt TEXT NOT NULL,
	answer TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);`
	}

	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initialize cache schema: %w", err)
		}
	}
	return nil
}

// Lookup returns the newest answer stored for prompt.
func (s *SQL) Lookup(ctx context.Context, prompt string) (string, bool, error) {
	// prompt is compared too so a hash collision can never return the wrong answer.
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT answer FROM cache_records
	WHERE prompt_hash = ? AND prompt = ?
	ORDER BY id DESC LIMIT 1`), promptHash(prompt), prompt)

	var answer string
	if err := row.Scan(&answer); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup cache record: %w", err)
	}
	return answer, true, nil
}

// Append inserts a new record.
func (s *SQL) Append(ctx context.Context, prompt, answer string) error {
	_, err := s.db.ExecContext(ctx, s.bind(`INSERT INTO cache_records(prompt_hash, prompt, answer, created_at)
	VALUES(?, ?, ?, ?)`), promptHash(prompt), prompt, answer, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append cache record: %w", err)
	}
	return nil
}

// Len returns the number of distinct prompts.
func (s *SQL) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT prompt) FROM cache_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cache records: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (s *SQL) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQL) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", argNum)
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func promptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}
