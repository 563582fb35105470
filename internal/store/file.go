package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/katy-the-kat/AICache/internal/logging"
)

// DefaultFilePath is used when no cache file is configured.
const DefaultFilePath = "database.txt"

// File is a line-oriented, append-only cache file. Each record is written
// with a single write on a descriptor opened with O_APPEND, so appends from
// several goroutines or processes never interleave within a line. The
// in-process lock additionally keeps readers from observing a half-written
// record from this process.
type File struct {
	mu   sync.RWMutex
	path string
}

// NewFile returns a File store at path. The file is created on first append.
func NewFile(path string) *File {
	if path == "" {
		path = DefaultFilePath
	}
	return &File{path: path}
}

// Path returns the backing file path.
func (f *File) Path() string { return f.path }

// Lookup loads the whole file and returns the last answer stored for prompt.
func (f *File) Lookup(ctx context.Context, prompt string) (string, bool, error) {
	entries, err := f.load(ctx)
	if err != nil {
		return "", false, err
	}
	answer, ok := entries[prompt]
	return answer, ok, nil
}

// Append writes one record to the end of the file.
func (f *File) Append(_ context.Context, prompt, answer string) error {
	line := EncodeRecord(prompt, answer) + "\n"

	f.mu.Lock()
	defer f.mu.Unlock()

	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create cache dir: %w", err)
		}
	}
	fh, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec
	if err != nil {
		return fmt.Errorf("open cache file: %w", err)
	}
	if _, err := fh.WriteString(line); err != nil {
		_ = fh.Close()
		return fmt.Errorf("append cache record: %w", err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("close cache file: %w", err)
	}
	return nil
}

// Len returns the number of distinct prompts in the file.
func (f *File) Len(ctx context.Context) (int, error) {
	entries, err := f.load(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Close is a no-op; the file is opened per operation.
func (f *File) Close() error { return nil }

func (f *File) load(ctx context.Context) (map[string]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	fh, err := os.Open(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open cache file: %w", err)
	}
	defer func() { _ = fh.Close() }()

	entries, skipped, err := Fold(fh)
	if err != nil {
		return nil, err
	}
	reportSkipped(logging.FromContext(ctx), "cache", skipped)
	return entries, nil
}
