package registry

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/katy-the-kat/AICache/internal/linecodec"
	"github.com/katy-the-kat/AICache/internal/logging"
	"github.com/katy-the-kat/AICache/internal/metrics"
)

// Default registry file names.
const (
	DefaultModelsPath  = "models.txt"
	DefaultAPIKeysPath = "apikeys.txt"
)

// FileSource reads both registries from flat files on every call.
//
// Models file, one model per line:
//
//	name<TAB>backendID<TAB>systemPrompt
//
// API-keys file, one key per line:
//
//	key<TAB>model1<TAB>model2...
//
// Fields use linecodec escaping. Blank lines and lines starting with '#'
// are ignored. A missing file is an empty registry.
type FileSource struct {
	ModelsPath  string
	APIKeysPath string
}

// NewFileSource returns a FileSource, falling back to the default paths.
func NewFileSource(modelsPath, apiKeysPath string) FileSource {
	if modelsPath == "" {
		modelsPath = DefaultModelsPath
	}
	if apiKeysPath == "" {
		apiKeysPath = DefaultAPIKeysPath
	}
	return FileSource{ModelsPath: modelsPath, APIKeysPath: apiKeysPath}
}

// Models loads the model registry.
func (s FileSource) Models(ctx context.Context) (Models, error) {
	var models Models
	err := readFile(s.ModelsPath, func(r io.Reader) error {
		var skipped int
		var err error
		models, skipped, err = ParseModels(r)
		warnSkipped(ctx, "models", s.ModelsPath, skipped)
		return err
	})
	return models, err
}

// APIKeys loads the API-key registry.
func (s FileSource) APIKeys(ctx context.Context) (APIKeys, error) {
	keys := APIKeys{}
	err := readFile(s.APIKeysPath, func(r io.Reader) error {
		var skipped int
		var err error
		keys, skipped, err = ParseAPIKeys(r)
		warnSkipped(ctx, "apikeys", s.APIKeysPath, skipped)
		return err
	})
	return keys, err
}

func readFile(path string, parse func(io.Reader) error) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open registry %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	if err := parse(f); err != nil {
		return fmt.Errorf("read registry %s: %w", path, err)
	}
	return nil
}

func warnSkipped(ctx context.Context, source, path string, n int) {
	if n == 0 {
		return
	}
	metrics.SkippedRecords.WithLabelValues(source).Add(float64(n))
	logging.FromContext(ctx).Warn("skipped malformed registry lines",
		"source", source, "path", path, "count", n)
}

// ParseModels reads a models file. It returns the registry and the number
// of malformed lines skipped.
func ParseModels(r io.Reader) (Models, int, error) {
	var (
		models  Models
		skipped int
	)
	err := eachLine(r, func(line string) {
		fields := linecodec.Split(line)
		if len(fields) != 3 || fields[0] == "" || fields[1] == "" {
			skipped++
			return
		}
		models.put(ModelDescriptor{Name: fields[0], BackendID: fields[1], SystemPrompt: fields[2]})
	})
	return models, skipped, err
}

// ParseAPIKeys reads an API-keys file. It returns the registry and the
// number of malformed lines skipped.
func ParseAPIKeys(r io.Reader) (APIKeys, int, error) {
	keys := APIKeys{}
	skipped := 0
	err := eachLine(r, func(line string) {
		fields := linecodec.Split(line)
		if len(fields) < 2 || fields[0] == "" {
			skipped++
			return
		}
		set := KeySet{}
		for _, m := range fields[1:] {
			if m != "" {
				set[m] = struct{}{}
			}
		}
		if len(set) == 0 {
			skipped++
			return
		}
		keys[fields[0]] = set
	})
	return keys, skipped, err
}

func eachLine(r io.Reader, fn func(line string)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if !linecodec.IsComment(line) {
			fn(line)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
