package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/katy-the-kat/AICache/internal/auth"
	"github.com/katy-the-kat/AICache/internal/registry"
)

func newRegistryCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect the model and API-key registries",
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Parse both registry files and report what was loaded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			src := registry.NewFileSource(cfg.Registry.ModelsPath, cfg.Registry.APIKeysPath)
			return checkRegistry(src, cmd.OutOrStdout())
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.AddCommand(checkCmd)
	return cmd
}

func checkRegistry(src registry.FileSource, out io.Writer) error {
	var (
		models   registry.Models
		keys     = registry.APIKeys{}
		mSkipped int
		kSkipped int
	)
	if err := parseFile(src.ModelsPath, func(r io.Reader) (err error) {
		models, mSkipped, err = registry.ParseModels(r)
		return err
	}); err != nil {
		return err
	}
	if err := parseFile(src.APIKeysPath, func(r io.Reader) (err error) {
		keys, kSkipped, err = registry.ParseAPIKeys(r)
		return err
	}); err != nil {
		return err
	}

	fmt.Fprintf(out, "Models (%s): %d loaded, %d skipped\n", src.ModelsPath, models.Len(), mSkipped)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, m := range models.All() {
		fmt.Fprintf(tw, "  %s\t%s\t%q\n", m.Name, m.BackendID, m.SystemPrompt)
	}
	_ = tw.Flush()

	fmt.Fprintf(out, "API keys (%s): %d loaded, %d skipped\n", src.APIKeysPath, len(keys), kSkipped)
	ids := make([]string, 0, len(keys))
	for key := range keys {
		ids = append(ids, key)
	}
	sort.Strings(ids)
	var dangling []string
	for _, key := range ids {
		names := keys[key].Names()
		fmt.Fprintf(tw, "  %s\t%s\n", auth.Mask(key), strings.Join(names, ", "))
		for _, n := range names {
			if _, ok := models.Get(n); !ok {
				dangling = append(dangling, fmt.Sprintf("%s -> %s", auth.Mask(key), n))
			}
		}
	}
	_ = tw.Flush()

	if len(dangling) > 0 {
		fmt.Fprintf(out, "Allowed models missing from the model registry:\n  %s\n", strings.Join(dangling, "\n  "))
	}
	return nil
}

func parseFile(path string, parse func(io.Reader) error) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return parse(f)
}
