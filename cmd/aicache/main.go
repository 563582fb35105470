// Command aicache runs the caching LLM gateway and its companion tools.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	aicache "github.com/katy-the-kat/AICache"
	"github.com/katy-the-kat/AICache/internal/version"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "aicache",
		Short:         "Caching gateway for LLM inference backends",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newAskCmd(),
		newCacheCmd(),
		newRegistryCmd(),
		newRequestsCmd(),
		newValidateCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig loads path, or the file named by AICACHE_CONFIG, or the
// defaults with environment overrides, and validates the result.
func loadConfig(path string) (aicache.Config, error) {
	var (
		cfg *aicache.Config
		err error
	)
	if path != "" {
		cfg, err = aicache.LoadConfig(path)
	} else {
		cfg, err = aicache.LoadConfigFromEnv()
	}
	if err != nil {
		return aicache.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := aicache.ValidateConfig(*cfg); err != nil {
		return aicache.Config{}, err
	}
	return *cfg, nil
}

func addConfigFlag(cmd *cobra.Command, dst *string) {
	cmd.Flags().StringVarP(dst, "config", "c", "", "path to config file (default $"+aicache.ConfigEnv+")")
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "aicache %s\n", version.String())
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a gateway configuration file (JSON/YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := aicache.LoadConfig(args[0])
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			if err := aicache.ValidateConfig(*cfg); err != nil {
				return fmt.Errorf("validation error: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "✓ Config is valid")
			fmt.Fprintf(out, "  Listen:    %s\n", cfg.Server.Addr)
			fmt.Fprintf(out, "  Cache:     %s\n", cfg.Cache.Backend)
			fmt.Fprintf(out, "  Upstream:  %s\n", cfg.Upstream.Kind)
			fmt.Fprintf(out, "  Registry:  %s, %s\n", cfg.Registry.ModelsPath, cfg.Registry.APIKeysPath)
			if cfg.RequestLog.Backend != "" {
				fmt.Fprintf(out, "  Requests:  %s\n", cfg.RequestLog.Backend)
			}
			return nil
		},
	}
}
