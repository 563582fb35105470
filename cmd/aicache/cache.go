package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/katy-the-kat/AICache/internal/store"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the answer cache",
	}

	lookupCmd := &cobra.Command{
		Use:   "lookup <prompt>",
		Short: "Print the cached answer for a prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg.Cache.StoreOptions())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			prompt := strings.Join(args, " ")
			answer, ok, err := st.Lookup(cmd.Context(), prompt)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no cached answer for %q", prompt)
			}
			fmt.Fprintln(cmd.OutOrStdout(), answer)
			return nil
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg.Cache.StoreOptions())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			n, err := st.Len(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Backend: %s\n", cfg.Cache.Backend)
			if f, ok := st.(*store.File); ok {
				fmt.Fprintf(out, "Path:    %s\n", f.Path())
			}
			fmt.Fprintf(out, "Prompts: %d\n", n)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.AddCommand(lookupCmd, statsCmd)
	return cmd
}
