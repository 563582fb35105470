package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	aicache "github.com/katy-the-kat/AICache"
	"github.com/katy-the-kat/AICache/internal/requestlog"
)

func newRequestsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "requests",
		Short: "Query the persistent request log",
	}

	var (
		limit   int
		model   string
		outcome string
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent completion requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := openRequestLog(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer func() { _ = w.Close() }()

			res, err := w.List(cmd.Context(), requestlog.Query{Limit: limit, Model: model, Outcome: outcome})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tKEY\tMODEL\tSTATUS\tCACHED\tTOK/S\tLATENCY")
			for _, e := range res.Data {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%.2f\t%dms\n",
					e.CreatedAt.Local().Format(time.DateTime), e.APIKey, e.Model, e.Status, e.Cached, e.TokensPerSecond, e.LatencyMS)
			}
			_ = tw.Flush()
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d\n", len(res.Data), res.Total)
			return nil
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum rows")
	listCmd.Flags().StringVar(&model, "model", "", "only this model")
	listCmd.Flags().StringVar(&outcome, "outcome", "", "completed or failed")

	var since time.Duration
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize hit rate and latency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := openRequestLog(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer func() { _ = w.Close() }()

			var q requestlog.Query
			if since > 0 {
				t := time.Now().Add(-since)
				q.Since = &t
			}
			s, err := w.Summarize(cmd.Context(), q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Requests:     %d\n", s.Requests)
			fmt.Fprintf(out, "Failures:     %d\n", s.Failures)
			fmt.Fprintf(out, "Cache hits:   %d (%.1f%%)\n", s.Hits, 100*s.HitRate())
			fmt.Fprintf(out, "Avg latency:  %.1fms\n", s.AvgLatency)
			fmt.Fprintf(out, "Avg tokens/s: %.2f\n", s.AvgTokenSec)
			return nil
		},
	}
	statsCmd.Flags().DurationVar(&since, "since", 0, "only requests newer than this (e.g. 24h)")

	var olderThan time.Duration
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old request log rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := openRequestLog(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer func() { _ = w.Close() }()

			n, err := w.Delete(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d request log rows.\n", n)
			return nil
		},
	}
	pruneCmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age cutoff")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.AddCommand(listCmd, statsCmd, pruneCmd)
	return cmd
}

func openRequestLog(ctx context.Context, configPath string) (*requestlog.SQLWriter, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return openSQLRequestLog(ctx, cfg)
}

func openSQLRequestLog(ctx context.Context, cfg aicache.Config) (*requestlog.SQLWriter, error) {
	w, err := requestlog.Open(ctx, cfg.RequestLog.Backend, cfg.RequestLog.DSN)
	if err != nil {
		return nil, err
	}
	sw, ok := w.(*requestlog.SQLWriter)
	if !ok {
		_ = w.Close()
		return nil, fmt.Errorf("request log is disabled; set request_log.backend")
	}
	return sw, nil
}
