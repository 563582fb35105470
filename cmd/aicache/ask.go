package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/katy-the-kat/AICache/internal/logging"
	"github.com/katy-the-kat/AICache/internal/resolver"
)

// DefaultAskSystemPrompt is used by ask unless --system is given.
const DefaultAskSystemPrompt = "You are a helpful assistant."

func newAskCmd() *cobra.Command {
	var (
		configPath string
		model      string
		system     string
	)
	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Ask questions interactively through the cache",
		Long: "Reads prompts from stdin one line at a time and answers each from the\n" +
			"cache, asking the upstream backend on a miss. Type exit or quit to leave.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			// Keep the console readable; warnings and errors still show.
			level := cfg.Logging.Level
			if level == "" {
				level = "warn"
			}
			logging.SetupWriter(cmd.ErrOrStderr(), level, "text")

			ctx := cmd.Context()
			st, p, err := openUpstream(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			var opts []resolver.Option
			if d, err := cfg.Upstream.CallTimeout(); err == nil && d > 0 {
				opts = append(opts, resolver.WithTimeout(d))
			}
			res := resolver.New(st, p, opts...)
			return runAsk(ctx, res, model, system, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&model, "model", "m", "llama-3.3-70b-versatile", "backend model id")
	cmd.Flags().StringVarP(&system, "system", "s", DefaultAskSystemPrompt, "system prompt")
	return cmd
}

// runAsk is the console loop. Upstream failures are printed and the loop
// continues.
func runAsk(ctx context.Context, res *resolver.Resolver, model, system string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		fmt.Fprint(out, "You: ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		prompt := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(prompt) {
		case "exit", "quit":
			return nil
		case "":
			continue
		}

		result, err := res.Resolve(ctx, model, prompt, system)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(out, "Error: %v\n", err)
			continue
		}
		if result.Cached {
			fmt.Fprintf(out, "Tokens per second (cached): %.2f\n", result.TokensPerSecond)
		} else {
			fmt.Fprintf(out, "Tokens per second: %.2f\n", result.TokensPerSecond)
		}
		fmt.Fprintln(out, "AI:", result.Answer)
	}
}
