package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	aicache "github.com/katy-the-kat/AICache"
	"github.com/katy-the-kat/AICache/internal/logging"
	"github.com/katy-the-kat/AICache/internal/registry"
	"github.com/katy-the-kat/AICache/internal/requestlog"
	"github.com/katy-the-kat/AICache/internal/store"
	"github.com/katy-the-kat/AICache/internal/version"
	"github.com/katy-the-kat/AICache/providers"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the caching gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

// app is a running gateway plus the resources it owns.
type app struct {
	gw     *aicache.Gateway
	reqlog requestlog.Writer
}

func (a *app) Close() error {
	return errors.Join(a.gw.Close(), a.reqlog.Close())
}

// openUpstream builds the cache store and upstream provider from cfg.
func openUpstream(ctx context.Context, cfg aicache.Config) (store.Store, providers.Provider, error) {
	pc, err := cfg.Upstream.ProviderConfig()
	if err != nil {
		return nil, nil, err
	}
	p, err := providers.New(ctx, pc)
	if err != nil {
		return nil, nil, fmt.Errorf("upstream: %w", err)
	}
	st, err := store.Open(ctx, cfg.Cache.StoreOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("cache store: %w", err)
	}
	return st, p, nil
}

func buildApp(ctx context.Context, cfg aicache.Config) (*app, error) {
	st, p, err := openUpstream(ctx, cfg)
	if err != nil {
		return nil, err
	}
	src := registry.NewFileSource(cfg.Registry.ModelsPath, cfg.Registry.APIKeysPath)
	gw := aicache.New(cfg, src, st, p)

	w, err := requestlog.Open(ctx, cfg.RequestLog.Backend, cfg.RequestLog.DSN)
	if err != nil {
		_ = gw.Close()
		return nil, fmt.Errorf("request log: %w", err)
	}
	if _, disabled := w.(requestlog.NoopWriter); !disabled {
		gw.AddHook(requestlog.Hook(w))
	}
	return &app{gw: gw, reqlog: w}, nil
}

func serve(ctx context.Context, cfg aicache.Config) error {
	timeouts, err := cfg.Server.Timeouts()
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logging.Logger.Warn("close failed", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newRouter(a.gw, cfg.Server.CORSOrigins),
		ReadTimeout:  timeouts.Read,
		WriteTimeout: timeouts.Write,
		IdleTimeout:  timeouts.Idle,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logging.Logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Shutdown)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Logger.Error("shutdown error", "error", err)
		}
	}()

	logging.Logger.Info("aicache listening",
		"version", version.Short(),
		"addr", cfg.Server.Addr,
		"cache", cfg.Cache.Backend,
		"upstream", cfg.Upstream.Kind,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	// In-flight requests still use the store until Shutdown returns.
	<-shutdownDone
	logging.Logger.Info("server stopped")
	return nil
}
