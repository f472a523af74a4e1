package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/wispberry-tech/travelease/core"
	"github.com/wispberry-tech/travelease/core/storage"
	"github.com/wispberry-tech/travelease/metrics"
	"github.com/wispberry-tech/travelease/remote"
	"github.com/wispberry-tech/travelease/session"
	"github.com/wispberry-tech/travelease/web"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	var (
		addr     string
		database string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromEnv()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if database != "" {
				cfg.DatabaseURL = database
			}

			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides TRAVELEASE_ADDR)")
	cmd.Flags().StringVar(&database, "database", "", "Database DSN or SQLite path (overrides TRAVELEASE_DATABASE_URL)")
	return cmd
}

func openStorage(cfg config) (core.Storage, error) {
	if cfg.usesPostgres() {
		return storage.NewPostgresStorage(cfg.DatabaseURL)
	}
	return storage.NewSQLiteStorage(cfg.DatabaseURL)
}

func oauthProviders(cfg config) map[string]core.OAuthProviderConfig {
	providers := make(map[string]core.OAuthProviderConfig, len(cfg.OAuth))
	for name, creds := range cfg.OAuth {
		redirect := cfg.callbackURL(name)
		switch name {
		case "google":
			providers[name] = core.NewGoogleOAuthProvider(creds.ClientID, creds.ClientSecret, redirect)
		case "github":
			providers[name] = core.NewGitHubOAuthProvider(creds.ClientID, creds.ClientSecret, redirect)
		case "discord":
			providers[name] = core.NewDiscordOAuthProvider(creds.ClientID, creds.ClientSecret, redirect)
		}
	}
	return providers
}

func serve(ctx context.Context, cfg config) error {
	store, err := openStorage(cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	authService, err := core.NewAuthService(core.Config{
		Storage:        store,
		SecurityConfig: core.DefaultSecurityConfig(),
		OAuthProviders: oauthProviders(cfg),
	})
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to initialize identity provider: %w", err)
	}
	defer authService.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollectors(reg)

	rental := remote.New(remote.Config{BaseURL: cfg.RentalAPIURL, Timeout: cfg.RentalTimeout})
	profiles := web.ProfileWriter(rental)

	registry := session.NewRegistry(session.RegistryConfig{
		NewStore: func(clientID string) *session.Store {
			return session.New(authService, clientID,
				session.WithProfileWriter(profiles),
				session.WithProfileWriteTimeout(cfg.ProfileWriteTimeout),
				session.WithMetrics(m),
			)
		},
		IdleTimeout: cfg.StoreIdleTimeout,
		Gauge:       m.LiveStores,
	})

	server := &http.Server{
		Addr: cfg.Addr,
		Handler: web.NewServer(web.Config{
			Registry:       registry,
			Rental:         rental,
			Metrics:        m,
			Gatherer:       reg,
			AllowedOrigins: cfg.AllowedOrigins,
			SecureCookies:  cfg.SecureCookies,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		registry.Run(ctx, cfg.SweepInterval)
	}()
	go func() {
		defer wg.Done()
		authService.RunSweeper(ctx, cfg.SweepInterval)
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway listening",
			"addr", cfg.Addr,
			"postgres", cfg.usesPostgres(),
			"rental_api", cfg.RentalAPIURL,
			"providers", authService.Providers())
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		cancel()
		registry.Close()
		wg.Wait()
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		slog.Info("Shutting down gateway")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
	}

	registry.Close()
	wg.Wait()
	slog.Info("Gateway stopped")
	return nil
}
