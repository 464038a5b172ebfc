package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/datify-sh/datify/internal/api"
	"github.com/datify-sh/datify/internal/branching"
	"github.com/datify-sh/datify/internal/config"
	"github.com/datify-sh/datify/internal/configeditor"
	"github.com/datify-sh/datify/internal/containerdriver"
	"github.com/datify-sh/datify/internal/crypto"
	"github.com/datify-sh/datify/internal/engine"
	"github.com/datify-sh/datify/internal/lifecycle"
	"github.com/datify-sh/datify/internal/log"
	"github.com/datify-sh/datify/internal/metrics"
	"github.com/datify-sh/datify/internal/ports"
	"github.com/datify-sh/datify/internal/store"
	"github.com/datify-sh/datify/internal/streamhub"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the datifyd API daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runServe(); err != nil {
			log.Error().Err(err).Msg("bootstrap failed")
			os.Exit(exitBootstrapFailure)
		}
		return nil
	},
}

const (
	exitOK               = 0
	exitBootstrapFailure = 1
	exitMigrationFailure = 2
)

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("datifyd")
	logger.Info().Msg("starting datifyd")

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Error().Err(err).Msg("open state store")
		os.Exit(exitMigrationFailure)
	}
	defer st.Close()

	vault, err := crypto.NewVault(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("init crypto vault: %w", err)
	}

	portAlloc, err := ports.New(cfg.PortPoolLow, cfg.PortPoolHigh, st)
	if err != nil {
		return fmt.Errorf("init port allocator: %w", err)
	}

	driver, err := containerdriver.New(containerdriver.DefaultSocketPath, cfg.DockerDataDir)
	if err != nil {
		return fmt.Errorf("connect to containerd: %w", err)
	}
	defer driver.Close()

	engines := engine.NewRegistry()

	broadcaster := metrics.NewBroadcaster()
	scraper := metrics.New(st, engines, vault, broadcaster)

	lcCfg := lifecycle.Config{DockerDataDir: cfg.DockerDataDir, DockerHostIP: cfg.DockerHostIP}
	lc := lifecycle.New(lcCfg, st, driver, engines, vault, portAlloc, scraper)
	br := branching.New(lcCfg, st, driver, engines, vault, portAlloc, scraper)

	metricsReg := prometheus.NewRegistry()
	metrics.Register(metricsReg)
	api.RegisterTelemetry(metricsReg)

	hub := streamhub.New(st, driver, broadcaster, cfg.MaxStreamSessionsPerInstance)
	cfgEditor := configeditor.New(st, engines, vault)

	var auth api.Authenticator
	if cfg.JWTSecret == "" {
		logger.Warn().Msg("JWT_SECRET not set, authentication is disabled for this instance")
		auth = allowAllAuthenticator{}
	} else {
		auth = newJWTAuthenticator(cfg.JWTSecret)
	}

	srv := api.NewServer(
		api.Config{CORSAllowedOrigins: []string{"*"}, DockerHostIP: cfg.DockerHostIP},
		metricsReg, st, vault, engines, lc, br, scraper, broadcaster, hub, cfgEditor, auth,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := scraper.StartAll(ctx); err != nil {
		return fmt.Errorf("resume metrics scraping: %w", err)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort),
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	return nil
}

// allowAllAuthenticator is the development fallback datifyd wires when no
// JWT_SECRET is configured; it never runs unless the operator explicitly
// leaves auth unset.
type allowAllAuthenticator struct{}

func (allowAllAuthenticator) Authenticate(r *http.Request) (*api.Principal, error) {
	return &api.Principal{UserID: "anonymous", Role: "admin"}, nil
}
