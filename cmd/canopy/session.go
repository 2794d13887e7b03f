package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/canopy/internal/backend"
	"github.com/hyperengineering/canopy/internal/config"
	"github.com/hyperengineering/canopy/internal/persistence"
	"github.com/hyperengineering/canopy/internal/snapshot"
	csync "github.com/hyperengineering/canopy/internal/sync"
	"github.com/hyperengineering/canopy/internal/workspace"
)

// session is an opened device workspace and what it was built from.
type session struct {
	cfg      *config.Config
	logger   *slog.Logger
	backend  *backend.Client
	registry *prometheus.Registry
	ws       *workspace.Workspace
}

// openSession loads the client config and the device state file. Callers
// must close the session so the state is saved.
func openSession(cmd *cobra.Command) (*session, error) {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log, cmd.ErrOrStderr())

	client, err := backend.New(backend.Config{
		BaseURL: cfg.Client.BackendURL,
		Token:   cfg.Client.Token,
		Timeout: cfg.Client.Timeout.Std(),
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	uploader, err := snapshot.NewUploader(cfg.Backup)
	if err != nil {
		return nil, fmt.Errorf("backup storage: %w", err)
	}

	state, err := persistence.Open(ctx, cfg.Client.StatePath)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	ws, err := workspace.New(cfg, workspace.Deps{
		Backend:  client,
		State:    state,
		Uploader: uploader,
		Metrics:  csync.NewMetrics(registry),
		Logger:   logger,
	})
	if err != nil {
		state.Close()
		return nil, err
	}
	if err := ws.Init(ctx); err != nil {
		state.Close()
		return nil, err
	}

	return &session{
		cfg:      cfg,
		logger:   logger,
		backend:  client,
		registry: registry,
		ws:       ws,
	}, nil
}

// close saves and closes the state file. Saving uses a fresh context so an
// interrupted command still persists what it did.
func (s *session) close() error {
	return s.ws.Teardown(context.Background())
}
