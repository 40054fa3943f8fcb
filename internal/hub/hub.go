// Package hub is the main orchestrator that ties all tandemd components together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tandembrowse/tandem/internal/api"
	"github.com/tandembrowse/tandem/internal/auth"
	"github.com/tandembrowse/tandem/internal/config"
	"github.com/tandembrowse/tandem/internal/gateway"
	"github.com/tandembrowse/tandem/internal/provider"
	"github.com/tandembrowse/tandem/internal/relay"
	"github.com/tandembrowse/tandem/internal/room"
	"github.com/tandembrowse/tandem/internal/store"
)

// Hub is the main tandemd process.
type Hub struct {
	cfg      *config.Config
	store    store.Store
	registry *room.Registry
	manager  *room.Manager
	api      *api.Server
	logger   *slog.Logger
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	providerClient := provider.NewHTTPClient(cfg.Provider)

	registry := room.NewRegistry()
	manager := room.NewManager(db, providerClient, registry, logger, cfg.Room, cfg.Provider.CreateTimeout.Duration)
	fanout := relay.NewFanout(registry, logger)
	gw := gateway.New(registry, authProvider, logger, gateway.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageBytes: cfg.Room.MaxMessageBytes,
	})

	apiSrv := api.NewServer(db, authProvider, manager, fanout, gw, cfg, logger)

	h := &Hub{
		cfg:      cfg,
		store:    db,
		registry: registry,
		manager:  manager,
		api:      apiSrv,
		logger:   logger.With("component", "hub"),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return h, nil
}

// Run starts the hub and blocks until the context is canceled. Live
// rooms are NOT disposed on shutdown: their provider sessions outlive
// the process, and the restore pass on the next boot picks them up.
func (h *Hub) Run(ctx context.Context) error {
	// Reconcile persisted rooms with the provider before serving.
	if err := h.manager.RestoreActiveRooms(ctx); err != nil {
		h.logger.Warn("restore active rooms failed", "error", err)
	} else {
		h.logger.Info("active rooms restored", "count", h.registry.Len())
	}

	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	h.api.StartBackgroundTasks(ctx)

	if h.cfg.Storage.EventRetention.Duration > 0 {
		go h.runRetentionPurger(ctx, h.cfg.Storage.EventRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("tandemd listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		// Stop room loops without ending their sessions.
		for _, r := range h.registry.List() {
			r.Close("server shutting down")
		}

		h.logger.Info("closing store")
		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.store.Close()
		return err
	}
}

func (h *Hub) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := h.store.PurgeOldEvents(ctx, cutoff); err != nil {
				h.logger.Warn("retention purge failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old room events", "count", n)
			}
		}
	}
}
