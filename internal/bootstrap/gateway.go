package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/aduggleby/octoporty-sub001/internal/config"
	"github.com/aduggleby/octoporty-sub001/internal/events"
	"github.com/aduggleby/octoporty-sub001/internal/gateway"
	"github.com/aduggleby/octoporty-sub001/pkg/tunnel"
)

// RunGateway wires and runs the gateway process until the context ends.
func RunGateway(ctx context.Context) error {
	_ = godotenv.Load()
	cfg := config.Load()
	if err := cfg.ValidateGateway(); err != nil {
		return fmt.Errorf("invalid gateway configuration: %w", err)
	}

	SetupLogger(cfg)
	slog.InfoContext(ctx, "Octoporty gateway is starting",
		"version", config.Version,
		"listen", cfg.ListenAddr,
		"edge_admin", cfg.EdgeAdminURL,
	)

	hub := events.NewHub()
	manager := gateway.NewManager(hub, cfg.TunnelTakeover, cfg.HeartbeatTimeout)
	reconciler := gateway.NewEdgeReconciler(cfg)
	tunnelServer := gateway.NewTunnelServer(cfg, manager, reconciler)
	router := gateway.NewRouter(cfg, manager)
	status := gateway.NewStatusHandler(manager, reconciler)

	// Startup reconcile clears routes left over from a previous run.
	if err := reconciler.Reconcile(ctx, manager.Snapshot().Mappings); err != nil {
		slog.WarnContext(ctx, "Startup edge reconcile failed; will keep retrying", "error", err)
	}
	go reconciler.Run(ctx, cfg.ReconcileProbeInterval, func() []tunnel.PortMapping {
		return manager.Snapshot().Mappings
	})

	engine := newEngine(cfg)
	engine.GET("/tunnel/connect", tunnelServer.HandleConnect)
	engine.GET("/status", status.Handle)
	engine.NoRoute(router.Handle)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway server: %w", err)
	case <-ctx.Done():
	}

	slog.InfoContext(ctx, "Octoporty gateway shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return nil
}

func newEngine(cfg *config.Config) *gin.Engine {
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(GinLogger(), gin.Recovery())
	return engine
}
