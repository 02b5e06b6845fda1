package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"golang.org/x/net/netutil"

	"github.com/target/backup-coordinator/config"
	httpx "github.com/target/backup-coordinator/internal/http"
)

// HTTPServerConfig contains configuration for the HTTP server.
type HTTPServerConfig struct {
	HTTP     config.HTTPConfig
	Services ServiceContainer
	DB       *sql.DB
	Logger   *slog.Logger
}

// BuildHTTPHandler wires the router over the controller services.
func BuildHTTPHandler(cfg *HTTPServerConfig) http.Handler {
	svc := cfg.Services
	services := httpx.RouterServices{
		Runs:     svc.Orchestrator,
		Sessions: svc.Registry,
		AgentHub: svc.Hub,
		Jobs:     svc.Repos.Jobs,
		JobRuns:  svc.Repos.Runs,
		RunTasks: svc.Repos.Tasks,
		TaskLogs: svc.Repos.TaskLogs,
		Logger:   cfg.Logger,
	}
	if cfg.DB != nil {
		services.DB = cfg.DB
	}
	if svc.Verifiers.Ops != nil {
		services.OpsVerifier = svc.Verifiers.Ops
	}
	return httpx.NewRouter(services)
}

// Listen opens the listener, capped at MaxConnections concurrent connections.
func Listen(cfg config.HTTPConfig) (net.Listener, error) {
	addr := cfg.Addr
	// Guard against empty addr to avoid listening on Go default
	if addr == "" {
		addr = ":8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return netutil.LimitListener(ln, cfg.MaxConnections), nil
}

// Serve runs the server on ln until ctx is cancelled, then shuts it down within
// ShutdownTimeout. Agent sockets are hijacked, so onShutdown closes them separately.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler, cfg config.HTTPConfig, logger *slog.Logger, onShutdown func(context.Context)) error {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "starting HTTP server", "addr", ln.Addr().String())
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()

	err := server.Shutdown(shutdownCtx)
	if onShutdown != nil {
		onShutdown(shutdownCtx)
	}
	if err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	logger.Info("HTTP server stopped")
	return nil
}
