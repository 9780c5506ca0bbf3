package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/noradhub/internal/api"
	"github.com/Tyrowin/noradhub/internal/config"
	"github.com/Tyrowin/noradhub/internal/hub"
	"github.com/Tyrowin/noradhub/internal/logging"
	"github.com/Tyrowin/noradhub/internal/metrics"
	"github.com/Tyrowin/noradhub/internal/norad"
	"github.com/Tyrowin/noradhub/internal/server"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// slog is not initialised yet
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupStore(cfg *config.Config, logger *slog.Logger) *norad.Store {
	store, err := norad.NewStore(cfg.NoradFile, logger)
	if err != nil {
		slog.Error("Failed to create NORAD ID store", "error", err)
		os.Exit(1)
	}
	if err := store.ReloadFromDisk(); err != nil {
		slog.Warn("Starting with an empty NORAD ID list", "path", store.Path(), "error", err)
	}
	return store
}

func mustListen(srv *http.Server) net.Listener {
	ln, err := server.Listen(srv)
	if err != nil {
		slog.Error("Failed to bind listener", "addr", srv.Addr, "error", err)
		os.Exit(1)
	}
	return ln
}

func main() {
	cfg := setupConfig()

	logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	slog.Info("NORAD hub starting",
		"device_addr", cfg.DeviceAddr,
		"api_addr", cfg.APIAddr,
		"norad_file", cfg.NoradFile,
		"broadcast_interval", cfg.BroadcastInterval,
	)

	registry := metrics.NewRegistry()
	hubMetrics := metrics.NewHubMetrics(registry)

	store := setupStore(cfg, logger)

	h := hub.New(store, cfg.AccessCode,
		hub.WithInterval(cfg.BroadcastInterval),
		hub.WithAuthTimeout(cfg.AuthTimeout),
		hub.WithMetrics(hubMetrics),
		hub.WithLogger(logger),
	)

	origins := server.NewOriginPolicy(cfg.AllowedOrigins, logging.WithComponent("origin_policy"))
	devices := server.NewDeviceServer(h.Gate(), h.Registry(), origins, server.ConnOptions{
		WriteTimeout:   cfg.WriteTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit: server.RateLimit{
			Burst:          cfg.RateLimit.Burst,
			RefillInterval: cfg.RateLimit.RefillInterval,
		},
	}, logger)

	control, err := api.New(h, api.Options{
		AllowedOrigins:    cfg.AllowedOrigins,
		DashboardPassword: cfg.DashboardPassword,
		SessionSecret:     cfg.SessionSecret,
		Metrics:           metrics.Handler(registry),
	}, logger)
	if err != nil {
		slog.Error("Failed to create control plane", "error", err)
		os.Exit(1)
	}

	deviceSrv := server.CreateServer(cfg.DeviceAddr, devices)
	apiSrv := server.CreateServer(cfg.APIAddr, control.Routes())
	deviceLn := mustListen(deviceSrv)
	apiLn := mustListen(apiSrv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go func() {
		if err := h.Run(hubCtx); err != nil {
			slog.Error("Hub stopped with error", "error", err)
		}
	}()

	watcher, err := norad.NewWatcher(store.Path(), h.RequestReload, logger)
	if err != nil {
		slog.Error("Failed to create NORAD file watcher", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := watcher.Run(ctx); err != nil {
			slog.Error("NORAD file watcher stopped; external edits will not be reloaded", "error", err)
		}
	}()

	serveErr := make(chan error, 2)
	go func() { serveErr <- server.Serve(deviceSrv, deviceLn, logger.With("component", "device_listener")) }()
	go func() { serveErr <- server.Serve(apiSrv, apiLn, logger.With("component", "api_listener")) }()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received, cleaning up...")
	case err := <-serveErr:
		if err != nil {
			slog.Error("Server stopped unexpectedly", "error", err)
		}
	}
	stop()

	if err := server.ShutdownServer(apiSrv, cfg.ShutdownTimeout, logger); err != nil {
		slog.Error("Control plane shutdown error", "error", err)
	}
	if err := server.ShutdownServer(deviceSrv, cfg.ShutdownTimeout, logger); err != nil {
		slog.Error("Device listener shutdown error", "error", err)
	}
	if err := devices.Shutdown(cfg.ShutdownTimeout); err != nil {
		slog.Error("Device connections shutdown error", "error", err)
	}

	stopHub()
	<-h.Done()
	slog.Info("NORAD hub stopped")
}
