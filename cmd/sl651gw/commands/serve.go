package commands

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

	"github.com/hyird/iot-manager-sub001/internal/config"
	"github.com/hyird/iot-manager-sub001/internal/gateway"
	"github.com/hyird/iot-manager-sub001/internal/httpapi"
	"github.com/hyird/iot-manager-sub001/internal/logger"
	"github.com/hyird/iot-manager-sub001/internal/metrics"
	"github.com/hyird/iot-manager-sub001/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the SL651 gateway: opens the configured database, starts every
enabled link (server or client mode), and serves the health/metrics/links
HTTP surface.

Examples:
  # Start with default config discovery (./sl651gw.yaml, then defaults)
  sl651gw serve

  # Start with a custom config file
  sl651gw serve --config /etc/sl651gw/config.yaml

  # Start with environment variable overrides
  SL651GW_LOGGING_LEVEL=DEBUG sl651gw serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}
	logger.Info("configuration loaded", "source", getConfigSource(GetConfigFile()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(store.Config{
		Type:         store.DatabaseType(cfg.Database.Type),
		SQLitePath:   cfg.Database.SQLitePath,
		PostgresDSN:  cfg.Database.PostgresDSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	gw, err := gateway.New(st, cfg.Link.WorkerCount)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	var gatherer prometheus.Gatherer
	var metricsHandle *metrics.Metrics
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		gatherer = registry
		metricsHandle = metrics.New(registry)
		logger.Info("metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("metrics disabled")
	}

	if err := startConfiguredLinks(ctx, gw); err != nil {
		return fmt.Errorf("failed to start configured links: %w", err)
	}

	stopSampling := startMetricsSampling(ctx, gw, metricsHandle)
	defer stopSampling()

	router := httpapi.NewRouter(gw.Manager, gatherer)
	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}

	serverDone := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("gateway is running, press ctrl+c to stop")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, initiating graceful shutdown")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
		gw.Manager.StopAll()
		logger.Info("gateway stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		cancel()
		gw.Manager.StopAll()
		if err != nil {
			logger.Error("http server error", "error", err)
			return err
		}
	}

	return nil
}

// startConfiguredLinks starts every enabled link row found in the store,
// in server or client mode per its configuration.
func startConfiguredLinks(ctx context.Context, gw *gateway.Gateway) error {
	links, err := gw.Store.ListLinks(ctx)
	if err != nil {
		return err
	}
	for _, lk := range links {
		if !lk.Enabled {
			continue
		}
		var startErr error
		switch lk.Mode {
		case "server":
			startErr = gw.Manager.StartServer(lk.ID, lk.Name, lk.IP, lk.Port)
		case "client":
			startErr = gw.Manager.StartClient(lk.ID, lk.Name, lk.IP, lk.Port)
		default:
			logger.Warn("skipping link with unknown mode", "link_id", lk.ID, "mode", lk.Mode)
			continue
		}
		if startErr != nil {
			logger.Error("failed to start link", "link_id", lk.ID, "mode", lk.Mode, "error", startErr)
			continue
		}
		logger.Info("link started", "link_id", lk.ID, "name", lk.Name, "mode", lk.Mode, "addr", fmt.Sprintf("%s:%d", lk.IP, lk.Port))
	}
	return nil
}

// startMetricsSampling copies the link manager's cumulative TCP counters,
// the parser's counters, and each link's connection count and state into
// Prometheus every 5 seconds until ctx is cancelled. The returned function
// does not stop the loop; it waits up to one second for the loop to exit
// after ctx has been cancelled.
func startMetricsSampling(ctx context.Context, gw *gateway.Gateway, m *metrics.Metrics) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		var prevTCP metrics.TCPStats
		var prevParser metrics.ParserStats

		for {
			select {
			case <-ctx.Done():
				close(done)
				return
			case <-ticker.C:
				stats := gw.Manager.GetTCPStats()
				curTCP := metrics.TCPStats{
					RxBytes:   stats.RxBytes,
					TxBytes:   stats.TxBytes,
					RxPackets: stats.RxPackets,
					TxPackets: stats.TxPackets,
				}
				m.ObserveTCPStats(prevTCP, curTCP)
				prevTCP = curTCP

				ps := gw.Parser.Stats()
				curParser := metrics.ParserStats{
					FramesParsed:         ps.FramesParsed,
					CRCErrors:            ps.CRCErrors,
					MultiPacketCompleted: ps.MultiPacketCompleted,
					MultiPacketExpired:   ps.MultiPacketExpired,
					ParseErrors:          ps.ParseErrors,
				}
				m.ObserveParserStats(prevParser, curParser)
				prevParser = curParser

				for _, info := range gw.Manager.GetAllStatus() {
					m.SetLinkConnections(info.LinkID, info.Mode, info.ClientCount)
					m.SetLinkState(info.LinkID, []string{"listening", "connected", "connecting"}, info.ConnStatus)
				}
			}
		}
	}()
	return func() {
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}
