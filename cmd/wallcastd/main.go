package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wallcast/wallcast-server/internal/broadcast"
	"github.com/wallcast/wallcast-server/internal/cdp"
	"github.com/wallcast/wallcast-server/internal/config"
	"github.com/wallcast/wallcast-server/internal/health"
	"github.com/wallcast/wallcast-server/internal/logging"
	"github.com/wallcast/wallcast-server/internal/registry"
	"github.com/wallcast/wallcast-server/internal/server"
	"github.com/wallcast/wallcast-server/internal/workerpool"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "wallcastd",
	Short: "Wallcast streaming server",
	Long:  `wallcastd renders dashboards in a headless browser and streams tile updates to embedded displays.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the server",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("wallcastd v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is platform-specific, see internal/config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogging(cfg *config.Config) {
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stdout)
	log = logging.L("main")
}

func runServer() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg)

	log.Info("starting wallcastd", "version", version, "listenAddr", cfg.ListenAddr, "browserEndpoint", cfg.BrowserEndpoint)

	monitor := health.NewMonitor()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	browser, err := cdp.Connect(ctx, cfg.BrowserEndpoint)
	cancel()
	if err != nil {
		log.Error("failed to connect to browser", logging.KeyError, err)
		monitor.Update(health.ComponentBrowser, health.Unhealthy, err.Error())
		os.Exit(1)
	}
	monitor.Update(health.ComponentBrowser, health.Healthy, "")
	defer browser.Close()

	pool := workerpool.New(cfg.FrameWorkerPoolSize, cfg.FrameWorkerQueueSize)

	bc := broadcast.New()
	reg := registry.New(browser, bc, pool, cfg.PrefersReducedMotion)
	monitor.Update(health.ComponentRegistry, health.Healthy, "")

	srv := server.New(cfg, reg, monitor)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	go reg.RunCleanupLoop(cleanupCtx, time.Duration(cfg.CleanupIntervalSeconds)*time.Second, time.Duration(cfg.IdleTTLSeconds)*time.Second)

	go func() {
		log.Info("http server listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", logging.KeyError, err)
			monitor.Update(health.ComponentTransport, health.Unhealthy, err.Error())
		}
	}()
	monitor.Update(health.ComponentTransport, health.Healthy, "")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("shutting down")

	cleanupCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", logging.KeyError, err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	pool.StopAccepting()
	pool.Drain(drainCtx)

	reg.StopAll()
	log.Info("wallcastd stopped")
}
