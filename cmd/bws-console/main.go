package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/common/version"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/api"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/cache"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/config"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/console"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/events"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/history"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/influx"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/metrics"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/selection"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/server"
)

const appName = "bws-console"

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to a YAML config file (environment variables override it)")
	flag.BoolVar(&showVersion, "version", false, "Print version information and exit")

	klog.InitFlags(nil)
	flag.Parse()

	if showVersion {
		fmt.Println(version.Print(appName))
		os.Exit(0)
	}

	klog.InfoS("Starting be-water-smart console", "version", version.Info(), "build", version.BuildContext())

	cfg, err := config.Load(configPath)
	if err != nil {
		klog.ErrorS(err, "Failed to load configuration")
		os.Exit(1)
	}

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		klog.InfoS("Received signal, shutting down", "signal", sig)
		cancel()
	}()

	loc, err := cfg.Display.Location()
	if err != nil {
		klog.ErrorS(err, "Invalid time zone", "timeZone", cfg.Display.TimeZone)
		os.Exit(1)
	}

	clientOpts := []api.ClientOption{api.WithRequestIDs()}
	store, err := cache.NewFromConfig(ctx, cfg.Cache)
	if err != nil {
		klog.ErrorS(err, "Failed to create response cache", "backend", cfg.Cache.Backend)
		os.Exit(1)
	}
	if store != nil {
		defer store.Close()
		clientOpts = append(clientOpts, api.WithCache(store))
	}
	client := api.NewClient(cfg.API, clientOpts...)

	consoleOpts := []console.Option{
		console.WithLocation(loc),
		console.WithResetPolicy(selection.ResetPolicy{ClearVirtualMeterOnTrain: cfg.Display.ClearVirtualMeterOnTrain}),
	}
	var serverOpts []server.Option

	if cfg.History.Enabled {
		hist, err := history.Open(cfg.History.Path)
		if err != nil {
			klog.ErrorS(err, "Failed to open forecast history", "path", cfg.History.Path)
			os.Exit(1)
		}
		defer hist.Close()
		go hist.RunCleanup(ctx, cfg.History.RetentionDays, clock.RealClock{})

		consoleOpts = append(consoleOpts, console.WithRecorder("history", hist))
		serverOpts = append(serverOpts, server.WithHistory(hist))
	}

	if cfg.Influx.Enabled {
		rec, err := influx.NewRecorder(ctx, cfg.Influx)
		if err != nil {
			// the console works without the export
			klog.ErrorS(err, "InfluxDB export disabled", "url", cfg.Influx.URL)
		} else {
			defer rec.Close()
			consoleOpts = append(consoleOpts, console.WithRecorder("influx", rec))
		}
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.Events.Enabled {
		publisher = events.NewKafka(cfg.Events)
	}
	defer publisher.Close()
	consoleOpts = append(consoleOpts, console.WithPublisher(publisher))

	c, err := console.New(client, consoleOpts...)
	if err != nil {
		klog.ErrorS(err, "Failed to create console")
		os.Exit(1)
	}
	if err := c.Init(ctx); err != nil {
		// lists that failed stay empty until the next refresh
		klog.ErrorS(err, "Failed to load some console lists", "apiURL", client.BaseURL())
	}

	serverOpts = append(serverOpts, server.WithAllowedOrigins(cfg.Server.AllowedOrigins))
	srv := server.New(c, serverOpts...)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: metrics.Handler(),
	}
	go func() {
		klog.InfoS("Starting metrics server", "port", cfg.Server.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.ErrorS(err, "Metrics server error")
		}
	}()

	// Start console server. Write timeout covers a full training request.
	consoleServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.API.TrainTimeout + 10*time.Second,
	}
	go func() {
		klog.InfoS("Starting console server", "port", cfg.Server.Port)
		if err := consoleServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.ErrorS(err, "Console server error")
			cancel()
		}
	}()

	// Wait for context cancellation
	<-ctx.Done()

	// Graceful shutdown
	klog.InfoS("Shutting down servers")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := consoleServer.Shutdown(shutdownCtx); err != nil {
		klog.ErrorS(err, "Error shutting down console server")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		klog.ErrorS(err, "Error shutting down metrics server")
	}

	klog.InfoS("Console stopped")
}
