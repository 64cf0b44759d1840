package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payflow/internal/config"
	"payflow/internal/pspsim"
	"payflow/kit/observability"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("layer=main component=psp err=%v", err)
		os.Exit(1)
	}
	logger := observability.NewLoggerWithOptions(observability.LoggerOptions{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger.Install()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := pspsim.NewHandler(pspsim.Options{MinLatency: cfg.Sim.MinLatency, MaxLatency: cfg.Sim.MaxLatency})
	srv := &http.Server{Addr: cfg.Sim.Addr, Handler: h.Routes(), ReadHeaderTimeout: 2 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("psp simulator started", "addr", srv.Addr, "min_latency", cfg.Sim.MinLatency.String(), "max_latency", cfg.Sim.MaxLatency.String())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("psp simulator error", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("psp simulator stopped")
}
