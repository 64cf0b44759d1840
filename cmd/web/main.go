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

	"payflow/cmd/web/handlers"
	"payflow/cmd/web/validator"
	"payflow/internal/app"
	"payflow/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("layer=main component=web err=%v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Printf("layer=main component=web err=%v", err)
		os.Exit(1)
	}
	defer func() { _ = a.Close() }()
	logger := a.Logger

	router := handlers.Routes(
		handlers.NewCheckout(validator.NewJSON(), a.Checkout, a.Repo, a.Readiness),
		handlers.NewWallet(a.Repo),
		handlers.NewHealth(a.Health),
		handlers.NewMetrics(a.Metrics),
	)
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: router, ReadHeaderTimeout: 2 * time.Second}

	consumersDone := make(chan error, 1)
	if cfg.Consumers.Embedded {
		go func() { consumersDone <- a.RunConsumers(ctx, app.StageAll) }()
		logger.Info("embedded consumers started", "workers", cfg.Consumers.Workers)
	} else {
		close(consumersDone)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("web server shutdown error", "error", err.Error())
		}
	}()

	logger.Info("web server started", "addr", srv.Addr, "store", cfg.Store.Driver, "queue", cfg.Queue.Driver)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("web server error", "error", err.Error())
		stop()
	}
	if err := <-consumersDone; err != nil {
		logger.Error("consumers error", "error", err.Error())
	}
	logger.Info("web server stopped")
}
