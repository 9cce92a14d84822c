package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cejohnson/label-studio-yolov5/backend"
	"github.com/cejohnson/label-studio-yolov5/config"
	"github.com/cejohnson/label-studio-yolov5/logger"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	lg, err := logger.Open(os.Stdout, cfg.LogFile, logger.ParseLevel(cfg.LogLevel))
	if err != nil {
		log.Fatalf("Failed to open log: %v", err)
	}
	defer lg.Close()

	if err := run(cfg, lg); err != nil {
		lg.Error("%v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, lg *logger.Logger) error {
	model, closeModel, err := backend.NewFromConfig(cfg, lg)
	if err != nil {
		return err
	}
	defer closeModel()

	server := backend.NewServer(model, backend.ServerOptions{
		Metrics: model.Metrics,
		Logger:  lg,
	})

	srv := &http.Server{
		Handler:      server.Router(),
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		lg.Info("Starting ML backend %s on %s", cfg.Model.Version, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	lg.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
