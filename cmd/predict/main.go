package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cejohnson/label-studio-yolov5/backend"
	"github.com/cejohnson/label-studio-yolov5/config"
	"github.com/cejohnson/label-studio-yolov5/labelstudio"
	"github.com/cejohnson/label-studio-yolov5/logger"
	"github.com/cejohnson/label-studio-yolov5/runner"
)

const defaultLogFile = "predict.log"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.RequireLabelStudio(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logFile := cfg.LogFile
	if logFile == "" {
		logFile = defaultLogFile
	}
	// stderr carries the progress bar, so log lines only go to the file
	lg, err := logger.Open(nil, logFile, logger.ParseLevel(cfg.LogLevel))
	if err != nil {
		log.Fatalf("Failed to open log: %v", err)
	}

	summary, err := run(cfg, lg)
	fmt.Printf("Tasks seen: %d, skipped: %d, predicted: %d, posted: %d, failed: %d\n",
		summary.Seen, summary.Skipped, summary.Predicted, summary.Posted, summary.Failed)
	if err != nil {
		lg.Error("Run aborted: %v", err)
		lg.Close()
		fmt.Fprintf(os.Stderr, "Run aborted: %v (see %s)\n", err, logFile)
		os.Exit(1)
	}
	lg.Close()
}

func run(cfg *config.Config, lg *logger.Logger) (runner.Summary, error) {
	model, closeModel, err := backend.NewFromConfig(cfg, lg)
	if err != nil {
		return runner.Summary{}, err
	}
	defer closeModel()

	client, err := labelstudio.NewClient(labelstudio.ClientOptions{
		BaseURL:     cfg.LabelStudio.URL,
		AccessToken: cfg.LabelStudio.AccessToken,
		Timeout:     cfg.LabelStudio.RequestTimeout,
		RetryMax:    cfg.LabelStudio.RetryMax,
		Logger:      lg,
	})
	if err != nil {
		return runner.Summary{}, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := runner.New(client, model, runner.Options{
		Project:  cfg.LabelStudio.ProjectID,
		View:     cfg.LabelStudio.ViewID,
		PageSize: cfg.LabelStudio.PageSize,
		Logger:   lg,
		Progress: os.Stderr,
	})
	return r.Run(ctx)
}
