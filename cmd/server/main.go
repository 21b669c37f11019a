package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailpipe/internal/config"
	"github.com/brandon/mailpipe/internal/email"
	"github.com/brandon/mailpipe/internal/httpapi"
	"github.com/brandon/mailpipe/internal/index"
	"github.com/brandon/mailpipe/internal/ingest"
	"github.com/brandon/mailpipe/internal/llm"
	"github.com/brandon/mailpipe/internal/notify"
	"github.com/brandon/mailpipe/internal/vector"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailpipe version %s\n", version)
		os.Exit(0)
	}
	// Set up logging
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	// Set log level
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.Info("Starting mailpipe")

	// Initialize the document index
	idx, err := index.NewIndex(cfg.IndexPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize index")
	}
	defer idx.Close()

	store := index.NewStore(idx, logger)

	// Reply-suggestion context store shares the index database
	vectors, err := vector.NewStore(idx.DB(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize vector store")
	}

	// Remote classifier/embedding/generation client
	llmClient := llm.NewClient(cfg.LLMEndpoint, cfg.LLMAPIKey, logger)
	if !llmClient.Enabled() {
		logger.Warn("LLM_ENDPOINT not set; classification and reply suggestion disabled")
	}

	// Webhook sinks
	notifier := notify.NewNotifier(cfg.WebhookURLs, logger)

	// One session per configured account
	sources := make([]ingest.MessageSource, 0, len(cfg.Accounts))
	for i := range cfg.Accounts {
		session := email.NewSession(&cfg.Accounts[i], cfg.SyncWindowDays, cfg.FetchRecentCount, logger)
		sources = append(sources, session)
	}

	orchestrator := ingest.New(sources, store, llmClient, notifier, logger)
	apiServer := httpapi.NewServer(cfg.HTTPAddr, store, llmClient, vectors, logger)

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 2)
	go func() {
		errChan <- orchestrator.Run(ctx)
	}()
	go func() {
		errChan <- apiServer.Run(ctx)
	}()

	// Wait for shutdown signal or error
	remaining := 2
	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	case err := <-errChan:
		if err != nil {
			logger.WithError(err).Error("Server error")
		}
		remaining--
		cancel()
	}

	// Orchestrator.Run closes every session before returning, so no
	// signals or timers outlive this point.
	for ; remaining > 0; remaining-- {
		<-errChan
	}

	logger.Info("Shutting down mailpipe")
}
