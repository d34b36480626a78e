package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/frozenspider/rosetta/internal/config"
	"github.com/frozenspider/rosetta/internal/dispatch"
	"github.com/frozenspider/rosetta/internal/httpapi"
	"github.com/frozenspider/rosetta/internal/llm"
	"github.com/frozenspider/rosetta/internal/persistence"
	"github.com/frozenspider/rosetta/internal/service"
	"github.com/frozenspider/rosetta/internal/translator"
	"github.com/frozenspider/rosetta/pkg/log"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.NewFromEnv()
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}

	if err := os.MkdirAll(cfg.Service.DataDir, 0o755); err != nil {
		log.Fatal("Failed to create data directory: %v", err)
	}

	store, err := persistence.NewSQLiteStore(filepath.Join(cfg.Service.DataDir, "rosetta.db"))
	if err != nil {
		log.Fatal("Failed to open store: %v", err)
	}
	defer store.Close()

	client, err := llm.NewClient(&llm.Config{
		APIKey:      cfg.LLM.APIKey,
		APIURL:      cfg.LLM.APIURL,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
		SiteURL:     cfg.LLM.SiteURL,
		AppName:     cfg.LLM.AppName,
	})
	if err != nil {
		log.Fatal("Failed to create LLM client: %v", err)
	}

	dispatcher := dispatch.New(store, translator.NewLLMTranslator(client), dispatch.Config{
		Workers:     cfg.Dispatch.WorkerCount,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		ClaimBatch:  cfg.Dispatch.ClaimBatch,
		CallTimeout: time.Duration(cfg.LLM.Timeout) * time.Second,
		Backoff: dispatch.Backoff{
			Base: cfg.Dispatch.BackoffBase(),
			Cap:  cfg.Dispatch.BackoffCap(),
		},
	})

	orchestrator := service.NewOrchestrator(store, dispatcher,
		service.WithStaleAfter(cfg.Service.StaleAfter()),
		service.WithMaxSectionLen(cfg.Service.MaxSectionLen),
	)

	if err := orchestrator.ResumeIncompleteJobs(context.Background()); err != nil {
		log.Fatal("Failed to resume incomplete jobs: %v", err)
	}

	maintenance := cron.New()
	if _, err := maintenance.AddFunc(cfg.Service.MaintenanceCron, func() {
		orchestrator.SweepStale(context.Background())
	}); err != nil {
		log.Fatal("Invalid MAINTENANCE_CRON %q: %v", cfg.Service.MaintenanceCron, err)
	}
	maintenance.Start()
	defer maintenance.Stop()

	server := httpapi.NewServer(orchestrator)

	go func() {
		log.Info("HTTP API listening on %s", cfg.Service.HTTPAddr)
		if err := server.ListenAndServe(cfg.Service.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown: %v", err)
	}
	orchestrator.Wait()
}
