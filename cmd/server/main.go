// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// HarborCRM Automation Service
//
// Entry point for the classification and rules service. It:
//  1. Loads multi-tenant configuration from config.yaml
//  2. Connects to PostgreSQL and Redis
//  3. Builds per-tenant Graph mail clients for email ingestion
//  4. Wires the classifier and the rule-driven action executor
//  5. Serves Graph change notifications, signed webhook ingress, and
//     item resubmission endpoints
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/harborcrm/automation/internal/actions"
	"github.com/harborcrm/automation/internal/classify"
	"github.com/harborcrm/automation/internal/config"
	"github.com/harborcrm/automation/internal/dedup"
	"github.com/harborcrm/automation/internal/entity"
	"github.com/harborcrm/automation/internal/graphmail"
	"github.com/harborcrm/automation/internal/llm"
	"github.com/harborcrm/automation/internal/queue"
	"github.com/harborcrm/automation/internal/rules"
	"github.com/harborcrm/automation/internal/store"
	"github.com/harborcrm/automation/internal/webhook"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting HarborCRM automation service")

	// The entity registry backs every table-name interpolation downstream;
	// a malformed name here is a startup failure, not a runtime surprise.
	if err := entity.Validate(); err != nil {
		slog.Error("invalid entity registry", "error", err)
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"tenants", len(cfg.Tenants),
		"llm_model", cfg.LLM.Model,
		"sync_ai_cap", cfg.SyncAICap,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	publisher := queue.NewPublisher(rdb, cfg.ExtractionQueue, cfg.EventsQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Dedup Filter ---
	filter := dedup.NewFilter(rdb)

	// --- Stores (Postgres) ---
	items, err := store.NewItemStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise item store", "error", err)
		os.Exit(1)
	}
	senders, err := store.NewSenderStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise sender store", "error", err)
		os.Exit(1)
	}
	people, err := store.NewPersonMappingStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise person mapping store", "error", err)
		os.Exit(1)
	}
	links, err := store.NewLinkStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise link store", "error", err)
		os.Exit(1)
	}
	logs, err := store.NewLogStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise log store", "error", err)
		os.Exit(1)
	}
	endpoints, err := store.NewEndpointStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise endpoint store", "error", err)
		os.Exit(1)
	}
	ruleStore, err := rules.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise rule store", "error", err)
		os.Exit(1)
	}

	// --- Build OAuth2 clients per tenant ---
	graphClients := make(map[string]*http.Client)
	for _, tenant := range cfg.Tenants {
		creds := &clientcredentials.Config{
			ClientID:     tenant.ClientID,
			ClientSecret: tenant.ClientSecret,
			TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenant.TenantID),
			Scopes:       []string{"https://graph.microsoft.com/.default"},
		}
		graphClients[tenant.Alias] = creds.Client(ctx)
	}

	// --- Graph Mail Client ---
	// Nil when no tenant is configured: webhook-only deployments still run,
	// and mail-dependent actions degrade per their own rules.
	var mail graphmail.Provider
	if len(graphClients) > 0 {
		mail = graphmail.NewClient(graphClients, graphBaseURL, cfg.GraphTimeout)
	}

	// --- LLM Gateway ---
	gateway := llm.New(llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	})

	// --- Classifier ---
	classifier := classify.New(classify.Config{
		LLM:     gateway,
		Senders: senders,
		People:  people,
		Items:   items,
		Logs:    logs,
		Timeout: cfg.LLM.Timeout,
	})

	// --- Action Executor ---
	executor := actions.NewExecutor(actions.Config{
		Rules:      ruleStore,
		Items:      items,
		Links:      links,
		Dispatcher: publisher,
		Guard:      filter,
		Logs:       logs,
		Mail:       mail,
		Events:     publisher,
	})

	// --- Webhook Server ---
	handler := webhook.NewHandler(mail, items, endpoints, classifier, executor, filter, cfg.Tenants)
	ready, err := webhook.Serve(ctx, cfg.WebhookPort, handler)
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Health Check Server ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := publisher.Ping(r.Context()); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := pgPool.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel() // Stop the webhook server and background work

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		rdb.Close()
		pgPool.Close()
	}()

	slog.Info("automation service listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("automation service stopped")
}
