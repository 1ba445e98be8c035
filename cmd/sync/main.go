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

// HarborCRM Bulk Classification Sync
//
// Standalone CLI that classifies the backlog of unclassified inbound items
// and runs their automation actions. Intended for catching up after LLM
// gateway outages or rate-limit windows.
//
// Usage:
//
//	go run ./cmd/sync/ [--limit 50]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"

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
	syncer "github.com/harborcrm/automation/internal/sync"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	limitFlag := flag.Int("limit", 0, "Max items sent to the LLM this run (0 = configured cap)")
	flag.Parse()

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

	aiCap := cfg.SyncAICap
	if *limitFlag > 0 {
		aiCap = *limitFlag
	}

	slog.Info("starting bulk classification sync", "ai_cap", aiCap)

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

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := queue.NewPublisher(rdb, cfg.ExtractionQueue, cfg.EventsQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	filter := dedup.NewFilter(rdb)

	// --- Stores ---
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

	// --- Graph Mail Client (optional) ---
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
	var mail graphmail.Provider
	if len(graphClients) > 0 {
		mail = graphmail.NewClient(graphClients, graphBaseURL, cfg.GraphTimeout)
	}

	// --- Pipeline ---
	gateway := llm.New(llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	})

	classifier := classify.New(classify.Config{
		LLM:     gateway,
		Senders: senders,
		People:  people,
		Items:   items,
		Logs:    logs,
		Timeout: cfg.LLM.Timeout,
	})

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

	// --- Run ---
	runner := syncer.NewRunner(syncer.RunnerConfig{
		Items:      items,
		Classifier: classifier,
		Endpoints:  endpoints,
		Executor:   executor,
		AICap:      aiCap,
	})

	result, err := runner.Run(ctx)
	if result != nil {
		slog.Info("sync complete",
			"scanned", result.Scanned,
			"classified", result.Classified,
			"actioned", result.Actioned,
			"failed", result.Failed,
			"rate_limited", result.RateLimited,
			"elapsed", result.Elapsed,
		)
		for table, count := range result.ByTable {
			slog.Info("entity summary", "entity_table", table, "classified", count)
		}
	}
	if err != nil {
		slog.Error("sync ended early", "error", err)
		os.Exit(1)
	}
}
