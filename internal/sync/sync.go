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

// Package sync bulk-classifies the backlog of unclassified items. It is a
// catch-up path for items that entered the system while the LLM gateway was
// unavailable, and the home of the per-run AI spend cap.
package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/harborcrm/automation/internal/actions"
	"github.com/harborcrm/automation/internal/llm"
	"github.com/harborcrm/automation/internal/models"
	"github.com/harborcrm/automation/internal/store"
)

// ItemSource reads the unclassified backlog.
type ItemSource interface {
	ListUnclassified(ctx context.Context, limit int) ([]models.InboundItem, error)
}

// Classifier decides what an item is.
type Classifier interface {
	ClassifyEmail(ctx context.Context, item *models.InboundItem) (models.Classification, error)
	ClassifyWebhook(ctx context.Context, item *models.InboundItem, endpoint *store.Endpoint) (models.Classification, error)
}

// Endpoints resolves webhook endpoints for webhook-sourced items.
type Endpoints interface {
	GetByID(ctx context.Context, id string) (*store.Endpoint, error)
}

// ActionRunner executes the rule-driven action chain for a classified item.
type ActionRunner interface {
	Execute(ctx context.Context, item *models.InboundItem) (*actions.Result, error)
}

// Runner walks the backlog item by item, sequentially. One LLM call at a
// time keeps the spend cap exact and the rate-limit blast radius small.
type Runner struct {
	items      ItemSource
	classifier Classifier
	endpoints  Endpoints
	executor   ActionRunner
	aiCap      int
}

// RunnerConfig holds the runner's dependencies.
type RunnerConfig struct {
	Items      ItemSource
	Classifier Classifier
	Endpoints  Endpoints
	Executor   ActionRunner
	AICap      int // max items classified per run
}

// NewRunner creates a bulk sync runner.
func NewRunner(cfg RunnerConfig) *Runner {
	aiCap := cfg.AICap
	if aiCap <= 0 {
		aiCap = 50
	}
	return &Runner{
		items:      cfg.Items,
		classifier: cfg.Classifier,
		endpoints:  cfg.Endpoints,
		executor:   cfg.Executor,
		aiCap:      aiCap,
	}
}

// Result summarises one sync run.
type Result struct {
	Scanned     int
	Classified  int
	Actioned    int
	Failed      int
	RateLimited int
	ByTable     map[string]int
	Elapsed     time.Duration
}

// Run classifies up to the AI cap of unclassified items and feeds each
// classified item through the action chain. Quota exhaustion stops the run
// immediately: every further call would fail the same way. Rate limits skip
// the item and continue; the next run picks it up.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	started := time.Now()
	result := &Result{ByTable: make(map[string]int)}

	backlog, err := r.items.ListUnclassified(ctx, r.aiCap)
	if err != nil {
		return nil, err
	}
	result.Scanned = len(backlog)

	for i := range backlog {
		item := &backlog[i]

		classification, err := r.classify(ctx, item)
		if err != nil {
			if errors.Is(err, llm.ErrQuotaExhausted) {
				slog.Error("ai quota exhausted, stopping run", "item_id", item.ID)
				result.Elapsed = time.Since(started)
				return result, err
			}
			if errors.Is(err, llm.ErrRateLimited) {
				slog.Warn("ai rate limited, skipping item", "item_id", item.ID)
				result.RateLimited++
				continue
			}
			slog.Error("classification failed", "item_id", item.ID, "error", err)
			result.Failed++
			continue
		}
		result.Classified++
		result.ByTable[string(classification.EntityTable)]++

		if _, err := r.executor.Execute(ctx, item); err != nil {
			slog.Error("action execution failed", "item_id", item.ID, "error", err)
			result.Failed++
			continue
		}
		result.Actioned++
	}

	result.Elapsed = time.Since(started)
	return result, nil
}

func (r *Runner) classify(ctx context.Context, item *models.InboundItem) (models.Classification, error) {
	if item.Source == models.SourceWebhook {
		endpoint, err := r.endpoints.GetByID(ctx, item.EndpointID)
		if err != nil {
			return models.Classification{}, err
		}
		if endpoint == nil {
			endpoint = &store.Endpoint{Slug: "removed"}
		}
		return r.classifier.ClassifyWebhook(ctx, item, endpoint)
	}
	return r.classifier.ClassifyEmail(ctx, item)
}
