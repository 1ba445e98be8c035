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

// Package actions executes the automation chain for a classified item: all
// active rules for the item's entity table, priority descending, each rule's
// active actions in sort order. Actions are independent: one failure never
// aborts the rest. The item is marked processed exactly once at the
// end, even when some actions failed or no rules exist at all.
package actions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/harborcrm/automation/internal/entity"
	"github.com/harborcrm/automation/internal/graphmail"
	"github.com/harborcrm/automation/internal/models"
	"github.com/harborcrm/automation/internal/queue"
	"github.com/harborcrm/automation/internal/rules"
	"github.com/harborcrm/automation/internal/store"
)

// Sentinel log entries for configuration gaps. Absence of configuration is
// not an error.
const (
	sentinelNoRules   = "no_rules"
	sentinelNoActions = "no_actions"
)

// RuleSource reads active rules for an entity table.
type RuleSource interface {
	ActiveForEntity(ctx context.Context, table entity.Table) ([]rules.EntityRule, error)
}

// ItemState mutates the item under execution.
type ItemState interface {
	SetVisibilityGroup(ctx context.Context, itemID, groupID string) error
	MarkProcessed(ctx context.Context, itemID string) error
}

// Links is the natural-key link surface the handlers upsert into.
type Links interface {
	UpsertItemTag(ctx context.Context, itemID, tagID string) error
	UpsertItemObjectType(ctx context.Context, itemID, objectTypeID string) error
	UpsertPersonObjectType(ctx context.Context, personID, objectTypeID string) error
	UpsertItemEntityLink(ctx context.Context, itemID string, table entity.Table, entityID string) error
	FindEntityByEmail(ctx context.Context, table entity.Table, email string) (string, error)
	CreateEntity(ctx context.Context, table entity.Table, name, email string) (string, error)
}

// Dispatcher hands extraction jobs to the worker queue.
type Dispatcher interface {
	PublishExtractionJob(ctx context.Context, kind queue.ExtractionKind, job queue.ExtractionJob) error
}

// Guard keeps replayed extraction dispatches from enqueuing twice.
type Guard interface {
	IsNew(ctx context.Context, deliveryID string) (bool, error)
}

// Logger appends to the action log.
type Logger interface {
	AppendAction(ctx context.Context, e store.ActionLogEntry) error
}

// Events announces finished items downstream. Optional.
type Events interface {
	PublishProcessedEvent(ctx context.Context, event queue.ProcessedEvent) error
}

// Executor runs the action chain.
type Executor struct {
	rules      RuleSource
	items      ItemState
	links      Links
	dispatcher Dispatcher
	guard      Guard
	logs       Logger
	mail       graphmail.Provider // nil when no Graph tenant is configured
	events     Events             // nil disables event publishing
}

// Config holds the executor's dependencies.
type Config struct {
	Rules      RuleSource
	Items      ItemState
	Links      Links
	Dispatcher Dispatcher
	Guard      Guard
	Logs       Logger
	Mail       graphmail.Provider
	Events     Events
}

// NewExecutor creates an action executor.
func NewExecutor(cfg Config) *Executor {
	return &Executor{
		rules:      cfg.Rules,
		items:      cfg.Items,
		links:      cfg.Links,
		dispatcher: cfg.Dispatcher,
		guard:      cfg.Guard,
		logs:       cfg.Logs,
		mail:       cfg.Mail,
		events:     cfg.Events,
	}
}

// Outcome records one attempted action.
type Outcome struct {
	RuleID     string `json:"rule_id"`
	ActionType string `json:"action_type"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// Result summarises an execution run.
type Result struct {
	ItemID      string    `json:"item_id"`
	EntityTable string    `json:"entity_table,omitempty"`
	Rules       int       `json:"rules"`
	Outcomes    []Outcome `json:"actions"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
}

// Execute runs every active action of every active rule for the item's
// entity table and marks the item processed. The only errors returned are
// infrastructure failures before any action ran (rule fetch, final
// mark-processed); per-action failures live in the result and the log.
func (e *Executor) Execute(ctx context.Context, item *models.InboundItem) (*Result, error) {
	result := &Result{
		ItemID:      item.ID,
		EntityTable: item.EntityTable,
	}

	var matched []rules.EntityRule
	if item.EntityTable != "" {
		var err error
		matched, err = e.rules.ActiveForEntity(ctx, entity.Table(item.EntityTable))
		if err != nil {
			return nil, fmt.Errorf("fetch rules for %s: %w", item.EntityTable, err)
		}
	}
	result.Rules = len(matched)

	totalActions := 0
	for _, rule := range matched {
		totalActions += len(rule.Actions)
	}

	switch {
	case len(matched) == 0:
		e.logSentinel(ctx, item.ID, sentinelNoRules)
	case totalActions == 0:
		e.logSentinel(ctx, item.ID, sentinelNoActions)
	default:
		for _, rule := range matched {
			for _, action := range rule.Actions {
				outcome := e.runAction(ctx, item, rule, action)
				result.Outcomes = append(result.Outcomes, outcome)
				if outcome.Success {
					result.Succeeded++
				} else {
					result.Failed++
				}
			}
		}
	}

	if err := e.items.MarkProcessed(ctx, item.ID); err != nil {
		return nil, fmt.Errorf("mark item processed: %w", err)
	}
	item.Processed = true

	e.publishEvent(ctx, item, result)

	return result, nil
}

// runAction decodes the action config, dispatches to the handler, and logs
// the outcome. Decode failures are reported failures, never silent skips.
func (e *Executor) runAction(ctx context.Context, item *models.InboundItem, rule rules.EntityRule, action rules.RuleAction) Outcome {
	outcome := Outcome{
		RuleID:     rule.ID,
		ActionType: string(action.Type),
	}

	cfg, err := action.DecodeConfig()
	if err == nil {
		err = e.dispatch(ctx, item, action.Type, cfg)
	}

	if err != nil {
		outcome.Error = err.Error()
		slog.Warn("action failed",
			"item_id", item.ID,
			"rule_id", rule.ID,
			"action_type", action.Type,
			"error", err,
		)
	} else {
		outcome.Success = true
	}

	logErr := e.logs.AppendAction(ctx, store.ActionLogEntry{
		ItemID:     item.ID,
		RuleID:     rule.ID,
		ActionType: string(action.Type),
		Config:     action.RawConfig,
		Success:    outcome.Success,
		Error:      outcome.Error,
	})
	if logErr != nil {
		slog.Warn("action log write failed", "item_id", item.ID, "error", logErr)
	}

	return outcome
}

func (e *Executor) logSentinel(ctx context.Context, itemID, kind string) {
	slog.Info("no automation configured for item", "item_id", itemID, "sentinel", kind)
	if err := e.logs.AppendAction(ctx, store.ActionLogEntry{
		ItemID:     itemID,
		ActionType: kind,
		Success:    true,
	}); err != nil {
		slog.Warn("sentinel log write failed", "item_id", itemID, "error", err)
	}
}

func (e *Executor) publishEvent(ctx context.Context, item *models.InboundItem, result *Result) {
	if e.events == nil {
		return
	}
	event := queue.ProcessedEvent{
		ItemID:      item.ID,
		Source:      string(item.Source),
		EntityTable: item.EntityTable,
		IsPerson:    item.IsPerson,
		ActionsRun:  len(result.Outcomes),
		ActionsOK:   result.Succeeded,
	}
	if item.Confidence != nil {
		event.Confidence = *item.Confidence
	}
	event.ProcessedAt = time.Now().UTC().Format(time.RFC3339)
	if err := e.events.PublishProcessedEvent(ctx, event); err != nil {
		slog.Warn("processed event publish failed", "item_id", item.ID, "error", err)
	}
}
