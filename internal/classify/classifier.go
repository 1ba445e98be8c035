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

// Package classify decides which CRM entity table an inbound item belongs
// to and whether its source is a real person. The durable caches (sender
// records, person-entity mappings) are consulted before the LLM, so any
// given address or person is billed for AI classification at most once.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harborcrm/automation/internal/entity"
	"github.com/harborcrm/automation/internal/llm"
	"github.com/harborcrm/automation/internal/models"
	"github.com/harborcrm/automation/internal/store"
)

// bodyExcerptLimit caps how much message body goes into the prompt.
const bodyExcerptLimit = 1500

// SenderCache is the durable non-person address cache.
type SenderCache interface {
	GetByAddress(ctx context.Context, email string) (*store.SenderRecord, error)
	Ensure(ctx context.Context, email string, table entity.Table, senderType models.SenderType) (*store.SenderRecord, error)
}

// PersonCache is the durable person-entity mapping cache.
type PersonCache interface {
	Get(ctx context.Context, personID string) (*store.PersonMapping, error)
	Upsert(ctx context.Context, personID string, table entity.Table) error
}

// ItemUpdater persists the classification back onto the item.
type ItemUpdater interface {
	SetClassification(ctx context.Context, itemID string, c models.Classification, senderID string) error
}

// Logger appends to the classification log.
type Logger interface {
	AppendClassification(ctx context.Context, e store.ClassificationLogEntry) error
}

// Classifier implements the classification contract for email items and
// webhook events.
type Classifier struct {
	llm     llm.Client
	senders SenderCache
	people  PersonCache
	items   ItemUpdater
	logs    Logger
	timeout time.Duration
}

// Config holds the classifier's dependencies.
type Config struct {
	LLM     llm.Client
	Senders SenderCache
	People  PersonCache
	Items   ItemUpdater
	Logs    Logger
	Timeout time.Duration // per LLM call
}

// New creates a classifier.
func New(cfg Config) *Classifier {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Classifier{
		llm:     cfg.LLM,
		senders: cfg.Senders,
		people:  cfg.People,
		items:   cfg.Items,
		logs:    cfg.Logs,
		timeout: timeout,
	}
}

// llmVerdict is the strict JSON object expected from the LLM.
type llmVerdict struct {
	EntityTable string   `json:"entity_table"`
	IsPerson    *bool    `json:"is_person"`
	Confidence  *float64 `json:"confidence"`
	Reasoning   string   `json:"reasoning"`
}

// ClassifyEmail classifies an email item: cache check first, LLM fallback,
// then persistence of the decision onto the item. Every invocation lands
// in the classification log, cache hit or not.
func (c *Classifier) ClassifyEmail(ctx context.Context, item *models.InboundItem) (models.Classification, error) {
	started := time.Now()

	result, senderID, err := c.classifyEmail(ctx, item)
	c.log(ctx, item.ID, result, started, err)
	if err != nil {
		return models.Classification{}, err
	}

	if err := c.items.SetClassification(ctx, item.ID, result, senderID); err != nil {
		return models.Classification{}, fmt.Errorf("persist classification: %w", err)
	}
	applyToItem(item, result, senderID)

	return result, nil
}

func (c *Classifier) classifyEmail(ctx context.Context, item *models.InboundItem) (models.Classification, string, error) {
	// Cache check: known sender address.
	if item.From.Address != "" {
		rec, err := c.senders.GetByAddress(ctx, item.From.Address)
		if err != nil {
			return models.Classification{}, "", fmt.Errorf("sender cache lookup: %w", err)
		}
		if rec != nil && rec.EntityTable != "" {
			return models.Classification{
				EntityTable: rec.EntityTable,
				IsPerson:    false,
				Confidence:  1.0,
				Source:      models.ClassifySourceCache,
			}, rec.ID, nil
		}
	}

	// Cache check: known person.
	if item.PersonID != "" {
		mapping, err := c.people.Get(ctx, item.PersonID)
		if err != nil {
			return models.Classification{}, "", fmt.Errorf("person cache lookup: %w", err)
		}
		if mapping != nil {
			return models.Classification{
				EntityTable: mapping.EntityTable,
				IsPerson:    true,
				Confidence:  1.0,
				Source:      models.ClassifySourceCache,
			}, "", nil
		}
	}

	verdict, err := c.askLLM(ctx, emailUserPrompt(item))
	if err != nil {
		return models.Classification{}, "", err
	}

	result := c.resolveVerdict(verdict, func() bool {
		return LooksLikePerson(item.From.Address, item.From.Name)
	})

	// First non-person classification for this address: create the durable
	// sender record so future items skip the LLM entirely.
	senderID := ""
	if !result.IsPerson && item.From.Address != "" {
		rec, err := c.senders.Ensure(ctx, item.From.Address, result.EntityTable, DeriveSenderType(item.From.Address))
		if err != nil {
			slog.Warn("sender record creation failed",
				"address", item.From.Address,
				"error", err,
			)
		} else if rec != nil {
			senderID = rec.ID
		}
	}

	// Person classified into a table: remember the mapping.
	if result.IsPerson && result.EntityTable != "" && item.PersonID != "" {
		if err := c.people.Upsert(ctx, item.PersonID, result.EntityTable); err != nil {
			slog.Warn("person mapping upsert failed",
				"person_id", item.PersonID,
				"error", err,
			)
		}
	}

	return result, senderID, nil
}

// askLLM runs the chat completion and decodes the strict JSON verdict.
func (c *Classifier) askLLM(ctx context.Context, userPrompt string) (*llmVerdict, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	completion, err := c.llm.Complete(ctx, systemPrompt(), userPrompt)
	if err != nil {
		return nil, fmt.Errorf("llm classification: %w", err)
	}

	raw, err := llm.ExtractJSON(completion)
	if err != nil {
		return nil, fmt.Errorf("llm classification: %w", err)
	}

	var verdict llmVerdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return nil, fmt.Errorf("llm classification: %w: %v", llm.ErrUnparseable, err)
	}
	return &verdict, nil
}

// resolveVerdict validates the LLM's answer. An unknown entity table is
// dropped, never stored; a missing is_person falls back to the local
// deterministic heuristic.
func (c *Classifier) resolveVerdict(verdict *llmVerdict, personFallback func() bool) models.Classification {
	result := models.Classification{
		Reasoning: verdict.Reasoning,
		Source:    models.ClassifySourceLLM,
	}

	if table, ok := entity.Normalize(verdict.EntityTable); ok {
		result.EntityTable = table
	}

	if verdict.IsPerson != nil {
		result.IsPerson = *verdict.IsPerson
	} else {
		result.IsPerson = personFallback()
	}

	if verdict.Confidence != nil {
		result.Confidence = clamp01(*verdict.Confidence)
	} else {
		result.Confidence = 0.5
	}

	return result
}

func (c *Classifier) log(ctx context.Context, itemID string, result models.Classification, started time.Time, classifyErr error) {
	entry := store.ClassificationLogEntry{
		ItemID:       itemID,
		Source:       result.Source,
		EntityTable:  string(result.EntityTable),
		Confidence:   result.Confidence,
		ProcessingMS: time.Since(started).Milliseconds(),
		Success:      classifyErr == nil,
	}
	if classifyErr != nil {
		entry.Error = classifyErr.Error()
		entry.Source = models.ClassifySourceLLM
	} else {
		isPerson := result.IsPerson
		entry.IsPerson = &isPerson
	}

	if err := c.logs.AppendClassification(ctx, entry); err != nil {
		slog.Warn("classification log write failed", "item_id", itemID, "error", err)
	}
}

// applyToItem mirrors the persisted classification onto the in-memory item
// so the executor sees a classified item without a re-read.
func applyToItem(item *models.InboundItem, result models.Classification, senderID string) {
	item.EntityTable = string(result.EntityTable)
	isPerson := result.IsPerson
	item.IsPerson = &isPerson
	confidence := result.Confidence
	item.Confidence = &confidence
	if senderID != "" {
		item.SenderID = senderID
	}
}

// systemPrompt enumerates the known entity tables with their hints plus the
// person/non-person criteria.
func systemPrompt() string {
	var b strings.Builder
	b.WriteString("You classify inbound CRM items. Choose exactly one entity_table from this list, or null if none fits:\n\n")
	for _, info := range entity.Known() {
		fmt.Fprintf(&b, "- %q: %s. Signals: %s.\n", info.Table, info.Description, info.PromptHint)
	}
	b.WriteString(`
Also decide is_person: true when the sender is a real human writing personally,
false for automated senders. Non-person signals: address prefixes such as
noreply, support@, billing@, newsletter; generic display names ("Billing",
"Support Team"); templated or bulk content. Person signals: a personal name,
an individual address, personalised content.

Respond with ONLY a JSON object:
{"entity_table": "<table or null>", "is_person": <bool>, "confidence": <0..1>, "reasoning": "<one sentence>"}
`)
	return b.String()
}

func emailUserPrompt(item *models.InboundItem) string {
	return fmt.Sprintf("From: %s <%s>\nSubject: %s\n\n%s",
		item.From.Name, item.From.Address, item.Subject,
		excerpt(item.Body.Content, bodyExcerptLimit))
}

// excerpt truncates s to at most limit bytes, backing up to a rune boundary
// so the prompt never carries a split UTF-8 sequence.
func excerpt(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
