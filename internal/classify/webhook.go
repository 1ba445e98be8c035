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

package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harborcrm/automation/internal/entity"
	"github.com/harborcrm/automation/internal/llm"
	"github.com/harborcrm/automation/internal/models"
	"github.com/harborcrm/automation/internal/store"
)

// payloadExcerptLimit caps how much raw payload goes into the prompt.
const payloadExcerptLimit = 2000

// ClassifyWebhook classifies a webhook event item. It differs from the
// email path in its fallbacks: an invalid LLM answer falls back to the
// endpoint's default entity table (never "unclassified"), and a structural
// LLM failure falls back to the shared local person heuristic. Rate-limit
// and quota errors still surface to the caller, since they are billing
// conditions, not classification outcomes.
func (c *Classifier) ClassifyWebhook(ctx context.Context, item *models.InboundItem, endpoint *store.Endpoint) (models.Classification, error) {
	started := time.Now()

	result, err := c.classifyWebhook(ctx, item, endpoint)
	c.log(ctx, item.ID, result, started, err)
	if err != nil {
		return models.Classification{}, err
	}

	if err := c.items.SetClassification(ctx, item.ID, result, ""); err != nil {
		return models.Classification{}, fmt.Errorf("persist classification: %w", err)
	}
	applyToItem(item, result, "")

	return result, nil
}

func (c *Classifier) classifyWebhook(ctx context.Context, item *models.InboundItem, endpoint *store.Endpoint) (models.Classification, error) {
	verdict, err := c.askLLM(ctx, webhookUserPrompt(item, endpoint))
	if err != nil {
		if errors.Is(err, llm.ErrRateLimited) || errors.Is(err, llm.ErrQuotaExhausted) {
			return models.Classification{}, err
		}

		// Structural failure: decide locally so the event still flows.
		slog.Warn("webhook classification falling back to local heuristic",
			"item_id", item.ID,
			"error", err,
		)
		return models.Classification{
			EntityTable: endpoint.DefaultEntityTable,
			IsPerson:    PayloadLooksLikePerson(item.Payload),
			Confidence:  0.3,
			Reasoning:   "llm unavailable, local heuristic applied",
			Source:      models.ClassifySourceHeuristic,
		}, nil
	}

	result := c.resolveVerdict(verdict, func() bool {
		return PayloadLooksLikePerson(item.Payload)
	})

	// The endpoint's allow-list and default bound what we trust from the
	// LLM: anything outside falls back to the configured default table.
	if result.EntityTable == "" || !allowed(endpoint, result.EntityTable) {
		result.EntityTable = endpoint.DefaultEntityTable
		result.Source = models.ClassifySourceDefault
	}

	return result, nil
}

// allowed reports whether the endpoint permits the given table. An empty
// allow-list permits every known table.
func allowed(endpoint *store.Endpoint, table entity.Table) bool {
	if len(endpoint.AllowedTables) == 0 {
		return true
	}
	for _, t := range endpoint.AllowedTables {
		if entity.Table(t) == table {
			return true
		}
	}
	return false
}

func webhookUserPrompt(item *models.InboundItem, endpoint *store.Endpoint) string {
	payload := excerpt(string(item.Payload), payloadExcerptLimit)

	var b strings.Builder
	fmt.Fprintf(&b, "Webhook event received on endpoint %q.\n", endpoint.Slug)
	if endpoint.DefaultEntityTable != "" {
		fmt.Fprintf(&b, "Endpoint default entity_table: %q.\n", endpoint.DefaultEntityTable)
	}
	if len(endpoint.AllowedTables) > 0 {
		fmt.Fprintf(&b, "Only these tables are valid for this endpoint: %s.\n", strings.Join(endpoint.AllowedTables, ", "))
	}
	fmt.Fprintf(&b, "\nRaw payload:\n%s", payload)
	return b.String()
}
