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
	"testing"

	"github.com/harborcrm/automation/internal/entity"
	"github.com/harborcrm/automation/internal/llm"
	"github.com/harborcrm/automation/internal/models"
	"github.com/harborcrm/automation/internal/store"
)

func webhookItem() *models.InboundItem {
	return &models.InboundItem{
		ID:         "wh-1",
		Source:     models.SourceWebhook,
		EndpointID: "ep-1",
		Payload:    []byte(`{"email":"jane@example.com","name":"Jane Doe","order_id":"A-1001"}`),
	}
}

func TestClassifyWebhookLLMVerdict(t *testing.T) {
	gw := &fakeLLM{completion: `{"entity_table":"customers","is_person":true,"confidence":0.85}`}
	c, _, _, _, _ := newTestClassifier(gw)

	endpoint := &store.Endpoint{Slug: "shop", DefaultEntityTable: entity.Resellers}
	result, err := c.ClassifyWebhook(context.Background(), webhookItem(), endpoint)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.EntityTable != entity.Customers {
		t.Errorf("entity_table = %q, want customers", result.EntityTable)
	}
	if result.Source != models.ClassifySourceLLM {
		t.Errorf("source = %q, want llm", result.Source)
	}
}

func TestClassifyWebhookFallsBackToEndpointDefault(t *testing.T) {
	tests := []struct {
		name       string
		completion string
		endpoint   *store.Endpoint
	}{
		{
			name:       "unknown table from llm",
			completion: `{"entity_table":"unicorns","is_person":false}`,
			endpoint:   &store.Endpoint{Slug: "shop", DefaultEntityTable: entity.Customers},
		},
		{
			name:       "table outside allow-list",
			completion: `{"entity_table":"press","is_person":false}`,
			endpoint: &store.Endpoint{
				Slug:               "shop",
				DefaultEntityTable: entity.Customers,
				AllowedTables:      []string{"customers", "resellers"},
			},
		},
		{
			name:       "null table",
			completion: `{"entity_table":null,"is_person":false}`,
			endpoint:   &store.Endpoint{Slug: "shop", DefaultEntityTable: entity.Customers},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeLLM{completion: tt.completion}
			c, _, _, _, _ := newTestClassifier(gw)

			result, err := c.ClassifyWebhook(context.Background(), webhookItem(), tt.endpoint)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.EntityTable != entity.Customers {
				t.Errorf("entity_table = %q, want endpoint default customers", result.EntityTable)
			}
			if result.Source != models.ClassifySourceDefault {
				t.Errorf("source = %q, want default", result.Source)
			}
		})
	}
}

func TestClassifyWebhookAllowListPermitsMatch(t *testing.T) {
	gw := &fakeLLM{completion: `{"entity_table":"resellers","is_person":false,"confidence":0.9}`}
	c, _, _, _, _ := newTestClassifier(gw)

	endpoint := &store.Endpoint{
		Slug:               "shop",
		DefaultEntityTable: entity.Customers,
		AllowedTables:      []string{"customers", "resellers"},
	}
	result, err := c.ClassifyWebhook(context.Background(), webhookItem(), endpoint)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.EntityTable != entity.Resellers {
		t.Errorf("entity_table = %q, want resellers", result.EntityTable)
	}
}

func TestClassifyWebhookHeuristicFallbackOnStructuralFailure(t *testing.T) {
	gw := &fakeLLM{completion: "no json here"}
	c, _, _, _, logs := newTestClassifier(gw)

	endpoint := &store.Endpoint{Slug: "shop", DefaultEntityTable: entity.Customers}
	result, err := c.ClassifyWebhook(context.Background(), webhookItem(), endpoint)
	if err != nil {
		t.Fatalf("structural failure must fall back, got error: %v", err)
	}
	if result.Source != models.ClassifySourceHeuristic {
		t.Errorf("source = %q, want heuristic", result.Source)
	}
	if result.EntityTable != entity.Customers {
		t.Errorf("entity_table = %q, want endpoint default", result.EntityTable)
	}
	if !result.IsPerson {
		t.Error("payload with person contact fields should classify as person")
	}
	if len(logs.entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(logs.entries))
	}
}

func TestClassifyWebhookSurfacesBillingErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"rate limited", llm.ErrRateLimited},
		{"quota exhausted", llm.ErrQuotaExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeLLM{err: tt.err}
			c, _, _, _, _ := newTestClassifier(gw)

			endpoint := &store.Endpoint{Slug: "shop", DefaultEntityTable: entity.Customers}
			_, err := c.ClassifyWebhook(context.Background(), webhookItem(), endpoint)
			if !errors.Is(err, tt.err) {
				t.Fatalf("error = %v, want %v surfaced, not defaulted", err, tt.err)
			}
		})
	}
}
