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

// Package store provides the Postgres-backed stores for the automation
// pipeline: inbound items, sender records, person-entity mappings, webhook
// endpoints, link tables, and the append-only logs.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harborcrm/automation/internal/models"
)

// ItemStore persists inbound items. An item only ever moves forward:
// unclassified -> classified -> processed.
type ItemStore struct {
	pool *pgxpool.Pool
}

// NewItemStore creates an item store backed by the given Postgres pool.
// It ensures the items table exists on creation.
func NewItemStore(ctx context.Context, pool *pgxpool.Pool) (*ItemStore, error) {
	s := &ItemStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure items schema: %w", err)
	}
	slog.Info("item store initialised")
	return s, nil
}

func (s *ItemStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS inbound_items (
			id                  UUID PRIMARY KEY,
			source              TEXT NOT NULL,
			external_id         TEXT NOT NULL,
			tenant_alias        TEXT NOT NULL DEFAULT '',
			mailbox_id          TEXT NOT NULL DEFAULT '',
			endpoint_id         TEXT NOT NULL DEFAULT '',
			from_address        TEXT NOT NULL DEFAULT '',
			from_name           TEXT NOT NULL DEFAULT '',
			to_recipients       JSONB NOT NULL DEFAULT '[]',
			subject             TEXT NOT NULL DEFAULT '',
			body_type           TEXT NOT NULL DEFAULT '',
			body_content        TEXT NOT NULL DEFAULT '',
			payload             JSONB,
			person_id           TEXT NOT NULL DEFAULT '',
			sender_id           TEXT NOT NULL DEFAULT '',
			entity_table        TEXT NOT NULL DEFAULT '',
			is_person           BOOLEAN,
			confidence          DOUBLE PRECISION,
			visibility_group_id TEXT NOT NULL DEFAULT '',
			processed           BOOLEAN NOT NULL DEFAULT FALSE,
			created_at          TIMESTAMPTZ DEFAULT NOW(),
			processed_at        TIMESTAMPTZ,
			UNIQUE(source, external_id)
		);
		CREATE INDEX IF NOT EXISTS idx_items_unprocessed ON inbound_items(processed) WHERE processed = FALSE;
		CREATE INDEX IF NOT EXISTS idx_items_from ON inbound_items(LOWER(from_address));
	`)
	return err
}

// Create inserts a new inbound item. Re-delivery of the same external ID is
// resolved by returning the existing row.
func (s *ItemStore) Create(ctx context.Context, item *models.InboundItem) (*models.InboundItem, error) {
	to, err := json.Marshal(item.To)
	if err != nil {
		return nil, fmt.Errorf("marshal recipients: %w", err)
	}
	var payload any
	if len(item.Payload) > 0 {
		payload = json.RawMessage(item.Payload)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO inbound_items
			(id, source, external_id, tenant_alias, mailbox_id, endpoint_id,
			 from_address, from_name, to_recipients, subject, body_type, body_content,
			 payload, person_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (source, external_id) DO NOTHING
	`, item.ID, string(item.Source), item.ExternalID, item.TenantAlias, item.MailboxID, item.EndpointID,
		item.From.Address, item.From.Name, to, item.Subject, item.Body.ContentType, item.Body.Content,
		payload, item.PersonID)
	if err != nil {
		return nil, fmt.Errorf("insert item: %w", err)
	}

	return s.GetByExternalID(ctx, item.Source, item.ExternalID)
}

// Get retrieves an item by ID. Returns nil when the item does not exist.
func (s *ItemStore) Get(ctx context.Context, id string) (*models.InboundItem, error) {
	row := s.pool.QueryRow(ctx, selectItem+` WHERE id = $1`, id)
	return scanItem(row)
}

// GetByExternalID retrieves an item by its provider-side identity.
func (s *ItemStore) GetByExternalID(ctx context.Context, source models.Source, externalID string) (*models.InboundItem, error) {
	row := s.pool.QueryRow(ctx, selectItem+` WHERE source = $1 AND external_id = $2`, string(source), externalID)
	return scanItem(row)
}

// SetClassification stores the classifier's decision on the item. Processed
// items are never re-classified; the WHERE clause enforces the monotonic
// stage transition.
func (s *ItemStore) SetClassification(ctx context.Context, itemID string, c models.Classification, senderID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE inbound_items
		SET entity_table = $1, is_person = $2, confidence = $3,
		    sender_id = CASE WHEN $4 <> '' THEN $4 ELSE sender_id END
		WHERE id = $5 AND processed = FALSE
	`, string(c.EntityTable), c.IsPerson, c.Confidence, senderID, itemID)
	if err != nil {
		return fmt.Errorf("set classification: %w", err)
	}
	return nil
}

// SetVisibilityGroup sets the visibility-group reference on the item.
func (s *ItemStore) SetVisibilityGroup(ctx context.Context, itemID, groupID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE inbound_items SET visibility_group_id = $1 WHERE id = $2
	`, groupID, itemID)
	return err
}

// MarkProcessed flips processed to true. The flip happens at most once;
// replays leave processed_at untouched.
func (s *ItemStore) MarkProcessed(ctx context.Context, itemID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE inbound_items
		SET processed = TRUE, processed_at = COALESCE(processed_at, NOW())
		WHERE id = $1
	`, itemID)
	return err
}

// ListUnclassified returns up to limit unprocessed items with no entity
// classification, oldest first. The limit is the bulk sync AI cap.
func (s *ItemStore) ListUnclassified(ctx context.Context, limit int) ([]models.InboundItem, error) {
	rows, err := s.pool.Query(ctx, selectItem+`
		WHERE processed = FALSE AND entity_table = '' AND is_person IS NULL
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.InboundItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

const selectItem = `
	SELECT id, source, external_id, tenant_alias, mailbox_id, endpoint_id,
	       from_address, from_name, to_recipients, subject, body_type, body_content,
	       payload, person_id, sender_id, entity_table, is_person, confidence,
	       processed, created_at, processed_at
	FROM inbound_items`

// scanItem scans a single row into an InboundItem.
func scanItem(row pgx.Row) (*models.InboundItem, error) {
	var item models.InboundItem
	var source string
	var to []byte
	var payload []byte
	err := row.Scan(
		&item.ID, &source, &item.ExternalID, &item.TenantAlias, &item.MailboxID, &item.EndpointID,
		&item.From.Address, &item.From.Name, &to, &item.Subject, &item.Body.ContentType, &item.Body.Content,
		&payload, &item.PersonID, &item.SenderID, &item.EntityTable, &item.IsPerson, &item.Confidence,
		&item.Processed, &item.CreatedAt, &item.ProcessedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	item.Source = models.Source(source)
	item.Payload = payload
	if len(to) > 0 {
		if err := json.Unmarshal(to, &item.To); err != nil {
			return nil, fmt.Errorf("unmarshal recipients: %w", err)
		}
	}
	return &item, nil
}
