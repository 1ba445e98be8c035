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

package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harborcrm/automation/internal/entity"
)

// LinkStore owns the natural-key link tables the action handlers upsert
// into, plus the entity-record lookup/create used by assign_entity. Every
// upsert here is the idempotence key for its action: replaying an action
// re-runs the same ON CONFLICT statement and changes nothing.
type LinkStore struct {
	pool *pgxpool.Pool
}

// NewLinkStore creates a link store backed by the given Postgres pool.
// It ensures the link tables and the minimal entity tables exist on creation.
func NewLinkStore(ctx context.Context, pool *pgxpool.Pool) (*LinkStore, error) {
	s := &LinkStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure link schema: %w", err)
	}
	slog.Info("link store initialised")
	return s, nil
}

func (s *LinkStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS item_tags (
			item_id    TEXT NOT NULL,
			tag_id     TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (item_id, tag_id)
		);
		CREATE TABLE IF NOT EXISTS item_object_types (
			item_id        TEXT NOT NULL,
			object_type_id TEXT NOT NULL,
			created_at     TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (item_id, object_type_id)
		);
		CREATE TABLE IF NOT EXISTS person_object_types (
			person_id      TEXT NOT NULL,
			object_type_id TEXT NOT NULL,
			created_at     TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (person_id, object_type_id)
		);
		CREATE TABLE IF NOT EXISTS item_entity_links (
			item_id      TEXT NOT NULL,
			entity_table TEXT NOT NULL,
			entity_id    TEXT NOT NULL,
			created_at   TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (item_id, entity_id)
		);
	`)
	if err != nil {
		return err
	}

	// Minimal entity tables for lookup/create by email. The CRM owns the
	// full schemas; these cover deployments where the pipeline runs first.
	for _, info := range entity.Known() {
		stmt := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id         UUID PRIMARY KEY,
				name       TEXT NOT NULL DEFAULT '',
				email      TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_%s_email ON %s(LOWER(email));
		`, info.Table, info.Table, info.Table)
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure entity table %s: %w", info.Table, err)
		}
	}
	return nil
}

// UpsertItemTag attaches a tag to an item, keyed by (item_id, tag_id).
func (s *LinkStore) UpsertItemTag(ctx context.Context, itemID, tagID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO item_tags (item_id, tag_id) VALUES ($1, $2)
		ON CONFLICT (item_id, tag_id) DO NOTHING
	`, itemID, tagID)
	return err
}

// UpsertItemObjectType attaches an object type to an item.
func (s *LinkStore) UpsertItemObjectType(ctx context.Context, itemID, objectTypeID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO item_object_types (item_id, object_type_id) VALUES ($1, $2)
		ON CONFLICT (item_id, object_type_id) DO NOTHING
	`, itemID, objectTypeID)
	return err
}

// UpsertPersonObjectType attaches an object type to a person.
func (s *LinkStore) UpsertPersonObjectType(ctx context.Context, personID, objectTypeID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO person_object_types (person_id, object_type_id) VALUES ($1, $2)
		ON CONFLICT (person_id, object_type_id) DO NOTHING
	`, personID, objectTypeID)
	return err
}

// UpsertItemEntityLink links an item to an entity record, keyed by
// (item_id, entity_id).
func (s *LinkStore) UpsertItemEntityLink(ctx context.Context, itemID string, table entity.Table, entityID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO item_entity_links (item_id, entity_table, entity_id) VALUES ($1, $2, $3)
		ON CONFLICT (item_id, entity_id) DO NOTHING
	`, itemID, string(table), entityID)
	return err
}

// FindEntityByEmail looks up an entity record in the given table by
// case-insensitive email match. Returns "" when no record matches.
func (s *LinkStore) FindEntityByEmail(ctx context.Context, table entity.Table, email string) (string, error) {
	if !entity.Valid(string(table)) {
		return "", fmt.Errorf("unknown entity table %q", table)
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT id FROM %s WHERE LOWER(email) = LOWER($1) LIMIT 1
	`, table), strings.TrimSpace(email))

	var id string
	err := row.Scan(&id)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// CreateEntity inserts a new entity record and returns its ID. The table
// name is validated against the entity registry before being interpolated.
func (s *LinkStore) CreateEntity(ctx context.Context, table entity.Table, name, email string) (string, error) {
	if !entity.Valid(string(table)) {
		return "", fmt.Errorf("unknown entity table %q", table)
	}
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, name, email) VALUES ($1, $2, $3)
	`, table), id, name, strings.TrimSpace(email))
	if err != nil {
		return "", fmt.Errorf("create %s record: %w", table, err)
	}
	return id, nil
}
