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
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harborcrm/automation/internal/entity"
)

// PersonMapping caches the entity table a known person was classified into.
// Its presence guarantees the person is billed for AI classification at most
// once.
type PersonMapping struct {
	PersonID    string
	EntityTable entity.Table
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PersonMappingStore persists person-entity mappings.
type PersonMappingStore struct {
	pool *pgxpool.Pool
}

// NewPersonMappingStore creates a mapping store backed by the given Postgres
// pool. It ensures the mappings table exists on creation.
func NewPersonMappingStore(ctx context.Context, pool *pgxpool.Pool) (*PersonMappingStore, error) {
	s := &PersonMappingStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure person mappings schema: %w", err)
	}
	slog.Info("person mapping store initialised")
	return s, nil
}

func (s *PersonMappingStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS person_entity_mappings (
			person_id    TEXT PRIMARY KEY,
			entity_table TEXT NOT NULL,
			created_at   TIMESTAMPTZ DEFAULT NOW(),
			updated_at   TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

// Get retrieves the mapping for a person. Returns nil when the person has
// never been classified.
func (s *PersonMappingStore) Get(ctx context.Context, personID string) (*PersonMapping, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT person_id, entity_table, created_at, updated_at
		FROM person_entity_mappings
		WHERE person_id = $1
	`, personID)

	var m PersonMapping
	var table string
	err := row.Scan(&m.PersonID, &table, &m.CreatedAt, &m.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.EntityTable = entity.Table(table)
	return &m, nil
}

// Upsert records the entity table for a person, keyed on person_id.
func (s *PersonMappingStore) Upsert(ctx context.Context, personID string, table entity.Table) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO person_entity_mappings (person_id, entity_table)
		VALUES ($1, $2)
		ON CONFLICT (person_id) DO UPDATE SET
			entity_table = EXCLUDED.entity_table,
			updated_at   = NOW()
	`, personID, string(table))
	return err
}
