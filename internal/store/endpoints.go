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

// Endpoint is the configuration of one external webhook ingress: its HMAC
// secret, the entity table to fall back to, and an optional allow-list
// restricting what the classifier may choose.
type Endpoint struct {
	ID                 string
	Slug               string
	Secret             string
	DefaultEntityTable entity.Table
	AllowedTables      []string
	Active             bool
	CreatedAt          time.Time
}

// EndpointStore reads webhook endpoint configuration.
type EndpointStore struct {
	pool *pgxpool.Pool
}

// NewEndpointStore creates an endpoint store backed by the given Postgres
// pool. It ensures the endpoints table exists on creation.
func NewEndpointStore(ctx context.Context, pool *pgxpool.Pool) (*EndpointStore, error) {
	s := &EndpointStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure endpoints schema: %w", err)
	}
	slog.Info("endpoint store initialised")
	return s, nil
}

func (s *EndpointStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS webhook_endpoints (
			id                   UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			slug                 TEXT NOT NULL UNIQUE,
			secret               TEXT NOT NULL,
			default_entity_table TEXT NOT NULL DEFAULT '',
			allowed_tables       TEXT[] NOT NULL DEFAULT '{}',
			active               BOOLEAN NOT NULL DEFAULT TRUE,
			created_at           TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

// GetBySlug retrieves an active endpoint by its URL slug. Returns nil when
// no active endpoint matches.
func (s *EndpointStore) GetBySlug(ctx context.Context, slug string) (*Endpoint, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, slug, secret, default_entity_table, allowed_tables, active, created_at
		FROM webhook_endpoints
		WHERE slug = $1 AND active = TRUE
	`, slug)

	var e Endpoint
	var table string
	err := row.Scan(&e.ID, &e.Slug, &e.Secret, &table, &e.AllowedTables, &e.Active, &e.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.DefaultEntityTable = entity.Table(table)
	return &e, nil
}

// GetByID retrieves an endpoint by primary key, active or not. Returns nil
// when the endpoint does not exist.
func (s *EndpointStore) GetByID(ctx context.Context, id string) (*Endpoint, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, slug, secret, default_entity_table, allowed_tables, active, created_at
		FROM webhook_endpoints
		WHERE id = $1
	`, id)

	var e Endpoint
	var table string
	err := row.Scan(&e.ID, &e.Slug, &e.Secret, &table, &e.AllowedTables, &e.Active, &e.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.DefaultEntityTable = entity.Table(table)
	return &e, nil
}
