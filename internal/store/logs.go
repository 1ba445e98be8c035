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
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ActionLogEntry is one row per (item, action) execution attempt. The log is
// append-only and never read back by the pipeline itself.
type ActionLogEntry struct {
	ItemID     string
	RuleID     string
	ActionType string
	Config     json.RawMessage
	Success    bool
	Error      string
}

// ClassificationLogEntry records one classifier invocation: cache hit,
// successful LLM call, or failure.
type ClassificationLogEntry struct {
	ItemID       string
	Source       string
	EntityTable  string
	IsPerson     *bool
	Confidence   float64
	ProcessingMS int64
	Success      bool
	Error        string
}

// LogStore appends to the audit logs.
type LogStore struct {
	pool *pgxpool.Pool
}

// NewLogStore creates a log store backed by the given Postgres pool.
// It ensures the log tables exist on creation.
func NewLogStore(ctx context.Context, pool *pgxpool.Pool) (*LogStore, error) {
	s := &LogStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure log schema: %w", err)
	}
	slog.Info("log store initialised")
	return s, nil
}

func (s *LogStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS action_log (
			id          UUID PRIMARY KEY,
			item_id     TEXT NOT NULL,
			rule_id     TEXT NOT NULL DEFAULT '',
			action_type TEXT NOT NULL,
			config      JSONB,
			success     BOOLEAN NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_action_log_item ON action_log(item_id);

		CREATE TABLE IF NOT EXISTS classification_log (
			id            UUID PRIMARY KEY,
			item_id       TEXT NOT NULL,
			source        TEXT NOT NULL,
			entity_table  TEXT NOT NULL DEFAULT '',
			is_person     BOOLEAN,
			confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
			processing_ms BIGINT NOT NULL DEFAULT 0,
			success       BOOLEAN NOT NULL,
			error         TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_classification_log_item ON classification_log(item_id);
	`)
	return err
}

// AppendAction writes one action log row. Log failures are reported to the
// caller but callers treat them as non-fatal; losing an audit row must not
// abort the pipeline.
func (s *LogStore) AppendAction(ctx context.Context, e ActionLogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var cfg any
	if len(e.Config) > 0 {
		cfg = e.Config
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO action_log (id, item_id, rule_id, action_type, config, success, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New().String(), e.ItemID, e.RuleID, e.ActionType, cfg, e.Success, e.Error)
	return err
}

// AppendClassification writes one classification log row.
func (s *LogStore) AppendClassification(ctx context.Context, e ClassificationLogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO classification_log
			(id, item_id, source, entity_table, is_person, confidence, processing_ms, success, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, uuid.New().String(), e.ItemID, e.Source, e.EntityTable, e.IsPerson, e.Confidence, e.ProcessingMS, e.Success, e.Error)
	return err
}
