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

package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harborcrm/automation/internal/entity"
)

// Store reads automation rules from Postgres. Rules are created and edited
// by operators elsewhere; this service only reads them.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a rule store backed by the given Postgres pool.
// It ensures the rule tables exist on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure rules schema: %w", err)
	}
	slog.Info("rule store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS entity_rules (
			id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			entity_table TEXT NOT NULL,
			name         TEXT NOT NULL DEFAULT '',
			active       BOOLEAN NOT NULL DEFAULT TRUE,
			priority     INTEGER NOT NULL DEFAULT 0,
			created_at   TIMESTAMPTZ DEFAULT NOW(),
			updated_at   TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_rules_entity ON entity_rules(entity_table, active);

		CREATE TABLE IF NOT EXISTS rule_actions (
			id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			rule_id     UUID NOT NULL REFERENCES entity_rules(id) ON DELETE CASCADE,
			action_type TEXT NOT NULL,
			active      BOOLEAN NOT NULL DEFAULT TRUE,
			sort_order  INTEGER NOT NULL DEFAULT 0,
			config      JSONB NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_actions_rule ON rule_actions(rule_id, active);
	`)
	return err
}

// ActiveForEntity returns all active rules for an entity table ordered by
// priority descending, each with its active actions ordered by sort_order
// ascending. Zero rules is a valid result, not an error.
func (s *Store) ActiveForEntity(ctx context.Context, table entity.Table) ([]EntityRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, entity_table, name, active, priority, created_at, updated_at
		FROM entity_rules
		WHERE entity_table = $1 AND active = TRUE
		ORDER BY priority DESC, created_at
	`, string(table))
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var result []EntityRule
	for rows.Next() {
		var r EntityRule
		var tbl string
		if err := rows.Scan(&r.ID, &tbl, &r.Name, &r.Active, &r.Priority, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.EntityTable = entity.Table(tbl)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range result {
		actions, err := s.actionsForRule(ctx, result[i].ID)
		if err != nil {
			return nil, err
		}
		result[i].Actions = actions
	}

	return result, nil
}

func (s *Store) actionsForRule(ctx context.Context, ruleID string) ([]RuleAction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, rule_id, action_type, active, sort_order, config
		FROM rule_actions
		WHERE rule_id = $1 AND active = TRUE
		ORDER BY sort_order, id
	`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("query rule actions: %w", err)
	}
	defer rows.Close()

	var actions []RuleAction
	for rows.Next() {
		var a RuleAction
		var actionType string
		if err := rows.Scan(&a.ID, &a.RuleID, &actionType, &a.Active, &a.SortOrder, &a.RawConfig); err != nil {
			return nil, fmt.Errorf("scan rule action: %w", err)
		}
		a.Type = ActionType(actionType)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
