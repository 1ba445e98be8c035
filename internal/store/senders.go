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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harborcrm/automation/internal/entity"
	"github.com/harborcrm/automation/internal/models"
)

// uniqueViolation is the Postgres error code for a unique constraint hit.
const uniqueViolation = "23505"

// SenderRecord maps an email address to its non-person classification. Once
// a record exists, the address never reaches the LLM again.
type SenderRecord struct {
	ID          string
	Email       string
	EntityTable entity.Table
	SenderType  models.SenderType
	CreatedAt   time.Time
}

// senderQuerier is the slice of the pgx pool surface the store uses.
type senderQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SenderStore persists sender records.
type SenderStore struct {
	pool senderQuerier
}

// NewSenderStore creates a sender store backed by the given Postgres pool.
// It ensures the senders table exists on creation.
func NewSenderStore(ctx context.Context, pool *pgxpool.Pool) (*SenderStore, error) {
	s := &SenderStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure senders schema: %w", err)
	}
	slog.Info("sender store initialised")
	return s, nil
}

func (s *SenderStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sender_records (
			id           UUID PRIMARY KEY,
			email        TEXT NOT NULL,
			entity_table TEXT NOT NULL DEFAULT '',
			sender_type  TEXT NOT NULL DEFAULT 'automated',
			created_at   TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_senders_email ON sender_records(LOWER(email));
	`)
	return err
}

// GetByAddress looks up a sender record by case-insensitive address match.
// Returns nil when no record exists.
func (s *SenderStore) GetByAddress(ctx context.Context, email string) (*SenderRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, entity_table, sender_type, created_at
		FROM sender_records
		WHERE LOWER(email) = LOWER($1)
	`, strings.TrimSpace(email))
	return scanSender(row)
}

// Ensure idempotently creates the sender record for an address. When two
// classifications race, the loser's unique violation is resolved by
// re-querying for the winner's row instead of propagating an error. A record
// whose first classification carried no usable entity table is backfilled
// the first time a later classification supplies one; otherwise the address
// would miss the cache and reach the LLM on every message.
func (s *SenderStore) Ensure(ctx context.Context, email string, table entity.Table, senderType models.SenderType) (*SenderRecord, error) {
	if existing, err := s.GetByAddress(ctx, email); err != nil {
		return nil, err
	} else if existing != nil {
		return s.fillEntityTable(ctx, existing, table)
	}

	rec := SenderRecord{
		ID:          uuid.New().String(),
		Email:       strings.TrimSpace(email),
		EntityTable: table,
		SenderType:  senderType,
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO sender_records (id, email, entity_table, sender_type)
		VALUES ($1, $2, $3, $4)
	`, rec.ID, rec.Email, string(rec.EntityTable), string(rec.SenderType))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			slog.Debug("sender record creation lost a race, re-querying", "email", rec.Email)
			winner, err := s.GetByAddress(ctx, email)
			if err != nil || winner == nil {
				return winner, err
			}
			return s.fillEntityTable(ctx, winner, table)
		}
		return nil, fmt.Errorf("insert sender record: %w", err)
	}

	return s.GetByAddress(ctx, email)
}

// fillEntityTable sets the entity table on a record that has none. A record
// that already carries a table keeps it; the WHERE guard makes concurrent
// backfills last-writer-safe.
func (s *SenderStore) fillEntityTable(ctx context.Context, rec *SenderRecord, table entity.Table) (*SenderRecord, error) {
	if rec.EntityTable != "" || table == "" {
		return rec, nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE sender_records SET entity_table = $1
		WHERE id = $2 AND entity_table = ''
	`, string(table), rec.ID)
	if err != nil {
		return nil, fmt.Errorf("backfill sender entity table: %w", err)
	}
	return s.GetByAddress(ctx, rec.Email)
}

func scanSender(row pgx.Row) (*SenderRecord, error) {
	var r SenderRecord
	var table, senderType string
	err := row.Scan(&r.ID, &r.Email, &table, &senderType, &r.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.EntityTable = entity.Table(table)
	r.SenderType = models.SenderType(senderType)
	return &r, nil
}
