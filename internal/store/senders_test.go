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
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/harborcrm/automation/internal/entity"
	"github.com/harborcrm/automation/internal/models"
)

type fakeSenderRow struct {
	rec *SenderRecord
	err error
}

func (r fakeSenderRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.rec.ID
	*(dest[1].(*string)) = r.rec.Email
	*(dest[2].(*string)) = string(r.rec.EntityTable)
	*(dest[3].(*string)) = string(r.rec.SenderType)
	*(dest[4].(*time.Time)) = r.rec.CreatedAt
	return nil
}

// fakeSenderDB replays the pool surface the sender store touches. Setting
// conflictWith makes the next INSERT lose a creation race: the statement
// fails with a unique violation and the winner's row appears, as if another
// writer committed first.
type fakeSenderDB struct {
	rows         map[string]*SenderRecord // keyed by lowercased email
	conflictWith *SenderRecord
	inserts      int
	updates      int
}

func newFakeSenderDB() *fakeSenderDB {
	return &fakeSenderDB{rows: make(map[string]*SenderRecord)}
}

func (db *fakeSenderDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	email := strings.ToLower(strings.TrimSpace(args[0].(string)))
	rec, ok := db.rows[email]
	if !ok {
		return fakeSenderRow{err: pgx.ErrNoRows}
	}
	return fakeSenderRow{rec: rec}
}

func (db *fakeSenderDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.Contains(sql, "INSERT INTO sender_records"):
		db.inserts++
		if db.conflictWith != nil {
			winner := db.conflictWith
			db.conflictWith = nil
			db.rows[strings.ToLower(winner.Email)] = winner
			return pgconn.CommandTag{}, &pgconn.PgError{Code: uniqueViolation}
		}
		rec := &SenderRecord{
			ID:          args[0].(string),
			Email:       args[1].(string),
			EntityTable: entity.Table(args[2].(string)),
			SenderType:  models.SenderType(args[3].(string)),
			CreatedAt:   time.Now(),
		}
		db.rows[strings.ToLower(rec.Email)] = rec
		return pgconn.CommandTag{}, nil

	case strings.Contains(sql, "UPDATE sender_records"):
		db.updates++
		table := args[0].(string)
		id := args[1].(string)
		for _, rec := range db.rows {
			if rec.ID == id && rec.EntityTable == "" {
				rec.EntityTable = entity.Table(table)
			}
		}
		return pgconn.CommandTag{}, nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("unexpected statement: %s", sql)
}

func TestEnsureCreatesOnce(t *testing.T) {
	db := newFakeSenderDB()
	s := &SenderStore{pool: db}

	first, err := s.Ensure(context.Background(), "billing@vendor.example", entity.Suppliers, models.SenderAutomated)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := s.Ensure(context.Background(), "BILLING@vendor.example", entity.Suppliers, models.SenderAutomated)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if db.inserts != 1 {
		t.Errorf("inserts = %d, want 1", db.inserts)
	}
	if first.ID != second.ID {
		t.Errorf("record IDs differ: %q vs %q", first.ID, second.ID)
	}
}

func TestEnsureBackfillsEmptyEntityTable(t *testing.T) {
	db := newFakeSenderDB()
	s := &SenderStore{pool: db}

	// First classification produced no usable table.
	first, err := s.Ensure(context.Background(), "ops@acme.example", "", models.SenderSystem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.EntityTable != "" {
		t.Fatalf("entity_table = %q, want empty", first.EntityTable)
	}

	// A later classification with a valid table must land on the record.
	second, err := s.Ensure(context.Background(), "ops@acme.example", entity.Suppliers, models.SenderSystem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.EntityTable != entity.Suppliers {
		t.Errorf("entity_table = %q, want suppliers", second.EntityTable)
	}
	if db.inserts != 1 {
		t.Errorf("inserts = %d, want 1", db.inserts)
	}
	if db.updates != 1 {
		t.Errorf("updates = %d, want 1", db.updates)
	}

	// A set table is never overwritten.
	third, err := s.Ensure(context.Background(), "ops@acme.example", entity.Customers, models.SenderSystem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third.EntityTable != entity.Suppliers {
		t.Errorf("entity_table = %q, want suppliers kept", third.EntityTable)
	}
	if db.updates != 1 {
		t.Errorf("updates = %d, want still 1", db.updates)
	}
}

func TestEnsureResolvesCreationRace(t *testing.T) {
	db := newFakeSenderDB()
	db.conflictWith = &SenderRecord{
		ID:          "winner",
		Email:       "news@list.example",
		EntityTable: entity.Press,
		SenderType:  models.SenderNewsletter,
		CreatedAt:   time.Now(),
	}
	s := &SenderStore{pool: db}

	rec, err := s.Ensure(context.Background(), "news@list.example", entity.Suppliers, models.SenderNewsletter)
	if err != nil {
		t.Fatalf("unique violation must resolve via re-query, got: %v", err)
	}
	if rec == nil || rec.ID != "winner" {
		t.Fatalf("record = %+v, want the winner's row", rec)
	}
	if rec.EntityTable != entity.Press {
		t.Errorf("entity_table = %q, want the winner's value kept", rec.EntityTable)
	}
}

func TestEnsureRaceLoserBackfillsWinner(t *testing.T) {
	db := newFakeSenderDB()
	db.conflictWith = &SenderRecord{
		ID:         "winner",
		Email:      "alerts@saas.example",
		SenderType: models.SenderSystem,
		CreatedAt:  time.Now(),
	}
	s := &SenderStore{pool: db}

	rec, err := s.Ensure(context.Background(), "alerts@saas.example", entity.Suppliers, models.SenderSystem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ID != "winner" {
		t.Fatalf("record ID = %q, want winner", rec.ID)
	}
	if rec.EntityTable != entity.Suppliers {
		t.Errorf("entity_table = %q, want the loser's table backfilled onto the winner", rec.EntityTable)
	}
}
