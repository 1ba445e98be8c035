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
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/harborcrm/automation/internal/entity"
	"github.com/harborcrm/automation/internal/llm"
	"github.com/harborcrm/automation/internal/models"
	"github.com/harborcrm/automation/internal/store"
)

// fakeLLM counts calls and replays a scripted completion or error.
type fakeLLM struct {
	completion string
	err        error
	calls      int
}

func (f *fakeLLM) Complete(ctx context.Context, system, user string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.completion, nil
}

type fakeSenders struct {
	byAddress map[string]*store.SenderRecord
	ensured   []string
}

func (f *fakeSenders) GetByAddress(ctx context.Context, email string) (*store.SenderRecord, error) {
	return f.byAddress[email], nil
}

// Ensure mirrors the durable store: create when absent, backfill the entity
// table when the stored record has none, never overwrite a set table.
func (f *fakeSenders) Ensure(ctx context.Context, email string, table entity.Table, senderType models.SenderType) (*store.SenderRecord, error) {
	f.ensured = append(f.ensured, email)
	if f.byAddress == nil {
		f.byAddress = make(map[string]*store.SenderRecord)
	}
	if existing, ok := f.byAddress[email]; ok {
		if existing.EntityTable == "" && table != "" {
			existing.EntityTable = table
		}
		return existing, nil
	}
	rec := &store.SenderRecord{ID: "sender-" + email, Email: email, EntityTable: table, SenderType: senderType}
	f.byAddress[email] = rec
	return rec, nil
}

type fakePeople struct {
	byPerson map[string]*store.PersonMapping
	upserts  []string
}

func (f *fakePeople) Get(ctx context.Context, personID string) (*store.PersonMapping, error) {
	return f.byPerson[personID], nil
}

func (f *fakePeople) Upsert(ctx context.Context, personID string, table entity.Table) error {
	f.upserts = append(f.upserts, personID)
	return nil
}

type fakeItems struct {
	classifications map[string]models.Classification
}

func (f *fakeItems) SetClassification(ctx context.Context, itemID string, c models.Classification, senderID string) error {
	if f.classifications == nil {
		f.classifications = make(map[string]models.Classification)
	}
	f.classifications[itemID] = c
	return nil
}

type fakeLogs struct {
	entries []store.ClassificationLogEntry
}

func (f *fakeLogs) AppendClassification(ctx context.Context, e store.ClassificationLogEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

func newTestClassifier(gw llm.Client) (*Classifier, *fakeSenders, *fakePeople, *fakeItems, *fakeLogs) {
	senders := &fakeSenders{}
	people := &fakePeople{}
	items := &fakeItems{}
	logs := &fakeLogs{}
	c := New(Config{LLM: gw, Senders: senders, People: people, Items: items, Logs: logs})
	return c, senders, people, items, logs
}

func emailItem() *models.InboundItem {
	return &models.InboundItem{
		ID:      "item-1",
		Source:  models.SourceEmail,
		From:    models.EmailAddress{Address: "jane@example.com", Name: "Jane Doe"},
		Subject: "Wholesale pricing",
		Body:    models.EmailBody{ContentType: "text", Content: "Interested in bulk orders."},
	}
}

func TestClassifyEmailSenderCacheSkipsLLM(t *testing.T) {
	gw := &fakeLLM{completion: `{"entity_table":"customers","is_person":true}`}
	c, senders, _, _, logs := newTestClassifier(gw)
	senders.byAddress = map[string]*store.SenderRecord{
		"noreply@shop.example": {ID: "s1", Email: "noreply@shop.example", EntityTable: entity.Suppliers},
	}

	item := emailItem()
	item.From = models.EmailAddress{Address: "noreply@shop.example"}

	result, err := c.ClassifyEmail(context.Background(), item)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gw.calls != 0 {
		t.Errorf("LLM called %d times on cache hit, want 0", gw.calls)
	}
	if result.Source != models.ClassifySourceCache {
		t.Errorf("source = %q, want cache", result.Source)
	}
	if result.EntityTable != entity.Suppliers {
		t.Errorf("entity_table = %q, want suppliers", result.EntityTable)
	}
	if result.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", result.Confidence)
	}
	if item.SenderID != "s1" {
		t.Errorf("item.SenderID = %q, want s1", item.SenderID)
	}
	if len(logs.entries) != 1 || !logs.entries[0].Success {
		t.Errorf("expected one successful log entry, got %+v", logs.entries)
	}
}

func TestClassifyEmailPersonCacheSkipsLLM(t *testing.T) {
	gw := &fakeLLM{completion: `{"entity_table":"customers","is_person":true}`}
	c, _, people, _, _ := newTestClassifier(gw)
	people.byPerson = map[string]*store.PersonMapping{
		"p1": {PersonID: "p1", EntityTable: entity.Press},
	}

	item := emailItem()
	item.PersonID = "p1"

	result, err := c.ClassifyEmail(context.Background(), item)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gw.calls != 0 {
		t.Errorf("LLM called %d times on person cache hit, want 0", gw.calls)
	}
	if result.EntityTable != entity.Press || !result.IsPerson {
		t.Errorf("result = %+v, want press person", result)
	}
}

func TestClassifyEmailLLMNonPersonCreatesSenderRecord(t *testing.T) {
	gw := &fakeLLM{completion: `{"entity_table":"suppliers","is_person":false,"confidence":0.9,"reasoning":"invoice"}`}
	c, senders, _, items, _ := newTestClassifier(gw)

	item := emailItem()
	item.From = models.EmailAddress{Address: "billing@vendor.example"}

	result, err := c.ClassifyEmail(context.Background(), item)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gw.calls != 1 {
		t.Errorf("LLM calls = %d, want 1", gw.calls)
	}
	if result.Source != models.ClassifySourceLLM {
		t.Errorf("source = %q, want llm", result.Source)
	}
	if len(senders.ensured) != 1 || senders.ensured[0] != "billing@vendor.example" {
		t.Errorf("sender records ensured = %v", senders.ensured)
	}
	if item.SenderID == "" {
		t.Error("item.SenderID not set after sender record creation")
	}
	if _, ok := items.classifications["item-1"]; !ok {
		t.Error("classification not persisted to item store")
	}

	// Second message from the same address must hit the cache.
	second := emailItem()
	second.ID = "item-2"
	second.From = models.EmailAddress{Address: "billing@vendor.example"}
	if _, err := c.ClassifyEmail(context.Background(), second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gw.calls != 1 {
		t.Errorf("LLM calls after repeat sender = %d, want still 1", gw.calls)
	}
}

func TestClassifyEmailSenderTableBackfilledFromLaterVerdict(t *testing.T) {
	// First verdict carries an unknown table, so the sender record lands
	// with no entity table. A later valid verdict must fill it in; the
	// address then stops reaching the LLM.
	gw := &fakeLLM{completion: `{"entity_table":"unicorns","is_person":false,"confidence":0.7}`}
	c, senders, _, _, _ := newTestClassifier(gw)

	first := emailItem()
	first.From = models.EmailAddress{Address: "billing@acme.example", Name: "Acme Billing"}
	if _, err := c.ClassifyEmail(context.Background(), first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec := senders.byAddress["billing@acme.example"]
	if rec == nil {
		t.Fatal("sender record not created")
	}
	if rec.EntityTable != "" {
		t.Fatalf("entity_table = %q, want empty after unknown verdict", rec.EntityTable)
	}

	gw.completion = `{"entity_table":"suppliers","is_person":false,"confidence":0.9}`
	second := emailItem()
	second.ID = "item-2"
	second.From = first.From
	if _, err := c.ClassifyEmail(context.Background(), second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gw.calls != 2 {
		t.Fatalf("LLM calls = %d, want 2 (empty-table record is not a cache hit)", gw.calls)
	}
	if rec.EntityTable != entity.Suppliers {
		t.Fatalf("entity_table = %q, want suppliers after backfill", rec.EntityTable)
	}

	third := emailItem()
	third.ID = "item-3"
	third.From = first.From
	result, err := c.ClassifyEmail(context.Background(), third)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gw.calls != 2 {
		t.Errorf("LLM calls = %d, want still 2 after backfill", gw.calls)
	}
	if result.Source != models.ClassifySourceCache {
		t.Errorf("source = %q, want cache", result.Source)
	}
}

func TestClassifyEmailPersonMappingRemembered(t *testing.T) {
	gw := &fakeLLM{completion: `{"entity_table":"customers","is_person":true,"confidence":0.8}`}
	c, senders, people, _, _ := newTestClassifier(gw)

	item := emailItem()
	item.PersonID = "p7"

	result, err := c.ClassifyEmail(context.Background(), item)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsPerson {
		t.Error("expected person classification")
	}
	if len(people.upserts) != 1 || people.upserts[0] != "p7" {
		t.Errorf("person mapping upserts = %v, want [p7]", people.upserts)
	}
	if len(senders.ensured) != 0 {
		t.Errorf("person classification must not create sender records, got %v", senders.ensured)
	}
}

func TestClassifyEmailDropsUnknownEntityTable(t *testing.T) {
	gw := &fakeLLM{completion: `{"entity_table":"unicorns","is_person":true,"confidence":0.9}`}
	c, _, _, items, _ := newTestClassifier(gw)

	result, err := c.ClassifyEmail(context.Background(), emailItem())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.EntityTable != "" {
		t.Errorf("entity_table = %q, want empty for unknown value", result.EntityTable)
	}
	if persisted := items.classifications["item-1"]; persisted.EntityTable != "" {
		t.Errorf("persisted entity_table = %q, want empty", persisted.EntityTable)
	}
}

func TestClassifyEmailIsPersonFallback(t *testing.T) {
	tests := []struct {
		name string
		from models.EmailAddress
		want bool
	}{
		{"person address", models.EmailAddress{Address: "jane@example.com", Name: "Jane Doe"}, true},
		{"automated address", models.EmailAddress{Address: "noreply@example.com"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeLLM{completion: `{"entity_table":"customers","confidence":0.7}`}
			c, _, _, _, _ := newTestClassifier(gw)

			item := emailItem()
			item.From = tt.from

			result, err := c.ClassifyEmail(context.Background(), item)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.IsPerson != tt.want {
				t.Errorf("is_person fallback = %v, want %v", result.IsPerson, tt.want)
			}
		})
	}
}

func TestClassifyEmailConfidenceClamping(t *testing.T) {
	gw := &fakeLLM{completion: `{"entity_table":"customers","is_person":true,"confidence":3.5}`}
	c, _, _, _, _ := newTestClassifier(gw)

	result, err := c.ClassifyEmail(context.Background(), emailItem())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Confidence != 1.0 {
		t.Errorf("confidence = %v, want clamped to 1.0", result.Confidence)
	}
}

func TestExcerptKeepsRunesWhole(t *testing.T) {
	long := strings.Repeat("é", 20) // two bytes per rune
	got := excerpt(long, 5)
	if !utf8.ValidString(got) {
		t.Fatalf("excerpt split a rune: %q", got)
	}
	if len(got) != 4 {
		t.Errorf("len = %d, want 4 (trimmed back to the rune boundary)", len(got))
	}
	if excerpt("abc", 10) != "abc" {
		t.Error("strings under the limit must pass through unchanged")
	}
	if excerpt("abcdef", 3) != "abc" {
		t.Error("ASCII truncates exactly at the limit")
	}
}

func TestClassifyEmailSurfacesGatewayErrors(t *testing.T) {
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
			c, _, _, _, logs := newTestClassifier(gw)

			_, err := c.ClassifyEmail(context.Background(), emailItem())
			if !errors.Is(err, tt.err) {
				t.Fatalf("error = %v, want %v", err, tt.err)
			}
			if len(logs.entries) != 1 || logs.entries[0].Success {
				t.Errorf("expected one failed log entry, got %+v", logs.entries)
			}
		})
	}
}

func TestClassifyEmailUnparseableCompletion(t *testing.T) {
	gw := &fakeLLM{completion: "I am not sure about this one."}
	c, _, _, items, _ := newTestClassifier(gw)

	_, err := c.ClassifyEmail(context.Background(), emailItem())
	if !errors.Is(err, llm.ErrUnparseable) {
		t.Fatalf("error = %v, want ErrUnparseable", err)
	}
	if len(items.classifications) != 0 {
		t.Errorf("unparseable completion must not persist a guess, got %v", items.classifications)
	}
}
