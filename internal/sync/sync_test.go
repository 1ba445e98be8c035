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

package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/harborcrm/automation/internal/actions"
	"github.com/harborcrm/automation/internal/entity"
	"github.com/harborcrm/automation/internal/llm"
	"github.com/harborcrm/automation/internal/models"
	"github.com/harborcrm/automation/internal/store"
)

type fakeBacklog struct {
	items     []models.InboundItem
	gotLimit  int
	listCalls int
}

func (f *fakeBacklog) ListUnclassified(ctx context.Context, limit int) ([]models.InboundItem, error) {
	f.listCalls++
	f.gotLimit = limit
	if limit < len(f.items) {
		return f.items[:limit], nil
	}
	return f.items, nil
}

// scriptedClassifier replays one outcome per call.
type scriptedClassifier struct {
	errs  []error
	calls int
}

func (s *scriptedClassifier) next() error {
	var err error
	if s.calls < len(s.errs) {
		err = s.errs[s.calls]
	}
	s.calls++
	return err
}

func (s *scriptedClassifier) ClassifyEmail(ctx context.Context, item *models.InboundItem) (models.Classification, error) {
	if err := s.next(); err != nil {
		return models.Classification{}, err
	}
	item.EntityTable = "customers"
	return models.Classification{EntityTable: entity.Customers}, nil
}

func (s *scriptedClassifier) ClassifyWebhook(ctx context.Context, item *models.InboundItem, endpoint *store.Endpoint) (models.Classification, error) {
	if err := s.next(); err != nil {
		return models.Classification{}, err
	}
	item.EntityTable = string(endpoint.DefaultEntityTable)
	return models.Classification{EntityTable: endpoint.DefaultEntityTable}, nil
}

type nilEndpoints struct{}

func (nilEndpoints) GetByID(ctx context.Context, id string) (*store.Endpoint, error) {
	return &store.Endpoint{ID: id, Slug: "shop", DefaultEntityTable: entity.Customers}, nil
}

type countingRunner struct {
	executed int
}

func (c *countingRunner) Execute(ctx context.Context, item *models.InboundItem) (*actions.Result, error) {
	c.executed++
	return &actions.Result{ItemID: item.ID}, nil
}

func backlogOf(n int) []models.InboundItem {
	items := make([]models.InboundItem, n)
	for i := range items {
		items[i] = models.InboundItem{ID: string(rune('a' + i)), Source: models.SourceEmail}
	}
	return items
}

func TestRunClassifiesAndActionsBacklog(t *testing.T) {
	backlog := &fakeBacklog{items: backlogOf(3)}
	classifier := &scriptedClassifier{}
	runner := &countingRunner{}

	r := NewRunner(RunnerConfig{
		Items:      backlog,
		Classifier: classifier,
		Endpoints:  nilEndpoints{},
		Executor:   runner,
		AICap:      10,
	})

	result, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Scanned != 3 || result.Classified != 3 || result.Actioned != 3 {
		t.Errorf("result = %+v, want 3/3/3", result)
	}
	if result.ByTable["customers"] != 3 {
		t.Errorf("ByTable = %v", result.ByTable)
	}
	if backlog.gotLimit != 10 {
		t.Errorf("list limit = %d, want AI cap 10", backlog.gotLimit)
	}
}

func TestRunCapBoundsLLMCalls(t *testing.T) {
	backlog := &fakeBacklog{items: backlogOf(5)}
	classifier := &scriptedClassifier{}

	r := NewRunner(RunnerConfig{
		Items:      backlog,
		Classifier: classifier,
		Endpoints:  nilEndpoints{},
		Executor:   &countingRunner{},
		AICap:      2,
	})

	result, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if classifier.calls != 2 {
		t.Errorf("LLM calls = %d, want capped at 2", classifier.calls)
	}
	if result.Classified != 2 {
		t.Errorf("classified = %d, want 2", result.Classified)
	}
}

func TestRunStopsOnQuotaExhausted(t *testing.T) {
	backlog := &fakeBacklog{items: backlogOf(4)}
	classifier := &scriptedClassifier{errs: []error{nil, llm.ErrQuotaExhausted}}
	runner := &countingRunner{}

	r := NewRunner(RunnerConfig{
		Items:      backlog,
		Classifier: classifier,
		Endpoints:  nilEndpoints{},
		Executor:   runner,
		AICap:      10,
	})

	result, err := r.Run(context.Background())
	if !errors.Is(err, llm.ErrQuotaExhausted) {
		t.Fatalf("error = %v, want ErrQuotaExhausted", err)
	}
	if classifier.calls != 2 {
		t.Errorf("LLM calls = %d, want run stopped after the quota error", classifier.calls)
	}
	if result.Classified != 1 || runner.executed != 1 {
		t.Errorf("classified/actioned = %d/%d, want 1/1", result.Classified, runner.executed)
	}
}

func TestRunSkipsRateLimitedItems(t *testing.T) {
	backlog := &fakeBacklog{items: backlogOf(3)}
	classifier := &scriptedClassifier{errs: []error{nil, llm.ErrRateLimited, nil}}

	r := NewRunner(RunnerConfig{
		Items:      backlog,
		Classifier: classifier,
		Endpoints:  nilEndpoints{},
		Executor:   &countingRunner{},
		AICap:      10,
	})

	result, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("rate limit must not abort the run: %v", err)
	}
	if result.Classified != 2 || result.RateLimited != 1 {
		t.Errorf("classified/rate_limited = %d/%d, want 2/1", result.Classified, result.RateLimited)
	}
}
