// Copyright (c) 2026 John Earle
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://github.com/harborcrm/automation/blob/main/LICENSE
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue publishes extraction jobs and processed-item events to Redis.
// Extraction jobs are Celery-compatible tasks; the Python extraction worker
// picks them up via `celery worker -Q extraction`. Processed-item events are
// plain JSON for downstream consumers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ExtractionKind selects which extraction task the worker runs.
type ExtractionKind string

const (
	ExtractInvoice     ExtractionKind = "invoice"
	ExtractAttachments ExtractionKind = "attachments"
)

// ExtractionJob is the item reference handed to the extraction worker.
type ExtractionJob struct {
	ItemID      string   `json:"item_id"`
	Source      string   `json:"source"`
	ExternalID  string   `json:"external_id"`
	TenantAlias string   `json:"tenant_alias,omitempty"`
	DocumentURL string   `json:"document_url,omitempty"`
	Kind        string   `json:"kind"`
	TagHints    []string `json:"tag_hints,omitempty"`
}

// ProcessedEvent announces that an item finished the pipeline.
type ProcessedEvent struct {
	ItemID      string  `json:"item_id"`
	Source      string  `json:"source"`
	EntityTable string  `json:"entity_table,omitempty"`
	IsPerson    *bool   `json:"is_person,omitempty"`
	Confidence  float64 `json:"confidence"`
	ActionsRun  int     `json:"actions_run"`
	ActionsOK   int     `json:"actions_ok"`
	ProcessedAt string  `json:"processed_at"`
}

// Publisher sends extraction jobs and pipeline events to Redis.
type Publisher struct {
	rdb             *redis.Client
	extractionQueue string
	eventsQueue     string
}

// NewPublisher creates a Redis publisher targeting the given queues.
func NewPublisher(rdb *redis.Client, extractionQueue, eventsQueue string) *Publisher {
	return &Publisher{
		rdb:             rdb,
		extractionQueue: extractionQueue,
		eventsQueue:     eventsQueue,
	}
}

// celeryTask represents a Celery-compatible task message.
// Celery reads tasks from Redis using this exact JSON structure.
type celeryTask struct {
	ID      string        `json:"id"`
	Task    string        `json:"task"`
	Args    []interface{} `json:"args"`
	Kwargs  interface{}   `json:"kwargs"`
	Retries int           `json:"retries"`
	ETA     *string       `json:"eta"`
}

// celeryMessage wraps a task for Redis transport.
type celeryMessage struct {
	Body            string                 `json:"body"`
	ContentEncoding string                 `json:"content-encoding"`
	ContentType     string                 `json:"content-type"`
	Headers         map[string]interface{} `json:"headers"`
	Properties      map[string]interface{} `json:"properties"`
}

// taskNames maps an extraction kind to the worker task.
var taskNames = map[ExtractionKind]string{
	ExtractInvoice:     "extraction.tasks.extract_invoice",
	ExtractAttachments: "extraction.tasks.extract_attachments",
}

// PublishExtractionJob serialises an extraction job and publishes it as a
// Celery task. Returning nil means the job was durably enqueued; the action
// that dispatched it reports success on that basis.
func (p *Publisher) PublishExtractionJob(ctx context.Context, kind ExtractionKind, job ExtractionJob) error {
	taskName, ok := taskNames[kind]
	if !ok {
		return fmt.Errorf("unknown extraction kind %q", kind)
	}
	job.Kind = string(kind)

	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal extraction job: %w", err)
	}

	taskID := uuid.New().String()

	task := celeryTask{
		ID:     taskID,
		Task:   taskName,
		Args:   []interface{}{string(jobJSON)},
		Kwargs: map[string]interface{}{},
	}

	taskBody, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal celery task: %w", err)
	}

	msg := celeryMessage{
		Body:            string(taskBody),
		ContentEncoding: "utf-8",
		ContentType:     "application/json",
		Headers: map[string]interface{}{
			"lang":    "py",
			"task":    taskName,
			"id":      taskID,
			"retries": 0,
		},
		Properties: map[string]interface{}{
			"correlation_id": taskID,
			"delivery_mode":  2,
			"delivery_tag":   taskID,
			"body_encoding":  "utf-8",
			"exchange":       p.extractionQueue,
			"routing_key":    p.extractionQueue,
			"delivery_info": map[string]string{
				"exchange":    p.extractionQueue,
				"routing_key": p.extractionQueue,
			},
		},
	}

	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal celery message: %w", err)
	}

	// Celery workers BRPOP, so producers LPUSH
	if err := p.rdb.LPush(ctx, p.extractionQueue, string(msgJSON)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published extraction job",
		"task_id", taskID,
		"item_id", job.ItemID,
		"kind", kind,
		"queue", p.extractionQueue,
	)

	return nil
}

// PublishProcessedEvent announces a finished item to downstream consumers.
func (p *Publisher) PublishProcessedEvent(ctx context.Context, event ProcessedEvent) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal processed event: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.eventsQueue, string(eventJSON)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("published processed event",
		"item_id", event.ItemID,
		"queue", p.eventsQueue,
	)

	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
