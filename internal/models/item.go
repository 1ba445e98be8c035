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

// Package models defines the data structures shared across the automation
// pipeline.
package models

import (
	"time"

	"github.com/harborcrm/automation/internal/entity"
)

// Source identifies where an inbound item entered the pipeline.
type Source string

const (
	SourceEmail   Source = "email"
	SourceWebhook Source = "webhook"
)

// EmailAddress represents a sender or recipient with an address and optional name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// EmailBody represents the message body content.
type EmailBody struct {
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
}

// InboundItem is an email message or external webhook event flowing through
// the pipeline. An item moves unclassified -> classified -> processed and is
// never reverted to an earlier stage by this service.
type InboundItem struct {
	ID          string
	Source      Source
	ExternalID  string // provider message ID or webhook delivery ID
	TenantAlias string
	MailboxID   string // Graph user whose mailbox received the message
	EndpointID  string // webhook endpoint that received the event, if any

	From    EmailAddress
	To      []EmailAddress
	Subject string
	Body    EmailBody
	Payload []byte // raw JSON payload for webhook events

	// Classification fields, set once by the classifier.
	PersonID    string
	SenderID    string
	EntityTable string
	IsPerson    *bool
	Confidence  *float64

	Processed   bool
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// Classified reports whether the item carries a classification.
func (i *InboundItem) Classified() bool {
	return i.EntityTable != "" || i.IsPerson != nil
}

// Classification is the outcome of one classifier invocation.
type Classification struct {
	EntityTable entity.Table `json:"entity_table,omitempty"`
	IsPerson    bool         `json:"is_person"`
	Confidence  float64      `json:"confidence"`
	Reasoning   string       `json:"reasoning,omitempty"`
	Source      string       `json:"source"` // "cache", "llm", "heuristic", "default"
}

// Classification sources.
const (
	ClassifySourceCache     = "cache"
	ClassifySourceLLM       = "llm"
	ClassifySourceHeuristic = "heuristic"
	ClassifySourceDefault   = "default"
)

// SenderType labels a non-person sender address.
type SenderType string

const (
	SenderNewsletter  SenderType = "newsletter"
	SenderSystem      SenderType = "system"
	SenderSharedInbox SenderType = "shared_inbox"
	SenderAutomated   SenderType = "automated"
)
