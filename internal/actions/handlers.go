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

package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/harborcrm/automation/internal/entity"
	"github.com/harborcrm/automation/internal/models"
	"github.com/harborcrm/automation/internal/queue"
	"github.com/harborcrm/automation/internal/rules"
)

// dispatch routes a decoded action to its handler. An action type that
// reaches the default branch is reported, not skipped; DecodeConfig already
// rejects unknown types, so this only fires if the two ever drift.
func (e *Executor) dispatch(ctx context.Context, item *models.InboundItem, actionType rules.ActionType, cfg rules.ActionConfig) error {
	switch c := cfg.(type) {
	case rules.VisibilityConfig:
		return e.handleVisibility(ctx, item, c)
	case rules.TagConfig:
		return e.handleTag(ctx, item, c)
	case rules.ExtractConfig:
		return e.handleExtract(ctx, item, actionType, c)
	case rules.MoveFolderConfig:
		return e.handleMoveFolder(ctx, item, c)
	case rules.MarkPriorityConfig:
		return e.handleMarkPriority(ctx, item, c)
	case rules.AssignObjectTypeConfig:
		return e.handleAssignObjectType(ctx, item, c)
	case rules.AssignEntityConfig:
		return e.handleAssignEntity(ctx, item, c)
	default:
		return fmt.Errorf("unknown action type %q", actionType)
	}
}

// handleVisibility sets the visibility-group reference on the item.
// Idempotence: column update, same value on replay.
func (e *Executor) handleVisibility(ctx context.Context, item *models.InboundItem, cfg rules.VisibilityConfig) error {
	if err := e.items.SetVisibilityGroup(ctx, item.ID, cfg.GroupID); err != nil {
		return fmt.Errorf("set visibility group: %w", err)
	}
	return nil
}

// handleTag attaches tags to the item, then best-effort mirrors the tag
// names to the mail provider's categories. The mirror failing is logged as
// a warning and does not fail the action.
func (e *Executor) handleTag(ctx context.Context, item *models.InboundItem, cfg rules.TagConfig) error {
	for _, tagID := range cfg.TagIDs {
		if err := e.links.UpsertItemTag(ctx, item.ID, tagID); err != nil {
			return fmt.Errorf("attach tag %s: %w", tagID, err)
		}
	}

	if cfg.SyncCategories && len(cfg.TagNames) > 0 && item.Source == models.SourceEmail && e.mail != nil {
		if err := e.mail.AddCategories(ctx, item.TenantAlias, item.MailboxID, item.ExternalID, cfg.TagNames); err != nil {
			slog.Warn("tag category mirror failed",
				"item_id", item.ID,
				"error", err,
			)
		}
	}

	return nil
}

// handleExtract hands the item reference to the extraction worker. The
// action succeeds once the job is enqueued; a replayed dispatch for the
// same (item, kind) is swallowed by the guard.
func (e *Executor) handleExtract(ctx context.Context, item *models.InboundItem, actionType rules.ActionType, cfg rules.ExtractConfig) error {
	kind := queue.ExtractInvoice
	if actionType == rules.ActionExtractAttachments {
		kind = queue.ExtractAttachments
	}

	if e.guard != nil {
		isNew, err := e.guard.IsNew(ctx, fmt.Sprintf("extract:%s:%s", kind, item.ID))
		if err != nil {
			slog.Warn("extraction dispatch guard failed, proceeding", "item_id", item.ID, "error", err)
		} else if !isNew {
			return nil
		}
	}

	job := queue.ExtractionJob{
		ItemID:      item.ID,
		Source:      string(item.Source),
		ExternalID:  item.ExternalID,
		TenantAlias: item.TenantAlias,
		TagHints:    cfg.TagHints,
	}
	if item.Source == models.SourceWebhook {
		job.DocumentURL = documentURL(item.Payload)
	}

	if err := e.dispatcher.PublishExtractionJob(ctx, kind, job); err != nil {
		return fmt.Errorf("dispatch %s extraction: %w", kind, err)
	}
	return nil
}

// handleMoveFolder moves the source message at the mail provider. Without a
// configured provider, or for webhook items, this is a log-and-succeed
// placeholder.
func (e *Executor) handleMoveFolder(ctx context.Context, item *models.InboundItem, cfg rules.MoveFolderConfig) error {
	if item.Source != models.SourceEmail || e.mail == nil {
		slog.Info("move_folder skipped (no mail provider for item)",
			"item_id", item.ID,
			"folder_id", cfg.FolderID,
		)
		return nil
	}
	if err := e.mail.MoveMessage(ctx, item.TenantAlias, item.MailboxID, item.ExternalID, cfg.FolderID); err != nil {
		return fmt.Errorf("move message: %w", err)
	}
	return nil
}

// handleMarkPriority sets the message importance at the mail provider.
func (e *Executor) handleMarkPriority(ctx context.Context, item *models.InboundItem, cfg rules.MarkPriorityConfig) error {
	if item.Source != models.SourceEmail || e.mail == nil {
		slog.Info("mark_priority skipped (no mail provider for item)",
			"item_id", item.ID,
			"importance", cfg.Importance,
		)
		return nil
	}
	if err := e.mail.SetImportance(ctx, item.TenantAlias, item.MailboxID, item.ExternalID, cfg.Importance); err != nil {
		return fmt.Errorf("set importance: %w", err)
	}
	return nil
}

// handleAssignObjectType attaches object types to the linked person and/or
// the item. The person-side assignment requires a linked person.
func (e *Executor) handleAssignObjectType(ctx context.Context, item *models.InboundItem, cfg rules.AssignObjectTypeConfig) error {
	if cfg.ToPerson && item.PersonID == "" {
		return fmt.Errorf("assign_object_type to person: item has no linked person")
	}

	for _, objectTypeID := range cfg.ObjectTypeIDs {
		if cfg.ToPerson {
			if err := e.links.UpsertPersonObjectType(ctx, item.PersonID, objectTypeID); err != nil {
				return fmt.Errorf("assign object type %s to person: %w", objectTypeID, err)
			}
		}
		if cfg.ToItem {
			if err := e.links.UpsertItemObjectType(ctx, item.ID, objectTypeID); err != nil {
				return fmt.Errorf("assign object type %s to item: %w", objectTypeID, err)
			}
		}
	}
	return nil
}

// handleAssignEntity resolves or creates the CRM entity record matching the
// sender's email and links it to the item. With create_if_not_exists false
// and no match, the action succeeds without effect.
func (e *Executor) handleAssignEntity(ctx context.Context, item *models.InboundItem, cfg rules.AssignEntityConfig) error {
	table, ok := entity.TableForType(cfg.EntityType)
	if !ok {
		return fmt.Errorf("assign_entity: entity_type %q does not map to a known table", cfg.EntityType)
	}

	email := item.From.Address
	if email == "" {
		return fmt.Errorf("assign_entity: item has no sender address to match on")
	}

	entityID, err := e.links.FindEntityByEmail(ctx, table, email)
	if err != nil {
		return fmt.Errorf("look up %s by email: %w", table, err)
	}

	if entityID == "" {
		if !cfg.CreateIfNotExists {
			slog.Info("assign_entity: no matching record and create_if_not_exists is off",
				"item_id", item.ID,
				"table", table,
			)
			return nil
		}
		entityID, err = e.links.CreateEntity(ctx, table, item.From.Name, email)
		if err != nil {
			return fmt.Errorf("create %s record: %w", table, err)
		}
	}

	if err := e.links.UpsertItemEntityLink(ctx, item.ID, table, entityID); err != nil {
		return fmt.Errorf("link item to %s %s: %w", table, entityID, err)
	}
	return nil
}

// documentURL pulls a document link out of a webhook payload, checking the
// field names the configured integrations actually send.
func documentURL(payload []byte) string {
	var fields struct {
		DocumentURL   string `json:"document_url"`
		FileURL       string `json:"file_url"`
		AttachmentURL string `json:"attachment_url"`
		URL           string `json:"url"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	for _, u := range []string{fields.DocumentURL, fields.FileURL, fields.AttachmentURL, fields.URL} {
		if u != "" {
			return u
		}
	}
	return ""
}
