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

// Package rules defines the automation rule model: prioritised rules per
// entity table, each owning an ordered list of typed actions. Action config
// is stored as JSON and decoded into one strongly-typed struct per action
// type at the point where the action is read; a decode failure is a
// validation error, never a silent skip.
package rules

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harborcrm/automation/internal/entity"
)

// ActionType enumerates the supported automation actions.
type ActionType string

const (
	ActionVisibility         ActionType = "visibility"
	ActionTag                ActionType = "tag"
	ActionExtractAttachments ActionType = "extract_attachments"
	ActionExtractInvoice     ActionType = "extract_invoice"
	ActionMoveFolder         ActionType = "move_folder"
	ActionMarkPriority       ActionType = "mark_priority"
	ActionAssignObjectType   ActionType = "assign_object_type"
	ActionAssignEntity       ActionType = "assign_entity"
)

// EntityRule is a configured ruleset for one entity table. Higher priority
// runs first; rules are read-only to this service.
type EntityRule struct {
	ID          string
	EntityTable entity.Table
	Name        string
	Active      bool
	Priority    int
	Actions     []RuleAction
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RuleAction is one typed automation step within a rule. SortOrder is the
// tie-break within a rule (ascending).
type RuleAction struct {
	ID        string
	RuleID    string
	Type      ActionType
	Active    bool
	SortOrder int
	RawConfig json.RawMessage
}

// ActionConfig is the decoded, per-type config variant.
type ActionConfig interface {
	// Validate reports missing or malformed required fields.
	Validate() error
}

// VisibilityConfig sets a visibility group on the item.
// Idempotence: plain column update on the item, safe to replay.
type VisibilityConfig struct {
	GroupID string `json:"group_id"`
}

func (c VisibilityConfig) Validate() error {
	if c.GroupID == "" {
		return fmt.Errorf("visibility action requires group_id")
	}
	return nil
}

// TagConfig attaches tags to the item, optionally mirroring tag names to the
// mail provider's categories. The mirror is best-effort.
// Idempotence: upsert keyed by (item_id, tag_id).
type TagConfig struct {
	TagIDs         []string `json:"tag_ids"`
	TagNames       []string `json:"tag_names,omitempty"`
	SyncCategories bool     `json:"sync_categories,omitempty"`
}

func (c TagConfig) Validate() error {
	if len(c.TagIDs) == 0 {
		return fmt.Errorf("tag action requires at least one tag_id")
	}
	return nil
}

// ExtractConfig covers extract_invoice and extract_attachments; both hand
// the item reference to the extraction worker.
// Idempotence: dispatch guarded by a seen-filter on (item_id, kind).
type ExtractConfig struct {
	TagHints []string `json:"tag_hints,omitempty"`
}

func (c ExtractConfig) Validate() error { return nil }

// MoveFolderConfig moves the source message to a mail folder.
// Idempotence: moving an already-moved message is a provider no-op.
type MoveFolderConfig struct {
	FolderID string `json:"folder_id"`
}

func (c MoveFolderConfig) Validate() error {
	if c.FolderID == "" {
		return fmt.Errorf("move_folder action requires folder_id")
	}
	return nil
}

// MarkPriorityConfig sets the message importance at the mail provider.
// Idempotence: plain property patch, safe to replay.
type MarkPriorityConfig struct {
	Importance string `json:"importance"`
}

func (c MarkPriorityConfig) Validate() error {
	switch c.Importance {
	case "low", "normal", "high":
		return nil
	case "":
		return fmt.Errorf("mark_priority action requires importance")
	default:
		return fmt.Errorf("mark_priority importance must be low, normal, or high (got %q)", c.Importance)
	}
}

// AssignObjectTypeConfig attaches object types to the linked person and/or
// the item, depending on flags.
// Idempotence: upserts keyed by (person_id, object_type_id) and
// (item_id, object_type_id).
type AssignObjectTypeConfig struct {
	ObjectTypeIDs []string `json:"object_type_ids"`
	ToPerson      bool     `json:"to_person,omitempty"`
	ToItem        bool     `json:"to_item,omitempty"`
}

func (c AssignObjectTypeConfig) Validate() error {
	if len(c.ObjectTypeIDs) == 0 {
		return fmt.Errorf("assign_object_type action requires at least one object_type_id")
	}
	if !c.ToPerson && !c.ToItem {
		return fmt.Errorf("assign_object_type action requires to_person or to_item")
	}
	return nil
}

// AssignEntityConfig resolves or creates a CRM entity record matching the
// linked person's email and links it to the item.
// Idempotence: link upsert keyed by (item_id, entity_id); entity lookup by
// email before any create.
type AssignEntityConfig struct {
	EntityType        string `json:"entity_type"`
	CreateIfNotExists bool   `json:"create_if_not_exists,omitempty"`
}

func (c AssignEntityConfig) Validate() error {
	if c.EntityType == "" {
		return fmt.Errorf("assign_entity action requires entity_type")
	}
	if _, ok := entity.TableForType(c.EntityType); !ok {
		return fmt.Errorf("assign_entity entity_type %q does not map to a known table", c.EntityType)
	}
	return nil
}

// DecodeConfig decodes the action's raw config into its typed variant and
// validates it. Unknown action types are an error the executor reports.
func (a RuleAction) DecodeConfig() (ActionConfig, error) {
	decode := func(dst ActionConfig) (ActionConfig, error) {
		if len(a.RawConfig) > 0 {
			if err := json.Unmarshal(a.RawConfig, dst); err != nil {
				return nil, fmt.Errorf("decode %s config: %w", a.Type, err)
			}
		}
		cfg := deref(dst)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	switch a.Type {
	case ActionVisibility:
		return decode(&VisibilityConfig{})
	case ActionTag:
		return decode(&TagConfig{})
	case ActionExtractAttachments, ActionExtractInvoice:
		return decode(&ExtractConfig{})
	case ActionMoveFolder:
		return decode(&MoveFolderConfig{})
	case ActionMarkPriority:
		return decode(&MarkPriorityConfig{})
	case ActionAssignObjectType:
		return decode(&AssignObjectTypeConfig{})
	case ActionAssignEntity:
		return decode(&AssignEntityConfig{})
	default:
		return nil, fmt.Errorf("unknown action type %q", a.Type)
	}
}

// deref unwraps the pointer passed to json.Unmarshal so callers can
// type-switch on value types.
func deref(cfg ActionConfig) ActionConfig {
	switch c := cfg.(type) {
	case *VisibilityConfig:
		return *c
	case *TagConfig:
		return *c
	case *ExtractConfig:
		return *c
	case *MoveFolderConfig:
		return *c
	case *MarkPriorityConfig:
		return *c
	case *AssignObjectTypeConfig:
		return *c
	case *AssignEntityConfig:
		return *c
	default:
		return cfg
	}
}
