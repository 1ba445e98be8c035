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

// Package entity is the single source of truth for the CRM entity-table set.
// Both the classifier and the action executor validate against this package;
// an entity table that does not appear here is never trusted, no matter
// where it came from (LLM output, webhook payload, or rule config).
package entity

import (
	"fmt"
	"sort"
	"strings"
)

// Table identifies a CRM entity category by its table name.
type Table string

// The known entity tables. Table names are plural; the singular entity
// type used in rule configs maps back via TableForType.
const (
	Influencers Table = "influencers"
	Resellers   Table = "resellers"
	Suppliers   Table = "suppliers"
	Partners    Table = "partners"
	Customers   Table = "customers"
	Press       Table = "press"
)

// Info carries the operator-facing description and the hint text fed to the
// classification prompt for one entity table.
type Info struct {
	Table       Table
	Description string
	PromptHint  string
}

var registry = map[Table]Info{
	Influencers: {
		Table:       Influencers,
		Description: "Social media influencers and content creators",
		PromptHint:  "collaboration requests, sponsorship pitches, media kits, follower counts",
	},
	Resellers: {
		Table:       Resellers,
		Description: "Companies reselling our products",
		PromptHint:  "wholesale pricing, bulk orders, distribution agreements, margin discussions",
	},
	Suppliers: {
		Table:       Suppliers,
		Description: "Vendors and suppliers we purchase from",
		PromptHint:  "invoices, purchase orders, delivery notices, payment terms",
	},
	Partners: {
		Table:       Partners,
		Description: "Strategic and integration partners",
		PromptHint:  "co-marketing, API integrations, joint ventures, partnership proposals",
	},
	Customers: {
		Table:       Customers,
		Description: "End customers buying our products",
		PromptHint:  "order confirmations, support questions, product feedback, returns",
	},
	Press: {
		Table:       Press,
		Description: "Journalists and media outlets",
		PromptHint:  "interview requests, press inquiries, publication deadlines, embargoes",
	},
}

// Known returns every registered table in stable order.
func Known() []Info {
	infos := make([]Info, 0, len(registry))
	for _, info := range registry {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Table < infos[j].Table })
	return infos
}

// Valid reports whether name is a registered entity table.
func Valid(name string) bool {
	_, ok := registry[Table(name)]
	return ok
}

// Normalize is the trust boundary for entity-table strings coming from
// outside (LLM output, webhook payloads). It returns the matching Table and
// true, or "" and false when the value is unknown. Unknown values are
// dropped by callers rather than stored.
func Normalize(name string) (Table, bool) {
	t := Table(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := registry[t]; ok {
		return t, true
	}
	return "", false
}

// TableForType derives the table name from a singular entity type used in
// rule configs. Types pluralise with a trailing "s" except "press", whose
// table name is already singular-formed.
func TableForType(entityType string) (Table, bool) {
	et := strings.ToLower(strings.TrimSpace(entityType))
	if et == "" {
		return "", false
	}
	if et == "press" {
		return Press, true
	}
	return Normalize(et + "s")
}

// Validate checks the registry at startup. It guards against an empty or
// inconsistent table set after future edits.
func Validate() error {
	if len(registry) == 0 {
		return fmt.Errorf("entity table registry is empty")
	}
	for t, info := range registry {
		if info.Table != t {
			return fmt.Errorf("entity table %q registered under key %q", info.Table, t)
		}
		if info.Description == "" || info.PromptHint == "" {
			return fmt.Errorf("entity table %q is missing description or prompt hint", t)
		}
	}
	return nil
}
