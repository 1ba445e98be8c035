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
	"encoding/json"
	"regexp"
	"strings"

	"github.com/harborcrm/automation/internal/models"
)

// The email and webhook paths share one person/non-person heuristic: the
// same automated-address and generic-name signals, fed either from the mail
// envelope or from the contact fields of a webhook payload.

// automatedLocalPart matches local parts of addresses that are never a real
// person. The match is anchored so "noreply-billing" hits but
// "lenor.eply" does not.
var automatedLocalPart = regexp.MustCompile(`(?i)^(noreply|no-reply|donotreply|do-not-reply|notification|notifications|alert|alerts|newsletter|news|marketing|campaign|campaigns|digest|mailer|mailer-daemon|bounce|bounces|postmaster|system|automated|auto|robot|bot|support|help|info|billing|invoice|invoices|accounts|sales|hello|contact|team|admin|office|service|orders|jobs|careers|hr|feedback|survey|updates)([._+\-].*)?$`)

// genericDisplayNames are display names that belong to a desk, not a person.
var genericDisplayNames = map[string]struct{}{
	"support": {}, "customer support": {}, "customer service": {},
	"billing": {}, "accounts": {}, "sales": {}, "sales team": {},
	"info": {}, "admin": {}, "team": {}, "notifications": {},
	"newsletter": {}, "marketing": {}, "no reply": {}, "noreply": {},
	"do not reply": {}, "system": {}, "service": {}, "office": {},
}

// localPart extracts the part of an address before the '@'.
func localPart(address string) string {
	address = strings.TrimSpace(address)
	if at := strings.Index(address, "@"); at > 0 {
		return address[:at]
	}
	return address
}

// LooksLikePerson is the deterministic fallback decision for is_person when
// the LLM does not answer. It inspects the address local part and the
// display name.
func LooksLikePerson(address, displayName string) bool {
	if automatedLocalPart.MatchString(localPart(address)) {
		return false
	}
	if _, generic := genericDisplayNames[strings.ToLower(strings.TrimSpace(displayName))]; generic {
		return false
	}
	return true
}

// contactFields is the subset of a webhook payload the heuristic reads.
type contactFields struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// PayloadLooksLikePerson applies the shared heuristic to a structured
// payload: a payload with contact fields (email/phone/name) and no
// automated-looking markers is treated as a person.
func PayloadLooksLikePerson(payload []byte) bool {
	var fields contactFields
	if err := json.Unmarshal(payload, &fields); err != nil {
		return false
	}
	if fields.Email == "" && fields.Phone == "" && fields.Name == "" {
		return false
	}
	if fields.Email != "" {
		return LooksLikePerson(fields.Email, fields.Name)
	}
	// No email to judge by; a name or phone alone leans person.
	return LooksLikePerson("", fields.Name)
}

// Sender-type derivation, most specific class first. "automated" is the
// catch-all for everything that is not a person.
var (
	newsletterLocal  = regexp.MustCompile(`(?i)^(newsletter|news|marketing|campaign|campaigns|digest|updates)([._+\-].*)?$`)
	systemLocal      = regexp.MustCompile(`(?i)^(noreply|no-reply|donotreply|do-not-reply|notification|notifications|alert|alerts|system|mailer|mailer-daemon|bounce|bounces|postmaster|automated|auto|robot|bot)([._+\-].*)?$`)
	sharedInboxLocal = regexp.MustCompile(`(?i)^(support|help|info|billing|invoice|invoices|accounts|sales|hello|contact|team|admin|office|service|orders|jobs|careers|hr)([._+\-].*)?$`)
)

// DeriveSenderType classifies a non-person address by its local part.
func DeriveSenderType(address string) models.SenderType {
	local := localPart(address)
	switch {
	case newsletterLocal.MatchString(local):
		return models.SenderNewsletter
	case systemLocal.MatchString(local):
		return models.SenderSystem
	case sharedInboxLocal.MatchString(local):
		return models.SenderSharedInbox
	default:
		return models.SenderAutomated
	}
}
