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

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/harborcrm/automation/internal/models"
)

// maxEventBytes caps external webhook payloads at 1 MB.
const maxEventBytes = 1 << 20

// signatureHeader carries the hex HMAC-SHA256 of the raw request body,
// keyed with the endpoint's shared secret.
const signatureHeader = "x-webhook-signature"

// ServeHook handles POST /hooks/{slug}, the external signed webhook ingress.
//
// Every check that can reject the request (unknown endpoint, oversized
// payload, bad signature) happens before any row is written. Only an
// authenticated event touches the database.
func (h *Handler) ServeHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	slug := strings.Trim(strings.TrimPrefix(r.URL.Path, "/hooks/"), "/")
	if slug == "" || strings.Contains(slug, "/") {
		writeError(w, http.StatusNotFound, "unknown endpoint")
		return
	}

	endpoint, err := h.endpoints.GetBySlug(r.Context(), slug)
	if err != nil {
		slog.Error("endpoint lookup failed", "slug", slug, "error", err)
		writeError(w, http.StatusInternalServerError, "endpoint lookup failed")
		return
	}
	if endpoint == nil {
		writeError(w, http.StatusNotFound, "unknown endpoint")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload exceeds 1MB")
			return
		}
		writeError(w, http.StatusInternalServerError, "read body failed")
		return
	}

	if !validSignature(endpoint.Secret, body, r.Header.Get(signatureHeader)) {
		slog.Warn("webhook signature rejected", "slug", slug)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	item := &models.InboundItem{
		ID:         uuid.NewString(),
		Source:     models.SourceWebhook,
		ExternalID: deliveryID(r, body),
		EndpointID: endpoint.ID,
		From:       senderFromPayload(body),
		Payload:    body,
	}

	stored, err := h.items.Create(r.Context(), item)
	if err != nil {
		slog.Error("persist webhook event failed", "slug", slug, "error", err)
		writeError(w, http.StatusInternalServerError, "persist event failed")
		return
	}
	if stored == nil {
		writeError(w, http.StatusInternalServerError, "persist event failed")
		return
	}
	if stored.Processed {
		// Redelivered event, already fully handled
		writeJSON(w, http.StatusOK, map[string]string{"item_id": stored.ID, "status": "already_processed"})
		return
	}

	if !stored.Classified() {
		if _, err := h.classifier.ClassifyWebhook(r.Context(), stored, endpoint); err != nil {
			writeClassifyError(w, err)
			return
		}
	}

	result, err := h.runner.Execute(r.Context(), stored)
	if err != nil {
		slog.Error("webhook action execution failed", "item_id", stored.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "action execution failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// validSignature checks the hex HMAC-SHA256 of body against the header
// value in constant time. A missing header never validates.
func validSignature(secret string, body []byte, header string) bool {
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.ToLower(strings.TrimSpace(header))))
}

// deliveryID picks the provider's delivery identifier when the payload
// carries one, falling back to a fresh UUID. The identifier is the
// idempotence key for redelivered events.
func deliveryID(r *http.Request, body []byte) string {
	if id := r.Header.Get("x-delivery-id"); id != "" {
		return id
	}
	var probe struct {
		DeliveryID string `json:"delivery_id"`
		EventID    string `json:"event_id"`
		ID         string `json:"id"`
	}
	if err := json.Unmarshal(body, &probe); err == nil {
		switch {
		case probe.DeliveryID != "":
			return probe.DeliveryID
		case probe.EventID != "":
			return probe.EventID
		case probe.ID != "":
			return probe.ID
		}
	}
	return uuid.NewString()
}

// senderFromPayload pulls a contact address out of common payload shapes so
// downstream entity matching has something to key on. Best effort; an empty
// address is fine.
func senderFromPayload(body []byte) models.EmailAddress {
	var probe struct {
		Email   string `json:"email"`
		Name    string `json:"name"`
		Contact struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		} `json:"contact"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return models.EmailAddress{}
	}
	if probe.Email != "" {
		return models.EmailAddress{Address: probe.Email, Name: probe.Name}
	}
	if probe.Contact.Email != "" {
		return models.EmailAddress{Address: probe.Contact.Email, Name: probe.Contact.Name}
	}
	return models.EmailAddress{}
}
