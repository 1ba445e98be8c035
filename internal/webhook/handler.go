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

// Package webhook is the HTTP surface of the automation pipeline. It accepts
// Microsoft Graph change notifications for subscribed mailboxes, signed
// external webhook events, and caller-driven item resubmissions, and runs
// each through classification and the rule engine.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/harborcrm/automation/internal/actions"
	"github.com/harborcrm/automation/internal/config"
	"github.com/harborcrm/automation/internal/graphmail"
	"github.com/harborcrm/automation/internal/llm"
	"github.com/harborcrm/automation/internal/models"
	"github.com/harborcrm/automation/internal/store"
)

// ChangeNotification is a single Graph API change notification.
type ChangeNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ClientState    string `json:"clientState"`
	TenantID       string `json:"tenantId"`
}

// NotificationPayload is the wrapper Graph sends.
type NotificationPayload struct {
	Value []ChangeNotification `json:"value"`
}

// Classifier decides what an item is.
type Classifier interface {
	ClassifyEmail(ctx context.Context, item *models.InboundItem) (models.Classification, error)
	ClassifyWebhook(ctx context.Context, item *models.InboundItem, endpoint *store.Endpoint) (models.Classification, error)
}

// Runner executes the rule-driven action chain for a classified item.
type Runner interface {
	Execute(ctx context.Context, item *models.InboundItem) (*actions.Result, error)
}

// Items is the item persistence surface the handler needs.
type Items interface {
	Create(ctx context.Context, item *models.InboundItem) (*models.InboundItem, error)
	Get(ctx context.Context, id string) (*models.InboundItem, error)
}

// Endpoints resolves external webhook endpoints.
type Endpoints interface {
	GetBySlug(ctx context.Context, slug string) (*store.Endpoint, error)
	GetByID(ctx context.Context, id string) (*store.Endpoint, error)
}

// Guard filters redelivered notifications and events.
type Guard interface {
	IsNew(ctx context.Context, deliveryID string) (bool, error)
}

// Handler serves the pipeline's HTTP endpoints.
type Handler struct {
	mail       graphmail.Provider
	items      Items
	endpoints  Endpoints
	classifier Classifier
	runner     Runner
	filter     Guard
	tenants    map[string]config.TenantConfig // keyed by Graph tenant ID
}

// NewHandler creates a pipeline HTTP handler. tenants carries the configured
// Graph tenants keyed by tenant ID; notifications from unknown tenants are
// dropped.
func NewHandler(
	mail graphmail.Provider,
	items Items,
	endpoints Endpoints,
	classifier Classifier,
	runner Runner,
	filter Guard,
	tenants []config.TenantConfig,
) *Handler {
	byID := make(map[string]config.TenantConfig, len(tenants))
	for _, t := range tenants {
		byID[t.TenantID] = t
	}
	return &Handler{
		mail:       mail,
		items:      items,
		endpoints:  endpoints,
		classifier: classifier,
		runner:     runner,
		filter:     filter,
		tenants:    byID,
	}
}

// ServeNotification handles Graph change notification requests.
//
// Graph API validation flow:
//   - When creating a subscription, Graph sends a POST with ?validationToken=<token>
//   - We must respond 200 OK with the token in plain text
//
// Normal notification flow:
//   - Graph POSTs a JSON body with an array of ChangeNotification objects
//   - We respond 202 Accepted immediately
//   - Process notifications in the background
func (h *Handler) ServeNotification(w http.ResponseWriter, r *http.Request) {
	// Handle validation probe
	if token := r.URL.Query().Get("validationToken"); token != "" {
		slog.Info("subscription validation probe received")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(token))
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("failed to read notification body", "error", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var payload NotificationPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		slog.Info("notification body not valid JSON, treating as probe",
			"body_len", len(body),
		)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Respond immediately; Graph expects a fast response
	w.WriteHeader(http.StatusAccepted)

	go h.processNotifications(context.Background(), payload.Value)
}

// processNotifications runs each change notification through the pipeline.
func (h *Handler) processNotifications(ctx context.Context, notifications []ChangeNotification) {
	for _, n := range notifications {
		// Only new messages matter to the pipeline
		if n.ChangeType != "created" {
			slog.Debug("skipping non-created notification",
				"change_type", n.ChangeType,
				"resource", n.Resource,
			)
			continue
		}

		userID, messageID, err := parseResource(n.Resource)
		if err != nil {
			slog.Warn("failed to parse notification resource",
				"resource", n.Resource,
				"error", err,
			)
			continue
		}

		tenant, ok := h.tenants[n.TenantID]
		if !ok {
			slog.Warn("notification from unconfigured tenant", "tenant", n.TenantID)
			continue
		}

		// Validate clientState against the configured per-tenant state
		if tenant.ClientState != "" && n.ClientState != tenant.ClientState {
			slog.Warn("clientState mismatch, possible spoofed notification",
				"tenant", tenant.Alias,
			)
			continue
		}

		// Graph redelivers notifications; process each message once
		isNew, err := h.filter.IsNew(ctx, messageID)
		if err != nil {
			slog.Warn("dedup check failed, proceeding", "error", err)
		} else if !isNew {
			slog.Debug("skipping duplicate message", "message_id", messageID)
			continue
		}

		slog.Info("processing change notification",
			"tenant", tenant.Alias,
			"user", userID,
			"message_id", messageID,
		)

		if err := h.processMessage(ctx, tenant.Alias, userID, messageID); err != nil {
			slog.Error("message pipeline failed",
				"message_id", messageID,
				"error", err,
			)
		}
	}
}

// processMessage fetches a message and runs it through classification and
// the action chain.
func (h *Handler) processMessage(ctx context.Context, tenantAlias, userID, messageID string) error {
	msg, err := h.mail.FetchMessage(ctx, tenantAlias, userID, messageID)
	if err != nil {
		return fmt.Errorf("fetch message: %w", err)
	}
	if msg == nil {
		// Deleted between notification and fetch
		return nil
	}

	item := &models.InboundItem{
		ID:          uuid.NewString(),
		Source:      models.SourceEmail,
		ExternalID:  msg.ID,
		TenantAlias: tenantAlias,
		MailboxID:   userID,
		From:        models.EmailAddress{Address: msg.FromAddress, Name: msg.FromName},
		Subject:     msg.Subject,
		Body: models.EmailBody{
			ContentType: msg.BodyType,
			Content:     msg.BodyContent,
		},
	}
	for _, to := range msg.ToAddresses {
		item.To = append(item.To, models.EmailAddress{Address: to.Address, Name: to.Name})
	}

	stored, err := h.items.Create(ctx, item)
	if err != nil {
		return fmt.Errorf("persist item: %w", err)
	}
	if stored == nil {
		return fmt.Errorf("item %s vanished after insert", item.ExternalID)
	}
	if stored.Processed {
		slog.Debug("item already processed", "item_id", stored.ID)
		return nil
	}

	if !stored.Classified() {
		if _, err := h.classifier.ClassifyEmail(ctx, stored); err != nil {
			return fmt.Errorf("classify: %w", err)
		}
	}

	if _, err := h.runner.Execute(ctx, stored); err != nil {
		return fmt.Errorf("execute actions: %w", err)
	}
	return nil
}

// ServeProcess handles POST /items/{id}/process, caller-driven
// resubmission of an item through the action chain. Safe to repeat: every
// side effect downstream carries its own idempotence key.
func (h *Handler) ServeProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/items/")
	itemID, ok := strings.CutSuffix(rest, "/process")
	if !ok || itemID == "" || strings.Contains(itemID, "/") {
		writeError(w, http.StatusNotFound, "unknown item")
		return
	}

	item, err := h.items.Get(r.Context(), itemID)
	if err != nil {
		slog.Error("item lookup failed", "item_id", itemID, "error", err)
		writeError(w, http.StatusInternalServerError, "item lookup failed")
		return
	}
	if item == nil {
		writeError(w, http.StatusNotFound, "unknown item")
		return
	}

	if !item.Classified() {
		if err := h.classifyItem(r.Context(), item); err != nil {
			writeClassifyError(w, err)
			return
		}
	}

	result, err := h.runner.Execute(r.Context(), item)
	if err != nil {
		slog.Error("resubmission failed", "item_id", itemID, "error", err)
		writeError(w, http.StatusInternalServerError, "action execution failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// classifyItem routes a resubmitted item to the right classifier variant.
func (h *Handler) classifyItem(ctx context.Context, item *models.InboundItem) error {
	if item.Source == models.SourceWebhook && item.EndpointID != "" {
		endpoint, err := h.endpoints.GetByID(ctx, item.EndpointID)
		if err != nil {
			return fmt.Errorf("look up endpoint %s: %w", item.EndpointID, err)
		}
		if endpoint == nil {
			// Endpoint deleted since ingestion; classify with no default
			// and no allow-list rather than dropping the item.
			endpoint = &store.Endpoint{Slug: "removed"}
		}
		_, err = h.classifier.ClassifyWebhook(ctx, item, endpoint)
		return err
	}
	_, err := h.classifier.ClassifyEmail(ctx, item)
	return err
}

// parseResource extracts userID and messageID from a Graph notification
// resource string. Format: "users/{userId}/messages/{messageId}"; Graph may
// send capitalised variants.
func parseResource(resource string) (userID, messageID string, err error) {
	resource = strings.TrimPrefix(resource, "/")

	parts := strings.Split(resource, "/")
	if len(parts) != 4 || !strings.EqualFold(parts[0], "users") || !strings.EqualFold(parts[2], "messages") {
		return "", "", fmt.Errorf("unexpected resource format: %s", resource)
	}

	return parts[1], parts[3], nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeClassifyError maps classification failures onto the HTTP surface:
// rate limits and quota exhaustion are distinct, caller-visible conditions.
func writeClassifyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, llm.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "ai rate limited")
	case errors.Is(err, llm.ErrQuotaExhausted):
		writeError(w, http.StatusPaymentRequired, "ai quota exhausted")
	default:
		slog.Error("classification failed", "error", err)
		writeError(w, http.StatusInternalServerError, "classification failed")
	}
}

// Serve starts the webhook HTTP server on the given port. It binds the port
// immediately and signals readiness via the returned channel before starting
// to accept connections.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("/graph/notifications", handler.ServeNotification)
	mux.HandleFunc("/hooks/", handler.ServeHook)
	mux.HandleFunc("/items/", handler.ServeProcess)

	server := &http.Server{
		Handler: mux,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("webhook server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return ready, nil
}
