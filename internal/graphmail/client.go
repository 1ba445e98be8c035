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

// Package graphmail is the Microsoft Graph mail-provider client: it fetches
// full messages for inbound notifications and carries the outbound delegate
// calls used by rule actions (move folder, mark priority, category mirror).
package graphmail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Provider is the surface the action executor and webhook handler depend on.
type Provider interface {
	FetchMessage(ctx context.Context, tenantAlias, userID, messageID string) (*Message, error)
	MoveMessage(ctx context.Context, tenantAlias, userID, messageID, folderID string) error
	SetImportance(ctx context.Context, tenantAlias, userID, messageID, importance string) error
	AddCategories(ctx context.Context, tenantAlias, userID, messageID string, categories []string) error
}

// Message is a fetched Graph mail message, trimmed to the pipeline's needs.
type Message struct {
	ID             string
	Subject        string
	FromAddress    string
	FromName       string
	ToAddresses    []Address
	BodyType       string
	BodyContent    string
	HasAttachments bool
	ReceivedAt     string
}

// Address is a recipient address with optional display name.
type Address struct {
	Address string
	Name    string
}

// Client calls the Graph API with per-tenant OAuth clients.
type Client struct {
	httpClients map[string]*http.Client // keyed by tenant alias
	baseURL     string
	timeout     time.Duration
}

// NewClient creates a Graph mail client. httpClients carry the per-tenant
// OAuth2 client-credentials transports built in main.
func NewClient(httpClients map[string]*http.Client, baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClients: httpClients,
		baseURL:     baseURL,
		timeout:     timeout,
	}
}

func (c *Client) clientFor(tenantAlias string) (*http.Client, error) {
	client, ok := c.httpClients[tenantAlias]
	if !ok {
		return nil, fmt.Errorf("no Graph client configured for tenant %q", tenantAlias)
	}
	return client, nil
}

// graphMessage represents the relevant fields from a Graph API message response.
type graphMessage struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	From    struct {
		EmailAddress struct {
			Address string `json:"address"`
			Name    string `json:"name"`
		} `json:"emailAddress"`
	} `json:"from"`
	ToRecipients []struct {
		EmailAddress struct {
			Address string `json:"address"`
			Name    string `json:"name"`
		} `json:"emailAddress"`
	} `json:"toRecipients"`
	Body struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	HasAttachments   bool   `json:"hasAttachments"`
	ReceivedDateTime string `json:"receivedDateTime"`
}

// FetchMessage retrieves the full email content for a given user and message ID.
// Returns nil (no error) when the message has been deleted upstream.
func (c *Client) FetchMessage(ctx context.Context, tenantAlias, userID, messageID string) (*Message, error) {
	client, err := c.clientFor(tenantAlias)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Select only the fields we need
	url := fmt.Sprintf("%s/users/%s/messages/%s?$select=id,subject,from,toRecipients,body,hasAttachments,receivedDateTime",
		c.baseURL, userID, messageID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", "outlook.body-content-type=\"text\"")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		slog.Warn("message not found (may have been deleted)",
			"user_id", userID,
			"message_id", messageID,
		)
		return nil, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph API returned HTTP %d for message %s", resp.StatusCode, messageID)
	}

	var msg graphMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode graph message: %w", err)
	}

	to := make([]Address, 0, len(msg.ToRecipients))
	for _, r := range msg.ToRecipients {
		to = append(to, Address{Address: r.EmailAddress.Address, Name: r.EmailAddress.Name})
	}

	return &Message{
		ID:             msg.ID,
		Subject:        msg.Subject,
		FromAddress:    msg.From.EmailAddress.Address,
		FromName:       msg.From.EmailAddress.Name,
		ToAddresses:    to,
		BodyType:       msg.Body.ContentType,
		BodyContent:    msg.Body.Content,
		HasAttachments: msg.HasAttachments,
		ReceivedAt:     msg.ReceivedDateTime,
	}, nil
}

// MoveMessage moves a message to the given mail folder. Replaying the move
// for a message already in the folder is a no-op on the Graph side.
func (c *Client) MoveMessage(ctx context.Context, tenantAlias, userID, messageID, folderID string) error {
	url := fmt.Sprintf("%s/users/%s/messages/%s/move", c.baseURL, userID, messageID)
	body := map[string]string{"destinationId": folderID}
	return c.post(ctx, tenantAlias, url, body, http.StatusCreated)
}

// SetImportance patches the message importance ("low", "normal", "high").
func (c *Client) SetImportance(ctx context.Context, tenantAlias, userID, messageID, importance string) error {
	url := fmt.Sprintf("%s/users/%s/messages/%s", c.baseURL, userID, messageID)
	body := map[string]string{"importance": importance}
	return c.patch(ctx, tenantAlias, url, body)
}

// AddCategories patches the message category list. This is the best-effort
// mirror target for the tag action.
func (c *Client) AddCategories(ctx context.Context, tenantAlias, userID, messageID string, categories []string) error {
	url := fmt.Sprintf("%s/users/%s/messages/%s", c.baseURL, userID, messageID)
	body := map[string][]string{"categories": categories}
	return c.patch(ctx, tenantAlias, url, body)
}

func (c *Client) post(ctx context.Context, tenantAlias, url string, body interface{}, wantStatus int) error {
	return c.send(ctx, tenantAlias, http.MethodPost, url, body, wantStatus)
}

func (c *Client) patch(ctx context.Context, tenantAlias, url string, body interface{}) error {
	return c.send(ctx, tenantAlias, http.MethodPatch, url, body, http.StatusOK)
}

func (c *Client) send(ctx context.Context, tenantAlias, method, url string, body interface{}, wantStatus int) error {
	client, err := c.clientFor(tenantAlias)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("graph API returned HTTP %d: %s", resp.StatusCode, string(raw))
	}

	return nil
}
