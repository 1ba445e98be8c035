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

package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCompleteStatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    string
		wantErr error
	}{
		{
			name:   "success",
			status: http.StatusOK,
			body:   `{"choices":[{"message":{"content":"hello"}}]}`,
			want:   "hello",
		},
		{
			name:    "rate limited",
			status:  http.StatusTooManyRequests,
			body:    `{"error":{"message":"slow down"}}`,
			wantErr: ErrRateLimited,
		},
		{
			name:    "quota exhausted",
			status:  http.StatusPaymentRequired,
			body:    `{"error":{"message":"top up"}}`,
			wantErr: ErrQuotaExhausted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/chat/completions" {
					t.Errorf("path = %q, want /chat/completions", r.URL.Path)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
					t.Errorf("Authorization = %q", got)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := New(Config{BaseURL: srv.URL, APIKey: "test-key", Model: "test-model"})
			got, err := client.Complete(context.Background(), "system", "user")

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("completion = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompleteGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"error":{"message":"model overloaded"}}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, APIKey: "k", Model: "m"})
	_, err := client.Complete(context.Background(), "s", "u")
	if err == nil {
		t.Fatal("expected error for in-body gateway error, got nil")
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{
			name: "bare object",
			in:   `{"entity_table":"customers","is_person":true}`,
			want: `{"entity_table":"customers","is_person":true}`,
		},
		{
			name: "json code fence",
			in:   "```json\n{\"entity_table\":\"press\"}\n```",
			want: `{"entity_table":"press"}`,
		},
		{
			name: "plain code fence",
			in:   "```\n{\"is_person\":false}\n```",
			want: `{"is_person":false}`,
		},
		{
			name: "prose around the object",
			in:   `Sure! Here is the classification: {"entity_table":"suppliers"} Hope that helps.`,
			want: `{"entity_table":"suppliers"}`,
		},
		{
			name: "braces inside strings",
			in:   `{"reasoning":"subject contains {order}","is_person":false}`,
			want: `{"reasoning":"subject contains {order}","is_person":false}`,
		},
		{
			name: "nested object",
			in:   `{"a":{"b":1},"c":2}`,
			want: `{"a":{"b":1},"c":2}`,
		},
		{
			name:    "no object at all",
			in:      "I could not classify this message.",
			wantErr: true,
		},
		{
			name:    "unbalanced object",
			in:      `{"entity_table":"customers"`,
			wantErr: true,
		},
		{
			name:    "empty completion",
			in:      "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrUnparseable) {
					t.Fatalf("error = %v, want ErrUnparseable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ExtractJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}
