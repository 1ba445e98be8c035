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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TenantConfig holds Microsoft Graph credentials for a single mail tenant.
type TenantConfig struct {
	Alias        string `yaml:"alias"`
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	ClientState  string `yaml:"client_state"` // expected clientState on Graph notifications
}

// LLMConfig holds the chat-completion gateway settings.
type LLMConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// Config holds all configuration for the automation service.
type Config struct {
	Tenants []TenantConfig

	// Postgres
	DatabaseURL string

	// Redis
	RedisURL        string
	ExtractionQueue string // extraction worker task queue
	EventsQueue     string // processed-item event queue

	// LLM gateway
	LLM LLMConfig

	// HTTP
	Port        int // health + API
	WebhookPort int // Graph notifications + signed ingress

	// Bulk sync: max items sent to the LLM per run.
	SyncAICap int

	// Per-call timeout for Graph mail operations.
	GraphTimeout time.Duration
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Tenants []TenantConfig `yaml:"tenants"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Extraction string `yaml:"extraction"`
			Events     string `yaml:"events"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	LLM struct {
		BaseURL     string  `yaml:"base_url"`
		APIKey      string  `yaml:"api_key"`
		Model       string  `yaml:"model"`
		Temperature float64 `yaml:"temperature"`
	} `yaml:"llm"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		DatabaseURL:     firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "")),
		RedisURL:        firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		ExtractionQueue: firstNonEmpty(raw.Redis.Queues.Extraction, envOrDefault("EXTRACTION_QUEUE", "extraction")),
		EventsQueue:     firstNonEmpty(raw.Redis.Queues.Events, envOrDefault("EVENTS_QUEUE", "crm_events")),
		LLM: LLMConfig{
			BaseURL:     firstNonEmpty(raw.LLM.BaseURL, envOrDefault("LLM_BASE_URL", "https://api.openai.com/v1")),
			APIKey:      firstNonEmpty(raw.LLM.APIKey, envOrDefault("LLM_API_KEY", "")),
			Model:       firstNonEmpty(raw.LLM.Model, envOrDefault("LLM_MODEL", "gpt-4o-mini")),
			Temperature: raw.LLM.Temperature,
			Timeout:     envOrDefaultDuration("LLM_TIMEOUT", 30*time.Second),
		},
		Port:         envOrDefaultInt("PORT", 8080),
		WebhookPort:  envOrDefaultInt("WEBHOOK_PORT", 8081),
		SyncAICap:    envOrDefaultInt("SYNC_AI_CAP", 50),
		GraphTimeout: envOrDefaultDuration("GRAPH_TIMEOUT", 10*time.Second),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database URL is required: set database.url or DATABASE_URL")
	}
	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("LLM API key is required: set llm.api_key or LLM_API_KEY")
	}

	// Build tenant configs
	for _, t := range raw.Tenants {
		// Skip tenants with empty credentials (commented out in YAML)
		if t.TenantID == "" || t.ClientID == "" || t.ClientSecret == "" {
			continue
		}
		if t.Alias == "" {
			t.Alias = t.TenantID[:8]
		}
		cfg.Tenants = append(cfg.Tenants, t)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
