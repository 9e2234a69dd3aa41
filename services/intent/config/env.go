// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ServiceConfig holds process-level settings for cmd/intentd.
//
// Description:
//
//	Loaded from environment variables at startup via LoadServiceConfig().
//	Every field has a default that runs the engine locally with Tier3
//	disabled (no API key) and the hashing embedder.
//
// Thread Safety: ServiceConfig is a value type. Safe to copy and share after loading.
type ServiceConfig struct {
	// CatalogPath is the YAML catalog file.
	// Env: INTENT_CATALOG_PATH (default: "catalog.yaml")
	CatalogPath string

	// LedgerDir is the BadgerDB directory for ledger, patterns and vectors.
	// Env: INTENT_LEDGER_DIR (default: ~/.aleutian/intent)
	LedgerDir string

	// LogLevel is one of debug, info, warn, error.
	// Env: INTENT_LOG_LEVEL (default: "info")
	LogLevel string

	// OpenAIAPIKey enables Tier3 when set. Sealed into memguard at startup.
	// Env: OPENAI_API_KEY (default: "")
	OpenAIAPIKey string

	// OpenAIBaseURL overrides the provider endpoint (OpenAI-compatible gateways).
	// Env: OPENAI_BASE_URL (default: "")
	OpenAIBaseURL string

	// Tier3Model overrides the model from the engine defaults.
	// Env: INTENT_TIER3_MODEL (default: "")
	Tier3Model string

	// Tier3RatePerMin caps Tier3 calls per tenant per minute.
	// Env: INTENT_TIER3_RATE_PER_MIN (default: 60)
	Tier3RatePerMin int

	// EmbeddingURL selects the Ollama embedder when set.
	// Env: EMBEDDING_SERVICE_URL (default: "")
	EmbeddingURL string

	// EmbeddingModel is the Ollama embedding model.
	// Env: EMBEDDING_MODEL (default: "nomic-embed-text-v2-moe")
	EmbeddingModel string

	// InfluxURL enables the InfluxDB cost mirror when set.
	// Env: INFLUX_URL, INFLUX_TOKEN, INFLUX_ORG, INFLUX_BUCKET
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// ShutdownTimeout bounds graceful shutdown.
	// Env: INTENT_SHUTDOWN_TIMEOUT (default: 10s)
	ShutdownTimeout time.Duration
}

// LoadServiceConfig reads ServiceConfig from the environment.
//
// Outputs:
//   - *ServiceConfig: Fully populated configuration.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		CatalogPath:     envString("INTENT_CATALOG_PATH", "catalog.yaml"),
		LedgerDir:       envString("INTENT_LEDGER_DIR", ""),
		LogLevel:        strings.ToLower(envString("INTENT_LOG_LEVEL", "info")),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:   os.Getenv("OPENAI_BASE_URL"),
		Tier3Model:      os.Getenv("INTENT_TIER3_MODEL"),
		Tier3RatePerMin: envInt("INTENT_TIER3_RATE_PER_MIN", 60),
		EmbeddingURL:    os.Getenv("EMBEDDING_SERVICE_URL"),
		EmbeddingModel:  envString("EMBEDDING_MODEL", "nomic-embed-text-v2-moe"),
		InfluxURL:       os.Getenv("INFLUX_URL"),
		InfluxToken:     os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:       envString("INFLUX_ORG", "aleutian"),
		InfluxBucket:    envString("INFLUX_BUCKET", "intent"),
		ShutdownTimeout: envDuration("INTENT_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// envString reads a string environment variable with a default value.
func envString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// envInt reads an integer environment variable with a default value.
func envInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// envDuration reads a duration environment variable with a default value.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
