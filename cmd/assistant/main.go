// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command assistant starts the Aleutian assist orchestrator.
//
// Configuration comes from environment variables, optionally seeded from
// a .env file in the working directory.
//
// # Environment Variables
//
//   - ASSIST_PORT: HTTP server port (default: 12210)
//   - ASSIST_MAX_CONCURRENT: in-flight chat completion cap (default: 8)
//   - ASSIST_LOG_LEVEL: debug, info, warn, error (default: info)
//   - LLM_BASE_URL: OpenAI-compatible backend URL
//   - LLM_API_KEY: backend credential (may be empty for local backends)
//   - CONFIG_PLANE_URL: admin control plane base URL (optional)
//   - CONFIG_SERVICE_TOKEN: control-plane service credential
//   - FLAG_OVERRIDES_PATH: local YAML flag overrides, hot-reloaded
//   - SESSION_BACKEND: memory or redis (default: memory)
//   - REDIS_ADDR: host:port when SESSION_BACKEND=redis
//   - CACHE_BACKEND: memory, badger, or off (default: memory)
//   - BADGER_DIR: on-disk cache directory when CACHE_BACKEND=badger
//   - WEATHER_ADAPTER_URL, SPORTS_ADAPTER_URL, AIRPORTS_ADAPTER_URL,
//     CONTROL_ADAPTER_URL: structured retrieval services (optional)
//   - SEARCH_PROVIDERS: comma-separated name=url pairs for web search
//   - INFLUX_URL, INFLUX_TOKEN, INFLUX_ORG, INFLUX_BUCKET: telemetry sink
//   - OTEL_EXPORTER_OTLP_ENDPOINT: trace collector (optional)
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianAssist/pkg/logging"
	"github.com/AleutianAI/AleutianAssist/pkg/version"
	"github.com/AleutianAI/AleutianAssist/services/llm"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/adapters"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/configclient"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/sessions"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/websearch"
)

var rootCmd = &cobra.Command{
	Use:   "assistant",
	Short: "The Aleutian assist orchestrator",
	Long: `The assist orchestrator answers natural-language questions by
classifying intent, retrieving evidence from structured adapters and
parallel web search, synthesizing an answer, and validating it against
the retrieved sources.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := orchestrator.New(configFromEnv())
		if err != nil {
			return fmt.Errorf("failed to create orchestrator: %w", err)
		}
		return svc.Run()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()
		fmt.Printf("assistant %s (commit %s, built %s, %s)\n",
			info.Version, info.Commit, info.Date, info.GoVersion)
	},
}

func main() {
	// Missing .env is the normal case outside development.
	if err := godotenv.Load(); err == nil {
		slog.Debug("Loaded environment from .env")
	}

	closeLogs, err := logging.Setup(logging.Config{
		Service: "assist-orchestrator",
		Level:   getEnvString("ASSIST_LOG_LEVEL", "info"),
		LogDir:  os.Getenv("ASSIST_LOG_DIR"),
	})
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer closeLogs()

	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// configFromEnv assembles the orchestrator configuration from the
// environment.
func configFromEnv() orchestrator.Config {
	return orchestrator.Config{
		Port:          getEnvInt("ASSIST_PORT", 12210),
		GinMode:       os.Getenv("GIN_MODE"),
		MaxConcurrent: getEnvInt("ASSIST_MAX_CONCURRENT", middleware.DefaultMaxConcurrent),
		LLM: llm.OpenAICompatConfig{
			BaseURL: os.Getenv("LLM_BASE_URL"),
			APIKey:  os.Getenv("LLM_API_KEY"),
		},
		ConfigPlane: configclient.Config{
			BaseURL:      os.Getenv("CONFIG_PLANE_URL"),
			ServiceToken: os.Getenv("CONFIG_SERVICE_TOKEN"),
		},
		FlagOverridesPath: os.Getenv("FLAG_OVERRIDES_PATH"),
		SessionBackend:    getEnvString("SESSION_BACKEND", "memory"),
		Redis: sessions.RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		CacheBackend: getEnvString("CACHE_BACKEND", "memory"),
		BadgerDir:    getEnvString("BADGER_DIR", "./data/respcache"),
		Adapters:     adaptersFromEnv(),
		SearchProviders: searchProvidersFromEnv(
			os.Getenv("SEARCH_PROVIDERS")),
		Influx: observability.InfluxSinkConfig{
			URL:    os.Getenv("INFLUX_URL"),
			Token:  os.Getenv("INFLUX_TOKEN"),
			Org:    os.Getenv("INFLUX_ORG"),
			Bucket: os.Getenv("INFLUX_BUCKET"),
		},
		OTelEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

// adaptersFromEnv builds the adapter set from the well-known URL
// variables. Unset adapters are simply absent; routing falls back to
// web search.
func adaptersFromEnv() []adapters.Config {
	known := []struct {
		name string
		env  string
	}{
		{"weather", "WEATHER_ADAPTER_URL"},
		{"sports", "SPORTS_ADAPTER_URL"},
		{"airports", "AIRPORTS_ADAPTER_URL"},
		{"control", "CONTROL_ADAPTER_URL"},
	}
	var out []adapters.Config
	for _, k := range known {
		if url := os.Getenv(k.env); url != "" {
			out = append(out, adapters.Config{Name: k.name, BaseURL: url})
		}
	}
	return out
}

// searchProvidersFromEnv parses "name=url,name=url" pairs. Malformed
// entries are skipped with a warning rather than failing startup.
func searchProvidersFromEnv(spec string) []websearch.ProviderConfig {
	if spec == "" {
		return nil
	}
	var out []websearch.ProviderConfig
	for _, pair := range strings.Split(spec, ",") {
		name, url, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" || url == "" {
			slog.Warn("Skipping malformed search provider entry", "entry", pair)
			continue
		}
		out = append(out, websearch.ProviderConfig{Name: name, BaseURL: url})
	}
	return out
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
