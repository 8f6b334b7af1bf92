package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "VEOBATCH_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "VEOBATCH_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "server.token", typ: kString, env: "VEOBATCH_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "VEOBATCH_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.backend", typ: kString, env: "VEOBATCH_STORAGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "provider.base_url", typ: kString, env: "VEOBATCH_PROVIDER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Provider.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.BaseURL },
	},
	{
		key: "provider.model", typ: kString, env: "VEOBATCH_PROVIDER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Provider.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.Model },
	},
	{
		key: "provider.aspect_ratio", typ: kString, env: "VEOBATCH_PROVIDER_ASPECT_RATIO",
		apply:   func(cfg *Config, v any) { cfg.Provider.AspectRatio = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.AspectRatio },
	},
	{
		key: "provider.timeout", typ: kDuration, env: "VEOBATCH_PROVIDER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Provider.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Provider.Timeout },
	},
	{
		key: "provider.download_timeout", typ: kDuration, env: "VEOBATCH_PROVIDER_DOWNLOAD_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Provider.DownloadTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Provider.DownloadTimeout },
	},
	{
		key: "provider.api_key", typ: kString, env: "VEOBATCH_PROVIDER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Provider.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.APIKey },
	},
	{
		key: "refresh.concurrency", typ: kInt, env: "VEOBATCH_REFRESH_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Refresh.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Refresh.Concurrency },
	},
	{
		key: "watch.enabled", typ: kBool, env: "VEOBATCH_WATCH_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Watch.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Watch.Enabled },
	},
	{
		key: "watch.interval", typ: kDuration, env: "VEOBATCH_WATCH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Watch.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Watch.Interval },
	},
	{
		key: "watch.window", typ: kDuration, env: "VEOBATCH_WATCH_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Watch.Window = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Watch.Window },
	},
	{
		key: "artifact.output_dir", typ: kString, env: "VEOBATCH_ARTIFACT_OUTPUT_DIR",
		apply:   func(cfg *Config, v any) { cfg.Artifact.OutputDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Artifact.OutputDir },
	},
	{
		key: "log.level", typ: kString, env: "VEOBATCH_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "VEOBATCH_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "telemetry.otlp_endpoint", typ: kString, env: "VEOBATCH_TELEMETRY_OTLP_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.OTLPEndpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.OTLPEndpoint },
	},
}

// parseValue converts raw text to the Go type of typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
