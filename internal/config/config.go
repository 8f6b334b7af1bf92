package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Provider  ProviderConfig
	Refresh   RefreshConfig
	Watch     WatchConfig
	Artifact  ArtifactConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
	// Token, when set, is required as a bearer token on every API route.
	Token string
}

type StorageConfig struct {
	DataDir string
	Backend string
}

type ProviderConfig struct {
	BaseURL         string
	Model           string
	AspectRatio     string
	Timeout         time.Duration
	DownloadTimeout time.Duration
	// APIKey is the default credential for CLI and MCP callers.
	APIKey string
}

type RefreshConfig struct {
	Concurrency int
}

type WatchConfig struct {
	Enabled  bool
	Interval time.Duration
	Window   time.Duration
}

type ArtifactConfig struct {
	OutputDir string
}

type LogConfig struct {
	Level  string
	Format string
}

type TelemetryConfig struct {
	OTLPEndpoint string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port:     8000,
			MaxConns: 64,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
			Backend: "sqlite",
		},
		Provider: ProviderConfig{
			BaseURL:         "https://api.kie.ai/api/v1",
			Model:           "veo3_fast",
			AspectRatio:     "9:16",
			Timeout:         60 * time.Second,
			DownloadTimeout: 5 * time.Minute,
		},
		Refresh: RefreshConfig{
			Concurrency: 4,
		},
		Watch: WatchConfig{
			Interval: 30 * time.Second,
			Window:   24 * time.Hour,
		},
		Artifact: ArtifactConfig{
			OutputDir: filepath.Join(dataDir, "outputs"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, the JSON config file at
// $XDG_CONFIG_HOME/veobatch/config.json, VEOBATCH_* environment variables
// (a .env file in the working directory is read first) and finally the
// secrets file for secret keys still unset.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not read .env: %v\n", err)
	}
	return loadWith(newFileBackend(configFilePath()), secretsFile{path: secretsFilePath()})
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(key string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg) != "" {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxConns < 1 {
		errs = append(errs, fmt.Errorf("server.max_conns must be at least 1"))
	}
	switch c.Storage.Backend {
	case "sqlite", "file":
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q must be sqlite or file", c.Storage.Backend))
	}
	if c.Refresh.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("refresh.concurrency must be at least 1"))
	}
	if c.Provider.Timeout <= 0 || c.Provider.DownloadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("provider timeouts must be positive"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "veobatch-data"
		}
	}
	return filepath.Join(dir, "veobatch")
}
