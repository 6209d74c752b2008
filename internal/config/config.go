// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	CatalogPath string
	ReportPath  string

	// SessionListLimit caps the history returned by GET /api/sessions.
	SessionListLimit int
	// WizardTTL is how long an untouched wizard stays in memory.
	WizardTTL        time.Duration

	Analysis AnalysisConfig
	Launch   LaunchConfig
	NATS     NATSConfig
}

// AnalysisConfig selects and tunes the remote analysis-start transport.
// GrpcAddr takes precedence over APIURL when both are set.
type AnalysisConfig struct {
	APIURL   string
	GrpcAddr string
	Timeout  time.Duration
}

// LaunchConfig tunes the session launch coordinator.
type LaunchConfig struct {
	MountTimeout  time.Duration
	MountDelay    time.Duration
	FailurePolicy string
}

// NATSConfig enables the remote progress relay when URL is set.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		FrontendURL:      getEnv("FRONTEND_URL", ""),
		DBPath:           getEnv("DB_PATH", "./data/wizard.db"),
		CatalogPath:      getEnv("CATALOG_PATH", ""),
		ReportPath:       getEnv("REPORT_PATH", "/analysis/report"),
		SessionListLimit: getEnvInt("SESSION_LIST_LIMIT", 50),
		WizardTTL:        getEnvDuration("WIZARD_TTL", 2*time.Hour),
		Analysis: AnalysisConfig{
			APIURL:   getEnv("ANALYSIS_API_URL", "http://localhost:8000/api"),
			GrpcAddr: getEnv("ANALYSIS_GRPC_ADDR", ""),
			Timeout:  getEnvDuration("ANALYSIS_TIMEOUT", 30*time.Second),
		},
		Launch: LaunchConfig{
			MountTimeout:  getEnvDuration("MOUNT_TIMEOUT", 5*time.Second),
			MountDelay:    getEnvDuration("MOUNT_DELAY", 100*time.Millisecond),
			FailurePolicy: getEnv("LAUNCH_FAILURE_POLICY", "stay"),
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "analysis.progress"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Analysis.APIURL == "" && c.Analysis.GrpcAddr == "" {
		return fmt.Errorf("one of ANALYSIS_API_URL or ANALYSIS_GRPC_ADDR must be set")
	}
	if c.Analysis.Timeout <= 0 {
		return fmt.Errorf("ANALYSIS_TIMEOUT must be > 0")
	}
	if c.Launch.MountTimeout <= 0 {
		return fmt.Errorf("MOUNT_TIMEOUT must be > 0")
	}
	if c.Launch.MountDelay < 0 {
		return fmt.Errorf("MOUNT_DELAY cannot be negative")
	}
	switch c.Launch.FailurePolicy {
	case "stay", "return_to_configuration":
	default:
		return fmt.Errorf("LAUNCH_FAILURE_POLICY must be stay or return_to_configuration, got %q", c.Launch.FailurePolicy)
	}
	if c.WizardTTL <= 0 {
		return fmt.Errorf("WIZARD_TTL must be > 0")
	}
	if c.SessionListLimit <= 0 {
		return fmt.Errorf("SESSION_LIST_LIMIT must be > 0")
	}
	if !strings.HasPrefix(c.ReportPath, "/") {
		return fmt.Errorf("REPORT_PATH must start with /")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}
