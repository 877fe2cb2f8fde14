// Package config handles loading and validating the runtime configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for the runtime.
type Config struct {
	GatewayURL string `json:"gateway_url" yaml:"gateway_url"`                   // Gateway base URL. Override: NOOKPLOT_GATEWAY_URL.
	APIKey     string `json:"api_key,omitempty" yaml:"api_key,omitempty"`       // Override: NOOKPLOT_API_KEY.
	KeyFile    string `json:"key_file,omitempty" yaml:"key_file,omitempty"`     // Signing key PEM path. Override: NOOKPLOT_KEY_FILE.
	AgentName  string `json:"agent_name,omitempty" yaml:"agent_name,omitempty"`
	Verbose    bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	LogFormat  string `json:"log_format,omitempty" yaml:"log_format,omitempty"` // "text" (default) or "json".

	LLM           *LLMConfig           `json:"llm,omitempty" yaml:"llm,omitempty"`                     // nil = generation disabled
	Autonomy      *AutonomyConfig      `json:"autonomy,omitempty" yaml:"autonomy,omitempty"`           // nil = defaults
	Session       *SessionConfig       `json:"session,omitempty" yaml:"session,omitempty"`             // nil = defaults
	Journal       *JournalConfig       `json:"journal,omitempty" yaml:"journal,omitempty"`             // nil = journal disabled
	Cadence       *CadenceConfig       `json:"cadence,omitempty" yaml:"cadence,omitempty"`             // nil = cadence disabled
	OpsAPI        *OpsAPIConfig        `json:"ops_api,omitempty" yaml:"ops_api,omitempty"`             // nil = operator API disabled
	MCP           *MCPConfig           `json:"mcp,omitempty" yaml:"mcp,omitempty"`                     // nil = MCP server disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// LLMConfig selects the completion backend that generates the agent's
// responses. When nil, the runtime skips all generation paths.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"`                     // "anthropic", "openai", or "ollama".
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`   // Override: NOOKPLOT_LLM_API_KEY.
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url,omitempty" yaml:"base_url,omitempty"` // Override for self-hosted backends.
	Persona  string `json:"persona,omitempty" yaml:"persona,omitempty"`   // System prompt describing the agent.

	// Fallbacks are tried in order when the primary provider fails.
	// Persona and Fallbacks fields on a fallback entry are ignored.
	Fallbacks []*LLMConfig `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
}

// ProviderName returns the configured provider, defaulting to "anthropic".
func (l *LLMConfig) ProviderName() string {
	if l != nil && l.Provider != "" {
		return l.Provider
	}
	return "anthropic"
}

// AutonomyConfig tunes the signal dispatcher.
type AutonomyConfig struct {
	ResponseCooldownS int `json:"response_cooldown_s" yaml:"response_cooldown_s"` // Default: 120.
	DedupRetentionS   int `json:"dedup_retention_s" yaml:"dedup_retention_s"`     // Default: 3600.
}

// ResponseCooldown returns the per-channel cooldown, defaulting to 120s.
func (a *AutonomyConfig) ResponseCooldown() time.Duration {
	if a != nil && a.ResponseCooldownS > 0 {
		return time.Duration(a.ResponseCooldownS) * time.Second
	}
	return 120 * time.Second
}

// DedupRetention returns the dedup-entry retention, defaulting to 1 hour.
func (a *AutonomyConfig) DedupRetention() time.Duration {
	if a != nil && a.DedupRetentionS > 0 {
		return time.Duration(a.DedupRetentionS) * time.Second
	}
	return time.Hour
}

// SessionConfig tunes the gateway session.
type SessionConfig struct {
	HeartbeatIntervalS int `json:"heartbeat_interval_s" yaml:"heartbeat_interval_s"` // Default: 30.
	MaxRetries         int `json:"max_retries" yaml:"max_retries"`                   // Rate-limit retry budget. Default: 4.
}

// HeartbeatInterval returns the heartbeat interval, defaulting to 30s.
func (s *SessionConfig) HeartbeatInterval() time.Duration {
	if s != nil && s.HeartbeatIntervalS > 0 {
		return time.Duration(s.HeartbeatIntervalS) * time.Second
	}
	return 30 * time.Second
}

// RetryBudget returns the rate-limit retry budget, defaulting to 4.
func (s *SessionConfig) RetryBudget() int {
	if s != nil && s.MaxRetries > 0 {
		return s.MaxRetries
	}
	return 4
}

// JournalConfig configures the persistent activity journal.
type JournalConfig struct {
	Driver  string `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`         // SQLite file path.
	DSN     string `json:"dsn,omitempty" yaml:"dsn,omitempty"`           // PostgreSQL DSN. Override: NOOKPLOT_JOURNAL_DSN.
	MaxRows int    `json:"max_rows,omitempty" yaml:"max_rows,omitempty"` // Retention cap. 0 = unlimited.
}

// JournalDriver returns the configured driver, defaulting to "sqlite".
func (j *JournalConfig) JournalDriver() string {
	if j != nil && j.Driver != "" {
		return j.Driver
	}
	return "sqlite"
}

// CadenceConfig schedules synthetic proactive signals for agents whose
// gateway-side proactive loop is disabled.
type CadenceConfig struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	PostSchedule string   `json:"post_schedule,omitempty" yaml:"post_schedule,omitempty"`       // Cron spec. Default: "0 9 * * *".
	ProjectSched string   `json:"project_schedule,omitempty" yaml:"project_schedule,omitempty"` // Cron spec. Empty = disabled.
	Community    string   `json:"community,omitempty" yaml:"community,omitempty"`               // Target community for cadence posts.
	Domains      []string `json:"domains,omitempty" yaml:"domains,omitempty"`                   // Expertise hints passed to the generator.
	Mission      string   `json:"mission,omitempty" yaml:"mission,omitempty"`
}

// PostCron returns the post cadence cron spec, defaulting to daily at 09:00.
func (c *CadenceConfig) PostCron() string {
	if c != nil && c.PostSchedule != "" {
		return c.PostSchedule
	}
	return "0 9 * * *"
}

// OpsAPIConfig configures the local operator HTTP API.
type OpsAPIConfig struct {
	ListenAddr       string `json:"listen_addr" yaml:"listen_addr"`               // Default: ":8090".
	APIKey           string `json:"api_key,omitempty" yaml:"api_key,omitempty"`   // Override: NOOKPLOT_OPS_API_KEY.
	ApprovalTimeoutS int    `json:"approval_timeout_s" yaml:"approval_timeout_s"` // Default: 300.
	EnableApprovals  bool   `json:"enable_approvals" yaml:"enable_approvals"`     // Route on-chain actions through HTTP approval.
}

// Addr returns the listen address, defaulting to ":8090".
func (o *OpsAPIConfig) Addr() string {
	if o != nil && o.ListenAddr != "" {
		return o.ListenAddr
	}
	return ":8090"
}

// ApprovalTimeout returns how long a pending approval waits before it is
// treated as rejected. Default: 5 minutes.
func (o *OpsAPIConfig) ApprovalTimeout() time.Duration {
	if o != nil && o.ApprovalTimeoutS > 0 {
		return time.Duration(o.ApprovalTimeoutS) * time.Second
	}
	return 5 * time.Minute
}

// MCPConfig configures the MCP tool server for operator tooling.
type MCPConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	ListenAddr string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"` // Default: ":8091".
}

// Addr returns the MCP listen address, defaulting to ":8091".
func (m *MCPConfig) Addr() string {
	if m != nil && m.ListenAddr != "" {
		return m.ListenAddr
	}
	return ":8091"
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "nookplot"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("NOOKPLOT_GATEWAY_URL"); v != "" {
		c.GatewayURL = v
	}
	if v := os.Getenv("NOOKPLOT_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("NOOKPLOT_KEY_FILE"); v != "" {
		c.KeyFile = v
	}
	if v := os.Getenv("NOOKPLOT_LLM_API_KEY"); v != "" {
		if c.LLM == nil {
			c.LLM = &LLMConfig{}
		}
		c.LLM.APIKey = v
	}
	if v := os.Getenv("NOOKPLOT_JOURNAL_DSN"); v != "" {
		if c.Journal == nil {
			c.Journal = &JournalConfig{Driver: "postgres"}
		}
		c.Journal.DSN = v
	}
	if v := os.Getenv("NOOKPLOT_OPS_API_KEY"); v != "" {
		if c.OpsAPI == nil {
			c.OpsAPI = &OpsAPIConfig{}
		}
		c.OpsAPI.APIKey = v
	}
	if v := os.Getenv("NOOKPLOT_VERBOSE"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			c.Verbose = parsed
		}
	}
}

func (c *Config) validate() error {
	if c.GatewayURL == "" {
		return fmt.Errorf("gateway_url is required (or set NOOKPLOT_GATEWAY_URL)")
	}
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required (or set NOOKPLOT_API_KEY)")
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be %q or %q, got %q", "text", "json", c.LogFormat)
	}
	if c.LLM != nil {
		switch c.LLM.ProviderName() {
		case "anthropic", "openai", "ollama":
		default:
			return fmt.Errorf("llm.provider must be one of anthropic, openai, ollama; got %q", c.LLM.Provider)
		}
		for i, fb := range c.LLM.Fallbacks {
			if fb == nil {
				return fmt.Errorf("llm.fallbacks[%d] is empty", i)
			}
			switch fb.ProviderName() {
			case "anthropic", "openai", "ollama":
			default:
				return fmt.Errorf("llm.fallbacks[%d].provider must be one of anthropic, openai, ollama; got %q", i, fb.Provider)
			}
		}
	}
	if c.Journal != nil {
		switch c.Journal.JournalDriver() {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("journal.driver must be %q or %q, got %q", "sqlite", "postgres", c.Journal.Driver)
		}
		if c.Journal.JournalDriver() == "postgres" && c.Journal.DSN == "" {
			return fmt.Errorf("journal.dsn is required for the postgres driver")
		}
	}
	return nil
}

// resolvePath expands a leading ~ to the user's home directory.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
