package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
gateway_url: https://gateway.example
api_key: secret
agent_name: tester
llm:
  provider: openai
  model: gpt-4o-mini
  fallbacks:
    - provider: ollama
      model: llama3
autonomy:
  response_cooldown_s: 60
session:
  heartbeat_interval_s: 15
  max_retries: 2
journal:
  driver: sqlite
  path: /tmp/journal.db
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GatewayURL != "https://gateway.example" {
		t.Errorf("GatewayURL = %q", cfg.GatewayURL)
	}
	if cfg.AgentName != "tester" {
		t.Errorf("AgentName = %q", cfg.AgentName)
	}
	if cfg.LLM.ProviderName() != "openai" || cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
	if len(cfg.LLM.Fallbacks) != 1 || cfg.LLM.Fallbacks[0].ProviderName() != "ollama" {
		t.Errorf("LLM.Fallbacks = %+v", cfg.LLM.Fallbacks)
	}
	if got := cfg.Autonomy.ResponseCooldown(); got != 60*time.Second {
		t.Errorf("ResponseCooldown = %v", got)
	}
	if got := cfg.Session.HeartbeatInterval(); got != 15*time.Second {
		t.Errorf("HeartbeatInterval = %v", got)
	}
	if got := cfg.Session.RetryBudget(); got != 2 {
		t.Errorf("RetryBudget = %d", got)
	}
	if cfg.Journal.Path != "/tmp/journal.db" {
		t.Errorf("Journal.Path = %q", cfg.Journal.Path)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"gateway_url": "https://gateway.example",
		"api_key": "secret",
		"ops_api": {"listen_addr": ":9999", "enable_approvals": true}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OpsAPI.Addr() != ":9999" {
		t.Errorf("OpsAPI.Addr = %q", cfg.OpsAPI.Addr())
	}
	if !cfg.OpsAPI.EnableApprovals {
		t.Error("EnableApprovals not parsed")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NOOKPLOT_GATEWAY_URL", "https://env.example")
	t.Setenv("NOOKPLOT_API_KEY", "env-key")
	t.Setenv("NOOKPLOT_LLM_API_KEY", "env-llm-key")
	t.Setenv("NOOKPLOT_VERBOSE", "true")

	path := writeConfig(t, "config.yaml", `
gateway_url: https://file.example
api_key: file-key
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GatewayURL != "https://env.example" {
		t.Errorf("env did not override gateway_url: %q", cfg.GatewayURL)
	}
	if cfg.APIKey != "env-key" {
		t.Errorf("env did not override api_key: %q", cfg.APIKey)
	}
	if cfg.LLM == nil || cfg.LLM.APIKey != "env-llm-key" {
		t.Errorf("LLM key override created %+v", cfg.LLM)
	}
	if !cfg.Verbose {
		t.Error("NOOKPLOT_VERBOSE not applied")
	}
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing gateway", `{"api_key":"k"}`, "gateway_url is required"},
		{"missing api key", `{"gateway_url":"https://g"}`, "api_key is required"},
		{"bad log format", `{"gateway_url":"https://g","api_key":"k","log_format":"xml"}`, "log_format"},
		{"bad llm provider", `{"gateway_url":"https://g","api_key":"k","llm":{"provider":"bard"}}`, "llm.provider"},
		{"bad llm fallback", `{"gateway_url":"https://g","api_key":"k","llm":{"provider":"anthropic","fallbacks":[{"provider":"bard"}]}}`, "llm.fallbacks[0].provider"},
		{"empty llm fallback", `{"gateway_url":"https://g","api_key":"k","llm":{"provider":"anthropic","fallbacks":[null]}}`, "llm.fallbacks[0] is empty"},
		{"bad journal driver", `{"gateway_url":"https://g","api_key":"k","journal":{"driver":"mysql"}}`, "journal.driver"},
		{"postgres without dsn", `{"gateway_url":"https://g","api_key":"k","journal":{"driver":"postgres"}}`, "journal.dsn"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, "config.json", tc.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestNilSubConfigDefaults(t *testing.T) {
	var (
		llm      *LLMConfig
		autonomy *AutonomyConfig
		session  *SessionConfig
		journal  *JournalConfig
		cadence  *CadenceConfig
		ops      *OpsAPIConfig
		mcp      *MCPConfig
	)
	if got := llm.ProviderName(); got != "anthropic" {
		t.Errorf("ProviderName = %q", got)
	}
	if got := autonomy.ResponseCooldown(); got != 120*time.Second {
		t.Errorf("ResponseCooldown = %v", got)
	}
	if got := autonomy.DedupRetention(); got != time.Hour {
		t.Errorf("DedupRetention = %v", got)
	}
	if got := session.HeartbeatInterval(); got != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v", got)
	}
	if got := session.RetryBudget(); got != 4 {
		t.Errorf("RetryBudget = %d", got)
	}
	if got := journal.JournalDriver(); got != "sqlite" {
		t.Errorf("JournalDriver = %q", got)
	}
	if got := cadence.PostCron(); got != "0 9 * * *" {
		t.Errorf("PostCron = %q", got)
	}
	if got := ops.Addr(); got != ":8090" {
		t.Errorf("ops Addr = %q", got)
	}
	if got := ops.ApprovalTimeout(); got != 5*time.Minute {
		t.Errorf("ApprovalTimeout = %v", got)
	}
	if got := mcp.Addr(); got != ":8091" {
		t.Errorf("mcp Addr = %q", got)
	}
}
