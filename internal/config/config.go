package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for the thrall guard.
type Config struct {
	Enabled       bool
	TriageEnabled bool
	Debug         bool

	NodeID  string
	DataDir string

	// Triage
	Backend    string // local, ollama, openai, anthropic
	Fallback   string // tier, wake, drop
	Prompt     string // optional override for the built-in triage prompt
	TrustTiers map[string][]string

	// Intake
	IgnoreKinds []string

	// Protection thresholds
	LoopThreshold            int
	LoopThresholdSessionless int
	KnockThreshold           int
	MaxRepliesPerHour        int
	ClassificationTTLDays    int

	// Backend: local (subprocess around a llama.cpp-style CLI)
	LocalBinary    string
	LocalModelPath string
	LocalThreads   int

	// Backend: ollama
	OllamaURL            string
	OllamaModel          string
	OllamaTimeoutSeconds int

	// Backend: openai-compatible (including Gemini compat URLs)
	OpenAIURL            string
	OpenAIModel          string
	OpenAIKey            string
	OpenAITimeoutSeconds int

	// Backend: anthropic
	AnthropicModel string
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/thrall), then validates
// the cross-field constraints.
func Load() (Config, error) {
	cfg := Config{
		Enabled:       viper.GetBool("enabled"),
		TriageEnabled: viper.GetBool("triage_enabled"),
		Debug:         viper.GetBool("debug"),

		NodeID:  viper.GetString("node_id"),
		DataDir: viper.GetString("data_dir"),

		Backend:     viper.GetString("backend"),
		Fallback:    viper.GetString("fallback"),
		Prompt:      viper.GetString("prompt"),
		IgnoreKinds: splitList(viper.GetString("ignore_kinds")),

		LoopThreshold:            viper.GetInt("loop_threshold"),
		LoopThresholdSessionless: viper.GetInt("loop_threshold_sessionless"),
		KnockThreshold:           viper.GetInt("knock_threshold"),
		MaxRepliesPerHour:        viper.GetInt("max_replies_per_hour"),
		ClassificationTTLDays:    viper.GetInt("classification_ttl_days"),

		LocalBinary:    viper.GetString("local_binary"),
		LocalModelPath: viper.GetString("local_model_path"),
		LocalThreads:   viper.GetInt("local_threads"),

		OllamaURL:            viper.GetString("ollama_url"),
		OllamaModel:          viper.GetString("ollama_model"),
		OllamaTimeoutSeconds: viper.GetInt("ollama_timeout"),

		OpenAIURL:            viper.GetString("openai_url"),
		OpenAIModel:          viper.GetString("openai_model"),
		OpenAIKey:            viper.GetString("openai_api_key"),
		OpenAITimeoutSeconds: viper.GetInt("openai_timeout"),

		AnthropicModel: viper.GetString("anthropic_model"),
	}

	tiers, err := ParseTrustTiers(viper.GetString("trust_tiers"))
	if err != nil {
		return Config{}, err
	}
	cfg.TrustTiers = tiers

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// splitList parses a comma-separated flag value into a slice, dropping
// empty entries.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseTrustTiers decodes the operator-supplied trust tier map, a JSON
// object of tier name to node ID prefixes, e.g.
// {"team":["bbbbbbbb"],"known":["cccc"]}. An empty string yields an
// empty map.
func ParseTrustTiers(raw string) (map[string][]string, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string][]string{}, nil
	}
	var tiers map[string][]string
	if err := json.Unmarshal([]byte(raw), &tiers); err != nil {
		return nil, fmt.Errorf("parse trust_tiers: %w", err)
	}
	return tiers, nil
}

// Validate checks cross-field constraints that viper cannot express.
func (c Config) Validate() error {
	switch c.Backend {
	case "local", "ollama", "openai", "anthropic":
	default:
		return fmt.Errorf("unknown backend %q (want local, ollama, openai, or anthropic)", c.Backend)
	}

	switch c.Fallback {
	case "tier", "wake", "drop":
	default:
		return fmt.Errorf("unknown fallback mode %q (want tier, wake, or drop)", c.Fallback)
	}

	if c.Prompt != "" && !strings.Contains(c.Prompt, "{tier}") {
		return fmt.Errorf("prompt override must contain the {tier} placeholder")
	}

	if c.ClassificationTTLDays < 1 {
		return fmt.Errorf("classification_ttl_days must be at least 1, got %d", c.ClassificationTTLDays)
	}

	return nil
}
