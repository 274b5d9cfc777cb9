// Package config handles xbot configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/xbot/config.yaml, /etc/xbot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "xbot", "config.yaml"))
	}

	paths = append(paths, "/etc/xbot/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all xbot configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	Evolution    EvolutionConfig    `yaml:"evolution"`
	Redis        RedisConfig        `yaml:"redis"`
	OpenAI       OpenAIConfig       `yaml:"openai"`
	Handoff      HandoffConfig      `yaml:"handoff"`
	Reactivation ReactivationConfig `yaml:"reactivation"`

	// Workers is the size of the webhook worker pool.
	Workers int `yaml:"workers"`

	// DataDir holds local state (the handoff audit database).
	DataDir string `yaml:"data_dir"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "text" or "json"
}

// ListenConfig defines the webhook server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// EvolutionConfig defines the Evolution API connection.
type EvolutionConfig struct {
	// APIURL is the base URL of the Evolution API deployment.
	APIURL string `yaml:"api_url"`
	// APIKey is the AUTHENTICATION_API_KEY value.
	APIKey string `yaml:"api_key"`
	// Instance is the Evolution instance name.
	Instance string `yaml:"instance"`
	// PublicWebhookURL is the externally reachable URL of POST /webhook.
	PublicWebhookURL string `yaml:"public_webhook_url"`
	// WebhookByEvents registers one webhook route per event type.
	WebhookByEvents bool `yaml:"webhook_by_events"`
	// Socket enables the websocket event source as an alternative to
	// webhook delivery.
	Socket bool `yaml:"socket"`
}

// RedisConfig defines the shared conversation state store.
type RedisConfig struct {
	Addr     string `yaml:"addr"` // host:port
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// OpenAIConfig defines the LLM used by the conversation logic.
type OpenAIConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// HandoffConfig tunes echo detection and the escalation blocklist.
type HandoffConfig struct {
	// EchoWindowSec is how long a recorded outbound send remains valid
	// evidence that a self-authored inbound event is a delivery echo.
	EchoWindowSec int `yaml:"echo_window_sec"`
	// WideWindowSec is the secondary window for the weakest echo signal
	// (store reports BOT and a send occurred recently).
	WideWindowSec int `yaml:"wide_window_sec"`
	// BlockHours is how long a chat stays blocked after the bot itself
	// announces escalation to a human agent.
	BlockHours int `yaml:"block_hours"`
	// SignaturePhrase marks self-authored messages as genuine agent
	// interventions regardless of echo classification.
	SignaturePhrase string `yaml:"signature_phrase"`
}

// EchoWindow returns the short echo-matching window.
func (c HandoffConfig) EchoWindow() time.Duration {
	return time.Duration(c.EchoWindowSec) * time.Second
}

// WideWindow returns the secondary echo-matching window.
func (c HandoffConfig) WideWindow() time.Duration {
	return time.Duration(c.WideWindowSec) * time.Second
}

// BlockDuration returns the escalation blocklist lease duration.
func (c HandoffConfig) BlockDuration() time.Duration {
	return time.Duration(c.BlockHours) * time.Hour
}

// ReactivationConfig tunes the inactivity sweeper.
type ReactivationConfig struct {
	// IntervalMin is how often the sweep runs, in minutes.
	IntervalMin int `yaml:"interval_min"`
	// InactivityHours is how long a HUMAN conversation must be idle
	// before it returns to the bot.
	InactivityHours int `yaml:"inactivity_hours"`
	// StatsIntervalMin is how often conversation stats are logged.
	StatsIntervalMin int `yaml:"stats_interval_min"`
}

// Interval returns the sweep cadence.
func (c ReactivationConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMin) * time.Minute
}

// InactivityTimeout returns the HUMAN-mode inactivity threshold.
func (c ReactivationConfig) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityHours) * time.Hour
}

// StatsInterval returns the stats logging cadence.
func (c ReactivationConfig) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalMin) * time.Minute
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration. Values mirror the deployment
// defaults the bot has always shipped with.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8000},
		Evolution: EvolutionConfig{
			APIURL:           "http://localhost:8080",
			Instance:         "default",
			PublicWebhookURL: "http://localhost:8000/webhook",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Username: "default",
		},
		OpenAI: OpenAIConfig{
			Model:       "gpt-4o-mini",
			MaxTokens:   400,
			Temperature: 0.2,
		},
		Handoff: HandoffConfig{
			EchoWindowSec: 15,
			WideWindowSec: 45,
			BlockHours:    3,
			// The phrase agents open with when they take over a chat.
			// Must never appear in the bot's own replies: it is matched
			// as a substring and overrides echo detection, so a common
			// word here would escalate the bot's own delivery echoes.
			SignaturePhrase: "soy parte del equipo de xtalento",
		},
		Reactivation: ReactivationConfig{
			IntervalMin:      10,
			InactivityHours:  1,
			StatsIntervalMin: 30,
		},
		Workers: 16,
		DataDir: ".",
	}
}
