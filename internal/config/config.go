// Package config handles Xingli configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/xingli/config.yaml, /etc/xingli/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "xingli", "config.yaml"))
	}

	paths = append(paths, "/etc/xingli/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
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

// Config holds all Xingli configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	DeepSeek      DeepSeekConfig      `yaml:"deepseek"`
	Discovery     DiscoveryConfig     `yaml:"discovery"`
	Context       ContextConfig       `yaml:"context"`
	Parser        ParserConfig        `yaml:"parser"`
	Speech        SpeechConfig        `yaml:"speech"`
	Presence      PresenceConfig      `yaml:"presence"`
	Affect        AffectConfig        `yaml:"affect"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Usage         UsageConfig         `yaml:"usage"`

	// Pricing maps model names to per-million-token prices in USD.
	// Models absent from the table are recorded at zero cost.
	Pricing map[string]PricingEntry `yaml:"pricing"`

	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text (default) or json
	Timezone  string `yaml:"timezone"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Configured reports whether both URL and token are present.
func (c HomeAssistantConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// DeepSeekConfig defines the remote inference endpoint and the limits
// the retrying client enforces around it.
type DeepSeekConfig struct {
	APIKey      string   `yaml:"api_key"`
	BaseURL     string   `yaml:"base_url"`
	Model       string   `yaml:"model"`
	VisionModel string   `yaml:"vision_model"`
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature *float64 `yaml:"temperature"`

	// Timeout bounds each individual attempt, not the whole call.
	Timeout time.Duration `yaml:"timeout"`

	// MaxConcurrent caps simultaneous in-flight calls. Small boards
	// running HA OS do best with 1.
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxRetries is nil when the key is absent; an explicit 0 disables
	// retries.
	MaxRetries  *int          `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
}

// DiscoveryConfig controls the device registry rebuild loop.
type DiscoveryConfig struct {
	Interval time.Duration `yaml:"interval"`

	// AudioManufacturers are lowercase manufacturer tokens whose
	// "speaker" models are classified as ears.
	AudioManufacturers []string `yaml:"audio_manufacturers"`
}

// ContextConfig controls the environment context history.
type ContextConfig struct {
	HistorySize int `yaml:"history_size"`
}

// ParserConfig tunes the local keyword parser.
type ParserConfig struct {
	DefaultRoom string       `yaml:"default_room"`
	Rooms       []RoomConfig `yaml:"rooms"`
}

// RoomConfig maps a room keyword to the light entity it controls.
// Order matters: the first keyword found in a command wins.
type RoomConfig struct {
	Keyword string `yaml:"keyword"`
	Light   string `yaml:"light"`
}

// SpeechConfig names the HA service used for spoken output.
type SpeechConfig struct {
	Domain       string `yaml:"domain"`
	Service      string `yaml:"service"`
	MessageField string `yaml:"message_field"`
}

// PresenceConfig controls the presence monitor.
type PresenceConfig struct {
	// Track lists entity globs (path.Match syntax) whose transitions
	// count as presence, e.g. "person.*", "device_tracker.phone_*".
	Track         []string      `yaml:"track"`
	CheckInterval time.Duration `yaml:"check_interval"`
	AwayAfter     time.Duration `yaml:"away_after"`
	MissingAfter  time.Duration `yaml:"missing_after"`

	// NotifyService is the HA notify service (e.g. "mobile_app_mum")
	// used to alert an emergency contact. Empty disables the alert.
	NotifyService   string `yaml:"notify_service"`
	DefaultLocation string `yaml:"default_location"`

	// RateLimitPerMinute caps state_changed events per entity.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// AffectConfig controls the affect engine.
type AffectConfig struct {
	MemorySize int `yaml:"memory_size"`
}

// MQTTConfig defines the optional MQTT status publisher.
type MQTTConfig struct {
	Broker          string        `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	DiscoveryPrefix string        `yaml:"discovery_prefix"`
	DeviceName      string        `yaml:"device_name"`
	PublishInterval time.Duration `yaml:"publish_interval"`

	// AcceptCommands subscribes to <base>/command and answers free-text
	// commands on <base>/response.
	AcceptCommands bool `yaml:"accept_commands"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// UsageConfig controls the remote-call usage ledger.
type UsageConfig struct {
	Enabled bool `yaml:"enabled"`
}

// PricingEntry holds per-million-token prices for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads configuration from a YAML file, expands environment
// variables, and fills in defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with every default applied and no
// credentials.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}

	ds := &c.DeepSeek
	if ds.BaseURL == "" {
		ds.BaseURL = "https://api.deepseek.com/v1"
	}
	ds.BaseURL = strings.TrimRight(ds.BaseURL, "/")
	if ds.Model == "" {
		ds.Model = "deepseek-chat"
	}
	if ds.VisionModel == "" {
		ds.VisionModel = "deepseek-vision"
	}
	if ds.MaxTokens == 0 {
		ds.MaxTokens = 512
	}
	if ds.Timeout == 0 {
		ds.Timeout = 30 * time.Second
	}
	if ds.MaxConcurrent == 0 {
		ds.MaxConcurrent = 1
	}
	if ds.MaxRetries == nil {
		retries := 2
		ds.MaxRetries = &retries
	}
	if ds.BackoffBase == 0 {
		ds.BackoffBase = 500 * time.Millisecond
	}

	if c.Discovery.Interval == 0 {
		c.Discovery.Interval = 5 * time.Minute
	}
	if len(c.Discovery.AudioManufacturers) == 0 {
		c.Discovery.AudioManufacturers = []string{"xiaomi", "mijia"}
	}

	if c.Context.HistorySize == 0 {
		c.Context.HistorySize = 5
	}

	if c.Parser.DefaultRoom == "" {
		c.Parser.DefaultRoom = "客厅"
	}
	if len(c.Parser.Rooms) == 0 {
		c.Parser.Rooms = []RoomConfig{
			{Keyword: "客厅", Light: "light.living_room"},
			{Keyword: "卧室", Light: "light.bedroom"},
		}
	}

	if c.Speech.Domain == "" {
		c.Speech.Domain = "tts"
	}
	if c.Speech.Service == "" {
		c.Speech.Service = "xiaomi_miot_say"
	}
	if c.Speech.MessageField == "" {
		c.Speech.MessageField = "message"
	}

	p := &c.Presence
	if len(p.Track) == 0 {
		p.Track = []string{"person.*", "device_tracker.*"}
	}
	if p.CheckInterval == 0 {
		p.CheckInterval = 5 * time.Minute
	}
	if p.AwayAfter == 0 {
		p.AwayAfter = time.Hour
	}
	if p.MissingAfter == 0 {
		p.MissingAfter = 4 * time.Hour
	}
	if p.DefaultLocation == "" {
		p.DefaultLocation = "客厅"
	}
	if p.RateLimitPerMinute == 0 {
		p.RateLimitPerMinute = 10
	}

	if c.Affect.MemorySize == 0 {
		c.Affect.MemorySize = 100
	}

	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "xingli"
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = time.Minute
	}

	if c.DataDir == "" {
		c.DataDir = "./db"
	}
}

// ValidationError reports one invalid configuration field. Validate
// joins every ValidationError it finds so operators see all problems
// in a single run.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// apiKeyRe accepts a bare 32-character key or the "sk-" prefixed form
// DeepSeek issues today.
var apiKeyRe = regexp.MustCompile(`^(sk-)?[A-Za-z0-9]{32}$`)

// ValidAPIKey reports whether key has the expected DeepSeek key shape.
func ValidAPIKey(key string) bool {
	return apiKeyRe.MatchString(key)
}

// Validate checks the configuration for values that would make the hub
// misbehave at runtime. It never touches the network.
func (c *Config) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch {
	case c.DeepSeek.APIKey == "":
		bad("deepseek.api_key", "is required")
	case !ValidAPIKey(c.DeepSeek.APIKey):
		bad("deepseek.api_key", "must be 32 alphanumeric characters, optionally prefixed with sk-")
	}
	if !strings.HasPrefix(c.DeepSeek.BaseURL, "http://") && !strings.HasPrefix(c.DeepSeek.BaseURL, "https://") {
		bad("deepseek.base_url", "must be an http(s) URL, got %q", c.DeepSeek.BaseURL)
	}
	if c.DeepSeek.MaxTokens < 1 {
		bad("deepseek.max_tokens", "must be positive")
	}
	if c.DeepSeek.MaxConcurrent < 1 {
		bad("deepseek.max_concurrent", "must be at least 1")
	}
	if r := c.DeepSeek.MaxRetries; r != nil && *r < 0 {
		bad("deepseek.max_retries", "must not be negative")
	}
	if t := c.DeepSeek.Temperature; t != nil && (*t < 0 || *t > 2) {
		bad("deepseek.temperature", "must be between 0 and 2")
	}

	if (c.HomeAssistant.URL == "") != (c.HomeAssistant.Token == "") {
		bad("homeassistant", "url and token must be set together")
	}

	if c.Context.HistorySize < 1 || c.Context.HistorySize > 100 {
		bad("context.history_size", "must be between 1 and 100")
	}
	if c.Discovery.Interval < time.Second {
		bad("discovery.interval", "must be at least 1s")
	}
	if c.Presence.AwayAfter >= c.Presence.MissingAfter {
		bad("presence.away_after", "must be shorter than presence.missing_after")
	}

	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			bad("log_level", "%v", err)
		}
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		bad("log_format", "must be text or json, got %q", c.LogFormat)
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			bad("timezone", "%v", err)
		}
	}

	return errors.Join(errs...)
}

// Location returns the configured timezone, falling back to the system
// local zone when unset or invalid.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
