// Package config handles Gestella configuration loading.
//
// Configuration comes from a single YAML file (with ${VAR} expansion)
// followed by a fixed set of environment overrides. The environment
// names match the ones the bot has always recognized (BOT_NAME,
// TELEGRAM_TOKEN, OPENAI_API_KEY, ...), so a container can be run with
// no config file edits at all.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/gestella/config.yaml, /etc/gestella/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "gestella", "config.yaml"))
	}

	paths = append(paths, "/etc/gestella/config.yaml")
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

// Config holds all Gestella configuration.
type Config struct {
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text (default) or json

	Listen     ListenConfig     `yaml:"listen"`
	Persona    PersonaConfig    `yaml:"persona"`
	Models     ModelsConfig     `yaml:"models"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Agent      AgentConfig      `yaml:"agent"`
	Storage    StorageConfig    `yaml:"storage"`
	Memory     MemoryConfig     `yaml:"memory"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Google     GoogleConfig     `yaml:"google"`
	Gatekeeper GatekeeperConfig `yaml:"gatekeeper"`
	MQTT       MQTTConfig       `yaml:"mqtt"`

	// Pricing maps model names to per-million token prices in USD for
	// usage accounting. Models not listed are recorded at zero cost.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is the USD cost per million tokens for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// ListenConfig defines the ops API server settings. Port 0 disables it.
type ListenConfig struct {
	Address    string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port       int    `yaml:"port"`
	AdminToken string `yaml:"admin_token"`
}

// PersonaConfig is rendered into the system prompt on every turn.
type PersonaConfig struct {
	BotName     string `yaml:"bot_name"`
	Personality string `yaml:"personality"`
	UserName    string `yaml:"user_name"`
	Location    string `yaml:"location"`
	// Timezone is the IANA zone used for "Today is" and for new
	// calendar events.
	Timezone string `yaml:"timezone"`
}

// TimeLocation loads the configured timezone, falling back to UTC when the
// name is empty or unknown to the local tz database.
func (p PersonaConfig) TimeLocation() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ModelsConfig selects chat models. Models whose name starts with
// "claude" are routed to Anthropic; everything else goes to OpenAI.
type ModelsConfig struct {
	Default string `yaml:"default"`
	Analyst string `yaml:"analyst"` // used by analyze_meeting
}

// OpenAIConfig defines OpenAI API settings. BaseURL may point at any
// OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey             string `yaml:"api_key"`
	BaseURL            string `yaml:"base_url"`
	TranscriptionModel string `yaml:"transcription_model"`
}

// Configured reports whether an API key is present.
func (c OpenAIConfig) Configured() bool { return c.APIKey != "" }

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an API key is present.
func (c AnthropicConfig) Configured() bool { return c.APIKey != "" }

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
	// CacheMaxCost bounds the embedding cache, in bytes of vector data.
	// Zero disables the cache.
	CacheMaxCost int64 `yaml:"cache_max_cost"`
}

// AgentConfig tunes the tool loop.
type AgentConfig struct {
	MaxIterations   int           `yaml:"max_iterations"`
	VacuumThreshold int           `yaml:"vacuum_threshold"`
	VacuumScope     string        `yaml:"vacuum_scope"` // thread (default) or turn
	TurnTimeout     time.Duration `yaml:"turn_timeout"`
}

// StorageConfig selects the relational backend for users, auth
// sessions and (optionally) memories.
type StorageConfig struct {
	Driver      string `yaml:"driver"` // sqlite (default) or postgres
	PostgresDSN string `yaml:"postgres_dsn"`
}

// MemoryConfig selects the vector memory backend.
type MemoryConfig struct {
	Backend   string       `yaml:"backend"` // sqlite, postgres, qdrant
	Threshold float64      `yaml:"threshold"`
	Limit     int          `yaml:"limit"`
	Qdrant    QdrantConfig `yaml:"qdrant"`
}

// QdrantConfig defines the Qdrant gRPC connection.
type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"api_key"`
	UseTLS     bool   `yaml:"use_tls"`
	Collection string `yaml:"collection"`
}

// CheckpointConfig selects where conversation threads live.
type CheckpointConfig struct {
	Backend string `yaml:"backend"` // memory (default) or sqlite
	// Retention drops sqlite threads idle for longer than this at
	// startup. Zero keeps everything.
	Retention time.Duration `yaml:"retention"`
}

// TelegramConfig defines the chat transport.
type TelegramConfig struct {
	Token       string `yaml:"token"`
	PollTimeout int    `yaml:"poll_timeout"` // seconds
	RateLimit   int    `yaml:"rate_limit"`   // messages per chat per minute; 0 = unlimited
	SendQRCode  bool   `yaml:"send_qr_code"`
	// ReportThreshold sends replies longer than this many characters as
	// a markdown document. 0 selects 2000; negative disables the rule.
	ReportThreshold int `yaml:"report_threshold"`
	// TempDir holds report and voice files while they are in flight.
	// Empty uses the OS temp dir.
	TempDir string `yaml:"temp_dir"`
}

// Configured reports whether a bot token is present.
func (c TelegramConfig) Configured() bool { return c.Token != "" }

// GoogleConfig holds the OAuth client-secret bundle for Calendar access.
// Either CredentialsJSON (inline) or CredentialsFile may be set.
type GoogleConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	CredentialsJSON string `yaml:"credentials_json"`
	RedirectURL     string `yaml:"redirect_url"`
}

// Configured reports whether any client-secret source is set.
func (c GoogleConfig) Configured() bool {
	return c.CredentialsJSON != "" || c.CredentialsFile != ""
}

// ClientSecret returns the raw client-secret JSON.
func (c GoogleConfig) ClientSecret() ([]byte, error) {
	if c.CredentialsJSON != "" {
		return []byte(c.CredentialsJSON), nil
	}
	if c.CredentialsFile == "" {
		return nil, errors.New("google credentials not configured")
	}
	return os.ReadFile(c.CredentialsFile)
}

// GatekeeperConfig tunes subscription and login handling.
type GatekeeperConfig struct {
	// AllowAll treats every user as subscribed. Intended for local
	// development without a billing system.
	AllowAll      bool          `yaml:"allow_all"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
	MinCodeLength int           `yaml:"min_code_length"`
	// TokenKey is a 32-byte key (hex or base64) used to seal stored
	// OAuth tokens. Empty stores tokens as plain JSON.
	TokenKey string `yaml:"token_key"`
}

// MQTTConfig defines the Home Assistant MQTT status publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether a broker URL is present.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// envOverrides lists the environment variables recognized on top of the
// YAML file. Unset variables leave the YAML value alone.
type envOverrides struct {
	BotName        string `envconfig:"BOT_NAME"`
	BotPersonality string `envconfig:"BOT_PERSONALITY"`
	UserName       string `envconfig:"USER_NAME"`
	UserLocation   string `envconfig:"USER_LOCATION"`
	TelegramToken  string `envconfig:"TELEGRAM_TOKEN"`
	OpenAIKey      string `envconfig:"OPENAI_API_KEY"`
	AnthropicKey   string `envconfig:"ANTHROPIC_API_KEY"`
	DatabaseURL    string `envconfig:"DATABASE_URL"`
	QdrantKey      string `envconfig:"QDRANT_API_KEY"`
	GoogleCreds    string `envconfig:"GOOGLE_CREDENTIALS_JSON"`
	TokenKey       string `envconfig:"GESTELLA_TOKEN_KEY"`
	AdminToken     string `envconfig:"GESTELLA_ADMIN_TOKEN"`
}

// ApplyEnv overlays recognized environment variables onto c.
func (c *Config) ApplyEnv() error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("process environment: %w", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Persona.BotName, env.BotName)
	set(&c.Persona.Personality, env.BotPersonality)
	set(&c.Persona.UserName, env.UserName)
	set(&c.Persona.Location, env.UserLocation)
	set(&c.Telegram.Token, env.TelegramToken)
	set(&c.OpenAI.APIKey, env.OpenAIKey)
	set(&c.Anthropic.APIKey, env.AnthropicKey)
	set(&c.Storage.PostgresDSN, env.DatabaseURL)
	set(&c.Memory.Qdrant.APIKey, env.QdrantKey)
	set(&c.Google.CredentialsJSON, env.GoogleCreds)
	set(&c.Gatekeeper.TokenKey, env.TokenKey)
	set(&c.Listen.AdminToken, env.AdminToken)
	return nil
}

// Validate checks option values that would otherwise fail late.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.driver is postgres but no postgres_dsn (or DATABASE_URL) is set")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q (valid: sqlite, postgres)", c.Storage.Driver)
	}
	switch c.Memory.Backend {
	case "sqlite", "qdrant":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("memory.backend is postgres but no postgres_dsn (or DATABASE_URL) is set")
		}
	default:
		return fmt.Errorf("unknown memory.backend %q (valid: sqlite, postgres, qdrant)", c.Memory.Backend)
	}
	switch c.Checkpoint.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown checkpoint.backend %q (valid: memory, sqlite)", c.Checkpoint.Backend)
	}
	switch c.Agent.VacuumScope {
	case "turn", "thread":
	default:
		return fmt.Errorf("unknown agent.vacuum_scope %q (valid: turn, thread)", c.Agent.VacuumScope)
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1, got %d", c.Agent.MaxIterations)
	}
	if c.Persona.Timezone != "" {
		if _, err := time.LoadLocation(c.Persona.Timezone); err != nil {
			return fmt.Errorf("persona.timezone: %w", err)
		}
	}
	if c.MQTT.Configured() && strings.TrimSpace(c.MQTT.DeviceName) == "" {
		return errors.New("mqtt.device_name is required when mqtt.broker is set")
	}
	return nil
}

// Load reads configuration from a YAML file, applies environment
// overrides, and validates the result. Keys absent from the file keep
// their [Default] values.
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
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		DataDir:   "./data",
		LogFormat: "text",
		Listen:    ListenConfig{Port: 8080},
		Persona: PersonaConfig{
			BotName:     "Gestella",
			Personality: "an elite executive assistant.",
			UserName:    "Sir",
			Location:    "Singapore (GMT+8)",
			Timezone:    "Asia/Singapore",
		},
		Models: ModelsConfig{
			Default: "gpt-4o",
			Analyst: "gpt-4o",
		},
		OpenAI: OpenAIConfig{
			BaseURL:            "https://api.openai.com/v1",
			TranscriptionModel: "whisper-1",
		},
		Embeddings: EmbeddingsConfig{
			Model:        "text-embedding-3-small",
			Dimension:    1536,
			CacheMaxCost: 64 << 20,
		},
		Agent: AgentConfig{
			MaxIterations:   10,
			VacuumThreshold: 500,
			VacuumScope:     "thread",
			TurnTimeout:     5 * time.Minute,
		},
		Storage: StorageConfig{Driver: "sqlite"},
		Memory: MemoryConfig{
			Backend:   "sqlite",
			Threshold: 0.5,
			Limit:     5,
			Qdrant: QdrantConfig{
				Host:       "localhost",
				Port:       6334,
				Collection: "memories",
			},
		},
		Checkpoint: CheckpointConfig{Backend: "memory", Retention: 30 * 24 * time.Hour},
		Telegram: TelegramConfig{
			PollTimeout: 60,
		},
		Google: GoogleConfig{
			RedirectURL: "urn:ietf:wg:oauth:2.0:oob",
		},
		Gatekeeper: GatekeeperConfig{
			SessionTTL:    30 * time.Minute,
			MinCodeLength: 10,
		},
		MQTT: MQTTConfig{
			DeviceName:         "gestella",
			DiscoveryPrefix:    "homeassistant",
			PublishIntervalSec: 60,
		},
		Pricing: map[string]PricingEntry{
			"gpt-4o":                     {InputPerMillion: 2.5, OutputPerMillion: 10},
			"claude-3-5-sonnet-20240620": {InputPerMillion: 3, OutputPerMillion: 15},
		},
	}
}
