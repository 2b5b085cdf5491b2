package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"threadrelay/internal/domain"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Slack    SlackConfig    `yaml:"slack"`
	Relay    RelayConfig    `yaml:"relay"`
	History  HistoryConfig  `yaml:"history"`
	Retry    RetryConfig    `yaml:"retry"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	LLM      LLMConfig      `yaml:"llm"`
	Vision   VisionConfig   `yaml:"vision"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
}

// ServerConfig holds the webhook HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	Path            string        `yaml:"path"`
	AckBody         string        `yaml:"ack_body"`
	RequestsPerMin  int           `yaml:"requests_per_min"`
	Burst           int           `yaml:"burst"`
	TrustedProxies  []string      `yaml:"trusted_proxies,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SlackConfig holds platform credentials.
type SlackConfig struct {
	BotToken      string `yaml:"bot_token"`
	SigningSecret string `yaml:"signing_secret"`
	AppToken      string `yaml:"app_token,omitempty"`
	Mode          string `yaml:"mode"` // "events" or "socket"
	APIURL        string `yaml:"api_url,omitempty"`

	// AppTokens maps api_app_id to the bot token of that app, so a reply is
	// posted under the identity that received the event.
	AppTokens map[string]string `yaml:"app_tokens,omitempty"`

	// FileHosts lists the hosts (and their subdomains) the bot token may be
	// sent to when downloading attachments. Empty disables the check.
	FileHosts []string `yaml:"file_hosts,omitempty"`
}

// RelayConfig controls how streamed fragments become platform edits.
type RelayConfig struct {
	EditEvery       int               `yaml:"edit_every"`
	EditsPerSecond  float64           `yaml:"edits_per_second"`
	MaxMessageChars int               `yaml:"max_message_chars"`
	Messages        map[string]string `yaml:"messages,omitempty"`
}

// HistoryConfig controls the conversation context store.
type HistoryConfig struct {
	Source        string        `yaml:"source"` // "cache" or "thread"
	Window        int           `yaml:"window"`
	TTL           time.Duration `yaml:"ttl"`
	RollbackTurns int           `yaml:"rollback_turns"`
	Backend       string        `yaml:"backend"` // "redis", "sqlite", "memory"
	Redis         RedisConfig   `yaml:"redis"`
	SQLite        SQLiteConfig  `yaml:"sqlite"`
	Memory        MemoryConfig  `yaml:"memory"`
	// EncryptionKey, when set, seals stored turns with a key derived from it.
	EncryptionKey string        `yaml:"encryption_key,omitempty"`
}

// RedisConfig holds the redis connection settings.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SQLiteConfig holds the sqlite store settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// MemoryConfig holds the in-process store settings.
type MemoryConfig struct {
	Sweep string `yaml:"sweep"` // cron spec for the expiry janitor
}

// RetryConfig controls rate-limit retries around one provider call.
type RetryConfig struct {
	MinWait     time.Duration `yaml:"min_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
	MaxAttempts int           `yaml:"max_attempts"`
	Multiplier  float64       `yaml:"multiplier"`
}

// DispatchConfig controls provider selection.
type DispatchConfig struct {
	Strategy        string            `yaml:"strategy"` // "static", "request", "random"
	DefaultProvider string            `yaml:"default_provider"`
	AppRoutes       map[string]string `yaml:"app_routes,omitempty"`
	ImagePrefix     string            `yaml:"image_prefix"`
	ImageProvider   string            `yaml:"image_provider,omitempty"`
	SystemPrompt    string            `yaml:"system_prompt,omitempty"`
}

// LLMConfig holds LLM provider settings.
type LLMConfig struct {
	Providers          []ProviderConfig     `yaml:"providers"`
	CircuitBreaker     CircuitBreakerConfig `yaml:"circuit_breaker"`
	MaxAttachmentBytes int64                `yaml:"max_attachment_bytes"`
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Name        string                  `yaml:"name"`
	Type        string                  `yaml:"type"` // "openai", "gemini", "anthropic", "bedrock"
	BaseURL     string                  `yaml:"base_url"`
	APIKey      string                  `yaml:"api_key"`
	Model       string                  `yaml:"model"`
	ImageModel  string                  `yaml:"image_model,omitempty"`
	Region      string                  `yaml:"region,omitempty"`
	ConnTimeout time.Duration           `yaml:"conn_timeout"`
	RespTimeout time.Duration           `yaml:"resp_timeout"`
	Pool        PoolConfig              `yaml:"pool"`
	Params      domain.GenerationParams `yaml:"params"`
}

// VisionConfig holds the image annotation service settings.
type VisionConfig struct {
	Enabled   bool          `yaml:"enabled"`
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url,omitempty"`
	Timeout   time.Duration `yaml:"timeout"`
	Delimiter string        `yaml:"delimiter"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			Path:            "/slack/events",
			AckBody:         "ok",
			RequestsPerMin:  600,
			Burst:           100,
			ShutdownTimeout: 10 * time.Second,
		},
		Slack: SlackConfig{
			Mode:      "events",
			FileHosts: []string{"files.slack.com"},
		},
		Relay: RelayConfig{
			EditEvery:       10,
			EditsPerSecond:  0,
			MaxMessageChars: 3900,
		},
		History: HistoryConfig{
			Source:        "cache",
			Window:        5,
			TTL:           6 * time.Hour,
			RollbackTurns: 2,
			Backend:       "memory",
			Redis:         RedisConfig{URL: "redis://localhost:6379/0"},
			SQLite:        SQLiteConfig{Path: "threadrelay.db"},
			Memory:        MemoryConfig{Sweep: "@every 1m"},
		},
		Retry: RetryConfig{
			MinWait:     2 * time.Second,
			MaxWait:     5 * time.Second,
			MaxAttempts: 5,
			Multiplier:  1,
		},
		Dispatch: DispatchConfig{
			Strategy:        "static",
			DefaultProvider: "gpt",
			ImagePrefix:     "!",
		},
		LLM: LLMConfig{
			Providers: []ProviderConfig{
				{
					Name:  "gpt",
					Type:  "openai",
					Model: "gpt-4o",
				},
			},
			MaxAttachmentBytes: 3_000_000,
		},
		Vision: VisionConfig{
			Timeout:   10 * time.Second,
			Delimiter: "\n",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse config: %v", domain.ErrConfigLoad, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("THREADRELAY_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Provider returns the provider config with the given name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.LLM.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// ApplyEnvOverrides maps THREADRELAY_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("THREADRELAY_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	} else if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Addr = ":" + v
	}
	if v := os.Getenv("THREADRELAY_SLACK_BOT_TOKEN"); v != "" {
		cfg.Slack.BotToken = v
	}
	if v := os.Getenv("THREADRELAY_HISTORY_ENCRYPTION_KEY"); v != "" {
		cfg.History.EncryptionKey = v
	}
	if v := os.Getenv("THREADRELAY_SLACK_SIGNING_SECRET"); v != "" {
		cfg.Slack.SigningSecret = v
	}
	if v := os.Getenv("THREADRELAY_SLACK_APP_TOKEN"); v != "" {
		cfg.Slack.AppToken = v
	}
	if v := os.Getenv("THREADRELAY_SLACK_MODE"); v != "" {
		cfg.Slack.Mode = v
	}
	if v := os.Getenv("THREADRELAY_HISTORY_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.History.Window = n
		}
	}
	if v := os.Getenv("THREADRELAY_HISTORY_SOURCE"); v != "" {
		cfg.History.Source = v
	}
	if v := os.Getenv("THREADRELAY_HISTORY_BACKEND"); v != "" {
		cfg.History.Backend = v
	}
	if v := os.Getenv("THREADRELAY_REDIS_URL"); v != "" {
		cfg.History.Redis.URL = v
	} else if host := os.Getenv("REDIS_HOST"); host != "" {
		port := os.Getenv("REDIS_PORT")
		if port == "" {
			port = "6379"
		}
		cfg.History.Redis.URL = "redis://" + net.JoinHostPort(host, port) + "/0"
	}
	if v := os.Getenv("THREADRELAY_DISPATCH_DEFAULT_PROVIDER"); v != "" {
		cfg.Dispatch.DefaultProvider = v
	}
	if v := os.Getenv("THREADRELAY_DISPATCH_STRATEGY"); v != "" {
		cfg.Dispatch.Strategy = v
	}
	if v := os.Getenv("THREADRELAY_SYSTEM_PROMPT"); v != "" {
		cfg.Dispatch.SystemPrompt = v
	}
	if v := os.Getenv("THREADRELAY_VISION_API_KEY"); v != "" {
		cfg.Vision.APIKey = v
		cfg.Vision.Enabled = true
	}
	if v := os.Getenv("THREADRELAY_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("THREADRELAY_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("THREADRELAY_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	// Per-provider overrides: THREADRELAY_PROVIDER_<NAME>_API_KEY, _MODEL.
	for i := range cfg.LLM.Providers {
		prefix := "THREADRELAY_PROVIDER_" + envName(cfg.LLM.Providers[i].Name)
		if v := os.Getenv(prefix + "_API_KEY"); v != "" {
			cfg.LLM.Providers[i].APIKey = v
		}
		if v := os.Getenv(prefix + "_MODEL"); v != "" {
			cfg.LLM.Providers[i].Model = v
		}
	}
}

// envName upper-cases a provider name and replaces characters that are not
// valid in environment variable names.
func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}

// decryptSecrets finds "enc:..." values in credentials and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	fields := map[string]*string{
		"slack.bot_token":        &cfg.Slack.BotToken,
		"slack.signing_secret":   &cfg.Slack.SigningSecret,
		"slack.app_token":        &cfg.Slack.AppToken,
		"vision.api_key":         &cfg.Vision.APIKey,
		"history.encryption_key": &cfg.History.EncryptionKey,
	}
	for i := range cfg.LLM.Providers {
		fields["provider "+cfg.LLM.Providers[i].Name+" api_key"] = &cfg.LLM.Providers[i].APIKey
	}
	for name, fp := range fields {
		if err := decryptField(fp, passphrase); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	for app, tok := range cfg.Slack.AppTokens {
		if err := decryptField(&tok, passphrase); err != nil {
			return fmt.Errorf("slack.app_tokens[%s]: %w", app, err)
		}
		cfg.Slack.AppTokens[app] = tok
	}
	return nil
}

func decryptField(fp *string, passphrase string) error {
	if !strings.HasPrefix(*fp, "enc:") {
		return nil
	}
	decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
	if err != nil {
		return err
	}
	*fp = decrypted
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("%w: invalid encrypted format", domain.ErrDecryption)
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode salt: %v", domain.ErrDecryption, err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", domain.ErrDecryption, err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}

	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file is not writable by others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
