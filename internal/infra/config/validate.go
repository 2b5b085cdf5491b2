package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateSlack(cfg, ve)
	validateRelay(cfg, ve)
	validateHistory(cfg, ve)
	validateRetry(cfg, ve)
	validateLLM(cfg, ve)
	validateDispatch(cfg, ve)
	validateVision(cfg, ve)
	validateLogger(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		ve.Add("server.addr %q is not a valid host:port: %v", cfg.Server.Addr, err)
	}
	if !strings.HasPrefix(cfg.Server.Path, "/") {
		ve.Add("server.path must start with /")
	}
	if cfg.Server.RequestsPerMin <= 0 {
		ve.Add("server.requests_per_min must be > 0")
	}
	if cfg.Server.Burst <= 0 {
		ve.Add("server.burst must be > 0")
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		ve.Add("server.shutdown_timeout must be > 0")
	}
}

func validateSlack(cfg *Config, ve *ValidationError) {
	switch cfg.Slack.Mode {
	case "events":
	case "socket":
		if cfg.Slack.AppToken == "" {
			ve.Add("slack.app_token is required when slack.mode is \"socket\"")
		}
	default:
		ve.Add("slack.mode must be \"events\" or \"socket\", got %q", cfg.Slack.Mode)
	}
	for app, tok := range cfg.Slack.AppTokens {
		if tok == "" {
			ve.Add("slack.app_tokens[%s] must not be empty", app)
		}
	}
}

func validateRelay(cfg *Config, ve *ValidationError) {
	if cfg.Relay.EditEvery <= 0 {
		ve.Add("relay.edit_every must be > 0")
	}
	if cfg.Relay.EditsPerSecond < 0 {
		ve.Add("relay.edits_per_second must be >= 0")
	}
	if cfg.Relay.MaxMessageChars < 0 {
		ve.Add("relay.max_message_chars must be >= 0")
	}
	for kind := range cfg.Relay.Messages {
		if !knownMessageKeys[kind] {
			ve.Add("relay.messages: unknown kind %q", kind)
		}
	}
}

var knownMessageKeys = map[string]bool{
	"auth_invalid":              true,
	"context_too_large":         true,
	"timeout":                   true,
	"content_policy_violation":  true,
	"rate_limit_exhausted":      true,
	"payload_too_large":         true,
	"platform_message_too_long": true,
	"unknown":                   true,
}

func validateHistory(cfg *Config, ve *ValidationError) {
	h := cfg.History
	switch h.Source {
	case "cache", "thread":
	default:
		ve.Add("history.source must be \"cache\" or \"thread\", got %q", h.Source)
	}
	if h.Window < 0 {
		ve.Add("history.window must be >= 0")
	}
	if h.Window > 0 && h.TTL <= 0 {
		ve.Add("history.ttl must be > 0 when history.window > 0")
	}
	if h.RollbackTurns < 0 {
		ve.Add("history.rollback_turns must be >= 0")
	}
	switch h.Backend {
	case "redis":
		if h.Redis.URL == "" {
			ve.Add("history.redis.url is required for the redis backend")
		}
	case "sqlite":
		if h.SQLite.Path == "" {
			ve.Add("history.sqlite.path is required for the sqlite backend")
		}
	case "memory":
	default:
		ve.Add("history.backend must be one of redis, sqlite, memory; got %q", h.Backend)
	}
}

func validateRetry(cfg *Config, ve *ValidationError) {
	r := cfg.Retry
	if r.MaxAttempts < 1 {
		ve.Add("retry.max_attempts must be >= 1")
	}
	if r.MinWait < 0 || r.MaxWait < 0 {
		ve.Add("retry waits must be >= 0")
	}
	if r.MaxWait < r.MinWait {
		ve.Add("retry.max_wait (%s) must be >= retry.min_wait (%s)", r.MaxWait, r.MinWait)
	}
	if r.Multiplier < 0 {
		ve.Add("retry.multiplier must be >= 0")
	}
}

var validProviderTypes = map[string]bool{
	"openai":    true,
	"gemini":    true,
	"anthropic": true,
	"bedrock":   true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if len(cfg.LLM.Providers) == 0 {
		ve.Add("llm.providers must not be empty")
	}
	seen := make(map[string]bool, len(cfg.LLM.Providers))
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
		} else if seen[p.Name] {
			ve.Add("llm.providers[%d].name %q is duplicated", i, p.Name)
		}
		seen[p.Name] = true
		if !validProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q is not supported", i, p.Type)
		}
		if p.Params.Temperature < 0 || p.Params.Temperature > 2 {
			ve.Add("llm.providers[%d].params.temperature must be within [0, 2]", i)
		}
		if p.Params.TopP < 0 || p.Params.TopP > 1 {
			ve.Add("llm.providers[%d].params.top_p must be within [0, 1]", i)
		}
		if p.Params.MaxTokens < 0 {
			ve.Add("llm.providers[%d].params.max_tokens must be >= 0", i)
		}
	}
	if cfg.LLM.MaxAttachmentBytes <= 0 {
		ve.Add("llm.max_attachment_bytes must be > 0")
	}
}

func validateDispatch(cfg *Config, ve *ValidationError) {
	d := cfg.Dispatch
	switch d.Strategy {
	case "static", "request", "random":
	default:
		ve.Add("dispatch.strategy must be one of static, request, random; got %q", d.Strategy)
	}
	if _, ok := cfg.Provider(d.DefaultProvider); !ok {
		ve.Add("dispatch.default_provider %q is not a configured provider", d.DefaultProvider)
	}
	for app, name := range d.AppRoutes {
		if _, ok := cfg.Provider(name); !ok {
			ve.Add("dispatch.app_routes[%s] references unknown provider %q", app, name)
		}
	}
	if d.ImageProvider != "" {
		p, ok := cfg.Provider(d.ImageProvider)
		if !ok {
			ve.Add("dispatch.image_provider %q is not a configured provider", d.ImageProvider)
		} else if p.Type != "openai" {
			ve.Add("dispatch.image_provider %q must be an openai provider", d.ImageProvider)
		}
	}
}

func validateVision(cfg *Config, ve *ValidationError) {
	if cfg.Vision.Enabled && cfg.Vision.APIKey == "" {
		ve.Add("vision.api_key is required when vision is enabled")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json", "":
	default:
		ve.Add("logger.format must be \"text\" or \"json\", got %q", cfg.Logger.Format)
	}
	switch cfg.Tracer.Exporter {
	case "noop", "stdout", "":
	default:
		ve.Add("tracer.exporter must be \"noop\" or \"stdout\", got %q", cfg.Tracer.Exporter)
	}
}
