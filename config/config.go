// Package config provides configuration management for the parley webhook bridge.
// It covers the HTTP server, the inbound webhook, the upstream LLM endpoint,
// admission control, fallback replies and logging.
//
// A Config is loaded once at process start and passed explicitly to every
// component constructor. Nothing in parley reads configuration from globals.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	perrors "github.com/teilomillet/parley/errors"
	"gopkg.in/yaml.v3"
)

// Format identifies the encoding of a configuration document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// Config represents the complete bridge configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Webhook     WebhookConfig     `yaml:"webhook" toml:"webhook"`
	Upstream    UpstreamConfig    `yaml:"upstream" toml:"upstream"`
	Concurrency ConcurrencyConfig `yaml:"concurrency" toml:"concurrency"`
	Replies     RepliesConfig     `yaml:"replies" toml:"replies"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit" toml:"rate_limit"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server-specific configuration for the HTTP server.
type ServerConfig struct {
	// Port specifies the HTTP server port (default: 8000)
	Port int `yaml:"port" toml:"port" validate:"gte=0,lte=65535"`

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body (default: 15s)
	ReadTimeout time.Duration `yaml:"read_timeout" toml:"read_timeout" validate:"gte=0"`

	// WriteTimeout bounds writing the response. It must leave room for the
	// upstream timeout plus admission wait, otherwise replies get cut off.
	// (default: 60s)
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout" validate:"gte=0"`

	// MaxHeaderBytes limits request header size (default: 1MB)
	MaxHeaderBytes int `yaml:"max_header_bytes" toml:"max_header_bytes" validate:"gte=0"`

	// MaxBodyBytes limits the inbound XML push size (default: 64KB)
	MaxBodyBytes int64 `yaml:"max_body_bytes" toml:"max_body_bytes" validate:"gt=0"`

	// ShutdownTimeout is how long in-flight turns get to finish on shutdown (default: 30s)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" validate:"gte=0"`

	// TrustProxyHeaders takes the client address from X-Forwarded-For or
	// X-Real-IP. Enable only behind a proxy that overwrites those headers,
	// otherwise clients can pick their own rate limit key. (default: false)
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" toml:"trust_proxy_headers"`
}

// WebhookConfig configures the inbound push endpoint.
type WebhookConfig struct {
	// Path the platform pushes to (default: "/")
	Path string `yaml:"path" toml:"path" validate:"required,startswith=/"`

	// Token is the shared secret used by the signature handshake.
	Token string `yaml:"token" toml:"token" validate:"required"`

	// VerifyMessages also checks the signature query parameters on message
	// pushes, not only on the provisioning handshake.
	VerifyMessages bool `yaml:"verify_messages" toml:"verify_messages"`
}

// ModelConfig is one entry of the named upstream table.
type ModelConfig struct {
	BaseURL       string `yaml:"base_url" toml:"base_url" validate:"required,url"`
	Authorization string `yaml:"authorization" toml:"authorization"`
}

// UpstreamConfig describes the LLM endpoint every turn is forwarded to.
type UpstreamConfig struct {
	// BaseURL is the full URL the query is POSTed to. Overrides the selected model entry.
	BaseURL string `yaml:"base_url" toml:"base_url" validate:"omitempty,url"`

	// Authorization is sent verbatim as the Authorization header, e.g. "Bearer app-xxx".
	// Overrides the selected model entry.
	Authorization string `yaml:"authorization" toml:"authorization"`

	// Model selects an entry of Models.
	Model string `yaml:"model" toml:"model"`

	// Models is a table of named endpoints so switching upstreams is a one-line change.
	Models map[string]ModelConfig `yaml:"models" toml:"models" validate:"omitempty,dive"`

	// Headers are added to every upstream request.
	Headers map[string]string `yaml:"headers" toml:"headers"`

	// Params is the static request body. "query" is injected per turn.
	Params map[string]interface{} `yaml:"params" toml:"params"`

	// Timeout is the single deadline covering connect, headers and the whole stream (default: 10s)
	Timeout time.Duration `yaml:"timeout" toml:"timeout" validate:"gt=0"`

	// MaxRawPayload caps how much raw upstream text is retained for diagnostics (default: 64KB)
	MaxRawPayload int `yaml:"max_raw_payload" toml:"max_raw_payload" validate:"gte=0"`
}

// Endpoint is the resolved upstream target.
type Endpoint struct {
	BaseURL       string
	Authorization string
}

// Resolve picks the effective base URL and authorization. Explicit values win
// over the selected Models entry.
func (u UpstreamConfig) Resolve() (Endpoint, error) {
	var ep Endpoint
	if u.Model != "" {
		m, ok := u.Models[u.Model]
		if !ok {
			return Endpoint{}, fmt.Errorf("upstream model %q not found in models", u.Model)
		}
		ep = Endpoint{BaseURL: m.BaseURL, Authorization: m.Authorization}
	}
	if u.BaseURL != "" {
		ep.BaseURL = u.BaseURL
	}
	if u.Authorization != "" {
		ep.Authorization = u.Authorization
	}
	if ep.BaseURL == "" {
		return Endpoint{}, fmt.Errorf("upstream base_url is required")
	}
	return ep, nil
}

// ConcurrencyConfig controls admission of upstream calls.
type ConcurrencyConfig struct {
	// Limit is the number of upstream calls allowed in flight (default: 4)
	Limit int `yaml:"limit" toml:"limit" validate:"gt=0"`

	// Backlog bounds turns that are queued or in flight. Zero disables the bound.
	Backlog int `yaml:"backlog" toml:"backlog" validate:"gte=0"`

	// AcquireTimeout bounds the wait for a slot. Zero waits until the caller goes away.
	AcquireTimeout time.Duration `yaml:"acquire_timeout" toml:"acquire_timeout" validate:"gte=0"`
}

// RepliesConfig holds the user-visible texts sent when a turn does not produce an answer.
type RepliesConfig struct {
	DecodeError   string `yaml:"decode_error" toml:"decode_error" validate:"required"`
	Empty         string `yaml:"empty" toml:"empty" validate:"required"`
	UpstreamError string `yaml:"upstream_error" toml:"upstream_error" validate:"required"`
	Timeout       string `yaml:"timeout" toml:"timeout" validate:"required"`
	Busy          string `yaml:"busy" toml:"busy" validate:"required"`
}

// RateLimitConfig configures per-client inbound rate limiting.
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled" toml:"enabled"`
	Requests int           `yaml:"requests" toml:"requests" validate:"required_if=Enabled true,gte=0"`
	Window   time.Duration `yaml:"window" toml:"window" validate:"required_if=Enabled true,gte=0"`
	Burst    int           `yaml:"burst" toml:"burst" validate:"gte=0"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"oneof=json text"`
}

// DefaultConfig returns a configuration with sensible defaults.
// Token and upstream endpoint have no defaults and must be provided.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			MaxBodyBytes:    64 << 10,
			ShutdownTimeout: 30 * time.Second,
		},
		Webhook: WebhookConfig{
			Path: "/",
		},
		Upstream: UpstreamConfig{
			Timeout:       10 * time.Second,
			MaxRawPayload: 64 << 10,
		},
		Concurrency: ConcurrencyConfig{
			Limit: 4,
		},
		Replies: RepliesConfig{
			DecodeError:   "Sorry, I could not read that message.",
			Empty:         "Sorry, I have no answer for that.",
			UpstreamError: "Sorry, I am unable to answer right now. Please try again later.",
			Timeout:       "Sorry, that took too long. Please try again.",
			Busy:          "I am busy with other conversations. Please try again in a moment.",
		},
		RateLimit: RateLimitConfig{
			Enabled:  false,
			Requests: 60,
			Window:   time.Minute,
			Burst:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFile loads configuration from a file, picking the decoder from the extension.
// .toml files are decoded as TOML; everything else (.yaml, .yml, .json) as YAML.
func LoadFile(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	format := FormatYAML
	if strings.EqualFold(filepath.Ext(filename), ".toml") {
		format = FormatTOML
	}
	return LoadFormat(f, format)
}

// Load loads YAML configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	return LoadFormat(r, FormatYAML)
}

// LoadFormat reads, expands, decodes and validates a configuration document.
func LoadFormat(r io.Reader, format Format) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := expandEnvVars(string(data))

	// Start with defaults
	config := DefaultConfig()

	switch format {
	case FormatTOML:
		if _, err := toml.NewDecoder(strings.NewReader(expanded)).Decode(config); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		if err := dec.Decode(config); err != nil && err != io.EOF {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", format)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// expandEnvVars resolves ${VAR} and ${VAR:-default} references.
// Unset variables without a default expand to the empty string.
func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		if i := strings.Index(key, ":-"); i >= 0 {
			if val := os.Getenv(key[:i]); val != "" {
				return val
			}
			return key[i+2:]
		}
		return os.Getenv(key)
	})
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report yaml key names so errors point at the config file, not Go fields.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks if the configuration is valid. Failures are ConfigError
// typed *errors.ParleyError values.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			field := strings.TrimPrefix(fe.Namespace(), "Config.")
			return perrors.NewConfigError(field, fmt.Errorf("invalid %s: failed %q check", field, fe.Tag()))
		}
		return perrors.NewConfigError("", err)
	}

	if _, err := c.Upstream.Resolve(); err != nil {
		return perrors.NewConfigError("upstream", err)
	}

	if _, ok := c.Upstream.Params["query"]; ok {
		return perrors.NewConfigError("upstream.params.query", fmt.Errorf("upstream params must not set query, it is filled per message"))
	}

	return nil
}
