// Package config provides configuration management for the gateway. It loads
// a YAML file, fills in defaults, applies environment variable overrides, and
// provides structured access to server, backend, conversation, and resilience
// settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/modelbridge/modelbridge/internal/router"
)

// Config represents the application's configuration, loaded from a YAML file
// with environment overrides applied on top.
type Config struct {
	// Port is the network port on which the gateway listens.
	Port int `yaml:"port"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`

	// LoggingToFile redirects log output to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file"`

	// RequestLog enables per-request logging middleware output.
	RequestLog bool `yaml:"request-log"`

	// ProxyURL is an optional outbound proxy for backend calls.
	ProxyURL string `yaml:"proxy-url"`

	// MaxRequestBodyBytes caps the size of an inbound request body. Oversized
	// bodies are rejected with a validation error.
	MaxRequestBodyBytes int64 `yaml:"max-request-body-bytes"`

	// APIKeys is a list of keys for authenticating clients to this gateway.
	// Empty means the gateway accepts unauthenticated requests.
	APIKeys []string `yaml:"api-keys"`

	// AllowLocalhostUnauthenticated allows unauthenticated requests from localhost.
	AllowLocalhostUnauthenticated bool `yaml:"allow-localhost-unauthenticated"`

	// ContentSecurity enables content sanitization on inbound message text.
	ContentSecurity bool `yaml:"content-security-validation"`

	// GracefulDegradation substitutes an apology completion for backend
	// outages instead of an error response.
	GracefulDegradation bool `yaml:"graceful-degradation"`

	// Azure configures the Azure-compatible Responses backend.
	Azure AzureConfig `yaml:"azure"`

	// Bedrock configures the optional AWS Bedrock backend.
	Bedrock BedrockConfig `yaml:"bedrock"`

	// Conversation tunes the in-memory conversation store.
	Conversation ConversationConfig `yaml:"conversation"`

	// Breaker tunes the per-backend circuit breakers.
	Breaker BreakerConfig `yaml:"circuit-breaker"`

	// Routes is the model routing table.
	Routes []router.Route `yaml:"routes"`
}

// AzureConfig holds the Azure-compatible Responses backend settings.
type AzureConfig struct {
	// BaseURL is the HTTPS endpoint base, e.g. https://example.openai.azure.com/openai/v1.
	BaseURL string `yaml:"base-url"`

	// APIKey authenticates to the backend.
	APIKey string `yaml:"api-key"`

	// Deployment is the deployment or model identifier requests resolve to
	// when no route overrides it.
	Deployment string `yaml:"deployment"`

	// TimeoutMs bounds each backend attempt, in milliseconds.
	TimeoutMs int `yaml:"timeout-ms"`

	// MaxRetries is the retry budget per request.
	MaxRetries int `yaml:"max-retries"`
}

// BedrockConfig holds the AWS Bedrock backend settings. The backend is
// optional; an empty region disables it.
type BedrockConfig struct {
	// Region is the AWS region, e.g. us-east-1.
	Region string `yaml:"region"`

	// APIKey is the bearer credential.
	APIKey string `yaml:"api-key"`

	// Model is the default model identifier when no route overrides it.
	Model string `yaml:"model"`

	// TimeoutMs bounds each backend attempt, in milliseconds.
	TimeoutMs int `yaml:"timeout-ms"`

	// MaxRetries is the retry budget per request.
	MaxRetries int `yaml:"max-retries"`
}

// ConversationConfig tunes the in-memory conversation store.
type ConversationConfig struct {
	// MaxAgeMs is the idle lifetime of a tracked conversation.
	MaxAgeMs int `yaml:"max-age-ms"`

	// CleanupIntervalMs is the sweep period for expired conversations.
	CleanupIntervalMs int `yaml:"cleanup-interval-ms"`

	// MaxStored caps the number of tracked conversations.
	MaxStored int `yaml:"max-stored"`
}

// BreakerConfig tunes the circuit breakers guarding each backend.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the breaker.
	FailureThreshold int `yaml:"failure-threshold"`

	// RecoveryTimeoutMs is how long an open breaker waits before probing.
	RecoveryTimeoutMs int `yaml:"recovery-timeout-ms"`
}

// Timeout returns the Azure attempt timeout as a duration.
func (a AzureConfig) Timeout() time.Duration { return time.Duration(a.TimeoutMs) * time.Millisecond }

// Timeout returns the Bedrock attempt timeout as a duration.
func (b BedrockConfig) Timeout() time.Duration { return time.Duration(b.TimeoutMs) * time.Millisecond }

// Enabled reports whether the Bedrock backend is configured.
func (b BedrockConfig) Enabled() bool { return b.Region != "" && b.APIKey != "" }

// MaxAge returns the conversation idle lifetime as a duration.
func (c ConversationConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeMs) * time.Millisecond
}

// CleanupInterval returns the sweep period as a duration.
func (c ConversationConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMs) * time.Millisecond
}

// RecoveryTimeout returns the breaker recovery timeout as a duration.
func (b BreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(b.RecoveryTimeoutMs) * time.Millisecond
}

func defaults() Config {
	return Config{
		Port:                8317,
		ContentSecurity:     true,
		MaxRequestBodyBytes: 10 << 20,
		Azure: AzureConfig{
			TimeoutMs:  120000,
			MaxRetries: 3,
		},
		Bedrock: BedrockConfig{
			TimeoutMs:  120000,
			MaxRetries: 3,
		},
		Conversation: ConversationConfig{
			MaxAgeMs:          3600000,
			CleanupIntervalMs: 300000,
			MaxStored:         1000,
		},
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			RecoveryTimeoutMs: 60000,
		},
	}
}

// LoadConfig reads a YAML configuration file from the given path, fills in
// defaults, applies environment variable overrides, and returns it. A missing
// file is not an error; the environment alone can configure the gateway.
func LoadConfig(configFile string) (*Config, error) {
	config := defaults()

	data, err := os.ReadFile(configFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)
	return &config, nil
}

func applyEnvOverrides(c *Config) {
	envString(&c.Azure.BaseURL, "AZURE_OPENAI_ENDPOINT", "AZURE_OPENAI_BASE_URL")
	envString(&c.Azure.APIKey, "AZURE_OPENAI_API_KEY")
	envString(&c.Azure.Deployment, "AZURE_OPENAI_MODEL")
	envInt(&c.Azure.TimeoutMs, "AZURE_OPENAI_TIMEOUT")
	envInt(&c.Azure.MaxRetries, "AZURE_OPENAI_MAX_RETRIES")

	envString(&c.Bedrock.Region, "AWS_BEDROCK_REGION")
	envString(&c.Bedrock.APIKey, "AWS_BEDROCK_API_KEY")
	envString(&c.Bedrock.Model, "AWS_BEDROCK_MODEL")
	envInt(&c.Bedrock.TimeoutMs, "AWS_BEDROCK_TIMEOUT")
	envInt(&c.Bedrock.MaxRetries, "AWS_BEDROCK_MAX_RETRIES")

	envInt64(&c.MaxRequestBodyBytes, "MAX_REQUEST_BODY_BYTES")
	envBool(&c.ContentSecurity, "ENABLE_CONTENT_SECURITY_VALIDATION")
	envBool(&c.GracefulDegradation, "ENABLE_GRACEFUL_DEGRADATION")

	envInt(&c.Conversation.MaxAgeMs, "CONVERSATION_MAX_AGE_MS")
	envInt(&c.Conversation.CleanupIntervalMs, "CONVERSATION_CLEANUP_INTERVAL_MS")
	envInt(&c.Conversation.MaxStored, "MAX_STORED_CONVERSATIONS")

	envInt(&c.Breaker.FailureThreshold, "CIRCUIT_BREAKER_FAILURE_THRESHOLD")
	envInt(&c.Breaker.RecoveryTimeoutMs, "CIRCUIT_BREAKER_RECOVERY_TIMEOUT_MS")
}

func envString(dst *string, keys ...string) {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			*dst = v
			return
		}
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
