package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables overriding file values.
const (
	EnvURL                = "RABBITMQ_URL"
	EnvVHost              = "RABBITMQ_VHOST"
	EnvManagementURL      = "RABBITMQ_MANAGEMENT_URL"
	EnvManagementUser     = "RABBITMQ_MANAGEMENT_USER"
	EnvManagementPassword = "RABBITMQ_MANAGEMENT_PASSWORD"
	EnvShouldLogEvents    = "RABBITMQ_SHOULD_LOG_EVENTS"
	EnvEncryptionKey      = "RABBITMQ_ENCRYPTION_KEY"
	EnvPrefetchCount      = "RABBITMQ_PREFETCH_COUNT"
	EnvCallTimeout        = "RABBITMQ_CALL_TIMEOUT"
)

// Load reads a YAML file, applies environment overrides and defaults, and
// validates the result.
func Load(path string) (BrokerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BrokerConfig{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data, os.LookupEnv)
}

// Parse decodes YAML, applies overrides from lookup and validates.
func Parse(data []byte, lookup func(string) (string, bool)) (BrokerConfig, error) {
	var cfg BrokerConfig

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return BrokerConfig{}, fmt.Errorf("failed to decode config: %w", err)
	}

	if lookup != nil {
		if err := applyEnv(&cfg, lookup); err != nil {
			return BrokerConfig{}, err
		}
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return BrokerConfig{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *BrokerConfig, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvURL); ok && v != "" {
		cfg.URLs = splitList(v)
	}
	if v, ok := lookup(EnvVHost); ok && v != "" {
		cfg.VHost = v
	}
	if v, ok := lookup(EnvManagementURL); ok && v != "" {
		cfg.ManagementURL = v
	}
	if v, ok := lookup(EnvManagementUser); ok && v != "" {
		cfg.ManagementUser = v
	}
	if v, ok := lookup(EnvManagementPassword); ok && v != "" {
		cfg.ManagementPassword = v
	}
	if v, ok := lookup(EnvEncryptionKey); ok && v != "" {
		cfg.EncryptionKey = v
	}
	if v, ok := lookup(EnvShouldLogEvents); ok && v != "" {
		enabled := v == "true"
		cfg.ShouldLogEvents = &enabled
	}
	if v, ok := lookup(EnvPrefetchCount); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigError{Field: EnvPrefetchCount, Reason: "must be an integer"}
		}
		cfg.PrefetchCount = n
	}
	if v, ok := lookup(EnvCallTimeout); ok && v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return &ConfigError{Field: EnvCallTimeout, Reason: err.Error()}
		}
		cfg.CallTimeout = d
	}
	return nil
}

// parseDuration accepts Go durations and bare millisecond counts.
func parseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
