package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so durations can be written as "168h" in both
// TOML and YAML files.
type Duration struct {
	time.Duration
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := string(text)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// StorageConfig selects the state backend.
type StorageConfig struct {
	Backend string `toml:"Backend" yaml:"backend"`
	Path    string `toml:"Path" yaml:"path"`
}

// OperatorConfig wires the payment operator. Conditions and Recorders map an
// operation kind ("authorize", "charge", "release", "refund_in_escrow",
// "refund_post_escrow") to an expression resolved by the condition registry.
type OperatorConfig struct {
	Address      string            `toml:"Address" yaml:"address"`
	FeeBps       uint16            `toml:"FeeBps" yaml:"fee_bps"`
	FeeRecipient string            `toml:"FeeRecipient" yaml:"fee_recipient"`
	Conditions   map[string]string `toml:"Conditions" yaml:"conditions"`
	Recorders    map[string]string `toml:"Recorders" yaml:"recorders"`
}

// EscrowPeriodConfig configures the hold window and freeze policy.
type EscrowPeriodConfig struct {
	Hold              Duration `toml:"Hold" yaml:"hold"`
	FreezeDuration    Duration `toml:"FreezeDuration" yaml:"freeze_duration"`
	FreezeCondition   string   `toml:"FreezeCondition" yaml:"freeze_condition"`
	UnfreezeCondition string   `toml:"UnfreezeCondition" yaml:"unfreeze_condition"`
}

// ProtocolFeeConfig configures the shared protocol fee and its timelock.
type ProtocolFeeConfig struct {
	Owner         string   `toml:"Owner" yaml:"owner"`
	Recipient     string   `toml:"Recipient" yaml:"recipient"`
	Bps           uint16   `toml:"Bps" yaml:"bps"`
	TimelockDelay Duration `toml:"TimelockDelay" yaml:"timelock_delay"`
}

// RefundsConfig configures the refund-request workflow.
type RefundsConfig struct {
	Arbiter string `toml:"Arbiter" yaml:"arbiter"`
}

// AuthConfig configures bearer-token verification on the API.
type AuthConfig struct {
	Secret    string `toml:"Secret" yaml:"secret"`
	SecretEnv string `toml:"SecretEnv" yaml:"secret_env"`
	Issuer    string `toml:"Issuer" yaml:"issuer"`
}

// RateLimitConfig bounds request throughput per caller.
type RateLimitConfig struct {
	RequestsPerSecond float64 `toml:"RequestsPerSecond" yaml:"requests_per_second"`
	Burst             int     `toml:"Burst" yaml:"burst"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint    string  `toml:"Endpoint" yaml:"endpoint"`
	Insecure    bool    `toml:"Insecure" yaml:"insecure"`
	Headers     string  `toml:"Headers" yaml:"headers"`
	Environment string  `toml:"Environment" yaml:"environment"`
	Metrics     bool    `toml:"Metrics" yaml:"metrics"`
	Traces      bool    `toml:"Traces" yaml:"traces"`
	SampleRatio float64 `toml:"SampleRatio" yaml:"sample_ratio"`
}

// AuditConfig configures the persistent audit sink.
type AuditConfig struct {
	DSN string `toml:"DSN" yaml:"dsn"`
}

// LoggingConfig configures structured log output.
type LoggingConfig struct {
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"max_size_mb"`
	MaxBackups int    `toml:"MaxBackups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"max_age_days"`
}

// GenesisBalance funds an account at first start.
type GenesisBalance struct {
	Account string `toml:"Account" yaml:"account"`
	Token   string `toml:"Token" yaml:"token"`
	Amount  string `toml:"Amount" yaml:"amount"`
}
