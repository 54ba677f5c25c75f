package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"
)

const (
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
	BackendMemory  = "memory"
)

// Config is the escrowd daemon configuration.
type Config struct {
	ListenAddress string             `toml:"ListenAddress" yaml:"listen"`
	DataDir       string             `toml:"DataDir" yaml:"data_dir"`
	CORSOrigins   []string           `toml:"CORSOrigins" yaml:"cors_origins"`
	Storage       StorageConfig      `toml:"Storage" yaml:"storage"`
	Operator      OperatorConfig     `toml:"Operator" yaml:"operator"`
	EscrowPeriod  EscrowPeriodConfig `toml:"EscrowPeriod" yaml:"escrow_period"`
	ProtocolFee   ProtocolFeeConfig  `toml:"ProtocolFee" yaml:"protocol_fee"`
	Refunds       RefundsConfig      `toml:"Refunds" yaml:"refunds"`
	Auth          AuthConfig         `toml:"Auth" yaml:"auth"`
	RateLimit     RateLimitConfig    `toml:"RateLimit" yaml:"rate_limit"`
	Telemetry     TelemetryConfig    `toml:"Telemetry" yaml:"telemetry"`
	Audit         AuditConfig        `toml:"Audit" yaml:"audit"`
	Logging       LoggingConfig      `toml:"Logging" yaml:"logging"`
	Genesis       []GenesisBalance   `toml:"Genesis" yaml:"genesis"`
}

// Load loads the configuration from the given path. Files ending in .yaml or
// .yml are decoded as YAML, everything else as TOML. A missing file is
// replaced by a freshly generated default configuration.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if isYAML(path) {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
		}
	}
	cfg.normalize()
	if err := cfg.resolveSecret(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func (c *Config) resolveSecret() error {
	env := strings.TrimSpace(c.Auth.SecretEnv)
	if env == "" {
		return nil
	}
	value := strings.TrimSpace(os.Getenv(env))
	if value == "" {
		return fmt.Errorf("auth: environment variable %s is empty", env)
	}
	c.Auth.Secret = value
	return nil
}

// Default returns the configuration used when no file exists, minus the
// generated identities.
func Default() *Config {
	cfg := &Config{
		ListenAddress: ":8480",
		DataDir:       "./escrowd-data",
		Storage:       StorageConfig{Backend: BackendLevelDB},
		Operator: OperatorConfig{
			FeeBps:     0,
			Conditions: map[string]string{
				"release":            "escrow_period",
				"refund_post_escrow": "or(receiver, operator)",
			},
			Recorders:  map[string]string{"authorize": "escrow_period,payment_index"},
		},
		EscrowPeriod: EscrowPeriodConfig{
			Hold:            Duration{7 * 24 * time.Hour},
			FreezeCondition:   "payer",
			UnfreezeCondition: "payer",
		},
		ProtocolFee: ProtocolFeeConfig{
			Bps:           0,
			TimelockDelay: Duration{7 * 24 * time.Hour},
		},
		Auth:      AuthConfig{Issuer: "escrowd"},
		RateLimit: RateLimitConfig{RequestsPerSecond: 20, Burst: 40},
		Telemetry: TelemetryConfig{Environment: "local"},
		Logging:   LoggingConfig{Level: "info"},
	}
	cfg.normalize()
	return cfg
}

// createDefault creates and saves a default configuration file with a newly
// generated operator identity and API secret.
func createDefault(path string) (*Config, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	operator := ethcrypto.PubkeyToAddress(key.PublicKey).Hex()

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.Operator.Address = operator
	cfg.Operator.FeeRecipient = operator
	cfg.ProtocolFee.Owner = operator
	cfg.ProtocolFee.Recipient = operator
	cfg.Auth.Secret = hex.EncodeToString(secret)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}
