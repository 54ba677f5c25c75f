package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"escrowd/native/operator"
)

const (
	testOperator = "0x0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a"
	testPayer    = "0x0101010101010101010101010101010101010101"
	testToken    = "0x7777777777777777777777777777777777777777"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "escrowd.toml", `ListenAddress = "127.0.0.1:9000"
DataDir = "./data"

[Storage]
Backend = "Bolt"

[Operator]
Address = "`+testOperator+`"
FeeBps = 20
FeeRecipient = "`+testOperator+`"

[Operator.Conditions]
release = "and(receiver, escrow_period)"

[Operator.Recorders]
authorize = "escrow_period, payment_index"

[EscrowPeriod]
Hold = "72h"
FreezeDuration = "24h"
FreezeCondition = "payer"

[ProtocolFee]
Owner = "`+testOperator+`"
Recipient = "`+testOperator+`"
Bps = 10
TimelockDelay = "336h"

[Auth]
Secret = "s3cret"

[[Genesis]]
Account = "`+testPayer+`"
Token = "`+testToken+`"
Amount = "1000000"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9000" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.Storage.Backend != BackendBolt {
		t.Fatalf("expected backend to be normalized, got %q", cfg.Storage.Backend)
	}
	if cfg.EscrowPeriod.Hold.Duration != 72*time.Hour {
		t.Fatalf("unexpected hold %s", cfg.EscrowPeriod.Hold.Duration)
	}
	if cfg.ProtocolFee.TimelockDelay.Duration != 14*24*time.Hour {
		t.Fatalf("unexpected timelock %s", cfg.ProtocolFee.TimelockDelay.Duration)
	}
	if cfg.RateLimit.Burst != 40 {
		t.Fatalf("expected default burst, got %d", cfg.RateLimit.Burst)
	}

	rt, err := cfg.Runtime()
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	if got := rt.Conditions[operator.KindRelease]; got != "and(receiver,escrow_period)" {
		t.Fatalf("unexpected release condition %q", got)
	}
	if got := rt.Recorders[operator.KindAuthorize]; got != "escrow_period,payment_index" {
		t.Fatalf("unexpected authorize recorders %q", got)
	}
	if len(rt.Genesis) != 1 || rt.Genesis[0].Amount.Uint64() != 1_000_000 {
		t.Fatalf("unexpected genesis %+v", rt.Genesis)
	}
	if !rt.Arbiter.IsZero() {
		t.Fatalf("expected no arbiter")
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "escrowd.yaml", `listen: ":7000"
storage:
  backend: memory
operator:
  address: "`+testOperator+`"
  fee_recipient: "`+testOperator+`"
  conditions:
    refund_in_escrow: payer
protocol_fee:
  owner: "`+testOperator+`"
  recipient: "`+testOperator+`"
  timelock_delay: 168h
refunds:
  arbiter: "`+testPayer+`"
auth:
  secret_env: ESCROWD_TEST_SECRET
`)
	t.Setenv("ESCROWD_TEST_SECRET", "from-env")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Secret != "from-env" {
		t.Fatalf("expected secret from environment, got %q", cfg.Auth.Secret)
	}
	if cfg.EscrowPeriod.Hold.Duration != 7*24*time.Hour {
		t.Fatalf("expected default hold, got %s", cfg.EscrowPeriod.Hold.Duration)
	}
	rt, err := cfg.Runtime()
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	if rt.Arbiter.String() != testPayer {
		t.Fatalf("unexpected arbiter %s", rt.Arbiter)
	}
	if rt.Conditions[operator.KindRefundInEscrow] != "payer" {
		t.Fatalf("unexpected slots %v", rt.Conditions)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "escrowd.toml", `Listen = ":1"`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unknown key") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestCreateDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "escrowd.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if cfg.Operator.Address == "" || cfg.Auth.Secret == "" {
		t.Fatalf("expected generated identity and secret")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config to be persisted: %v", err)
	}
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Operator.Address != cfg.Operator.Address {
		t.Fatalf("operator changed across reloads: %s != %s", again.Operator.Address, cfg.Operator.Address)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Operator.Address = testOperator
		cfg.Operator.FeeRecipient = testOperator
		cfg.ProtocolFee.Owner = testOperator
		cfg.ProtocolFee.Recipient = testOperator
		cfg.Auth.Secret = "x"
		return cfg
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	cases := map[string]func(*Config){
		"backend":         func(c *Config) { c.Storage.Backend = "redis" },
		"combined fees":   func(c *Config) { c.Operator.FeeBps = 9_000; c.ProtocolFee.Bps = 2_000 },
		"short timelock":  func(c *Config) { c.ProtocolFee.TimelockDelay = Duration{time.Hour} },
		"missing secret":  func(c *Config) { c.Auth.Secret = "" },
		"missing owner":   func(c *Config) { c.ProtocolFee.Owner = "" },
		"zero operator":   func(c *Config) { c.Operator.Address = "0x0000000000000000000000000000000000000000" },
		"unknown slot":    func(c *Config) { c.Operator.Conditions["void"] = "payer" },
		"bad expression":  func(c *Config) { c.Operator.Conditions["release"] = "and(payer" },
		"bad freeze expr": func(c *Config) { c.EscrowPeriod.FreezeCondition = "or(payer," },
		"bad genesis":     func(c *Config) { c.Genesis = []GenesisBalance{{Account: testPayer, Token: testToken, Amount: "lots"}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestDefaultGuardsPostEscrowRefunds(t *testing.T) {
	cfg := Default()
	cfg.Operator.Address = testOperator
	cfg.Operator.FeeRecipient = testOperator
	cfg.ProtocolFee.Owner = testPayer
	cfg.ProtocolFee.Recipient = testPayer
	cfg.Auth.Secret = "secret"
	rt, err := cfg.Runtime()
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	if got := rt.Conditions[operator.KindRefundPostEscrow]; got != "or(receiver,operator)" {
		t.Fatalf("unexpected refund_post_escrow condition %q", got)
	}
}
