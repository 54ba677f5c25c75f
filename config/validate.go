package config

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"escrowd/native/conditions"
	"escrowd/native/fees"
	"escrowd/native/operator"
	"escrowd/native/payment"
)

// Funding is a parsed genesis balance.
type Funding struct {
	Account payment.Address
	Token   payment.Address
	Amount  *uint256.Int
}

// Runtime holds the parsed identities and slot wiring of a configuration.
type Runtime struct {
	Operator          payment.Address
	FeeRecipient      payment.Address
	ProtocolOwner     payment.Address
	ProtocolRecipient payment.Address
	Arbiter           payment.Address
	Conditions        map[operator.Kind]string
	Recorders         map[operator.Kind]string
	Genesis           []Funding
}

func (c *Config) normalize() {
	c.ListenAddress = strings.TrimSpace(c.ListenAddress)
	if c.ListenAddress == "" {
		c.ListenAddress = ":8480"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./escrowd-data"
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendLevelDB
	}
	if c.Operator.Conditions == nil {
		c.Operator.Conditions = map[string]string{}
	}
	if c.Operator.Recorders == nil {
		c.Operator.Recorders = map[string]string{}
	}
	if c.EscrowPeriod.Hold.Duration == 0 {
		c.EscrowPeriod.Hold.Duration = fees.MinTimelockDelay
	}
	if c.ProtocolFee.TimelockDelay.Duration == 0 {
		c.ProtocolFee.TimelockDelay.Duration = fees.MinTimelockDelay
	}
	if strings.TrimSpace(c.Auth.Issuer) == "" {
		c.Auth.Issuer = "escrowd"
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = 20
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = int(c.RateLimit.RequestsPerSecond * 2)
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if c.Telemetry.Environment == "" {
		c.Telemetry.Environment = "local"
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendLevelDB, BackendBolt, BackendMemory:
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}
	if c.Operator.FeeBps > fees.MaxBps {
		return fmt.Errorf("operator: fee_bps %d exceeds %d", c.Operator.FeeBps, fees.MaxBps)
	}
	if c.ProtocolFee.Bps > fees.MaxBps {
		return fmt.Errorf("protocol_fee: bps %d exceeds %d", c.ProtocolFee.Bps, fees.MaxBps)
	}
	if uint32(c.Operator.FeeBps)+uint32(c.ProtocolFee.Bps) > fees.MaxBps {
		return fmt.Errorf("operator: fee_bps + protocol_fee bps exceeds %d", fees.MaxBps)
	}
	if c.ProtocolFee.TimelockDelay.Duration < fees.MinTimelockDelay {
		return fmt.Errorf("protocol_fee: timelock_delay %s below minimum %s", c.ProtocolFee.TimelockDelay.Duration, fees.MinTimelockDelay)
	}
	if c.EscrowPeriod.Hold.Duration <= 0 {
		return fmt.Errorf("escrow_period: hold must be positive")
	}
	if c.EscrowPeriod.FreezeDuration.Duration < 0 {
		return fmt.Errorf("escrow_period: freeze_duration must not be negative")
	}
	for _, expr := range []string{c.EscrowPeriod.FreezeCondition, c.EscrowPeriod.UnfreezeCondition} {
		if strings.TrimSpace(expr) == "" {
			continue
		}
		if _, err := conditions.Normalize(expr); err != nil {
			return fmt.Errorf("escrow_period: %w", err)
		}
	}
	if strings.TrimSpace(c.Auth.Secret) == "" {
		return fmt.Errorf("auth: secret must be configured")
	}
	if _, err := c.Runtime(); err != nil {
		return err
	}
	return nil
}

// Runtime parses identities, slot wiring and genesis balances.
func (c *Config) Runtime() (Runtime, error) {
	var (
		rt  Runtime
		err error
	)
	if rt.Operator, err = requiredAddress("operator.address", c.Operator.Address); err != nil {
		return rt, err
	}
	if rt.FeeRecipient, err = requiredAddress("operator.fee_recipient", c.Operator.FeeRecipient); err != nil {
		return rt, err
	}
	if rt.ProtocolOwner, err = requiredAddress("protocol_fee.owner", c.ProtocolFee.Owner); err != nil {
		return rt, err
	}
	if rt.ProtocolRecipient, err = requiredAddress("protocol_fee.recipient", c.ProtocolFee.Recipient); err != nil {
		return rt, err
	}
	if strings.TrimSpace(c.Refunds.Arbiter) != "" {
		if rt.Arbiter, err = payment.ParseAddress(c.Refunds.Arbiter); err != nil {
			return rt, fmt.Errorf("refunds.arbiter: %w", err)
		}
	}
	if rt.Conditions, err = slots("operator.conditions", c.Operator.Conditions, conditions.Normalize); err != nil {
		return rt, err
	}
	if rt.Recorders, err = slots("operator.recorders", c.Operator.Recorders, normalizeList); err != nil {
		return rt, err
	}
	for i, g := range c.Genesis {
		account, err := payment.ParseAddress(g.Account)
		if err != nil {
			return rt, fmt.Errorf("genesis[%d].account: %w", i, err)
		}
		token, err := payment.ParseAddress(g.Token)
		if err != nil {
			return rt, fmt.Errorf("genesis[%d].token: %w", i, err)
		}
		amount, err := payment.ParseAmount(g.Amount)
		if err != nil {
			return rt, fmt.Errorf("genesis[%d].amount: %w", i, err)
		}
		rt.Genesis = append(rt.Genesis, Funding{Account: account, Token: token, Amount: amount})
	}
	return rt, nil
}

func requiredAddress(field, raw string) (payment.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return payment.Address{}, fmt.Errorf("%s must be configured", field)
	}
	addr, err := payment.ParseAddress(raw)
	if err != nil {
		return payment.Address{}, fmt.Errorf("%s: %w", field, err)
	}
	if addr.IsZero() {
		return payment.Address{}, fmt.Errorf("%s must not be the zero address", field)
	}
	return addr, nil
}

func slots(field string, raw map[string]string, normalize func(string) (string, error)) (map[operator.Kind]string, error) {
	out := make(map[operator.Kind]string, len(raw))
	for name, expr := range raw {
		kind, err := operator.ParseKind(strings.ToLower(strings.TrimSpace(name)))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		if strings.TrimSpace(expr) == "" {
			continue
		}
		normalized, err := normalize(expr)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", field, kind, err)
		}
		out[kind] = normalized
	}
	return out, nil
}

// normalizeList canonicalizes a comma separated recorder list.
func normalizeList(raw string) (string, error) {
	parts := strings.Split(raw, ",")
	names := make([]string, 0, len(parts))
	for _, part := range parts {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			return "", fmt.Errorf("empty recorder name in %q", raw)
		}
		names = append(names, name)
	}
	if len(names) > conditions.MaxConditions {
		return "", fmt.Errorf("%d recorders exceed %d", len(names), conditions.MaxConditions)
	}
	return strings.Join(names, ","), nil
}
