package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"escrowd/config"
	"escrowd/core/events"
	"escrowd/core/state"
	"escrowd/native/conditions"
	"escrowd/native/escrowperiod"
	"escrowd/native/fees"
	"escrowd/native/ledger"
	"escrowd/native/operator"
	"escrowd/native/payment"
	"escrowd/native/refunds"
	"escrowd/rpc"
	"escrowd/storage"
	"escrowd/storage/auditlog"
)

var genesisMarker = []byte("escrowd/genesis-applied")

// node is the assembled daemon.
type node struct {
	db       storage.Database
	state    *state.Manager
	ledger   *ledger.Ledger
	protocol *fees.ProtocolConfig
	period   *escrowperiod.Period
	index    *conditions.PaymentIndex
	registry *conditions.Registry
	operator *operator.Operator
	refunds  *refunds.Engine
	audit    *auditlog.Sink
	stream   *rpc.Broadcaster
	server   *rpc.Server
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return storage.NewMemDB(), nil
	case config.BackendBolt:
		if path == "" {
			path = filepath.Join(cfg.DataDir, "state.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return storage.NewBoltDB(path)
	case config.BackendLevelDB:
		if path == "" {
			path = filepath.Join(cfg.DataDir, "state")
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return storage.NewLevelDB(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func openAudit(cfg *config.Config, logger *slog.Logger) (*auditlog.Sink, error) {
	dsn := strings.TrimSpace(cfg.Audit.DSN)
	if dsn == "" {
		if cfg.Storage.Backend == config.BackendMemory {
			dsn = "file:escrowd-audit?mode=memory&cache=shared"
		} else {
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			dsn = filepath.Join(cfg.DataDir, "audit.db")
		}
	}
	db, err := auditlog.Open(dsn)
	if err != nil {
		return nil, err
	}
	sink, err := auditlog.New(db)
	if err != nil {
		return nil, err
	}
	sink.SetLogger(logger)
	return sink, nil
}

// namedResolver resolves fixed leaf names to shared instances.
func namedResolver(named map[string]conditions.Condition) conditions.Resolver {
	return func(name string) (conditions.Condition, bool) {
		c, ok := named[name]
		return c, ok
	}
}

// buildNode wires every component from cfg. The returned node owns db.
func buildNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*node, error) {
	rt, err := cfg.Runtime()
	if err != nil {
		return nil, err
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	n := &node{db: db}
	ok := false
	defer func() {
		if !ok {
			n.close()
		}
	}()

	n.state = state.NewManager(db)
	n.ledger = ledger.New(n.state)
	n.ledger.SetLogger(logger)

	n.protocol, err = fees.NewProtocolConfig(rt.ProtocolOwner, fees.StaticCalculator(cfg.ProtocolFee.Bps), rt.ProtocolRecipient, cfg.ProtocolFee.TimelockDelay.Duration)
	if err != nil {
		return nil, err
	}
	// The file only seeds the protocol fee configuration. Afterwards it
	// changes through the timelock alone.
	seeded, err := n.protocol.Bind(ctx, n.state)
	if err != nil {
		return nil, err
	}
	if !seeded && protocolDiffers(n.protocol, rt.ProtocolOwner, rt.ProtocolRecipient, cfg.ProtocolFee.Bps) {
		logger.Warn("protocol_fee in config differs from stored configuration; stored values kept",
			"owner", n.protocol.Owner().String(),
			"recipient", n.protocol.Recipient().String(),
			"calculator", fmt.Sprint(n.protocol.Calculator()))
	}

	// Identity leaves usable in every expression, including the freeze and
	// unfreeze conditions that cannot refer to the escrow period itself.
	identities := map[string]conditions.Condition{
		"operator": conditions.NewStaticAddress(rt.Operator),
	}
	if !rt.Arbiter.IsZero() {
		identities["arbiter"] = conditions.NewStaticAddress(rt.Arbiter)
	}
	base := conditions.Chain(conditions.BuiltinResolver, namedResolver(identities))

	freezeCond, err := conditions.Parse(cfg.EscrowPeriod.FreezeCondition, base)
	if err != nil {
		return nil, fmt.Errorf("escrow_period.freeze_condition: %w", err)
	}
	unfreezeCond, err := conditions.Parse(cfg.EscrowPeriod.UnfreezeCondition, base)
	if err != nil {
		return nil, fmt.Errorf("escrow_period.unfreeze_condition: %w", err)
	}
	operators := conditions.NewOperatorSet(rt.Operator)
	n.period, err = escrowperiod.New(n.state, escrowperiod.Config{
		Hold:              cfg.EscrowPeriod.Hold.Duration,
		FreezeDuration:    cfg.EscrowPeriod.FreezeDuration.Duration,
		FreezeCondition:   freezeCond,
		UnfreezeCondition: unfreezeCond,
		Operators:         operators,
	})
	if err != nil {
		return nil, err
	}
	n.index = conditions.NewPaymentIndex(n.state, operators)

	n.registry = conditions.NewRegistry(
		conditions.Chain(base, namedResolver(map[string]conditions.Condition{"escrow_period": n.period})),
		func(name string) (conditions.Recorder, bool) {
			switch name {
			case "escrow_period":
				return n.period, true
			case "payment_index":
				return n.index, true
			default:
				return nil, false
			}
		},
	)
	conds := make(map[operator.Kind]conditions.Condition, len(rt.Conditions))
	for kind, expr := range rt.Conditions {
		c, err := n.registry.Condition(expr)
		if err != nil {
			return nil, fmt.Errorf("operator.conditions.%s: %w", kind, err)
		}
		conds[kind] = c
	}
	recs := make(map[operator.Kind]conditions.Recorder, len(rt.Recorders))
	for kind, list := range rt.Recorders {
		r, err := n.registry.Recorder(list)
		if err != nil {
			return nil, fmt.Errorf("operator.recorders.%s: %w", kind, err)
		}
		recs[kind] = r
	}

	n.operator, err = operator.New(operator.Config{
		Address:      rt.Operator,
		FeeBps:       cfg.Operator.FeeBps,
		FeeRecipient: rt.FeeRecipient,
		State:        n.state,
		Ledger:       n.ledger,
		Protocol:     n.protocol,
		Conditions:   conds,
		Recorders:    recs,
	})
	if err != nil {
		return nil, err
	}
	n.operator.SetLogger(logger)

	n.refunds = refunds.NewEngine(n.state, n.ledger, rt.Arbiter)
	n.refunds.SetLogger(logger)

	n.audit, err = openAudit(cfg, logger)
	if err != nil {
		return nil, err
	}
	n.stream = rpc.NewBroadcaster()
	emitter := events.Fanout{n.audit, n.stream}
	n.operator.SetEmitter(emitter)
	n.period.SetEmitter(emitter)
	n.refunds.SetEmitter(emitter)
	n.protocol.SetEmitter(emitter)

	if err := applyGenesis(ctx, n.state, n.ledger, rt.Genesis); err != nil {
		return nil, err
	}

	n.server, err = rpc.NewServer(rpc.Config{
		Operator: n.operator,
		Ledger:   n.ledger,
		Protocol: n.protocol,
		Period:   n.period,
		Refunds:  n.refunds,
		Index:    n.index,
		Audit:    n.audit,
		Stream:   n.stream,
		Auth: rpc.AuthConfig{
			HMACSecret: cfg.Auth.Secret,
			Issuer:     cfg.Auth.Issuer,
		},
		RateLimit: rpc.RateLimit{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
		Logger:         logger,
		AllowedOrigins: cfg.CORSOrigins,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return n, nil
}

// applyGenesis credits the configured balances exactly once per database.
func applyGenesis(ctx context.Context, mgr *state.Manager, l *ledger.Ledger, funding []config.Funding) error {
	if len(funding) == 0 {
		return nil
	}
	return mgr.Atomic(ctx, func(ctx context.Context) error {
		var applied bool
		found, err := mgr.KVGet(ctx, genesisMarker, &applied)
		if err != nil {
			return err
		}
		if found && applied {
			return nil
		}
		for _, f := range funding {
			if err := l.Credit(ctx, f.Account, f.Token, f.Amount); err != nil {
				return fmt.Errorf("genesis credit %s: %w", f.Account, err)
			}
		}
		return mgr.KVPut(ctx, genesisMarker, true)
	})
}

func protocolDiffers(c *fees.ProtocolConfig, owner, recipient payment.Address, bps uint16) bool {
	calc, ok := c.Calculator().(fees.StaticCalculator)
	return c.Owner() != owner || c.Recipient() != recipient || !ok || uint16(calc) != bps
}

func (n *node) close() {
	if n == nil {
		return
	}
	if n.audit != nil {
		n.audit.Close()
		n.audit = nil
	}
	if n.db != nil {
		n.db.Close()
		n.db = nil
	}
}
