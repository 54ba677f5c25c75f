package payment

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func newTestAddress(fill byte) Address {
	var addr Address
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func samplePayment() *Payment {
	return &Payment{
		Operator:            newTestAddress(0x0A),
		Payer:               newTestAddress(0x01),
		Receiver:            newTestAddress(0x02),
		Token:               newTestAddress(0x77),
		MaxAmount:           uint256.NewInt(10_000),
		PreApprovalExpiry:   1_700_000_100,
		AuthorizationExpiry: 1_700_100_000,
		RefundExpiry:        1_701_000_000,
		MinFeeBps:           0,
		MaxFeeBps:           500,
		FeeReceiver:         newTestAddress(0x0A),
		Salt:                uint256.NewInt(1),
	}
}

func TestEncodeIsFixedWidth(t *testing.T) {
	p := samplePayment()
	encoded := p.Encode()
	if len(encoded) != EncodedLength {
		t.Fatalf("unexpected encoding length: got %d want %d", len(encoded), EncodedLength)
	}
	huge := p.Clone()
	huge.MaxAmount = new(uint256.Int).SetAllOne()
	if len(huge.Encode()) != EncodedLength {
		t.Fatalf("encoding length must not depend on values")
	}
}

func TestHashIsContentAddressed(t *testing.T) {
	a := samplePayment()
	b := samplePayment()
	if a.Hash() != b.Hash() {
		t.Fatalf("identical payments must share a hash")
	}

	mutations := map[string]func(p *Payment){
		"salt":     func(p *Payment) { p.Salt = uint256.NewInt(2) },
		"receiver": func(p *Payment) { p.Receiver = newTestAddress(0x03) },
		"max":      func(p *Payment) { p.MaxAmount = uint256.NewInt(10_001) },
		"minFee":   func(p *Payment) { p.MinFeeBps = 1 },
		"expiry":   func(p *Payment) { p.RefundExpiry++ },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			c := samplePayment()
			mutate(c)
			if c.Hash() == a.Hash() {
				t.Fatalf("mutating %s must change the hash", name)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	p := samplePayment()
	clone := p.Clone()
	clone.MaxAmount.SetUint64(1)
	if p.MaxAmount.Uint64() != 10_000 {
		t.Fatalf("clone aliased max amount")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(p *Payment)
		ok     bool
	}{
		{name: "valid", mutate: func(*Payment) {}, ok: true},
		{name: "zero max", mutate: func(p *Payment) { p.MaxAmount = uint256.NewInt(0) }},
		{name: "nil max", mutate: func(p *Payment) { p.MaxAmount = nil }},
		{name: "missing payer", mutate: func(p *Payment) { p.Payer = Address{} }},
		{name: "max fee above 100%", mutate: func(p *Payment) { p.MaxFeeBps = 10_001 }},
		{name: "min above max", mutate: func(p *Payment) { p.MinFeeBps = 600 }},
		{name: "expiry order", mutate: func(p *Payment) { p.AuthorizationExpiry = p.RefundExpiry + 1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := samplePayment()
			tc.mutate(p)
			err := p.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidPayment) {
				t.Fatalf("expected ErrInvalidPayment, got %v", err)
			}
		})
	}
}

func TestJSONPreservesHash(t *testing.T) {
	p := samplePayment()
	p.MaxAmount = uint256.MustFromDecimal("340282366920938463463374607431768211456")
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Payment
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Hash() != p.Hash() {
		t.Fatalf("hash changed across JSON: %s vs %s", decoded.Hash(), p.Hash())
	}
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("0x0101010101010101010101010101010101010101")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if addr != newTestAddress(0x01) {
		t.Fatalf("unexpected address %s", addr)
	}
	if _, err := ParseAddress("0x1234"); err == nil {
		t.Fatalf("expected short address to fail")
	}
	if _, err := ParseHash("zz"); err == nil {
		t.Fatalf("expected invalid hex to fail")
	}
}
