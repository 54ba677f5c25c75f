package payment

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address identifies an account, operator or value-unit (token) contract.
type Address [20]byte

// Hash is the content-addressed identity of a Payment.
type Hash [32]byte

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool { return a == Address{} }

// String renders the address as 0x-prefixed lowercase hex.
func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }

// Bytes returns a copy of the raw address bytes.
func (a Address) Bytes() []byte { return append([]byte(nil), a[:]...) }

// IsZero reports whether the hash is unset.
func (h Hash) IsZero() bool { return h == Hash{} }

// String renders the hash as 0x-prefixed lowercase hex.
func (h Hash) String() string { return "0x" + hex.EncodeToString(h[:]) }

// Bytes returns a copy of the raw hash bytes.
func (h Hash) Bytes() []byte { return append([]byte(nil), h[:]...) }

// ParseAddress decodes a 20-byte hex address with or without 0x prefix.
func ParseAddress(raw string) (Address, error) {
	var out Address
	decoded, err := decodeHex(raw, len(out))
	if err != nil {
		return out, fmt.Errorf("payment: invalid address %q: %w", raw, err)
	}
	copy(out[:], decoded)
	return out, nil
}

// ParseHash decodes a 32-byte hex payment hash with or without 0x prefix.
func ParseHash(raw string) (Hash, error) {
	var out Hash
	decoded, err := decodeHex(raw, len(out))
	if err != nil {
		return out, fmt.Errorf("payment: invalid hash %q: %w", raw, err)
	}
	copy(out[:], decoded)
	return out, nil
}

// MustAddress parses raw and panics on failure. Intended for tests and
// compiled-in constants.
func MustAddress(raw string) Address {
	addr, err := ParseAddress(raw)
	if err != nil {
		panic(err)
	}
	return addr
}

func decodeHex(raw string, size int) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, err
	}
	if len(decoded) != size {
		return nil, fmt.Errorf("expected %d bytes, got %d", size, len(decoded))
	}
	return decoded, nil
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
