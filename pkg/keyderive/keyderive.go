// Package keyderive derives the symmetric file keys of the evidence vault.
//
// A key is never stored. It is re-derived on demand from the account's stable
// identity, the account's server-side secret (the stored password hash) and an
// optional per-file password:
//
//	key = hex(SHA-256(identity ":" secret ":" extra))
//
// An empty extra is a valid input and yields the identity-bound key.
package keyderive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the raw size of a derived key in bytes (AES-256).
const KeySize = sha256.Size

// HexKeyLength is the length of the textual key representation.
const HexKeyLength = KeySize * 2

const separator = ":"

var (
	// ErrInvalidKey is returned for keys that are not 64 hexadecimal characters.
	ErrInvalidKey = errors.New("keyderive: key must be 64 hexadecimal characters")
	// ErrUnknownIdentity is returned when the identity could not be resolved.
	// No key is derived in that case.
	ErrUnknownIdentity = errors.New("keyderive: unknown identity")
)

// HexKey is a 256-bit key rendered as 64 lowercase hexadecimal characters.
// The zero value is not a valid key, so "derivation not attempted" can never
// be confused with a derived key.
type HexKey string

// DeriveKey derives the deterministic key for the given inputs.
func DeriveKey(identity, secret, extra string) HexKey { // A
	combined := identity + separator + secret + separator + extra
	sum := sha256.Sum256([]byte(combined))
	return HexKey(hex.EncodeToString(sum[:]))
}

// ParseHexKey validates s and returns it as a lowercase HexKey. Uppercase hex
// digits are accepted.
func ParseHexKey(s string) (HexKey, error) { // A
	k := HexKey(strings.ToLower(s))
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k, nil
}

// Validate reports whether k is well formed.
func (k HexKey) Validate() error { // A
	if len(k) != HexKeyLength {
		return fmt.Errorf("%w: got %d characters", ErrInvalidKey, len(k))
	}
	for i := 0; i < len(k); i++ {
		c := k[i]
		isDigit := c >= '0' && c <= '9'
		isLower := c >= 'a' && c <= 'f'
		isUpper := c >= 'A' && c <= 'F'
		if !isDigit && !isLower && !isUpper {
			return fmt.Errorf("%w: invalid character at %d", ErrInvalidKey, i)
		}
	}
	return nil
}

// Bytes decodes the key into its 32 raw bytes.
func (k HexKey) Bytes() ([]byte, error) { // A
	if err := k.Validate(); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(string(k))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return raw, nil
}

// IsZero reports whether no key was derived.
func (k HexKey) IsZero() bool {
	return k == ""
}

// String hides the key material from accidental logging.
func (k HexKey) String() string {
	if k.IsZero() {
		return "HexKey(none)"
	}
	return "HexKey(redacted)"
}

// Identity is the resolved account material a key is derived from.
type Identity struct {
	// ID is the stable account id.
	ID string
	// Username is the identity input of the derivation.
	Username string
	// Secret is the server-side secret (stored password hash). It never leaves
	// the server.
	Secret string
}

// Resolver resolves an account id into its identity material. Implementations
// must return an error wrapping ErrUnknownIdentity for unknown accounts.
type Resolver interface {
	ResolveIdentity(ctx context.Context, userID string) (Identity, error)
}

// Service derives keys for resolved identities. It holds no state of its own.
type Service struct {
	resolver Resolver
}

// NewService returns a Service backed by resolver.
func NewService(resolver Resolver) *Service { // A
	return &Service{resolver: resolver}
}

// RequestKey resolves userID and derives its key for filePassword. An empty
// filePassword derives the identity-bound key.
func (s *Service) RequestKey(ctx context.Context, userID, filePassword string) (HexKey, Identity, error) { // A
	if err := ctx.Err(); err != nil {
		return "", Identity{}, err
	}
	if strings.TrimSpace(userID) == "" {
		return "", Identity{}, fmt.Errorf("%w: empty user id", ErrUnknownIdentity)
	}

	id, err := s.resolver.ResolveIdentity(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUnknownIdentity) {
			return "", Identity{}, err
		}
		return "", Identity{}, fmt.Errorf("resolve identity: %w", err)
	}
	if id.Username == "" || id.Secret == "" {
		return "", Identity{}, fmt.Errorf("%w: incomplete identity material for %s", ErrUnknownIdentity, userID)
	}

	return DeriveKey(id.Username, id.Secret, filePassword), id, nil
}
