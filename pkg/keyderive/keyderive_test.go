package keyderive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type mapResolver map[string]Identity

func (m mapResolver) ResolveIdentity(_ context.Context, userID string) (Identity, error) {
	id, ok := m[userID]
	if !ok {
		return Identity{}, fmt.Errorf("%w: %s", ErrUnknownIdentity, userID)
	}
	return id, nil
}

func TestDeriveKeyKnownVector(t *testing.T) {
	got := DeriveKey("alice", "hash", "")
	require.NoError(t, got.Validate())
	assert.Equal(t, HexKey("39e48a1d27a5d01a53e2e0b6b6b8262bb0099fe9737dc21e8ec61bd6119be4b8"), got)
	assert.Equal(t, strings.ToLower(string(got)), string(got))
}

func TestDeriveKeyEmptyExtraDiffersFromPassword(t *testing.T) {
	identityBound := DeriveKey("alice", "hash", "")
	passwordBound := DeriveKey("alice", "hash", "secret123")
	assert.NotEqual(t, identityBound, passwordBound)
	assert.False(t, identityBound.IsZero())
}

func TestDeriveKeyEachInputMatters(t *testing.T) {
	base := DeriveKey("alice", "hash", "pw")
	assert.NotEqual(t, base, DeriveKey("bob", "hash", "pw"))
	assert.NotEqual(t, base, DeriveKey("alice", "hash2", "pw"))
	assert.NotEqual(t, base, DeriveKey("alice", "hash", "pw2"))
}

func TestDeriveKeyDeterministicProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		id := rapid.String().Draw(t, "identity")
		secret := rapid.String().Draw(t, "secret")
		extra := rapid.String().Draw(t, "extra")

		a := DeriveKey(id, secret, extra)
		b := DeriveKey(id, secret, extra)
		if a != b {
			t.Fatalf("derivation not deterministic")
		}
		if err := a.Validate(); err != nil {
			t.Fatalf("derived key invalid: %v", err)
		}
	})
}

func TestParseHexKey(t *testing.T) {
	valid := string(DeriveKey("a", "b", "c"))

	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{name: "lowercase", in: valid},
		{name: "uppercase accepted", in: strings.ToUpper(valid)},
		{name: "empty", in: "", wantErr: true},
		{name: "too short", in: valid[:63], wantErr: true},
		{name: "too long", in: valid + "0", wantErr: true},
		{name: "non hex", in: "g" + valid[1:], wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := ParseHexKey(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, valid, string(k))
		})
	}
}

func TestHexKeyBytes(t *testing.T) {
	k := DeriveKey("a", "b", "c")
	raw, err := k.Bytes()
	require.NoError(t, err)
	assert.Len(t, raw, KeySize)

	_, err = HexKey("").Bytes()
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestHexKeyStringRedacts(t *testing.T) {
	k := DeriveKey("a", "b", "c")
	assert.NotContains(t, k.String(), string(k))
	assert.Equal(t, "HexKey(none)", HexKey("").String())
}

func TestServiceRequestKey(t *testing.T) {
	svc := NewService(mapResolver{
		"u1": {ID: "u1", Username: "alice", Secret: "argon-hash"},
	})
	ctx := context.Background()

	key, id, err := svc.RequestKey(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Username)
	assert.Equal(t, DeriveKey("alice", "argon-hash", ""), key)

	withPassword, _, err := svc.RequestKey(ctx, "u1", "secret123")
	require.NoError(t, err)
	assert.Equal(t, DeriveKey("alice", "argon-hash", "secret123"), withPassword)
	assert.NotEqual(t, key, withPassword)
}

func TestServiceRefusesUnknownIdentity(t *testing.T) {
	svc := NewService(mapResolver{})

	key, _, err := svc.RequestKey(context.Background(), "ghost", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownIdentity))
	assert.True(t, key.IsZero())

	_, _, err = svc.RequestKey(context.Background(), "  ", "")
	assert.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestServiceRefusesIncompleteIdentity(t *testing.T) {
	svc := NewService(mapResolver{"u1": {ID: "u1", Username: "alice"}})

	_, _, err := svc.RequestKey(context.Background(), "u1", "")
	assert.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestServiceHonorsCanceledContext(t *testing.T) {
	svc := NewService(mapResolver{"u1": {ID: "u1", Username: "alice", Secret: "s"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := svc.RequestKey(ctx, "u1", "")
	assert.ErrorIs(t, err, context.Canceled)
}
