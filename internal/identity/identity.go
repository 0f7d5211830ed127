// Package identity keeps the vault's accounts and resolves them into the
// material file keys are derived from.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/typicallhavok/evidence-vault/internal/kvstore"
	"github.com/typicallhavok/evidence-vault/pkg/interfaces"
	"github.com/typicallhavok/evidence-vault/pkg/keyderive"
	"github.com/typicallhavok/evidence-vault/pkg/model"
	"github.com/typicallhavok/evidence-vault/pkg/passhash"
)

const (
	MinPasswordLength = 8
	MaxUsernameLength = 64
)

var (
	ErrInvalidUsername    = errors.New("identity: username must be 3-64 letters, digits, '.', '_' or '-'")
	ErrInvalidEmail       = errors.New("identity: invalid email address")
	ErrWeakPassword       = fmt.Errorf("identity: password must be at least %d characters", MinPasswordLength)
	ErrTaken              = fmt.Errorf("%w: identity: username or email already registered", interfaces.ErrConflict)
	ErrInvalidCredentials = errors.New("identity: invalid username or password")
)

// Store implements keyderive.Resolver on the vault database.
type Store struct {
	kv     *kvstore.KeyValStore
	params passhash.Params
	now    func() time.Time
}

var _ interfaces.IdentityResolver = (*Store)(nil)

// New returns a Store hashing passwords with params.
func New(kv *kvstore.KeyValStore, params passhash.Params) *Store {
	return &Store{kv: kv, params: params, now: time.Now}
}

func idKey(id string) []byte         { return []byte(kvstore.PrefixAccount + id) }
func usernameKey(name string) []byte { return []byte(kvstore.PrefixUsername + strings.ToLower(name)) }
func emailKey(email string) []byte   { return []byte(kvstore.PrefixEmail + strings.ToLower(email)) }

func validUsername(s string) bool {
	if len(s) < 3 || len(s) > MaxUsernameLength {
		return false
	}
	for _, r := range s {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_' || r == '-') {
			return false
		}
	}
	return true
}

// Register creates an account. Usernames and emails are unique ignoring
// case.
func (s *Store) Register(ctx context.Context, username, email, password string) (model.Account, error) { // A
	if err := ctx.Err(); err != nil {
		return model.Account{}, err
	}
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))
	if !validUsername(username) {
		return model.Account{}, ErrInvalidUsername
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return model.Account{}, ErrInvalidEmail
	}
	if len(password) < MinPasswordLength {
		return model.Account{}, ErrWeakPassword
	}

	hash, err := passhash.Hash(s.params, password)
	if err != nil {
		return model.Account{}, fmt.Errorf("identity: hash password: %w", err)
	}
	acc := model.Account{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	data, err := json.Marshal(acc)
	if err != nil {
		return model.Account{}, err
	}

	err = s.kv.Update(func(txn *badger.Txn) error {
		for _, k := range [][]byte{usernameKey(username), emailKey(email)} {
			if _, err := kvstore.Get(txn, k); err == nil {
				return ErrTaken
			} else if !errors.Is(err, kvstore.ErrNotFound) {
				return err
			}
		}
		if err := txn.Set(usernameKey(username), []byte(acc.ID)); err != nil {
			return err
		}
		if err := txn.Set(emailKey(email), []byte(acc.ID)); err != nil {
			return err
		}
		return txn.Set(idKey(acc.ID), data)
	})
	switch {
	case err == nil:
		return acc, nil
	case errors.Is(err, ErrTaken), errors.Is(err, badger.ErrConflict):
		return model.Account{}, ErrTaken
	default:
		return model.Account{}, fmt.Errorf("%w: identity: %v", interfaces.ErrUnavailable, err)
	}
}

// Login checks password for the account named by login, which may be a
// username or an email address.
func (s *Store) Login(ctx context.Context, login, password string) (model.Account, error) { // A
	if err := ctx.Err(); err != nil {
		return model.Account{}, err
	}
	login = strings.TrimSpace(login)
	key := usernameKey(login)
	if strings.Contains(login, "@") {
		key = emailKey(login)
	}

	id, err := s.kv.Read(key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return model.Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("%w: identity: %v", interfaces.ErrUnavailable, err)
	}
	acc, err := s.Get(ctx, string(id))
	if err != nil {
		return model.Account{}, err
	}
	ok, err := passhash.Verify(password, acc.PasswordHash)
	if err != nil {
		return model.Account{}, fmt.Errorf("identity: verify %s: %w", acc.ID, err)
	}
	if !ok {
		return model.Account{}, ErrInvalidCredentials
	}
	return acc, nil
}

// Get returns the account with id. Unknown ids wrap interfaces.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (model.Account, error) {
	if err := ctx.Err(); err != nil {
		return model.Account{}, err
	}
	raw, err := s.kv.Read(idKey(id))
	if errors.Is(err, kvstore.ErrNotFound) {
		return model.Account{}, fmt.Errorf("identity: account %s: %w", id, interfaces.ErrNotFound)
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("%w: identity: %v", interfaces.ErrUnavailable, err)
	}
	var acc model.Account
	if err := json.Unmarshal(raw, &acc); err != nil {
		return model.Account{}, fmt.Errorf("identity: decode account %s: %w", id, err)
	}
	return acc, nil
}

// ResolveIdentity returns the key derivation material of userID.
func (s *Store) ResolveIdentity(ctx context.Context, userID string) (keyderive.Identity, error) {
	acc, err := s.Get(ctx, userID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return keyderive.Identity{}, fmt.Errorf("%w: %s", keyderive.ErrUnknownIdentity, userID)
	}
	if err != nil {
		return keyderive.Identity{}, err
	}
	return keyderive.Identity{ID: acc.ID, Username: acc.Username, Secret: acc.PasswordHash}, nil
}
