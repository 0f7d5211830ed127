package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/typicallhavok/evidence-vault/internal/cas"
	"github.com/typicallhavok/evidence-vault/internal/identity"
	"github.com/typicallhavok/evidence-vault/internal/ledger"
	"github.com/typicallhavok/evidence-vault/internal/metastore"
	"github.com/typicallhavok/evidence-vault/pkg/chain"
	"github.com/typicallhavok/evidence-vault/pkg/container"
	"github.com/typicallhavok/evidence-vault/pkg/interfaces"
	"github.com/typicallhavok/evidence-vault/pkg/keyderive"
	"github.com/typicallhavok/evidence-vault/pkg/model"
	workerpool "github.com/typicallhavok/evidence-vault/pkg/workerPool"
)

var (
	ErrNotStarted = errors.New("vault: not started")
	ErrClosed     = errors.New("vault: closed")

	// ErrIncorrectPassword is returned when a per-file password is missing or
	// does not match before any decryption is attempted.
	ErrIncorrectPassword = errors.New("vault: incorrect password")
	// ErrNotOwner is returned when a record was collected by someone else.
	ErrNotOwner = errors.New("vault: evidence belongs to another account")
	// ErrInvalidRequest marks malformed caller input.
	ErrInvalidRequest = errors.New("vault: invalid request")
)

// ErrorKind is the caller-facing class of a failed operation.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindFormat
	KindAuthentication
	KindIdentity
	KindUnavailable
	KindChainIntegrity
	KindConflict
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindFormat:
		return "format"
	case KindAuthentication:
		return "authentication"
	case KindIdentity:
		return "identity"
	case KindUnavailable:
		return "unavailable"
	case KindChainIntegrity:
		return "chain_integrity"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Message is the text shown to end users. It never carries the cause.
func (k ErrorKind) Message() string {
	switch k {
	case KindFormat:
		return "malformed input"
	case KindAuthentication:
		return "incorrect password or corrupted data"
	case KindIdentity:
		return "unauthorized"
	case KindUnavailable:
		return "storage temporarily unavailable, try again"
	case KindChainIntegrity:
		return "evidence integrity check failed"
	case KindConflict:
		return "the file was changed concurrently, try again"
	case KindNotFound:
		return "not found"
	default:
		return "internal error"
	}
}

// Retryable reports whether repeating the operation may succeed.
func (k ErrorKind) Retryable() bool {
	return k == KindUnavailable || k == KindConflict
}

// Error is returned by every exported vault operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind.Message())
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err. Errors that did not pass through the vault
// are classified by their cause.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return classify(err)
}

// wrap folds err into an *Error for op. nil stays nil.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *Error
	if errors.As(err, &ve) {
		return err
	}
	return &Error{Kind: classify(err), Op: op, Err: err}
}

func classify(err error) ErrorKind { // A
	switch {
	case errors.Is(err, ErrIncorrectPassword),
		errors.Is(err, container.ErrAuthentication):
		return KindAuthentication

	case errors.Is(err, ErrNotOwner),
		errors.Is(err, keyderive.ErrUnknownIdentity),
		errors.Is(err, identity.ErrInvalidCredentials):
		return KindIdentity

	case errors.Is(err, container.ErrFormat),
		errors.Is(err, keyderive.ErrInvalidKey),
		errors.Is(err, model.ErrInvalidRecord),
		errors.Is(err, metastore.ErrInvalidFile),
		errors.Is(err, metastore.ErrInvalidCase),
		errors.Is(err, identity.ErrInvalidUsername),
		errors.Is(err, identity.ErrInvalidEmail),
		errors.Is(err, identity.ErrWeakPassword),
		errors.Is(err, ledger.ErrBadBackup),
		errors.Is(err, ErrInvalidRequest):
		return KindFormat

	case chain.IsIntegrityError(err),
		errors.Is(err, ledger.ErrUnknownPrevious),
		errors.Is(err, ledger.ErrTampered),
		errors.Is(err, cas.ErrCorrupt):
		return KindChainIntegrity

	case errors.Is(err, interfaces.ErrConflict),
		errors.Is(err, interfaces.ErrImmutable):
		return KindConflict

	case errors.Is(err, interfaces.ErrNotFound):
		return KindNotFound

	case errors.Is(err, interfaces.ErrUnavailable),
		errors.Is(err, ErrNotStarted),
		errors.Is(err, ErrClosed),
		errors.Is(err, workerpool.ErrClosed),
		errors.Is(err, workerpool.ErrQueueFull),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindUnavailable
	}
	return KindInternal
}
