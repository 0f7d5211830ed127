// Package vault is the evidence vault core.
//
// A vault encrypts evidence files with keys derived from the owner's account,
// stores the encrypted containers content-addressed, appends one immutable
// record per version to a hash-chained ledger and keeps a mutable per-file
// pointer to the newest version. Versions of a file link backwards through
// their ledger records and can be walked from any version to the first.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/typicallhavok/evidence-vault/internal/audit"
	"github.com/typicallhavok/evidence-vault/internal/cas"
	"github.com/typicallhavok/evidence-vault/internal/identity"
	"github.com/typicallhavok/evidence-vault/internal/kvstore"
	"github.com/typicallhavok/evidence-vault/internal/ledger"
	"github.com/typicallhavok/evidence-vault/internal/metastore"
	"github.com/typicallhavok/evidence-vault/pkg/cache"
	"github.com/typicallhavok/evidence-vault/pkg/chain"
	"github.com/typicallhavok/evidence-vault/pkg/interfaces"
	"github.com/typicallhavok/evidence-vault/pkg/keyderive"
	"github.com/typicallhavok/evidence-vault/pkg/logging"
	"github.com/typicallhavok/evidence-vault/pkg/model"
	workerpool "github.com/typicallhavok/evidence-vault/pkg/workerPool"
)

const logKeyError = "error"

// Vault is the main handle. It owns the embedded database, the worker pool
// and every store built on them.
type Vault struct {
	log    *slog.Logger
	config Config

	mu       sync.RWMutex
	kv       *kvstore.KeyValStore
	pool     *workerpool.WorkerPool
	content  *cas.Store
	ledger   *ledger.Ledger
	meta     interfaces.MetadataStore
	accounts *identity.Store
	audit    *audit.Log
	keys     *keyderive.Service
	records  *chain.CachedSource
	journal  *uploadJournal
	locks    *keyedMutex

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New validates conf and returns an unstarted vault. New does no I/O.
func New(conf Config) (*Vault, error) { // A
	if !conf.InMemory && (len(conf.Paths) == 0 || conf.Paths[0] == "") {
		return nil, fmt.Errorf("vault: at least one path must be provided in config")
	}
	if conf.MaxHops < 0 || conf.Workers < 0 || conf.CacheSize < 0 || conf.CacheTTL < 0 {
		return nil, fmt.Errorf("vault: negative limits in config")
	}
	conf.applyDefaults()
	return &Vault{
		log:    conf.Logger,
		config: conf,
		locks:  newKeyedMutex(),
	}, nil
}

// Start opens the stores. Start is safe to call multiple times; only the
// first call has effect.
func (v *Vault) Start(ctx context.Context) error { // A
	if v.closed.Load() {
		return ErrClosed
	}
	var startErr error
	v.startOnce.Do(func() {
		if err := ctx.Err(); err != nil {
			startErr = err
			return
		}

		storeCfg := kvstore.StoreConfig{
			MinimumFreeSpace: int(v.config.MinimumFreeGB),
			Logger:           logging.StoreLogger(os.Stderr, v.config.StoreLogLevel.Level()),
			InMemory:         v.config.InMemory,
		}
		if !v.config.InMemory {
			storeCfg.Paths = []string{filepath.Join(v.config.Paths[0], "kv")}
		}
		kv, err := kvstore.NewKeyValStore(storeCfg)
		if err != nil {
			startErr = fmt.Errorf("vault: open store: %w", err)
			return
		}

		pool := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: v.config.Workers})
		content, err := cas.New(kv, pool, v.log.With("component", "cas"))
		if err != nil {
			pool.Close()
			_ = kv.Close()
			startErr = err
			return
		}

		led := ledger.New(kv, v.log.With("component", "ledger"))
		meta := v.config.Metadata
		if meta == nil {
			meta = metastore.NewBadger(kv)
		}
		accounts := identity.New(kv, v.config.PasswordParams)
		recordCache := cache.New[model.ContentID, model.EvidenceRecord](v.config.CacheTTL, v.config.CacheSize, nil)

		v.mu.Lock()
		v.kv = kv
		v.pool = pool
		v.content = content
		v.ledger = led
		v.meta = meta
		v.accounts = accounts
		v.audit = audit.New(kv)
		v.keys = keyderive.NewService(accounts)
		v.records = chain.NewCachedSource(led, recordCache)
		v.journal = newUploadJournal(kv)
		v.mu.Unlock()

		v.started.Store(true)
		v.log.Info("vault started", "path", kv.Path(), "inMemory", v.config.InMemory, "workers", pool.Workers())
	})
	return startErr
}

// Run starts the vault, blocks until ctx is cancelled and then closes it
// within a bounded time.
func (v *Vault) Run(ctx context.Context) error { // A
	if err := v.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return v.Close(shutdownCtx)
}

// Close releases every resource. Close is idempotent.
func (v *Vault) Close(ctx context.Context) error { // A
	var closeErr error
	v.closeOnce.Do(func() {
		v.closed.Store(true)

		v.mu.Lock()
		kv, pool, content := v.kv, v.pool, v.content
		v.kv, v.pool, v.content = nil, nil, nil
		v.mu.Unlock()

		if pool != nil {
			pool.Close()
		}
		if content != nil {
			if err := content.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close content store: %w", err))
			}
		}
		if kv != nil {
			if err := kv.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close kv: %w", err))
			}
		}
		if ctx.Err() != nil {
			closeErr = errors.Join(closeErr, ctx.Err())
		}
		v.log.Info("vault closed")
	})
	return closeErr
}

// handles is the set of stores an operation works with.
type handles struct {
	kv       *kvstore.KeyValStore
	pool     *workerpool.WorkerPool
	content  *cas.Store
	ledger   *ledger.Ledger
	meta     interfaces.MetadataStore
	accounts *identity.Store
	audit    *audit.Log
	keys     *keyderive.Service
	records  *chain.CachedSource
	journal  *uploadJournal
}

func (v *Vault) handles() (handles, error) { // A
	if v.closed.Load() {
		return handles{}, ErrClosed
	}
	if !v.started.Load() {
		return handles{}, ErrNotStarted
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.kv == nil {
		return handles{}, ErrClosed
	}
	return handles{
		kv:       v.kv,
		pool:     v.pool,
		content:  v.content,
		ledger:   v.ledger,
		meta:     v.meta,
		accounts: v.accounts,
		audit:    v.audit,
		keys:     v.keys,
		records:  v.records,
		journal:  v.journal,
	}, nil
}

// recordAudit appends an audit entry. Failures are logged, never returned.
func (v *Vault) recordAudit(ctx context.Context, h handles, e model.AuditEntry) {
	if err := h.audit.Record(context.WithoutCancel(ctx), e); err != nil {
		v.log.Warn("audit entry dropped", "action", e.Action, "user", e.UserID, logKeyError, err)
	}
}
