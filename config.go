package vault

import (
	"log/slog"
	"time"

	"github.com/typicallhavok/evidence-vault/pkg/chain"
	"github.com/typicallhavok/evidence-vault/pkg/interfaces"
	"github.com/typicallhavok/evidence-vault/pkg/logging"
	"github.com/typicallhavok/evidence-vault/pkg/passhash"
)

// Config configures a vault. Only Paths[0] is used.
type Config struct {
	// Paths contains data directories. Currently only Paths[0] is used.
	Paths []string
	// InMemory keeps every store in memory; Paths may then be empty.
	InMemory bool
	// MinimumFreeGB is checked against the data directory on Start.
	MinimumFreeGB uint
	// Logger is an optional structured logger. If nil, a tint logger on
	// stderr is used.
	Logger *slog.Logger
	// StoreLogLevel filters the embedded database's own log output. nil
	// means warn.
	StoreLogLevel slog.Leveler

	// MaxHops bounds version chain walks. 0 means chain.DefaultMaxHops.
	MaxHops int
	// CacheTTL is how long ledger records stay cached. 0 disables the cache.
	CacheTTL time.Duration
	// CacheSize bounds the number of cached ledger records.
	CacheSize int
	// Workers is the size of the crypto worker pool. 0 means one per CPU.
	Workers int

	// PasswordParams tunes account and per-file password hashing. The zero
	// value means passhash.Default.
	PasswordParams passhash.Params

	// Metadata replaces the embedded metadata store, e.g. with a Mongo
	// backend. The vault does not close it.
	Metadata interfaces.MetadataStore
}

const defaultCacheSize = 4096

func defaultLogger() *slog.Logger { // A
	return logging.Default()
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
	if c.MaxHops == 0 {
		c.MaxHops = chain.DefaultMaxHops
	}
	if c.CacheSize == 0 {
		c.CacheSize = defaultCacheSize
	}
	if c.PasswordParams == (passhash.Params{}) {
		c.PasswordParams = passhash.Default
	}
	if c.StoreLogLevel == nil {
		c.StoreLogLevel = slog.LevelWarn
	}
}
