// Package kvstore wraps the embedded badger database every vault store
// (content, ledger, metadata, accounts, audit) lives in. Each store owns a key
// prefix; see the Prefix constants.
package kvstore

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// Key prefixes of the stores sharing one database. Never reuse a prefix.
const (
	PrefixChunk      = "cas:chunk:"
	PrefixObject     = "cas:object:"
	PrefixPin        = "cas:pin:"
	PrefixLedger     = "ledger:record:"
	PrefixLedgerTx   = "ledger:tx:"
	PrefixLedgerSeq  = "ledger:seq:"
	PrefixLedgerNext = "ledger:next:"
	KeyLedgerHead    = "ledger:head"
	PrefixStatus     = "ledger:status:"
	PrefixFile       = "meta:file:"
	PrefixCase       = "meta:case:"
	PrefixAccount    = "account:id:"
	PrefixUsername   = "account:name:"
	PrefixEmail      = "account:email:"
	PrefixAudit      = "audit:"
	PrefixUpload     = "vault:upload:"
)

var ErrNotFound = errors.New("kvstore: key not found")

type StoreConfig struct {
	Paths            []string // only the first path is used
	MinimumFreeSpace int      // in GB
	Logger           *logrus.Logger
	InMemory         bool
}

type KeyValStore struct {
	config       StoreConfig
	log          *logrus.Logger
	badgerDB     *badger.DB
	readCounter  uint64
	writeCounter uint64
}

// Stats are the operation counters since open.
type Stats struct {
	Reads  uint64 `json:"reads"`
	Writes uint64 `json:"writes"`
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
		config.Logger.SetLevel(logrus.WarnLevel)
	}
	log := config.Logger

	if err := config.checkConfig(); err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(config.Paths[0]).
			WithValueLogFileSize(1024 * 1024 * 100). // 100MB value log files
			WithSyncWrites(true)
	}
	// The logrus level filters badger's output.
	opts = opts.WithLogger(log)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	if !config.InMemory {
		if err := logDiskUsage(log, config.Paths[:1]); err != nil {
			log.Warnf("disk usage unavailable: %v", err)
		}
	}

	return &KeyValStore{
		config:   config,
		log:      log,
		badgerDB: db,
	}, nil
}

// Write stores content under key.
func (k *KeyValStore) Write(key []byte, content []byte) error {
	atomic.AddUint64(&k.writeCounter, 1)
	return k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set(key, content)
	})
}

// Delete removes key. Deleting an absent key is not an error.
func (k *KeyValStore) Delete(key []byte) error {
	atomic.AddUint64(&k.writeCounter, 1)
	return k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// WriteBatch stores every pair in one transaction.
func (k *KeyValStore) WriteBatch(batch [][2][]byte) error {
	return k.badgerDB.Update(func(txn *badger.Txn) error {
		for _, kv := range batch {
			atomic.AddUint64(&k.writeCounter, 1)
			if err := txn.Set(kv[0], kv[1]); err != nil {
				return fmt.Errorf("error writing batch: %w", err)
			}
		}
		return nil
	})
}

// DeleteBatch removes keys through a badger write batch, which commits in as
// many transactions as needed so large deletes never exceed a txn's limits.
func (k *KeyValStore) DeleteBatch(keys [][]byte) error {
	wb := k.badgerDB.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		atomic.AddUint64(&k.writeCounter, 1)
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("error deleting key: %w", err)
		}
	}
	return wb.Flush()
}

// WriteNonExisting writes the pairs whose keys are absent and returns how
// many were written. Content addressed keys make present values equal.
func (k *KeyValStore) WriteNonExisting(batch [][2][]byte) (int, error) {
	keys := make([][]byte, 0, len(batch))
	for _, kv := range batch {
		keys = append(keys, kv[0])
	}

	existsMap, err := k.BatchCheckKeyExistence(keys)
	if err != nil {
		return 0, fmt.Errorf("error checking key existence: %w", err)
	}

	wb := k.badgerDB.NewWriteBatch()
	defer wb.Cancel()

	written := 0
	for _, kv := range batch {
		if existsMap[string(kv[0])] {
			continue
		}
		existsMap[string(kv[0])] = true
		atomic.AddUint64(&k.writeCounter, 1)
		if err := wb.Set(kv[0], kv[1]); err != nil {
			return 0, fmt.Errorf("error writing key: %w", err)
		}
		written++
	}

	return written, wb.Flush()
}

func (k *KeyValStore) BatchCheckKeyExistence(keys [][]byte) (map[string]bool, error) {
	existsMap := make(map[string]bool)

	err := k.badgerDB.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			atomic.AddUint64(&k.readCounter, 1)
			_, err := txn.Get(key)
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					existsMap[string(key)] = false
				} else {
					return err // return an error for issues other than "key not found"
				}
			} else {
				existsMap[string(key)] = true
			}
		}
		return nil
	})

	return existsMap, err
}

// Read returns the value stored under key or an error wrapping ErrNotFound.
func (k *KeyValStore) Read(key []byte) ([]byte, error) {
	var value []byte
	atomic.AddUint64(&k.readCounter, 1)
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		v, err := Get(txn, key)
		value = v
		return err
	})
	return value, err
}

// Exists reports whether key is present.
func (k *KeyValStore) Exists(key []byte) (bool, error) {
	m, err := k.BatchCheckKeyExistence([][]byte{key})
	if err != nil {
		return false, err
	}
	return m[string(key)], nil
}

// Get reads key inside txn and maps badger's miss to ErrNotFound.
func Get(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// Update runs fn in a read-write transaction. A commit that lost a race to
// another transaction returns an error wrapping badger.ErrConflict.
func (k *KeyValStore) Update(fn func(txn *badger.Txn) error) error {
	atomic.AddUint64(&k.writeCounter, 1)
	return k.badgerDB.Update(fn)
}

// View runs fn in a read-only transaction.
func (k *KeyValStore) View(fn func(txn *badger.Txn) error) error {
	atomic.AddUint64(&k.readCounter, 1)
	return k.badgerDB.View(fn)
}

// GetItemsWithPrefix returns all keys and values with the given prefix in key
// order.
func (k *KeyValStore) GetItemsWithPrefix(prefix []byte) ([][][]byte, error) {
	var keysAndValues [][][]byte
	atomic.AddUint64(&k.readCounter, 1)
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			keysAndValues = append(keysAndValues, [][]byte{key, v})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keysAndValues, nil
}

// Stats returns the read and write counters.
func (k *KeyValStore) Stats() Stats {
	return Stats{
		Reads:  atomic.LoadUint64(&k.readCounter),
		Writes: atomic.LoadUint64(&k.writeCounter),
	}
}

// Path returns the data directory, or "" for in-memory stores.
func (k *KeyValStore) Path() string {
	if k.config.InMemory {
		return ""
	}
	return k.config.Paths[0]
}

// Clean flattens the LSM tree and reclaims value log space.
func (k *KeyValStore) Clean() error {
	if err := k.badgerDB.Flatten(runtime.NumCPU()); err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}
	k.log.Info("DB Flattened")
	if k.config.InMemory {
		return nil
	}

	if err := k.badgerDB.RunValueLogGC(0.1); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}
	return nil
}

func (k *KeyValStore) Close() error {
	return k.badgerDB.Close()
}
