// Package cas is the content-addressed store for encrypted containers.
//
// An object is addressed by the hex SHA-256 of its bytes. Objects are split
// with a buzhash content-defined chunker, each chunk is zstd compressed and
// stored once under its own hash, and the object itself is a manifest listing
// its chunks. Objects start unpinned; Pin marks them retained and Prune drops
// unpinned objects together with chunks nothing else references.
package cas

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	chunker "github.com/ipfs/boxo/chunker"
	"github.com/klauspost/compress/zstd"

	"github.com/typicallhavok/evidence-vault/internal/kvstore"
	"github.com/typicallhavok/evidence-vault/pkg/interfaces"
	"github.com/typicallhavok/evidence-vault/pkg/model"
	workerpool "github.com/typicallhavok/evidence-vault/pkg/workerPool"
)

var ErrCorrupt = errors.New("cas: stored object does not match its content id")

// Store implements interfaces.ContentStore on a KeyValStore.
//
// Chunks and the manifest naming them are written separately, so Store and
// Pin hold mu shared while Prune holds it exclusively. Prune therefore never
// sees chunks whose manifest is still being written.
type Store struct {
	kv   *kvstore.KeyValStore
	pool *workerpool.WorkerPool
	log  *slog.Logger
	mu   sync.RWMutex

	enc *zstd.Encoder
	dec *zstd.Decoder

	now func() time.Time
}

var _ interfaces.ContentStore = (*Store)(nil)

// New creates a Store. pool may be nil, in which case chunks are compressed on
// the calling goroutine.
func New(kv *kvstore.KeyValStore, pool *workerpool.WorkerPool, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("cas: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("cas: zstd decoder: %w", err)
	}
	return &Store{kv: kv, pool: pool, log: log, enc: enc, dec: dec, now: time.Now}, nil
}

// Close releases the codec resources.
func (s *Store) Close() error {
	s.dec.Close()
	return s.enc.Close()
}

// ContentIDOf returns the id data would be stored under.
func ContentIDOf(data []byte) model.ContentID {
	sum := sha256.Sum256(data)
	return model.ContentID(hex.EncodeToString(sum[:]))
}

func objectKey(cid model.ContentID) []byte { return []byte(kvstore.PrefixObject + string(cid)) }
func pinKey(cid model.ContentID) []byte    { return []byte(kvstore.PrefixPin + string(cid)) }
func chunkKey(hash string) []byte          { return []byte(kvstore.PrefixChunk + hash) }

// Store writes data and returns its content id. Storing the same bytes twice
// is a no-op that returns the same id.
func (s *Store) Store(ctx context.Context, data []byte) (model.ContentID, error) { // A
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cid := ContentIDOf(data)

	s.mu.RLock()
	defer s.mu.RUnlock()

	exists, err := s.refresh(cid)
	if err != nil {
		return "", fmt.Errorf("%w: cas: %v", interfaces.ErrUnavailable, err)
	}
	if exists {
		return cid, nil
	}

	chunks, err := chunkerFunc(data)
	if err != nil {
		return "", fmt.Errorf("cas: chunk: %w", err)
	}

	hashes := make([]string, len(chunks))
	for i, c := range chunks {
		sum := sha256.Sum256(c)
		hashes[i] = hex.EncodeToString(sum[:])
	}

	compressed, err := s.compressChunks(ctx, chunks)
	if err != nil {
		return "", err
	}

	batch := make([][2][]byte, 0, len(chunks))
	for i := range chunks {
		batch = append(batch, [2][]byte{chunkKey(hashes[i]), compressed[i]})
	}
	written, err := s.kv.WriteNonExisting(batch)
	if err != nil {
		return "", fmt.Errorf("%w: cas: write chunks: %v", interfaces.ErrUnavailable, err)
	}

	m := manifest{Size: int64(len(data)), Chunks: hashes, CreatedAt: s.now().UnixNano()}
	if err := s.kv.Write(objectKey(cid), m.marshal()); err != nil {
		return "", fmt.Errorf("%w: cas: write manifest: %v", interfaces.ErrUnavailable, err)
	}

	s.log.Debug("stored object", "cid", cid, "size", len(data), "chunks", len(chunks), "newChunks", written)
	return cid, nil
}

// refresh reports whether cid is stored. An unpinned object gets a new
// creation time, so a Pin following this Store is not raced by Prune.
func (s *Store) refresh(cid model.ContentID) (bool, error) {
	var (
		m      manifest
		exists bool
		pinned bool
	)
	err := s.kv.View(func(txn *badger.Txn) error {
		raw, err := kvstore.Get(txn, objectKey(cid))
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		_, pinErr := txn.Get(pinKey(cid))
		if pinErr == nil {
			pinned = true
			return nil
		}
		if !errors.Is(pinErr, badger.ErrKeyNotFound) {
			return pinErr
		}
		m, err = unmarshalManifest(raw)
		return err
	})
	if err != nil || !exists || pinned {
		return exists, err
	}
	m.CreatedAt = s.now().UnixNano()
	return true, s.kv.Write(objectKey(cid), m.marshal())
}

func chunkerFunc(payload []byte) ([][]byte, error) {
	bz := chunker.NewBuzhash(bytes.NewReader(payload))

	var chunks [][]byte
	for {
		buzChunk, err := bz.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, buzChunk)
	}
	return chunks, nil
}

type compressResult struct {
	index int
	data  []byte
}

func (s *Store) compressChunks(ctx context.Context, chunks [][]byte) ([][]byte, error) {
	out := make([][]byte, len(chunks))
	if s.pool == nil || len(chunks) < 2 {
		for i, c := range chunks {
			out[i] = s.enc.EncodeAll(c, nil)
		}
		return out, nil
	}

	room := s.pool.CreateRoom(len(chunks))
	for i, c := range chunks {
		i, c := i, c
		err := room.NewTaskWaitForFreeSlot(ctx, func() interface{} {
			return compressResult{index: i, data: s.enc.EncodeAll(c, nil)}
		})
		if err != nil {
			return nil, compressError(err)
		}
	}
	results, err := room.CollectContext(ctx)
	if err != nil {
		return nil, compressError(err)
	}
	for _, r := range results {
		res, ok := r.(compressResult)
		if !ok {
			return nil, fmt.Errorf("cas: compress chunk: %v", r)
		}
		out[res.index] = res.data
	}
	return out, nil
}

func compressError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: cas: compress chunks: %w", interfaces.ErrUnavailable, err)
}

// Retrieve returns the bytes stored under cid. The reassembled bytes are
// checked against cid before they are returned.
func (s *Store) Retrieve(ctx context.Context, cid model.ContentID) ([]byte, error) { // A
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []byte
	err := s.kv.View(func(txn *badger.Txn) error {
		raw, err := kvstore.Get(txn, objectKey(cid))
		if err != nil {
			return err
		}
		m, err := unmarshalManifest(raw)
		if err != nil {
			return err
		}

		out = make([]byte, 0, m.Size)
		for _, h := range m.Chunks {
			if err := ctx.Err(); err != nil {
				return err
			}
			compressed, err := kvstore.Get(txn, chunkKey(h))
			if err != nil {
				return fmt.Errorf("%w: chunk %s missing", ErrCorrupt, h)
			}
			out, err = s.dec.DecodeAll(compressed, out)
			if err != nil {
				return fmt.Errorf("%w: chunk %s: %v", ErrCorrupt, h, err)
			}
		}
		return nil
	})
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
		return nil, fmt.Errorf("cas: object %s: %w", cid, interfaces.ErrNotFound)
	case errors.Is(err, ErrCorrupt), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("%w: cas: %v", interfaces.ErrUnavailable, err)
	}

	if ContentIDOf(out) != cid {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, cid)
	}
	return out, nil
}

// Pin retains cid. Pinning an unknown object fails with ErrNotFound.
func (s *Store) Pin(ctx context.Context, cid model.ContentID) error { // A
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	err := s.kv.Update(func(txn *badger.Txn) error {
		if _, err := kvstore.Get(txn, objectKey(cid)); err != nil {
			return err
		}
		return txn.Set(pinKey(cid), []byte{1})
	})
	if errors.Is(err, kvstore.ErrNotFound) {
		return fmt.Errorf("cas: pin %s: %w", cid, interfaces.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%w: cas: pin: %v", interfaces.ErrUnavailable, err)
	}
	return nil
}

// Pinned reports whether cid is pinned.
func (s *Store) Pinned(ctx context.Context, cid model.ContentID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.kv.Exists(pinKey(cid))
}

// PruneResult reports what Prune removed.
type PruneResult struct {
	Objects int `json:"objects"`
	Chunks  int `json:"chunks"`
}

// Prune deletes unpinned objects older than minAge and every chunk no
// remaining object references. Orphans come from uploads that failed after
// the store step. Deletes are batched, objects before chunks, so an
// interrupted prune never leaves a manifest without its chunks.
func (s *Store) Prune(ctx context.Context, minAge time.Duration) (PruneResult, error) { // A
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-minAge).UnixNano()
	var dropObjects, dropChunks [][]byte

	err := s.kv.View(func(txn *badger.Txn) error {
		referenced := make(map[string]struct{})

		objects, err := scanPrefix(txn, []byte(kvstore.PrefixObject))
		if err != nil {
			return err
		}
		for _, o := range objects {
			if err := ctx.Err(); err != nil {
				return err
			}
			cid := model.ContentID(bytes.TrimPrefix(o[0], []byte(kvstore.PrefixObject)))
			m, err := unmarshalManifest(o[1])
			if err != nil {
				return err
			}
			_, pinErr := txn.Get(pinKey(cid))
			if pinErr != nil && !errors.Is(pinErr, badger.ErrKeyNotFound) {
				return pinErr
			}
			if pinErr == nil || m.CreatedAt > cutoff {
				for _, h := range m.Chunks {
					referenced[h] = struct{}{}
				}
				continue
			}
			dropObjects = append(dropObjects, o[0])
		}

		chunkKeys, err := scanKeys(txn, []byte(kvstore.PrefixChunk))
		if err != nil {
			return err
		}
		for _, key := range chunkKeys {
			h := string(bytes.TrimPrefix(key, []byte(kvstore.PrefixChunk)))
			if _, ok := referenced[h]; !ok {
				dropChunks = append(dropChunks, key)
			}
		}
		return nil
	})
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = s.kv.DeleteBatch(dropObjects)
	}
	if err == nil {
		err = s.kv.DeleteBatch(dropChunks)
	}
	if err != nil {
		return PruneResult{}, fmt.Errorf("cas: prune: %w", err)
	}

	res := PruneResult{Objects: len(dropObjects), Chunks: len(dropChunks)}
	if res.Objects > 0 || res.Chunks > 0 {
		s.log.Info("pruned unpinned objects", "objects", res.Objects, "chunks", res.Chunks)
	}
	return res, nil
}

// scanKeys returns the keys under prefix without reading values.
func scanKeys(txn *badger.Txn, prefix []byte) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var out [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		out = append(out, it.Item().KeyCopy(nil))
	}
	return out, nil
}

// scanPrefix returns keys and values under prefix.
func scanPrefix(txn *badger.Txn, prefix []byte) ([][2][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out [][2][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		v, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		out = append(out, [2][]byte{item.KeyCopy(nil), v})
	}
	return out, nil
}
