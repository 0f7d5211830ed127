package cas

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/typicallhavok/evidence-vault/internal/kvstore"
	"github.com/typicallhavok/evidence-vault/internal/testutil"
	"github.com/typicallhavok/evidence-vault/pkg/interfaces"
	"github.com/typicallhavok/evidence-vault/pkg/model"
	workerpool "github.com/typicallhavok/evidence-vault/pkg/workerPool"
)

func newTestStore(t *testing.T) (*Store, *kvstore.KeyValStore) {
	t.Helper()
	kv, err := kvstore.NewKeyValStore(kvstore.StoreConfig{InMemory: true})
	require.NoError(t, err)
	pool := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: 4})
	s, err := New(kv, pool, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		pool.Close()
		_ = kv.Close()
	})
	return s, kv
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, size := range []int{0, 1, 4096, 3 << 20} {
		data := randomBytes(t, size)
		cid, err := s.Store(ctx, data)
		require.NoError(t, err)
		assert.Equal(t, ContentIDOf(data), cid)

		got, err := s.Retrieve(ctx, cid)
		require.NoError(t, err)
		assert.Equal(t, len(data), len(got))
		assert.Equal(t, data, got)
	}
}

func TestLargeContentRoundTrip(t *testing.T) {
	testutil.RequireLong(t)
	s, _ := newTestStore(t)
	ctx := context.Background()

	data := testutil.Payload(256<<20, 7)
	cid, err := s.Store(ctx, data)
	require.NoError(t, err)
	got, err := s.Retrieve(ctx, cid)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStoreIsIdempotent(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()
	data := randomBytes(t, 1<<20)

	a, err := s.Store(ctx, data)
	require.NoError(t, err)
	require.NoError(t, s.Pin(ctx, a))
	writes := kv.Stats().Writes
	b, err := s.Store(ctx, data)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, writes, kv.Stats().Writes)
}

func TestRestoringUnpinnedObjectResetsItsAge(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	data := []byte("uploaded twice")

	start := time.Now()
	s.now = func() time.Time { return start.Add(-48 * time.Hour) }
	cid, err := s.Store(ctx, data)
	require.NoError(t, err)

	s.now = func() time.Time { return start }
	_, err = s.Store(ctx, data)
	require.NoError(t, err)

	res, err := s.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, res.Objects)
	require.NoError(t, s.Pin(ctx, cid))
}

func TestPruneWaitsForStoreInProgress(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	data := randomBytes(t, 1<<20)

	// The first clock read happens after the chunks are written and before
	// the manifest is. Start a prune there and give it time to run.
	var once sync.Once
	pruned := make(chan PruneResult, 1)
	s.now = func() time.Time {
		once.Do(func() {
			go func() {
				res, err := s.Prune(ctx, 24*time.Hour)
				assert.NoError(t, err)
				pruned <- res
			}()
			time.Sleep(100 * time.Millisecond)
		})
		return time.Now()
	}

	cid, err := s.Store(ctx, data)
	require.NoError(t, err)
	require.NoError(t, s.Pin(ctx, cid))

	select {
	case res := <-pruned:
		assert.Zero(t, res.Chunks)
	case <-time.After(10 * time.Second):
		t.Fatal("prune did not finish")
	}

	got, err := s.Retrieve(ctx, cid)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStoreFailsAfterPoolClose(t *testing.T) {
	kv, err := kvstore.NewKeyValStore(kvstore.StoreConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	pool := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: 2})
	s, err := New(kv, pool, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := s.Store(ctx, randomBytes(t, 1<<20))
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, workerpool.ErrClosed)
		assert.ErrorIs(t, err, interfaces.ErrUnavailable)
	case <-time.After(3 * time.Second):
		t.Fatal("Store blocked after the worker pool was closed")
	}
}

func TestPruneManyOrphans(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		_, err := s.Store(ctx, []byte(fmt.Sprintf("orphan %d", i)))
		require.NoError(t, err)
	}

	s.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	res, err := s.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Objects)
	assert.Equal(t, 200, res.Chunks)

	left, err := kv.GetItemsWithPrefix([]byte(kvstore.PrefixObject))
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestSharedChunksAreStoredOnce(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()
	base := randomBytes(t, 2<<20)

	_, err := s.Store(ctx, base)
	require.NoError(t, err)
	before, err := kv.GetItemsWithPrefix([]byte(kvstore.PrefixChunk))
	require.NoError(t, err)

	_, err = s.Store(ctx, append(append([]byte(nil), base...), []byte("tail")...))
	require.NoError(t, err)
	after, err := kv.GetItemsWithPrefix([]byte(kvstore.PrefixChunk))
	require.NoError(t, err)

	assert.Less(t, len(after)-len(before), len(before))
}

func TestRetrieveUnknown(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Retrieve(context.Background(), model.ContentID("nope"))
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestRetrieveDetectsCorruptChunk(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()
	cid, err := s.Store(ctx, []byte("evidence bytes"))
	require.NoError(t, err)

	chunks, err := kv.GetItemsWithPrefix([]byte(kvstore.PrefixChunk))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.NoError(t, kv.Write(chunks[0][0], s.enc.EncodeAll([]byte("evidence BYTES"), nil)))

	_, err = s.Retrieve(ctx, cid)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestPinAndPrune(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	kept, err := s.Store(ctx, []byte("pinned container"))
	require.NoError(t, err)
	orphan, err := s.Store(ctx, []byte("orphaned container"))
	require.NoError(t, err)

	require.NoError(t, s.Pin(ctx, kept))
	pinned, err := s.Pinned(ctx, kept)
	require.NoError(t, err)
	assert.True(t, pinned)

	// Young orphans survive.
	res, err := s.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, PruneResult{}, res)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	res, err = s.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Objects)
	assert.Equal(t, 1, res.Chunks)

	_, err = s.Retrieve(ctx, orphan)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	got, err := s.Retrieve(ctx, kept)
	require.NoError(t, err)
	assert.Equal(t, []byte("pinned container"), got)

	chunks, err := kv.GetItemsWithPrefix([]byte(kvstore.PrefixChunk))
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
}

func TestPinUnknown(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.Pin(context.Background(), "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestCancelledContext(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Store(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.Retrieve(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestManifestRoundTrip(t *testing.T) {
	m := manifest{Size: 12345, Chunks: []string{"a", "b", "c"}, CreatedAt: 99}
	got, err := unmarshalManifest(m.marshal())
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = unmarshalManifest([]byte{0xff})
	assert.ErrorIs(t, err, ErrCorrupt)
}
