package kvstore

import (
	"fmt"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMem(t *testing.T) *KeyValStore {
	t.Helper()
	kv, err := NewKeyValStore(StoreConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func TestWriteReadAndMiss(t *testing.T) {
	kv := openMem(t)

	require.NoError(t, kv.Write([]byte("a"), []byte("1")))
	v, err := kv.Read([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	_, err = kv.Read([]byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := kv.Exists([]byte("a"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWriteNonExistingSkipsPresentKeys(t *testing.T) {
	kv := openMem(t)
	require.NoError(t, kv.Write([]byte("k1"), []byte("old")))

	n, err := kv.WriteNonExisting([][2][]byte{
		{[]byte("k1"), []byte("new")},
		{[]byte("k2"), []byte("v2")},
		{[]byte("k2"), []byte("v2")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, err := kv.Read([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), v)
}

func TestDeleteBatchRemovesManyKeys(t *testing.T) {
	kv := openMem(t)
	var batch [][2][]byte
	var keys [][]byte
	for i := 0; i < 5000; i++ {
		key := []byte(fmt.Sprintf("d:%05d", i))
		batch = append(batch, [2][]byte{key, []byte("v")})
		keys = append(keys, key)
	}
	_, err := kv.WriteNonExisting(batch)
	require.NoError(t, err)
	require.NoError(t, kv.Write([]byte("e:keep"), []byte("v")))

	require.NoError(t, kv.DeleteBatch(keys))

	items, err := kv.GetItemsWithPrefix([]byte("d:"))
	require.NoError(t, err)
	assert.Empty(t, items)
	ok, err := kv.Exists([]byte("e:keep"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetItemsWithPrefixIsOrderedAndScoped(t *testing.T) {
	kv := openMem(t)
	require.NoError(t, kv.WriteBatch([][2][]byte{
		{[]byte("p:2"), []byte("b")},
		{[]byte("p:1"), []byte("a")},
		{[]byte("q:1"), []byte("x")},
	}))

	items, err := kv.GetItemsWithPrefix([]byte("p:"))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, []byte("p:1"), items[0][0])
	assert.Equal(t, []byte("b"), items[1][1])
}

func TestUpdateAndViewUseGet(t *testing.T) {
	kv := openMem(t)
	require.NoError(t, kv.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("x"), []byte("y"))
	}))
	require.NoError(t, kv.View(func(txn *badger.Txn) error {
		v, err := Get(txn, []byte("x"))
		assert.Equal(t, []byte("y"), v)
		return err
	}))

	stats := kv.Stats()
	assert.NotZero(t, stats.Reads)
	assert.NotZero(t, stats.Writes)
	assert.Equal(t, "", kv.Path())
}

func TestOnDiskStoreReopens(t *testing.T) {
	dir := t.TempDir()
	kv, err := NewKeyValStore(StoreConfig{Paths: []string{dir}})
	require.NoError(t, err)
	require.NoError(t, kv.Write([]byte("durable"), []byte("yes")))
	require.NoError(t, kv.Close())

	kv, err = NewKeyValStore(StoreConfig{Paths: []string{dir}})
	require.NoError(t, err)
	defer kv.Close()
	v, err := kv.Read([]byte("durable"))
	require.NoError(t, err)
	assert.Equal(t, []byte("yes"), v)
	assert.Equal(t, dir, kv.Path())

	u, err := Usage(dir)
	require.NoError(t, err)
	assert.Greater(t, u.TotalGB, 0.0)
}

func TestConfigChecks(t *testing.T) {
	_, err := NewKeyValStore(StoreConfig{})
	assert.ErrorIs(t, err, ErrNoPath)

	_, err = NewKeyValStore(StoreConfig{Paths: []string{t.TempDir()}, MinimumFreeSpace: 1 << 30})
	assert.ErrorIs(t, err, ErrLowDiskSpace)
}
