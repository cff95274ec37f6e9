package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBoltProvider(t *testing.T) *BoltProvider {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outbox.db")
	p := NewBoltProvider(path)
	require.NoError(t, p.Initialize())
	t.Cleanup(func() { p.Close() })
	return p
}

func TestBoltProvider_SetGetDelete(t *testing.T) {
	p := newTestBoltProvider(t)

	require.NoError(t, p.Set("outbox:1:1", []byte("payload-1")))

	got, err := p.Get("outbox:1:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload-1"), got)

	exists, err := p.Exists("outbox:1:1")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, p.Delete("outbox:1:1"))

	_, err = p.Get("outbox:1:1")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestBoltProvider_ScanRespectsPrefix(t *testing.T) {
	p := newTestBoltProvider(t)

	require.NoError(t, p.SetBatch(map[string][]byte{
		"outbox:1:1": []byte("a"),
		"outbox:1:2": []byte("b"),
		"queue:orders": []byte("c"),
	}))

	seen := map[string][]byte{}
	require.NoError(t, p.Scan("outbox:", func(key string, value []byte) error {
		seen[key] = value
		return nil
	}))

	assert.Len(t, seen, 2)
	assert.Equal(t, []byte("a"), seen["outbox:1:1"])
	assert.Equal(t, []byte("b"), seen["outbox:1:2"])
}

func TestBoltProvider_TransactionCommitsAtomically(t *testing.T) {
	p := newTestBoltProvider(t)

	tx, err := p.BeginTx()
	require.NoError(t, err)

	require.NoError(t, tx.Set("outbox:1:1", []byte("pending")))
	got, err := tx.Get("outbox:1:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("pending"), got, "uncommitted write visible within the same tx")

	_, err = p.Get("outbox:1:1")
	assert.ErrorIs(t, err, ErrKeyNotFound, "uncommitted write invisible outside the tx")

	require.NoError(t, tx.Commit())

	got, err = p.Get("outbox:1:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("pending"), got)
}

func TestBoltProvider_TransactionRollbackDiscardsWrites(t *testing.T) {
	p := newTestBoltProvider(t)

	tx, err := p.BeginTx()
	require.NoError(t, err)
	require.NoError(t, tx.Set("outbox:1:1", []byte("pending")))
	require.NoError(t, tx.Rollback())

	_, err = p.Get("outbox:1:1")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestBoltProvider_OnlyOneTransactionAtATime(t *testing.T) {
	p := newTestBoltProvider(t)

	tx, err := p.BeginTx()
	require.NoError(t, err)

	_, err = p.BeginTx()
	assert.ErrorIs(t, err, ErrTxAlreadyOpen)

	require.NoError(t, tx.Rollback())

	_, err = p.BeginTx()
	assert.NoError(t, err)
}
