package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Database {
	t.Helper()
	level, err := NewLevelDB(filepath.Join(t.TempDir(), "level"))
	require.NoError(t, err)
	bolt, err := NewBoltDB(filepath.Join(t.TempDir(), "ledger.bolt"))
	require.NoError(t, err)
	dbs := map[string]Database{
		"memory":  NewMemDB(),
		"leveldb": level,
		"bolt":    bolt,
	}
	t.Cleanup(func() {
		for _, db := range dbs {
			db.Close()
		}
	})
	return dbs
}

func TestDatabaseGetMissingKey(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := db.Get([]byte("missing"))
			require.ErrorIs(t, err, ErrNotFound)
			ok, err := db.Has([]byte("missing"))
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestDatabaseBatchAppliesAllWrites(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.Put([]byte("stale"), []byte("x")))

			batch := db.NewBatch()
			batch.Put([]byte("a"), []byte("1"))
			batch.Put([]byte("b"), []byte("2"))
			batch.Delete([]byte("stale"))
			require.Equal(t, 3, batch.Len())

			_, err := db.Get([]byte("a"))
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, batch.Write())
			require.Equal(t, 0, batch.Len())

			got, err := db.Get([]byte("a"))
			require.NoError(t, err)
			require.Equal(t, []byte("1"), got)
			got, err = db.Get([]byte("b"))
			require.NoError(t, err)
			require.Equal(t, []byte("2"), got)
			ok, err := db.Has([]byte("stale"))
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestLevelDBPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	db1, err := NewLevelDB(dir)
	require.NoError(t, err)
	require.NoError(t, db1.Put([]byte("key"), []byte("value")))
	db1.Close()

	db2, err := NewLevelDB(dir)
	require.NoError(t, err)
	defer db2.Close()

	got, err := db2.Get([]byte("key"))
	require.NoError(t, err)
	require.Equal(t, []byte("value"), got)
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open("rocksdb", t.TempDir())
	require.Error(t, err)

	db, err := Open("memory", "")
	require.NoError(t, err)
	db.Close()
}
