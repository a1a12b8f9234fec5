package kv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTable = Table("things")

func setupTestEnv(t *testing.T) *Env {
	t.Helper()
	env, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func TestTxn_PutGetDelete(t *testing.T) {
	env := setupTestEnv(t)

	require.NoError(t, env.Update(func(txn *Txn) error {
		return txn.Put(testTable, []byte("a"), []byte("1"))
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		val, err := txn.Get(testTable, []byte("a"))
		require.NoError(t, err)
		assert.Equal(t, "1", string(val))

		_, err = txn.Get(testTable, []byte("b"))
		assert.ErrorIs(t, err, ErrNotFound)

		ok, err := txn.Has(Table("other"), []byte("a"))
		require.NoError(t, err)
		assert.False(t, ok, "tables do not share keys")
		return nil
	}))

	require.NoError(t, env.Update(func(txn *Txn) error {
		return txn.Delete(testTable, []byte("a"))
	}))
	require.NoError(t, env.View(func(txn *Txn) error {
		_, err := txn.Get(testTable, []byte("a"))
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	}))
}

func TestTxn_ReadOnlyRejectsWrites(t *testing.T) {
	env := setupTestEnv(t)
	require.NoError(t, env.View(func(txn *Txn) error {
		assert.ErrorIs(t, txn.Put(testTable, []byte("a"), nil), ErrReadOnly)
		return nil
	}))
}

func TestTxn_ScanPrefix(t *testing.T) {
	env := setupTestEnv(t)
	require.NoError(t, env.Update(func(txn *Txn) error {
		for _, k := range []string{"p/2", "p/1", "q/1", "p/3"} {
			if err := txn.Put(testTable, []byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	}))

	collectKeys := func(txn *Txn) []string {
		var keys []string
		for e, err := range txn.Scan(testTable, []byte("p/"), ScanOptions{}) {
			require.NoError(t, err)
			keys = append(keys, string(e.Key))
			assert.Equal(t, string(e.Key), string(e.Value))
		}
		return keys
	}

	require.NoError(t, env.View(func(txn *Txn) error {
		assert.Equal(t, []string{"p/1", "p/2", "p/3"}, collectKeys(txn))
		return nil
	}))

	// Write transactions see their own pending writes and allow writes
	// while the scan is being consumed.
	require.NoError(t, env.Update(func(txn *Txn) error {
		require.NoError(t, txn.Put(testTable, []byte("p/0"), []byte("p/0")))
		for e, err := range txn.Scan(testTable, []byte("p/"), ScanOptions{KeysOnly: true}) {
			require.NoError(t, err)
			require.NoError(t, txn.Delete(testTable, e.Key))
		}
		return nil
	}))
	require.NoError(t, env.View(func(txn *Txn) error {
		assert.Empty(t, collectKeys(txn))
		return nil
	}))
}

func TestTxn_ScanEarlyStop(t *testing.T) {
	env := setupTestEnv(t)
	require.NoError(t, env.Update(func(txn *Txn) error {
		for i := range 10 {
			if err := txn.Put(testTable, []byte{byte(i)}, nil); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, env.View(func(txn *Txn) error {
		n := 0
		for range txn.Scan(testTable, nil, ScanOptions{KeysOnly: true}) {
			n++
			if n == 3 {
				break
			}
		}
		assert.Equal(t, 3, n)
		return nil
	}))
}

func TestTxn_PoisonedCommitAborts(t *testing.T) {
	env := setupTestEnv(t)

	txn, err := env.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, txn.Put(testTable, []byte("a"), []byte("1")))
	txn.Fail(errors.New("secondary index failed"))

	err = txn.Commit()
	assert.ErrorIs(t, err, ErrTxnAborted)
	assert.Contains(t, err.Error(), "secondary index failed")

	require.NoError(t, env.View(func(txn *Txn) error {
		_, err := txn.Get(testTable, []byte("a"))
		assert.ErrorIs(t, err, ErrNotFound, "no partial state")
		return nil
	}))
	assert.Equal(t, 0, env.OpenWriters())
}

func TestEnv_SizeLimitCountsUnreportedCommits(t *testing.T) {
	env := setupTestEnv(t)
	env.limit = 1000
	val := make([]byte, 600)

	require.NoError(t, env.Update(func(txn *Txn) error {
		return txn.Put(testTable, []byte("k1"), val)
	}))

	// Badger has not refreshed its size yet; the first commit still counts.
	err := env.Update(func(txn *Txn) error {
		return txn.Put(testTable, []byte("k2"), val)
	})
	assert.ErrorIs(t, err, ErrMapFull)
	assert.Equal(t, 0, env.OpenWriters())
	require.NoError(t, env.View(func(txn *Txn) error {
		_, err := txn.Get(testTable, []byte("k2"))
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	}))

	// Small writes still fit.
	require.NoError(t, env.Update(func(txn *Txn) error {
		return txn.Put(testTable, []byte("k3"), []byte("x"))
	}))
}

func TestEnv_UpdateErrorDiscards(t *testing.T) {
	env := setupTestEnv(t)
	boom := errors.New("boom")
	err := env.Update(func(txn *Txn) error {
		require.NoError(t, txn.Put(testTable, []byte("a"), nil))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, env.View(func(txn *Txn) error {
		ok, err := txn.Has(testTable, []byte("a"))
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestEnv_SingleWriter(t *testing.T) {
	env := setupTestEnv(t)

	const writers = 16
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.Update(func(txn *Txn) error {
				assert.Equal(t, 1, env.OpenWriters())
				return txn.Put(testTable, []byte(fmt.Sprintf("k%02d", i)), nil)
			}))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, env.PeakWriters())
	assert.Equal(t, uint64(writers), env.Commits())
	require.NoError(t, env.View(func(txn *Txn) error {
		n := 0
		for _, err := range txn.Scan(testTable, nil, ScanOptions{KeysOnly: true}) {
			require.NoError(t, err)
			n++
		}
		assert.Equal(t, writers, n)
		return nil
	}))
}

func TestEnv_SnapshotIsolation(t *testing.T) {
	env := setupTestEnv(t)

	reader, err := env.BeginRead()
	require.NoError(t, err)
	defer reader.Discard()

	for i := range 5 {
		require.NoError(t, env.Update(func(txn *Txn) error {
			return txn.Put(testTable, []byte{byte(i)}, nil)
		}))
	}

	count := func(txn *Txn) int {
		n := 0
		for range txn.Scan(testTable, nil, ScanOptions{KeysOnly: true}) {
			n++
		}
		return n
	}
	assert.Equal(t, 0, count(reader))
	require.NoError(t, env.View(func(txn *Txn) error {
		assert.Equal(t, 5, count(txn))
		return nil
	}))
}

func TestEnv_BackupRestore(t *testing.T) {
	dir := t.TempDir()
	src, err := Open(Options{DataDir: filepath.Join(dir, "src")})
	require.NoError(t, err)
	defer src.Close()

	require.NoError(t, src.Update(func(txn *Txn) error {
		for i := range 50 {
			if err := txn.Put(testTable, []byte(fmt.Sprintf("k%03d", i)), []byte("v")); err != nil {
				return err
			}
		}
		return nil
	}))

	path := filepath.Join(dir, "backups", "snap.bak")
	info, err := src.Backup(path)
	require.NoError(t, err)
	assert.Equal(t, path, info.Path)
	assert.Positive(t, info.Bytes)

	dst, err := Open(Options{DataDir: filepath.Join(dir, "dst")})
	require.NoError(t, err)
	defer dst.Close()
	require.NoError(t, dst.Restore(path))

	require.NoError(t, dst.View(func(txn *Txn) error {
		val, err := txn.Get(testTable, []byte("k049"))
		require.NoError(t, err)
		assert.Equal(t, "v", string(val))
		return nil
	}))
}

func TestEnv_RestoreRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	env, err := Open(Options{DataDir: filepath.Join(dir, "db")})
	require.NoError(t, err)
	defer env.Close()

	path := filepath.Join(dir, "snap.bak")
	_, err = env.Backup(path)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(backupMagic)+1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	assert.ErrorIs(t, env.Restore(path), ErrBadBackup)
}

func TestEnv_Closed(t *testing.T) {
	env, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, env.Close())

	_, err = env.BeginRead()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = env.BeginWrite()
	assert.ErrorIs(t, err, ErrClosed)
}
