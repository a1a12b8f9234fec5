package kv

import (
	"errors"
	"fmt"
	"iter"

	"github.com/dgraph-io/badger/v4"
)

// Table names a logical table. Keys of a table are stored under the prefix
// name + 0x00.
type Table string

// Key returns the physical key of k in the table.
func (t Table) Key(k []byte) []byte {
	out := make([]byte, 0, len(t)+1+len(k))
	out = append(out, t...)
	out = append(out, 0)
	return append(out, k...)
}

func (t Table) prefixLen() int {
	return len(t) + 1
}

// Entry is one key/value pair yielded by Scan. Key excludes the table prefix.
type Entry struct {
	Key     []byte
	Value   []byte
	Version uint64
}

// ScanOptions tunes a Scan.
type ScanOptions struct {
	// KeysOnly skips value fetching.
	KeysOnly bool
}

// Txn is a read or write transaction.
//
// A write transaction that sees any failed write is poisoned: Commit then
// discards every change and returns ErrTxnAborted, so a multi-table operation
// can never commit partially.
type Txn struct {
	env      *Env
	txn      *badger.Txn
	writable bool
	done     bool
	failure  error
	written  int64 // key and value bytes staged by this transaction
}

// Writable reports whether this is a write transaction.
func (t *Txn) Writable() bool {
	return t.writable
}

// ReadTs returns the snapshot timestamp of the transaction.
func (t *Txn) ReadTs() uint64 {
	return t.txn.ReadTs()
}

// Get returns a copy of the value stored under key. Missing keys return
// ErrNotFound.
func (t *Txn) Get(tbl Table, key []byte) ([]byte, error) {
	val, _, err := t.GetVersioned(tbl, key)
	return val, err
}

// GetVersioned returns the value and the commit version it was written at.
func (t *Txn) GetVersioned(tbl Table, key []byte) ([]byte, uint64, error) {
	if t.done {
		return nil, 0, ErrTxnDone
	}
	item, err := t.txn.Get(tbl.Key(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("reading %s: %w", tbl, err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, 0, fmt.Errorf("copying %s value: %w", tbl, err)
	}
	return val, item.Version(), nil
}

// Has reports whether key exists in the table.
func (t *Txn) Has(tbl Table, key []byte) (bool, error) {
	if t.done {
		return false, ErrTxnDone
	}
	_, err := t.txn.Get(tbl.Key(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", tbl, err)
	}
	return true, nil
}

// Put stores val under key.
func (t *Txn) Put(tbl Table, key, val []byte) error {
	if err := t.checkWrite(); err != nil {
		return err
	}
	k := tbl.Key(key)
	if err := t.txn.Set(k, val); err != nil {
		return t.Fail(fmt.Errorf("writing %s: %w", tbl, err))
	}
	t.written += int64(len(k) + len(val))
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (t *Txn) Delete(tbl Table, key []byte) error {
	if err := t.checkWrite(); err != nil {
		return err
	}
	k := tbl.Key(key)
	if err := t.txn.Delete(k); err != nil {
		return t.Fail(fmt.Errorf("deleting from %s: %w", tbl, err))
	}
	t.written += int64(len(k))
	return nil
}

// Scan yields every entry of tbl whose key starts with prefix, in key order.
//
// On a read transaction the sequence is lazy and reads straight from the
// snapshot. Badger allows a single open iterator per write transaction, so on
// a write transaction the matching entries are collected up front; the
// caller may then freely read and write while consuming the sequence.
func (t *Txn) Scan(tbl Table, prefix []byte, opts ScanOptions) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		if t.done {
			yield(Entry{}, ErrTxnDone)
			return
		}
		if t.writable {
			entries, err := t.collect(tbl, prefix, opts)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range entries {
				if !yield(e, nil) {
					return
				}
			}
			return
		}
		_ = t.each(tbl, prefix, opts, func(e Entry) bool {
			return yield(e, nil)
		}, func(err error) {
			yield(Entry{}, err)
		})
	}
}

// Fail poisons the transaction with err and returns err.
func (t *Txn) Fail(err error) error {
	if t.failure == nil {
		t.failure = err
	}
	return err
}

// Err returns the error that poisoned the transaction, if any.
func (t *Txn) Err() error {
	return t.failure
}

// Commit commits a write transaction. A poisoned transaction is discarded
// and ErrTxnAborted is returned.
func (t *Txn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	if !t.writable {
		t.Discard()
		return nil
	}
	if t.failure != nil {
		cause := t.failure
		t.Discard()
		return fmt.Errorf("%w: %w", ErrTxnAborted, cause)
	}
	if err := t.env.reserve(t.written); err != nil {
		t.Discard()
		return err
	}
	err := t.txn.Commit()
	if err == nil {
		t.env.committed(t.written)
	}
	t.finish()
	if err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	t.env.commits.Add(1)
	return nil
}

// Discard abandons the transaction. It is safe to call after Commit.
func (t *Txn) Discard() {
	if t.done {
		return
	}
	t.txn.Discard()
	t.finish()
}

func (t *Txn) finish() {
	t.done = true
	if t.writable {
		t.env.openWriters.Add(-1)
		t.env.writeGate.Unlock()
	}
}

func (t *Txn) checkWrite() error {
	if t.done {
		return ErrTxnDone
	}
	if !t.writable {
		return ErrReadOnly
	}
	return nil
}

func (t *Txn) collect(tbl Table, prefix []byte, opts ScanOptions) ([]Entry, error) {
	var (
		entries []Entry
		scanErr error
	)
	_ = t.each(tbl, prefix, opts, func(e Entry) bool {
		entries = append(entries, e)
		return true
	}, func(err error) {
		scanErr = err
	})
	return entries, scanErr
}

func (t *Txn) each(tbl Table, prefix []byte, opts ScanOptions, fn func(Entry) bool, onErr func(error)) error {
	full := tbl.Key(prefix)
	iopts := badger.DefaultIteratorOptions
	iopts.Prefix = full
	iopts.PrefetchValues = !opts.KeysOnly
	it := t.txn.NewIterator(iopts)
	defer it.Close()

	skip := tbl.prefixLen()
	for it.Seek(full); it.ValidForPrefix(full); it.Next() {
		item := it.Item()
		e := Entry{Key: item.KeyCopy(nil)[skip:], Version: item.Version()}
		if !opts.KeysOnly {
			val, err := item.ValueCopy(nil)
			if err != nil {
				err = fmt.Errorf("copying %s value: %w", tbl, err)
				onErr(err)
				return err
			}
			e.Value = val
		}
		if !fn(e) {
			return ErrStopIteration
		}
	}
	return nil
}
