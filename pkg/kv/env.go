// Package kv is the key-value substrate of MosaicDB.
//
// It wraps a single BadgerDB instance and exposes it as a set of named tables
// (each table is a key prefix of the table name followed by a zero byte), with
// snapshot-isolated read transactions and a process-wide single-writer gate:
// at most one write transaction exists at any moment, and it spans every
// table the operation touches.
//
// Example:
//
//	env, err := kv.Open(kv.Options{DataDir: "./data"})
//	if err != nil {
//		return err
//	}
//	defer env.Close()
//
//	err = env.Update(func(txn *kv.Txn) error {
//		return txn.Put(kv.Table("nodes"), id[:], record)
//	})
package kv

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"

	"github.com/orneryd/mosaicdb/pkg/logging"
)

// Errors returned by the substrate.
var (
	ErrNotFound      = errors.New("kv: key not found")
	ErrClosed        = errors.New("kv: environment closed")
	ErrTxnDone       = errors.New("kv: transaction already finished")
	ErrReadOnly      = errors.New("kv: write on read-only transaction")
	ErrTxnAborted    = errors.New("kv: transaction aborted")
	ErrMapFull       = errors.New("kv: database exceeds configured maximum size")
	ErrNoSpace       = errors.New("kv: insufficient free disk space")
	ErrBadBackup     = errors.New("kv: backup file is corrupt")
	ErrStopIteration = errors.New("kv: stop iteration")
)

// Options configures the environment.
type Options struct {
	// DataDir is the directory holding the database files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode. Useful for testing.
	InMemory bool

	// SyncWrites forces fsync after each commit.
	SyncWrites bool

	// MaxSizeGB bounds the on-disk size; commits beyond it fail with
	// ErrMapFull. Zero disables the check.
	MaxSizeGB uint32

	// LowMemory reduces Badger's memtable and cache sizes.
	LowMemory bool

	// Logger receives substrate logs. Defaults to logging.For("kv").
	Logger *logrus.Entry
}

// Env is the shared handle to one database directory.
//
// Env is safe for concurrent use. Read transactions may be opened freely from
// any goroutine; write transactions are serialized by an internal gate.
type Env struct {
	db   *badger.DB
	opts Options
	log  *logrus.Entry

	writeGate sync.Mutex

	openWriters atomic.Int32
	peakWriters atomic.Int32
	commits     atomic.Uint64

	// limit caps the database size in bytes (0 = none). Badger refreshes
	// its size figure periodically, so bytes committed since the last
	// figure changed are counted in unreported. Both size fields are
	// guarded by writeGate.
	limit      int64
	sizeSeen   int64
	unreported int64

	closed atomic.Bool
}

// Open opens (or creates) the environment described by opts.
func Open(opts Options) (*Env, error) {
	if opts.Logger == nil {
		opts.Logger = logging.For("kv")
	}
	if !opts.InMemory && opts.DataDir == "" {
		return nil, fmt.Errorf("kv: data directory is required")
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		bopts = badger.DefaultOptions(opts.DataDir)
	}
	bopts = bopts.
		WithSyncWrites(opts.SyncWrites).
		WithLogger(badgerLogger{opts.Logger}).
		// Writers are serialized by the gate, so Badger's conflict
		// tracking would only cost memory.
		WithDetectConflicts(false)

	if opts.LowMemory {
		bopts = bopts.
			WithMemTableSize(16 << 20).
			WithValueLogFileSize(64 << 20).
			WithNumMemtables(2).
			WithBlockCacheSize(8 << 20).
			WithIndexCacheSize(8 << 20)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}

	env := &Env{db: db, opts: opts, log: opts.Logger, limit: int64(opts.MaxSizeGB) << 30}
	if !opts.InMemory {
		env.logDiskUsage()
	}
	return env, nil
}

// Close closes the environment. Open transactions must be finished first.
func (e *Env) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.db.Close()
}

// BeginRead opens a snapshot-isolated read transaction. The caller must
// Discard it.
func (e *Env) BeginRead() (*Txn, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return &Txn{env: e, txn: e.db.NewTransaction(false)}, nil
}

// BeginWrite waits for the writer gate and opens the write transaction.
// The caller must Commit or Discard it; either releases the gate.
func (e *Env) BeginWrite() (*Txn, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.writeGate.Lock()
	if e.closed.Load() {
		e.writeGate.Unlock()
		return nil, ErrClosed
	}
	n := e.openWriters.Add(1)
	for {
		peak := e.peakWriters.Load()
		if n <= peak || e.peakWriters.CompareAndSwap(peak, n) {
			break
		}
	}
	return &Txn{env: e, txn: e.db.NewTransaction(true), writable: true}, nil
}

// View runs fn inside a read transaction.
func (e *Env) View(fn func(txn *Txn) error) error {
	txn, err := e.BeginRead()
	if err != nil {
		return err
	}
	defer txn.Discard()
	return fn(txn)
}

// Update runs fn inside a write transaction and commits it if fn succeeds.
// Any error from fn, or any failed write inside it, discards every change.
func (e *Env) Update(fn func(txn *Txn) error) error {
	txn, err := e.BeginWrite()
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		txn.Discard()
		return err
	}
	return txn.Commit()
}

// OpenWriters returns the number of write transactions currently open.
func (e *Env) OpenWriters() int {
	return int(e.openWriters.Load())
}

// PeakWriters returns the highest number of simultaneously open write
// transactions observed since Open.
func (e *Env) PeakWriters() int {
	return int(e.peakWriters.Load())
}

// Commits returns the number of committed write transactions.
func (e *Env) Commits() uint64 {
	return e.commits.Load()
}

// Size returns the current on-disk size in bytes (LSM + value log).
func (e *Env) Size() int64 {
	lsm, vlog := e.db.Size()
	return lsm + vlog
}

// Options returns the options the environment was opened with.
func (e *Env) Options() Options {
	return e.opts
}

// reserve fails with ErrMapFull when committing n more bytes would take the
// database past the size cap. The check is approximate: a size refresh that
// lags the memtable undercounts. Caller holds writeGate.
func (e *Env) reserve(n int64) error {
	if e.limit <= 0 {
		return nil
	}
	if cur := e.Size(); cur != e.sizeSeen {
		e.sizeSeen, e.unreported = cur, 0
	}
	if e.sizeSeen+e.unreported+n > e.limit {
		return ErrMapFull
	}
	return nil
}

// committed records n bytes written by a successful commit. Caller holds
// writeGate.
func (e *Env) committed(n int64) {
	if e.limit > 0 {
		e.unreported += n
	}
}

func (e *Env) logDiskUsage() {
	usage, err := disk.Usage(e.opts.DataDir)
	if err != nil {
		e.log.WithError(err).Warn("unable to read disk usage")
		return
	}
	fields := logrus.Fields{
		"path":    e.opts.DataDir,
		"free":    humanize.Bytes(usage.Free),
		"total":   humanize.Bytes(usage.Total),
		"db_size": humanize.Bytes(uint64(e.Size())),
	}
	if limit := e.limit; limit > 0 && usage.Free < uint64(limit) {
		e.log.WithFields(fields).WithField("max_size", humanize.Bytes(uint64(limit))).
			Warn("free disk space is below the configured maximum database size")
		return
	}
	e.log.WithFields(fields).Info("opened database")
}

// badgerLogger demotes Badger's chatty info logs to debug.
type badgerLogger struct {
	*logrus.Entry
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.Entry.Debugf(format, args...)
}
