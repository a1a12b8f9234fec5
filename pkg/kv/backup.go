package kv

import (
	"bufio"
	"bytes"
	"crypto/subtle"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// Backup file layout:
//
//	magic (8 bytes) | zstd(badger backup stream) | blake2b-256 of everything before it
var backupMagic = []byte("MOSAICB1")

// BackupInfo describes a finished backup.
type BackupInfo struct {
	Path     string
	Bytes    int64
	Version  uint64
	Duration time.Duration
}

// Backup writes a consistent snapshot of the whole environment to path as a
// single consolidated file. The snapshot is taken from a read view, so it
// runs concurrently with readers and writers.
func (e *Env) Backup(path string) (BackupInfo, error) {
	if e.closed.Load() {
		return BackupInfo{}, ErrClosed
	}
	start := time.Now()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return BackupInfo{}, fmt.Errorf("creating backup directory: %w", err)
	}
	if usage, err := disk.Usage(dir); err == nil && usage.Free < uint64(e.Size()) {
		return BackupInfo{}, fmt.Errorf("%w: need %s, have %s", ErrNoSpace,
			humanize.Bytes(uint64(e.Size())), humanize.Bytes(usage.Free))
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return BackupInfo{}, fmt.Errorf("creating backup file: %w", err)
	}
	defer os.Remove(tmp)

	hasher, err := blake2b.New256(nil)
	if err != nil {
		f.Close()
		return BackupInfo{}, err
	}
	counter := &countingWriter{w: io.MultiWriter(f, hasher)}

	if _, err := counter.Write(backupMagic); err != nil {
		f.Close()
		return BackupInfo{}, fmt.Errorf("writing backup header: %w", err)
	}
	zw, err := zstd.NewWriter(counter)
	if err != nil {
		f.Close()
		return BackupInfo{}, fmt.Errorf("creating compressor: %w", err)
	}
	version, err := e.db.Backup(zw, 0)
	if err != nil {
		zw.Close()
		f.Close()
		return BackupInfo{}, fmt.Errorf("streaming backup: %w", err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return BackupInfo{}, fmt.Errorf("flushing compressor: %w", err)
	}
	if _, err := f.Write(hasher.Sum(nil)); err != nil {
		f.Close()
		return BackupInfo{}, fmt.Errorf("writing checksum: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return BackupInfo{}, fmt.Errorf("syncing backup: %w", err)
	}
	if err := f.Close(); err != nil {
		return BackupInfo{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return BackupInfo{}, fmt.Errorf("publishing backup: %w", err)
	}

	info := BackupInfo{
		Path:     path,
		Bytes:    counter.n + blake2b.Size256,
		Version:  version,
		Duration: time.Since(start),
	}
	e.log.WithFields(logrus.Fields{
		"path":     path,
		"size":     humanize.Bytes(uint64(info.Bytes)),
		"version":  version,
		"duration": info.Duration,
	}).Info("backup written")
	return info, nil
}

// Restore loads a backup produced by Backup into the environment. The
// checksum is verified before any key is written.
func (e *Env) Restore(path string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading backup: %w", err)
	}
	if len(raw) < len(backupMagic)+blake2b.Size256 || !bytes.Equal(raw[:len(backupMagic)], backupMagic) {
		return fmt.Errorf("%w: bad header", ErrBadBackup)
	}
	body, sum := raw[:len(raw)-blake2b.Size256], raw[len(raw)-blake2b.Size256:]
	want := blake2b.Sum256(body)
	if subtle.ConstantTimeCompare(want[:], sum) != 1 {
		return fmt.Errorf("%w: checksum mismatch", ErrBadBackup)
	}

	zr, err := zstd.NewReader(bytes.NewReader(body[len(backupMagic):]))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadBackup, err)
	}
	defer zr.Close()

	// Loading bypasses transactions; keep writers out while it runs.
	e.writeGate.Lock()
	defer e.writeGate.Unlock()
	if err := e.db.Load(bufio.NewReader(zr), 256); err != nil {
		return fmt.Errorf("loading backup: %w", err)
	}
	e.log.WithFields(logrus.Fields{
		"path": path,
		"size": humanize.Bytes(uint64(len(raw))),
	}).Info("backup restored")
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
