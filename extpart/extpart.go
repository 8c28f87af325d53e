// Package extpart is the Part Streamer and External Part Storage of spec
// §4.5: large payload parts are written to a staging file during a
// transaction and moved into their permanent, shard-factored location only
// once the owning DB transaction has committed (two-phase commit). Grounded
// on the teacher's memsys/mirror staging-then-rename conventions (mirror
// writes a replica to a temp file before renaming it into place) and on
// godirwalk for staging-directory housekeeping, lz4 for payload compression
// — both teacher go.mod dependencies with no other home in this port.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package extpart

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/karrick/godirwalk"
	lz4 "github.com/pierrec/lz4/v3"
	"github.com/pkg/errors"

	"github.com/nvaistore/pimstore/cmn"
	"github.com/nvaistore/pimstore/model"
)

// Config controls where staging and permanent part files live and the
// Internal/External threshold.
type Config struct {
	StagingDir   string
	PermanentDir string
	// ThresholdBytes is the Internal/External size threshold, set to
	// DefaultThreshold when zero. Nothing in this package consults it: the
	// caller chooses each part's storage, and WriteStaged always writes an
	// External staging file whatever the part's size.
	ThresholdBytes int64
	// ShardFactor: permanent paths are bucketed by item_id % ShardFactor to
	// keep any one directory from growing unbounded (spec §6 layout).
	ShardFactor int64
}

// DefaultThreshold matches the teacher's memsys small-object pooling
// threshold order of magnitude; chosen so typical text/metadata parts stay
// inline and only real payload blobs go external.
const DefaultThreshold = 32 * cmn.KiB

// Storage is the Part Streamer. One Storage is shared across transactions;
// each transaction opens its own Txn to track staged files for two-phase
// commit/rollback.
type Storage struct {
	cfg Config
}

func New(cfg Config) *Storage {
	if cfg.ThresholdBytes == 0 {
		cfg.ThresholdBytes = DefaultThreshold
	}
	if cfg.ShardFactor == 0 {
		cfg.ShardFactor = 256
	}
	return &Storage{cfg: cfg}
}

// Txn tracks the staging-file side effects of one outer DB transaction, per
// spec §4.2's "ExternalPartStorage transaction (pending staging file
// operations)".
type Txn struct {
	storage *Storage
	mu      sync.Mutex
	staged  []stagedFile
	deletes []string
}

type stagedFile struct {
	stagingPath   string
	permanentPath string
}

// Begin opens a new part-storage transaction scoped to one DB transaction.
func (s *Storage) Begin() *Txn {
	return &Txn{storage: s}
}

func permanentPath(cfg Config, itemID, revision int64, partName string) string {
	shard := fmt.Sprintf("%02x", itemID%cfg.ShardFactor)
	return filepath.Join(cfg.PermanentDir, shard, fmt.Sprintf("%d_r%d_%s", itemID, revision, sanitize(partName)))
}

func sanitize(name string) string {
	return filepath.Base(name)
}

// WriteStaged streams data into a new staging file compressed with lz4,
// recording it for the two-phase commit. Returns the model.Part descriptor
// to persist (storage=External, external_ref=permanent path it will occupy
// once committed — the retriever and GetItem paths only ever see the
// permanent path, per spec §4.5 step 1: "new row with permanent external
// path").
func (t *Txn) WriteStaged(itemID, revision int64, partName string, data io.Reader, sizeHint int64) (model.Part, error) {
	if err := os.MkdirAll(t.storage.cfg.StagingDir, 0o755); err != nil {
		return model.Part{}, errors.Wrap(err, "extpart: mkdir staging dir")
	}
	f, err := os.CreateTemp(t.storage.cfg.StagingDir, "staging-*")
	if err != nil {
		return model.Part{}, errors.Wrap(err, "extpart: create staging file")
	}
	stagingPath := f.Name()

	zw := lz4.NewWriter(f)
	n, copyErr := io.Copy(zw, data)
	closeErr := zw.Close()
	syncErr := f.Sync()
	f.Close()
	if copyErr != nil || closeErr != nil || syncErr != nil {
		os.Remove(stagingPath)
		return model.Part{}, errors.Wrap(firstErr(copyErr, closeErr, syncErr), "extpart: write staging file")
	}

	perm := permanentPath(t.storage.cfg, itemID, revision, partName)
	t.mu.Lock()
	t.staged = append(t.staged, stagedFile{stagingPath: stagingPath, permanentPath: perm})
	t.mu.Unlock()

	size := sizeHint
	if size == 0 {
		size = n
	}
	return model.Part{
		ItemID:      itemID,
		Name:        partName,
		Storage:     model.StorageExternal,
		ExternalRef: perm,
		Size:        size,
	}, nil
}

// QueueDelete marks a permanent external part file for removal once the
// owning DB transaction commits (spec §4.4 Delete Item: "external parts are
// queued for deletion and finalized at commit"). Rollback simply drops the
// queue, leaving the file in place.
func (t *Txn) QueueDelete(path string) {
	if path == "" {
		return
	}
	t.mu.Lock()
	t.deletes = append(t.deletes, path)
	t.mu.Unlock()
}

// OpenExternal opens a permanent external part file for reading,
// transparently decompressing the lz4 stream it was written with. Used by
// the Copy Item handler to re-stream payload data into a fresh staging file
// under the destination item (spec §4.4 Copy).
func OpenExternal(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "extpart: open external part %q", path)
	}
	return &externalReader{f: f, zr: lz4.NewReader(f)}, nil
}

type externalReader struct {
	f  *os.File
	zr *lz4.Reader
}

func (r *externalReader) Read(p []byte) (int, error) { return r.zr.Read(p) }
func (r *externalReader) Close() error                { return r.f.Close() }

func firstErr(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// VerifyForeign checks a caller-supplied Foreign part path is readable, per
// spec §4.5: "the streamer verifies the file is readable at commit time."
func (t *Txn) VerifyForeign(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "extpart: foreign part %q not readable", path)
	}
	return f.Close()
}

// Commit moves every staged file into its permanent path (step 2 of the
// commit protocol). Called only after the outer DB transaction has already
// committed (step 1). If a rename fails partway through, the already-moved
// files stay moved — the DB rows for files that failed to move point at a
// missing path, which the retriever then treats as a cache-miss and
// re-fetches (spec §4.5 step 3); this function reports that failure back to
// the caller so it can be logged, but does not roll back prior renames.
func (t *Txn) Commit() error {
	t.mu.Lock()
	staged := t.staged
	deletes := t.deletes
	t.staged = nil
	t.deletes = nil
	t.mu.Unlock()

	var firstCommitErr error
	for _, sf := range staged {
		if err := os.MkdirAll(filepath.Dir(sf.permanentPath), 0o755); err != nil {
			if firstCommitErr == nil {
				firstCommitErr = errors.Wrapf(err, "extpart: mkdir for %q", sf.permanentPath)
			}
			continue
		}
		if err := os.Rename(sf.stagingPath, sf.permanentPath); err != nil {
			if firstCommitErr == nil {
				firstCommitErr = errors.Wrapf(err, "extpart: rename %q -> %q", sf.stagingPath, sf.permanentPath)
			}
		}
	}
	for _, path := range deletes {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstCommitErr == nil {
			firstCommitErr = errors.Wrapf(err, "extpart: delete %q", path)
		}
	}
	return firstCommitErr
}

// Rollback deletes every staging file created during this transaction,
// leaving the permanent tree (and any file queued via QueueDelete)
// untouched (spec §4.2/§4.5 rollback clause).
func (t *Txn) Rollback() {
	t.mu.Lock()
	staged := t.staged
	t.staged = nil
	t.deletes = nil
	t.mu.Unlock()
	for _, sf := range staged {
		os.Remove(sf.stagingPath)
	}
}

// SweepOrphans walks the staging directory looking for files left behind by
// a process that crashed between WriteStaged and Commit/Rollback, deleting
// every file for which isOrphan reports true. Grounded on godirwalk's fast, allocation-light walk
// used by the teacher for bulk filesystem housekeeping (fs package mountpath
// scans).
func (s *Storage) SweepOrphans(isOrphan func(path string, info os.FileInfo) bool) error {
	return godirwalk.Walk(s.cfg.StagingDir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			info, err := os.Stat(path)
			if err != nil {
				return nil // file may have been concurrently removed; not fatal
			}
			if isOrphan(path, info) {
				return os.Remove(path)
			}
			return nil
		},
	})
}
