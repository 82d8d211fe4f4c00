// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store implements the Atomic Store of SPEC_FULL.md §4.1: a
// durable, crash-safe, single-writer document store. Mutations are
// submitted as closures that execute strictly in submission order
// against a single in-process document; the result is persisted with a
// shadow-write/fsync/rename protocol before the mutation's caller is
// released.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sitewarden/engine/internal/apperr"
	"github.com/sitewarden/engine/internal/logging"
	"github.com/sitewarden/engine/internal/metrics"
	"github.com/sitewarden/engine/internal/model"
)

// Mutator receives the live document and mutates it in place. It must
// not retain the pointer beyond the call.
type Mutator func(doc *model.Document) error

type writeRequest struct {
	mutate Mutator
	result chan error
}

// Store is the Atomic Store. It owns the on-disk document and a single
// dedicated writer goroutine; all other access goes through Snapshot
// (read-only) or SubmitWrite (queued mutation).
type Store struct {
	paths Paths
	cfg   Config

	doc atomic.Pointer[model.Document]

	queue chan writeRequest
	audit *AuditLog

	lastPersistedSchemaVersion string
}

// Config tunes the write protocol.
type Config struct {
	MinFreeSpaceMB int
	MaxBackups     int
	QueueCapacity  int
}

// DefaultConfig returns the spec's defaults: 100MB free-space floor, 5
// rolling backups.
func DefaultConfig() Config {
	return Config{MinFreeSpaceMB: 100, MaxBackups: 5, QueueCapacity: 256}
}

// New creates a Store rooted at dataDir (holding <db>.json and its
// siblings) but does not load or start it; call Load then Serve.
func New(dataDir string, cfg Config) (*Store, error) {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	paths, err := NewPaths(dataDir)
	if err != nil {
		return nil, err
	}
	audit, err := OpenAuditLog(paths.AuditDir())
	if err != nil {
		logging.Warn().Err(err).Msg("write-audit log unavailable, continuing without it")
		audit = nil
	}
	return &Store{
		paths: paths,
		cfg:   cfg,
		queue: make(chan writeRequest, cfg.QueueCapacity),
		audit: audit,
	}, nil
}

// Load is the one-shot startup call: it reads the on-disk document (or
// creates a fresh one), records the on-disk schema version so the first
// write can take the pre-migration backup, and makes the result
// available to Snapshot. It must be called before Serve.
func (s *Store) Load() error {
	doc, onDiskVersion, err := loadOrInit(s.paths.DB)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	s.lastPersistedSchemaVersion = onDiskVersion
	s.doc.Store(doc)
	return nil
}

// Snapshot returns a read-only deep copy of the current document. It
// never blocks on the writer.
func (s *Store) Snapshot() *model.Document {
	return s.doc.Load().Clone()
}

// SubmitWrite enqueues mutate and blocks until it is durably applied (or
// ctx is cancelled, or the mutation fails). Mutations execute strictly
// in submission order.
func (s *Store) SubmitWrite(ctx context.Context, mutate Mutator) error {
	req := writeRequest{mutate: mutate, result: make(chan error, 1)}
	select {
	case s.queue <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	metrics.StoreQueueDepth.Set(float64(len(s.queue)))
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve implements suture.Service: it runs the single dedicated writer
// until ctx is cancelled, draining the queue best-effort before
// returning.
func (s *Store) Serve(ctx context.Context) error {
	for {
		select {
		case req := <-s.queue:
			s.process(req)
			metrics.StoreQueueDepth.Set(float64(len(s.queue)))
		case <-ctx.Done():
			s.drain()
			if s.audit != nil {
				_ = s.audit.Close()
			}
			return ctx.Err()
		}
	}
}

// drain processes whatever remains in the queue without blocking on new
// submissions. It does not consult ctx; it returns as soon as the queue
// is empty.
func (s *Store) drain() {
	for {
		select {
		case req := <-s.queue:
			s.process(req)
		default:
			return
		}
	}
}

func (s *Store) process(req writeRequest) {
	start := time.Now()
	err := s.applyAndPersist(req.mutate)
	metrics.StoreWriteDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreWriteErrors.WithLabelValues(kindLabel(err)).Inc()
	}
	if s.audit != nil {
		s.audit.Record(time.Since(start), err)
	}
	req.result <- err
}

// applyAndPersist clones the current document, applies the mutator to
// the clone, persists the clone, and on success swaps it in as the new
// live document. The clone-then-swap keeps Snapshot() readers from ever
// observing a partially-mutated document.
func (s *Store) applyAndPersist(mutate Mutator) error {
	working := s.doc.Load().Clone()
	if err := mutate(working); err != nil {
		return err
	}
	working.UpdatedAt = time.Now().UTC()
	normalizeTimestamps(working)

	migrating := working.SchemaVersion != s.lastPersistedSchemaVersion
	if err := s.persist(working, migrating); err != nil {
		if migrating {
			return fmt.Errorf("%w: %v", apperr.ErrMigrationFailed, err)
		}
		return err
	}
	s.lastPersistedSchemaVersion = working.SchemaVersion
	s.doc.Store(working)
	return nil
}

func kindLabel(err error) string {
	switch {
	case errors.Is(err, apperr.ErrInsufficientStorage):
		return "insufficient_storage"
	case errors.Is(err, apperr.ErrMigrationFailed):
		return "migration_failed"
	default:
		return "other"
	}
}
