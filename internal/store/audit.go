// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/sitewarden/engine/internal/idgen"
	"github.com/sitewarden/engine/internal/logging"
)

// AuditLog is a durable, append-only record of write outcomes. It is
// not on the recovery path: the JSON document written by persist is
// the sole source of truth. A Go mutator closure cannot be serialized
// for replay the way the teacher's WAL replays recorded operations, so
// this log is kept for forensic/operational visibility only.
type AuditLog struct {
	db *badger.DB
}

type auditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	DurationMS int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
}

// OpenAuditLog opens (or creates) the badger store rooted at dir.
func OpenAuditLog(dir string) (*AuditLog, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLog{db: db}, nil
}

// Record appends one write outcome to the log, keyed by a random UUID
// so entries never collide.
func (a *AuditLog) Record(duration time.Duration, err error) {
	entry := auditEntry{Timestamp: time.Now().UTC(), DurationMS: duration.Milliseconds()}
	if err != nil {
		entry.Error = err.Error()
	}
	payload, marshalErr := json.Marshal(entry)
	if marshalErr != nil {
		logging.Warn().Err(marshalErr).Msg("failed to marshal audit entry")
		return
	}
	key := []byte("write:" + idgen.New())
	writeErr := a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, payload)
	})
	if writeErr != nil {
		logging.Warn().Err(writeErr).Msg("failed to append audit entry")
	}
}

// Close releases the underlying badger handles.
func (a *AuditLog) Close() error {
	return a.db.Close()
}
