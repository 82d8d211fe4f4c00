// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

package detect

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"

	"github.com/sitewarden/engine/internal/model"
)

// compress zlib-compresses text and base64-encodes the result, the
// wire format SPEC_FULL.md §3 mandates for forensic snapshot content.
func compress(text string) (string, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write([]byte(text)); err != nil {
		w.Close()
		return "", fmt.Errorf("zlib compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close zlib writer: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decompress reverses compress, used when replaying a forensic
// snapshot's stored content for re-judging a past decision.
func Decompress(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	r, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("zlib reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("zlib decompress: %w", err)
	}
	return string(out), nil
}

// BuildSnapshot compresses the before/after content pair and packages
// it with the metrics and diff outcome that produced changeType, ready
// to be appended via model.Monitor.AppendSnapshot.
func BuildSnapshot(oldText, newText string, changeType model.ChangeType, metrics model.SimilarityMetrics, diffSummary string, truncated bool) (model.ForensicSnapshot, error) {
	oldCompressed, err := compress(oldText)
	if err != nil {
		return model.ForensicSnapshot{}, err
	}
	newCompressed, err := compress(newText)
	if err != nil {
		return model.ForensicSnapshot{}, err
	}
	return model.ForensicSnapshot{
		Timestamp:            time.Now().UTC(),
		OldContentCompressed: oldCompressed,
		NewContentCompressed: newCompressed,
		ChangeType:           changeType,
		SimilarityMetrics:    metrics,
		DiffSummary:          diffSummary,
		DiffTruncated:        truncated,
	}, nil
}

// ArchiveHistory implements the archiveFn contract expected by
// model.Monitor.PruneHistory: it serializes the expired entries to
// JSON, zlib-compresses, and base64-encodes them into one opaque blob
// per SPEC_FULL.md's supplemented history-archival feature.
func ArchiveHistory(expired []model.HistoryEntry) (string, error) {
	payload, err := json.Marshal(expired)
	if err != nil {
		return "", fmt.Errorf("marshal expired history: %w", err)
	}
	return compress(string(payload))
}
