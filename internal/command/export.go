// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

package command

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/sitewarden/engine/internal/apperr"
	"github.com/sitewarden/engine/internal/fetch"
	"github.com/sitewarden/engine/internal/model"
)

// Format is an export/import encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Export serializes chatID's monitors in the requested format, per
// SPEC_FULL.md §6's export(chat_id, format) method.
func (e *Engine) Export(chatID string, format Format) ([]byte, error) {
	doc := e.store.Snapshot()
	user, ok := doc.Data[chatID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	switch format {
	case FormatJSON:
		return json.MarshalIndent(user.Monitors, "", "  ")
	case FormatCSV:
		return exportCSV(user.Monitors)
	default:
		return nil, fmt.Errorf("%w: unknown export format %q", apperr.ErrConfigInvalid, format)
	}
}

func exportCSV(monitors []*model.Monitor) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{"url", "similarity_threshold", "check_interval_seconds", "last_status", "check_count", "consecutive_failures"}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, m := range monitors {
		cfg := model.DefaultConfig()
		if m.Config != nil {
			cfg = cfg.Merge(m.Config)
		}
		row := []string{
			m.URL,
			strconv.FormatFloat(cfg.SimilarityThreshold, 'f', 2, 64),
			strconv.Itoa(cfg.CheckIntervalSeconds),
			string(m.Metadata.LastStatus),
			strconv.Itoa(m.Metadata.CheckCount),
			strconv.Itoa(m.Metadata.ConsecutiveFailures),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ImportEntry is one row of an import batch: just enough to recreate a
// monitor registration without clobbering history the user may already
// have locally.
type ImportEntry struct {
	URL                 string
	SimilarityThreshold float64
	CheckIntervalSeconds int
}

// Import adds already-decoded entries to chatID's monitor list,
// skipping URLs already being watched and URLs that fail to normalize.
// It does not parse Export's output itself; the caller decodes that
// into ImportEntry values first. This supplements spec.md's explicit Commander surface per
// SPEC_FULL.md's supplemented export/import round-trip feature.
func (e *Engine) Import(ctx context.Context, chatID string, entries []ImportEntry) (imported int, skipped int, err error) {
	err = e.store.SubmitWrite(ctx, func(doc *model.Document) error {
		user := doc.UserOrCreate(chatID)
		for _, entry := range entries {
			normalized, nerr := fetch.NormalizeURL(entry.URL)
			if nerr != nil {
				skipped++
				continue
			}
			if user.FindMonitor(normalized) != nil {
				skipped++
				continue
			}
			cfg := &model.Config{
				SimilarityThreshold:  entry.SimilarityThreshold,
				CheckIntervalSeconds: entry.CheckIntervalSeconds,
			}
			cfg.Normalize()
			user.Monitors = append(user.Monitors, &model.Monitor{
				URL:           entry.URL,
				NormalizedURL: normalized,
				Config:        cfg,
			})
			imported++
		}
		return nil
	})
	return imported, skipped, err
}
