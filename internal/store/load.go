// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"

	"github.com/sitewarden/engine/internal/logging"
	"github.com/sitewarden/engine/internal/model"
)

// loadOrInit reads path into a Document, or returns a fresh empty
// Document if the file does not exist yet. The returned schema version
// is whatever was actually on disk (empty string for a fresh start),
// letting the caller detect a migration on the first write.
func loadOrInit(path string) (*model.Document, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			doc := model.NewDocument()
			return doc, "", nil
		}
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}

	var doc model.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, "", fmt.Errorf("unmarshal %s: %w", path, err)
	}
	onDisk := doc.SchemaVersion
	if doc.Data == nil {
		doc.Data = make(map[string]*model.User)
	}
	if doc.SchemaVersion != model.CurrentSchemaVersion {
		logging.Info().
			Str("on_disk_version", doc.SchemaVersion).
			Str("current_version", model.CurrentSchemaVersion).
			Msg("schema version mismatch detected, migration will run on next write")
		doc.SchemaVersion = model.CurrentSchemaVersion
	}
	return &doc, onDisk, nil
}
