// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import "github.com/sitewarden/engine/internal/model"

// normalizeTimestamps forces every time.Time field reachable from doc
// to UTC before it is marshaled. Go's static typing already rules out
// the original implementation's failure mode of an unparseable or
// mistyped timestamp sitting in an arbitrary dict key; this is the
// stricter equivalent the spec allows for Open Question (a).
func normalizeTimestamps(doc *model.Document) {
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	for _, user := range doc.Data {
		for _, m := range user.Monitors {
			m.Metadata.CreatedAt = m.Metadata.CreatedAt.UTC()
			if m.Metadata.LastCheckAt != nil {
				utc := m.Metadata.LastCheckAt.UTC()
				m.Metadata.LastCheckAt = &utc
			}
			if m.Metadata.SnoozeUntil != nil {
				utc := m.Metadata.SnoozeUntil.UTC()
				m.Metadata.SnoozeUntil = &utc
			}
			for i := range m.History {
				m.History[i].Timestamp = m.History[i].Timestamp.UTC()
			}
			for i := range m.ForensicSnapshots {
				m.ForensicSnapshots[i].Timestamp = m.ForensicSnapshots[i].Timestamp.UTC()
			}
		}
	}
}
