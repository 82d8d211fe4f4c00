// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package idgen generates identifiers for write-audit entry keys.
package idgen

import "github.com/google/uuid"

// New returns a random UUIDv4 string.
func New() string {
	return uuid.New().String()
}
