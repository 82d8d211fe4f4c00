// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

package apihealth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitewarden/engine/internal/command"
)

type stubReporter struct {
	snap command.HealthSnapshot
}

func (s stubReporter) Health() command.HealthSnapshot {
	return s.snap
}

func TestServer_Healthz(t *testing.T) {
	reporter := stubReporter{snap: command.HealthSnapshot{
		TotalUsers:    2,
		TotalMonitors: 5,
		SchemaVersion: "2.0",
		UpdatedAt:     time.Now().UTC(),
	}}
	srv := New(":0", reporter)

	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_Metrics(t *testing.T) {
	srv := New(":0", stubReporter{})
	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
