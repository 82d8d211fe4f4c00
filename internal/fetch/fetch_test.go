// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sitewarden/engine/internal/apperr"
	"github.com/sitewarden/engine/internal/breaker"
	"github.com/sitewarden/engine/internal/governor"
	"github.com/sitewarden/engine/internal/notify"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"HTTPS://Example.com/Path/":  "https://example.com/Path",
		"http://example.com:80/foo":  "http://example.com/foo",
		"https://example.com/#frag":  "https://example.com/",
	}
	for in, want := range cases {
		got, err := NormalizeURL(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestNormalizeURL_RejectsMissingHost(t *testing.T) {
	_, err := NormalizeURL("not-a-url")
	assert.Error(t, err)
}

func newTestManager(t *testing.T, handler http.HandlerFunc) (*Manager, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.HardTimeout = 2 * time.Second
	cfg.InterRequestMin = 0
	cfg.InterRequestMax = 0
	cfg.RespectRobots = false

	govCfg := governor.DefaultConfig()
	govCfg.FetchRPS = 1000
	govCfg.FetchBurst = 10

	m := New(cfg, governor.New(govCfg), breaker.NewRegistry(breaker.DefaultConfig()))
	return m, srv
}

func TestManager_FetchSucceeds(t *testing.T) {
	m, srv := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><main><p>hi there, this is a perfectly ordinary page with enough visible text to pass muster</p></main></body></html>"))
	})
	normalized, err := NormalizeURL(srv.URL)
	require.NoError(t, err)

	res, err := m.Fetch(context.Background(), normalized)
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.Contains(t, string(res.Body), "hi there")
}

func TestManager_CollapsesConcurrentFetches(t *testing.T) {
	var hits atomic.Int32
	m, srv := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte("<html><body><main><p>ok, this response carries enough ordinary visible text to avoid looking like a block page to the fingerprinter</p></main></body></html>"))
	})
	normalized, err := NormalizeURL(srv.URL)
	require.NoError(t, err)

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			_, _ = m.Fetch(context.Background(), normalized)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestManager_OpenBreakerFailsFastBeforeTokenAndDelay(t *testing.T) {
	m, srv := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>hi</html>"))
	})
	// A large inter-request delay window would dominate the elapsed time
	// of any fetch that reaches the governor/delay steps.
	m.cfg.InterRequestMin = 5 * time.Second
	m.cfg.InterRequestMax = 6 * time.Second

	normalized, err := NormalizeURL(srv.URL)
	require.NoError(t, err)
	parsed, err := url.Parse(normalized)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, execErr := m.breakers.Execute(context.Background(), parsed.Host, func(context.Context) (any, error) {
			return nil, assert.AnError
		})
		require.Error(t, execErr)
	}
	require.Equal(t, breaker.StateOpen, m.breakers.State(parsed.Host))

	start := time.Now()
	_, err = m.Fetch(context.Background(), normalized)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, apperr.ErrCircuitOpen)
	assert.Less(t, elapsed, 500*time.Millisecond, "breaker guard must short-circuit before the token wait and inter-request delay")
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
	got  chan struct{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{got: make(chan struct{}, 8)}
}

func (r *recordingNotifier) Deliver(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func TestManager_BreakerOpenTransitionEmitsCooldownNotification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.HardTimeout = 2 * time.Second
	cfg.InterRequestMin = 0
	cfg.InterRequestMax = 0
	cfg.RespectRobots = false

	govCfg := governor.DefaultConfig()
	govCfg.FetchRPS = 1000
	govCfg.FetchBurst = 10
	gov := governor.New(govCfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go gov.Serve(ctx)

	m := New(cfg, gov, breaker.NewRegistry(breaker.DefaultConfig()))
	recorder := newRecordingNotifier()
	m.SetCooldownNotifier(recorder, "admin-chat")

	for i := 0; i < 3; i++ {
		normalized, err := NormalizeURL(fmt.Sprintf("%s/path-%d", srv.URL, i))
		require.NoError(t, err)
		_, _ = m.Fetch(context.Background(), normalized)
	}

	select {
	case <-recorder.got:
	case <-time.After(2 * time.Second):
		t.Fatal("cooldown notification was never delivered")
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	require.Len(t, recorder.msgs, 1)
	assert.Equal(t, notify.KindCooldown, recorder.msgs[0].Kind)
	assert.Equal(t, "admin-chat", recorder.msgs[0].ChatID)
}

func TestManager_HTTPErrorStatus(t *testing.T) {
	m, srv := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	normalized, err := NormalizeURL(srv.URL)
	require.NoError(t, err)

	_, err = m.Fetch(context.Background(), normalized)
	assert.Error(t, err)
}
