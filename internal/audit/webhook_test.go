package audit_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitelicense/license-server/internal/audit"
	"github.com/sitelicense/license-server/internal/config"
)

// hookServer is an httptest handler that keeps every request body and answers with the
// next status in statuses (200 once exhausted)
type hookServer struct {
	mu       sync.Mutex
	statuses []int
	bodies   [][]byte
	headers  []http.Header
	got      chan struct{}
}

func newHookServer(statuses ...int) *hookServer {
	return &hookServer{statuses: statuses, got: make(chan struct{}, 16)}
}

func (r *hookServer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)

	r.mu.Lock()
	r.bodies = append(r.bodies, body)
	r.headers = append(r.headers, req.Header.Clone())
	status := http.StatusOK
	if len(r.statuses) > 0 {
		status, r.statuses = r.statuses[0], r.statuses[1:]
	}
	r.mu.Unlock()

	w.WriteHeader(status)
	r.got <- struct{}{}
}

func (r *hookServer) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func (r *hookServer) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.got:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for webhook delivery")
	}
}

// ---------------------------------------------------------------------------
// Single-entry delivery
// ---------------------------------------------------------------------------

func TestWebhookShipper_PostsEntry(t *testing.T) {
	rec := newHookServer()
	srv := httptest.NewServer(rec)
	defer srv.Close()

	ws, err := audit.NewWebhookShipper(&config.AuditWebhookConfig{
		URL:     srv.URL,
		Headers: map[string]string{"X-Auth-Token": "relay-token"},
	})
	require.NoError(t, err)
	defer ws.Close()

	entry := &audit.LogEntry{Action: "override.set_kill_switch", Actor: "ops@example.com", LicenseKey: "SLS-AAAA-BBBB-CCCC-DDDD"}
	require.NoError(t, ws.Ship(context.Background(), entry))
	require.Equal(t, 1, rec.calls())

	var decoded audit.LogEntry
	require.NoError(t, json.Unmarshal(rec.bodies[0], &decoded))
	assert.Equal(t, entry.Action, decoded.Action)
	assert.Equal(t, entry.LicenseKey, decoded.LicenseKey)
	assert.Equal(t, "application/json", rec.headers[0].Get("Content-Type"))
	assert.Equal(t, "relay-token", rec.headers[0].Get("X-Auth-Token"))
	assert.Empty(t, rec.headers[0].Get(audit.SignatureHeader))
}

func TestWebhookShipper_SignsBody(t *testing.T) {
	rec := newHookServer()
	srv := httptest.NewServer(rec)
	defer srv.Close()

	ws, err := audit.NewWebhookShipper(&config.AuditWebhookConfig{URL: srv.URL, SigningSecret: "s3cret"})
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.Ship(context.Background(), &audit.LogEntry{Action: "override.convert_lifetime"}))
	require.Equal(t, 1, rec.calls())

	sig := rec.headers[0].Get(audit.SignatureHeader)
	assert.Equal(t, audit.Sign("s3cret", rec.bodies[0]), sig)
	assert.NotEqual(t, audit.Sign("other", rec.bodies[0]), sig)
	assert.Len(t, sig, len("sha256=")+64)
}

// ---------------------------------------------------------------------------
// Retry policy
// ---------------------------------------------------------------------------

func TestWebhookShipper_RetriesServerErrors(t *testing.T) {
	rec := newHookServer(http.StatusServiceUnavailable)
	srv := httptest.NewServer(rec)
	defer srv.Close()

	ws, err := audit.NewWebhookShipper(&config.AuditWebhookConfig{URL: srv.URL, MaxAttempts: 3})
	require.NoError(t, err)
	defer ws.Close()

	assert.NoError(t, ws.Ship(context.Background(), &audit.LogEntry{Action: "override.reenable"}))
	assert.Equal(t, 2, rec.calls())
}

func TestWebhookShipper_GivesUpAfterMaxAttempts(t *testing.T) {
	rec := newHookServer(http.StatusInternalServerError, http.StatusInternalServerError, http.StatusInternalServerError)
	srv := httptest.NewServer(rec)
	defer srv.Close()

	ws, err := audit.NewWebhookShipper(&config.AuditWebhookConfig{URL: srv.URL, MaxAttempts: 2})
	require.NoError(t, err)
	defer ws.Close()

	assert.Error(t, ws.Ship(context.Background(), &audit.LogEntry{Action: "override.reenable"}))
	assert.Equal(t, 2, rec.calls())
}

func TestWebhookShipper_ClientErrorIsNotRetried(t *testing.T) {
	rec := newHookServer(http.StatusUnauthorized)
	srv := httptest.NewServer(rec)
	defer srv.Close()

	ws, err := audit.NewWebhookShipper(&config.AuditWebhookConfig{URL: srv.URL, MaxAttempts: 3})
	require.NoError(t, err)
	defer ws.Close()

	assert.ErrorContains(t, ws.Ship(context.Background(), &audit.LogEntry{Action: "override.reenable"}), "401")
	assert.Equal(t, 1, rec.calls())
}

// ---------------------------------------------------------------------------
// Batching
// ---------------------------------------------------------------------------

func TestWebhookShipper_BatchFlushOnSize(t *testing.T) {
	rec := newHookServer()
	srv := httptest.NewServer(rec)
	defer srv.Close()

	ws, err := audit.NewWebhookShipper(&config.AuditWebhookConfig{URL: srv.URL, BatchSize: 2, FlushInterval: 60})
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.Ship(context.Background(), &audit.LogEntry{Action: "override.release_seat"}))
	require.NoError(t, ws.Ship(context.Background(), &audit.LogEntry{Action: "override.set_seat_limit"}))
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var batch []audit.LogEntry
	require.NoError(t, json.Unmarshal(rec.bodies[0], &batch))
	require.Len(t, batch, 2)
	assert.Equal(t, "override.release_seat", batch[0].Action)
	assert.Equal(t, "override.set_seat_limit", batch[1].Action)
}

func TestWebhookShipper_BatchFlushOnInterval(t *testing.T) {
	rec := newHookServer()
	srv := httptest.NewServer(rec)
	defer srv.Close()

	ws, err := audit.NewWebhookShipper(&config.AuditWebhookConfig{URL: srv.URL, BatchSize: 100, FlushInterval: 1})
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.Ship(context.Background(), &audit.LogEntry{Action: "override.extend_expiry"}))
	rec.wait(t)
}

func TestWebhookShipper_BatchFlushOnClose(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ws, err := audit.NewWebhookShipper(&config.AuditWebhookConfig{URL: srv.URL, BatchSize: 100, FlushInterval: 60})
	require.NoError(t, err)

	require.NoError(t, ws.Ship(context.Background(), &audit.LogEntry{Action: "override.reenable"}))
	require.NoError(t, ws.Close())
	assert.Equal(t, int32(1), calls.Load())

	// closing twice is safe
	assert.NoError(t, ws.Close())
}
