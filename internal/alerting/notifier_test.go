package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAlert() Alert {
	return Alert{
		Kind:     KindAuditWriteFailure,
		Severity: SeverityCritical,
		TenantID: "acme",
		Title:    "Audit writes failing",
		Message:  "decisions are queued in memory",
		Fields:   map[string]string{"pending": "3"},
		At:       time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC),
	}
}

func TestWebhookNotifier(t *testing.T) {
	var received Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second, zerolog.Nop())
	require.NoError(t, n.Notify(context.Background(), testAlert()))
	assert.Equal(t, testAlert(), received)
}

func TestWebhookNotifier_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second, zerolog.Nop())
	err := n.Notify(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(zerolog.New(&buf))
	require.NoError(t, n.Notify(context.Background(), testAlert()))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "error", line["level"])
	assert.Equal(t, KindAuditWriteFailure, line["kind"])
	assert.Equal(t, "acme", line["tenant_id"])
	assert.Equal(t, "3", line["pending"])
}

type funcNotifier func(context.Context, Alert) error

func (f funcNotifier) Notify(ctx context.Context, a Alert) error { return f(ctx, a) }

func TestMulti(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	m := Multi{
		funcNotifier(func(context.Context, Alert) error { calls++; return boom }),
		funcNotifier(func(context.Context, Alert) error { calls++; return nil }),
	}

	err := m.Notify(context.Background(), testAlert())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls, "a failing notifier does not stop the others")

	assert.NoError(t, Multi{}.Notify(context.Background(), testAlert()))
}
