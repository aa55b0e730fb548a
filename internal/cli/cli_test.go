package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumai/trustgate/internal/audit"
	"github.com/stratumai/trustgate/internal/decision"
	"github.com/stratumai/trustgate/internal/health"
	"github.com/stratumai/trustgate/internal/storage/sqlite"
	"github.com/stratumai/trustgate/internal/storage/storagetest"
	"github.com/stratumai/trustgate/internal/tenant"
)

func resetFlags() {
	cfgFile, logLevel = "", ""
	validateDir = ""
	scoreFixture, scoreTenant, scoreDate = "", "", ""
	auditTenant, auditDecisionType, auditEntityType = "", "", ""
	auditStartDate, auditEndDate = "", ""
	auditLimit, auditOffset = 50, 0
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	resetFlags()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestVersion(t *testing.T) {
	out, _, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "version: dev")
	assert.Contains(t, out, "commit: ")
}

func TestValidate(t *testing.T) {
	good := t.TempDir()
	writeFile(t, filepath.Join(good, "acme.yaml"), `apiVersion: trustgate/v1
kind: TenantPolicy
metadata:
  id: acme
spec:
  platforms:
    - name: meta
`)
	bad := t.TempDir()
	writeFile(t, filepath.Join(bad, "hooli.yaml"), `apiVersion: trustgate/v1
kind: TenantPolicy
metadata:
  id: hooli
spec:
  thresholds:
    healthy: 50
    degraded: 60
  platforms:
    - name: meta
`)

	tests := []struct {
		name    string
		dir     string
		wantErr bool
	}{
		{name: "valid directory", dir: good},
		{name: "inverted thresholds", dir: bad, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, errOut, err := run(t, "validate", "--dir", tt.dir)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Contains(t, out, "are valid")
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, tenant.ErrInvalidConfig))
			assert.Contains(t, errOut, "hooli.yaml")
		})
	}
}

func TestScore(t *testing.T) {
	fixture := filepath.Join(t.TempDir(), "acme.json")
	writeFile(t, fixture, `{
  "signals": [
    {"tenant_id": "acme", "platform": "meta", "date": "2026-03-10T00:00:00Z",
     "emq_score": 90, "event_loss_pct": 1, "freshness_minutes": 5, "api_error_rate": 0.01,
     "recorded_at": "2026-03-10T06:00:00Z"}
  ]
}`)

	out, _, err := run(t, "score", "--fixture", fixture, "--tenant", "acme", "--date", "2026-03-10", "--platforms", "meta")
	require.NoError(t, err)

	var snap health.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, "acme", snap.TenantID)
	assert.Equal(t, "2026-03-10", snap.Date.Format(time.DateOnly))
	require.Len(t, snap.PlatformRows, 1)
	assert.Equal(t, "meta", snap.PlatformRows[0].Platform)
	require.NotNil(t, snap.OverallScore)
}

func TestScore_RequiresFlags(t *testing.T) {
	_, _, err := run(t, "score", "--tenant", "acme")
	assert.Error(t, err)
}

func TestAudit(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "tg.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, "storage:\n  driver: sqlite\n  sqlite_path: "+dbPath+"\n")

	store, err := sqlite.NewStore(dbPath)
	require.NoError(t, err)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, store.AppendDecision(ctx, storagetest.Decision("d1", "acme", at, decision.TypeExecute, "campaign")))
	require.NoError(t, store.AppendDecision(ctx, storagetest.Decision("d2", "acme", at.Add(time.Hour), decision.TypeBlock, "ad_set")))
	require.NoError(t, store.AppendDecision(ctx, storagetest.Decision("d3", "globex", at, decision.TypeHold, "campaign")))
	require.NoError(t, store.Close())

	tests := []struct {
		name  string
		args  []string
		total int
	}{
		{name: "all entries", args: nil, total: 2},
		{name: "by decision type", args: []string{"--decision-type", "block"}, total: 1},
		{name: "by entity type", args: []string{"--entity-type", "campaign"}, total: 1},
		{name: "outside range", args: []string{"--start-date", "2026-03-11"}, total: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--config", cfgPath, "audit", "--tenant", "acme"}, tt.args...)
			out, _, err := run(t, args...)
			require.NoError(t, err)

			var page audit.Page
			require.NoError(t, json.Unmarshal([]byte(out), &page))
			assert.Equal(t, tt.total, page.Summary.Total)
			assert.Len(t, page.Entries, tt.total)
		})
	}
}

func TestAudit_BadDecisionType(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, "storage:\n  driver: memory\n")

	_, _, err := run(t, "--config", cfgPath, "audit", "--tenant", "acme", "--decision-type", "maybe")
	require.Error(t, err)
	assert.True(t, errors.Is(err, audit.ErrInvalidQuery))
}
