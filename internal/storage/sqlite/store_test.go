package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumai/trustgate/internal/decision"
	"github.com/stratumai/trustgate/internal/storage"
	"github.com/stratumai/trustgate/internal/storage/storagetest"
)

func setupTestDB(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "trustgate.db")
	store, err := NewStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func TestStore_Contract(t *testing.T) {
	storagetest.RunStore(t, setupTestDB(t))
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trustgate.db")
	ctx := context.Background()

	store, err := NewStore(path)
	require.NoError(t, err)
	d := storagetest.Decision("d-1", "acme", storagetest.Base, decision.TypeHold, "campaign")
	require.NoError(t, store.AppendDecision(ctx, d))
	require.NoError(t, store.Close())

	_, err = os.Stat(path)
	require.NoError(t, err)

	store, err = NewStore(path)
	require.NoError(t, err, "schema creation is repeatable")
	defer store.Close()

	got, err := store.QueryDecisions(ctx, storage.AuditFilter{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, d, got[0])
}

func TestStore_TimesCompareAcrossZones(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	zone := time.FixedZone("UTC+5", 5*3600)
	local := storagetest.Base.In(zone)
	require.NoError(t, store.AppendDecision(ctx, storagetest.Decision("d-1", "acme", local, decision.TypeExecute, "campaign")))

	from := storagetest.Base.Add(-time.Second)
	got, err := store.QueryDecisions(ctx, storage.AuditFilter{TenantID: "acme", From: &from})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].CreatedAt.Equal(storagetest.Base))
	assert.Equal(t, time.UTC, got[0].CreatedAt.Location())
}
