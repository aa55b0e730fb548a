package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumai/trustgate/internal/gate"
	"github.com/stratumai/trustgate/internal/storage/storagetest"
)

func TestStore_Contract(t *testing.T) {
	storagetest.RunStore(t, NewStore())
}

func TestStore_ConcurrentStateWrites(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for v := 1; v <= 50; v++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			st := gate.Initial("acme", storagetest.Base)
			st.Version = int64(v)
			_ = s.SaveState(ctx, st, nil)
		}(v)
	}
	wg.Wait()

	got, err := s.GetState(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.Version, "the highest version always wins")
}

func TestStore_SnapshotIsCopied(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	snap := storagetest.Snapshot("s-1", "acme", 0, storagetest.Base, "ok", nil)
	require.NoError(t, s.SaveSnapshot(ctx, snap))
	snap.ID = "mutated"

	got, err := s.LatestSnapshot(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "s-1", got.ID)
}
