package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumai/trustgate/internal/decision"
	"github.com/stratumai/trustgate/internal/storage/storagetest"
)

func TestQuery_Normalize(t *testing.T) {
	later := storagetest.Base.Add(time.Hour)
	tests := []struct {
		name      string
		in        Query
		wantLimit int
		wantErr   bool
	}{
		{name: "default limit", in: Query{}, wantLimit: DefaultLimit},
		{name: "clamped", in: Query{Limit: 10000}, wantLimit: MaxLimit},
		{name: "kept", in: Query{Limit: 7}, wantLimit: 7},
		{name: "negative limit", in: Query{Limit: -1}, wantErr: true},
		{name: "negative offset", in: Query{Offset: -1}, wantErr: true},
		{name: "bad decision type", in: Query{DecisionType: "approve"}, wantErr: true},
		{name: "inverted range", in: Query{From: &later, To: &storagetest.Base}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalize()
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidQuery), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLimit, got.Limit)
		})
	}
}

func TestRecorder_Query(t *testing.T) {
	r, _, _ := newTestRecorder(10, nil)
	ctx := context.Background()

	types := []decision.Type{decision.TypeExecute, decision.TypeHold, decision.TypeBlock}
	for i := 0; i < 7; i++ {
		require.NoError(t, r.Record(ctx, dec(fmt.Sprintf("d-%d", i), i, types[i%3])))
	}

	t.Run("first page", func(t *testing.T) {
		page, err := r.Query(ctx, "acme", Query{Limit: 3})
		require.NoError(t, err)
		require.Len(t, page.Entries, 3)
		assert.Equal(t, "d-6", page.Entries[0].ID)
		assert.Equal(t, Pagination{Limit: 3, Offset: 0, HasMore: true}, page.Pagination)
		assert.Equal(t, Summary{Total: 7, Executed: 3, Held: 2, Blocked: 2, PassRate: 42.9}, page.Summary)
		require.NotNil(t, page.DateRange.Start)
		assert.Equal(t, storagetest.Base, *page.DateRange.Start)
		assert.Equal(t, storagetest.Base.Add(6*time.Minute), *page.DateRange.End)
	})

	t.Run("last page", func(t *testing.T) {
		page, err := r.Query(ctx, "acme", Query{Limit: 3, Offset: 6})
		require.NoError(t, err)
		require.Len(t, page.Entries, 1)
		assert.Equal(t, "d-0", page.Entries[0].ID)
		assert.False(t, page.Pagination.HasMore)
	})

	t.Run("filtered summary", func(t *testing.T) {
		from := storagetest.Base.Add(3 * time.Minute)
		page, err := r.Query(ctx, "acme", Query{From: &from, DecisionType: "hold"})
		require.NoError(t, err)
		assert.Equal(t, Summary{Total: 1, Held: 1}, page.Summary)
		assert.Equal(t, &from, page.DateRange.Start)
	})

	t.Run("empty", func(t *testing.T) {
		page, err := r.Query(ctx, "globex", Query{})
		require.NoError(t, err)
		assert.Empty(t, page.Entries)
		assert.Equal(t, Summary{}, page.Summary)
		assert.Nil(t, page.DateRange.Start)
	})
}
