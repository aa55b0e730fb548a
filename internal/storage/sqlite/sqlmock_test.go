package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumai/trustgate/internal/gate"
	"github.com/stratumai/trustgate/internal/storage"
	"github.com/stratumai/trustgate/internal/storage/storagetest"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestStore_SaveStateStaleVersion(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO gate_state").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	state := gate.Initial("acme", storagetest.Base)
	state.Version = 3
	err := store.SaveState(context.Background(), state, nil)
	assert.True(t, errors.Is(err, storage.ErrStaleVersion), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SaveStateTransitionFailureRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO gate_state").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO gate_transitions").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	state := gate.Initial("acme", storagetest.Base)
	state.Version = 1
	tr := &gate.Transition{TenantID: "acme", From: gate.StatusBlock, To: gate.StatusHold, At: storagetest.Base}
	err := store.SaveState(context.Background(), state, tr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite: append transition")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_QueryErrors(t *testing.T) {
	tests := []struct {
		name   string
		expect func(sqlmock.Sqlmock)
		call   func(*Store) error
		want   string
	}{
		{
			name:   "latest snapshot",
			expect: func(m sqlmock.Sqlmock) { m.ExpectQuery("SELECT snapshot_json").WillReturnError(errors.New("boom")) },
			call: func(s *Store) error {
				_, err := s.LatestSnapshot(context.Background(), "acme")
				return err
			},
			want: "sqlite: get snapshot",
		},
		{
			name:   "query decisions",
			expect: func(m sqlmock.Sqlmock) { m.ExpectQuery("SELECT id, tenant_id").WillReturnError(errors.New("boom")) },
			call: func(s *Store) error {
				_, err := s.QueryDecisions(context.Background(), storage.AuditFilter{TenantID: "acme"})
				return err
			},
			want: "sqlite: query decisions",
		},
		{
			name: "corrupt state",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectQuery("SELECT state_json").WillReturnRows(sqlmock.NewRows([]string{"state_json"}).AddRow("{not json"))
			},
			call: func(s *Store) error {
				_, err := s.GetState(context.Background(), "acme")
				return err
			},
			want: "sqlite: unmarshal state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			tt.expect(mock)
			err := tt.call(store)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
