package lead

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-funnel/internal/identity"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresStore(mock), mock
}

func TestPostgresStore_GetLead_NotFound(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, full_name").WithArgs("missing").WillReturnError(pgx.ErrNoRows)

	l, err := st.GetLead(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, l)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindLeadByIdentifier(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("SELECT lead_id FROM lead_identifiers").
		WithArgs("email", "a@b.co").
		WillReturnRows(pgxmock.NewRows([]string{"lead_id"}).AddRow("lead-1"))
	mock.ExpectQuery("SELECT lead_id FROM lead_identifiers").
		WithArgs("phone", "11999998888").
		WillReturnError(pgx.ErrNoRows)

	id, err := st.FindLeadByIdentifier(context.Background(), identity.KindEmail, "a@b.co")
	require.NoError(t, err)
	assert.Equal(t, "lead-1", id)

	id, err = st.FindLeadByIdentifier(context.Background(), identity.KindPhone, "11999998888")
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindOwners(t *testing.T) {
	st, mock := newMockStore(t)
	in := identity.Collect([]string{"a@b.co"}, []string{"11999998888"})

	mock.ExpectQuery("FROM lead_identifiers li").
		WithArgs([]string{"email", "phone"}, []string{"a@b.co", "11999998888"}).
		WillReturnRows(pgxmock.NewRows([]string{"type", "value_normalized", "lead_id"}).
			AddRow("phone", "11999998888", "lead-2"))

	owners, err := st.FindOwners(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, owners, 1)
	assert.Equal(t, Owner{Kind: identity.KindPhone, Normalized: "11999998888", LeadID: "lead-2"}, owners[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AttachIdentifier_Conflict(t *testing.T) {
	st, mock := newMockStore(t)
	id, _ := identity.Email("a@b.co")

	mock.ExpectExec("INSERT INTO lead_identifiers").
		WithArgs("lead-1", "email", "a@b.co", "a@b.co", true, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ok, err := st.AttachIdentifier(context.Background(), "lead-1", id, true)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MergeLeads(t *testing.T) {
	st, mock := newMockStore(t)
	absorbed := []string{"lead-2"}

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs([]string{"lead-1", "lead-2"}).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("lead-1").AddRow("lead-2"))
	for range mergeStatements {
		mock.ExpectExec(".+").WithArgs("lead-1", absorbed).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	}
	mock.ExpectCommit()

	require.NoError(t, st.MergeLeads(context.Background(), "lead-1", absorbed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MergeLeads_RollsBackOnError(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs([]string{"lead-1", "lead-2"}).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectExec("UPDATE lead_identifiers").
		WithArgs("lead-1", []string{"lead-2"}).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := st.MergeLeads(context.Background(), "lead-1", []string{"lead-2"})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WithTx_Nested(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO leads").
		WithArgs("lead-1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE leads").
		WithArgs("lead-1", "Ana", pgxmock.AnyArg(), pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := st.WithTx(context.Background(), func(tx Store) error {
		l := &Lead{ID: "lead-1", CreatedAt: now, UpdatedAt: now}
		if err := tx.CreateLead(context.Background(), l); err != nil {
			return err
		}
		return tx.WithTx(context.Background(), func(inner Store) error {
			l.FullName = "Ana"
			return inner.UpdateLead(context.Background(), l)
		})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountLeads(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("SELECT count").WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	n, err := st.CountLeads(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNamePattern(t *testing.T) {
	assert.Equal(t, "%ana%silva%", namePattern("  ana   silva "))
}
