package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/venue-enrichment/internal/enrich"
	"github.com/JakeFAU/venue-enrichment/internal/store"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

var testNow = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	st, err := NewWithPool(mock, fixedClock{now: testNow}, &seqIDs{})
	require.NoError(t, err)
	return st, mock
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, fixedClock{}, &seqIDs{})
	require.Error(t, err)
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, fixedClock{}, &seqIDs{})
	require.Error(t, err)
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS enrichment_sessions").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSessionInsertsProcessingRow(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO enrichment_sessions \(id, name, total_items, processed_items, status, created_at, last_activity\)`).
		WithArgs("id-1", "spring-import", 500, "processing", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := st.CreateSession(context.Background(), "spring-import", 500)
	require.NoError(t, err)
	require.Equal(t, "id-1", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertWorkItemsCommitsTransaction(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO work_items").
		WithArgs("id-1", "sess", "Inn A", "1 Main St", []byte(`{"website":"https://inn-a.example"}`), "pending", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO work_items").
		WithArgs("id-2", "sess", "Inn B", "", []byte(nil), "pending", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	ids, err := st.InsertWorkItems(context.Background(), "sess", []enrich.WorkItem{
		{Name: "Inn A", Address: "1 Main St", Endpoints: map[string]string{"website": "https://inn-a.example"}},
		{Name: "Inn B"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"id-1", "id-2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertWorkItemsRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO work_items").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := st.InsertWorkItems(context.Background(), "sess", []enrich.WorkItem{{Name: "Inn A"}})
	require.ErrorContains(t, err, "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessingSkipsEmpty(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	require.NoError(t, st.MarkProcessing(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessingUpdatesPendingItems(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	mock.ExpectExec("UPDATE work_items SET status").
		WithArgs("processing", testNow, []string{"a", "b"}, "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	require.NoError(t, st.MarkProcessing(context.Background(), []string{"a", "b"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordResultWritesTerminalStatus(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	mock.ExpectExec("UPDATE work_items SET status").
		WithArgs("item-1", "completed", (*string)(nil), pgxmock.AnyArg(), testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	res := enrich.ExtractionResult{WorkItemID: "item-1", OverallSuccess: true}
	require.NoError(t, st.RecordResult(context.Background(), "item-1", res))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordResultRejectsSecondWrite(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	mock.ExpectExec("UPDATE work_items SET status").
		WithArgs("item-1", "failed", pgxmock.AnyArg(), pgxmock.AnyArg(), testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	res := enrich.ExtractionResult{WorkItemID: "item-1", Error: "no source succeeded"}
	err := st.RecordResult(context.Background(), "item-1", res)
	require.ErrorIs(t, err, store.ErrNotActive)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateActivityMissingSession(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	mock.ExpectExec("UPDATE enrichment_sessions SET last_activity").
		WithArgs("missing", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := st.UpdateActivity(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSessionStatsDerivesPending(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*)")).
		WithArgs("sess").
		WillReturnRows(pgxmock.NewRows([]string{"total", "completed", "failed"}).AddRow(250, 200, 40))

	stats, err := st.GetSessionStats(context.Background(), "sess")
	require.NoError(t, err)
	require.Equal(t, enrich.SessionStats{Total: 250, Completed: 200, Failed: 40, Pending: 10}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeSessionRejectsTerminal(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	mock.ExpectExec("UPDATE enrichment_sessions").
		WithArgs("sess", "completed", 250, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := st.FinalizeSession(context.Background(), "sess", enrich.SessionCompleted, 250)
	require.ErrorIs(t, err, store.ErrNotActive)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyCorrectsThenFinalizes(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	mock.ExpectExec("UPDATE enrichment_sessions SET total_items").
		WithArgs("sess", 250).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE enrichment_sessions").
		WithArgs("sess", "completed", 250, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	d := store.Decide(500, enrich.SessionStats{Total: 250, Completed: 240, Failed: 10})
	require.NoError(t, store.Apply(context.Background(), st, "sess", d))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveSessionsScansRows(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	last := testNow.Add(-5 * time.Minute)
	rows := pgxmock.NewRows([]string{
		"id", "name", "total_items", "processed_items", "status", "created_at", "last_activity", "finished_at",
	}).
		AddRow("s1", "first", 10, 0, "processing", testNow.Add(-time.Hour), &last, (*time.Time)(nil)).
		AddRow("s2", "second", 5, 0, "processing", testNow.Add(-time.Minute), (*time.Time)(nil), (*time.Time)(nil))
	mock.ExpectQuery("FROM enrichment_sessions WHERE status").
		WithArgs("processing").
		WillReturnRows(rows)

	sessions, err := st.ListActiveSessions(context.Background(), enrich.SessionProcessing)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "s1", sessions[0].ID)
	require.Equal(t, enrich.SessionProcessing, sessions[0].Status)
	require.NotNil(t, sessions[0].LastActivity)
	require.True(t, sessions[0].LastActivity.Equal(last))
	require.Nil(t, sessions[1].LastActivity)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSessionNotFound(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	mock.ExpectQuery("FROM enrichment_sessions WHERE id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "name", "total_items", "processed_items", "status", "created_at", "last_activity", "finished_at",
		}))

	_, err := st.GetSession(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
