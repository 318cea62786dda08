package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
	"github.com/stretchr/testify/require"
)

const (
	testUser    = "user-1"
	testScope   = "course-v1:edX+DemoX+2026"
	testCourse  = "block-v1:edX+DemoX+2026+type@course+block@course"
	testChapter = "block-v1:edX+DemoX+2026+type@chapter+block@ch1"
	testHTML    = "block-v1:edX+DemoX+2026+type@html+block@h1"
)

var fixedNow = time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)

func TestAdapter_FetchCompletions(t *testing.T) {
	adapter, mock, db := newMockAdapter(t)
	defer db.Close()

	modified := fixedNow.Add(-time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta(queryFetchCompletions)).
		WithArgs(testUser, testScope).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "scope_key", "block_key", "completion", "modified_at"}).
			AddRow(testUser, testScope, testHTML, 0.75, modified))

	leaves, err := adapter.FetchCompletions(context.Background(), testUser, testScope)
	require.NoError(t, err)
	require.Len(t, leaves, 1)
	require.Equal(t, testHTML, leaves[0].BlockKey)
	require.Equal(t, 0.75, leaves[0].Value)
	require.Equal(t, modified, leaves[0].ModifiedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_SaveCompletion(t *testing.T) {
	tests := []struct {
		name        string
		rows        int64
		wantChanged bool
	}{
		{name: "new or changed value", rows: 1, wantChanged: true},
		{name: "unchanged value", rows: 0, wantChanged: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter, mock, db := newMockAdapter(t)
			defer db.Close()

			mock.ExpectExec(regexp.QuoteMeta(querySaveCompletion)).
				WithArgs(testUser, testScope, testHTML, 1.0, fixedNow).
				WillReturnResult(sqlmock.NewResult(0, tt.rows))

			changed, err := adapter.SaveCompletion(context.Background(), aggregation.CompletionLeaf{
				UserID:   testUser,
				ScopeKey: testScope,
				BlockKey: testHTML,
				Value:    1.0,
			})
			require.NoError(t, err)
			require.Equal(t, tt.wantChanged, changed)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestAdapter_SaveCompletionRejectsInvalidLeaf(t *testing.T) {
	adapter, mock, db := newMockAdapter(t)
	defer db.Close()

	_, err := adapter.SaveCompletion(context.Background(), aggregation.CompletionLeaf{
		UserID:   testUser,
		ScopeKey: testScope,
		BlockKey: testHTML,
		Value:    1.5,
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_ActiveUsersAndScopes(t *testing.T) {
	adapter, mock, db := newMockAdapter(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(queryActiveUsers)).
		WithArgs(testScope).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-1").AddRow("user-2"))
	mock.ExpectQuery(regexp.QuoteMeta(queryScopes)).
		WillReturnRows(sqlmock.NewRows([]string{"scope_key"}).AddRow(testScope))

	users, err := adapter.ActiveUsers(context.Background(), testScope)
	require.NoError(t, err)
	require.Equal(t, []string{"user-1", "user-2"}, users)

	scopes, err := adapter.Scopes(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{testScope}, scopes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_CloseReturnsDBCloseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	dbCloseErr := errors.New("db close failed")

	mock.ExpectPrepare(regexp.QuoteMeta(queryFetchCompletions)).WillBeClosed()
	mock.ExpectPrepare(regexp.QuoteMeta(queryFetchAggregates)).WillBeClosed()
	adapter, err := newAdapter(db)
	require.NoError(t, err)

	mock.ExpectClose().WillReturnError(dbCloseErr)

	err = adapter.Close()
	require.Error(t, err)
	require.ErrorContains(t, err, "failed to close database")
	require.ErrorIs(t, err, dbCloseErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewAdapter_RequiresSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(queryValidateSchema)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err = NewAdapter(db)
	require.ErrorContains(t, err, "did you run migrations")
	require.NoError(t, mock.ExpectationsWereMet())
}

func newMockAdapter(t *testing.T) (*Adapter, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectPrepare(regexp.QuoteMeta(queryFetchCompletions))
	mock.ExpectPrepare(regexp.QuoteMeta(queryFetchAggregates))

	adapter, err := newAdapter(db)
	require.NoError(t, err)
	adapter.nowFn = func() time.Time { return fixedNow }

	return adapter, mock, db
}

func aggregateRowColumns() []string {
	return []string{
		"id",
		"user_id",
		"scope_key",
		"container_key",
		"kind",
		"earned",
		"possible",
		"percent",
		"last_modified",
		"record_modified",
		"created_at",
	}
}

func staleRowColumns() []string {
	return []string{"id", "user_id", "scope_key", "block_key", "force", "resolved", "created_at", "modified_at"}
}
