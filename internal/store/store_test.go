package store

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/saccessco/api/schemas"
	"github.com/xkilldash9x/saccessco/internal/config"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newMockStore(t *testing.T, logger *zap.Logger) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

// -- Postgres --

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgres_EnsureSchema(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	for _, stmt := range postgresSchema {
		mockPool.ExpectExec(flexibleSQLMatcher(stmt)).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgres_RecordMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("commits without rollback errors", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(observedZapCore))

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertConversation)).
			WithArgs("conv-1", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertMessage)).
			WithArgs("conv-1", "user", "book a flight", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		err := s.RecordMessage(ctx, "conv-1", schemas.Message{Role: schemas.RoleUser, Content: "book a flight"})
		require.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("rolls back when the insert fails", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		insertErr := errors.New("disk full")

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertConversation)).
			WithArgs("conv-1", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertMessage)).
			WithArgs("conv-1", "model", "ok", pgxmock.AnyArg()).
			WillReturnError(insertErr)
		mockPool.ExpectRollback()

		err := s.RecordMessage(ctx, "conv-1", schemas.Message{Role: schemas.RoleModel, Content: "ok"})
		assert.ErrorIs(t, err, insertErr)
		assert.ErrorContains(t, err, "failed to insert message")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("begin failure", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectBegin().WillReturnError(errors.New("no connections"))

		err := s.RecordMessage(ctx, "conv-1", schemas.Message{Role: schemas.RoleUser, Content: "x"})
		assert.ErrorContains(t, err, "failed to begin transaction")
	})
}

func TestPostgres_Transcript(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())

	rows := pgxmock.NewRows([]string{"role", "content"}).
		AddRow("system", "PAGE CHANGE\n<p>hi</p>").
		AddRow("model", "A greeting page.")
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectTranscript)).WithArgs("conv-1").WillReturnRows(rows)

	got, err := s.Transcript(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []schemas.Message{
		{Role: schemas.RoleSystem, Content: "PAGE CHANGE\n<p>hi</p>"},
		{Role: schemas.RoleModel, Content: "A greeting page."},
	}, got)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgres_TranscriptQueryError(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectTranscript)).WithArgs("conv-1").WillReturnError(errors.New("timeout"))

	_, err := s.Transcript(context.Background(), "conv-1")
	assert.ErrorContains(t, err, "failed to query transcript")
}

// -- SQLite --

func TestSQLite_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, ":memory:", zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	conversation := []schemas.Message{
		{Role: schemas.RoleUser, Content: "find shoes"},
		{Role: schemas.RoleModel, Content: `{"speak":"Searching."}`},
		{Role: schemas.RoleUser, Content: "size 42"},
	}
	for _, m := range conversation {
		require.NoError(t, s.RecordMessage(ctx, "c1", m))
	}
	require.NoError(t, s.RecordMessage(ctx, "c2", schemas.Message{Role: schemas.RoleUser, Content: "other"}))

	got, err := s.Transcript(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, conversation, got)

	none, err := s.Transcript(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		rec, err := Open(ctx, config.DatabaseConfig{}, zap.NewNop())
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("sqlite file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "transcripts.db")
		rec, err := Open(ctx, config.DatabaseConfig{Driver: "sqlite", URL: path}, zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, rec.RecordMessage(ctx, "c1", schemas.Message{Role: schemas.RoleUser, Content: "hi"}))
		require.NoError(t, rec.Close())

		// Reopening sees the persisted rows.
		rec, err = Open(ctx, config.DatabaseConfig{Driver: "sqlite", URL: path}, zap.NewNop())
		require.NoError(t, err)
		defer rec.Close()
		got, err := rec.Transcript(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, []schemas.Message{{Role: schemas.RoleUser, Content: "hi"}}, got)
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, err := Open(ctx, config.DatabaseConfig{Driver: "mysql"}, zap.NewNop())
		assert.ErrorContains(t, err, "unsupported database driver")
	})
}
