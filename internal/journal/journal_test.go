package journal

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)
	return mockPool
}

func expectSetup(mockPool pgxmock.PgxPoolIface) {
	mockPool.ExpectPing()
	mockPool.ExpectExec(flexibleSQLMatcher(createTable)).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
}

func TestNew(t *testing.T) {
	t.Run("propagates ping failure", func(t *testing.T) {
		mockPool := newMock(t)
		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err := New(context.Background(), mockPool, zap.NewNop(), Options{})
		assert.ErrorIs(t, err, pingErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("propagates schema failure", func(t *testing.T) {
		mockPool := newMock(t)
		mockPool.ExpectPing()
		mockPool.ExpectExec(flexibleSQLMatcher(createTable)).WillReturnError(errors.New("permission denied"))

		_, err := New(context.Background(), mockPool, zap.NewNop(), Options{})
		assert.ErrorContains(t, err, "permission denied")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestJournal_FlushesOnClose(t *testing.T) {
	mockPool := newMock(t)
	expectSetup(mockPool)
	mockPool.ExpectCopyFrom(pgx.Identifier{table}, columns).WillReturnResult(2)

	j, err := New(context.Background(), mockPool, zap.NewNop(), Options{FlushInterval: time.Hour})
	require.NoError(t, err)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	j.Record(Entry{SessionID: "s1", Command: "Get", Status: "success", Duration: 12 * time.Millisecond, At: at})
	j.Record(Entry{SessionID: "s1", Command: "GetTitle", Status: "success", At: at})

	require.NoError(t, j.Close(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())

	// Recording after close is a no-op.
	j.Record(Entry{SessionID: "s1"})
	assert.NoError(t, j.Close(context.Background()))
}

func TestJournal_FlushesFullBatch(t *testing.T) {
	mockPool := newMock(t)
	expectSetup(mockPool)
	mockPool.ExpectCopyFrom(pgx.Identifier{table}, columns).WillReturnResult(2)

	j, err := New(context.Background(), mockPool, zap.NewNop(), Options{BatchSize: 2, FlushInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close(context.Background()) })

	j.Record(Entry{SessionID: "s1", Command: "Get"})
	j.Record(Entry{SessionID: "s1", Command: "Back"})

	require.Eventually(t, func() bool {
		return mockPool.ExpectationsWereMet() == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJournal_CopyFailureIsLogged(t *testing.T) {
	mockPool := newMock(t)
	expectSetup(mockPool)
	mockPool.ExpectCopyFrom(pgx.Identifier{table}, columns).WillReturnError(errors.New("disk full"))

	core, logs := observer.New(zapcore.ErrorLevel)
	j, err := New(context.Background(), mockPool, zap.New(core), Options{})
	require.NoError(t, err)

	j.Record(Entry{SessionID: "s1", Command: "Get"})
	require.NoError(t, j.Close(context.Background()))

	entries := logs.FilterMessage("Failed to write journal batch.").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].ContextMap()["entries"])
}

func TestJournal_DropsWhenBufferFull(t *testing.T) {
	mockPool := newMock(t)
	expectSetup(mockPool)
	// The writer is held in a slow COPY while entries pile up.
	mockPool.ExpectCopyFrom(pgx.Identifier{table}, columns).WillReturnResult(1).WillDelayFor(300 * time.Millisecond)

	core, logs := observer.New(zapcore.WarnLevel)
	j, err := New(context.Background(), mockPool, zap.New(core), Options{Buffer: 1, BatchSize: 1})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		j.Record(Entry{SessionID: "s1", Command: "Get"})
	}
	assert.NotEmpty(t, logs.FilterMessage("Journal buffer full, dropping entry.").All())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, j.Close(ctx))
	select {
	case <-j.done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not stop")
	}
}

func TestJournal_Recent(t *testing.T) {
	mockPool := newMock(t)
	expectSetup(mockPool)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mockPool.ExpectQuery(flexibleSQLMatcher(selectRecent)).
		WithArgs("s1", 5).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("s1", "GetTitle", "success", "", int64(3), at).
			AddRow("s1", "Get", "timeout", "page load did not complete", int64(300), at.Add(-time.Second)))

	j, err := New(context.Background(), mockPool, zap.NewNop(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close(context.Background()) })

	got, err := j.Recent(context.Background(), "s1", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "GetTitle", got[0].Command)
	assert.Equal(t, 300*time.Millisecond, got[1].Duration)
	assert.Equal(t, "timeout", got[1].Status)
}
