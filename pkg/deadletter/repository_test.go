package deadletter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var failedColumnNames = []string{
	"id", "original_topic", "event_key", "event_id", "event_payload", "exception_message", "stack_trace",
	"status", "retry_count", "max_retries", "next_retry_at", "last_retry_at", "created_at", "processed_at",
	"processing_notes",
}

func newRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresRepository(db), mock
}

func TestPostgresRepository_Insert(t *testing.T) {
	repo, mock := newRepo(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	next := now.Add(time.Minute)
	e := &FailedEvent{
		ID: "fe-1", OriginalTopic: "order.paid", EventKey: "order-1", EventID: "evt-1",
		EventPayload: `{"orderId":"order-1"}`, ExceptionMessage: "boom", StackTrace: "trace",
		Status: StatusPending, MaxRetries: 10, NextRetryAt: &next, CreatedAt: now,
	}

	mock.ExpectExec(`INSERT INTO failed_events \(id, original_topic, .* processing_notes\) VALUES \(\$1, .* \$15\)`).
		WithArgs("fe-1", "order.paid", "order-1", "evt-1", `{"orderId":"order-1"}`, "boom", "trace",
			"PENDING", 0, 10, next, nil, now, nil, "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.Insert(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_ClaimReady(t *testing.T) {
	repo, mock := newRepo(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM failed_events WHERE status IN \('PENDING', 'RETRYING'\) AND next_retry_at <= \$1 ORDER BY next_retry_at ASC LIMIT \$2 FOR UPDATE SKIP LOCKED`).
		WithArgs(now, 10).
		WillReturnRows(sqlmock.NewRows(failedColumnNames).
			AddRow("fe-1", "order.paid", "order-1", "evt-1", `{}`, "boom", nil,
				"PENDING", 2, 10, due, nil, now.Add(-time.Hour), nil, nil))
	mock.ExpectExec(`UPDATE failed_events SET status = \$1, retry_count = \$2, next_retry_at = \$3, last_retry_at = \$4, processed_at = \$5, processing_notes = \$6 WHERE id = \$7`).
		WithArgs("RETRYING", 2, now.Add(30*time.Minute), now, nil, "", "fe-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := repo.ClaimReady(context.Background(), now, 10, func(e *FailedEvent) error {
		return e.StartRetry(now, testPolicy)
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, StatusRetrying, claimed[0].Status)
	assert.Equal(t, "evt-1", claimed[0].EventID)
	assert.Empty(t, claimed[0].StackTrace)
	assert.Nil(t, claimed[0].ProcessedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_ClaimReadyRollsBackOnClaimError(t *testing.T) {
	repo, mock := newRepo(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM failed_events`).
		WillReturnRows(sqlmock.NewRows(failedColumnNames).
			AddRow("fe-1", "order.paid", nil, nil, `{}`, nil, nil,
				"PENDING", 0, 10, now, nil, now, nil, nil))
	mock.ExpectRollback()

	claimErr := errors.New("claim refused")
	_, err := repo.ClaimReady(context.Background(), now, 10, func(*FailedEvent) error { return claimErr })
	assert.ErrorIs(t, err, claimErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_SaveMissingRow(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectExec(`UPDATE failed_events SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Save(context.Background(), &FailedEvent{ID: "missing", Status: StatusPending})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_Get(t *testing.T) {
	repo, mock := newRepo(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .* FROM failed_events WHERE id = \$1`).
		WithArgs("fe-1").
		WillReturnRows(sqlmock.NewRows(failedColumnNames).
			AddRow("fe-1", "product.sync", "p-1", nil, `{}`, "x", "y",
				"MAX_RETRIES_REACHED", 10, 10, nil, now, now, nil, "gave up"))
	mock.ExpectQuery(`SELECT .* FROM failed_events WHERE id = \$1`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(failedColumnNames))

	e, err := repo.Get(context.Background(), "fe-1")
	require.NoError(t, err)
	assert.Equal(t, StatusMaxRetriesReached, e.Status)
	assert.Nil(t, e.NextRetryAt)
	assert.Equal(t, now, *e.LastRetryAt)
	assert.Equal(t, "gave up", e.ProcessingNotes)

	_, err = repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_FindStuck(t *testing.T) {
	repo, mock := newRepo(t)
	threshold := time.Date(2025, 3, 1, 11, 30, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .* FROM failed_events WHERE status = 'RETRYING' AND last_retry_at < \$1 ORDER BY last_retry_at ASC`).
		WithArgs(threshold).
		WillReturnRows(sqlmock.NewRows(failedColumnNames))

	stuck, err := repo.FindStuck(context.Background(), threshold)
	require.NoError(t, err)
	assert.Empty(t, stuck)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_DeleteProcessedBefore(t *testing.T) {
	repo, mock := newRepo(t)
	cutoff := time.Date(2025, 2, 1, 4, 0, 0, 0, time.UTC)

	mock.ExpectExec(`DELETE FROM failed_events WHERE status = 'PROCESSED' AND processed_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := repo.DeleteProcessedBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_Stats(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM failed_events GROUP BY status`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("PENDING", 4).
			AddRow("PROCESSED", 12))

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats[StatusPending])
	assert.Equal(t, int64(12), stats[StatusProcessed])
	assert.Equal(t, int64(0), stats[StatusMaxRetriesReached])
	assert.Len(t, stats, 5)
	assert.NoError(t, mock.ExpectationsWereMet())
}
