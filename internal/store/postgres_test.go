// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c-moss-talk/eventstore/internal/core"
)

func TestPostgresGateway_CreateStream(t *testing.T) {
	t.Run("returns the new row id", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery(`INSERT INTO streams \(stream_id\) VALUES \(\$1\) RETURNING id`).
			WithArgs("stream-a").
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))

		g := newGatewayWithQuerier(mock)
		id, err := g.CreateStream(context.Background(), "stream-a")
		require.NoError(t, err)
		assert.Equal(t, int64(1), id)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("classifies a unique violation as ErrStreamExists", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery(`INSERT INTO streams`).
			WithArgs("stream-a").
			WillReturnError(&pgconn.PgError{Code: "23505"})

		g := newGatewayWithQuerier(mock)
		_, err = g.CreateStream(context.Background(), "stream-a")
		assert.ErrorIs(t, err, core.ErrStreamExists)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresGateway_AppendEvents(t *testing.T) {
	t.Run("appends to an existing stream and commits", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id, latest_version FROM streams WHERE stream_id = \$1 FOR UPDATE`).
			WithArgs("stream-a").
			WillReturnRows(pgxmock.NewRows([]string{"id", "latest_version"}).AddRow(int64(1), int64(2)))
		mock.ExpectExec(`INSERT INTO events`).
			WithArgs(pgxmock.AnyArg(), int64(1), int64(3), "created", []byte(nil), []byte(nil)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec(`UPDATE streams SET latest_version = \$1 WHERE id = \$2`).
			WithArgs(int64(3), int64(1)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		g := newGatewayWithQuerier(mock)
		v, err := g.AppendEvents(context.Background(), "stream-a", 2, []core.NewEvent{{EventType: "created"}})
		require.NoError(t, err)
		assert.Equal(t, int64(3), v)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("creates the stream row on first append", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id, latest_version FROM streams WHERE stream_id = \$1 FOR UPDATE`).
			WithArgs("stream-new").
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery(`INSERT INTO streams \(stream_id\) VALUES \(\$1\) RETURNING id, latest_version`).
			WithArgs("stream-new").
			WillReturnRows(pgxmock.NewRows([]string{"id", "latest_version"}).AddRow(int64(5), int64(0)))
		mock.ExpectExec(`INSERT INTO events`).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec(`UPDATE streams SET latest_version`).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		g := newGatewayWithQuerier(mock)
		v, err := g.AppendEvents(context.Background(), "stream-new", 0, []core.NewEvent{{EventType: "created"}})
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on a stale expected version", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id, latest_version FROM streams WHERE stream_id = \$1 FOR UPDATE`).
			WithArgs("stream-a").
			WillReturnRows(pgxmock.NewRows([]string{"id", "latest_version"}).AddRow(int64(1), int64(5)))
		mock.ExpectRollback()

		g := newGatewayWithQuerier(mock)
		_, err = g.AppendEvents(context.Background(), "stream-a", 2, []core.NewEvent{{EventType: "created"}})
		assert.ErrorIs(t, err, core.ErrWrongExpectedVersion)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("a missing stream with a nonzero expected version is wrong-expected-version, not auto-create", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id, latest_version FROM streams WHERE stream_id = \$1 FOR UPDATE`).
			WithArgs("stream-a").
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectRollback()

		g := newGatewayWithQuerier(mock)
		_, err = g.AppendEvents(context.Background(), "stream-a", 3, []core.NewEvent{{EventType: "created"}})
		assert.ErrorIs(t, err, core.ErrWrongExpectedVersion)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresGateway_ReadStreamForward(t *testing.T) {
	t.Run("returns ErrStreamNotFound for an unknown stream", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM streams WHERE stream_id = \$1\)`).
			WithArgs("missing").
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

		g := newGatewayWithQuerier(mock)
		_, err = g.ReadStreamForward(context.Background(), "missing", 0, 10)
		assert.ErrorIs(t, err, core.ErrStreamNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reads $all by event_number without an existence check", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery(`FROM events e JOIN streams s ON s\.id = e\.stream_id\s+WHERE e\.event_number > \$1`).
			WithArgs(int64(0), 10).
			WillReturnRows(pgxmock.NewRows([]string{
				"event_id", "event_number", "stream_version", "stream_id", "event_type", "data", "metadata", "created_at",
			}).AddRow(uuid.New(), int64(1), int64(1), "stream-a", "created", []byte(nil), []byte(nil), time.Now()))

		g := newGatewayWithQuerier(mock)
		events, err := g.ReadStreamForward(context.Background(), core.AllStream, 0, 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, int64(1), events[0].EventNumber)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresGateway_SubscribeToStream(t *testing.T) {
	t.Run("returns the existing row when one is already present", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		lastSeen := int64(7)
		mock.ExpectQuery(`SELECT id, last_seen FROM subscriptions`).
			WithArgs("stream-a", "sub1").
			WillReturnRows(pgxmock.NewRows([]string{"id", "last_seen"}).AddRow(int64(1), &lastSeen))

		g := newGatewayWithQuerier(mock)
		id, ls, err := g.SubscribeToStream(context.Background(), "stream-a", "sub1", core.Origin())
		require.NoError(t, err)
		assert.Equal(t, int64(1), id)
		require.NotNil(t, ls)
		assert.Equal(t, int64(7), *ls)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("creates a new origin row with a nil last_seen", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery(`SELECT id, last_seen FROM subscriptions`).
			WithArgs("stream-a", "sub1").
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery(`INSERT INTO subscriptions`).
			WithArgs("stream-a", "sub1", (*int64)(nil)).
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(9)))

		g := newGatewayWithQuerier(mock)
		id, ls, err := g.SubscribeToStream(context.Background(), "stream-a", "sub1", core.Origin())
		require.NoError(t, err)
		assert.Equal(t, int64(9), id)
		assert.Nil(t, ls)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("classifies a unique violation on insert as ErrSubscriptionAlreadyExists", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery(`SELECT id, last_seen FROM subscriptions`).
			WithArgs("stream-a", "sub1").
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery(`INSERT INTO subscriptions`).
			WithArgs("stream-a", "sub1", (*int64)(nil)).
			WillReturnError(&pgconn.PgError{Code: "23505"})

		g := newGatewayWithQuerier(mock)
		_, _, err = g.SubscribeToStream(context.Background(), "stream-a", "sub1", core.Origin())
		assert.ErrorIs(t, err, core.ErrSubscriptionAlreadyExists)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresGateway_AckLastSeenEvent(t *testing.T) {
	t.Run("advances last_seen", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(`UPDATE subscriptions SET last_seen = \$1`).
			WithArgs(int64(5), "stream-a", "sub1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		g := newGatewayWithQuerier(mock)
		err = g.AckLastSeenEvent(context.Background(), "stream-a", "sub1", 5)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns ErrUnknownSubscriber when the conditional update affects nothing and the row is gone", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(`UPDATE subscriptions SET last_seen = \$1`).
			WithArgs(int64(5), "stream-a", "sub1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM subscriptions`).
			WithArgs("stream-a", "sub1").
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

		g := newGatewayWithQuerier(mock)
		err = g.AckLastSeenEvent(context.Background(), "stream-a", "sub1", 5)
		assert.ErrorIs(t, err, core.ErrUnknownSubscriber)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("a stale ack that moves nothing but the row still exists is not an error", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(`UPDATE subscriptions SET last_seen = \$1`).
			WithArgs(int64(3), "stream-a", "sub1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM subscriptions`).
			WithArgs("stream-a", "sub1").
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

		g := newGatewayWithQuerier(mock)
		err = g.AckLastSeenEvent(context.Background(), "stream-a", "sub1", 3)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresGateway_DeleteSubscription(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`DELETE FROM subscriptions WHERE stream_uuid = \$1 AND subscription_name = \$2`).
		WithArgs("stream-a", "sub1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	g := newGatewayWithQuerier(mock)
	err = g.DeleteSubscription(context.Background(), "stream-a", "sub1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("not a pg error")))
}
