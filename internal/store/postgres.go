// Package store provides the PostgreSQL-backed storage gateway (C1):
// the only package that issues SQL against the event-store schema in
// migrations/. Every exported method maps one operation from the
// Gateway interface onto one or more statements, classifying expected
// constraint violations into the sentinel errors in internal/core and
// wrapping everything else through oops for structured logging.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"

	"github.com/c-moss-talk/eventstore/internal/core"
)

// querier is the subset of *pgxpool.Pool (and pgx.Tx) that the gateway
// needs for ordinary query/exec work. Abstracting it lets unit tests
// substitute a pgxmock pool without a real database.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresGateway implements core.Gateway against the schema in
// migrations/000001_initial.up.sql. Session-scoped advisory locking
// lives in internal/advisory instead of here: it needs one dedicated,
// never-pooled connection for its whole lifetime, which doesn't fit
// this type's pool-backed query model.
type PostgresGateway struct {
	pool *pgxpool.Pool
	db   querier
}

var _ core.Gateway = (*PostgresGateway)(nil)

// NewPostgresGateway dials dsn and returns a ready PostgresGateway.
func NewPostgresGateway(ctx context.Context, dsn string) (*PostgresGateway, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("pool_connect_failed").Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, oops.Code("pool_ping_failed").Wrap(err)
	}
	return NewPostgresGatewayFromPool(pool), nil
}

// NewPostgresGatewayFromPool wraps an already-constructed pool, e.g.
// one shared with other components in cmd/eventstored.
func NewPostgresGatewayFromPool(pool *pgxpool.Pool) *PostgresGateway {
	return &PostgresGateway{pool: pool, db: pool}
}

// newGatewayWithQuerier builds a gateway around a fake querier for
// unit tests, e.g. pgxmock, without a real database.
func newGatewayWithQuerier(db querier) *PostgresGateway {
	return &PostgresGateway{db: db}
}

// Close releases the underlying pool. Safe to call once at shutdown.
func (g *PostgresGateway) Close() {
	if g.pool != nil {
		g.pool.Close()
	}
}

// CreateStream creates a new, empty stream.
func (g *PostgresGateway) CreateStream(ctx context.Context, streamID string) (int64, error) {
	var rowID int64
	err := g.db.QueryRow(ctx, `INSERT INTO streams (stream_id) VALUES ($1) RETURNING id`, streamID).Scan(&rowID)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, core.ErrStreamExists
		}
		return 0, oops.Code("stream_create_failed").With("stream_id", streamID).Wrap(err)
	}
	return rowID, nil
}

// AppendEvents transactionally appends events to a stream, locking the
// stream row for the duration so concurrent appenders serialize on
// expected-version checks instead of racing on stream_version uniqueness.
func (g *PostgresGateway) AppendEvents(ctx context.Context, streamID string, expectedVersion int64, newEvents []core.NewEvent) (int64, error) {
	tx, err := g.db.Begin(ctx)
	if err != nil {
		return 0, oops.Code("append_begin_failed").With("stream_id", streamID).Wrap(err)
	}
	defer tx.Rollback(ctx)

	var streamRowID, latestVersion int64
	err = tx.QueryRow(ctx, `SELECT id, latest_version FROM streams WHERE stream_id = $1 FOR UPDATE`, streamID).
		Scan(&streamRowID, &latestVersion)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if expectedVersion != 0 {
			return 0, core.ErrWrongExpectedVersion
		}
		err = tx.QueryRow(ctx, `INSERT INTO streams (stream_id) VALUES ($1) RETURNING id, latest_version`, streamID).
			Scan(&streamRowID, &latestVersion)
		if err != nil {
			return 0, oops.Code("stream_create_failed").With("stream_id", streamID).Wrap(err)
		}
	case err != nil:
		return 0, oops.Code("append_lookup_failed").With("stream_id", streamID).Wrap(err)
	}

	if latestVersion != expectedVersion {
		return 0, core.ErrWrongExpectedVersion
	}

	newVersion := latestVersion
	for _, ne := range newEvents {
		newVersion++
		id := ne.EventID
		if id == uuid.Nil {
			id = uuid.New()
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO events (event_id, stream_id, stream_version, event_type, data, metadata)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			id, streamRowID, newVersion, ne.EventType, ne.Payload, ne.Metadata)
		if err != nil {
			return 0, oops.Code("event_insert_failed").
				With("stream_id", streamID).With("stream_version", newVersion).Wrap(err)
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE streams SET latest_version = $1 WHERE id = $2`, newVersion, streamRowID); err != nil {
		return 0, oops.Code("stream_version_update_failed").With("stream_id", streamID).Wrap(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, oops.Code("append_commit_failed").With("stream_id", streamID).Wrap(err)
	}
	return newVersion, nil
}

// ReadStreamForward returns up to maxCount events addressed by
// event_number greater than fromVersion: the subscription engine tracks
// last_sent/last_seen on the global event_number scale even for a
// single-stream subscription (spec's RecordedEvent.event_number is the
// only identifier carried through SubscriptionState), so both the
// synthetic $all stream and a named stream read through the same
// column, the latter additionally scoped to its stream_id.
func (g *PostgresGateway) ReadStreamForward(ctx context.Context, streamID string, fromVersion int64, maxCount int) ([]core.RecordedEvent, error) {
	if streamID != core.AllStream {
		var exists bool
		if err := g.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM streams WHERE stream_id = $1)`, streamID).Scan(&exists); err != nil {
			return nil, oops.Code("stream_lookup_failed").With("stream_id", streamID).Wrap(err)
		}
		if !exists {
			return nil, core.ErrStreamNotFound
		}
	}

	const selectCols = `e.event_id, e.event_number, e.stream_version, s.stream_id, e.event_type, e.data, e.metadata, e.created_at`
	var rows pgx.Rows
	var err error
	if streamID == core.AllStream {
		rows, err = g.db.Query(ctx, `
			SELECT `+selectCols+`
			FROM events e JOIN streams s ON s.id = e.stream_id
			WHERE e.event_number > $1
			ORDER BY e.event_number
			LIMIT $2`, fromVersion, maxCount)
	} else {
		rows, err = g.db.Query(ctx, `
			SELECT `+selectCols+`
			FROM events e JOIN streams s ON s.id = e.stream_id
			WHERE s.stream_id = $1 AND e.event_number > $2
			ORDER BY e.event_number
			LIMIT $3`, streamID, fromVersion, maxCount)
	}
	if err != nil {
		return nil, oops.Code("read_stream_failed").With("stream_id", streamID).Wrap(err)
	}
	defer rows.Close()

	var out []core.RecordedEvent
	for rows.Next() {
		var rec core.RecordedEvent
		if err := rows.Scan(&rec.EventID, &rec.EventNumber, &rec.StreamVersion, &rec.StreamID,
			&rec.EventType, &rec.Payload, &rec.Metadata, &rec.CreatedAt); err != nil {
			return nil, oops.Code("read_stream_scan_failed").With("stream_id", streamID).Wrap(err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("read_stream_failed").With("stream_id", streamID).Wrap(err)
	}
	return out, nil
}

// SubscribeToStream idempotently creates or returns the durable
// subscription row.
func (g *PostgresGateway) SubscribeToStream(ctx context.Context, streamID, name string, startFrom core.StartFrom) (int64, *int64, error) {
	var id int64
	var lastSeen *int64
	err := g.db.QueryRow(ctx, `
		SELECT id, last_seen FROM subscriptions
		WHERE stream_uuid = $1 AND subscription_name = $2`, streamID, name).Scan(&id, &lastSeen)
	if err == nil {
		return id, lastSeen, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, oops.Code("subscription_lookup_failed").
			With("stream_id", streamID).With("subscription_name", name).Wrap(err)
	}

	switch startFrom.Kind {
	case core.StartOrigin:
		lastSeen = nil
	case core.StartCurrent:
		var latest int64
		if streamID == core.AllStream {
			err = g.db.QueryRow(ctx, `SELECT COALESCE(max(event_number), 0) FROM events`).Scan(&latest)
		} else {
			err = g.db.QueryRow(ctx, `
				SELECT COALESCE(max(e.event_number), 0)
				FROM events e JOIN streams s ON s.id = e.stream_id
				WHERE s.stream_id = $1`, streamID).Scan(&latest)
		}
		if err != nil {
			return 0, nil, oops.Code("subscription_current_lookup_failed").With("stream_id", streamID).Wrap(err)
		}
		lastSeen = &latest
	case core.StartExplicit:
		v := startFrom.Position - 1
		lastSeen = &v
	}

	err = g.db.QueryRow(ctx, `
		INSERT INTO subscriptions (stream_uuid, subscription_name, last_seen)
		VALUES ($1, $2, $3)
		RETURNING id`, streamID, name, lastSeen).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, nil, core.ErrSubscriptionAlreadyExists
		}
		return 0, nil, oops.Code("subscription_create_failed").
			With("stream_id", streamID).With("subscription_name", name).Wrap(err)
	}
	return id, lastSeen, nil
}

// AckLastSeenEvent durably advances last_seen. The WHERE clause makes
// the update conditional so a stale or reordered ack never moves the
// cursor backwards.
func (g *PostgresGateway) AckLastSeenEvent(ctx context.Context, streamID, name string, lastSeen int64) error {
	tag, err := g.db.Exec(ctx, `
		UPDATE subscriptions SET last_seen = $1
		WHERE stream_uuid = $2 AND subscription_name = $3
		  AND (last_seen IS NULL OR last_seen < $1)`, lastSeen, streamID, name)
	if err != nil {
		return oops.Code("ack_failed").With("stream_id", streamID).With("subscription_name", name).Wrap(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := g.db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM subscriptions WHERE stream_uuid = $1 AND subscription_name = $2)`,
		streamID, name).Scan(&exists); err != nil {
		return oops.Code("ack_verify_failed").With("stream_id", streamID).Wrap(err)
	}
	if !exists {
		return core.ErrUnknownSubscriber
	}
	return nil
}

// DeleteSubscription removes the durable subscription row.
func (g *PostgresGateway) DeleteSubscription(ctx context.Context, streamID, name string) error {
	_, err := g.db.Exec(ctx, `DELETE FROM subscriptions WHERE stream_uuid = $1 AND subscription_name = $2`, streamID, name)
	if err != nil {
		return oops.Code("subscription_delete_failed").
			With("stream_id", streamID).With("subscription_name", name).Wrap(err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
