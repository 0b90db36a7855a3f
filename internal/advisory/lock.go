// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package advisory implements the advisory-lock manager (C2): a single
// dedicated PostgreSQL session used to hand out session-scoped advisory
// locks to many in-process owners. A lock is only as durable as the
// connection it lives on, so the manager watches that connection and
// reports loss to every current holder the moment it notices the
// session is gone, mirroring the dedicated-connection pattern used by
// the notification pipeline (internal/notify).
package advisory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
)

// LockRef identifies one successful acquisition. It is opaque to callers
// beyond passing it back to Release.
type LockRef struct {
	key uint64
	gen uint64
}

// Manager holds one dedicated, non-pooled connection and multiplexes
// TryAcquire/Release calls from many owners across it. Because
// PostgreSQL advisory locks are scoped to the session that took them,
// every call in this package must run against the same *pgx.Conn for
// the manager's entire lifetime.
type Manager struct {
	connConfig *pgx.ConnConfig

	mu      sync.Mutex
	conn    *pgx.Conn
	held    map[uint64]uint64 // key -> generation, only while conn is alive
	gen     uint64
	lost    []chan struct{} // closed in full when the session is declared lost
	closing bool
}

// NewManager derives a dedicated connection config from pool and
// returns a Manager with no live session yet; call Start to connect.
func NewManager(pool *pgxpool.Pool) *Manager {
	return &Manager{
		connConfig: pool.Config().ConnConfig.Copy(),
		held:       make(map[uint64]uint64),
	}
}

// Start dials the dedicated session and begins watching it for loss.
// It is safe to call Start again after the watch loop reports loss, to
// reconnect and resume handing out locks.
func (m *Manager) Start(ctx context.Context) error {
	conn, err := pgx.ConnectConfig(ctx, m.connConfig)
	if err != nil {
		return oops.Code("advisory_connect_failed").Wrap(err)
	}

	m.mu.Lock()
	m.conn = conn
	m.held = make(map[uint64]uint64)
	m.mu.Unlock()

	go m.watch(conn)
	return nil
}

// watch pings the dedicated session on an interval; a failed ping means
// every lock currently held on it is gone, so every waiter registered
// via NotifyLost is released and the held set is cleared.
func (m *Manager) watch(conn *pgx.Conn) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if err := conn.Ping(context.Background()); err != nil {
			m.declareLost(conn, err)
			return
		}

		m.mu.Lock()
		stale := m.conn != conn
		m.mu.Unlock()
		if stale {
			return
		}
	}
}

func (m *Manager) declareLost(conn *pgx.Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	slog.Warn("advisory lock session lost", "error", cause)
	m.conn = nil
	m.held = make(map[uint64]uint64)
	waiters := m.lost
	m.lost = nil
	m.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	_ = conn.Close(context.Background())
}

// NotifyLost returns a channel that is closed the next time the
// dedicated session is declared lost. Callers holding a LockRef should
// select on this to detect an involuntary loss of leadership.
func (m *Manager) NotifyLost() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{})
	m.lost = append(m.lost, ch)
	return ch
}

// TryAcquire attempts to take the session-scoped advisory lock
// identified by key. ok is false with no error when another session
// already holds it; an error return means the dedicated session itself
// is unavailable.
func (m *Manager) TryAcquire(ctx context.Context, key uint64) (ref LockRef, ok bool, err error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return LockRef{}, false, oops.Code("advisory_session_unavailable").Errorf("no live advisory session")
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, int64(key)).Scan(&acquired); err != nil {
		return LockRef{}, false, oops.Code("advisory_try_failed").With("key", key).Wrap(err)
	}
	if !acquired {
		return LockRef{}, false, nil
	}

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.held[key] = gen
	m.mu.Unlock()

	return LockRef{key: key, gen: gen}, true, nil
}

// Release releases a lock previously returned by TryAcquire. Releasing
// a ref whose generation no longer matches (because the session was
// lost and reacquired since) is a no-op: the lock is already gone.
func (m *Manager) Release(ctx context.Context, ref LockRef) error {
	m.mu.Lock()
	conn := m.conn
	gen, held := m.held[ref.key]
	if held && gen == ref.gen {
		delete(m.held, ref.key)
	}
	m.mu.Unlock()

	if conn == nil || !held || gen != ref.gen {
		return nil
	}

	var released bool
	if err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, int64(ref.key)).Scan(&released); err != nil {
		return oops.Code("advisory_release_failed").With("key", ref.key).Wrap(err)
	}
	if !released {
		return fmt.Errorf("advisory: release of key %d returned false: %w", ref.key, errors.New("lock was not held by this session"))
	}
	return nil
}

// Close shuts down the dedicated session.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(ctx)
}
