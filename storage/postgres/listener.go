package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codebroker/codebroker/storage"
)

// listener is a storage.Listener backed by a dedicated pool connection.
// LISTEN binds to a single session, so the connection is held for the
// listener's whole lifetime and only released on Close.
type listener struct {
	conn *pgxpool.Conn

	mu     sync.Mutex
	closed bool
}

var _ storage.Listener = (*listener)(nil)

func newListener(ctx context.Context, pool *pgxpool.Pool) (*listener, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: acquire listener connection: %w", err)
	}
	return &listener{conn: conn}, nil
}

// Listen subscribes the connection to a channel. Channel names come from the
// storage package constants and are not user input.
func (l *listener) Listen(ctx context.Context, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("postgres: listener is closed")
	}
	if _, err := l.conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return fmt.Errorf("postgres: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives or the context is
// cancelled.
func (l *listener) WaitForNotification(ctx context.Context) (*storage.Notification, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, fmt.Errorf("postgres: listener is closed")
	}
	conn := l.conn
	l.mu.Unlock()

	notification, err := conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: wait for notification: %w", err)
	}
	return &storage.Notification{
		Channel: notification.Channel,
		Payload: notification.Payload,
	}, nil
}

// Close releases the dedicated connection.
func (l *listener) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.conn.Release()
	return nil
}
