package notifier

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Notification is a raw NOTIFY payload.
type Notification struct {
	Channel string
	Payload string
}

// Listener receives notifications on subscribed channels. Implementations
// hold a dedicated connection; Close releases it.
type Listener interface {
	// Listen subscribes to a channel.
	Listen(ctx context.Context, channel string) error

	// WaitForNotification blocks until a notification arrives on any
	// subscribed channel or the context is canceled.
	WaitForNotification(ctx context.Context) (*Notification, error)

	// Close releases the listener's connection.
	Close(ctx context.Context) error
}

// Sender delivers notifications.
type Sender interface {
	Notify(ctx context.Context, channel, payload string) error
}

// PoolListener implements Listener on a dedicated pgxpool connection.
type PoolListener struct {
	conn *pgxpool.Conn
}

// NewPoolListener acquires a dedicated connection for LISTEN.
func NewPoolListener(ctx context.Context, pool *pgxpool.Pool) (*PoolListener, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	return &PoolListener{conn: conn}, nil
}

func (l *PoolListener) Listen(ctx context.Context, channel string) error {
	_, err := l.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	return err
}

func (l *PoolListener) WaitForNotification(ctx context.Context) (*Notification, error) {
	n, err := l.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return nil, err
	}
	return &Notification{Channel: n.Channel, Payload: n.Payload}, nil
}

func (l *PoolListener) Close(ctx context.Context) error {
	l.conn.Release()
	return nil
}

// PoolSender implements Sender with pg_notify on the shared pool.
type PoolSender struct {
	pool *pgxpool.Pool
}

// NewPoolSender creates a sender backed by the shared pool.
func NewPoolSender(pool *pgxpool.Pool) *PoolSender {
	return &PoolSender{pool: pool}
}

func (s *PoolSender) Notify(ctx context.Context, channel, payload string) error {
	_, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	return err
}

var (
	_ Listener = (*PoolListener)(nil)
	_ Sender   = (*PoolSender)(nil)
)
