// Package registry maintains an in-memory set of BCH addresses to
// watch, kept in sync with a PostgreSQL table via LISTEN/NOTIFY.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kiliangithub/BLAZE/internal/model"
)

const reconnectDelay = 5 * time.Second

// changeEvent is the JSON payload delivered over the change channel.
type changeEvent struct {
	Action     string           `json:"action"`
	Address    string           `json:"address"`
	UserID     *int64           `json:"user_id"`
	DeviceID   *int64           `json:"device_id"`
	CreatedAt  *time.Time       `json:"created_at"`
	Threshold  *int64           `json:"threshold"`
	EuroAmount *decimal.Decimal `json:"euro_amount"`
}

// Listener owns the in-memory watch list and the LISTEN connection
// that keeps it current.
type Listener struct {
	pool    *pgxpool.Pool
	dsn     string
	channel string
	log     *zap.Logger

	mu   sync.Mutex
	rows map[string]model.WatchedAddress

	listenConn *pgx.Conn
}

// New constructs a Listener. pool is shared with the persistence
// gateway for ordinary queries; a dedicated connection is opened
// separately for LISTEN, since LISTEN pins session state that a
// pooled connection cannot hold across checkouts.
func New(pool *pgxpool.Pool, dsn, channel string, log *zap.Logger) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{
		pool:    pool,
		dsn:     dsn,
		channel: channel,
		log:     log,
		rows:    make(map[string]model.WatchedAddress),
	}
}

// Connect opens the dedicated LISTEN connection and issues LISTEN on
// the configured channel.
func (l *Listener) Connect(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("registry: connect: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", pgx.Identifier{l.channel}.Sanitize())); err != nil {
		conn.Close(ctx)
		return fmt.Errorf("registry: listen: %w", err)
	}
	l.listenConn = conn
	return nil
}

// LoadAll performs a full snapshot of the watch table into the
// in-memory map, replacing any previous contents.
func (l *Listener) LoadAll(ctx context.Context) error {
	rows, err := l.pool.Query(ctx, `
		SELECT address, user_id, device_id, created_at, threshold, euro_amount
		FROM bch`)
	if err != nil {
		return fmt.Errorf("registry: load_all: %w: %v", model.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	fresh := make(map[string]model.WatchedAddress)
	for rows.Next() {
		var w model.WatchedAddress
		if err := rows.Scan(&w.Address, &w.UserID, &w.DeviceID, &w.CreatedAt, &w.Threshold, &w.EuroAmount); err != nil {
			return fmt.Errorf("registry: load_all scan: %w", err)
		}
		fresh[w.Address] = w
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("registry: load_all: %w: %v", model.ErrStoreUnavailable, err)
	}

	l.mu.Lock()
	l.rows = fresh
	l.mu.Unlock()
	return nil
}

// Start launches the notification-consuming loop. It runs until ctx
// is canceled.
func (l *Listener) Start(ctx context.Context) {
	go l.run(ctx)
}

func (l *Listener) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("registry listener panic recovered", zap.Any("panic", r))
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.consume(ctx); err != nil {
			l.log.Warn("registry listener error, reconnecting", zap.Error(err))
			if l.listenConn != nil {
				l.listenConn.Close(context.Background())
			}
			select {
			case <-time.After(reconnectDelay):
			case <-ctx.Done():
				return
			}
			if err := l.Connect(ctx); err != nil {
				l.log.Error("registry reconnect failed", zap.Error(err))
				continue
			}
			l.log.Info("registry reconnected")
			// A successful reconnect does not force a reload; the
			// monitor converges on the next sync tick.
		}
	}
}

// consume blocks waiting for one notification and applies it. It
// returns an error when the underlying connection is unusable,
// signaling the caller to reconnect.
func (l *Listener) consume(ctx context.Context) error {
	notification, err := l.listenConn.WaitForNotification(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	l.applyPayload(ctx, notification.Payload)
	return nil
}

func (l *Listener) applyPayload(ctx context.Context, payload string) {
	var evt changeEvent
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		l.log.Warn("malformed change payload, reloading", zap.Error(err))
		l.reload(ctx)
		return
	}

	switch evt.Action {
	case "INSERT", "UPDATE":
		w := model.WatchedAddress{
			Address:    evt.Address,
			UserID:     evt.UserID,
			DeviceID:   evt.DeviceID,
			Threshold:  evt.Threshold,
			EuroAmount: evt.EuroAmount,
		}
		if evt.CreatedAt != nil {
			w.CreatedAt = *evt.CreatedAt
		}
		l.mu.Lock()
		l.rows[w.Address] = w
		l.mu.Unlock()
	case "DELETE":
		l.mu.Lock()
		delete(l.rows, evt.Address)
		l.mu.Unlock()
	default:
		l.log.Warn("unrecognized change action, reloading", zap.String("action", evt.Action))
		l.reload(ctx)
	}
}

func (l *Listener) reload(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("fallback reload panic recovered", zap.Any("panic", r))
		}
	}()
	if err := l.LoadAll(ctx); err != nil {
		l.log.Error("fallback reload failed", zap.Error(err))
	}
}

// Snapshot returns a point-in-time copy of the watch list.
func (l *Listener) Snapshot() []model.WatchedAddress {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.WatchedAddress, 0, len(l.rows))
	for _, w := range l.rows {
		out = append(out, w)
	}
	return out
}

// Close releases the dedicated LISTEN connection.
func (l *Listener) Close(ctx context.Context) error {
	if l.listenConn == nil {
		return nil
	}
	return l.listenConn.Close(ctx)
}
