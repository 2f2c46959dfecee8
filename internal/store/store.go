// Package store is the persistence gateway: read and write operations
// against the relational store backing users, devices and payments.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kiliangithub/BLAZE/internal/model"
)

// querier is the slice of pgxpool.Pool the gateway actually uses,
// narrow enough that tests can substitute a fake database.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Gateway wraps a pgxpool.Pool with one method per operation in the
// persistence contract.
type Gateway struct {
	pool querier
}

// New wraps an already-connected pool.
func New(pool *pgxpool.Pool) *Gateway {
	return &Gateway{pool: pool}
}

// LookupUsername returns the username for user_id, or nil if absent.
func (g *Gateway) LookupUsername(ctx context.Context, userID int64) (*string, error) {
	var username string
	err := g.pool.QueryRow(ctx, `SELECT username FROM users WHERE id = $1`, userID).Scan(&username)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: lookup_username: %w: %v", model.ErrStoreUnavailable, err)
	}
	return &username, nil
}

// LookupDevice returns the alias and stream name for device_id, or
// nil if absent.
func (g *Gateway) LookupDevice(ctx context.Context, deviceID int64) (*model.Device, error) {
	var d model.Device
	d.ID = deviceID
	err := g.pool.QueryRow(ctx, `SELECT alias, stream_name, crypto_feed_price FROM devices WHERE id = $1`, deviceID).
		Scan(&d.Alias, &d.StreamName, &d.CryptoFeedPrice)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: lookup_device: %w: %v", model.ErrStoreUnavailable, err)
	}
	return &d, nil
}

// LookupDeviceFeedPrice returns the EUR price the device charges per
// feeding, or nil if the device has none configured.
func (g *Gateway) LookupDeviceFeedPrice(ctx context.Context, deviceID int64) (*decimal.Decimal, error) {
	var price *decimal.Decimal
	err := g.pool.QueryRow(ctx, `SELECT crypto_feed_price FROM devices WHERE id = $1`, deviceID).Scan(&price)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: lookup_device_feed_price: %w: %v", model.ErrStoreUnavailable, err)
	}
	return price, nil
}

// ApplyGrainReward credits grainDelta onto the user's loyalty balance.
// balance := COALESCE(balance,0) + grain_delta.
func (g *Gateway) ApplyGrainReward(ctx context.Context, userID int64, grainDelta int64) error {
	tag, err := g.pool.Exec(ctx, `
		UPDATE users SET grain_balance = COALESCE(grain_balance, 0) + $2
		WHERE id = $1`, userID, grainDelta)
	if err != nil {
		return fmt.Errorf("store: apply_grain_reward: %w: %v", model.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: apply_grain_reward: no such user %d", userID)
	}
	return nil
}

// ApplyFeeding increments a device's feeding counters and stamps
// last_feeding.
func (g *Gateway) ApplyFeeding(ctx context.Context, deviceID int64, now time.Time) error {
	tag, err := g.pool.Exec(ctx, `
		UPDATE devices
		SET total_feedings_today = COALESCE(total_feedings_today, 0) + 1,
		    total_feedings = COALESCE(total_feedings, 0) + 1,
		    last_feeding = $2
		WHERE id = $1`, deviceID, now)
	if err != nil {
		return fmt.Errorf("store: apply_feeding: %w: %v", model.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: apply_feeding: no such device %d", deviceID)
	}
	return nil
}

// InsertPayment appends a PaymentRecord; succeeded_at is resolved
// server-side via NOW().
func (g *Gateway) InsertPayment(ctx context.Context, rec model.PaymentRecord) error {
	_, err := g.pool.Exec(ctx, `
		INSERT INTO bchpayment (tx_id, address, amount, euro_amount, usd_amount, reference, description, succeeded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (tx_id) DO NOTHING`,
		rec.TxID, rec.Address, rec.AmountSats, rec.EuroAmount, rec.UsdAmount, rec.Reference, rec.Description)
	if err != nil {
		return fmt.Errorf("store: insert_payment: %w: %v", model.ErrStoreUnavailable, err)
	}
	return nil
}

// PurgeStaleAddresses deletes watch rows older than 24 hours that
// never received a payment. This mirrors the original system's
// separate cron sweeper; it is not invoked by the monitor and exists
// as a plain callable for an external scheduler.
func (g *Gateway) PurgeStaleAddresses(ctx context.Context) (int64, error) {
	tag, err := g.pool.Exec(ctx, `
		DELETE FROM bch
		WHERE created_at < NOW() - INTERVAL '24 hours'
		  AND address NOT IN (SELECT address FROM bchpayment)`)
	if err != nil {
		return 0, fmt.Errorf("store: purge_stale_addresses: %w: %v", model.ErrStoreUnavailable, err)
	}
	return tag.RowsAffected(), nil
}
