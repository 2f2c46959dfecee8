package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kiliangithub/BLAZE/internal/model"
)

// fakeRow implements pgx.Row over a fixed slice of destinations.
type fakeRow struct {
	values []interface{}
	err    error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch dp := d.(type) {
		case *string:
			*dp = *(r.values[i].(*string))
		case **decimal.Decimal:
			*dp = r.values[i].(*decimal.Decimal)
		}
	}
	return nil
}

type fakeQuerier struct {
	row          fakeRow
	execTag      pgconn.CommandTag
	execErr      error
	lastSQL      string
	lastArgs     []interface{}
}

func (f *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	f.lastSQL = sql
	f.lastArgs = args
	return f.row
}

func (f *fakeQuerier) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	f.lastSQL = sql
	f.lastArgs = args
	return f.execTag, f.execErr
}

func TestLookupUsername_NoRows(t *testing.T) {
	g := &Gateway{pool: &fakeQuerier{row: fakeRow{err: pgx.ErrNoRows}}}
	username, err := g.LookupUsername(context.Background(), 7)
	require.NoError(t, err)
	require.Nil(t, username)
}

func TestLookupUsername_Found(t *testing.T) {
	name := "alice"
	g := &Gateway{pool: &fakeQuerier{row: fakeRow{values: []interface{}{&name}}}}
	username, err := g.LookupUsername(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, "alice", *username)
}

func TestLookupUsername_StoreError(t *testing.T) {
	g := &Gateway{pool: &fakeQuerier{row: fakeRow{err: errors.New("connection reset")}}}
	_, err := g.LookupUsername(context.Background(), 7)
	require.Error(t, err)
}

func TestApplyGrainReward_NoSuchUser(t *testing.T) {
	g := &Gateway{pool: &fakeQuerier{execTag: pgconn.NewCommandTag("UPDATE 0")}}
	err := g.ApplyGrainReward(context.Background(), 99, 40)
	require.Error(t, err)
}

func TestApplyGrainReward_Success(t *testing.T) {
	g := &Gateway{pool: &fakeQuerier{execTag: pgconn.NewCommandTag("UPDATE 1")}}
	err := g.ApplyGrainReward(context.Background(), 7, 40)
	require.NoError(t, err)
}

func TestApplyFeeding_Success(t *testing.T) {
	g := &Gateway{pool: &fakeQuerier{execTag: pgconn.NewCommandTag("UPDATE 1")}}
	err := g.ApplyFeeding(context.Background(), 3, time.Now().UTC())
	require.NoError(t, err)
}

func TestApplyFeeding_CoalescesNullCounters(t *testing.T) {
	fq := &fakeQuerier{execTag: pgconn.NewCommandTag("UPDATE 1")}
	g := &Gateway{pool: fq}
	err := g.ApplyFeeding(context.Background(), 3, time.Now().UTC())
	require.NoError(t, err)
	require.Contains(t, fq.lastSQL, "COALESCE(total_feedings_today, 0)")
	require.Contains(t, fq.lastSQL, "COALESCE(total_feedings, 0)")
}

func TestInsertPayment_UsesOnConflictDoNothing(t *testing.T) {
	fq := &fakeQuerier{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	g := &Gateway{pool: fq}
	amount := decimal.NewFromFloat(10.00)
	rec := model.PaymentRecord{
		TxID:       "aaaa:0",
		Address:    "bitcoincash:qtest",
		AmountSats: 250_000,
		Reference:  "7",
		EuroAmount: &amount,
	}
	err := g.InsertPayment(context.Background(), rec)
	require.NoError(t, err)
	require.Contains(t, fq.lastSQL, "ON CONFLICT (tx_id) DO NOTHING")
}

func TestPurgeStaleAddresses_ReturnsRowsAffected(t *testing.T) {
	fq := &fakeQuerier{execTag: pgconn.NewCommandTag("DELETE 3")}
	g := &Gateway{pool: fq}
	n, err := g.PurgeStaleAddresses(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}
