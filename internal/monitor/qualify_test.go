package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kiliangithub/BLAZE/internal/model"
)

type fakePrices struct {
	eur, usd *decimal.Decimal
}

func (f fakePrices) Eur() *decimal.Decimal { return f.eur }
func (f fakePrices) Usd() *decimal.Decimal { return f.usd }

func dec(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

type fakeStore struct {
	mu sync.Mutex

	usernames   map[int64]string
	devices     map[int64]model.Device
	feedPrices  map[int64]decimal.Decimal
	grainDeltas map[int64]int64
	feedings    map[int64]int
	payments    []model.PaymentRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		usernames:   make(map[int64]string),
		devices:     make(map[int64]model.Device),
		feedPrices:  make(map[int64]decimal.Decimal),
		grainDeltas: make(map[int64]int64),
		feedings:    make(map[int64]int),
	}
}

func (s *fakeStore) LookupUsername(ctx context.Context, userID int64) (*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.usernames[userID]
	if !ok {
		return nil, nil
	}
	return &name, nil
}

func (s *fakeStore) LookupDevice(ctx context.Context, deviceID int64) (*model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *fakeStore) LookupDeviceFeedPrice(ctx context.Context, deviceID int64) (*decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.feedPrices[deviceID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *fakeStore) ApplyGrainReward(ctx context.Context, userID int64, grainDelta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grainDeltas[userID] += grainDelta
	return nil
}

func (s *fakeStore) ApplyFeeding(ctx context.Context, deviceID int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedings[deviceID]++
	return nil
}

func (s *fakeStore) InsertPayment(ctx context.Context, rec model.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments = append(s.payments, rec)
	return nil
}

func newTestMonitor(t *testing.T, st *fakeStore, prices PriceSource) *Monitor {
	t.Helper()
	return &Monitor{
		store:  st,
		prices: prices,
		log:    zaptest.NewLogger(t),
	}
}

func int64p(v int64) *int64 { return &v }

func TestQualify_S1_UserInWindowThresholdMetTier1(t *testing.T) {
	st := newFakeStore()
	st.usernames[7] = "alice"
	m := newTestMonitor(t, st, fakePrices{eur: dec("400"), usd: dec("430")})

	w := model.WatchedAddress{
		Address:    "bitcoincash:quser",
		UserID:     int64p(7),
		CreatedAt:  time.Now().Add(-5 * time.Minute),
		Threshold:  int64p(200_000),
		EuroAmount: dec("10.00"),
	}
	evt := model.NewPaymentEvent(w.Address, "a", 0, 250_000, 0)

	m.qualify(context.Background(), w, evt)

	require.Equal(t, int64(40), st.grainDeltas[7])
	require.Len(t, st.payments, 1)
	require.Equal(t, "7", st.payments[0].Reference)
	require.Equal(t, "alice (+40 grain)", st.payments[0].Description)
	require.True(t, st.payments[0].EuroAmount.Equal(decimal.RequireFromString("10.00")))
}

func TestQualify_S2_UserInWindowThresholdUnmetPriceMode(t *testing.T) {
	st := newFakeStore()
	st.usernames[7] = "alice"
	m := newTestMonitor(t, st, fakePrices{eur: dec("400")})

	w := model.WatchedAddress{
		Address:    "bitcoincash:quser",
		UserID:     int64p(7),
		CreatedAt:  time.Now().Add(-5 * time.Minute),
		Threshold:  int64p(200_000),
		EuroAmount: dec("10.00"),
	}
	evt := model.NewPaymentEvent(w.Address, "a", 0, 150_000, 0)

	m.qualify(context.Background(), w, evt)

	require.Equal(t, int64(3), st.grainDeltas[7])
	require.True(t, st.payments[0].EuroAmount.Equal(decimal.RequireFromString("0.6")))
}

func TestQualify_S3_UserOutOfWindow(t *testing.T) {
	st := newFakeStore()
	m := newTestMonitor(t, st, fakePrices{eur: dec("500")})

	w := model.WatchedAddress{
		Address:   "bitcoincash:quser",
		UserID:    int64p(7),
		CreatedAt: time.Now().Add(-40 * time.Minute),
		Threshold: int64p(200_000),
	}
	evt := model.NewPaymentEvent(w.Address, "a", 0, 100_000, 0)

	m.qualify(context.Background(), w, evt)

	// value_bch = 100_000/1e8 = 0.001, eur = 0.001*500 = 0.5, grain = ceil(0.5*4) = 2.
	require.Equal(t, int64(2), st.grainDeltas[7])
}

func TestQualify_S4_UserNoPriceSkipsBalanceUpdate(t *testing.T) {
	st := newFakeStore()
	m := newTestMonitor(t, st, fakePrices{})

	w := model.WatchedAddress{
		Address:   "bitcoincash:quser",
		UserID:    int64p(7),
		CreatedAt: time.Now().Add(-40 * time.Minute),
	}
	evt := model.NewPaymentEvent(w.Address, "a", 0, 100_000, 0)

	m.qualify(context.Background(), w, evt)

	require.Zero(t, st.grainDeltas[7])
	require.Len(t, st.payments, 1)
	require.Nil(t, st.payments[0].EuroAmount)
}

func TestQualify_S5_DeviceGatedBelowThreshold(t *testing.T) {
	st := newFakeStore()
	st.feedPrices[3] = decimal.RequireFromString("0.50")
	m := newTestMonitor(t, st, fakePrices{eur: dec("500")})

	w := model.WatchedAddress{Address: "bitcoincash:qdevice", DeviceID: int64p(3)}
	evt := model.NewPaymentEvent(w.Address, "a", 0, 90_000, 0)

	m.qualify(context.Background(), w, evt)

	require.Empty(t, st.payments)
	require.Zero(t, st.feedings[3])
}

func TestQualify_S6_DeviceGatedAboveThreshold(t *testing.T) {
	st := newFakeStore()
	st.feedPrices[3] = decimal.RequireFromString("0.50")
	m := newTestMonitor(t, st, fakePrices{eur: dec("500"), usd: dec("540")})

	w := model.WatchedAddress{Address: "bitcoincash:qdevice", DeviceID: int64p(3)}
	evt := model.NewPaymentEvent(w.Address, "a", 0, 120_000, 0)

	m.qualify(context.Background(), w, evt)

	require.Len(t, st.payments, 1)
	require.Equal(t, 1, st.feedings[3])
	require.True(t, st.payments[0].EuroAmount.Equal(decimal.RequireFromString("0.60")))
	require.True(t, st.payments[0].UsdAmount.Equal(decimal.RequireFromString("0.648")))
}

func TestGrainMultiplier_TierBoundaries(t *testing.T) {
	cases := map[string]int64{
		"19.99": 4,
		"20.00": 5,
		"49.99": 5,
		"50.00": 6,
	}
	for input, wantMultiplier := range cases {
		got := grainMultiplier(decimal.RequireFromString(input))
		require.True(t, got.Equal(decimal.NewFromInt(wantMultiplier)), "input=%s", input)
	}
}

func TestComputeGrainReward_CeilsToInt(t *testing.T) {
	require.Equal(t, int64(40), computeGrainReward(decimal.RequireFromString("10.00")))
	require.Equal(t, int64(3), computeGrainReward(decimal.RequireFromString("0.60")))
	require.Equal(t, int64(1), computeGrainReward(decimal.RequireFromString("0.005")))
}

func TestQualify_DeviceGating_NoFeedPriceDoesNotGate(t *testing.T) {
	st := newFakeStore()
	m := newTestMonitor(t, st, fakePrices{eur: dec("500")})

	w := model.WatchedAddress{Address: "bitcoincash:qdevice", DeviceID: int64p(3)}
	evt := model.NewPaymentEvent(w.Address, "a", 0, 1, 0)

	m.qualify(context.Background(), w, evt)

	require.Len(t, st.payments, 1)
}

func TestQualify_ThresholdMetButEuroAmountMissingFallsBackToPriceMode(t *testing.T) {
	st := newFakeStore()
	st.usernames[7] = "alice"
	m := newTestMonitor(t, st, fakePrices{eur: dec("400")})

	w := model.WatchedAddress{
		Address:   "bitcoincash:quser",
		UserID:    int64p(7),
		CreatedAt: time.Now().Add(-5 * time.Minute),
		Threshold: int64p(200_000),
		// EuroAmount intentionally nil even though the threshold is met.
	}
	evt := model.NewPaymentEvent(w.Address, "a", 0, 250_000, 0)

	m.qualify(context.Background(), w, evt)

	// value_bch = 250_000/1e8 = 0.0025, eur = 0.0025*400 = 1, grain = ceil(1*4) = 4.
	require.Equal(t, int64(4), st.grainDeltas[7])
	require.Len(t, st.payments, 1)
	require.True(t, st.payments[0].EuroAmount.Equal(decimal.RequireFromString("1")))
}

func TestQualify_ThresholdMetEuroAmountAndPriceBothMissingStillWritesRecord(t *testing.T) {
	st := newFakeStore()
	m := newTestMonitor(t, st, fakePrices{})

	w := model.WatchedAddress{
		Address:   "bitcoincash:quser",
		UserID:    int64p(7),
		CreatedAt: time.Now().Add(-5 * time.Minute),
		Threshold: int64p(200_000),
	}
	evt := model.NewPaymentEvent(w.Address, "a", 0, 250_000, 0)

	m.qualify(context.Background(), w, evt)

	require.Zero(t, st.grainDeltas[7])
	require.Len(t, st.payments, 1)
	require.Nil(t, st.payments[0].EuroAmount)
	require.Nil(t, st.payments[0].UsdAmount)
}

func TestQualify_DeviceThreshold_FloorsBeforeSafetyMargin(t *testing.T) {
	st := newFakeStore()
	// feedPrice/priceEur = 1.0000199999, so raw threshold sats before any
	// floor is 100001.99999. Flooring first (100001) then applying the
	// 0.95 safety margin and flooring again gives an effective threshold
	// of 95000; flooring only once at the end gives 95001 instead, which
	// would incorrectly gate out a payment of exactly 95000 sats.
	st.feedPrices[3] = decimal.RequireFromString("1.0000199999")
	m := newTestMonitor(t, st, fakePrices{eur: dec("1")})

	w := model.WatchedAddress{Address: "bitcoincash:qdevice", DeviceID: int64p(3)}
	evt := model.NewPaymentEvent(w.Address, "a", 0, 95_000, 0)

	m.qualify(context.Background(), w, evt)

	require.Len(t, st.payments, 1)
	require.Equal(t, 1, st.feedings[3])
}
