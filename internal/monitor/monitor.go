// Package monitor owns the subscription lifecycle against the
// Electrum client, diffs per-address unspent-output sets to isolate
// new outputs, and applies the payment-qualification pipeline.
package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kiliangithub/BLAZE/electrum"
	"github.com/kiliangithub/BLAZE/internal/model"
)

// Registry is the subset of the registry listener the monitor
// consumes: a point-in-time snapshot of the desired watch list.
type Registry interface {
	Snapshot() []model.WatchedAddress
}

// PriceSource is the subset of the price oracle the monitor consumes.
// *priceoracle.Oracle satisfies this.
type PriceSource interface {
	Eur() *decimal.Decimal
	Usd() *decimal.Decimal
}

// Store is the subset of the persistence gateway the qualification
// pipeline consumes. *store.Gateway satisfies this.
type Store interface {
	LookupUsername(ctx context.Context, userID int64) (*string, error)
	LookupDevice(ctx context.Context, deviceID int64) (*model.Device, error)
	LookupDeviceFeedPrice(ctx context.Context, deviceID int64) (*decimal.Decimal, error)
	ApplyGrainReward(ctx context.Context, userID int64, grainDelta int64) error
	ApplyFeeding(ctx context.Context, deviceID int64, now time.Time) error
	InsertPayment(ctx context.Context, rec model.PaymentRecord) error
}

// Monitor reconciles the desired address set against what is actually
// subscribed at the Electrum client, diffs UTXOs per address, and
// drives the qualification pipeline for each new output.
type Monitor struct {
	client   *electrum.Client
	registry Registry
	store    Store
	prices   PriceSource
	log      *zap.Logger

	syncInterval     time.Duration
	watchdogInterval time.Duration

	subMu      sync.Mutex
	subscribed map[string]struct{}
	known      map[string]model.KnownUtxoSet

	addrLocksMu sync.Mutex
	addrLocks   map[string]*sync.Mutex

	workerLimit int
	workersMu   sync.Mutex
	workers     *errgroup.Group
}

// Option configures optional Monitor behavior.
type Option func(*Monitor)

// WithWorkerLimit bounds the number of concurrent per-address
// notification workers. Default 16.
func WithWorkerLimit(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.workerLimit = n
		}
	}
}

// New constructs a Monitor. It does not subscribe to anything until
// Start is called.
func New(client *electrum.Client, registry Registry, gateway Store, prices PriceSource, syncInterval, watchdogInterval time.Duration, log *zap.Logger, opts ...Option) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Monitor{
		client:           client,
		registry:         registry,
		store:            gateway,
		prices:           prices,
		log:              log,
		syncInterval:     syncInterval,
		watchdogInterval: watchdogInterval,
		subscribed:       make(map[string]struct{}),
		known:            make(map[string]model.KnownUtxoSet),
		addrLocks:        make(map[string]*sync.Mutex),
		workerLimit:      16,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.client.OnNotification("blockchain.address.subscribe", m.handleNotification)
	return m
}

// Start creates the bounded notification worker pool and launches the
// reconciliation loop and watchdog (the notification handler itself is
// registered by New). It runs until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	g := &errgroup.Group{}
	g.SetLimit(m.workerLimit)
	m.workersMu.Lock()
	m.workers = g
	m.workersMu.Unlock()

	go m.reconcileLoop(ctx)
	go m.watchdogLoop(ctx)
}

func (m *Monitor) addrLock(address string) *sync.Mutex {
	m.addrLocksMu.Lock()
	defer m.addrLocksMu.Unlock()
	l, ok := m.addrLocks[address]
	if !ok {
		l = &sync.Mutex{}
		m.addrLocks[address] = l
	}
	return l
}

func (m *Monitor) dropAddrLock(address string) {
	m.addrLocksMu.Lock()
	defer m.addrLocksMu.Unlock()
	delete(m.addrLocks, address)
}

// reconcileLoop computes to_add/to_remove against the registry every
// syncInterval and converges the subscribed set onto the desired set.
func (m *Monitor) reconcileLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("reconcile loop panic recovered", zap.Any("panic", r))
		}
	}()

	ticker := time.NewTicker(m.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reconcileOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) reconcileOnce(ctx context.Context) {
	desired := m.registry.Snapshot()
	desiredByAddr := make(map[string]model.WatchedAddress, len(desired))
	for _, w := range desired {
		desiredByAddr[w.Address] = w
	}

	m.subMu.Lock()
	var toAdd []model.WatchedAddress
	for addr, w := range desiredByAddr {
		if _, ok := m.subscribed[addr]; !ok {
			toAdd = append(toAdd, w)
		}
	}
	var toRemove []string
	for addr := range m.subscribed {
		if _, ok := desiredByAddr[addr]; !ok {
			toRemove = append(toRemove, addr)
		}
	}
	m.subMu.Unlock()

	for _, addr := range toRemove {
		m.unsubscribe(ctx, addr)
	}
	for _, w := range toAdd {
		m.subscribe(ctx, w)
	}

	m.subMu.Lock()
	next := make(map[string]struct{}, len(desiredByAddr))
	for addr := range desiredByAddr {
		next[addr] = struct{}{}
	}
	m.subscribed = next
	m.subMu.Unlock()
}

// subscribe primes KnownUtxoSet from the address's current unspent
// outputs (treated as historical, not payments) before subscribing,
// so priming never emits PaymentEvents. It takes the client lock
// itself; use subscribeLocked when the caller already holds it (the
// watchdog's full reconnect-and-resubscribe sequence).
func (m *Monitor) subscribe(ctx context.Context, w model.WatchedAddress) {
	m.client.Lock()
	defer m.client.Unlock()
	m.subscribeLocked(ctx, w)
}

func (m *Monitor) subscribeLocked(ctx context.Context, w model.WatchedAddress) {
	utxos, err := m.client.AddressListUnspent(ctx, w.Address)
	if err != nil {
		m.log.Warn("priming listunspent failed", zap.String("address", w.Address), zap.Error(err))
		return
	}

	m.subMu.Lock()
	m.known[w.Address] = toKnownSet(utxos)
	m.subMu.Unlock()

	if _, err := m.client.AddressSubscribe(ctx, w.Address); err != nil {
		m.log.Warn("subscribe failed", zap.String("address", w.Address), zap.Error(err))
	}
}

func (m *Monitor) unsubscribe(ctx context.Context, address string) {
	m.client.Lock()
	_, _ = m.client.AddressUnsubscribe(ctx, address)
	m.client.Unlock()

	m.subMu.Lock()
	delete(m.known, address)
	m.subMu.Unlock()
	m.dropAddrLock(address)
}

func toKnownSet(utxos []electrum.UnspentOutput) model.KnownUtxoSet {
	keys := make([]model.UtxoKey, 0, len(utxos))
	for _, u := range utxos {
		keys = append(keys, model.UtxoKey{TxHash: u.TxHash, TxPos: u.TxPos})
	}
	return model.NewKnownUtxoSet(keys)
}

// handleNotification is registered with the Electrum client for
// blockchain.address.subscribe status changes. It runs the fetch/diff
// for the affected address on a bounded worker so slow lookups on one
// address never stall another.
func (m *Monitor) handleNotification(params json.RawMessage) {
	n, err := electrum.DecodeAddressNotification(params)
	if err != nil {
		m.log.Warn("malformed address notification", zap.Error(err))
		return
	}

	m.workersMu.Lock()
	g := m.workers
	m.workersMu.Unlock()
	if g == nil {
		return
	}

	g.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("notification worker panic recovered", zap.String("address", n.Address), zap.Any("panic", r))
			}
		}()
		m.processAddress(context.Background(), n.Address)
		return nil
	})
}

// Wait blocks until every in-flight notification worker has returned.
// The caller is expected to apply its own deadline.
func (m *Monitor) Wait() {
	m.workersMu.Lock()
	g := m.workers
	m.workersMu.Unlock()
	if g != nil {
		_ = g.Wait()
	}
}

// processAddress fetches fresh unspent outputs for address, diffs
// against the KnownUtxoSet, and runs the qualification pipeline for
// each new output. Per-address serialization is enforced explicitly
// via addrLock so two notifications for the same address never diff
// concurrently.
func (m *Monitor) processAddress(ctx context.Context, address string) {
	lock := m.addrLock(address)
	lock.Lock()
	defer lock.Unlock()

	m.client.Lock()
	utxos, err := m.client.AddressListUnspent(ctx, address)
	m.client.Unlock()
	if err != nil {
		m.log.Warn("listunspent failed", zap.String("address", address), zap.Error(err))
		return
	}

	m.subMu.Lock()
	before, ok := m.known[address]
	if !ok {
		before = model.KnownUtxoSet{}
	}
	m.subMu.Unlock()

	current := toKnownSet(utxos)
	fresh := before.Diff(current)

	w, ok := m.lookupWatched(address)
	if ok {
		for _, key := range fresh {
			value, height := valueAndHeight(utxos, key)
			evt := model.NewPaymentEvent(address, key.TxHash, key.TxPos, value, height)
			m.qualify(ctx, w, evt)
		}
	}

	m.subMu.Lock()
	m.known[address] = current
	m.subMu.Unlock()
}

func (m *Monitor) lookupWatched(address string) (model.WatchedAddress, bool) {
	for _, w := range m.registry.Snapshot() {
		if w.Address == address {
			return w, true
		}
	}
	return model.WatchedAddress{}, false
}

func valueAndHeight(utxos []electrum.UnspentOutput, key model.UtxoKey) (int64, int64) {
	for _, u := range utxos {
		if u.TxHash == key.TxHash && u.TxPos == key.TxPos {
			return u.Value, u.Height
		}
	}
	return 0, 0
}

// watchdogLoop pings the client on a fixed cadence; on failure it
// reconnects and restores every subscription.
func (m *Monitor) watchdogLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("watchdog panic recovered", zap.Any("panic", r))
		}
	}()

	ticker := time.NewTicker(m.watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkHealth(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) checkHealth(ctx context.Context) {
	m.client.Lock()
	err := m.client.ServerPing(ctx)
	m.client.Unlock()
	if err == nil {
		return
	}

	m.log.Warn("watchdog ping failed, reconnecting", zap.Error(err))

	// Hold the client lock for the full disconnect/reconnect/resubscribe
	// sequence so no ordinary RPC can interleave with the socket swap.
	m.client.Lock()
	defer m.client.Unlock()

	m.client.Close()
	time.Sleep(time.Second)

	if err := m.client.Connect(ctx); err != nil {
		m.log.Error("watchdog reconnect failed", zap.Error(err))
		return
	}
	m.resubscribeAllLocked(ctx)
}

// resubscribeAllLocked re-primes and re-subscribes every currently
// desired address. Idempotent. The caller must already hold the
// client lock.
func (m *Monitor) resubscribeAllLocked(ctx context.Context) {
	m.client.OnNotification("blockchain.address.subscribe", m.handleNotification)
	_, _ = m.client.HeadersSubscribe(ctx)

	desired := m.registry.Snapshot()
	for _, w := range desired {
		m.subscribeLocked(ctx, w)
	}

	m.subMu.Lock()
	next := make(map[string]struct{}, len(desired))
	for _, w := range desired {
		next[w.Address] = struct{}{}
	}
	m.subscribed = next
	m.subMu.Unlock()

	m.log.Info("resubscribed all addresses", zap.Int("count", len(desired)))
}
