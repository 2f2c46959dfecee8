// Package priceoracle maintains a background-refreshed cache of the
// BCH spot price in EUR and USD, serving cached values to callers
// without ever blocking a reader on the network.
package priceoracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kiliangithub/BLAZE/internal/model"
)

const priceEndpoint = "https://api.coingecko.com/api/v3/simple/price?ids=bitcoin-cash&vs_currencies=eur,usd"

const fetchTimeout = 5 * time.Second

// Oracle is a singleton value owned by the process root and shared by
// every collaborator that needs a BCH spot price.
type Oracle struct {
	log      *zap.Logger
	interval time.Duration
	client   *http.Client
	endpoint string

	mu  sync.RWMutex
	eur *model.PriceSnapshot
	usd *model.PriceSnapshot

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs an Oracle. Call Start to begin the background
// refresher.
func New(refreshInterval time.Duration, log *zap.Logger) *Oracle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Oracle{
		log:      log,
		interval: refreshInterval,
		client:   &http.Client{Timeout: fetchTimeout},
		endpoint: priceEndpoint,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start performs an initial synchronous fetch and then begins the
// background refresher. Safe to call once.
func (o *Oracle) Start(ctx context.Context) {
	o.refresh(ctx)
	go o.run(ctx)
}

// Stop signals the refresher to exit and waits for it to return.
func (o *Oracle) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	<-o.doneCh
}

// Eur returns the last cached EUR price, or nil if none has been
// fetched successfully yet.
func (o *Oracle) Eur() *decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.eur == nil {
		return nil
	}
	v := o.eur.Price
	return &v
}

// Usd returns the last cached USD price, or nil if none has been
// fetched successfully yet.
func (o *Oracle) Usd() *decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.usd == nil {
		return nil
	}
	v := o.usd.Price
	return &v
}

func (o *Oracle) run(ctx context.Context) {
	defer close(o.doneCh)
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("price refresher panic recovered", zap.Any("panic", r))
		}
	}()

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.refresh(ctx)
		case <-o.stopCh:
			o.log.Info("price refresher stopping")
			return
		case <-ctx.Done():
			return
		}
	}
}

type coingeckoResponse struct {
	BitcoinCash struct {
		Eur decimal.Decimal `json:"eur"`
		Usd decimal.Decimal `json:"usd"`
	} `json:"bitcoin-cash"`
}

func (o *Oracle) refresh(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	eur, usd, err := o.fetch(fetchCtx)
	if err != nil {
		o.log.Warn("price refresh failed, keeping previous cache", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	o.mu.Lock()
	o.eur = &model.PriceSnapshot{Price: eur, RefreshedAt: now}
	o.usd = &model.PriceSnapshot{Price: usd, RefreshedAt: now}
	o.mu.Unlock()

	o.log.Debug("price refreshed", zap.String("eur", eur.String()), zap.String("usd", usd.String()))
}

func (o *Oracle) fetch(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint, nil)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("priceoracle: build request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("priceoracle: %w: %v", model.ErrPriceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, decimal.Zero, fmt.Errorf("priceoracle: %w: status %d", model.ErrPriceUnavailable, resp.StatusCode)
	}

	var decoded coingeckoResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("priceoracle: decode: %w", err)
	}

	return decoded.BitcoinCash.Eur, decoded.BitcoinCash.Usd, nil
}
