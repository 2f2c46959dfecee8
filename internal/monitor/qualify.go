package monitor

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kiliangithub/BLAZE/internal/model"
)

var (
	tier1Multiplier = decimal.NewFromFloat(4.0)
	tier2Multiplier = decimal.NewFromFloat(5.0)
	tier3Multiplier = decimal.NewFromFloat(6.0)

	tier1Ceiling = decimal.NewFromInt(20)
	tier2Ceiling = decimal.NewFromInt(50)

	deviceSafetyMargin = decimal.NewFromFloat(0.95)
)

// grainMultiplier picks the tiered loyalty-reward multiplier for a EUR
// amount: < 20 -> 4.0, 20..<50 -> 5.0, >= 50 -> 6.0.
func grainMultiplier(eur decimal.Decimal) decimal.Decimal {
	switch {
	case eur.LessThan(tier1Ceiling):
		return tier1Multiplier
	case eur.LessThan(tier2Ceiling):
		return tier2Multiplier
	default:
		return tier3Multiplier
	}
}

// computeGrainReward applies the tier multiplier and ceiling-rounds to
// an integer grain delta.
func computeGrainReward(eur decimal.Decimal) int64 {
	reward := eur.Mul(grainMultiplier(eur))
	return ceilToInt64(reward)
}

func ceilToInt64(d decimal.Decimal) int64 {
	f, _ := d.Float64()
	return int64(math.Ceil(f))
}

// qualify runs the full branch for one PaymentEvent and, if it
// qualifies, writes the resulting PaymentRecord (and any balance or
// counter update) via the store.
func (m *Monitor) qualify(ctx context.Context, w model.WatchedAddress, evt model.PaymentEvent) {
	switch {
	case w.IsUserLinked():
		m.qualifyUserLinked(ctx, w, evt)
	case w.IsDeviceLinked():
		m.qualifyDeviceLinked(ctx, w, evt)
	default:
		m.log.Warn("watched address has neither user nor device", zap.String("address", w.Address))
	}
}

func (m *Monitor) qualifyUserLinked(ctx context.Context, w model.WatchedAddress, evt model.PaymentEvent) {
	now := time.Now().UTC()
	inGraceWindow := w.InGraceWindow(now)
	thresholdSet := w.Threshold != nil && *w.Threshold > 0

	var eur decimal.Decimal
	var usd *decimal.Decimal

	useConfiguredAmount := inGraceWindow && thresholdSet && evt.ValueSats >= *w.Threshold && w.EuroAmount != nil

	if useConfiguredAmount {
		eur = *w.EuroAmount
		if price := m.prices.Usd(); price != nil {
			v := evt.ValueBch.Mul(*price)
			usd = &v
		}
	} else {
		priceEur := m.prices.Eur()
		if priceEur == nil {
			// Price-mode with no price available: skip the balance
			// update entirely but still write the PaymentRecord with
			// best-known (null) fiat fields.
			m.writeUserPayment(ctx, w, evt, nil, nil, 0)
			return
		}
		eur = evt.ValueBch.Mul(*priceEur)
		if priceUsd := m.prices.Usd(); priceUsd != nil {
			v := evt.ValueBch.Mul(*priceUsd)
			usd = &v
		}
	}

	grainDelta := computeGrainReward(eur)

	if err := m.store.ApplyGrainReward(ctx, *w.UserID, grainDelta); err != nil {
		m.log.Warn("apply_grain_reward failed, writing payment anyway",
			zap.Int64("user_id", *w.UserID), zap.Error(err))
	}

	m.writeUserPayment(ctx, w, evt, &eur, usd, grainDelta)
}

func (m *Monitor) writeUserPayment(ctx context.Context, w model.WatchedAddress, evt model.PaymentEvent, eur, usd *decimal.Decimal, grainDelta int64) {
	username := strconv.FormatInt(*w.UserID, 10)
	if name, err := m.store.LookupUsername(ctx, *w.UserID); err == nil && name != nil {
		username = *name
	}

	rec := model.PaymentRecord{
		TxID:        fmt.Sprintf("%s:%d", evt.TxHash, evt.TxPos),
		Address:     evt.Address,
		AmountSats:  evt.ValueSats,
		Reference:   strconv.FormatInt(*w.UserID, 10),
		Description: fmt.Sprintf("%s (+%d grain)", username, grainDelta),
		EuroAmount:  eur,
		UsdAmount:   usd,
	}
	if err := m.store.InsertPayment(ctx, rec); err != nil {
		m.log.Error("insert_payment failed", zap.String("tx_id", rec.TxID), zap.Error(err))
	}
}

func (m *Monitor) qualifyDeviceLinked(ctx context.Context, w model.WatchedAddress, evt model.PaymentEvent) {
	feedPrice, err := m.store.LookupDeviceFeedPrice(ctx, *w.DeviceID)
	if err != nil {
		m.log.Warn("lookup_device_feed_price failed, proceeding ungated", zap.Int64("device_id", *w.DeviceID), zap.Error(err))
		feedPrice = nil
	}
	if feedPrice == nil {
		// No configured feed price: do not gate.
		m.applyDevicePayment(ctx, w, evt)
		return
	}

	priceEur := m.prices.Eur()
	var effective int64
	if priceEur == nil {
		effective = 0 // do not gate when price is unavailable
	} else {
		thresholdSats := feedPrice.Div(*priceEur).Mul(decimal.NewFromInt(model.SatsPerBch)).Floor()
		effective = thresholdSats.Mul(deviceSafetyMargin).Floor().IntPart()
	}

	if evt.ValueSats < effective {
		return
	}

	m.applyDevicePayment(ctx, w, evt)
}

func (m *Monitor) applyDevicePayment(ctx context.Context, w model.WatchedAddress, evt model.PaymentEvent) {
	now := time.Now().UTC()

	var eur, usd *decimal.Decimal
	if priceEur := m.prices.Eur(); priceEur != nil {
		v := evt.ValueBch.Mul(*priceEur)
		eur = &v
	}
	if priceUsd := m.prices.Usd(); priceUsd != nil {
		v := evt.ValueBch.Mul(*priceUsd)
		usd = &v
	}

	if err := m.store.ApplyFeeding(ctx, *w.DeviceID, now); err != nil {
		m.log.Warn("apply_feeding failed, writing payment anyway", zap.Int64("device_id", *w.DeviceID), zap.Error(err))
	}

	reference := strconv.FormatInt(*w.DeviceID, 10)
	description := ""
	if device, err := m.store.LookupDevice(ctx, *w.DeviceID); err == nil && device != nil {
		if device.Alias != "" {
			reference = device.Alias
		}
		if device.StreamName != "" {
			description = fmt.Sprintf("Direct payment to %s", device.StreamName)
		}
	}

	rec := model.PaymentRecord{
		TxID:        fmt.Sprintf("%s:%d", evt.TxHash, evt.TxPos),
		Address:     evt.Address,
		AmountSats:  evt.ValueSats,
		Reference:   reference,
		Description: description,
		EuroAmount:  eur,
		UsdAmount:   usd,
	}
	if err := m.store.InsertPayment(ctx, rec); err != nil {
		m.log.Error("insert_payment failed", zap.String("tx_id", rec.TxID), zap.Error(err))
	}
}
