// Package model holds the data types and sentinel errors shared across
// the registry listener, price oracle, persistence gateway and
// monitor. None of these types carry behavior beyond constructors,
// small predicates and the KnownUtxoSet diff; they exist to give the
// rest of the tree a common vocabulary.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// WatchedAddress is the unit of interest for the monitor: a single BCH
// address the registry listener is tracking on behalf of either a user
// or a device.
type WatchedAddress struct {
	Address    string
	CreatedAt  time.Time
	UserID     *int64
	DeviceID   *int64
	Threshold  *int64 // sats, meaningful only when UserID is set
	EuroAmount *decimal.Decimal
}

// IsUserLinked reports whether this address belongs to the user-linked
// qualification branch.
func (w WatchedAddress) IsUserLinked() bool {
	return w.UserID != nil
}

// IsDeviceLinked reports whether this address belongs to the
// device-linked qualification branch.
func (w WatchedAddress) IsDeviceLinked() bool {
	return w.DeviceID != nil
}

// InGraceWindow reports whether now falls within 30 minutes of
// CreatedAt.
func (w WatchedAddress) InGraceWindow(now time.Time) bool {
	return now.Sub(w.CreatedAt) < 30*time.Minute
}

// UtxoKey identifies a single unspent output.
type UtxoKey struct {
	TxHash string
	TxPos  int
}

// KnownUtxoSet is the per-address set of UtxoKey observed at the last
// reconciliation. The monitor owns its lifecycle: created on first
// subscribe, replaced wholesale on diff, discarded on unsubscribe.
type KnownUtxoSet map[UtxoKey]struct{}

// NewKnownUtxoSet builds a KnownUtxoSet from a slice of keys.
func NewKnownUtxoSet(keys []UtxoKey) KnownUtxoSet {
	s := make(KnownUtxoSet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Diff returns the keys present in current but absent from s — the
// "new" outputs since the last reconciliation.
func (s KnownUtxoSet) Diff(current KnownUtxoSet) []UtxoKey {
	var fresh []UtxoKey
	for k := range current {
		if _, ok := s[k]; !ok {
			fresh = append(fresh, k)
		}
	}
	return fresh
}

// PaymentStatus classifies a PaymentEvent by confirmation height.
type PaymentStatus string

const (
	StatusUnconfirmed PaymentStatus = "unconfirmed"
	StatusConfirmed   PaymentStatus = "confirmed"
	StatusUnknown     PaymentStatus = "unknown"
)

// StatusFromHeight derives a PaymentStatus from an Electrum height
// field: height == 0 is unconfirmed (mempool), height > 0 is
// confirmed, anything negative is unknown.
func StatusFromHeight(height int64) PaymentStatus {
	switch {
	case height == 0:
		return StatusUnconfirmed
	case height > 0:
		return StatusConfirmed
	default:
		return StatusUnknown
	}
}

// SatsPerBch is the fixed-point scale between sats and whole BCH.
const SatsPerBch = 100_000_000

// PaymentEvent is synthesized from the difference between a fresh
// unspent listing and a KnownUtxoSet.
type PaymentEvent struct {
	Address    string
	TxHash     string
	TxPos      int
	ValueSats  int64
	ValueBch   decimal.Decimal
	Height     int64
	Status     PaymentStatus
}

// NewPaymentEvent derives ValueBch and Status from ValueSats/Height.
func NewPaymentEvent(address, txHash string, txPos int, valueSats, height int64) PaymentEvent {
	return PaymentEvent{
		Address:   address,
		TxHash:    txHash,
		TxPos:     txPos,
		ValueSats: valueSats,
		ValueBch:  decimal.NewFromInt(valueSats).Div(decimal.NewFromInt(SatsPerBch)),
		Height:    height,
		Status:    StatusFromHeight(height),
	}
}

// PaymentRecord is the persisted row written to bchpayment.
type PaymentRecord struct {
	TxID        string
	Address     string
	AmountSats  int64
	Reference   string
	Description string
	EuroAmount  *decimal.Decimal
	UsdAmount   *decimal.Decimal
	SucceededAt time.Time
}

// PriceSnapshot is a single currency's cached spot price.
type PriceSnapshot struct {
	Price      decimal.Decimal
	RefreshedAt time.Time
}

// Device is the subset of the devices table the qualification pipeline
// and persistence gateway need.
type Device struct {
	ID              int64
	Alias           string
	StreamName      string
	CryptoFeedPrice *decimal.Decimal
}
