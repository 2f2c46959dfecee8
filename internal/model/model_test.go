package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestKnownUtxoSet_DiffFindsOnlyNewKeys(t *testing.T) {
	before := NewKnownUtxoSet([]UtxoKey{{TxHash: "a", TxPos: 0}})
	current := NewKnownUtxoSet([]UtxoKey{{TxHash: "a", TxPos: 0}, {TxHash: "b", TxPos: 1}})

	fresh := before.Diff(current)
	require.Len(t, fresh, 1)
	require.Equal(t, UtxoKey{TxHash: "b", TxPos: 1}, fresh[0])
}

func TestKnownUtxoSet_DiffEmptyWhenUnchanged(t *testing.T) {
	before := NewKnownUtxoSet([]UtxoKey{{TxHash: "a", TxPos: 0}})
	current := NewKnownUtxoSet([]UtxoKey{{TxHash: "a", TxPos: 0}})

	require.Empty(t, before.Diff(current))
}

func TestKnownUtxoSet_PrimingNeverEmitsHistorical(t *testing.T) {
	// Priming sets known = current directly; a subsequent diff against
	// the same current set must be empty.
	primed := NewKnownUtxoSet([]UtxoKey{{TxHash: "a", TxPos: 0}, {TxHash: "b", TxPos: 0}})
	require.Empty(t, primed.Diff(primed))
}

func TestStatusFromHeight(t *testing.T) {
	require.Equal(t, StatusUnconfirmed, StatusFromHeight(0))
	require.Equal(t, StatusConfirmed, StatusFromHeight(800_000))
	require.Equal(t, StatusUnknown, StatusFromHeight(-1))
}

func TestNewPaymentEvent_DerivesValueBchAndStatus(t *testing.T) {
	evt := NewPaymentEvent("addr", "txhash", 0, 250_000, 100)
	require.True(t, evt.ValueBch.Equal(decimal.RequireFromString("0.0025")))
	require.Equal(t, StatusConfirmed, evt.Status)
}

func TestWatchedAddress_InGraceWindow(t *testing.T) {
	now := time.Now()
	w := WatchedAddress{CreatedAt: now.Add(-10 * time.Minute)}
	require.True(t, w.InGraceWindow(now))

	w2 := WatchedAddress{CreatedAt: now.Add(-40 * time.Minute)}
	require.False(t, w2.InGraceWindow(now))
}
