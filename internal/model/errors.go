package model

import "errors"

// Sentinel errors for the registry listener, persistence gateway and
// price oracle. The Electrum client owns its own transport-level
// sentinels (electrum.ErrTransportDown, electrum.ErrRequestTimeout,
// electrum.ErrPeerError, electrum.ErrProtocolMismatch); they are not
// re-exported here.
var (
	ErrPayloadMalformed = errors.New("model: payload malformed")
	ErrStoreUnavailable = errors.New("model: store unavailable")
	ErrPriceUnavailable = errors.New("model: price unavailable")
)
