package session

import (
	"time"

	"github.com/terrasense/terrasense-node/pkg/lorawan"
)

// Session is the device's network identity: the address and keys negotiated
// at join time plus the frame counters. At most one session is active; the
// persisted FCntUp must never regress across power cycles, or the network
// server silently drops every later uplink as a replay.
type Session struct {
	DevAddr  lorawan.DevAddr
	NwkSKey  lorawan.AES128Key
	AppSKey  lorawan.AES128Key
	FCntUp   uint32
	FCntDown uint32
	JoinedAt time.Time
}
