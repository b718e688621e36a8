// Package radio drives the LoRaWAN link: join, session resume, uplink
// transmission and the frame-counter discipline around it. The MAC layer
// itself lives in the modem firmware; this package talks to it through
// the Transceiver interface.
package radio

import (
	"context"
	"errors"
	"time"

	"github.com/terrasense/terrasense-node/pkg/lorawan"
)

// Errors reported by Transceiver implementations.
var (
	// ErrNoJoinAccept means the join request went out but no accept
	// arrived within the modem's receive windows.
	ErrNoJoinAccept = errors.New("radio: no join accept received")
	// ErrNoAck means a confirmed uplink was sent but no acknowledgement
	// arrived.
	ErrNoAck = errors.New("radio: no ack received")
	// ErrHardwareFault means the modem is in an unusable state and
	// needs a reset before further commands.
	ErrHardwareFault = errors.New("radio: hardware fault")
)

// Errors reported by the Controller.
var (
	// ErrJoinFailed means the join attempt budget for this wake was
	// exhausted without an accept.
	ErrJoinFailed = errors.New("radio: join failed")
	// ErrAckTimeout means the uplink was transmitted but not
	// acknowledged in time. The frame still counts as sent.
	ErrAckTimeout = errors.New("radio: ack timeout")
	// ErrCounterPersist means the uplink counter could not be made
	// durable, so the transmission was not attempted.
	ErrCounterPersist = errors.New("radio: counter persist failed")
	// ErrNotJoined means Send was called without an active session.
	ErrNotJoined = errors.New("radio: not joined")
)

// Credentials identify the device for over-the-air activation.
type Credentials struct {
	DevEUI  lorawan.EUI64
	JoinEUI lorawan.EUI64
	AppKey  lorawan.AES128Key
}

// SessionParams carry the activation state exchanged with the modem:
// the accept result after a join, or the full resume state for ABP.
type SessionParams struct {
	DevAddr  lorawan.DevAddr
	NwkSKey  lorawan.AES128Key
	AppSKey  lorawan.AES128Key
	FCntUp   uint32
	FCntDown uint32
}

// TxRequest describes one uplink.
type TxRequest struct {
	Port      uint8
	Payload   []byte
	Confirmed bool
	// FCntUp is the counter value this frame must be sent with.
	FCntUp uint32
	// OnAir, when set, is invoked once the modem has accepted the
	// frame for transmission, before the wait for the air result.
	OnAir func()
}

// TxResult reports the outcome of a transmission.
type TxResult struct {
	// Ack is set when a confirmed uplink was acknowledged.
	Ack bool
	// Downlink holds application data received in the RX windows,
	// DownlinkPort its port. Empty when nothing was received.
	Downlink     []byte
	DownlinkPort uint8
	// FCntDown is the network's downlink counter after this exchange.
	// Only meaningful when DownlinkSeen is set.
	FCntDown     uint32
	DownlinkSeen bool
}

// Transceiver is the modem-side contract. Implementations own the MAC:
// join handshakes, duty cycling, receive windows and frame crypto all
// happen behind these calls.
type Transceiver interface {
	// JoinOTAA runs an over-the-air activation and returns the
	// resulting session parameters.
	JoinOTAA(ctx context.Context, creds Credentials) (SessionParams, error)
	// ResumeABP loads a previously established session, including the
	// frame counters, into the modem.
	ResumeABP(ctx context.Context, params SessionParams) error
	// Transmit sends one uplink. For confirmed requests the call
	// blocks until an ack arrives or the modem gives up.
	Transmit(ctx context.Context, req TxRequest) (TxResult, error)
	// Reset restarts the modem firmware.
	Reset(ctx context.Context) error
	// Sleep puts the modem into low-power mode for the duration.
	Sleep(ctx context.Context, d time.Duration) error
}
