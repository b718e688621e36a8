package radio

// State is the link state of the controller.
type State int

const (
	// StateIdle: no session, nothing in flight.
	StateIdle State = iota
	// StateJoining: an OTAA join is in progress.
	StateJoining
	// StateJoined: an active session exists and the link is ready.
	StateJoined
	// StateTransmitting: an uplink is on the air.
	StateTransmitting
	// StateAwaitingAck: a confirmed uplink waits for its ack.
	StateAwaitingAck
	// StateSleeping: the modem is in low-power mode.
	StateSleeping
	// StateFaulted: the modem reported a hardware fault; a reset is
	// required before further operations.
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateTransmitting:
		return "transmitting"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateSleeping:
		return "sleeping"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}
