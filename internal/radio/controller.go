package radio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/terrasense/terrasense-node/internal/backoff"
	"github.com/terrasense/terrasense-node/internal/session"
	"github.com/terrasense/terrasense-node/internal/storage"
)

// Config tunes the Controller.
type Config struct {
	// Credentials for over-the-air activation.
	Credentials Credentials
	// Confirmed requests an ack for every uplink.
	Confirmed bool
	// AckTimeout bounds the wait for an ack on confirmed uplinks.
	AckTimeout time.Duration
	// JoinAttempts is the join attempt budget per wake cycle.
	JoinAttempts int
	// Port is the application port uplinks are sent on.
	Port uint8
	// Backoff paces retries between join attempts.
	Backoff backoff.Policy
}

// Controller owns the link state machine. It sits between the cycle
// orchestrator and the modem: it restores and persists the session,
// enforces that the uplink counter is durable before any frame leaves,
// and maps modem failures onto the states the orchestrator acts on.
//
// Methods are safe for concurrent use, though the node drives the
// controller from a single loop.
type Controller struct {
	tcv      Transceiver
	sessions *session.Store
	cfg      Config
	clock    clockwork.Clock

	mu    sync.Mutex
	state State
	sess  *session.Session
}

// NewController returns a Controller in the Idle state. Call Restore
// before the first cycle to pick up a persisted session.
func NewController(tcv Transceiver, sessions *session.Store, cfg Config, clock clockwork.Clock) *Controller {
	if cfg.JoinAttempts <= 0 {
		cfg.JoinAttempts = 3
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 30 * time.Second
	}
	if cfg.Port == 0 {
		cfg.Port = 1
	}
	return &Controller{
		tcv:      tcv,
		sessions: sessions,
		cfg:      cfg,
		clock:    clock,
		state:    StateIdle,
	}
}

// State returns the current link state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the active session, or nil when there is none.
func (c *Controller) Session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		log.Debug().Stringer("from", prev).Stringer("to", s).Msg("radio state transition")
	}
}

// Restore loads the persisted session and resumes it on the modem.
// A missing session leaves the controller Idle; a corrupt one is
// cleared from storage first. Both paths force a fresh join later.
func (c *Controller) Restore(ctx context.Context) error {
	sess, err := c.sessions.Load()
	switch {
	case errors.Is(err, session.ErrNoSession):
		log.Info().Msg("no persisted session, join required")
		c.setState(StateIdle)
		return nil
	case errors.Is(err, storage.ErrCorrupt):
		log.Warn().Err(err).Msg("persisted session corrupt, clearing")
		if clearErr := c.sessions.Clear(); clearErr != nil {
			return fmt.Errorf("clear corrupt session: %w", clearErr)
		}
		c.setState(StateIdle)
		return nil
	case err != nil:
		return fmt.Errorf("load session: %w", err)
	}

	if err := c.resume(ctx, sess); err != nil {
		return err
	}
	log.Info().
		Str("dev_addr", sess.DevAddr.String()).
		Uint32("fcnt_up", sess.FCntUp).
		Msg("session resumed")
	return nil
}

// resume pushes sess to the modem via ABP and moves to Joined.
func (c *Controller) resume(ctx context.Context, sess *session.Session) error {
	params := SessionParams{
		DevAddr:  sess.DevAddr,
		NwkSKey:  sess.NwkSKey,
		AppSKey:  sess.AppSKey,
		FCntUp:   sess.FCntUp,
		FCntDown: sess.FCntDown,
	}
	if err := c.tcv.ResumeABP(ctx, params); err != nil {
		if errors.Is(err, ErrHardwareFault) {
			c.setState(StateFaulted)
		}
		return fmt.Errorf("resume session: %w", err)
	}
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	c.setState(StateJoined)
	return nil
}

// EnsureJoined makes the link ready for Send. With an active session it
// is a no-op; with a persisted-but-unloaded one it resumes; otherwise it
// runs OTAA joins with backoff until one is accepted or the attempt
// budget for this wake runs out, in which case it returns ErrJoinFailed
// and the controller goes back to Idle.
//
// The accepted session is persisted before the state becomes Joined, so
// a crash right after the accept can never produce an unjoined reboot
// with a network that already knows the device.
func (c *Controller) EnsureJoined(ctx context.Context) error {
	c.mu.Lock()
	state, sess := c.state, c.sess
	c.mu.Unlock()

	switch state {
	case StateFaulted:
		return ErrHardwareFault
	case StateJoined:
		return nil
	}
	if sess != nil {
		return c.resume(ctx, sess)
	}

	c.setState(StateJoining)
	var lastErr error
	for attempt := 0; attempt < c.cfg.JoinAttempts; attempt++ {
		if attempt > 0 {
			delay := c.cfg.Backoff.Delay(attempt - 1)
			log.Info().Dur("delay", delay).Int("attempt", attempt).Msg("join retry backoff")
			select {
			case <-ctx.Done():
				c.setState(StateIdle)
				return ctx.Err()
			case <-c.clock.After(delay):
			}
		}

		params, err := c.tcv.JoinOTAA(ctx, c.cfg.Credentials)
		if err == nil {
			sess := &session.Session{
				DevAddr:  params.DevAddr,
				NwkSKey:  params.NwkSKey,
				AppSKey:  params.AppSKey,
				FCntUp:   params.FCntUp,
				FCntDown: params.FCntDown,
				JoinedAt: c.clock.Now().UTC(),
			}
			if err := c.sessions.Save(sess); err != nil {
				c.setState(StateIdle)
				return fmt.Errorf("persist session: %w", err)
			}
			c.mu.Lock()
			c.sess = sess
			c.mu.Unlock()
			c.setState(StateJoined)
			log.Info().Str("dev_addr", sess.DevAddr.String()).Msg("joined")
			return nil
		}
		if errors.Is(err, ErrHardwareFault) {
			c.setState(StateFaulted)
			return err
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("join attempt failed")
	}

	c.setState(StateIdle)
	return fmt.Errorf("%w after %d attempts: %w", ErrJoinFailed, c.cfg.JoinAttempts, lastErr)
}

// Send transmits one uplink. The uplink counter is incremented and made
// durable before the frame is handed to the modem; if that write fails
// the counter is rolled back in memory and nothing is transmitted.
//
// ErrAckTimeout is soft: the frame went out and the counter advanced,
// only the acknowledgement is missing.
func (c *Controller) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	state, sess := c.state, c.sess
	c.mu.Unlock()

	if state == StateFaulted {
		return ErrHardwareFault
	}
	if state != StateJoined || sess == nil {
		return ErrNotJoined
	}

	sess.FCntUp++
	if err := c.sessions.SaveFCntUp(sess); err != nil {
		sess.FCntUp--
		return fmt.Errorf("%w: %w", ErrCounterPersist, err)
	}

	req := TxRequest{
		Port:      c.cfg.Port,
		Payload:   payload,
		Confirmed: c.cfg.Confirmed,
		FCntUp:    sess.FCntUp,
	}

	c.setState(StateTransmitting)
	txCtx := ctx
	if req.Confirmed {
		var cancel context.CancelFunc
		txCtx, cancel = context.WithTimeout(ctx, c.cfg.AckTimeout)
		defer cancel()
		// The ack wait starts once the modem has the frame on the air.
		req.OnAir = func() { c.setState(StateAwaitingAck) }
	}

	res, err := c.tcv.Transmit(txCtx, req)
	switch {
	case errors.Is(err, ErrHardwareFault):
		c.setState(StateFaulted)
		return err
	case errors.Is(err, ErrNoAck), errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		c.setState(StateJoined)
		log.Warn().Uint32("fcnt_up", sess.FCntUp).Msg("uplink sent, no ack")
		return ErrAckTimeout
	case err != nil:
		c.setState(StateJoined)
		return fmt.Errorf("transmit: %w", err)
	}

	if res.DownlinkSeen {
		sess.FCntDown = res.FCntDown
		if err := c.sessions.SaveFCntDown(sess); err != nil {
			log.Warn().Err(err).Msg("downlink counter persist failed")
		}
		if len(res.Downlink) > 0 {
			log.Info().
				Uint8("port", res.DownlinkPort).
				Int("len", len(res.Downlink)).
				Msg("downlink received")
		}
	}

	c.setState(StateJoined)
	log.Info().
		Uint32("fcnt_up", sess.FCntUp).
		Bool("ack", res.Ack).
		Int("len", len(payload)).
		Msg("uplink sent")
	return nil
}

// Reset restarts the modem and clears a Faulted state. The persisted
// session is kept; the next EnsureJoined resumes it instead of joining
// again.
func (c *Controller) Reset(ctx context.Context) error {
	if err := c.tcv.Reset(ctx); err != nil {
		return fmt.Errorf("modem reset: %w", err)
	}
	c.setState(StateIdle)
	log.Info().Msg("modem reset")
	return nil
}

// SleepRadio puts the modem into low-power mode for d. The link state
// from before the sleep is restored afterwards.
func (c *Controller) SleepRadio(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	prev := c.state
	c.mu.Unlock()

	if prev == StateFaulted {
		return ErrHardwareFault
	}

	c.setState(StateSleeping)
	err := c.tcv.Sleep(ctx, d)
	c.setState(prev)
	if err != nil {
		if errors.Is(err, ErrHardwareFault) {
			c.setState(StateFaulted)
		}
		return fmt.Errorf("modem sleep: %w", err)
	}
	return nil
}
