// Package rn2483 implements the radio.Transceiver interface for
// RN2483-class LoRaWAN modems: a line-oriented command set over a
// UART, with the full MAC running in the modem firmware.
package rn2483

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/serial"
	"github.com/rs/zerolog/log"

	"github.com/terrasense/terrasense-node/internal/radio"
	"github.com/terrasense/terrasense-node/pkg/lorawan"
)

// Config for the modem connection.
type Config struct {
	// Address is the serial device, e.g. /dev/ttyS1.
	Address  string
	BaudRate int
	// CommandTimeout bounds the wait for the immediate "ok" response.
	CommandTimeout time.Duration
	// JoinTimeout bounds the wait for the asynchronous join result.
	JoinTimeout time.Duration
	// TxTimeout bounds the wait for the asynchronous transmit result.
	TxTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.BaudRate == 0 {
		c.BaudRate = 57600
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 5 * time.Second
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 30 * time.Second
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = 60 * time.Second
	}
}

// errResponseTimeout marks a response line that did not arrive within
// its operation's window. Callers map it to the soft error of that
// operation; it never escapes the driver.
var errResponseTimeout = errors.New("rn2483: response timeout")

// Modem drives one RN2483-class device. A single reader goroutine owns
// the port's receive side and feeds complete lines to the command flow,
// so every wait is bounded by a per-operation timeout and the caller's
// ctx. Not safe for concurrent use; the radio controller serializes
// all calls.
type Modem struct {
	port  io.ReadWriteCloser
	cfg   Config
	lines chan string

	mu      sync.Mutex
	readErr error
}

var _ radio.Transceiver = (*Modem)(nil)

// Dial opens the serial port from cfg and returns a Modem on it. The
// port-level timeout only paces the reader's polling; operation
// deadlines are enforced per response line.
func Dial(cfg Config) (*Modem, error) {
	cfg.applyDefaults()
	port, err := serial.Open(&serial.Config{
		Address:  cfg.Address,
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  cfg.CommandTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open modem port %s: %w", cfg.Address, err)
	}
	return New(port, cfg), nil
}

// New wraps an already open port. Used by Dial and by tests.
func New(port io.ReadWriteCloser, cfg Config) *Modem {
	cfg.applyDefaults()
	m := &Modem{
		port:  port,
		cfg:   cfg,
		lines: make(chan string, 8),
	}
	go m.readLoop()
	return m
}

// Close closes the serial port; the reader goroutine exits on the
// resulting read error.
func (m *Modem) Close() error {
	return m.port.Close()
}

// readLoop assembles response lines from the port. Port-level read
// timeouts are polling, not failure; any other error ends the loop and
// is surfaced on the next readLine.
func (m *Modem) readLoop() {
	buf := make([]byte, 256)
	var pending []byte
	for {
		n, err := m.port.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				line := strings.TrimRight(string(pending[:i]), "\r")
				pending = pending[i+1:]
				m.lines <- line
			}
		}
		if err != nil {
			if errors.Is(err, serial.ErrTimeout) {
				continue
			}
			m.mu.Lock()
			m.readErr = err
			m.mu.Unlock()
			close(m.lines)
			return
		}
	}
}

// readLine waits for one response line, bounded by timeout and ctx.
// cmd is only for log and error context.
func (m *Modem) readLine(ctx context.Context, timeout time.Duration, cmd string) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line, ok := <-m.lines:
		if !ok {
			m.mu.Lock()
			err := m.readErr
			m.mu.Unlock()
			return "", fmt.Errorf("%w: port read failed after %q: %w", radio.ErrHardwareFault, cmd, err)
		}
		log.Trace().Str("cmd", cmd).Str("resp", line).Msg("modem response")
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", fmt.Errorf("%w: no response to %q within %v", errResponseTimeout, cmd, timeout)
	}
}

// command sends one line and returns the immediate response. A modem
// that stays silent on an immediate response is unusable, so the
// timeout here maps to a hardware fault.
func (m *Modem) command(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	log.Trace().Str("cmd", cmd).Msg("modem command")
	if _, err := io.WriteString(m.port, cmd+"\r\n"); err != nil {
		return "", fmt.Errorf("%w: write %q: %w", radio.ErrHardwareFault, cmd, err)
	}

	resp, err := m.readLine(ctx, m.cfg.CommandTimeout, cmd)
	if errors.Is(err, errResponseTimeout) {
		return "", fmt.Errorf("%w: modem unresponsive: %w", radio.ErrHardwareFault, err)
	}
	return resp, err
}

// exec sends a command and requires an "ok" response.
func (m *Modem) exec(ctx context.Context, cmd string) error {
	resp, err := m.command(ctx, cmd)
	if err != nil {
		return err
	}
	if resp != "ok" {
		return respError(cmd, resp)
	}
	return nil
}

// respError maps a non-ok modem response onto the driver error set.
func respError(cmd, resp string) error {
	switch resp {
	case "invalid_param":
		return fmt.Errorf("modem rejected %q: invalid parameter", cmd)
	case "busy", "no_free_ch", "silent":
		return fmt.Errorf("modem busy on %q: %s", cmd, resp)
	case "keys_not_init":
		return fmt.Errorf("modem keys not initialized for %q", cmd)
	default:
		return fmt.Errorf("%w: unexpected response %q to %q", radio.ErrHardwareFault, resp, cmd)
	}
}

// JoinOTAA configures the device identity and runs an over-the-air
// activation. On accept it reads back the network-assigned session
// from the modem.
func (m *Modem) JoinOTAA(ctx context.Context, creds radio.Credentials) (radio.SessionParams, error) {
	var none radio.SessionParams

	if err := m.exec(ctx, "mac set deveui "+hex.EncodeToString(creds.DevEUI[:])); err != nil {
		return none, err
	}
	if err := m.exec(ctx, "mac set appeui "+hex.EncodeToString(creds.JoinEUI[:])); err != nil {
		return none, err
	}
	if err := m.exec(ctx, "mac set appkey "+hex.EncodeToString(creds.AppKey[:])); err != nil {
		return none, err
	}

	if err := m.exec(ctx, "mac join otaa"); err != nil {
		return none, err
	}
	// The join result arrives as a second, asynchronous line after the
	// receive windows. Silence past the join window means no accept,
	// not a broken modem.
	result, err := m.readLine(ctx, m.cfg.JoinTimeout, "mac join otaa")
	if errors.Is(err, errResponseTimeout) {
		return none, radio.ErrNoJoinAccept
	}
	if err != nil {
		return none, err
	}
	switch result {
	case "accepted":
	case "denied":
		return none, radio.ErrNoJoinAccept
	default:
		return none, fmt.Errorf("%w: unexpected join result %q", radio.ErrHardwareFault, result)
	}

	params := radio.SessionParams{}
	devAddr, err := query(m, ctx, "mac get devaddr", lorawan.ParseDevAddr)
	if err != nil {
		return none, err
	}
	params.DevAddr = devAddr
	params.NwkSKey, err = query(m, ctx, "mac get nwkskey", lorawan.ParseAES128Key)
	if err != nil {
		return none, err
	}
	params.AppSKey, err = query(m, ctx, "mac get appskey", lorawan.ParseAES128Key)
	if err != nil {
		return none, err
	}
	return params, nil
}

// query runs a read command and parses its response with parse.
func query[T any](m *Modem, ctx context.Context, cmd string, parse func(string) (T, error)) (T, error) {
	var zero T
	resp, err := m.command(ctx, cmd)
	if err != nil {
		return zero, err
	}
	v, err := parse(resp)
	if err != nil {
		return zero, fmt.Errorf("%w: bad response %q to %q: %w", radio.ErrHardwareFault, resp, cmd, err)
	}
	return v, nil
}

// ResumeABP loads a stored session into the modem and activates it.
func (m *Modem) ResumeABP(ctx context.Context, params radio.SessionParams) error {
	steps := []string{
		"mac set devaddr " + hex.EncodeToString(params.DevAddr[:]),
		"mac set nwkskey " + hex.EncodeToString(params.NwkSKey[:]),
		"mac set appskey " + hex.EncodeToString(params.AppSKey[:]),
		"mac set upctr " + strconv.FormatUint(uint64(params.FCntUp), 10),
		"mac set dnctr " + strconv.FormatUint(uint64(params.FCntDown), 10),
	}
	for _, cmd := range steps {
		if err := m.exec(ctx, cmd); err != nil {
			return err
		}
	}

	if err := m.exec(ctx, "mac join abp"); err != nil {
		return err
	}
	// ABP activation is local to the modem, no air exchange: silence
	// here means the modem stalled.
	result, err := m.readLine(ctx, m.cfg.JoinTimeout, "mac join abp")
	if errors.Is(err, errResponseTimeout) {
		return fmt.Errorf("%w: modem unresponsive: %w", radio.ErrHardwareFault, err)
	}
	if err != nil {
		return err
	}
	if result != "accepted" {
		return fmt.Errorf("%w: unexpected abp result %q", radio.ErrHardwareFault, result)
	}
	return nil
}

// Transmit sends one uplink and waits for the transmit result. The
// uplink counter is forced to the caller's value first, so the frame
// on the air always matches the persisted counter.
func (m *Modem) Transmit(ctx context.Context, req radio.TxRequest) (radio.TxResult, error) {
	var none radio.TxResult

	if err := m.exec(ctx, "mac set upctr "+strconv.FormatUint(uint64(req.FCntUp), 10)); err != nil {
		return none, err
	}

	mode := "uncnf"
	if req.Confirmed {
		mode = "cnf"
	}
	cmd := fmt.Sprintf("mac tx %s %d %s", mode, req.Port, hex.EncodeToString(req.Payload))
	if err := m.exec(ctx, cmd); err != nil {
		return none, err
	}
	// The "ok" means the frame is queued on the air.
	if req.OnAir != nil {
		req.OnAir()
	}

	// Second line: the air result after the RX windows close. The
	// frame already left, so a silent modem reads as a lost ack, not
	// a failed uplink.
	result, err := m.readLine(ctx, m.cfg.TxTimeout, cmd)
	if errors.Is(err, errResponseTimeout) {
		return none, radio.ErrNoAck
	}
	if err != nil {
		return none, err
	}
	switch {
	case result == "mac_tx_ok":
		return radio.TxResult{Ack: req.Confirmed}, nil
	case result == "no_ack":
		return none, radio.ErrNoAck
	case strings.HasPrefix(result, "mac_rx "):
		res, err := m.parseDownlink(ctx, result)
		if err != nil {
			return none, err
		}
		res.Ack = req.Confirmed
		return res, nil
	default:
		return none, fmt.Errorf("%w: unexpected tx result %q", radio.ErrHardwareFault, result)
	}
}

// parseDownlink decodes a "mac_rx <port> <hexdata>" line and reads the
// downlink counter back from the modem.
func (m *Modem) parseDownlink(ctx context.Context, line string) (radio.TxResult, error) {
	var none radio.TxResult

	fields := strings.Fields(line)
	if len(fields) != 3 {
		return none, fmt.Errorf("%w: malformed downlink %q", radio.ErrHardwareFault, line)
	}
	port, err := strconv.ParseUint(fields[1], 10, 8)
	if err != nil {
		return none, fmt.Errorf("%w: bad downlink port in %q: %w", radio.ErrHardwareFault, line, err)
	}
	data, err := hex.DecodeString(fields[2])
	if err != nil {
		return none, fmt.Errorf("%w: bad downlink payload in %q: %w", radio.ErrHardwareFault, line, err)
	}

	resp, err := m.command(ctx, "mac get dnctr")
	if err != nil {
		return none, err
	}
	dnctr, err := strconv.ParseUint(resp, 10, 32)
	if err != nil {
		return none, fmt.Errorf("%w: bad dnctr response %q: %w", radio.ErrHardwareFault, resp, err)
	}

	return radio.TxResult{
		Downlink:     data,
		DownlinkPort: uint8(port),
		FCntDown:     uint32(dnctr),
		DownlinkSeen: true,
	}, nil
}

// Reset restarts the modem firmware. The modem answers with its
// version banner.
func (m *Modem) Reset(ctx context.Context) error {
	banner, err := m.command(ctx, "sys reset")
	if err != nil {
		return err
	}
	log.Info().Str("version", banner).Msg("modem reset")
	return nil
}

// Sleep puts the modem into low-power mode for d. The "ok" response
// only arrives once the modem wakes, so the wait is bounded by the
// sleep duration plus a command margin, not by CommandTimeout.
func (m *Modem) Sleep(ctx context.Context, d time.Duration) error {
	ms := d.Milliseconds()
	if ms < 100 {
		ms = 100
	}
	cmd := "sys sleep " + strconv.FormatInt(ms, 10)

	if err := ctx.Err(); err != nil {
		return err
	}
	log.Trace().Str("cmd", cmd).Msg("modem command")
	if _, err := io.WriteString(m.port, cmd+"\r\n"); err != nil {
		return fmt.Errorf("%w: write %q: %w", radio.ErrHardwareFault, cmd, err)
	}

	wake := time.Duration(ms)*time.Millisecond + m.cfg.CommandTimeout
	resp, err := m.readLine(ctx, wake, cmd)
	if errors.Is(err, errResponseTimeout) {
		// The modem may still be asleep; the caller logs and carries
		// on with the radio awake.
		return fmt.Errorf("modem did not confirm wake after %v sleep", d)
	}
	if err != nil {
		return err
	}
	if resp != "ok" {
		return respError(cmd, resp)
	}
	return nil
}
