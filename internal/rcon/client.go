package rcon

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/reforgermon/reforgermon/internal/events"
)

// Session errors.
var (
	ErrNotConnected     = errors.New("rcon: not connected")
	ErrAlreadyConnected = errors.New("rcon: session already active")
	ErrConnectionFailed = errors.New("rcon: connection failed")
	ErrInvalidLogin     = errors.New("rcon: invalid login")
)

// ConnectionResult is the outcome of a Connect call.
type ConnectionResult int

const (
	ConnectionSuccess ConnectionResult = iota
	ConnectionFailed
	InvalidLogin
)

func (r ConnectionResult) String() string {
	switch r {
	case ConnectionSuccess:
		return "success"
	case ConnectionFailed:
		return "connection failed"
	case InvalidLogin:
		return "invalid login"
	default:
		return "unknown"
	}
}

// DisconnectReason explains why a session ended.
type DisconnectReason string

const (
	ReasonManual           DisconnectReason = "manual"
	ReasonConnectionLost   DisconnectReason = "connection lost"
	ReasonConnectionFailed DisconnectReason = "connection failed"
)

// State is the session lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingLoginReply
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingLoginReply:
		return "awaiting_login_reply"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Credentials identify the remote console endpoint.
type Credentials struct {
	Host     string
	Port     int
	Password string
}

// Addr returns host:port.
func (c Credentials) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Clock supplies the time used for keep-alive and timeout decisions.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Publisher receives session events. *events.EventBus satisfies it.
type Publisher interface {
	Emit(ctx context.Context, event events.Event)
}

// Options tune the session. The zero value of a field falls back to
// DefaultOptions.
type Options struct {
	// AutoReconnect re-enters Connecting after a lost connection.
	AutoReconnect bool
	// ReconnectAttempts bounds consecutive connect attempts when recovering
	// from a lost connection.
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	LoginTimeout       time.Duration
	TickInterval       time.Duration
	KeepAliveInterval  time.Duration
	ServerTimeout      time.Duration
	RetransmitInterval time.Duration

	// SkipChecksumVerify accepts inbound frames without recomputing the CRC.
	SkipChecksumVerify bool

	Clock Clock
}

// DefaultOptions returns the standard BattlEye session timings.
func DefaultOptions() Options {
	return Options{
		AutoReconnect:      false,
		ReconnectAttempts:  100,
		ReconnectDelay:     time.Second,
		LoginTimeout:       5 * time.Second,
		TickInterval:       250 * time.Millisecond,
		KeepAliveInterval:  5 * time.Second,
		ServerTimeout:      20 * time.Second,
		RetransmitInterval: 2 * time.Second,
		Clock:              systemClock{},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = d.ReconnectAttempts
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = d.ReconnectDelay
	}
	if o.LoginTimeout <= 0 {
		o.LoginTimeout = d.LoginTimeout
	}
	if o.TickInterval <= 0 {
		o.TickInterval = d.TickInterval
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = d.KeepAliveInterval
	}
	if o.ServerTimeout <= 0 {
		o.ServerTimeout = d.ServerTimeout
	}
	if o.RetransmitInterval <= 0 {
		o.RetransmitInterval = d.RetransmitInterval
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	return o
}

// Status is a point-in-time view of the session.
type Status struct {
	State        string    `json:"state"`
	Addr         string    `json:"addr"`
	Outstanding  int       `json:"outstanding"`
	LastSent     time.Time `json:"last_sent"`
	LastReceived time.Time `json:"last_received"`
	LastReason   string    `json:"last_reason,omitempty"`
}

// Client is a BattlEye RCON session. Submit may be called from any
// goroutine; replies arrive asynchronously as EventRconMessage events.
type Client struct {
	creds     Credentials
	opts      Options
	publisher Publisher
	logger    zerolog.Logger

	mu    sync.Mutex
	conn  *net.UDPConn
	state State
	// dialing is the socket of a login in progress, closed by Disconnect.
	dialing *net.UDPConn

	lastSent     time.Time
	lastReceived time.Time
	// receivedSinceTick stands in for "inbound data pending": a retransmit
	// is skipped on the tick following any received datagram.
	receivedSinceTick bool

	queue *commandQueue
	asm   reassembler
	// lastServerSeq is the last server message sequence, or -1.
	lastServerSeq int

	manualStop bool
	// connecting is set while a connect or reconnect loop is running.
	connecting bool
	lastReason DisconnectReason

	// stopCh is closed when the current session's loops must exit.
	stopCh chan struct{}
	// abortCh wakes a sleeping reconnect loop on Disconnect.
	abortCh chan struct{}
	wg      sync.WaitGroup
}

// NewClient creates a client for the given endpoint. publisher may be nil.
func NewClient(creds Credentials, opts Options, publisher Publisher) *Client {
	return &Client{
		creds:         creds,
		opts:          opts.withDefaults(),
		publisher:     publisher,
		logger:        log.With().Str("component", "rcon").Str("addr", creds.Addr()).Logger(),
		queue:         newCommandQueue(),
		lastServerSeq: -1,
		abortCh:       make(chan struct{}),
	}
}

// Connect performs the login handshake. When the previous session ended with
// a lost connection, failed attempts are retried up to ReconnectAttempts
// times; otherwise a failure is reported immediately.
func (c *Client) Connect(ctx context.Context) (ConnectionResult, error) {
	if err := ctx.Err(); err != nil {
		return ConnectionFailed, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c.mu.Lock()
	if c.state != StateDisconnected || c.connecting {
		c.mu.Unlock()
		return ConnectionFailed, ErrAlreadyConnected
	}
	c.manualStop = false
	c.connecting = true
	c.abortCh = make(chan struct{})
	attempts := 1
	if c.lastReason == ReasonConnectionLost {
		attempts = c.opts.ReconnectAttempts
	}
	c.mu.Unlock()

	return c.connectWithRetry(ctx, attempts)
}

// connectWithRetry expects c.connecting to be set and clears it on return.
func (c *Client) connectWithRetry(ctx context.Context, attempts int) (ConnectionResult, error) {
	defer func() {
		c.mu.Lock()
		c.connecting = false
		if c.state != StateConnected {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
	}()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if c.stopping() {
			return ConnectionFailed, fmt.Errorf("%w: stopped", ErrConnectionFailed)
		}
		if err := ctx.Err(); err != nil {
			return ConnectionFailed, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}

		result, err := c.connectOnce(ctx)
		switch result {
		case ConnectionSuccess:
			return result, nil
		case InvalidLogin:
			return result, err
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Int("max", attempts).Msg("rcon connect attempt failed, retrying")
		c.setState(StateReconnecting)

		select {
		case <-ctx.Done():
			return ConnectionFailed, fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
		case <-c.abortChan():
			return ConnectionFailed, fmt.Errorf("%w: stopped", ErrConnectionFailed)
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
	return ConnectionFailed, lastErr
}

// connectOnce opens the socket and runs one login exchange.
func (c *Client) connectOnce(ctx context.Context) (ConnectionResult, error) {
	c.mu.Lock()
	if c.manualStop {
		c.mu.Unlock()
		return ConnectionFailed, fmt.Errorf("%w: stopped", ErrConnectionFailed)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	raddr, err := net.ResolveUDPAddr("udp", c.creds.Addr())
	if err != nil {
		c.setState(StateDisconnected)
		return ConnectionFailed, fmt.Errorf("%w: resolve %s: %v", ErrConnectionFailed, c.creds.Addr(), err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		c.setState(StateDisconnected)
		return ConnectionFailed, fmt.Errorf("%w: dial %s: %v", ErrConnectionFailed, raddr, err)
	}

	c.mu.Lock()
	if c.manualStop {
		c.state = StateDisconnected
		c.mu.Unlock()
		conn.Close()
		return ConnectionFailed, fmt.Errorf("%w: stopped", ErrConnectionFailed)
	}
	c.dialing = conn
	c.mu.Unlock()

	result, err := c.login(ctx, conn)

	c.mu.Lock()
	c.dialing = nil
	switch {
	case result != ConnectionSuccess:
	case c.manualStop:
		result, err = ConnectionFailed, fmt.Errorf("%w: stopped", ErrConnectionFailed)
	case ctx.Err() != nil:
		result, err = ConnectionFailed, fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	}
	if result != ConnectionSuccess {
		c.state = StateDisconnected
		c.mu.Unlock()
		conn.Close()
		return result, err
	}
	now := c.opts.Clock.Now()
	c.conn = conn
	c.state = StateConnected
	c.lastSent = now
	c.lastReceived = now
	c.receivedSinceTick = false
	c.queue.reset()
	c.asm.reset()
	c.lastServerSeq = -1
	c.lastReason = ""
	c.stopCh = make(chan struct{})
	stop := c.stopCh
	c.wg.Add(2)
	go c.receiveLoop(conn, stop)
	go c.monitorLoop(stop)
	c.mu.Unlock()

	c.logger.Info().Msg("rcon session established")
	c.emit(events.EventRconConnected, events.RconConnectedPayload{
		Host:   c.creds.Host,
		Port:   c.creds.Port,
		Result: ConnectionSuccess.String(),
	})
	return ConnectionSuccess, nil
}

func (c *Client) login(ctx context.Context, conn *net.UDPConn) (ConnectionResult, error) {
	frame, err := Encode(PacketLogin, 0, c.creds.Password)
	if err != nil {
		return ConnectionFailed, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	c.setState(StateAwaitingLoginReply)
	if _, err := conn.Write(frame); err != nil {
		return ConnectionFailed, fmt.Errorf("%w: send login: %v", ErrConnectionFailed, err)
	}
	c.logger.Debug().Msg("login frame sent")

	deadline := time.Now().Add(c.opts.LoginTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return ConnectionFailed, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// Cancelling ctx closes the socket to unblock the read.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buf := make([]byte, maxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ConnectionFailed, fmt.Errorf("%w: %w", ErrConnectionFailed, ctxErr)
		}
		return ConnectionFailed, fmt.Errorf("%w: awaiting login reply: %v", ErrConnectionFailed, err)
	}
	c.logger.Debug().Str("hex", hex.EncodeToString(buf[:n])).Msg("login reply received")

	f, err := c.decode(buf[:n])
	if err != nil {
		return ConnectionFailed, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	if f.Type != PacketLogin {
		return ConnectionFailed, fmt.Errorf("%w: unexpected %s reply to login", ErrConnectionFailed, f.Type)
	}
	if f.Payload[0] != 0x01 {
		c.logger.Warn().Msg("rcon login rejected")
		return InvalidLogin, ErrInvalidLogin
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return ConnectionFailed, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return ConnectionSuccess, nil
}

// Disconnect ends the session (or an in-progress reconnect) and emits a
// Disconnected event with reason "manual". No reconnect follows.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state == StateDisconnected && c.conn == nil && !c.connecting {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.manualStop = true
	select {
	case <-c.abortCh:
	default:
		close(c.abortCh)
	}
	if c.dialing != nil {
		c.dialing.Close()
	}
	dropped := c.teardownLocked()
	c.lastReason = ReasonManual
	c.state = StateDisconnected
	c.mu.Unlock()

	c.wg.Wait()

	c.logger.Info().Int("dropped", dropped).Msg("rcon session closed")
	c.emitDisconnected(ReasonManual, dropped)
	return nil
}

// Submit frames and sends a command, returning its sequence number. It does
// not wait for the reply.
func (c *Client) Submit(text string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected || c.conn == nil {
		return -1, ErrNotConnected
	}

	seq, err := c.queue.nextSequence()
	if err != nil {
		return -1, err
	}
	frame, err := Encode(PacketCommand, seq, text)
	if err != nil {
		return -1, err
	}

	now := c.opts.Clock.Now()
	c.queue.add(seq, text, now)
	if _, err := c.conn.Write(frame); err != nil {
		c.queue.retire(seq)
		return -1, fmt.Errorf("rcon: send command: %w", err)
	}
	c.lastSent = now

	c.logger.Debug().Uint8("seq", seq).Str("hex", hex.EncodeToString(frame)).Msg("command sent")
	return int(seq), nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot of the session for display.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:        c.state.String(),
		Addr:         c.creds.Addr(),
		Outstanding:  c.queue.len(),
		LastSent:     c.lastSent,
		LastReceived: c.lastReceived,
		LastReason:   string(c.lastReason),
	}
}

func (c *Client) receiveLoop(conn *net.UDPConn, stop <-chan struct{}) {
	defer c.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-stop:
				return
			default:
			}
			c.logger.Debug().Err(err).Msg("rcon read failed")
			continue
		}
		c.handleDatagram(buf[:n])
	}
}

// handleDatagram decodes and routes one inbound datagram.
func (c *Client) handleDatagram(data []byte) {
	f, err := c.decode(data)
	if err != nil {
		c.logger.Debug().Err(err).Str("hex", hex.EncodeToString(data)).Msg("dropping undecodable frame")
		return
	}

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	now := c.opts.Clock.Now()
	c.lastReceived = now
	c.receivedSinceTick = true

	var msg *events.RconMessagePayload
	switch f.Type {
	case PacketLogin:
		c.logger.Debug().Msg("ignoring login reply on established session")

	case PacketCommand:
		res := c.asm.feed(f)
		if res.desync {
			c.logger.Warn().Uint8("seq", f.Sequence).Msg("multi-part reply interrupted, partial message discarded")
		}
		if res.malformed {
			c.logger.Warn().Uint8("seq", f.Sequence).Msg("malformed multi-part header")
		}
		if res.complete {
			c.queue.retire(res.seq)
			if len(res.text) > 0 {
				msg = &events.RconMessagePayload{
					Text:       decodeText(res.text),
					ID:         int(res.seq),
					ReceivedAt: now,
				}
			}
		}

	case PacketAcknowledge:
		c.sendLocked(PacketAcknowledge, f.Sequence, "", now)
		if c.lastServerSeq != int(f.Sequence) {
			c.lastServerSeq = int(f.Sequence)
			msg = &events.RconMessagePayload{
				Text:         f.Text(),
				ID:           events.ServerMessageID,
				Notification: true,
				ReceivedAt:   now,
			}
		}
	}
	c.mu.Unlock()

	if msg != nil {
		c.emit(events.EventRconMessage, *msg)
	}
}

func (c *Client) monitorLoop(stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if c.tick() {
				return
			}
		}
	}
}

// tick runs one monitor pass and reports whether the session ended.
func (c *Client) tick() bool {
	dropped, lost, reconnect := c.checkSession()
	if !lost {
		return false
	}

	c.logger.Warn().Int("dropped", dropped).Msg("rcon connection lost")
	c.emitDisconnected(ReasonConnectionLost, dropped)

	if reconnect {
		c.reconnect()
	}
	return true
}

// checkSession applies the keep-alive, timeout and retransmit rules. When
// the connection is lost it also decides, under the same lock, whether the
// caller owns a reconnect.
func (c *Client) checkSession() (dropped int, lost, reconnect bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		return 0, false, false
	}

	now := c.opts.Clock.Now()
	idleSend := now.Sub(c.lastSent)
	idleRecv := now.Sub(c.lastReceived)

	if idleSend >= c.opts.KeepAliveInterval && idleRecv >= c.opts.ServerTimeout {
		dropped = c.teardownLocked()
		c.lastReason = ReasonConnectionLost
		c.state = StateDisconnected
		if c.opts.AutoReconnect && !c.manualStop {
			c.state = StateReconnecting
			c.connecting = true
		}
		return dropped, true, c.connecting
	}

	if idleSend >= c.opts.KeepAliveInterval && c.queue.len() == 0 {
		c.sendKeepAliveLocked(now)
	}

	if c.queue.len() > 0 && !c.receivedSinceTick {
		if cmd, ok := c.queue.dueForRetransmit(now, c.opts.RetransmitInterval); ok {
			frame, err := Encode(PacketCommand, cmd.seq, cmd.text)
			if err == nil {
				if _, err = c.conn.Write(frame); err == nil {
					// c.lastSent is left alone so loss is still detected
					// while a command is being retransmitted.
					c.queue.markResent(cmd, now)
					c.logger.Trace().Uint8("seq", cmd.seq).Int("resends", cmd.resends).Msg("command retransmitted")
				}
			}
			if err != nil {
				c.logger.Debug().Err(err).Uint8("seq", cmd.seq).Msg("retransmit failed")
			}
		}
	}
	c.receivedSinceTick = false
	return 0, false, false
}

// sendKeepAliveLocked sends an empty command. It consumes a sequence number
// but is not tracked in the outstanding table.
func (c *Client) sendKeepAliveLocked(now time.Time) {
	seq, err := c.queue.nextSequence()
	if err != nil {
		return
	}
	c.sendLocked(PacketCommand, seq, "", now)
	c.logger.Trace().Uint8("seq", seq).Msg("keep-alive sent")
}

func (c *Client) sendLocked(t PacketType, seq byte, payload string, now time.Time) {
	if c.conn == nil {
		return
	}
	frame, err := Encode(t, seq, payload)
	if err != nil {
		return
	}
	if _, err := c.conn.Write(frame); err != nil {
		c.logger.Debug().Err(err).Str("type", t.String()).Msg("send failed")
		return
	}
	c.lastSent = now
}

// reconnect is the auto-reconnect path taken after a lost connection.
func (c *Client) reconnect() {
	c.logger.Info().Int("attempts", c.opts.ReconnectAttempts).Msg("attempting rcon reconnect")

	result, err := c.connectWithRetry(context.Background(), c.opts.ReconnectAttempts)
	if result == ConnectionSuccess {
		return
	}

	c.mu.Lock()
	manual := c.manualStop
	if c.state != StateConnected {
		c.state = StateDisconnected
	}
	if !manual {
		c.lastReason = ReasonConnectionFailed
	}
	c.mu.Unlock()

	if manual {
		return
	}
	c.logger.Error().Err(err).Msg("rcon reconnect gave up")
	c.emitDisconnected(ReasonConnectionFailed, 0)
}

// teardownLocked stops the session loops, closes the socket and discards
// outstanding commands. It returns the number discarded.
func (c *Client) teardownLocked() int {
	if c.stopCh != nil {
		select {
		case <-c.stopCh:
		default:
			close(c.stopCh)
		}
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.asm.reset()
	return c.queue.reset()
}

func (c *Client) decode(data []byte) (Frame, error) {
	if c.opts.SkipChecksumVerify {
		return DecodeUnverified(data)
	}
	return Decode(data)
}

func (c *Client) stopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manualStop
}

func (c *Client) abortChan() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortCh
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) emitDisconnected(reason DisconnectReason, dropped int) {
	c.emit(events.EventRconDisconnected, events.RconDisconnectedPayload{
		Host:    c.creds.Host,
		Port:    c.creds.Port,
		Reason:  string(reason),
		Dropped: dropped,
	})
}

func (c *Client) emit(t events.EventType, payload interface{}) {
	if c.publisher == nil {
		return
	}
	c.publisher.Emit(context.Background(), events.Event{
		Type:    t,
		Source:  "rcon",
		Payload: payload,
	})
}
