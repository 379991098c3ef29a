package rcon

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reforgermon/reforgermon/internal/events"
)

// fakeServer is a loopback BattlEye endpoint. It answers logins with
// loginReply and records every other decoded frame.
type fakeServer struct {
	t          *testing.T
	conn       *net.UDPConn
	loginReply []byte
	frames     chan Frame

	mu     sync.Mutex
	client *net.UDPAddr
}

func newFakeServer(t *testing.T, loginResult byte) *fakeServer {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	reply, err := encodeFrame(PacketLogin, 0, []byte{loginResult})
	require.NoError(t, err)

	s := &fakeServer{
		t:          t,
		conn:       conn,
		loginReply: reply,
		frames:     make(chan Frame, 512),
	}
	go s.serve()
	t.Cleanup(func() { conn.Close() })
	return s
}

func (s *fakeServer) serve() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		f, err := Decode(buf[:n])
		if err != nil {
			continue
		}

		s.mu.Lock()
		s.client = addr
		reply := s.loginReply
		s.mu.Unlock()

		if f.Type == PacketLogin {
			if reply != nil {
				s.conn.WriteToUDP(reply, addr)
			}
			continue
		}
		s.frames <- f
	}
}

func (s *fakeServer) port() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

func (s *fakeServer) send(t PacketType, seq byte, payload []byte) {
	s.t.Helper()
	data, err := encodeFrame(t, seq, payload)
	require.NoError(s.t, err)
	s.sendRaw(data)
}

func (s *fakeServer) sendRaw(data []byte) {
	s.mu.Lock()
	addr := s.client
	s.mu.Unlock()
	require.NotNil(s.t, addr, "no client has contacted the server")
	_, err := s.conn.WriteToUDP(data, addr)
	require.NoError(s.t, err)
}

func (s *fakeServer) nextFrame() Frame {
	s.t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		s.t.Fatal("timed out waiting for a frame from the client")
		return Frame{}
	}
}

func (s *fakeServer) assertNoFrame() {
	s.t.Helper()
	select {
	case f := <-s.frames:
		s.t.Fatalf("unexpected %s frame seq=%d payload=%q", f.Type, f.Sequence, f.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(_ context.Context, e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) ofType(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) messages() []events.RconMessagePayload {
	var out []events.RconMessagePayload
	for _, e := range r.ofType(events.EventRconMessage) {
		out = append(out, e.Payload.(events.RconMessagePayload))
	}
	return out
}

// testOptions disables the real-time monitor ticker so tests drive tick().
func testOptions(clock Clock) Options {
	opts := DefaultOptions()
	opts.TickInterval = time.Hour
	opts.LoginTimeout = time.Second
	opts.Clock = clock
	return opts
}

func connectClient(t *testing.T, srv *fakeServer, clock Clock) (*Client, *recorder) {
	t.Helper()
	rec := &recorder{}
	c := NewClient(Credentials{Host: "127.0.0.1", Port: srv.port(), Password: "secret"}, testOptions(clock), rec)

	result, err := c.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, ConnectionSuccess, result)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c, rec
}

func TestClientSuccessfulSession(t *testing.T) {
	srv := newFakeServer(t, 0x01)
	c, rec := connectClient(t, srv, newFakeClock())

	assert.Equal(t, StateConnected, c.State())
	require.Len(t, rec.ofType(events.EventRconConnected), 1)

	id, err := c.Submit("players")
	require.NoError(t, err)
	assert.Equal(t, 0, id)

	f := srv.nextFrame()
	assert.Equal(t, PacketCommand, f.Type)
	assert.Equal(t, byte(0), f.Sequence)
	assert.Equal(t, "players", f.Text())
	assert.Equal(t, 1, c.Status().Outstanding)

	srv.send(PacketCommand, 0, []byte("<player list>"))

	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := rec.messages()[0]
	assert.Equal(t, "<player list>", msg.Text)
	assert.Equal(t, 0, msg.ID)
	assert.False(t, msg.Notification)
	assert.Equal(t, 0, c.Status().Outstanding)
}

func TestClientInvalidLogin(t *testing.T) {
	srv := newFakeServer(t, 0x00)
	rec := &recorder{}
	c := NewClient(Credentials{Host: "127.0.0.1", Port: srv.port(), Password: "wrong"}, testOptions(newFakeClock()), rec)

	result, err := c.Connect(context.Background())
	assert.Equal(t, InvalidLogin, result)
	assert.ErrorIs(t, err, ErrInvalidLogin)
	assert.Empty(t, rec.ofType(events.EventRconConnected))
	assert.Equal(t, StateDisconnected, c.State())

	_, err = c.Submit("players")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClientLoginTimeout(t *testing.T) {
	srv := newFakeServer(t, 0x01)
	srv.mu.Lock()
	srv.loginReply = nil
	srv.mu.Unlock()

	opts := testOptions(newFakeClock())
	opts.LoginTimeout = 100 * time.Millisecond
	rec := &recorder{}
	c := NewClient(Credentials{Host: "127.0.0.1", Port: srv.port(), Password: "secret"}, opts, rec)

	result, err := c.Connect(context.Background())
	assert.Equal(t, ConnectionFailed, result)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.Empty(t, rec.ofType(events.EventRconConnected))
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClientConnectWithCancelledContext(t *testing.T) {
	srv := newFakeServer(t, 0x01)
	rec := &recorder{}
	c := NewClient(Credentials{Host: "127.0.0.1", Port: srv.port(), Password: "secret"}, testOptions(newFakeClock()), rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := c.Connect(ctx)
	assert.Equal(t, ConnectionFailed, result)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, rec.ofType(events.EventRconConnected))

	srv.mu.Lock()
	contacted := srv.client != nil
	srv.mu.Unlock()
	assert.False(t, contacted, "no login is sent")
}

func TestClientCancelDuringLoginReturnsPromptly(t *testing.T) {
	srv := newFakeServer(t, 0x01)
	srv.mu.Lock()
	srv.loginReply = nil
	srv.mu.Unlock()

	opts := testOptions(newFakeClock())
	opts.LoginTimeout = 10 * time.Second
	c := NewClient(Credentials{Host: "127.0.0.1", Port: srv.port(), Password: "secret"}, opts, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	result, err := c.Connect(ctx)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, ConnectionFailed, result)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClientDisconnectInterruptsLogin(t *testing.T) {
	srv := newFakeServer(t, 0x01)
	srv.mu.Lock()
	srv.loginReply = nil
	srv.mu.Unlock()

	opts := testOptions(newFakeClock())
	opts.LoginTimeout = 10 * time.Second
	rec := &recorder{}
	c := NewClient(Credentials{Host: "127.0.0.1", Port: srv.port(), Password: "secret"}, opts, rec)

	type outcome struct {
		result ConnectionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := c.Connect(context.Background())
		done <- outcome{r, err}
	}()

	require.Eventually(t, func() bool { return c.State() == StateAwaitingLoginReply }, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, c.Disconnect())

	select {
	case o := <-done:
		assert.Equal(t, ConnectionFailed, o.result)
		assert.ErrorIs(t, o.err, ErrConnectionFailed)
	case <-time.After(3 * time.Second):
		t.Fatal("Connect still blocked in login after Disconnect")
	}
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, rec.ofType(events.EventRconConnected))
}

func TestClientLoginWrongReplyType(t *testing.T) {
	srv := newFakeServer(t, 0x01)
	reply, err := encodeFrame(PacketCommand, 0, []byte{0x01})
	require.NoError(t, err)
	srv.mu.Lock()
	srv.loginReply = reply
	srv.mu.Unlock()

	c := NewClient(Credentials{Host: "127.0.0.1", Port: srv.port(), Password: "secret"}, testOptions(newFakeClock()), nil)

	result, err := c.Connect(context.Background())
	assert.Equal(t, ConnectionFailed, result)
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestClientIdleSessionSendsKeepAlivesThenTimesOut(t *testing.T) {
	srv := newFakeServer(t, 0x01)
	clock := newFakeClock()
	c, rec := connectClient(t, srv, clock)

	heartbeats := 0
	lostAt := -1
	for step := 1; step <= 100; step++ {
		clock.Advance(250 * time.Millisecond)
		if c.tick() {
			lostAt = step
			break
		}
	}
	require.Equal(t, 80, lostAt, "connection lost after 20s of silence")

	for {
		select {
		case f := <-srv.frames:
			if f.Type == PacketCommand && len(f.Payload) == 0 {
				heartbeats++
			}
			continue
		case <-time.After(200 * time.Millisecond):
		}
		break
	}
	assert.Equal(t, 3, heartbeats, "keep-alives at 5s, 10s and 15s")

	disconnects := rec.ofType(events.EventRconDisconnected)
	require.Len(t, disconnects, 1)
	assert.Equal(t, string(ReasonConnectionLost), disconnects[0].Payload.(events.RconDisconnectedPayload).Reason)
	assert.Equal(t, StateDisconnected, c.State())

	// Further ticks are no-ops and emit nothing.
	clock.Advance(time.Minute)
	assert.False(t, c.tick())
	assert.Len(t, rec.ofType(events.EventRconDisconnected), 1)

	assert.ErrorIs(t, c.Disconnect(), ErrNotConnected)
}

func TestClientKeepAliveSuppressedWhileCommandsOutstanding(t *testing.T) {
	srv := newFakeServer(t, 0x01)
	clock := newFakeClock()
	c, _ := connectClient(t, srv, clock)

	_, err := c.Submit("players")
	require.NoError(t, err)
	srv.nextFrame()

	// Only retransmits of seq 0 are expected, never an empty keep-alive.
	for i := 0; i < 24; i++ {
		clock.Advance(250 * time.Millisecond)
		require.False(t, c.tick())
	}
	for {
		select {
		case f := <-srv.frames:
			assert.Equal(t, "players", f.Text())
			assert.Equal(t, byte(0), f.Sequence)
			continue
		case <-time.After(200 * time.Millisecond):
		}
		break
	}
}

func TestClientRetransmitsOldestOutstandingCommand(t *testing.T) {
	srv := newFakeServer(t, 0x01)
	clock := newFakeClock()
	c, rec := connectClient(t, srv, clock)

	first, err := c.Submit("players")
	require.NoError(t, err)
	second, err := c.Submit("missions")
	require.NoError(t, err)
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
	srv.nextFrame()
	srv.nextFrame()

	clock.Advance(time.Second)
	c.tick()
	srv.assertNoFrame()

	clock.Advance(time.Second)
	c.tick()
	f := srv.nextFrame()
	assert.Equal(t, byte(0), f.Sequence)
	assert.Equal(t, "players", f.Text())

	// The head has had its one resend.
	clock.Advance(5 * time.Second)
	c.tick()
	srv.assertNoFrame()

	srv.send(PacketCommand, 0, []byte("player list"))
	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// A datagram arrived since the last tick, so this pass holds back.
	c.tick()
	srv.assertNoFrame()

	c.tick()
	f = srv.nextFrame()
	assert.Equal(t, byte(1), f.Sequence)
	assert.Equal(t, "missions", f.Text())
	assert.Equal(t, 1, c.Status().Outstanding)
}

func TestClientResendsSilentHeadOnce(t *testing.T) {
	srv := newFakeServer(t, 0x01)
	clock := newFakeClock()
	c, _ := connectClient(t, srv, clock)

	_, err := c.Submit("players")
	require.NoError(t, err)
	srv.nextFrame()

	for i := 0; i < 72; i++ {
		clock.Advance(250 * time.Millisecond)
		require.False(t, c.tick())
	}

	resends := 0
	for {
		select {
		case f := <-srv.frames:
			require.Equal(t, byte(0), f.Sequence)
			require.Equal(t, "players", f.Text())
			resends++
			continue
		case <-time.After(200 * time.Millisecond):
		}
		break
	}
	assert.Equal(t, 1, resends)
	assert.Equal(t, 1, c.Status().Outstanding)
}

func TestClientAcknowledgesServerMessages(t *testing.T) {
	srv := newFakeServer(t, 0x01)
	c, rec := connectClient(t, srv, newFakeClock())
	_ = c

	srv.send(PacketAcknowledge, 5, []byte("Player #1 John connected"))

	ack := srv.nextFrame()
	assert.Equal(t, PacketAcknowledge, ack.Type)
	assert.Equal(t, byte(5), ack.Sequence)
	assert.Empty(t, ack.Payload)

	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := rec.messages()[0]
	assert.Equal(t, "Player #1 John connected", msg.Text)
	assert.Equal(t, events.ServerMessageID, msg.ID)
	assert.True(t, msg.Notification)

	// A resent server message is acknowledged again but surfaced once.
	srv.send(PacketAcknowledge, 5, []byte("Player #1 John connected"))
	ack = srv.nextFrame()
	assert.Equal(t, byte(5), ack.Sequence)
	srv.assertNoFrame()
	assert.Len(t, rec.messages(), 1)
}

func TestClientReassemblesMultipartReply(t *testing.T) {
	srv := newFakeServer(t, 0x01)
	c, rec := connectClient(t, srv, newFakeClock())

	id, err := c.Submit("players")
	require.NoError(t, err)
	srv.nextFrame()

	seq := byte(id)
	srv.send(PacketCommand, seq, append([]byte{0x00, 3, 0}, "one "...))
	srv.send(PacketCommand, seq, append([]byte{0x00, 3, 1}, "two "...))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.messages(), "no partial message is emitted")
	assert.Equal(t, 1, c.Status().Outstanding)

	srv.send(PacketCommand, seq, append([]byte{0x00, 3, 2}, "three"...))

	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "one two three", rec.messages()[0].Text)
	assert.Equal(t, 0, c.Status().Outstanding)
}

func TestClientDropsCorruptFrames(t *testing.T) {
	srv := newFakeServer(t, 0x01)
	c, rec := connectClient(t, srv, newFakeClock())

	_, err := c.Submit("players")
	require.NoError(t, err)
	srv.nextFrame()

	corrupt, err := encodeFrame(PacketCommand, 0, []byte("tampered"))
	require.NoError(t, err)
	corrupt[len(corrupt)-1] ^= 0xFF
	srv.sendRaw(corrupt)
	srv.sendRaw([]byte("BE"))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.messages())
	assert.Equal(t, 1, c.Status().Outstanding)

	srv.send(PacketCommand, 0, []byte("intact"))
	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "intact", rec.messages()[0].Text)
}

func TestClientManualDisconnect(t *testing.T) {
	srv := newFakeServer(t, 0x01)
	rec := &recorder{}
	c := NewClient(Credentials{Host: "127.0.0.1", Port: srv.port(), Password: "secret"}, testOptions(newFakeClock()), rec)

	assert.ErrorIs(t, c.Disconnect(), ErrNotConnected)

	result, err := c.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, ConnectionSuccess, result)

	_, err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConnected)

	_, err = c.Submit("players")
	require.NoError(t, err)

	require.NoError(t, c.Disconnect())
	assert.Equal(t, StateDisconnected, c.State())

	disconnects := rec.ofType(events.EventRconDisconnected)
	require.Len(t, disconnects, 1)
	payload := disconnects[0].Payload.(events.RconDisconnectedPayload)
	assert.Equal(t, string(ReasonManual), payload.Reason)
	assert.Equal(t, 1, payload.Dropped)

	_, err = c.Submit("players")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Disconnect(), ErrNotConnected)
}

func TestClientAutoReconnectAfterLoss(t *testing.T) {
	srv := newFakeServer(t, 0x01)
	clock := newFakeClock()
	rec := &recorder{}
	opts := testOptions(clock)
	opts.AutoReconnect = true
	opts.ReconnectDelay = 10 * time.Millisecond
	c := NewClient(Credentials{Host: "127.0.0.1", Port: srv.port(), Password: "secret"}, opts, rec)

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect() })

	clock.Advance(21 * time.Second)
	require.True(t, c.tick())

	assert.Equal(t, StateConnected, c.State())
	assert.Len(t, rec.ofType(events.EventRconConnected), 2)
	require.Len(t, rec.ofType(events.EventRconDisconnected), 1)

	// Sequence numbering restarts with the new session.
	id, err := c.Submit("players")
	require.NoError(t, err)
	assert.Equal(t, 0, id)
}

func TestClientReconnectGivesUp(t *testing.T) {
	srv := newFakeServer(t, 0x01)
	clock := newFakeClock()
	rec := &recorder{}
	opts := testOptions(clock)
	opts.AutoReconnect = true
	opts.ReconnectAttempts = 2
	opts.ReconnectDelay = 10 * time.Millisecond
	opts.LoginTimeout = 50 * time.Millisecond
	c := NewClient(Credentials{Host: "127.0.0.1", Port: srv.port(), Password: "secret"}, opts, rec)

	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	srv.mu.Lock()
	srv.loginReply = nil
	srv.mu.Unlock()

	clock.Advance(21 * time.Second)
	require.True(t, c.tick())

	assert.Equal(t, StateDisconnected, c.State())
	disconnects := rec.ofType(events.EventRconDisconnected)
	require.Len(t, disconnects, 2)
	assert.Equal(t, string(ReasonConnectionLost), disconnects[0].Payload.(events.RconDisconnectedPayload).Reason)
	assert.Equal(t, string(ReasonConnectionFailed), disconnects[1].Payload.(events.RconDisconnectedPayload).Reason)
	assert.Equal(t, string(ReasonConnectionFailed), c.Status().LastReason)
}
