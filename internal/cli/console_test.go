package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reforgermon/reforgermon/internal/events"
	"github.com/reforgermon/reforgermon/internal/rcon"
	"github.com/reforgermon/reforgermon/internal/sysinfo"
)

type fakeSession struct {
	mu           sync.Mutex
	connectErr   error
	sent         []string
	disconnected bool
}

func (f *fakeSession) Connect(ctx context.Context) (rcon.ConnectionResult, error) {
	if f.connectErr != nil {
		return rcon.InvalidLogin, f.connectErr
	}
	return rcon.ConnectionSuccess, nil
}

func (f *fakeSession) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	return nil
}

func (f *fakeSession) Submit(text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return len(f.sent) - 1, nil
}

func (f *fakeSession) Status() rcon.Status {
	return rcon.Status{State: "connected", Addr: "127.0.0.1:2302", Outstanding: 2}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestRunSendsCommandsAndHandlesVerbs(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	session := &fakeSession{}
	out := &syncBuffer{}
	in := strings.NewReader("status\nsay -1 hello\n\nplayers\nquit\nnever sent\n")

	c := NewConsole(session, bus, nil, in, out)
	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, []string{"say -1 hello", "players"}, session.sent)
	assert.True(t, session.disconnected)
	assert.Contains(t, out.String(), "127.0.0.1:2302")
	assert.Contains(t, out.String(), "→ #0 sent")

	c.mu.Lock()
	assert.True(t, c.tables[1], "players reply is rendered as a table")
	c.mu.Unlock()
}

func TestRunReportsConnectFailure(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	c := NewConsole(&fakeSession{connectErr: rcon.ErrInvalidLogin}, bus, nil, strings.NewReader(""), &syncBuffer{})
	err := c.Run(context.Background())
	assert.ErrorIs(t, err, rcon.ErrInvalidLogin)
}

func TestHandleEventFormatting(t *testing.T) {
	out := &syncBuffer{}
	c := NewConsole(&fakeSession{}, events.NewEventBus(), nil, strings.NewReader(""), out)
	ctx := context.Background()

	require.NoError(t, c.handleEvent(ctx, events.Event{Payload: events.RconConnectedPayload{Host: "10.0.0.1", Port: 2302}}))
	require.NoError(t, c.handleEvent(ctx, events.Event{Payload: events.RconMessagePayload{Text: "RCon admin #0 logged in", ID: events.ServerMessageID, Notification: true}}))
	require.NoError(t, c.handleEvent(ctx, events.Event{Payload: events.RconMessagePayload{Text: "done", ID: 4}}))
	require.NoError(t, c.handleEvent(ctx, events.Event{Payload: events.RconDisconnectedPayload{Reason: "connection lost", Dropped: 2}}))

	got := out.String()
	assert.Contains(t, got, "[connected] 10.0.0.1:2302\n")
	assert.Contains(t, got, "[server] RCon admin #0 logged in\n")
	assert.Contains(t, got, "[#4] done\n")
	assert.Contains(t, got, "[disconnected] connection lost (2 commands dropped)\n")
}

func TestPlayersReplyRendersTable(t *testing.T) {
	out := &syncBuffer{}
	c := NewConsole(&fakeSession{}, events.NewEventBus(), nil, strings.NewReader(""), out)
	c.tables[3] = true

	list := "Players on server:\n[#] [IP Address]:[Port] [Ping] [GUID] [Name]\n---\n" +
		"0   192.168.1.20:2304     31   1f3870be274f6c49b3e31a0c6728957f(OK) Alice\n" +
		"(1 players in total)"
	require.NoError(t, c.handleEvent(context.Background(), events.Event{Payload: events.RconMessagePayload{Text: list, ID: 3}}))

	got := out.String()
	assert.Contains(t, got, "Alice")
	assert.Contains(t, got, "192.168.1.20:2304")
	assert.NotContains(t, got, "[#3]")
	assert.Empty(t, c.tables)
}

type stubMetrics struct {
	err error
}

func (s stubMetrics) OSMetrics(ctx context.Context) (sysinfo.OSData, error) {
	return sysinfo.OSData{FPS: 59.9, OverallCPUUsage: 12.5, PerCoreCPUUsage: map[string]float64{"Core 0": 10}}, s.err
}

func TestMetricsVerb(t *testing.T) {
	out := &syncBuffer{}
	c := NewConsole(&fakeSession{}, events.NewEventBus(), stubMetrics{}, strings.NewReader(""), out)
	_, err := c.execute(context.Background(), "metrics")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "59.9")
	assert.Contains(t, out.String(), "Core 0")

	c.metrics = stubMetrics{err: errors.New("down")}
	_, err = c.execute(context.Background(), "metrics")
	assert.Error(t, err)

	c.metrics = nil
	_, err = c.execute(context.Background(), "metrics")
	assert.Error(t, err)
}

func TestBackendClientOSMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "/api/data/osmetrics", r.URL.Path)
		_ = json.NewEncoder(w).Encode(sysinfo.OSData{FPS: 42, ActivePlayers: 3})
	}))
	defer srv.Close()

	data, err := NewBackendClient(srv.URL+"/", "admin", "pw").OSMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42.0, data.FPS)
	assert.Equal(t, 3, data.ActivePlayers)

	_, err = NewBackendClient(srv.URL, "", "").OSMetrics(context.Background())
	assert.Error(t, err)
}
