package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"classlock/internal/clock"
	"classlock/internal/models"
	"classlock/internal/protocol"
	"classlock/internal/relay"
	"classlock/internal/websocket"
)

var errWrongPassword = errors.New("wrong password")

type joinEvent struct {
	connID string
	addr   string
	info   protocol.UserInfo
}

type fakeHandler struct {
	password string
	joins    chan joinEvent
	leaves   chan string

	mu     sync.Mutex
	onJoin func(connID string)
}

func newFakeHandler(password string) *fakeHandler {
	return &fakeHandler{
		password: password,
		joins:    make(chan joinEvent, 8),
		leaves:   make(chan string, 8),
	}
}

func (h *fakeHandler) Authorize(password string) error {
	if h.password != "" && password != h.password {
		return errWrongPassword
	}
	return nil
}

func (h *fakeHandler) Join(connID, addr string, info protocol.UserInfo) {
	h.mu.Lock()
	hook := h.onJoin
	h.mu.Unlock()
	if hook != nil {
		hook(connID)
	}
	h.joins <- joinEvent{connID: connID, addr: addr, info: info}
}

func (h *fakeHandler) setOnJoin(fn func(connID string)) {
	h.mu.Lock()
	h.onJoin = fn
	h.mu.Unlock()
}

func (h *fakeHandler) Leave(connID string) { h.leaves <- connID }

func (h *fakeHandler) nextJoin(t *testing.T) joinEvent {
	t.Helper()
	select {
	case j := <-h.joins:
		return j
	case <-time.After(3 * time.Second):
		t.Fatal("no join")
	}
	return joinEvent{}
}

func (h *fakeHandler) nextLeave(t *testing.T) string {
	t.Helper()
	select {
	case id := <-h.leaves:
		return id
	case <-time.After(3 * time.Second):
		t.Fatal("no leave")
	}
	return ""
}

func nextMessage(t *testing.T, c ClassConn) protocol.Frame {
	t.Helper()
	select {
	case f := <-c.Messages():
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("no message")
	}
	return protocol.Frame{}
}

var announcement = Announcement{SessionID: "s1", Teacher: "Ms. K", Class: "Math"}

func openLAN(t *testing.T, h Handler) (*lanHub, models.Candidate) {
	t.Helper()
	opener := NewLANOpener(0, nil, websocket.DefaultOptions(), zaptest.NewLogger(t))
	hub, err := opener.Open(context.Background(), announcement, h)
	require.NoError(t, err)
	t.Cleanup(func() { hub.Close() })

	lh := hub.(*lanHub)
	port := lh.addr.(*net.TCPAddr).Port
	return lh, models.Candidate{SessionID: "s1", Host: "127.0.0.1", Port: port}
}

func TestLAN_JoinSendAndLeave(t *testing.T) {
	h := newFakeHandler("")
	hub, cand := openLAN(t, h)

	dialer := NewLANDialer(websocket.DefaultOptions(), zaptest.NewLogger(t))
	conn, err := dialer.Dial(context.Background(), cand, protocol.UserInfo{Name: "Dana", Grade: "5"}, "")
	require.NoError(t, err)

	j := h.nextJoin(t)
	assert.Equal(t, "Dana", j.info.Name)
	assert.Equal(t, "5", j.info.Grade)
	assert.Equal(t, "127.0.0.1", j.addr)

	require.NoError(t, hub.SendTo(j.connID, protocol.EventLock, protocol.LockCommand{Timeout: 5}))
	f := nextMessage(t, conn)
	assert.Equal(t, protocol.EventLock, f.Event)
	var lock protocol.LockCommand
	require.NoError(t, f.Decode(&lock))
	assert.Equal(t, 5, lock.Timeout)

	require.NoError(t, hub.Broadcast(protocol.EventUnlock, nil))
	assert.Equal(t, protocol.EventUnlock, nextMessage(t, conn).Event)

	assert.ErrorIs(t, hub.SendTo("nobody", protocol.EventKick, nil), ErrUnknownConn)

	conn.Close()
	assert.Equal(t, j.connID, h.nextLeave(t))
}

func TestLAN_KickThenDisconnectDeliversKick(t *testing.T) {
	h := newFakeHandler("")
	hub, cand := openLAN(t, h)

	conn, err := NewLANDialer(websocket.DefaultOptions(), zaptest.NewLogger(t)).
		Dial(context.Background(), cand, protocol.UserInfo{Name: "Dana", Grade: "5"}, "")
	require.NoError(t, err)
	j := h.nextJoin(t)

	require.NoError(t, hub.SendTo(j.connID, protocol.EventKick, nil))
	require.NoError(t, hub.Disconnect(j.connID))

	assert.Equal(t, protocol.EventKick, nextMessage(t, conn).Event)
	select {
	case <-conn.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("participant connection was not closed")
	}
	h.nextLeave(t)
}

func TestLAN_PasswordGate(t *testing.T) {
	h := newFakeHandler("x")
	_, cand := openLAN(t, h)
	dialer := NewLANDialer(websocket.DefaultOptions(), zaptest.NewLogger(t))

	_, err := dialer.Dial(context.Background(), cand, protocol.UserInfo{Name: "Dana", Grade: "5"}, "wrong")
	assert.ErrorIs(t, err, ErrAuth)
	select {
	case <-h.joins:
		t.Fatal("rejected attempt must not join")
	default:
	}

	conn, err := dialer.Dial(context.Background(), cand, protocol.UserInfo{Name: "Dana", Grade: "5"}, "x")
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "Dana", h.nextJoin(t).info.Name)
}

func TestLAN_CloseDropsParticipants(t *testing.T) {
	h := newFakeHandler("")
	hub, cand := openLAN(t, h)

	conn, err := NewLANDialer(websocket.DefaultOptions(), zaptest.NewLogger(t)).
		Dial(context.Background(), cand, protocol.UserInfo{Name: "Dana", Grade: "5"}, "")
	require.NoError(t, err)
	h.nextJoin(t)

	require.NoError(t, hub.Close())
	select {
	case <-conn.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("connection survived hub close")
	}
}

func startRelay(t *testing.T) string {
	t.Helper()
	g := relay.NewGateway("test", relay.NewMemoryDirectory(), nil, zap.NewNop())
	s := relay.NewServer(g, websocket.DefaultOptions(), zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	t.Cleanup(func() {
		s.Shutdown()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func discoverOne(t *testing.T, d *RelayDiscovery) models.Candidate {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan models.Candidate, 4)
	go d.Run(ctx, out)
	select {
	case c := <-out:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no candidate from relay")
	}
	return models.Candidate{}
}

func TestRelay_EndToEnd(t *testing.T) {
	url := startRelay(t)
	log := zaptest.NewLogger(t)
	opts := websocket.DefaultOptions()

	h := newFakeHandler("x")
	secured := announcement
	secured.IsSecured = true
	hub, err := NewRelayOpener(url, 7*time.Second, opts, clock.Real(), log).Open(context.Background(), secured, h)
	require.NoError(t, err)
	defer hub.Close()

	client := NewRelayClient(url, opts, log)
	defer client.Close()

	cand := discoverOne(t, NewRelayDiscovery(client, time.Second, clock.Real(), log))
	assert.True(t, cand.ViaRelay())
	assert.Equal(t, "Math", cand.Class)
	assert.Equal(t, "s1", cand.SessionID)
	assert.True(t, cand.IsSecured)
	assert.NotEmpty(t, cand.RelayID)

	dialer := NewRelayDialer(client, 7*time.Second, clock.Real(), log)
	info := protocol.UserInfo{Name: "Dana", Grade: "5"}

	_, err = dialer.Dial(context.Background(), cand, info, "nope")
	require.ErrorIs(t, err, ErrAuth)

	// a lock-all that lands while the join is being recorded must reach
	// the newcomer
	h.setOnJoin(func(string) {
		assert.NoError(t, hub.Broadcast(protocol.EventLock, protocol.LockCommand{Timeout: 5}))
	})
	conn, err := dialer.Dial(context.Background(), cand, info, "x")
	require.NoError(t, err)
	j := h.nextJoin(t)
	assert.Equal(t, "relay", j.addr)
	assert.Equal(t, "Dana", j.info.Name)
	assert.Empty(t, j.info.Password, "the password does not leave the transport")

	f := nextMessage(t, conn)
	assert.Equal(t, protocol.EventLock, f.Event)

	require.NoError(t, hub.SendTo(j.connID, protocol.EventUnlock, nil))
	assert.Equal(t, protocol.EventUnlock, nextMessage(t, conn).Event)

	require.NoError(t, hub.Broadcast(protocol.EventUnlock, nil))
	assert.Equal(t, protocol.EventUnlock, nextMessage(t, conn).Event)

	conn.Close()
	assert.Equal(t, j.connID, h.nextLeave(t))
}

func TestRelay_DuplicateClassRejected(t *testing.T) {
	url := startRelay(t)
	log := zaptest.NewLogger(t)
	opener := NewRelayOpener(url, 7*time.Second, websocket.DefaultOptions(), clock.Real(), log)

	first, err := opener.Open(context.Background(), announcement, newFakeHandler(""))
	require.NoError(t, err)
	defer first.Close()

	_, err = opener.Open(context.Background(), announcement, newFakeHandler(""))
	assert.ErrorIs(t, err, ErrRejected)
}

func TestRelay_RegistrationTimeout(t *testing.T) {
	// a relay that accepts the socket and never answers
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Upgrade(w, r)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	clk := clock.Fake(time.Unix(0, 0))
	opener := NewRelayOpener("ws"+strings.TrimPrefix(srv.URL, "http"), 7*time.Second,
		websocket.DefaultOptions(), clk, zaptest.NewLogger(t))

	errc := make(chan error, 1)
	go func() {
		_, err := opener.Open(context.Background(), announcement, newFakeHandler(""))
		errc <- err
	}()

	clk.WaitForTimers(1)
	clk.Advance(7 * time.Second)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrRegistrationTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("Open did not give up")
	}
}

func TestRelay_DialCountsAgainstRegistrationTimeout(t *testing.T) {
	// accepts the TCP connection but never answers the handshake
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	clk := clock.Fake(time.Unix(0, 0))
	opener := NewRelayOpener("ws"+strings.TrimPrefix(srv.URL, "http"), 7*time.Second,
		websocket.DefaultOptions(), clk, zaptest.NewLogger(t))

	errc := make(chan error, 1)
	go func() {
		_, err := opener.Open(context.Background(), announcement, newFakeHandler(""))
		errc <- err
	}()

	clk.WaitForTimers(1)
	clk.Advance(7 * time.Second)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrRegistrationTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("Open outlived the registration timeout while dialing")
	}
}

func TestRelay_JoinUnknownController(t *testing.T) {
	url := startRelay(t)
	log := zaptest.NewLogger(t)
	client := NewRelayClient(url, websocket.DefaultOptions(), log)
	defer client.Close()

	dialer := NewRelayDialer(client, 7*time.Second, clock.Real(), log)
	_, err := dialer.Dial(context.Background(), models.Candidate{Host: protocol.RelayHost, RelayID: "test.gone"},
		protocol.UserInfo{Name: "Dana", Grade: "5"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "controller not found")
}

func TestAutoDialerPicksTransport(t *testing.T) {
	lan, rel := &countingDialer{}, &countingDialer{}
	d := AutoDialer{LAN: lan, Relay: rel}

	d.Dial(context.Background(), models.Candidate{Host: "10.0.0.2", Port: 3000}, protocol.UserInfo{}, "")
	d.Dial(context.Background(), models.Candidate{Host: protocol.RelayHost, RelayID: "r"}, protocol.UserInfo{}, "")
	d.Dial(context.Background(), models.Candidate{Host: protocol.RelayHost, RelayID: "r"}, protocol.UserInfo{}, "")

	assert.Equal(t, 1, lan.calls)
	assert.Equal(t, 2, rel.calls)

	_, err := AutoDialer{LAN: lan}.Dial(context.Background(), models.Candidate{Host: protocol.RelayHost}, protocol.UserInfo{}, "")
	assert.Error(t, err)
}

type countingDialer struct{ calls int }

func (d *countingDialer) Dial(context.Context, models.Candidate, protocol.UserInfo, string) (ClassConn, error) {
	d.calls++
	return nil, errors.New("not dialing")
}
