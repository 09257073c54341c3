package participant

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"classlock/internal/clock"
	"classlock/internal/models"
	"classlock/internal/protocol"
	"classlock/internal/session"
	"classlock/internal/transport"
	"classlock/internal/websocket"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestClassroomOverLAN(t *testing.T) {
	log := zaptest.NewLogger(t)
	port := freePort(t)

	teacherClock := clock.Fake(time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC))
	mgr := session.NewManager(transport.NewLANOpener(port, nil, websocket.DefaultOptions(), log), teacherClock, log)
	info, err := mgr.Start(context.Background(), session.StartRequest{
		ClassName:      "Math",
		TeacherName:    "Ms. K",
		Password:       "secret",
		TimeoutMinutes: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Stop() })

	studentClock := clock.Fake(time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC))
	source := newFakeSource()
	screen := &fakeScreen{}
	status := &statusLog{}
	client := NewClient(source, transport.NewLANDialer(websocket.DefaultOptions(), log), screen, studentClock, log, Config{}, status)
	t.Cleanup(client.Stop)

	require.NoError(t, client.StartDiscovery())
	source.feed <- models.Candidate{
		SessionID: info.ID,
		Teacher:   "Ms. K",
		Class:     "Math",
		Host:      "127.0.0.1",
		Port:      port,
		IsSecured: true,
		LastSeen:  studentClock.Now(),
	}
	require.Eventually(t, func() bool { return len(client.Candidates()) == 1 }, wait, tick)

	dana := protocol.UserInfo{Name: "Dana", Grade: "5"}
	key := models.StudentKey("Dana", "5")

	// a wrong password never reaches the roster
	err = client.ConnectToClass(context.Background(), info.ID, dana, "guess")
	require.ErrorIs(t, err, transport.ErrAuth)
	assert.Empty(t, mgr.Roster())

	require.NoError(t, client.ConnectToClass(context.Background(), info.ID, dana, "secret"))
	require.Eventually(t, func() bool {
		roster := mgr.Roster()
		return len(roster) == 1 && roster[0].Key == key && roster[0].Connected()
	}, wait, tick)

	// lock reaches the student with the session timeout
	require.NoError(t, mgr.LockAll())
	require.Eventually(t, client.Locked, wait, tick)
	assert.Equal(t, []time.Duration{5 * time.Minute}, screen.timeouts())

	// the fail-safe unlocks locally even though the controller never does
	studentClock.Advance(5 * time.Minute)
	assert.False(t, client.Locked())
	assert.Equal(t, models.ConnActive, status.last())

	require.NoError(t, mgr.KickStudent(key))
	require.Eventually(t, func() bool { return client.State() == StateKicked }, wait, tick)
	require.Eventually(t, func() bool {
		roster := mgr.Roster()
		return len(roster) == 1 && roster[0].Status == models.StatusDisconnected
	}, wait, tick)

	require.NoError(t, client.Acknowledge())
	assert.Equal(t, StateDiscovering, client.State())
}
