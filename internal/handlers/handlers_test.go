package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"classlock/internal/clock"
	"classlock/internal/models"
	"classlock/internal/participant"
	"classlock/internal/protocol"
	"classlock/internal/session"
	"classlock/internal/transport"
)

// ─── Fakes ───

type fakeHub struct {
	mu     sync.Mutex
	events []string
	closed bool
}

func (h *fakeHub) SendTo(_, event string, _ any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return nil
}

func (h *fakeHub) Broadcast(event string, _ any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return nil
}

func (h *fakeHub) Disconnect(string) error { return nil }

func (h *fakeHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHub) sent() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

type fakeOpener struct {
	hub     *fakeHub
	handler transport.Handler
}

func (o *fakeOpener) Open(_ context.Context, _ transport.Announcement, h transport.Handler) (transport.Hub, error) {
	o.hub = &fakeHub{}
	o.handler = h
	return o.hub, nil
}

type staticSource struct {
	candidates []models.Candidate
}

func (s staticSource) Run(ctx context.Context, out chan<- models.Candidate) error {
	for _, c := range s.candidates {
		select {
		case out <- c:
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

type idleConn struct {
	done chan struct{}
	once sync.Once
}

func (c *idleConn) Messages() <-chan protocol.Frame { return nil }
func (c *idleConn) Done() <-chan struct{}           { return c.done }
func (c *idleConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

type fakeDialer struct {
	err error
}

func (d fakeDialer) Dial(context.Context, models.Candidate, protocol.UserInfo, string) (transport.ClassConn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return &idleConn{done: make(chan struct{})}, nil
}

type nopScreen struct{}

func (nopScreen) Lock(participant.LockRequest) {}
func (nopScreen) Unlock()                      {}

// ─── Helpers ───

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "req-1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) models.APIError {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp.Error
}

func newSessionRouter(t *testing.T) (http.Handler, *fakeOpener) {
	t.Helper()
	opener := &fakeOpener{}
	m := session.NewManager(opener, clock.Real(), zaptest.NewLogger(t), session.WithKickGrace(0))
	t.Cleanup(func() { m.Stop() })
	h := NewSessionHandler(m)

	r := chi.NewRouter()
	r.Get("/session", h.Get)
	r.Post("/session/start", h.Start)
	r.Post("/session/stop", h.Stop)
	r.Get("/students", h.ListStudents)
	r.Get("/attendance", h.Attendance)
	r.Post("/students/lock-all", h.LockAll)
	r.Post("/students/unlock-all", h.UnlockAll)
	r.Post("/students/kick-all", h.KickAll)
	r.Post("/students/{key}/lock", h.LockStudent)
	r.Post("/students/{key}/unlock", h.UnlockStudent)
	r.Post("/students/{key}/kick", h.KickStudent)
	return r, opener
}

var mathClass = session.StartRequest{ClassName: "Math", TeacherName: "Ms. K", TimeoutMinutes: 5}

// ─── Session Handler Tests ───

func TestSessionHandler_StartAndGet(t *testing.T) {
	r, _ := newSessionRouter(t)

	rr := do(t, r, http.MethodPost, "/session/start", mathClass)
	require.Equal(t, http.StatusCreated, rr.Code)
	var info models.SessionInfo
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&info))
	assert.Equal(t, "Math", info.ClassName)
	assert.Equal(t, 5, info.TimeoutMinutes)
	assert.NotEmpty(t, info.ID)

	rr = do(t, r, http.MethodGet, "/session", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got models.SessionInfo
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.Equal(t, info.ID, got.ID)
}

func TestSessionHandler_StartErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   interface{}
		status int
		code   string
	}{
		{"malformed body", "{", http.StatusBadRequest, "VALIDATION_ERROR"},
		{"missing class", session.StartRequest{TeacherName: "Ms. K"}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"missing teacher", session.StartRequest{ClassName: "Math"}, http.StatusBadRequest, "VALIDATION_ERROR"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := newSessionRouter(t)
			rr := do(t, r, http.MethodPost, "/session/start", tc.body)
			assert.Equal(t, tc.status, rr.Code)
			apiErr := decodeError(t, rr)
			assert.Equal(t, tc.code, apiErr.Code)
			assert.Equal(t, "req-1", apiErr.RequestID)
		})
	}
}

func TestSessionHandler_StartTwiceConflicts(t *testing.T) {
	r, _ := newSessionRouter(t)
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/session/start", mathClass).Code)

	rr := do(t, r, http.MethodPost, "/session/start", mathClass)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "CONFLICT", decodeError(t, rr).Code)
}

func TestSessionHandler_CommandsWithoutSession(t *testing.T) {
	r, _ := newSessionRouter(t)

	for _, path := range []string{"/students/lock-all", "/students/unlock-all", "/students/kick-all", "/students/Dana_5/lock"} {
		rr := do(t, r, http.MethodPost, path, nil)
		assert.Equal(t, http.StatusConflict, rr.Code, path)
		assert.Equal(t, "INVALID_STATE", decodeError(t, rr).Code, path)
	}

	rr := do(t, r, http.MethodGet, "/session", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, r, http.MethodGet, "/students", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"students":[]}`, rr.Body.String())
}

func TestSessionHandler_StudentCommands(t *testing.T) {
	r, opener := newSessionRouter(t)
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/session/start", mathClass).Code)
	opener.handler.Join("c1", "10.0.0.5", protocol.UserInfo{Name: "Dana", Grade: "5"})

	rr := do(t, r, http.MethodPost, "/students/Nobody_1/lock", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rr).Code)

	assert.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/students/Dana_5/lock", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/students/Dana_5/unlock", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/students/lock-all", nil).Code)
	assert.Equal(t, []string{protocol.EventLock, protocol.EventUnlock, protocol.EventLock}, opener.hub.sent())

	rr = do(t, r, http.MethodGet, "/students", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Students []models.Participant `json:"students"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&list))
	require.Len(t, list.Students, 1)
	assert.Equal(t, "Dana_5", list.Students[0].Key)
	assert.Equal(t, models.StatusLocked, list.Students[0].Status)

	rr = do(t, r, http.MethodGet, "/attendance", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var report struct {
		Attendance []models.AttendanceRecord `json:"attendance"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&report))
	require.Len(t, report.Attendance, 1)
	assert.Equal(t, "Dana", report.Attendance[0].Name)
}

func TestSessionHandler_StopKicksAndCloses(t *testing.T) {
	r, opener := newSessionRouter(t)
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/session/start", mathClass).Code)
	opener.handler.Join("c1", "10.0.0.5", protocol.UserInfo{Name: "Dana", Grade: "5"})

	assert.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/session/stop", nil).Code)
	assert.Contains(t, opener.hub.sent(), protocol.EventKick)
	assert.True(t, opener.hub.closed)

	assert.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/session/stop", nil).Code, "stop is idempotent")
}

// ─── Student Handler Tests ───

func newStudentRouter(t *testing.T, dialer transport.Dialer, candidates ...models.Candidate) (http.Handler, *participant.Client) {
	t.Helper()
	c := participant.NewClient(staticSource{candidates: candidates}, dialer, nopScreen{}, clock.Real(), zaptest.NewLogger(t), participant.Config{CandidateTTL: time.Hour}, nil)
	t.Cleanup(c.Stop)
	h := NewStudentHandler(c)

	r := chi.NewRouter()
	r.Get("/candidates", h.Candidates)
	r.Post("/discover", h.Discover)
	r.Post("/connect", h.Connect)
	r.Post("/acknowledge", h.Acknowledge)
	r.Post("/disconnect", h.Disconnect)
	r.Get("/status", h.Status)
	return r, c
}

var lanClass = models.Candidate{SessionID: "s1", Teacher: "Ms. K", Class: "Math", Host: "10.0.0.2", Port: 3000}

func discover(t *testing.T, r http.Handler, c *participant.Client) {
	t.Helper()
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/discover", nil).Code)
	require.Eventually(t, func() bool { return len(c.Candidates()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestStudentHandler_ConnectValidation(t *testing.T) {
	r, _ := newStudentRouter(t, fakeDialer{})

	rr := do(t, r, http.MethodPost, "/connect", map[string]string{"class": "s1"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	apiErr := decodeError(t, rr)
	assert.Equal(t, "VALIDATION_ERROR", apiErr.Code)
	assert.Equal(t, map[string]string{"name": "required", "grade": "required"}, apiErr.Fields)

	rr = do(t, r, http.MethodPost, "/connect", map[string]string{"class": "gone", "name": "Dana", "grade": "5"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStudentHandler_ConnectAndStatus(t *testing.T) {
	r, c := newStudentRouter(t, fakeDialer{}, lanClass)
	discover(t, r, c)

	rr := do(t, r, http.MethodGet, "/candidates", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Candidates []models.Candidate `json:"candidates"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&list))
	require.Len(t, list.Candidates, 1)
	assert.Equal(t, "Math", list.Candidates[0].Class)

	rr = do(t, r, http.MethodPost, "/connect", map[string]string{"class": "s1", "name": "Dana", "grade": "5"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"state":"connected","locked":false}`, rr.Body.String())

	rr = do(t, r, http.MethodPost, "/connect", map[string]string{"class": "s1", "name": "Dana", "grade": "5"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, r, http.MethodPost, "/disconnect", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"state":"discovering","locked":false}`, rr.Body.String())
}

func TestStudentHandler_WrongPassword(t *testing.T) {
	r, c := newStudentRouter(t, fakeDialer{err: transport.ErrAuth}, lanClass)
	discover(t, r, c)

	rr := do(t, r, http.MethodPost, "/connect", map[string]string{"class": "s1", "name": "Dana", "grade": "5", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeError(t, rr).Code)
	assert.Equal(t, participant.StateIdle, c.State())
}

func TestStudentHandler_AcknowledgeWithoutKick(t *testing.T) {
	r, _ := newStudentRouter(t, fakeDialer{})
	rr := do(t, r, http.MethodPost, "/acknowledge", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "INVALID_STATE", decodeError(t, rr).Code)

	rr = do(t, r, http.MethodGet, "/status", nil)
	assert.JSONEq(t, `{"state":"idle","locked":false}`, rr.Body.String())
}
