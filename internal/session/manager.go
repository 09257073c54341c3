// Package session runs the controller side of a class: the roster, the
// password gate, lock state and the auto-unlock timers. Manager is the
// only writer of any of it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"classlock/internal/clock"
	"classlock/internal/metrics"
	"classlock/internal/models"
	"classlock/internal/protocol"
	"classlock/internal/transport"
)

var (
	ErrAlreadyRunning = errors.New("a session is already running")
	ErrNotRunning     = errors.New("no session is running")
	ErrUnknownStudent = errors.New("unknown student")
	ErrNotConnected   = errors.New("student is not connected")
	ErrWrongPassword  = errors.New("incorrect password")
	ErrInvalidRequest = errors.New("invalid session request")
)

// DefaultTimeoutMinutes is the auto-unlock timeout when none is given.
const DefaultTimeoutMinutes = 60

type StartRequest struct {
	ClassName      string `json:"className"`
	TeacherName    string `json:"teacherName"`
	Password       string `json:"password"`
	TimeoutMinutes int    `json:"timeout"`
}

// Notifier observes the manager. It is always called without the
// manager's lock held.
type Notifier interface {
	RosterChanged(roster []models.Participant)
	Log(entry models.LogEntry)
}

type nopNotifier struct{}

func (nopNotifier) RosterChanged([]models.Participant) {}
func (nopNotifier) Log(models.LogEntry)                {}

// lockTimer is an armed auto-unlock. gen tells a firing callback whether
// it is still the current timer.
type lockTimer struct {
	timer *clock.Timer
	gen   uint64
}

type state struct {
	info         models.SessionInfo
	passwordHash []byte
	hub          transport.Hub
	ready        bool

	globalLock  bool
	globalTimer lockTimer

	roster map[string]*models.Participant
	byConn map[string]string
	timers map[string]lockTimer
	gen    uint64
}

func (st *state) nextGen() uint64 {
	st.gen++
	return st.gen
}

func (st *state) timeout() time.Duration {
	return time.Duration(st.info.TimeoutMinutes) * time.Minute
}

func (st *state) stopTimers() {
	st.globalTimer.timer.Stop()
	st.globalTimer = lockTimer{}
	for key, t := range st.timers {
		t.timer.Stop()
		delete(st.timers, key)
	}
}

type Manager struct {
	opener    transport.Opener
	clock     clock.Clock
	log       *zap.Logger
	notifier  Notifier
	kickGrace time.Duration
	cost      int

	// defaultTimeout replaces a missing or non-positive start timeout.
	defaultTimeout int

	mu      sync.Mutex
	session *state
}

type Option func(*Manager)

func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithKickGrace sets how long Shutdown waits between kicking everyone
// and tearing the session down.
func WithKickGrace(d time.Duration) Option {
	return func(m *Manager) { m.kickGrace = d }
}

// WithDefaultTimeout sets the auto-unlock minutes used when a start
// request gives none.
func WithDefaultTimeout(minutes int) Option {
	return func(m *Manager) {
		if minutes > 0 {
			m.defaultTimeout = minutes
		}
	}
}

func NewManager(opener transport.Opener, clk clock.Clock, log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		opener:    opener,
		clock:     clk,
		log:       log.Named("session"),
		notifier:  nopNotifier{},
		kickGrace: 500 * time.Millisecond,
		cost:      bcrypt.DefaultCost,

		defaultTimeout: DefaultTimeoutMinutes,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start opens a new session on the configured transport. When the
// transport cannot be opened nothing is left behind.
func (m *Manager) Start(ctx context.Context, req StartRequest) (models.SessionInfo, error) {
	req.ClassName = strings.TrimSpace(req.ClassName)
	req.TeacherName = strings.TrimSpace(req.TeacherName)
	if req.ClassName == "" || req.TeacherName == "" {
		return models.SessionInfo{}, fmt.Errorf("%w: class name and teacher name are required", ErrInvalidRequest)
	}
	if req.TimeoutMinutes <= 0 {
		req.TimeoutMinutes = m.defaultTimeout
	}

	var hash []byte
	if req.Password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(req.Password), m.cost)
		if err != nil {
			return models.SessionInfo{}, fmt.Errorf("hash password: %w", err)
		}
		hash = h
	}

	st := &state{
		info: models.SessionInfo{
			ID:             uuid.NewString(),
			TeacherName:    req.TeacherName,
			ClassName:      req.ClassName,
			IsSecured:      hash != nil,
			TimeoutMinutes: req.TimeoutMinutes,
			StartedAt:      m.clock.Now(),
		},
		passwordHash: hash,
		roster:       make(map[string]*models.Participant),
		byConn:       make(map[string]string),
		timers:       make(map[string]lockTimer),
	}

	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		return models.SessionInfo{}, ErrAlreadyRunning
	}
	m.session = st
	m.mu.Unlock()

	hub, err := m.opener.Open(ctx, transport.Announcement{
		SessionID: st.info.ID,
		Teacher:   st.info.TeacherName,
		Class:     st.info.ClassName,
		IsSecured: st.info.IsSecured,
	}, &handler{m: m, st: st})

	m.mu.Lock()
	if err != nil {
		if m.session == st {
			m.session = nil
		}
		m.mu.Unlock()
		m.log.Warn("session start failed", zap.String("class", req.ClassName), zap.Error(err))
		m.emit(models.LogError, "Could not start session: %v", err)
		return models.SessionInfo{}, fmt.Errorf("start session: %w", err)
	}
	if m.session != st {
		// stopped while the transport was opening
		m.mu.Unlock()
		hub.Close()
		return models.SessionInfo{}, ErrNotRunning
	}
	st.hub = hub
	st.ready = true
	info := st.info
	m.mu.Unlock()

	m.log.Info("session started",
		zap.String("session_id", info.ID),
		zap.String("class", info.ClassName),
		zap.Bool("secured", info.IsSecured),
		zap.Int("timeout_minutes", info.TimeoutMinutes),
	)
	m.emit(models.LogInfo, "Session started: %s", info.ClassName)
	m.notifyRoster(nil)
	return info, nil
}

// Stop tears the session down. It is safe to call when nothing runs.
func (m *Manager) Stop() error {
	m.mu.Lock()
	st := m.session
	if st == nil {
		m.mu.Unlock()
		return nil
	}
	m.session = nil
	st.stopTimers()
	hub := st.hub
	m.mu.Unlock()

	var err error
	if hub != nil {
		err = hub.Close()
	}
	m.log.Info("session stopped", zap.String("session_id", st.info.ID))
	m.emit(models.LogInfo, "Session stopped")
	m.notifyRoster(nil)
	return err
}

// Shutdown kicks everyone, gives the kick a moment to go out and stops.
func (m *Manager) Shutdown(ctx context.Context) error {
	if err := m.KickAll(); err != nil {
		if errors.Is(err, ErrNotRunning) {
			return nil
		}
		return err
	}
	select {
	case <-m.clock.After(m.kickGrace):
	case <-ctx.Done():
	}
	return m.Stop()
}

// current returns the running session. Callers hold m.mu.
func (m *Manager) current() (*state, error) {
	if m.session == nil || !m.session.ready {
		return nil, ErrNotRunning
	}
	return m.session, nil
}

func (m *Manager) Session() (models.SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.current()
	if err != nil {
		return models.SessionInfo{}, err
	}
	info := st.info
	info.Locked = st.globalLock
	return info, nil
}

// Roster returns every participant seen this session, sorted by key.
func (m *Manager) Roster() []models.Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return []models.Participant{}
	}
	return snapshot(m.session)
}

func (m *Manager) Attendance() []models.AttendanceRecord {
	now := m.clock.Now()
	roster := m.Roster()
	out := make([]models.AttendanceRecord, 0, len(roster))
	for _, p := range roster {
		out = append(out, models.AttendanceRecord{
			Key:        p.Key,
			Name:       p.Name,
			Grade:      p.Grade,
			Status:     p.Status,
			DurationMS: p.Attendance(now).Milliseconds(),
		})
	}
	return out
}

func snapshot(st *state) []models.Participant {
	out := make([]models.Participant, 0, len(st.roster))
	for _, p := range st.roster {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (m *Manager) LockAll() error {
	m.mu.Lock()
	st, err := m.current()
	if err != nil {
		m.mu.Unlock()
		return err
	}

	st.globalLock = true
	st.globalTimer.timer.Stop()
	gen := st.nextGen()
	st.globalTimer = lockTimer{
		gen:   gen,
		timer: m.clock.AfterFunc(st.timeout(), func() { m.globalExpired(st, gen) }),
	}
	for _, p := range st.roster {
		if p.Connected() {
			p.Status = models.StatusLocked
		}
	}
	hub, minutes, roster := st.hub, st.info.TimeoutMinutes, snapshot(st)
	m.mu.Unlock()

	m.broadcast(hub, protocol.EventLock, protocol.LockCommand{Timeout: minutes})
	m.emit(models.LogInfo, "Locked all students for %d minutes", minutes)
	m.notifyRoster(roster)
	return nil
}

func (m *Manager) UnlockAll() error {
	m.mu.Lock()
	st, err := m.current()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.unlockAllLocked(st)
	hub, roster := st.hub, snapshot(st)
	m.mu.Unlock()

	m.broadcast(hub, protocol.EventUnlock, nil)
	m.emit(models.LogInfo, "Unlocked all students")
	m.notifyRoster(roster)
	return nil
}

func (m *Manager) unlockAllLocked(st *state) {
	st.globalLock = false
	st.stopTimers()
	for _, p := range st.roster {
		if p.Connected() {
			p.Status = models.StatusActive
		}
	}
}

func (m *Manager) globalExpired(st *state, gen uint64) {
	m.mu.Lock()
	if m.session != st || !st.globalLock || st.globalTimer.gen != gen {
		m.mu.Unlock()
		return
	}
	m.unlockAllLocked(st)
	hub, roster := st.hub, snapshot(st)
	m.mu.Unlock()

	m.log.Info("lock timeout reached, unlocking everyone")
	m.broadcast(hub, protocol.EventUnlock, nil)
	m.emit(models.LogInfo, "Lock time expired, all students unlocked")
	m.notifyRoster(roster)
}

// connected looks up a participant that can receive a command. Callers
// hold m.mu.
func (m *Manager) connected(key string) (*state, *models.Participant, error) {
	st, err := m.current()
	if err != nil {
		return nil, nil, err
	}
	p, ok := st.roster[key]
	if !ok {
		return nil, nil, ErrUnknownStudent
	}
	if !p.Connected() {
		return nil, nil, ErrNotConnected
	}
	return st, p, nil
}

// LockStudent locks one participant and arms its own auto-unlock,
// replacing any earlier one.
func (m *Manager) LockStudent(key string) error {
	m.mu.Lock()
	st, p, err := m.connected(key)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	st.timers[key].timer.Stop()
	gen := st.nextGen()
	st.timers[key] = lockTimer{
		gen:   gen,
		timer: m.clock.AfterFunc(st.timeout(), func() { m.studentExpired(st, key, gen) }),
	}
	p.Status = models.StatusLocked
	hub, connID, minutes, roster := st.hub, p.ConnectionID, st.info.TimeoutMinutes, snapshot(st)
	m.mu.Unlock()

	m.send(hub, connID, protocol.EventLock, protocol.LockCommand{Timeout: minutes})
	m.emit(models.LogInfo, "Locked %s", p.Name)
	m.notifyRoster(roster)
	return nil
}

func (m *Manager) UnlockStudent(key string) error {
	m.mu.Lock()
	st, p, err := m.connected(key)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.unlockStudentLocked(st, key, p)
	hub, connID, roster := st.hub, p.ConnectionID, snapshot(st)
	m.mu.Unlock()

	m.send(hub, connID, protocol.EventUnlock, nil)
	m.emit(models.LogInfo, "Unlocked %s", p.Name)
	m.notifyRoster(roster)
	return nil
}

func (m *Manager) unlockStudentLocked(st *state, key string, p *models.Participant) {
	st.timers[key].timer.Stop()
	delete(st.timers, key)
	p.Status = models.StatusActive
}

func (m *Manager) studentExpired(st *state, key string, gen uint64) {
	m.mu.Lock()
	t, armed := st.timers[key]
	p := st.roster[key]
	if m.session != st || !armed || t.gen != gen || p == nil || p.Status != models.StatusLocked {
		m.mu.Unlock()
		return
	}
	m.unlockStudentLocked(st, key, p)
	hub, connID, name, roster := st.hub, p.ConnectionID, p.Name, snapshot(st)
	m.mu.Unlock()

	m.send(hub, connID, protocol.EventUnlock, nil)
	m.emit(models.LogInfo, "Lock time expired for %s", name)
	m.notifyRoster(roster)
}

// KickStudent tells the participant to leave and drops its connection
// where the transport can. The roster entry turns disconnected once the
// transport reports the loss.
func (m *Manager) KickStudent(key string) error {
	m.mu.Lock()
	st, p, err := m.connected(key)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	hub, connID, name := st.hub, p.ConnectionID, p.Name
	m.mu.Unlock()

	m.send(hub, connID, protocol.EventKick, nil)
	if err := hub.Disconnect(connID); err != nil {
		m.log.Debug("disconnect after kick", zap.String("conn", connID), zap.Error(err))
	}
	m.emit(models.LogWarning, "Kicked %s", name)
	return nil
}

func (m *Manager) KickAll() error {
	m.mu.Lock()
	st, err := m.current()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	var conns []string
	for _, p := range st.roster {
		if p.Connected() {
			conns = append(conns, p.ConnectionID)
		}
	}
	hub := st.hub
	m.mu.Unlock()

	m.broadcast(hub, protocol.EventKick, nil)
	for _, id := range conns {
		if err := hub.Disconnect(id); err != nil {
			m.log.Debug("disconnect after kick", zap.String("conn", id), zap.Error(err))
		}
	}
	m.emit(models.LogWarning, "Kicked all students")
	return nil
}

func (m *Manager) join(st *state, connID, addr string, info protocol.UserInfo) {
	info.Name = strings.TrimSpace(info.Name)
	info.Grade = strings.TrimSpace(info.Grade)
	if info.Name == "" {
		m.log.Debug("ignoring join without a name", zap.String("conn", connID))
		return
	}
	key := models.StudentKey(info.Name, info.Grade)
	now := m.clock.Now()

	m.mu.Lock()
	if m.session != st {
		m.mu.Unlock()
		return
	}

	p, returning := st.roster[key]
	if !returning {
		p = &models.Participant{Key: key, Name: info.Name, Grade: info.Grade}
		st.roster[key] = p
	}
	if p.ConnectionID != connID {
		if p.ConnectionID != "" {
			// the old connection has not been reported gone yet
			delete(st.byConn, p.ConnectionID)
			if p.ConnectedAt != nil {
				p.TotalDuration += now.Sub(*p.ConnectedAt)
			}
		}
		connectedAt := now
		p.ConnectedAt = &connectedAt
	}
	p.ConnectionID = connID
	p.Address = addr
	p.LastSeen = now
	st.byConn[connID] = key

	_, lockedAlone := st.timers[key]
	relock := st.globalLock || lockedAlone
	if relock {
		p.Status = models.StatusLocked
	} else {
		p.Status = models.StatusActive
	}
	hub, minutes, roster := st.hub, st.info.TimeoutMinutes, snapshot(st)
	m.mu.Unlock()

	if relock {
		m.send(hub, connID, protocol.EventLock, protocol.LockCommand{Timeout: minutes})
	}

	m.log.Info("student joined",
		zap.String("key", key),
		zap.String("conn", connID),
		zap.String("addr", addr),
		zap.Bool("returning", returning),
	)
	if returning {
		m.emit(models.LogInfo, "%s (%s) reconnected", info.Name, info.Grade)
	} else {
		m.emit(models.LogInfo, "%s (%s) joined", info.Name, info.Grade)
	}
	m.notifyRoster(roster)
}

func (m *Manager) leave(st *state, connID string) {
	now := m.clock.Now()

	m.mu.Lock()
	if m.session != st {
		m.mu.Unlock()
		return
	}
	key, ok := st.byConn[connID]
	if !ok {
		m.mu.Unlock()
		m.log.Debug("disconnect from unknown connection", zap.String("conn", connID))
		return
	}
	delete(st.byConn, connID)

	p := st.roster[key]
	if p.ConnectedAt != nil {
		p.TotalDuration += now.Sub(*p.ConnectedAt)
	}
	p.ConnectedAt = nil
	p.ConnectionID = ""
	p.Status = models.StatusDisconnected
	p.LastSeen = now
	st.timers[key].timer.Stop()
	delete(st.timers, key)
	name, roster := p.Name, snapshot(st)
	m.mu.Unlock()

	m.log.Info("student left", zap.String("key", key), zap.String("conn", connID))
	m.emit(models.LogWarning, "%s disconnected", name)
	m.notifyRoster(roster)
}

func (m *Manager) authorize(st *state, password string) error {
	m.mu.Lock()
	if m.session != st {
		m.mu.Unlock()
		return ErrNotRunning
	}
	hash := st.passwordHash
	m.mu.Unlock()

	if hash == nil {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		m.log.Info("rejected connection with wrong password")
		m.emit(models.LogWarning, "Connection attempt with incorrect password rejected")
		return ErrWrongPassword
	}
	return nil
}

func (m *Manager) send(hub transport.Hub, connID, event string, payload any) {
	if hub == nil {
		return
	}
	if err := hub.SendTo(connID, event, payload); err != nil {
		metrics.SendFailures.Inc()
		m.log.Warn("send failed", zap.String("conn", connID), zap.String("event", event), zap.Error(err))
		return
	}
	metrics.CommandsSent.WithLabelValues(event).Inc()
}

func (m *Manager) broadcast(hub transport.Hub, event string, payload any) {
	if hub == nil {
		return
	}
	if err := hub.Broadcast(event, payload); err != nil {
		metrics.SendFailures.Inc()
		m.log.Warn("broadcast failed", zap.String("event", event), zap.Error(err))
		return
	}
	metrics.CommandsSent.WithLabelValues(event).Inc()
}

func (m *Manager) emit(kind models.LogType, format string, args ...any) {
	m.notifier.Log(models.LogEntry{
		Timestamp: m.clock.Now(),
		Message:   fmt.Sprintf(format, args...),
		Type:      kind,
	})
}

func (m *Manager) notifyRoster(roster []models.Participant) {
	if roster == nil {
		roster = []models.Participant{}
	}
	counts := map[models.ParticipantStatus]int{}
	for _, p := range roster {
		counts[p.Status]++
	}
	for _, s := range []models.ParticipantStatus{models.StatusActive, models.StatusLocked, models.StatusDisconnected} {
		metrics.RosterParticipants.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	m.notifier.RosterChanged(roster)
}

// handler binds transport callbacks to one session so late callbacks
// from a stopped session are ignored.
type handler struct {
	m  *Manager
	st *state
}

func (h *handler) Authorize(password string) error { return h.m.authorize(h.st, password) }

func (h *handler) Join(connID, addr string, info protocol.UserInfo) {
	h.m.join(h.st, connID, addr, info)
}

func (h *handler) Leave(connID string) { h.m.leave(h.st, connID) }
