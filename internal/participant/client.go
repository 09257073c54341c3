// Package participant runs the student side: discovery, joining a class
// and obeying lock commands, with a local fail-safe that unlocks even if
// the controller never does.
package participant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"classlock/internal/clock"
	"classlock/internal/discovery"
	"classlock/internal/metrics"
	"classlock/internal/models"
	"classlock/internal/protocol"
	"classlock/internal/transport"
)

type State string

const (
	StateIdle        State = "idle"
	StateDiscovering State = "discovering"
	StateConnecting  State = "connecting"
	StateConnected   State = "connected"
	StateKicked      State = "kicked"
)

const DefaultLockTimeout = 60 * time.Minute

var (
	ErrUnknownCandidate = errors.New("class not found")
	ErrBusy             = errors.New("already connected or connecting")
	ErrNotKicked        = errors.New("nothing to acknowledge")
	ErrStopped          = errors.New("client stopped")
)

// LockRequest tells the overlay who locked the machine and for how long.
type LockRequest struct {
	Teacher string
	Class   string
	Timeout time.Duration
}

// LockScreen is the overlay that blocks the machine.
type LockScreen interface {
	Lock(req LockRequest)
	Unlock()
}

// Observer receives UI-facing updates, without the client's lock held.
type Observer interface {
	Status(ev models.StatusEvent)
	CandidatesChanged(candidates []models.Candidate)
}

type nopObserver struct{}

func (nopObserver) Status(models.StatusEvent)            {}
func (nopObserver) CandidatesChanged([]models.Candidate) {}

type Config struct {
	// CandidateTTL drops candidates not refreshed for this long.
	CandidateTTL time.Duration
	// PruneInterval is how often expired candidates are dropped.
	PruneInterval time.Duration
	// LockTimeout applies when a lock command carries no usable timeout.
	LockTimeout time.Duration
	// SourceRetries is how many times a failed discovery source is
	// restarted before the client gives up and goes idle.
	SourceRetries uint64
}

type Client struct {
	source   discovery.Source
	dialer   transport.Dialer
	screen   LockScreen
	observer Observer
	clock    clock.Clock
	log      *zap.Logger
	cfg      Config

	mu         sync.Mutex
	state      State
	candidates *discovery.CandidateSet
	discovery  context.CancelFunc
	pruner     *clock.Ticker
	// sourceDone closes once the latest source goroutine has exited.
	sourceDone   chan struct{}
	discoveryGen uint64

	conn     transport.ClassConn
	connGen  uint64
	teacher  string
	class    string
	kicked   bool
	rejected bool

	locked   bool
	failsafe *clock.Timer
	lockGen  uint64
}

func NewClient(source discovery.Source, dialer transport.Dialer, screen LockScreen, clk clock.Clock, log *zap.Logger, cfg Config, observer Observer) *Client {
	if observer == nil {
		observer = nopObserver{}
	}
	if cfg.CandidateTTL <= 0 {
		cfg.CandidateTTL = 5 * time.Second
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Second
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.SourceRetries == 0 {
		cfg.SourceRetries = 3
	}
	return &Client{
		source:     source,
		dialer:     dialer,
		screen:     screen,
		observer:   observer,
		clock:      clk,
		log:        log.Named("participant"),
		cfg:        cfg,
		state:      StateIdle,
		candidates: discovery.NewCandidateSet(cfg.CandidateTTL),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Locked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked
}

func (c *Client) Candidates() []models.Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.candidates.List()
}

// StartDiscovery begins collecting candidates. It does nothing while
// already discovering and fails while a connection is up.
func (c *Client) StartDiscovery() error {
	c.mu.Lock()
	switch c.state {
	case StateDiscovering:
		c.mu.Unlock()
		return nil
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return ErrBusy
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.discovery = cancel
	c.pruner = c.clock.NewTicker(c.cfg.PruneInterval)
	c.state = StateDiscovering
	c.discoveryGen++
	gen := c.discoveryGen
	prev := c.sourceDone
	done := make(chan struct{})
	c.sourceDone = done
	found := make(chan models.Candidate, 16)
	go c.collect(ctx, found, c.pruner)
	c.mu.Unlock()

	c.status(models.ConnDiscovering, "Searching for classes")
	go c.runSource(ctx, gen, prev, done, found)
	return nil
}

// runSource runs the discovery source once the previous run has let go
// of its resources, restarting it with backoff when it fails. A source
// that keeps failing ends discovery and leaves the client idle.
func (c *Client) runSource(ctx context.Context, gen uint64, prev <-chan struct{}, done chan<- struct{}, found chan<- models.Candidate) {
	defer close(done)
	if prev != nil {
		// cancelled already; the UDP port is free once it returns
		<-prev
	}
	if ctx.Err() != nil {
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	strategy := backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.SourceRetries), ctx)

	err := backoff.RetryNotify(func() error {
		return c.source.Run(ctx, found)
	}, strategy, func(err error, next time.Duration) {
		c.log.Warn("discovery failed, retrying", zap.Duration("in", next), zap.Error(err))
	})
	if err == nil || ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	if gen != c.discoveryGen || c.state != StateDiscovering {
		c.mu.Unlock()
		return
	}
	c.stopDiscoveryLocked()
	c.state = StateIdle
	c.mu.Unlock()

	c.log.Error("discovery failed", zap.Error(err))
	c.status(models.ConnError, fmt.Sprintf("Discovery failed: %v", err))
}

func (c *Client) collect(ctx context.Context, found <-chan models.Candidate, pruner *clock.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case cand := <-found:
			c.mu.Lock()
			if ctx.Err() != nil {
				c.mu.Unlock()
				return
			}
			changed := c.candidates.Upsert(cand)
			list := c.candidates.List()
			c.mu.Unlock()
			if changed {
				c.observer.CandidatesChanged(list)
			}
		case now := <-pruner.C:
			c.mu.Lock()
			if ctx.Err() != nil {
				c.mu.Unlock()
				return
			}
			changed := c.candidates.Prune(now)
			list := c.candidates.List()
			c.mu.Unlock()
			if changed {
				c.observer.CandidatesChanged(list)
			}
		}
	}
}

// stopDiscoveryLocked ends the current discovery run. Callers hold c.mu.
func (c *Client) stopDiscoveryLocked() {
	if c.discovery != nil {
		c.discovery()
		c.discovery = nil
	}
	if c.pruner != nil {
		c.pruner.Stop()
		c.pruner = nil
	}
}

// ConnectToClass joins the candidate identified by key, its session id
// or host:port. Failure leaves the client idle; discovery does not
// restart on its own.
func (c *Client) ConnectToClass(ctx context.Context, key string, identity protocol.UserInfo, password string) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return ErrBusy
	}
	cand, ok := c.lookupLocked(key)
	if !ok {
		c.mu.Unlock()
		c.status(models.ConnError, "Class is no longer available")
		return ErrUnknownCandidate
	}
	c.stopDiscoveryLocked()
	c.state = StateConnecting
	c.connGen++
	gen := c.connGen
	c.mu.Unlock()

	c.status(models.ConnConnecting, fmt.Sprintf("Connecting to %s", cand.Class))
	conn, err := c.dialer.Dial(ctx, cand, identity, password)

	c.mu.Lock()
	if gen != c.connGen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrStopped
	}
	if err != nil {
		c.state = StateIdle
		c.mu.Unlock()
		c.log.Warn("connect failed", zap.String("class", cand.Class), zap.Error(err))
		if errors.Is(err, transport.ErrAuth) {
			c.status(models.ConnError, "Incorrect password")
		} else {
			c.status(models.ConnError, fmt.Sprintf("Connection failed: %v", err))
		}
		return err
	}
	c.conn = conn
	c.teacher = cand.Teacher
	c.class = cand.Class
	c.state = StateConnected
	c.mu.Unlock()

	c.log.Info("connected", zap.String("class", cand.Class), zap.Bool("relay", cand.ViaRelay()))
	c.status(models.ConnConnected, fmt.Sprintf("Connected to %s", cand.Class))
	go c.serve(conn, gen)
	return nil
}

func (c *Client) lookupLocked(key string) (models.Candidate, bool) {
	if cand, ok := c.candidates.Get(key); ok {
		return cand, true
	}
	for _, cand := range c.candidates.List() {
		if cand.Address() == key {
			return cand, true
		}
	}
	return models.Candidate{}, false
}

func (c *Client) serve(conn transport.ClassConn, gen uint64) {
	for {
		select {
		case f := <-conn.Messages():
			c.handle(gen, f)
		case <-conn.Done():
			// frames that beat the close still count
			for drained := false; !drained; {
				select {
				case f := <-conn.Messages():
					c.handle(gen, f)
				default:
					drained = true
				}
			}
			c.disconnected(gen)
			return
		}
	}
}

func (c *Client) handle(gen uint64, f protocol.Frame) {
	switch f.Event {
	case protocol.EventLock:
		var cmd protocol.LockCommand
		if err := f.Decode(&cmd); err != nil {
			c.log.Warn("bad lock command", zap.Error(err))
		}
		timeout := time.Duration(cmd.Timeout) * time.Minute
		if timeout <= 0 {
			timeout = c.cfg.LockTimeout
		}
		c.lock(gen, timeout)

	case protocol.EventUnlock:
		c.unlock(gen, "Unlocked by teacher")

	case protocol.EventKick:
		c.mu.Lock()
		if gen != c.connGen || c.conn == nil {
			c.mu.Unlock()
			return
		}
		c.kicked = true
		conn := c.conn
		c.mu.Unlock()
		c.log.Info("kicked by teacher")
		conn.Close()

	case protocol.EventAuthError:
		var msg protocol.ErrorMessage
		f.Decode(&msg)
		c.mu.Lock()
		if gen != c.connGen || c.conn == nil {
			c.mu.Unlock()
			return
		}
		c.rejected = true
		conn := c.conn
		c.mu.Unlock()
		c.log.Warn("rejected by teacher", zap.String("message", msg.Message))
		conn.Close()

	case protocol.EventWelcome:
		// join confirmation, already handled by the dialer

	default:
		c.log.Debug("ignoring event", zap.String("event", f.Event))
	}
}

// lock applies a lock and re-arms the single fail-safe timer.
func (c *Client) lock(gen uint64, timeout time.Duration) {
	c.mu.Lock()
	if gen != c.connGen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.failsafe.Stop()
	c.lockGen++
	lockGen := c.lockGen
	c.failsafe = c.clock.AfterFunc(timeout, func() { c.failsafeExpired(lockGen) })
	c.locked = true
	req := LockRequest{Teacher: c.teacher, Class: c.class, Timeout: timeout}
	c.mu.Unlock()

	c.log.Info("locked", zap.String("teacher", req.Teacher), zap.Duration("timeout", timeout))
	c.screen.Lock(req)
	c.status(models.ConnLocked, fmt.Sprintf("Locked for %d minutes", int(timeout/time.Minute)))
}

func (c *Client) unlock(gen uint64, detail string) {
	c.mu.Lock()
	if gen != c.connGen {
		c.mu.Unlock()
		return
	}
	c.clearLockLocked()
	c.mu.Unlock()

	c.screen.Unlock()
	c.status(models.ConnActive, detail)
}

func (c *Client) clearLockLocked() {
	c.failsafe.Stop()
	c.failsafe = nil
	c.lockGen++
	c.locked = false
}

func (c *Client) failsafeExpired(lockGen uint64) {
	c.mu.Lock()
	if lockGen != c.lockGen || !c.locked {
		c.mu.Unlock()
		return
	}
	c.clearLockLocked()
	c.mu.Unlock()

	metrics.FailsafeUnlocks.Inc()
	c.log.Info("lock timer expired, unlocking locally")
	c.screen.Unlock()
	c.status(models.ConnActive, "Lock time expired")
}

func (c *Client) disconnected(gen uint64) {
	c.mu.Lock()
	if gen != c.connGen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.clearLockLocked()
	kicked, rejected := c.kicked, c.rejected
	c.kicked, c.rejected = false, false
	class := c.class
	switch {
	case kicked:
		c.state = StateKicked
	default:
		c.state = StateIdle
	}
	c.mu.Unlock()

	// never stay locked without a controller
	c.screen.Unlock()

	switch {
	case kicked:
		c.log.Info("removed from class", zap.String("class", class))
		c.status(models.ConnKicked, "You were removed from the class")
	case rejected:
		c.status(models.ConnError, "Incorrect password")
	default:
		c.log.Warn("connection lost", zap.String("class", class))
		c.status(models.ConnConnectionLost, fmt.Sprintf("Lost connection to %s", class))
		if err := c.StartDiscovery(); err != nil {
			c.log.Debug("resume discovery", zap.Error(err))
		}
	}
}

// Acknowledge clears the kicked state and goes back to discovery.
func (c *Client) Acknowledge() error {
	c.mu.Lock()
	if c.state != StateKicked {
		c.mu.Unlock()
		return ErrNotKicked
	}
	c.state = StateIdle
	c.mu.Unlock()
	return c.StartDiscovery()
}

// Disconnect leaves the current class and returns to discovery.
func (c *Client) Disconnect() error {
	c.Stop()
	return c.StartDiscovery()
}

// Stop ends discovery and any connection and unlocks.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopDiscoveryLocked()
	conn := c.conn
	c.conn = nil
	c.connGen++
	c.kicked, c.rejected = false, false
	c.clearLockLocked()
	c.state = StateIdle
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.screen.Unlock()
}

func (c *Client) status(status, detail string) {
	c.observer.Status(models.StatusEvent{Status: status, Detail: detail, At: c.clock.Now()})
}
