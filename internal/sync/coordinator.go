// Package sync is the orchestrator of the engine. The Coordinator owns
// the transport-selection state machine, feeds socket frames and poll
// results through the envelope normalizer into the conversation store,
// acknowledges delivery and flushes the outbound queue.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/poll"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrStopped is returned by inputs that arrive after Stop.
	ErrStopped = errors.New("coordinator stopped")
	// ErrSignedOut is returned by user actions while no auth token is set.
	ErrSignedOut = errors.New("no auth token")
)

// Remote is the server API the coordinator drives.
type Remote interface {
	conversation.Remote
	outbox.Sender
	FetchThreadMessagesSince(ctx context.Context, threadID, sinceID string) ([]conversation.Message, error)
	FetchThreadMessages(ctx context.Context, threadID string) ([]conversation.Message, error)
	SendTypingSignal(ctx context.Context, threadID string, typing bool) error
	AckMessage(ctx context.Context, messageID string, st conversation.Status) error
	SetToken(token string)
}

// Options wires a Coordinator. Remote, Store and Queue are required.
type Options struct {
	Remote Remote
	Store  *conversation.Store
	Queue  *outbox.Queue
	DB     *store.DB // cache and checkpoints; optional
	Bus    *bus.Bus
	Clock  clock.Clock
	Logger *zap.Logger

	// Socket configures every realtime connection. Clock and Logger are
	// filled from the fields above when unset.
	Socket       transport.Config
	PollInterval time.Duration
}

// Coordinator serializes every input (token changes, lifecycle changes,
// socket frames, poll results) onto one loop goroutine. Network I/O runs
// on worker goroutines that report back through the loop.
type Coordinator struct {
	remote     Remote
	store      *conversation.Store
	queue      *outbox.Queue
	reconciler *Reconciler
	bus        *bus.Bus
	clock      clock.Clock
	logger     *zap.Logger
	socketCfg  transport.Config
	interval   time.Duration

	machine *status.Machine
	poller  *poll.Driver

	online     atomic.Bool
	foreground atomic.Bool
	signedIn   atomic.Bool
	epoch      atomic.Uint64
	stopping   atomic.Bool

	inbox   chan func()
	stop    chan struct{}
	stopped chan struct{}
	base    context.Context
	cancel  context.CancelFunc
	workers errgroup.Group

	// Owned by the loop goroutine.
	token       string
	socket      *transport.Socket
	unsubscribe func()
	session     context.Context
	endSession  context.CancelFunc
	acked       map[string]struct{}
}

// New creates a stopped coordinator in the foreground. Call Start to
// hydrate and begin processing inputs.
func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	socketCfg := opts.Socket
	if socketCfg.Clock == nil {
		socketCfg.Clock = c
	}
	if socketCfg.Logger == nil {
		socketCfg.Logger = logger.Named("socket")
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = poll.DefaultInterval
	}

	base, cancel := context.WithCancel(context.Background())
	co := &Coordinator{
		remote:     opts.Remote,
		store:      opts.Store,
		queue:      opts.Queue,
		reconciler: NewReconciler(opts.DB, logger),
		bus:        opts.Bus,
		clock:      c,
		logger:     logger,
		socketCfg:  socketCfg,
		interval:   interval,
		machine:    status.NewMachine(opts.Bus),
		poller:     poll.NewDriver(c, logger.Named("poll")),
		inbox:      make(chan func(), 256),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
		base:       base,
		cancel:     cancel,
		acked:      make(map[string]struct{}),
	}
	co.foreground.Store(true)
	return co
}

// Start loads the cache and the persisted outbox into the store, then
// starts the loop.
func (c *Coordinator) Start() error {
	if err := c.hydrate(); err != nil {
		return fmt.Errorf("hydrate: %w", err)
	}
	go c.loop()
	return nil
}

// Stop tears down the socket and the poller and waits for the loop and
// every worker to return. The cache is left intact.
func (c *Coordinator) Stop() {
	if c.stopping.Swap(true) {
		<-c.stopped
		return
	}
	close(c.stop)
	<-c.stopped
	c.cancel()
	_ = c.workers.Wait()
}

// SetAuthToken changes the session credential. An empty token signs out:
// the socket and the poller are stopped and local state is reset.
func (c *Coordinator) SetAuthToken(token string) error {
	return c.post(func() { c.applyToken(token) })
}

// SetForeground reports an app lifecycle change. In the background the
// poller is stopped whatever the socket is doing.
func (c *Coordinator) SetForeground(fg bool) error {
	return c.post(func() { c.applyForeground(fg) })
}

// State returns the transport-selection state.
func (c *Coordinator) State() status.State {
	return c.machine.Current()
}

// Online reports whether the last network call succeeded.
func (c *Coordinator) Online() bool {
	return c.online.Load()
}

// Snapshot is a point-in-time view of the coordinator.
type Snapshot struct {
	State       status.State
	Online      bool
	Foreground  bool
	SignedIn    bool
	UserID      string
	TotalUnread int
	Outbox      int
	LastPoll    time.Time
}

// Snapshot returns the current status.
func (c *Coordinator) Snapshot() Snapshot {
	return Snapshot{
		State:       c.machine.Current(),
		Online:      c.online.Load(),
		Foreground:  c.foreground.Load(),
		SignedIn:    c.signedIn.Load(),
		UserID:      c.store.UserID(),
		TotalUnread: c.store.TotalUnread(),
		Outbox:      c.queue.Len(),
		LastPoll:    c.reconciler.LastPoll(),
	}
}

func (c *Coordinator) loop() {
	defer close(c.stopped)
	for {
		select {
		case fn := <-c.inbox:
			c.run(fn)
		case <-c.stop:
			c.run(func() { c.teardown(false) })
			return
		}
	}
}

func (c *Coordinator) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in sync loop", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// post queues fn on the loop.
func (c *Coordinator) post(fn func()) error {
	if c.stopping.Load() {
		return ErrStopped
	}
	select {
	case c.inbox <- fn:
		return nil
	case <-c.stop:
		return ErrStopped
	}
}

// exec runs fn on the loop and waits for it. Never call it from the loop.
func (c *Coordinator) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := c.post(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
}

// spawn runs fn on a worker goroutine with the current session context.
// Must be called from the loop.
func (c *Coordinator) spawn(fn func(ctx context.Context)) {
	ctx := c.session
	if ctx == nil {
		ctx = c.base
	}
	c.workers.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("panic in sync worker", zap.Any("panic", r), zap.Stack("stack"))
			}
		}()
		fn(ctx)
		return nil
	})
}

func (c *Coordinator) applyToken(token string) {
	if token == c.token {
		return
	}
	prev := c.token
	c.token = token
	c.remote.SetToken(token)
	c.signedIn.Store(token != "")

	if token == "" {
		c.logger.Info("auth token removed, signing out")
		c.teardown(true)
		return
	}
	if prev != "" {
		c.logger.Info("auth token changed, reconnecting")
		c.teardown(false)
	} else {
		c.logger.Info("auth token set")
	}
	if c.foreground.Load() {
		c.connect()
	}
}

func (c *Coordinator) applyForeground(fg bool) {
	if c.foreground.Swap(fg) == fg {
		return
	}
	if !fg {
		c.logger.Info("app backgrounded, polling stopped")
		c.poller.Stop()
		return
	}
	c.logger.Info("app foregrounded", zap.String("state", string(c.machine.Current())))
	if c.token == "" {
		return
	}
	if c.socket == nil {
		c.connect()
		return
	}
	switch c.machine.Current() {
	case status.Realtime:
		epoch := c.epoch.Load()
		c.spawn(func(ctx context.Context) { _ = c.pollOnce(ctx, epoch) })
	default:
		// Start runs a pass immediately, then resumes the interval.
		c.startPolling()
	}
}

// connect opens a fresh socket for the current token and starts the
// poller as a safety net while it negotiates.
func (c *Coordinator) connect() {
	c.session, c.endSession = context.WithCancel(c.base)
	c.transition(status.Connecting)

	sock := transport.New(c.socketCfg)
	c.unsubscribe = sock.Subscribe(func(f transport.Frame) {
		_ = c.post(func() { c.handleFrame(sock, f) })
	})
	c.socket = sock
	sock.Connect(c.token)
	c.startPolling()
}

// teardown stops the socket, the poller and in-flight work of the current
// session and leaves the machine in DISCONNECTED until the next connect.
// On sign-out it also resets the store and clears the cache.
func (c *Coordinator) teardown(signOut bool) {
	c.epoch.Add(1)
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if c.socket != nil {
		c.socket.Disconnect()
		c.socket = nil
	}
	c.poller.Stop()
	if c.endSession != nil {
		c.endSession()
		c.session, c.endSession = nil, nil
	}
	c.setOnline(false)
	c.transition(status.Disconnected)
	if !signOut {
		return
	}
	clear(c.acked)
	c.store.Reset()
	c.reconciler.Clear()
}

func (c *Coordinator) startPolling() {
	if !c.foreground.Load() {
		return
	}
	epoch := c.epoch.Load()
	c.poller.Start(c.interval, func(ctx context.Context) error {
		return c.pollOnce(ctx, epoch)
	})
}

func (c *Coordinator) handleFrame(sock *transport.Socket, f transport.Frame) {
	if sock != c.socket {
		return
	}
	switch f.Status {
	case transport.StatusConnecting:
		c.logger.Debug("socket connecting", zap.Int("attempt", sock.Attempt()))
	case transport.StatusOpen:
		c.bus.Publish(bus.NewEvent(bus.TransportConnected, nil))
		c.transition(status.Realtime)
		c.poller.Stop()
		c.setOnline(true)
		epoch := c.epoch.Load()
		c.spawn(func(ctx context.Context) { c.reconcile(ctx, epoch) })
	case transport.StatusClosed:
		c.bus.Publish(bus.NewEvent(bus.TransportClosed, errString(f.Err)))
		c.transition(status.PollingFallback)
		if !c.poller.Running() {
			c.startPolling()
		}
	default:
		c.ingest(f.Data)
	}
}

// reconcile runs after the socket opens: one poll pass, and an outbox
// flush even when the pass itself failed.
func (c *Coordinator) reconcile(ctx context.Context, epoch uint64) {
	if err := c.pollOnce(ctx, epoch); err != nil {
		c.flush(ctx, epoch)
	}
}

func (c *Coordinator) transition(to status.State) {
	if err := c.machine.Transition(to); err != nil {
		c.logger.Warn("unexpected state transition", zap.Error(err))
	}
}

// setOnline flips the connectivity flag, logging only on change.
func (c *Coordinator) setOnline(online bool) {
	if c.online.Swap(online) == online {
		return
	}
	if online {
		c.logger.Info("network reachable")
	} else {
		c.logger.Warn("network unreachable")
	}
	c.bus.Publish(bus.NewEvent(bus.SyncOnlineChanged, online))
}

// absorb reports whether err is a connectivity failure. Those only flip
// the online flag; anything else is logged as an application error.
func (c *Coordinator) absorb(err error, msg string, fields ...zap.Field) bool {
	if remote.IsNetworkError(err) {
		c.setOnline(false)
		c.logger.Debug(msg, append(fields, zap.Error(err))...)
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	c.logger.Warn(msg, append(fields, zap.Error(err))...)
	return false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
