// Package transport owns the persistent realtime connection: dialing,
// heartbeat, reconnect backoff and teardown. Frames are handed to
// subscribers verbatim; this package knows nothing about messages.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/coder/websocket"
	"github.com/matheus3301/chatsync/internal/clock"
	"go.uber.org/zap"
)

// Status is a connection lifecycle event delivered to subscribers.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
)

// State is the socket's internal lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Frame is what subscribers receive: either a status change (Status set,
// Err holding the close cause if any) or a raw data frame (Data set).
type Frame struct {
	Status Status
	Data   []byte
	Err    error
}

// Conn abstracts the websocket connection so the socket can be tested
// without a real server. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a connection to rawURL.
type Dialer func(ctx context.Context, rawURL string) (Conn, error)

const (
	DefaultHeartbeat   = 25 * time.Second
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 30 * time.Second

	dialTimeout  = 15 * time.Second
	writeTimeout = 10 * time.Second
	readLimit    = 1 << 20
)

var pingFrame = []byte(`{"type":"ping"}`)

// Config configures a Socket. Zero durations take the defaults above.
type Config struct {
	URL         string
	Heartbeat   time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Clock       clock.Clock
	Dial        Dialer
	Logger      *zap.Logger
}

// Socket is a self-reconnecting realtime connection.
type Socket struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	token      string
	state      State
	attempt    int
	backoff    *backoff.ExponentialBackOff
	gen        uint64
	handled    bool
	terminated bool
	conn       Conn
	cancel     context.CancelFunc
	heartbeat  *clock.Timer
	reconnect  *clock.Timer
	subs       map[int]func(Frame)
	nextSub    int
}

// New creates an idle socket. Nothing is dialed until Connect.
func New(cfg Config) *Socket {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Dial == nil {
		cfg.Dial = DialWebsocket
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Socket{
		cfg:     cfg,
		logger:  logger,
		backoff: NewBackoff(cfg.BackoffBase, cfg.BackoffMax, cfg.Clock),
		subs:    make(map[int]func(Frame)),
	}
}

// DialWebsocket is the default Dialer, backed by coder/websocket.
func DialWebsocket(ctx context.Context, rawURL string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, rawURL, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(readLimit)
	return c, nil
}

// NewBackoff returns the reconnect schedule: base doubled after every
// failure, capped at limit, without jitter and without giving up. Reset
// starts it over from base.
func NewBackoff(base, limit time.Duration, clk clock.Clock) *backoff.ExponentialBackOff {
	if base > limit {
		base = limit
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         limit,
		MaxElapsedTime:      0,
		Clock:               clk,
	}
	b.Reset()
	return b
}

// Connect starts the connection with token. It is idempotent: while a
// connection is open, being dialed or waiting to redial, it returns the
// same socket without dialing again. A disconnected socket stays dead.
func (s *Socket) Connect(token string) *Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated || s.state != StateIdle {
		return s
	}
	s.token = token
	s.startLocked()
	return s
}

// Subscribe registers fn for status and data frames. fn runs on the
// socket's goroutines and must not block. Returns an unsubscribe func.
func (s *Socket) Subscribe(fn func(Frame)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.subs != nil {
		s.subs[id] = fn
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Disconnect permanently stops the socket. Before it returns, the
// heartbeat and reconnect timers are cancelled, the reader is stopped and
// every subscriber is detached.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.gen++
	s.heartbeat.Stop()
	s.reconnect.Stop()
	s.heartbeat, s.reconnect = nil, nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	conn := s.conn
	s.conn = nil
	s.subs = nil
	s.state = StateClosed
	s.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "bye")
	}
	s.logger.Info("realtime socket disconnected")
}

// State returns the current lifecycle state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempt returns the number of consecutive failed connection attempts.
func (s *Socket) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// startLocked begins a new connection generation.
func (s *Socket) startLocked() {
	s.gen++
	s.handled = false
	s.state = StateConnecting
	s.reconnect = nil
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx, s.gen, s.endpoint())
}

func (s *Socket) endpoint() string {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return s.cfg.URL
	}
	q := u.Query()
	q.Set("token", s.token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Socket) run(ctx context.Context, gen uint64, endpoint string) {
	s.emit(gen, Frame{Status: StatusConnecting})

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := s.cfg.Dial(dialCtx, endpoint)
	cancel()
	if err != nil {
		s.fail(gen, fmt.Errorf("dial: %w", err))
		return
	}

	s.mu.Lock()
	if gen != s.gen || s.terminated {
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	s.conn = conn
	s.state = StateOpen
	s.attempt = 0
	s.backoff.Reset()
	s.scheduleHeartbeatLocked(gen)
	s.mu.Unlock()

	s.logger.Info("realtime socket open")
	s.emit(gen, Frame{Status: StatusOpen})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.fail(gen, fmt.Errorf("read: %w", err))
			return
		}
		s.emit(gen, Frame{Data: data})
	}
}

func (s *Socket) scheduleHeartbeatLocked(gen uint64) {
	s.heartbeat = s.cfg.Clock.AfterFunc(s.cfg.Heartbeat, func() { s.beat(gen) })
}

func (s *Socket) beat(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.terminated || s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.scheduleHeartbeatLocked(gen)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, pingFrame); err != nil {
		s.fail(gen, fmt.Errorf("heartbeat: %w", err))
	}
}

// fail tears down generation gen once and schedules the next attempt.
func (s *Socket) fail(gen uint64, cause error) {
	s.mu.Lock()
	if gen != s.gen || s.terminated || s.handled {
		s.mu.Unlock()
		return
	}
	s.handled = true
	s.heartbeat.Stop()
	s.heartbeat = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	conn := s.conn
	s.conn = nil
	s.state = StateClosed

	delay := s.backoff.NextBackOff()
	s.attempt++
	attempt := s.attempt
	s.reconnect = s.cfg.Clock.AfterFunc(delay, func() { s.retry(gen) })
	subs := s.snapshotLocked()
	s.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusGoingAway, "reconnecting")
	}
	s.logger.Warn("realtime socket closed",
		zap.Error(cause), zap.Int("attempt", attempt), zap.Duration("retry_in", delay))

	f := Frame{Status: StatusClosed, Err: cause}
	for _, fn := range subs {
		fn(f)
	}
}

func (s *Socket) retry(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.terminated || s.state != StateClosed {
		return
	}
	s.startLocked()
}

func (s *Socket) emit(gen uint64, f Frame) {
	s.mu.Lock()
	if gen != s.gen || s.terminated {
		s.mu.Unlock()
		return
	}
	subs := s.snapshotLocked()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(f)
	}
}

func (s *Socket) snapshotLocked() []func(Frame) {
	subs := make([]func(Frame), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	return subs
}
