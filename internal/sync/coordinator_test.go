package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/zap"
)

var errOffline = fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED)

// fakeRemote is an in-memory server API.
type fakeRemote struct {
	mu         sync.Mutex
	token      string
	threads    []conversation.Thread
	threadsErr error
	since      map[string][]conversation.Message
	sinceErr   error
	full       map[string][]conversation.Message
	sendErr    error
	sendGate   chan struct{} // when set, SendMessage waits on it
	ackErr     error
	readErr    error

	fetches int
	cursors []string
	fulls   []string
	sent    []string
	acks    []string
	reads   []string
	typing  []bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		since: make(map[string][]conversation.Message),
		full:  make(map[string][]conversation.Message),
	}
}

func (r *fakeRemote) SetToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = token
}

func (r *fakeRemote) FetchThreads(context.Context) ([]conversation.Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches++
	if r.threadsErr != nil {
		return nil, r.threadsErr
	}
	return append([]conversation.Thread(nil), r.threads...), nil
}

func (r *fakeRemote) FetchThreadMessagesSince(_ context.Context, threadID, sinceID string) ([]conversation.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursors = append(r.cursors, threadID+"@"+sinceID)
	if r.sinceErr != nil {
		return nil, r.sinceErr
	}
	return append([]conversation.Message(nil), r.since[threadID]...), nil
}

func (r *fakeRemote) FetchThreadMessages(_ context.Context, threadID string) ([]conversation.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fulls = append(r.fulls, threadID)
	return append([]conversation.Message(nil), r.full[threadID]...), nil
}

func (r *fakeRemote) SendMessage(ctx context.Context, threadID, body, clientID string) (conversation.Message, error) {
	r.mu.Lock()
	gate := r.sendGate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return conversation.Message{}, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, clientID)
	if r.sendErr != nil {
		return conversation.Message{}, r.sendErr
	}
	return conversation.Message{
		ID:        "srv-" + clientID,
		ThreadID:  threadID,
		ClientID:  clientID,
		SenderID:  "7",
		Body:      body,
		Status:    conversation.StatusSent,
		CreatedAt: time.Unix(2000, 0),
	}, nil
}

func (r *fakeRemote) MarkThreadRead(_ context.Context, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads = append(r.reads, threadID)
	return r.readErr
}

func (r *fakeRemote) SendTypingSignal(_ context.Context, _ string, typing bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typing = append(r.typing, typing)
	return nil
}

func (r *fakeRemote) AckMessage(_ context.Context, messageID string, st conversation.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st != conversation.StatusDelivered {
		return fmt.Errorf("unexpected ack status %s", st)
	}
	r.acks = append(r.acks, messageID)
	return r.ackErr
}

func (r *fakeRemote) set(fn func(r *fakeRemote)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

// remoteCalls is a copy of what the fake has recorded.
type remoteCalls struct {
	token   string
	fetches int
	cursors []string
	fulls   []string
	sent    []string
	acks    []string
	reads   []string
	typing  []bool
}

func (r *fakeRemote) snapshot() remoteCalls {
	r.mu.Lock()
	defer r.mu.Unlock()
	return remoteCalls{
		token:   r.token,
		fetches: r.fetches,
		cursors: append([]string(nil), r.cursors...),
		fulls:   append([]string(nil), r.fulls...),
		sent:    append([]string(nil), r.sent...),
		acks:    append([]string(nil), r.acks...),
		reads:   append([]string(nil), r.reads...),
		typing:  append([]bool(nil), r.typing...),
	}
}

// fakeConn is a scripted realtime connection.
type fakeConn struct {
	frames chan []byte
	broken chan error

	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-c.frames:
		return websocket.MessageText, data, nil
	case err := <-c.broken:
		return 0, nil, err
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(context.Context, websocket.MessageType, []byte) error { return nil }

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer blocks every dial until hold is closed, then either fails
// with failWith or hands out a new fakeConn.
type fakeDialer struct {
	hold  chan struct{}
	conns chan *fakeConn

	mu       sync.Mutex
	failWith error
	urls     []string
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string) (transport.Conn, error) {
	select {
	case <-d.hold:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	d.mu.Lock()
	d.urls = append(d.urls, rawURL)
	err := d.failWith
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	conn := &fakeConn{frames: make(chan []byte, 8), broken: make(chan error, 1)}
	d.conns <- conn
	return conn, nil
}

func (d *fakeDialer) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWith = err
}

type harness struct {
	c      *Coordinator
	remote *fakeRemote
	dialer *fakeDialer
	clock  *clock.Fake
	bus    *bus.Bus
	db     *store.DB
	store  *conversation.Store
	queue  *outbox.Queue
	polls  <-chan bus.Event
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newHarness(t *testing.T, db *store.DB) *harness {
	t.Helper()
	if db == nil {
		db = testDB(t)
	}
	logger, _ := zap.NewDevelopment()
	h := &harness{
		remote: newFakeRemote(),
		dialer: &fakeDialer{hold: make(chan struct{}), conns: make(chan *fakeConn, 8)},
		clock:  clock.NewFake(time.Unix(1000, 0)),
		bus:    bus.New(),
		db:     db,
	}
	h.store = conversation.NewStore("7", h.remote, h.bus, logger)
	h.queue = outbox.NewQueue(db, h.remote, h.bus, logger)
	polls, unsub := h.bus.Subscribe(bus.SyncPollCompleted, 32)
	h.polls = polls
	h.c = New(Options{
		Remote: h.remote,
		Store:  h.store,
		Queue:  h.queue,
		DB:     db,
		Bus:    h.bus,
		Clock:  h.clock,
		Logger: logger,
		Socket: transport.Config{URL: "ws://chat.test/realtime", Dial: h.dialer.Dial},
	})
	if err := h.c.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		h.c.Stop()
		unsub()
	})
	return h
}

// barrier waits until everything posted to the loop so far has run.
func (h *harness) barrier(t *testing.T) {
	t.Helper()
	if err := h.c.exec(context.Background(), func() {}); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) waitPoll(t *testing.T) PollSummary {
	t.Helper()
	select {
	case evt := <-h.polls:
		return evt.Payload.(PollSummary)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for a poll pass")
	}
	return PollSummary{}
}

func (h *harness) nextConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-h.dialer.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for a dial")
	}
	return nil
}

// goRealtime signs in, lets the safety-net poll finish, then lets the
// socket open and waits for the reconciliation pass.
func (h *harness) goRealtime(t *testing.T) *fakeConn {
	t.Helper()
	if err := h.c.SetAuthToken("tok"); err != nil {
		t.Fatal(err)
	}
	h.waitPoll(t)
	close(h.dialer.hold)
	conn := h.nextConn(t)
	h.waitPoll(t)
	h.barrier(t)
	if got := h.c.State(); got != status.Realtime {
		t.Fatalf("state = %s, want REALTIME", got)
	}
	return conn
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func messageFrame(threadID, msgID, sender string) []byte {
	return []byte(fmt.Sprintf(`{"type":"message","thread":%q,"message":{"id":%q,"sender_id":%q,"body":"hi","created_at":1700000000000}}`,
		threadID, msgID, sender))
}

func TestSignInConnectsWithPollSafetyNet(t *testing.T) {
	h := newHarness(t, nil)
	h.remote.set(func(r *fakeRemote) {
		r.threads = []conversation.Thread{
			{ID: "a", UnreadCount: 3, UpdatedAt: time.Unix(10, 0)},
			{ID: "b", UpdatedAt: time.Unix(20, 0)},
		}
	})

	if err := h.c.SetAuthToken("tok"); err != nil {
		t.Fatal(err)
	}
	h.waitPoll(t)
	h.barrier(t)

	if got := h.c.State(); got != status.Connecting {
		t.Errorf("state while dialing = %s, want CONNECTING", got)
	}
	if !h.c.poller.Running() {
		t.Error("poller not running while the socket negotiates")
	}
	if h.store.TotalUnread() != 3 || len(h.store.Threads()) != 2 {
		t.Errorf("threads = %+v, total unread = %d", h.store.Threads(), h.store.TotalUnread())
	}
	if !h.c.Online() {
		t.Error("Online() = false after a successful pass")
	}
	if snap := h.remote.snapshot(); snap.token != "tok" {
		t.Errorf("remote token = %q", snap.token)
	}

	close(h.dialer.hold)
	h.nextConn(t)
	h.waitPoll(t)
	h.barrier(t)

	if got := h.c.State(); got != status.Realtime {
		t.Errorf("state = %s, want REALTIME", got)
	}
	if h.c.poller.Running() {
		t.Error("poller still running in REALTIME")
	}
	if n := h.remote.snapshot().fetches; n != 2 {
		t.Errorf("thread fetches = %d, want 2 (safety net + reconcile)", n)
	}
	h.dialer.mu.Lock()
	url := h.dialer.urls[0]
	h.dialer.mu.Unlock()
	if !strings.Contains(url, "token=tok") {
		t.Errorf("dial url = %q, want token query", url)
	}

	cached, err := h.db.ListThreads(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) != 2 {
		t.Errorf("cached threads = %d, want 2", len(cached))
	}
	if last := h.c.Snapshot().LastPoll; !last.Equal(time.Unix(1000, 0)) {
		t.Errorf("last poll checkpoint = %v", last)
	}
}

func TestSocketCloseFallsBackToPolling(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.goRealtime(t)

	conn.broken <- errors.New("connection reset")
	eventually(t, "polling fallback", func() bool { return h.c.State() == status.PollingFallback })
	h.waitPoll(t)
	h.barrier(t)
	if !h.c.poller.Running() {
		t.Fatal("poller not restarted after close")
	}

	// First reconnect after the base backoff.
	h.clock.Advance(time.Second)
	h.nextConn(t)
	h.waitPoll(t)
	h.barrier(t)
	if got := h.c.State(); got != status.Realtime {
		t.Errorf("state = %s, want REALTIME after reconnect", got)
	}
	if h.c.poller.Running() {
		t.Error("poller still running after reconnect")
	}
}

func TestMessageFrameAppendedAndAckedOnce(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.goRealtime(t)

	conn.frames <- messageFrame("t1", "m1", "42")
	conn.frames <- messageFrame("t1", "m1", "42")
	conn.frames <- []byte(`{"type":"pong"}`)
	eventually(t, "message applied", func() bool { return len(h.store.Messages("t1")) == 1 })
	eventually(t, "ack sent", func() bool { return len(h.remote.snapshot().acks) == 1 })
	h.barrier(t)

	if n := h.store.Unread("t1"); n != 1 {
		t.Errorf("unread = %d, want 1", n)
	}
	if threads := h.store.Threads(); threads[0].ID != "t1" {
		t.Errorf("front thread = %s, want t1", threads[0].ID)
	}
	time.Sleep(20 * time.Millisecond)
	if acks := h.remote.snapshot().acks; len(acks) != 1 || acks[0] != "m1" {
		t.Errorf("acks = %v, want [m1]", acks)
	}
	cached, _ := h.db.ListMessages("t1", 0)
	if len(cached) != 1 {
		t.Errorf("cached messages = %d, want 1", len(cached))
	}
}

func TestOwnMessageNotAcked(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.goRealtime(t)

	conn.frames <- messageFrame("t1", "m1", "7")
	eventually(t, "message applied", func() bool { return len(h.store.Messages("t1")) == 1 })
	h.barrier(t)
	time.Sleep(20 * time.Millisecond)

	if acks := h.remote.snapshot().acks; len(acks) != 0 {
		t.Errorf("acks = %v, want none for own message", acks)
	}
	if n := h.store.Unread("t1"); n != 0 {
		t.Errorf("unread = %d, want 0", n)
	}
}

func TestFailedAckRetriedOnReplay(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.goRealtime(t)
	h.remote.set(func(r *fakeRemote) { r.ackErr = &remote.Error{StatusCode: 500} })

	conn.frames <- messageFrame("t1", "m1", "42")
	eventually(t, "first ack", func() bool { return len(h.remote.snapshot().acks) == 1 })
	h.remote.set(func(r *fakeRemote) { r.ackErr = nil })
	eventually(t, "failed ack forgotten", func() bool {
		n := -1
		_ = h.c.exec(context.Background(), func() { n = len(h.c.acked) })
		return n == 0
	})

	conn.frames <- messageFrame("t1", "m1", "42")
	eventually(t, "second ack", func() bool { return len(h.remote.snapshot().acks) == 2 })
}

func TestTypingReceiptAndStatusFrames(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.goRealtime(t)
	statuses, unsub := h.bus.Subscribe(bus.SyncServerStatus, 4)
	defer unsub()

	conn.frames <- messageFrame("t1", "m1", "7")
	conn.frames <- []byte(`{"type":"typing","thread_id":"t1","payload":{"user_id":"42","typing":true}}`)
	conn.frames <- []byte(`{"type":"receipt","thread_id":"t1","message_id":"m1","status":"read"}`)
	conn.frames <- []byte(`{"type":"status","state":"maintenance"}`)

	eventually(t, "typing", func() bool {
		tp, ok := h.store.Typing("t1")
		return ok && tp.Typing && tp.Who == "42"
	})
	eventually(t, "receipt", func() bool {
		msgs := h.store.Messages("t1")
		return len(msgs) == 1 && msgs[0].Status == conversation.StatusRead
	})
	select {
	case evt := <-statuses:
		if evt.Payload != "maintenance" {
			t.Errorf("server status = %v", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no server status event")
	}
}

func TestOfflineSendFlushedOnReconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.fail(errOffline)
	close(h.dialer.hold)
	h.remote.set(func(r *fakeRemote) { r.threadsErr = errOffline })

	if err := h.c.SetAuthToken("tok"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "polling fallback", func() bool { return h.c.State() == status.PollingFallback })
	eventually(t, "safety-net pass", func() bool { return h.remote.snapshot().fetches == 1 })
	h.barrier(t)
	if h.c.Online() {
		t.Fatal("Online() = true after network failures")
	}

	msg, err := h.c.SendMessage(context.Background(), "t1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != conversation.StatusQueued || !strings.HasPrefix(msg.ID, "local-") {
		t.Errorf("queued message = %+v", msg)
	}
	if sent := h.remote.snapshot().sent; len(sent) != 0 {
		t.Errorf("sent while offline: %v", sent)
	}

	h.remote.set(func(r *fakeRemote) { r.threadsErr = nil })
	h.dialer.fail(nil)
	h.clock.Advance(time.Second)
	h.nextConn(t)
	h.waitPoll(t)
	h.barrier(t)

	if sent := h.remote.snapshot().sent; len(sent) != 1 || sent[0] != msg.ID {
		t.Fatalf("sent = %v, want [%s]", sent, msg.ID)
	}
	msgs := h.store.Messages("t1")
	if len(msgs) != 1 || msgs[0].ID != "srv-"+msg.ID || msgs[0].Status != conversation.StatusSent {
		t.Errorf("messages = %+v, want the confirmed copy only", msgs)
	}
	if h.queue.Len() != 0 {
		t.Errorf("outbox len = %d, want 0", h.queue.Len())
	}
}

func TestRejectedSendSurfacesAndRetries(t *testing.T) {
	h := newHarness(t, nil)
	h.goRealtime(t)
	h.remote.set(func(r *fakeRemote) { r.sendErr = &remote.Error{StatusCode: 422, Message: "too long"} })

	msg, err := h.c.SendMessage(context.Background(), "t1", "hello")
	var re *remote.Error
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *remote.Error", err)
	}
	if msg.Status != conversation.StatusFailed {
		t.Errorf("status = %s, want failed", msg.Status)
	}
	if got := h.store.Messages("t1"); len(got) != 1 || got[0].Status != conversation.StatusFailed {
		t.Errorf("store copy = %+v", got)
	}

	h.remote.set(func(r *fakeRemote) { r.sendErr = nil })
	sent, err := h.c.RetryMessage(context.Background(), "t1", msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sent.ID != "srv-"+msg.ID || sent.Status != conversation.StatusSent {
		t.Errorf("retried message = %+v", sent)
	}
	if _, err := h.c.RetryMessage(context.Background(), "t1", "local-unknown"); !errors.Is(err, outbox.ErrNotFound) {
		t.Errorf("retry unknown = %v, want ErrNotFound", err)
	}
}

func TestSendRequiresToken(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.c.SendMessage(context.Background(), "t1", "hi"); !errors.Is(err, ErrSignedOut) {
		t.Errorf("err = %v, want ErrSignedOut", err)
	}
	if _, err := h.c.SendMessage(context.Background(), "t1", "  "); !errors.Is(err, ErrEmptyBody) {
		t.Errorf("err = %v, want ErrEmptyBody", err)
	}
}

func TestSignOutResetsEverything(t *testing.T) {
	h := newHarness(t, nil)
	h.remote.set(func(r *fakeRemote) {
		r.threads = []conversation.Thread{{ID: "a", UnreadCount: 2, UpdatedAt: time.Unix(10, 0)}}
	})
	conn := h.goRealtime(t)
	if err := h.db.QueueOutbox("local-keep", "a", "keep"); err != nil {
		t.Fatal(err)
	}

	if err := h.c.SetAuthToken(""); err != nil {
		t.Fatal(err)
	}
	h.barrier(t)

	if got := h.c.State(); got != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", got)
	}
	if len(h.store.Threads()) != 0 || h.store.TotalUnread() != 0 {
		t.Errorf("store not reset: %+v", h.store.Threads())
	}
	if !conn.Closed() {
		t.Error("socket connection left open")
	}
	if h.c.poller.Running() {
		t.Error("poller running after sign-out")
	}
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("pending timers = %d, want 0", n)
	}
	cached, _ := h.db.ListThreads(0)
	pending, _ := h.db.PendingOutbox()
	if len(cached) != 0 || len(pending) != 1 {
		t.Errorf("cached threads = %d, outbox = %d; want 0 and 1", len(cached), len(pending))
	}
}

func TestBackgroundStopsPolling(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.fail(errOffline)
	close(h.dialer.hold)

	if err := h.c.SetAuthToken("tok"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "polling fallback", func() bool { return h.c.State() == status.PollingFallback })
	h.waitPoll(t)

	if err := h.c.SetForeground(false); err != nil {
		t.Fatal(err)
	}
	h.barrier(t)
	if h.c.poller.Running() {
		t.Fatal("poller running in background")
	}
	before := h.remote.snapshot().fetches

	// A failed redial in the background must not restart polling.
	h.clock.Advance(time.Second)
	h.clock.Advance(12 * time.Second)
	time.Sleep(20 * time.Millisecond)
	h.barrier(t)
	if h.c.poller.Running() {
		t.Error("poller restarted by a socket close in background")
	}
	if n := h.remote.snapshot().fetches; n != before {
		t.Errorf("fetches in background = %d, want %d", n, before)
	}

	if err := h.c.SetForeground(true); err != nil {
		t.Fatal(err)
	}
	h.waitPoll(t)
	if n := h.remote.snapshot().fetches; n != before+1 {
		t.Errorf("fetches after foreground = %d, want %d", n, before+1)
	}
}

func TestPollDeltaUsesActiveThreadCursor(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.fail(errOffline)
	close(h.dialer.hold)
	if err := h.c.SetAuthToken("tok"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "polling fallback", func() bool { return h.c.State() == status.PollingFallback })
	h.waitPoll(t)

	ctx := context.Background()
	h.remote.set(func(r *fakeRemote) {
		r.full["t1"] = []conversation.Message{{ID: "m1", SenderID: "42", Body: "one", CreatedAt: time.Unix(100, 0), Status: conversation.StatusSent}}
		r.since["t1"] = []conversation.Message{{ID: "m2", SenderID: "42", Body: "two", CreatedAt: time.Unix(200, 0), Status: conversation.StatusSent}}
	})
	if err := h.c.FocusThread(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	snap := h.remote.snapshot()
	if len(snap.fulls) != 1 || len(snap.reads) != 1 || snap.reads[0] != "t1" {
		t.Fatalf("history fetches = %v, reads = %v", snap.fulls, snap.reads)
	}

	h.clock.Advance(12 * time.Second)
	summary := h.waitPoll(t)
	if summary.ThreadID != "t1" || summary.Messages != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if cursors := h.remote.snapshot().cursors; len(cursors) != 1 || cursors[0] != "t1@m1" {
		t.Errorf("cursors = %v, want [t1@m1]", cursors)
	}
	msgs := h.store.Messages("t1")
	if len(msgs) != 2 || msgs[1].ID != "m2" {
		t.Errorf("messages = %+v", msgs)
	}
	if n := h.store.Unread("t1"); n != 0 {
		t.Errorf("unread in active thread = %d, want 0", n)
	}

	// A rejected delta falls back to the full list.
	h.remote.set(func(r *fakeRemote) { r.sinceErr = &remote.Error{StatusCode: 400} })
	h.clock.Advance(12 * time.Second)
	h.waitPoll(t)
	if fulls := h.remote.snapshot().fulls; len(fulls) != 2 {
		t.Errorf("full fetches = %v, want fallback", fulls)
	}
}

func TestMarkReadAbsorbsNetworkErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.goRealtime(t)
	ctx := context.Background()

	h.remote.set(func(r *fakeRemote) { r.readErr = errOffline })
	if err := h.c.MarkRead(ctx, "t1"); err != nil {
		t.Errorf("network failure surfaced: %v", err)
	}
	if h.c.Online() {
		t.Error("Online() = true after network failure")
	}

	h.remote.set(func(r *fakeRemote) { r.readErr = &remote.Error{StatusCode: 403} })
	if err := h.c.MarkRead(ctx, "t1"); err == nil {
		t.Error("application error swallowed")
	}
}

func TestSendTyping(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.c.SendTyping(context.Background(), "t1", true); err != nil {
		t.Fatal(err)
	}
	if got := h.remote.snapshot().typing; len(got) != 1 || !got[0] {
		t.Errorf("typing signals = %v", got)
	}
}

func TestHydrateFromCacheAndOutbox(t *testing.T) {
	db := testDB(t)
	if err := db.UpsertThread(&store.Thread{ID: "a", UnreadCount: 4, UpdatedAt: 5000}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&store.Message{ThreadID: "a", MsgID: "m1", SenderID: "42", Body: "cached", Status: "sent", CreatedAt: 4000}); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox("local-1", "a", "unsent"); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, db)

	if n := h.store.Unread("a"); n != 4 {
		t.Errorf("unread = %d, want cached 4", n)
	}
	msgs := h.store.Messages("a")
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v, want cached + queued", msgs)
	}
	var queued conversation.Message
	for _, m := range msgs {
		if m.ID == "local-1" {
			queued = m
		}
	}
	if queued.Status != conversation.StatusQueued || queued.SenderID != "7" {
		t.Errorf("queued copy = %+v", queued)
	}
	if h.queue.Len() != 1 {
		t.Errorf("outbox len = %d, want 1", h.queue.Len())
	}
	if len(h.remote.snapshot().acks) != 0 {
		t.Error("cached messages were acked")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.goRealtime(t)
	h.c.Stop()
	h.c.Stop()
	if err := h.c.SetForeground(false); !errors.Is(err, ErrStopped) {
		t.Errorf("input after stop = %v, want ErrStopped", err)
	}
}

func TestTokenChangeInBackgroundReconnectsOnForeground(t *testing.T) {
	h := newHarness(t, nil)
	h.goRealtime(t)

	if err := h.c.SetForeground(false); err != nil {
		t.Fatal(err)
	}
	if err := h.c.SetAuthToken("tok2"); err != nil {
		t.Fatal(err)
	}
	h.barrier(t)
	if got := h.c.State(); got != status.Disconnected {
		t.Errorf("state after background token change = %s, want DISCONNECTED", got)
	}
	var socketGone bool
	_ = h.c.exec(context.Background(), func() { socketGone = h.c.socket == nil })
	if !socketGone {
		t.Error("old socket kept after token change")
	}
	if h.c.poller.Running() {
		t.Error("poller running in background")
	}

	if err := h.c.SetForeground(true); err != nil {
		t.Fatal(err)
	}
	h.nextConn(t)
	eventually(t, "realtime on the new token", func() bool { return h.c.State() == status.Realtime })

	h.dialer.mu.Lock()
	urls := append([]string(nil), h.dialer.urls...)
	h.dialer.mu.Unlock()
	if len(urls) != 2 || !strings.Contains(urls[1], "token=tok2") {
		t.Errorf("dial urls = %v, want a second dial with tok2", urls)
	}
	if tok := h.remote.snapshot().token; tok != "tok2" {
		t.Errorf("remote token = %q, want tok2", tok)
	}
}

func TestMalformedThreadListKeepsThreads(t *testing.T) {
	h := newHarness(t, nil)
	h.remote.set(func(r *fakeRemote) {
		r.threads = []conversation.Thread{{ID: "a", UnreadCount: 2, UpdatedAt: time.Unix(10, 0)}}
	})
	h.goRealtime(t)
	if n := len(h.store.Threads()); n != 1 {
		t.Fatalf("threads = %d, want 1", n)
	}

	h.remote.set(func(r *fakeRemote) {
		r.threadsErr = fmt.Errorf("fetch threads: %w", remote.ErrMalformedResponse)
	})
	before := h.remote.snapshot().fetches
	if err := h.c.SetForeground(false); err != nil {
		t.Fatal(err)
	}
	if err := h.c.SetForeground(true); err != nil {
		t.Fatal(err)
	}
	eventually(t, "poll pass", func() bool { return h.remote.snapshot().fetches > before })
	h.barrier(t)

	if threads := h.store.Threads(); len(threads) != 1 || h.store.TotalUnread() != 2 {
		t.Errorf("threads = %+v, unread = %d; want the list kept", threads, h.store.TotalUnread())
	}
	if cached, _ := h.db.ListThreads(0); len(cached) != 1 {
		t.Errorf("cached threads = %d, want 1", len(cached))
	}
	if !h.c.Online() {
		t.Error("malformed response treated as offline")
	}
}

func TestSendShowsPendingWhileSubmitting(t *testing.T) {
	h := newHarness(t, nil)
	h.goRealtime(t)
	gate := make(chan struct{})
	h.remote.set(func(r *fakeRemote) { r.sendGate = gate })

	type sendResult struct {
		msg conversation.Message
		err error
	}
	done := make(chan sendResult, 1)
	go func() {
		msg, err := h.c.SendMessage(context.Background(), "t1", "hello")
		done <- sendResult{msg, err}
	}()

	eventually(t, "pending local copy", func() bool {
		msgs := h.store.Messages("t1")
		return len(msgs) == 1 && msgs[0].Status == conversation.StatusPending
	})

	close(gate)
	res := <-done
	if res.err != nil {
		t.Fatal(res.err)
	}
	if res.msg.Status != conversation.StatusSent {
		t.Errorf("returned status = %s, want sent", res.msg.Status)
	}
	if msgs := h.store.Messages("t1"); len(msgs) != 1 || msgs[0].Status != conversation.StatusSent {
		t.Errorf("messages = %+v, want one sent copy", msgs)
	}
}

func TestNetworkFailedSendReturnsToQueued(t *testing.T) {
	h := newHarness(t, nil)
	h.goRealtime(t)
	gate := make(chan struct{})
	h.remote.set(func(r *fakeRemote) {
		r.sendGate = gate
		r.sendErr = errOffline
	})

	done := make(chan conversation.Message, 1)
	go func() {
		msg, err := h.c.SendMessage(context.Background(), "t1", "hello")
		if err != nil {
			t.Errorf("SendMessage error = %v, want nil for a connectivity failure", err)
		}
		done <- msg
	}()

	eventually(t, "pending local copy", func() bool {
		msgs := h.store.Messages("t1")
		return len(msgs) == 1 && msgs[0].Status == conversation.StatusPending
	})
	close(gate)
	msg := <-done
	h.barrier(t)

	if msg.Status != conversation.StatusQueued {
		t.Errorf("returned status = %s, want queued", msg.Status)
	}
	if msgs := h.store.Messages("t1"); len(msgs) != 1 || msgs[0].Status != conversation.StatusQueued {
		t.Errorf("messages = %+v, want the copy back in queued", msgs)
	}
	if n := len(h.queue.Pending()); n != 1 {
		t.Errorf("outbox pending = %d, want 1", n)
	}
	if h.c.Online() {
		t.Error("Online() = true after a connectivity failure")
	}
}
