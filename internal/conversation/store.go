package conversation

import (
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Store is the single source of truth for threads, per-thread message
// lists, unread counters and the active-thread pointer. All state is
// private; every mutation goes through one of the methods below while
// holding mu, so the realtime and polling paths can never interleave
// inside a reconciliation step.
type Store struct {
	mu       sync.Mutex
	userID   string
	threads  []Thread
	messages map[string][]Message
	unread   map[string]int
	total    int
	active   string
	typing   map[string]Typing

	remote Remote
	reads  singleflight.Group
	bus    *bus.Bus
	logger *zap.Logger
}

// NewStore creates an empty store for the session user userID.
// remote may be nil, in which case MarkThreadRead only acts locally.
func NewStore(userID string, remote Remote, b *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		userID:   userID,
		messages: make(map[string][]Message),
		unread:   make(map[string]int),
		typing:   make(map[string]Typing),
		remote:   remote,
		bus:      b,
		logger:   logger,
	}
}

// UserID returns the session user the store judges ownership against.
func (s *Store) UserID() string {
	return s.userID
}

// SetThreads replaces the thread collection and rebuilds the unread map
// from the server-reported counts. This is the authoritative resync path.
func (s *Store) SetThreads(list []Thread) {
	s.mu.Lock()
	threads := slices.Clone(list)
	sortThreads(threads)
	s.threads = threads
	s.unread = make(map[string]int, len(threads))
	for _, t := range threads {
		s.setUnreadLocked(t.ID, t.UnreadCount)
	}
	s.recomputeTotalLocked()
	total := s.total
	s.mu.Unlock()

	s.bus.Publish(bus.NewEvent(bus.StoreThreads, len(threads)))
	s.bus.Publish(bus.NewEvent(bus.StoreUnread, total))
}

// MergeThread upserts a single thread, keeping the list sorted.
func (s *Store) MergeThread(t Thread) {
	s.mu.Lock()
	if i := s.threadIndexLocked(t.ID); i >= 0 {
		s.threads[i] = t
	} else {
		s.threads = append(s.threads, t)
	}
	sortThreads(s.threads)
	before := s.total
	s.setUnreadLocked(t.ID, t.UnreadCount)
	s.recomputeTotalLocked()
	total := s.total
	s.mu.Unlock()

	s.bus.Publish(bus.NewEvent(bus.StoreThreads, t.ID))
	if total != before {
		s.bus.Publish(bus.NewEvent(bus.StoreUnread, total))
	}
}

// RemoveThread drops a thread and everything known about it.
func (s *Store) RemoveThread(threadID string) {
	s.mu.Lock()
	if i := s.threadIndexLocked(threadID); i >= 0 {
		s.threads = slices.Delete(s.threads, i, i+1)
	}
	delete(s.messages, threadID)
	delete(s.typing, threadID)
	if s.active == threadID {
		s.active = ""
	}
	s.setUnreadLocked(threadID, 0)
	s.recomputeTotalLocked()
	total := s.total
	s.mu.Unlock()

	s.bus.Publish(bus.NewEvent(bus.StoreThreads, threadID))
	s.bus.Publish(bus.NewEvent(bus.StoreUnread, total))
}

// AppendMessage reconciles one message into a thread. Replays of a known
// id are ignored, the list stays ordered by CreatedAt, and the unread
// counter follows the ownership and active-thread rules. The aggregate
// unread total is only recomputed, and announced, when the thread
// counter actually moved.
func (s *Store) AppendMessage(threadID string, msg Message) AppendResult {
	if threadID == "" || msg.ID == "" {
		s.logger.Warn("dropping message without thread or id",
			zap.String("thread_id", threadID), zap.String("msg_id", msg.ID))
		return AppendResult{}
	}
	msg.ThreadID = threadID

	s.mu.Lock()
	res := AppendResult{Own: s.userID != "" && msg.SenderID == s.userID}
	list := s.messages[threadID]
	confirmed := false

	switch {
	case messageIndex(list, msg.ID) >= 0:
		// Replay from the other transport. A lingering temporary copy of
		// the same send is dropped.
		if ti := messageIndex(list, msg.ClientID); msg.ClientID != "" && ti >= 0 {
			list = slices.Delete(list, ti, ti+1)
			confirmed = true
		}
	case msg.ClientID != "" && messageIndex(list, msg.ClientID) >= 0:
		list[messageIndex(list, msg.ClientID)] = msg
		confirmed = true
	default:
		list = append(list, msg)
		res.Inserted = true
	}
	if res.Inserted || confirmed {
		sortMessages(list)
		s.messages[threadID] = list
	}

	before := s.unread[threadID]
	switch {
	case res.Own || s.active == threadID:
		s.setUnreadLocked(threadID, 0)
	case res.Inserted:
		s.setUnreadLocked(threadID, before+1)
	}
	res.UnreadChanged = s.unread[threadID] != before

	threadsChanged := s.refreshPreviewLocked(threadID, msg)
	if res.UnreadChanged {
		s.recomputeTotalLocked()
	}
	total := s.total
	s.mu.Unlock()

	if res.Inserted || confirmed {
		s.bus.Publish(bus.NewEvent(bus.StoreMessages, threadID))
	}
	if threadsChanged {
		s.bus.Publish(bus.NewEvent(bus.StoreThreads, threadID))
	}
	if res.UnreadChanged {
		s.bus.Publish(bus.NewEvent(bus.StoreUnread, total))
	}
	return res
}

// ReplaceMessage swaps a locally composed message (tempID) for the
// server-confirmed one. If the confirmed message already arrived through
// a transport, the temporary entry is simply dropped.
func (s *Store) ReplaceMessage(threadID, tempID string, confirmed Message) {
	confirmed.ThreadID = threadID

	s.mu.Lock()
	list := s.messages[threadID]
	ti := messageIndex(list, tempID)
	ci := messageIndex(list, confirmed.ID)
	switch {
	case ti >= 0 && ci >= 0 && ti != ci:
		list[ci].Status = higherStatus(list[ci].Status, confirmed.Status)
		list = slices.Delete(list, ti, ti+1)
	case ti >= 0:
		list[ti] = confirmed
	case ci >= 0:
		list[ci].Status = higherStatus(list[ci].Status, confirmed.Status)
	default:
		list = append(list, confirmed)
	}
	sortMessages(list)
	s.messages[threadID] = list
	threadsChanged := s.refreshPreviewLocked(threadID, confirmed)
	s.mu.Unlock()

	s.bus.Publish(bus.NewEvent(bus.StoreMessages, threadID))
	if threadsChanged {
		s.bus.Publish(bus.NewEvent(bus.StoreThreads, threadID))
	}
}

// UpdateMessageStatus sets the delivery status of a message. Receipts
// (delivered, read) never move a message backwards. An empty threadID
// searches every thread. Returns false if the message is unknown.
func (s *Store) UpdateMessageStatus(threadID, msgID string, st Status) bool {
	s.mu.Lock()
	found := ""
	for tid, list := range s.messages {
		if threadID != "" && tid != threadID {
			continue
		}
		if i := messageIndex(list, msgID); i >= 0 {
			if st == StatusDelivered || st == StatusRead {
				list[i].Status = higherStatus(list[i].Status, st)
			} else {
				list[i].Status = st
			}
			found = tid
			break
		}
	}
	s.mu.Unlock()

	if found == "" {
		return false
	}
	s.bus.Publish(bus.NewEvent(bus.StoreMessages, found))
	return true
}

// SetActiveThread updates the focused thread. It is called on every UI
// focus event, so an unchanged pointer is a no-op. Returns whether the
// pointer moved.
func (s *Store) SetActiveThread(threadID string) bool {
	s.mu.Lock()
	if s.active == threadID {
		s.mu.Unlock()
		return false
	}
	s.active = threadID
	s.mu.Unlock()

	s.bus.Publish(bus.NewEvent(bus.StoreThreads, threadID))
	return true
}

// SetTyping records the ephemeral typing indicator of a thread.
func (s *Store) SetTyping(threadID, who string, typing bool) {
	s.mu.Lock()
	if typing {
		s.typing[threadID] = Typing{Who: who, Typing: true}
	} else {
		delete(s.typing, threadID)
	}
	s.mu.Unlock()

	s.bus.Publish(bus.NewEvent(bus.StoreTyping, threadID))
}

// Reset clears all conversation state, e.g. on sign-out.
func (s *Store) Reset() {
	s.mu.Lock()
	s.threads = nil
	s.messages = make(map[string][]Message)
	s.unread = make(map[string]int)
	s.typing = make(map[string]Typing)
	s.total = 0
	s.active = ""
	s.mu.Unlock()

	s.bus.Publish(bus.NewEvent(bus.StoreThreads, 0))
	s.bus.Publish(bus.NewEvent(bus.StoreUnread, 0))
}

// Threads returns a snapshot of the thread list, newest first.
func (s *Store) Threads() []Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.threads)
	for i := range out {
		out[i].UnreadCount = s.unread[out[i].ID]
	}
	return out
}

// Messages returns a snapshot of a thread's messages, oldest first.
func (s *Store) Messages(threadID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages[threadID])
}

// Unread returns the unread counter of one thread.
func (s *Store) Unread(threadID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[threadID]
}

// TotalUnread returns the cached sum of all thread counters.
func (s *Store) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// ActiveThread returns the focused thread id, or "".
func (s *Store) ActiveThread() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Typing returns the typing indicator of a thread.
func (s *Store) Typing(threadID string) (Typing, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.typing[threadID]
	return t, ok
}

// LatestMessageID returns the id of the newest server-known message in a
// thread, the cursor for delta fetches. Locally composed messages that
// the server has not confirmed are skipped.
func (s *Store) LatestMessageID(threadID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[threadID]
	for i := len(list) - 1; i >= 0; i-- {
		switch list[i].Status {
		case StatusQueued, StatusPending, StatusFailed:
			continue
		}
		return list[i].ID
	}
	return ""
}

// refreshPreviewLocked moves a thread to the front when msg is newer
// than its recorded last message. Unknown threads get a stub entry.
func (s *Store) refreshPreviewLocked(threadID string, msg Message) bool {
	i := s.threadIndexLocked(threadID)
	if i < 0 {
		s.threads = append(s.threads, Thread{ID: threadID})
		i = len(s.threads) - 1
	} else if !msg.CreatedAt.After(s.threads[i].LastMessage.CreatedAt) {
		return false
	}

	t := s.threads[i]
	t.LastMessage = Preview{Body: msg.Body, CreatedAt: msg.CreatedAt}
	if msg.CreatedAt.After(t.UpdatedAt) {
		t.UpdatedAt = msg.CreatedAt
	}
	s.threads = slices.Delete(s.threads, i, i+1)
	pos := slices.IndexFunc(s.threads, func(o Thread) bool { return !o.UpdatedAt.After(t.UpdatedAt) })
	if pos < 0 {
		pos = len(s.threads)
	}
	s.threads = slices.Insert(s.threads, pos, t)
	return true
}

func (s *Store) threadIndexLocked(id string) int {
	return slices.IndexFunc(s.threads, func(t Thread) bool { return t.ID == id })
}

func (s *Store) setUnreadLocked(threadID string, n int) {
	if n <= 0 {
		delete(s.unread, threadID)
		return
	}
	s.unread[threadID] = n
}

func (s *Store) recomputeTotalLocked() {
	total := 0
	for _, n := range s.unread {
		total += n
	}
	s.total = total
}

func messageIndex(list []Message, id string) int {
	return slices.IndexFunc(list, func(m Message) bool { return m.ID == id })
}

func sortMessages(list []Message) {
	slices.SortStableFunc(list, func(a, b Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
}

func sortThreads(list []Thread) {
	slices.SortStableFunc(list, func(a, b Thread) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
}

var statusRank = map[Status]int{
	StatusFailed:    0,
	StatusQueued:    1,
	StatusPending:   2,
	StatusSent:      3,
	StatusDelivered: 4,
	StatusRead:      5,
}

func higherStatus(a, b Status) Status {
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}
