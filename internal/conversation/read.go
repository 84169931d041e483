package conversation

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"go.uber.org/zap"
)

// readTimeout bounds a shared mark-read request and its resync.
const readTimeout = 30 * time.Second

// Remote is the part of the server API the store needs to confirm reads
// and to resync after a failed confirmation.
type Remote interface {
	FetchThreads(ctx context.Context) ([]Thread, error)
	MarkThreadRead(ctx context.Context, threadID string) error
}

// MarkThreadRead zeroes the thread's unread counter immediately and, when
// sync is set, confirms the read with the server. Concurrent calls for
// the same thread share a single outstanding request. A failed request
// does not restore the counter; instead the thread list is refetched so
// the server's counts win. The request error is returned to the caller.
func (s *Store) MarkThreadRead(ctx context.Context, threadID string, sync bool) error {
	s.mu.Lock()
	before := s.unread[threadID]
	s.setUnreadLocked(threadID, 0)
	if before != 0 {
		s.recomputeTotalLocked()
	}
	total := s.total
	s.mu.Unlock()

	if before != 0 {
		s.bus.Publish(bus.NewEvent(bus.StoreUnread, total))
	}
	if !sync || s.remote == nil {
		return nil
	}

	// The request is shared, so it must outlive the caller that started it.
	ch := s.reads.DoChan(threadID, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), readTimeout)
		defer cancel()
		err := s.remote.MarkThreadRead(callCtx, threadID)
		if err != nil {
			s.logger.Warn("mark read failed, resyncing threads", zap.String("thread_id", threadID), zap.Error(err))
			s.resync(callCtx)
		}
		return nil, err
	})
	select {
	case res := <-ch:
		if res.Shared {
			s.logger.Debug("mark read joined in-flight request", zap.String("thread_id", threadID))
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) resync(ctx context.Context) {
	threads, err := s.remote.FetchThreads(ctx)
	if err != nil {
		s.logger.Warn("thread resync failed", zap.Error(err))
		return
	}
	s.SetThreads(threads)
}
