package api

import (
	"context"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const defaultSearchLimit = 50

// Engine is the part of the sync coordinator the control API drives.
type Engine interface {
	Snapshot() intsync.Snapshot
	SetForeground(fg bool) error
	FocusThread(ctx context.Context, threadID string) error
	MarkRead(ctx context.Context, threadID string) error
	SendMessage(ctx context.Context, threadID, body string) (conversation.Message, error)
	RetryMessage(ctx context.Context, threadID, clientID string) (conversation.Message, error)
	SendTyping(ctx context.Context, threadID string, typing bool) error
}

// Searcher finds cached messages.
type Searcher interface {
	SearchMessages(query, threadID string, limit int) ([]store.Message, error)
}

// Service implements SyncControlServer on top of the coordinator and
// the conversation store.
type Service struct {
	account string
	engine  Engine
	store   *conversation.Store
	search  Searcher
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewService creates the control service for one account.
func NewService(account string, engine Engine, cs *conversation.Store, search Searcher, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		account: account,
		engine:  engine,
		store:   cs,
		search:  search,
		bus:     b,
		logger:  logger,
	}
}

var _ SyncControlServer = (*Service)(nil)

func reply(v map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func empty() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{}}
}

func requireString(req *structpb.Struct, key string) (string, error) {
	v := str(req, key)
	if v == "" {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v, nil
}

func (s *Service) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return reply(statusValue(s.account, s.engine.Snapshot(), s.store.ActiveThread()))
}

func (s *Service) ListThreads(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	threads := s.store.Threads()
	items := make([]map[string]any, 0, len(threads))
	for _, t := range threads {
		var typing *conversation.Typing
		if ty, ok := s.store.Typing(t.ID); ok {
			typing = &ty
		}
		items = append(items, threadValue(t, typing))
	}
	return reply(map[string]any{
		"threads":      listValue(items),
		"total_unread": s.store.TotalUnread(),
	})
}

// ListMessages returns the thread's messages, oldest first. A positive
// limit keeps only the newest ones.
func (s *Service) ListMessages(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	threadID, err := requireString(req, "thread_id")
	if err != nil {
		return nil, err
	}
	msgs := s.store.Messages(threadID)
	if limit := int(num(req, "limit")); limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	items := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, messageValue(m))
	}
	return reply(map[string]any{
		"messages": listValue(items),
		"unread":   s.store.Unread(threadID),
	})
}

func (s *Service) SetForeground(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if !has(req, "foreground") {
		return nil, grpcstatus.Error(codes.InvalidArgument, "foreground is required")
	}
	if err := s.engine.SetForeground(flag(req, "foreground")); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

// SetActiveThread focuses a thread. An empty thread_id clears the focus.
func (s *Service) SetActiveThread(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.FocusThread(ctx, str(req, "thread_id")); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

func (s *Service) MarkRead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	threadID, err := requireString(req, "thread_id")
	if err != nil {
		return nil, err
	}
	if err := s.engine.MarkRead(ctx, threadID); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

func (s *Service) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	threadID, err := requireString(req, "thread_id")
	if err != nil {
		return nil, err
	}
	msg, err := s.engine.SendMessage(ctx, threadID, str(req, "body"))
	if err != nil {
		s.logger.Warn("send failed", zap.String("thread_id", threadID), zap.Error(err))
		return nil, toStatus(err)
	}
	return reply(map[string]any{"message": messageValue(msg)})
}

func (s *Service) RetryMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	clientID, err := requireString(req, "client_msg_id")
	if err != nil {
		return nil, err
	}
	msg, err := s.engine.RetryMessage(ctx, str(req, "thread_id"), clientID)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"message": messageValue(msg)})
}

func (s *Service) SendTyping(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	threadID, err := requireString(req, "thread_id")
	if err != nil {
		return nil, err
	}
	if err := s.engine.SendTyping(ctx, threadID, flag(req, "typing")); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

func (s *Service) SearchMessages(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	query, err := requireString(req, "query")
	if err != nil {
		return nil, err
	}
	if s.search == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "message cache not available")
	}
	limit := int(num(req, "limit"))
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	results, err := s.search.SearchMessages(query, str(req, "thread_id"), limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "search messages: %v", err)
	}
	items := make([]map[string]any, 0, len(results))
	for _, m := range results {
		items = append(items, cachedMessageValue(m))
	}
	return reply(map[string]any{
		"results":  listValue(items),
		"has_more": len(results) == limit,
	})
}

// WatchEvents streams bus events whose kind starts with the requested
// namespace ("" for all) until the client goes away.
func (s *Service) WatchEvents(req *structpb.Struct, stream EventStream) error {
	ch, unsub := s.bus.Subscribe(str(req, "namespace"), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := structpb.NewStruct(map[string]any{
				"id":             uuid.New().String(),
				"account":        s.account,
				"kind":           evt.Kind,
				"occurred_at_ms": evt.Timestamp.UnixMilli(),
				"payload":        eventPayload(evt.Payload),
			})
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
