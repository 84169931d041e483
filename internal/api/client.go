package api

import (
	"context"

	"github.com/matheus3301/chatsync/internal/conversation"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Dial connects to a daemon's unix socket.
func Dial(socketPath string) (*grpc.ClientConn, error) {
	return grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
}

// Client is a typed wrapper over the control API.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) call(ctx context.Context, method string, args map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(args)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status returns the daemon's sync status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	out, err := c.call(ctx, "GetStatus", nil)
	if err != nil {
		return Status{}, err
	}
	return decodeStatus(out), nil
}

// Threads lists the conversation threads, most recent first.
func (c *Client) Threads(ctx context.Context) ([]conversation.Thread, error) {
	out, err := c.call(ctx, "ListThreads", nil)
	if err != nil {
		return nil, err
	}
	var threads []conversation.Thread
	for _, v := range field(out, "threads").GetListValue().GetValues() {
		threads = append(threads, decodeThread(v.GetStructValue()))
	}
	return threads, nil
}

// Messages lists a thread's messages, oldest first. limit <= 0 means all.
func (c *Client) Messages(ctx context.Context, threadID string, limit int) ([]conversation.Message, error) {
	out, err := c.call(ctx, "ListMessages", map[string]any{"thread_id": threadID, "limit": limit})
	if err != nil {
		return nil, err
	}
	return decodeMessages(out, "messages"), nil
}

func (c *Client) SetForeground(ctx context.Context, fg bool) error {
	_, err := c.call(ctx, "SetForeground", map[string]any{"foreground": fg})
	return err
}

func (c *Client) Focus(ctx context.Context, threadID string) error {
	_, err := c.call(ctx, "SetActiveThread", map[string]any{"thread_id": threadID})
	return err
}

func (c *Client) MarkRead(ctx context.Context, threadID string) error {
	_, err := c.call(ctx, "MarkRead", map[string]any{"thread_id": threadID})
	return err
}

// Send queues a message. The returned copy is queued, or sent when the
// daemon was online and the server accepted it.
func (c *Client) Send(ctx context.Context, threadID, body string) (conversation.Message, error) {
	out, err := c.call(ctx, "SendMessage", map[string]any{"thread_id": threadID, "body": body})
	if err != nil {
		return conversation.Message{}, err
	}
	return decodeMessage(field(out, "message").GetStructValue()), nil
}

func (c *Client) Retry(ctx context.Context, threadID, clientID string) (conversation.Message, error) {
	out, err := c.call(ctx, "RetryMessage", map[string]any{"thread_id": threadID, "client_msg_id": clientID})
	if err != nil {
		return conversation.Message{}, err
	}
	return decodeMessage(field(out, "message").GetStructValue()), nil
}

func (c *Client) Typing(ctx context.Context, threadID string, typing bool) error {
	_, err := c.call(ctx, "SendTyping", map[string]any{"thread_id": threadID, "typing": typing})
	return err
}

// Search finds cached messages containing query. An empty threadID
// searches every thread.
func (c *Client) Search(ctx context.Context, query, threadID string, limit int) ([]conversation.Message, error) {
	out, err := c.call(ctx, "SearchMessages", map[string]any{"query": query, "thread_id": threadID, "limit": limit})
	if err != nil {
		return nil, err
	}
	return decodeMessages(out, "results"), nil
}

// EventWatcher receives streamed events.
type EventWatcher struct {
	stream grpc.ClientStream
}

// Watch subscribes to daemon events in namespace ("" for all). Cancel
// ctx to end the stream.
func (c *Client) Watch(ctx context.Context, namespace string) (*EventWatcher, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("WatchEvents"))
	if err != nil {
		return nil, err
	}
	in, err := structpb.NewStruct(map[string]any{"namespace": namespace})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventWatcher{stream: stream}, nil
}

// Recv blocks for the next event.
func (w *EventWatcher) Recv() (Event, error) {
	out := new(structpb.Struct)
	if err := w.stream.RecvMsg(out); err != nil {
		return Event{}, err
	}
	return decodeEvent(out), nil
}
