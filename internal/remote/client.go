// Package remote is the HTTP client for the messaging server's REST
// endpoints used by the sync engine.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/envelope"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const maxResponseBytes = 8 << 20

// Client issues authenticated requests against the server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	mu    sync.RWMutex
	token string
}

// NewClient creates a client for baseURL. A nil httpClient gets a default
// with a 30s timeout.
func NewClient(baseURL string, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("remote: base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("remote: invalid base url %q: %w", baseURL, err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// SetToken replaces the bearer token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// FetchThreads returns the thread list.
func (c *Client) FetchThreads(ctx context.Context) ([]conversation.Thread, error) {
	body, err := c.do(ctx, http.MethodGet, "/threads", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch threads: %w", err)
	}
	nodes, err := listOf(body, "threads")
	if err != nil {
		return nil, fmt.Errorf("fetch threads: %w", err)
	}
	threads := make([]conversation.Thread, 0, len(nodes))
	for _, node := range nodes {
		t, ok := envelope.ParseThread(node)
		if !ok {
			c.logger.Warn("skipping thread without id", zap.String("raw", node.Raw))
			continue
		}
		threads = append(threads, t)
	}
	return threads, nil
}

// FetchThreadMessagesSince returns messages newer than sinceID. An empty
// sinceID fetches the full list.
func (c *Client) FetchThreadMessagesSince(ctx context.Context, threadID, sinceID string) ([]conversation.Message, error) {
	var q url.Values
	if sinceID != "" {
		q = url.Values{"since": {sinceID}}
	}
	body, err := c.do(ctx, http.MethodGet, "/threads/"+url.PathEscape(threadID)+"/messages", q, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch messages of %s: %w", threadID, err)
	}
	msgs, err := c.parseMessages(threadID, body)
	if err != nil {
		return nil, fmt.Errorf("fetch messages of %s: %w", threadID, err)
	}
	return msgs, nil
}

// FetchThreadMessages returns the full message list of a thread.
func (c *Client) FetchThreadMessages(ctx context.Context, threadID string) ([]conversation.Message, error) {
	return c.FetchThreadMessagesSince(ctx, threadID, "")
}

// SendMessage submits a message. clientID is echoed back by the server so
// realtime echoes can be matched to the local copy.
func (c *Client) SendMessage(ctx context.Context, threadID, body, clientID string) (conversation.Message, error) {
	req := map[string]string{"body": body, "client_id": clientID}
	resp, err := c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", nil, req)
	if err != nil {
		return conversation.Message{}, fmt.Errorf("send message: %w", err)
	}

	root := gjson.ParseBytes(resp)
	node := root
	for _, key := range []string{"message", "data"} {
		if n := root.Get(key); n.IsObject() {
			node = n
			break
		}
	}
	msg, ok := envelope.ParseMessage(node)
	if !ok {
		return conversation.Message{}, fmt.Errorf("send message: response without message id")
	}
	msg.ThreadID = threadID
	if msg.ClientID == "" {
		msg.ClientID = clientID
	}
	return msg, nil
}

// MarkThreadRead confirms that the user has read a thread.
func (c *Client) MarkThreadRead(ctx context.Context, threadID string) error {
	if _, err := c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/read", nil, nil); err != nil {
		return fmt.Errorf("mark read %s: %w", threadID, err)
	}
	return nil
}

// SendTypingSignal tells the server whether the user is typing in a thread.
func (c *Client) SendTypingSignal(ctx context.Context, threadID string, typing bool) error {
	req := map[string]bool{"typing": typing}
	if _, err := c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/typing", nil, req); err != nil {
		return fmt.Errorf("typing signal %s: %w", threadID, err)
	}
	return nil
}

// AckMessage acknowledges a received message with the given status.
func (c *Client) AckMessage(ctx context.Context, messageID string, st conversation.Status) error {
	req := map[string]string{"status": string(st)}
	if _, err := c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/ack", nil, req); err != nil {
		return fmt.Errorf("ack %s: %w", messageID, err)
	}
	return nil
}

func (c *Client) parseMessages(threadID string, body []byte) ([]conversation.Message, error) {
	nodes, err := listOf(body, "messages")
	if err != nil {
		return nil, err
	}
	msgs := make([]conversation.Message, 0, len(nodes))
	for _, node := range nodes {
		m, ok := envelope.ParseMessage(node)
		if !ok {
			c.logger.Warn("skipping message without id", zap.String("thread_id", threadID))
			continue
		}
		if m.ThreadID == "" {
			m.ThreadID = threadID
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// listOf finds the result array in a response: a bare array, or one
// wrapped under key or "data" or "items". A null list is empty. Anything
// else is ErrMalformedResponse, so a proxy page never reads as "no data".
func listOf(body []byte, key string) ([]gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: body is not JSON (%d bytes)", ErrMalformedResponse, len(body))
	}
	root := gjson.ParseBytes(body)
	if root.IsArray() {
		return root.Array(), nil
	}
	if root.IsObject() {
		for _, k := range []string{key, "data", "items"} {
			r := root.Get(k)
			switch {
			case r.IsArray():
				return r.Array(), nil
			case r.Exists() && r.Type == gjson.Null:
				return nil, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no %q list", ErrMalformedResponse, key)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, reqBody any) ([]byte, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.currentToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response of %s %s: %w", method, path, err)
	}
	c.logger.Debug("remote call", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, responseError(resp.StatusCode, body)
}

func responseError(statusCode int, body []byte) *Error {
	e := &Error{StatusCode: statusCode, Body: string(body)}
	if gjson.ValidBytes(body) {
		root := gjson.ParseBytes(body)
		errNode := root.Get("error")
		if errNode.IsObject() {
			e.Code = errNode.Get("code").String()
			e.Message = errNode.Get("message").String()
		} else {
			e.Code = root.Get("code").String()
			e.Message = errNode.String()
			if e.Message == "" {
				e.Message = root.Get("message").String()
			}
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(statusCode)
	}
	return e
}
