package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roach88/sheetsync/internal/broker"
	"github.com/roach88/sheetsync/internal/grid"
	"github.com/roach88/sheetsync/internal/offline"
)

// ErrClosed is returned for requests on a closed client.
var ErrClosed = errors.New("connection closed")

// RemoteError is an error frame sent by the server.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Rejected reports whether the server refused the request for a reason a
// retry cannot change. Internal failures are not rejections.
func (e *RemoteError) Rejected() bool {
	return e.Code != CodeInternal
}

// Client is a joined connection to one document.
//
// Safe for concurrent use. Requests are matched to their ack or error by
// request ID.
type Client struct {
	ws         *websocket.Conn
	documentID string
	bootstrap  broker.Bootstrap
	events     chan broker.Event // nil when events are not wanted

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan result
	err     error // set once the read loop stops
	done    chan struct{}
}

type result struct {
	revision int64
	err      error
}

// DialOption configures Dial.
type DialOption func(*dialConfig)

type dialConfig struct {
	eventBuffer int
	dialer      *websocket.Dialer
}

// WithEvents delivers deltas and cursor events on Events, buffering up to n.
// A client that falls n events behind is disconnected, mirroring what the
// server does to slow subscribers.
func WithEvents(n int) DialOption {
	return func(c *dialConfig) {
		c.eventBuffer = n
	}
}

// Dial connects to the server's /ws endpoint at url, authenticates with
// token and joins documentID. It returns once the bootstrap has arrived.
func Dial(ctx context.Context, url, token, documentID string, opts ...DialOption) (*Client, error) {
	cfg := dialConfig{dialer: websocket.DefaultDialer}
	for _, opt := range opts {
		opt(&cfg)
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := cfg.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		ws:         ws,
		documentID: documentID,
		pending:    make(map[string]chan result),
		done:       make(chan struct{}),
	}
	if cfg.eventBuffer > 0 {
		c.events = make(chan broker.Event, cfg.eventBuffer)
	}

	if err := c.join(ctx); err != nil {
		ws.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) join(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.ws.SetReadDeadline(deadline)
		defer c.ws.SetReadDeadline(time.Time{})
	}
	if err := c.write(JoinMessage{Type: TypeJoin, DocumentID: c.documentID}); err != nil {
		return err
	}
	for {
		var raw json.RawMessage
		if err := c.ws.ReadJSON(&raw); err != nil {
			return fmt.Errorf("join %s: %w", c.documentID, err)
		}
		var t typeOnly
		if err := json.Unmarshal(raw, &t); err != nil {
			return fmt.Errorf("join %s: %w", c.documentID, err)
		}
		switch t.Type {
		case TypeBootstrap:
			var m BootstrapMessage
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("decode bootstrap: %w", err)
			}
			c.bootstrap = m.Bootstrap
			return nil
		case TypeError:
			var m ErrorMessage
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("decode error: %w", err)
			}
			return &RemoteError{Code: m.Code, Message: m.Message}
		default:
			// Nothing else can precede the bootstrap.
			return fmt.Errorf("join %s: unexpected %q before bootstrap", c.documentID, t.Type)
		}
	}
}

// DocumentID returns the joined document.
func (c *Client) DocumentID() string { return c.documentID }

// Bootstrap returns the grid received on join.
func (c *Client) Bootstrap() broker.Bootstrap { return c.bootstrap }

// Events returns the event stream, or nil without WithEvents. It is closed
// when the connection ends.
func (c *Client) Events() <-chan broker.Event { return c.events }

// Mutate writes one cell and waits for the server's ack.
func (c *Client) Mutate(ctx context.Context, row, col int, raw string, format *grid.Format) (int64, error) {
	id := uuid.Must(uuid.NewV7()).String()
	ch := make(chan result, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return 0, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	err := c.write(MutateMessage{
		Type:      TypeMutate,
		RequestID: id,
		Row:       row,
		Col:       col,
		RawValue:  raw,
		Format:    format,
	})
	if err != nil {
		c.forget(id)
		return 0, err
	}

	select {
	case r := <-ch:
		return r.revision, r.err
	case <-ctx.Done():
		c.forget(id)
		return 0, ctx.Err()
	}
}

// Submit implements offline.Submitter.
func (c *Client) Submit(ctx context.Context, m offline.PendingMutation) (int64, error) {
	if m.DocumentID != c.documentID {
		return 0, fmt.Errorf("client joined %s cannot submit to %s", c.documentID, m.DocumentID)
	}
	return c.Mutate(ctx, m.Row, m.Col, m.RawValue, m.Format)
}

// UpdateCursor announces the local cursor. It does not wait for a reply.
func (c *Client) UpdateCursor(row, col int) error {
	return c.write(CursorMessage{Type: TypeCursor, Row: row, Col: col})
}

// Close ends the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(v); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) resolve(id string, r result) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		ch <- r
	}
}

func (c *Client) readLoop() {
	err := c.readFrames()

	c.mu.Lock()
	if err == nil {
		err = ErrClosed
	}
	c.err = err
	pending := c.pending
	c.pending = make(map[string]chan result)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- result{err: err}
	}
	if c.events != nil {
		close(c.events)
	}
	close(c.done)
}

func (c *Client) readFrames() error {
	for {
		var raw json.RawMessage
		if err := c.ws.ReadJSON(&raw); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		var t typeOnly
		if err := json.Unmarshal(raw, &t); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}

		switch t.Type {
		case TypeAck:
			var m AckMessage
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("decode ack: %w", err)
			}
			c.resolve(m.RequestID, result{revision: m.Revision})
		case TypeError:
			var m ErrorMessage
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("decode error: %w", err)
			}
			rerr := &RemoteError{Code: m.Code, Message: m.Message}
			if m.RequestID == "" {
				slog.Warn("server error", "document", c.documentID, "error", rerr)
				continue
			}
			c.resolve(m.RequestID, result{err: rerr})
		case TypeDelta:
			var m DeltaMessage
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("decode delta: %w", err)
			}
			d := broker.Delta(m.Cell)
			if !c.deliver(broker.Event{Type: broker.EventDelta, Delta: &d}) {
				return errors.New("event buffer overflow")
			}
		case TypeCursor:
			var m PresenceMessage
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("decode cursor: %w", err)
			}
			if !c.deliver(broker.Event{Type: broker.EventCursor, Cursor: &m.CursorPresence}) {
				return errors.New("event buffer overflow")
			}
		case TypeCursorLeave:
			var m CursorLeaveMessage
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("decode cursor_leave: %w", err)
			}
			if !c.deliver(broker.Event{Type: broker.EventCursorLeave, UserID: m.UserID}) {
				return errors.New("event buffer overflow")
			}
		default:
			slog.Debug("ignoring frame", "type", t.Type)
		}
	}
}

// deliver queues ev for Events without blocking. Without WithEvents every
// event is discarded.
func (c *Client) deliver(ev broker.Event) bool {
	if c.events == nil {
		return true
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

// Pool dials one Client per document on demand. It implements
// offline.Session so a queue spanning documents can be replayed over one
// Pool.
type Pool struct {
	url   string
	token string

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates a pool for the server at url.
func NewPool(url, token string) *Pool {
	return &Pool{url: url, token: token, clients: make(map[string]*Client)}
}

// Submit implements offline.Submitter, joining m's document if needed.
func (p *Pool) Submit(ctx context.Context, m offline.PendingMutation) (int64, error) {
	c, err := p.client(ctx, m.DocumentID)
	if err != nil {
		return 0, err
	}
	rev, err := c.Submit(ctx, m)
	if err != nil && c.Err() != nil {
		// Dead connection; redial on the next submit.
		p.mu.Lock()
		delete(p.clients, m.DocumentID)
		p.mu.Unlock()
		c.Close()
	}
	return rev, err
}

func (p *Pool) client(ctx context.Context, documentID string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[documentID]; ok {
		return c, nil
	}
	c, err := Dial(ctx, p.url, p.token, documentID)
	if err != nil {
		return nil, err
	}
	p.clients[documentID] = c
	return c, nil
}

// Close closes every client.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for id, c := range p.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.clients, id)
	}
	return errors.Join(errs...)
}

// PoolDialer returns an offline.Dialer that opens a fresh Pool per attempt.
func PoolDialer(url, token string) offline.Dialer {
	return func(context.Context) (offline.Session, error) {
		return NewPool(url, token), nil
	}
}
