package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/sheetsync/internal/auth"
	"github.com/roach88/sheetsync/internal/broker"
)

const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultSendBuffer = 256
	maxMessageSize    = 64 << 10
)

// Server exposes document brokers over WebSocket.
type Server struct {
	registry *broker.Registry
	resolver auth.Resolver
	gatherer prometheus.Gatherer

	upgrader   websocket.Upgrader
	writeWait  time.Duration
	pongWait   time.Duration
	sendBuffer int
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithGatherer serves g on /metrics.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithPongWait sets how long a silent connection survives. Pings go out at
// nine tenths of it.
func WithPongWait(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.pongWait = d
		}
	}
}

// WithAllowedOrigins accepts browser origins from the list. Without it only
// same-origin browsers connect. Requests with no Origin header, such as
// native clients, are always accepted.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		if len(origins) == 0 {
			return
		}
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[o] = true
		}
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
}

// NewServer creates a server over reg, authenticating with res.
func NewServer(reg *broker.Registry, res auth.Resolver, opts ...ServerOption) *Server {
	s := &Server{
		registry: reg,
		resolver: res,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		writeWait:  defaultWriteWait,
		pongWait:   defaultPongWait,
		sendBuffer: defaultSendBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes:
//
//	GET /ws                     WebSocket protocol
//	GET /documents/{id}         JSON snapshot (viewer+)
//	GET /healthz                liveness
//	GET /metrics                Prometheus, when a gatherer is configured
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.serveWS).Methods(http.MethodGet)
	r.HandleFunc("/documents/{id}", s.serveSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

// authenticate resolves the bearer token from the Authorization header or,
// for browsers that cannot set headers on WebSocket requests, the token
// query parameter.
func (s *Server) authenticate(r *http.Request) (auth.Actor, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		token = r.URL.Query().Get("token")
	}
	return s.resolver.Resolve(strings.TrimSpace(token))
}

func (s *Server) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	actor, err := s.authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	id := mux.Vars(r)["id"]

	b, err := s.registry.Acquire(r.Context(), id)
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	defer s.registry.Release(id)

	sub, err := b.Join(r.Context(), actor)
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	defer b.Leave(context.Background(), sub)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sub.Bootstrap())
}

func writeHTTPError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch broker.CodeOf(err) {
	case broker.CodeAccessDenied:
		status = http.StatusForbidden
	case broker.CodeDocumentNotFound:
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	actor, err := s.authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &session{
		server: s,
		ws:     ws,
		actor:  actor,
		id:     uuid.Must(uuid.NewV7()).String(),
		send:   make(chan any, s.sendBuffer),
		done:   make(chan struct{}),
		wdone:  make(chan struct{}),
	}
	slog.Info("connection opened", "conn", c.id, "actor", actor.ID, "remote", r.RemoteAddr)
	go c.writeLoop()
	c.readLoop()
}

// session is one WebSocket connection.
//
// readLoop owns the broker subscription; writeLoop is the only goroutine
// that writes to ws. Everything bound for the client goes through send.
type session struct {
	server *Server
	ws     *websocket.Conn
	actor  auth.Actor
	id     string

	send  chan any
	done  chan struct{} // closed when readLoop exits
	wdone chan struct{} // closed when writeLoop exits

	docID  string
	broker *broker.Broker
	sub    *broker.Subscription
}

// enqueue hands msg to the writer. It reports false once the session is
// shutting down.
func (c *session) enqueue(msg any) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	case <-c.wdone:
		return false
	}
}

func (c *session) readLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.leave()
		close(c.done)
		c.ws.Close()
		slog.Info("connection closed", "conn", c.id, "actor", c.actor.ID)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.server.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.server.pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("read failed", "conn", c.id, "error", err)
			}
			return
		}
		msg, err := decodeClientMessage(data)
		if err != nil {
			c.enqueue(ErrorMessage{Type: TypeError, Code: string(broker.CodeBadRequest), Message: err.Error()})
			continue
		}
		switch m := msg.(type) {
		case *JoinMessage:
			c.handleJoin(ctx, m)
		case *MutateMessage:
			c.handleMutate(ctx, m)
		case *CursorMessage:
			c.handleCursor(ctx, m)
		}
	}
}

func (c *session) handleJoin(ctx context.Context, m *JoinMessage) {
	if c.sub != nil {
		c.enqueue(ErrorMessage{Type: TypeError, Code: string(broker.CodeBadRequest), Message: "already joined " + c.docID})
		return
	}
	b, err := c.server.registry.Acquire(ctx, m.DocumentID)
	if err != nil {
		c.enqueue(errorMessage("", err))
		return
	}
	sub, err := b.Join(ctx, c.actor)
	if err != nil {
		c.server.registry.Release(m.DocumentID)
		c.enqueue(errorMessage("", err))
		return
	}
	c.docID, c.broker, c.sub = m.DocumentID, b, sub

	// Bootstrap is queued before the forwarder starts, so it reaches the
	// client ahead of every event.
	c.enqueue(BootstrapMessage{Type: TypeBootstrap, Bootstrap: sub.Bootstrap()})
	go c.forward(sub)
	slog.Info("connection joined", "conn", c.id, "document", c.docID, "revision", sub.Bootstrap().Revision)
}

func (c *session) handleMutate(ctx context.Context, m *MutateMessage) {
	if c.sub == nil {
		c.enqueue(ErrorMessage{Type: TypeError, RequestID: m.RequestID, Code: string(broker.CodeBadRequest), Message: "mutate before join"})
		return
	}
	d, err := c.broker.ApplyMutation(ctx, broker.Mutation{
		DocumentID: c.docID,
		ActorID:    c.actor.ID,
		Row:        m.Row,
		Col:        m.Col,
		RawValue:   m.RawValue,
		Format:     m.Format,
	})
	if err != nil {
		c.enqueue(errorMessage(m.RequestID, err))
		return
	}
	c.enqueue(AckMessage{Type: TypeAck, RequestID: m.RequestID, Revision: d.Revision})
}

func (c *session) handleCursor(ctx context.Context, m *CursorMessage) {
	if c.sub == nil {
		c.enqueue(ErrorMessage{Type: TypeError, Code: string(broker.CodeBadRequest), Message: "cursor before join"})
		return
	}
	if err := c.broker.UpdateCursor(ctx, c.actor, m.Row, m.Col); err != nil {
		c.enqueue(errorMessage("", err))
	}
}

// forward relays broker events until the subscription ends. A subscription
// the broker dropped for lagging closes the connection; the client has to
// join again to resynchronize.
func (c *session) forward(sub *broker.Subscription) {
	for ev := range sub.Events() {
		msg, err := eventMessage(ev)
		if err != nil {
			slog.Error("unencodable event", "conn", c.id, "error", err)
			continue
		}
		if !c.enqueue(msg) {
			return
		}
	}
	if sub.Dropped() {
		slog.Warn("closing lagging connection", "conn", c.id, "document", c.docID)
		c.enqueue(closeFrame{code: websocket.ClosePolicyViolation, text: "subscriber too slow, rejoin"})
	}
}

// closeFrame asks the writer to close the connection.
type closeFrame struct {
	code int
	text string
}

func (c *session) leave() {
	if c.sub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.server.writeWait)
	defer cancel()
	if err := c.broker.Leave(ctx, c.sub); err != nil && !errors.Is(err, broker.ErrStopped) {
		slog.Warn("leave failed", "conn", c.id, "error", err)
	}
	c.server.registry.Release(c.docID)
	c.sub = nil
}

func (c *session) writeLoop() {
	ticker := time.NewTicker(c.server.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		close(c.wdone)
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.server.writeWait))
			if cf, ok := msg.(closeFrame); ok {
				c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(cf.code, cf.text))
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				slog.Debug("write failed", "conn", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.server.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.server.writeWait))
			return
		}
	}
}
