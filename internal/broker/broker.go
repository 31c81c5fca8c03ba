package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/sheetsync/internal/auth"
	"github.com/roach88/sheetsync/internal/depgraph"
	"github.com/roach88/sheetsync/internal/formula"
	"github.com/roach88/sheetsync/internal/grid"
	"github.com/roach88/sheetsync/internal/metrics"
	"github.com/roach88/sheetsync/internal/store"
)

// DefaultOutboxSize is the per-subscriber event buffer. A subscriber that
// lets this many events pile up is dropped.
const DefaultOutboxSize = 256

// Persister loads and saves documents. Implemented by *store.Store.
type Persister interface {
	LoadDocument(ctx context.Context, documentID string) (store.Document, error)
	SaveCells(ctx context.Context, documentID string, revision int64, cells []grid.Cell) error
}

// Broker is the single authority for one document.
//
// All requests are funneled through one goroutine (Run) and processed to
// completion one at a time, so "the second mutation" always has a precise
// meaning and every subscriber sees deltas in the same order.
//
// Thread-safety model:
//   - ApplyMutation, Join, Leave, UpdateCursor, Snapshot: safe from any goroutine
//   - Run: must be called from exactly one goroutine
//
// INVARIANTS (all state below is touched only by the Run goroutine):
//   - cells, graph, exprs and cursors are never shared
//   - graph is acyclic
//   - every formula cell's DisplayValue is current with respect to cells
//   - revision equals the highest Revision stamped on any committed cell
type Broker struct {
	id        string
	name      string
	acl       auth.ACL
	persister Persister
	metrics   *metrics.Metrics
	outbox    int

	queue *requestQueue

	revision int64
	cells    *grid.Store
	graph    *depgraph.Graph
	exprs    map[grid.Addr]*formula.Expr
	subs     []*Subscription // join order
	cursors  presence
}

// Option configures a Broker.
type Option func(*Broker)

// WithOutboxSize sets the per-subscriber event buffer.
func WithOutboxSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.outbox = n
		}
	}
}

// WithMetrics records broker activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) {
		b.metrics = m
	}
}

// New builds a broker from a loaded document. p receives every commit; a
// nil p keeps the document in memory only.
//
// Formula cells are re-evaluated in dependency order so display values are
// current. Cells caught in a reference loop (possible only in data written
// by something other than a broker) lose their edges and show #ERROR!.
func New(doc store.Document, p Persister, opts ...Option) *Broker {
	b := &Broker{
		id:        doc.ID,
		name:      doc.Name,
		acl:       doc.ACL.Clone(),
		persister: p,
		outbox:    DefaultOutboxSize,
		queue:     newRequestQueue(),
		revision:  doc.Revision,
		cells:     grid.NewFromCells(doc.Cells),
		graph:     depgraph.New(),
		exprs:     make(map[grid.Addr]*formula.Expr),
		cursors:   make(presence),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.rebuild()
	return b
}

// rebuild derives the dependency graph and display values from cells.
func (b *Broker) rebuild() {
	var formulas []grid.Addr
	for _, c := range b.cells.Cells() {
		if c.Revision > b.revision {
			b.revision = c.Revision
		}
		if !c.IsFormula() {
			continue
		}
		expr := formula.Parse(c.Formula)
		b.exprs[c.Addr()] = expr
		b.graph.SetDependencies(c.Addr(), expr.References())
		formulas = append(formulas, c.Addr())
	}

	broken := make(map[grid.Addr]bool)
	for _, cyc := range b.graph.Cycles() {
		slog.Warn("reference loop in stored document",
			"document", b.id,
			"cycle", cyc.String(),
		)
		for _, a := range cyc.Members {
			broken[a] = true
		}
	}
	for a := range broken {
		b.graph.SetDependencies(a, nil)
		c := b.cells.Get(a)
		c.DisplayValue = string(formula.ErrSyntax)
		b.cells.Set(c)
	}

	for _, a := range b.graph.Order(formulas) {
		if broken[a] {
			continue
		}
		c := b.cells.Get(a)
		c.DisplayValue = b.exprs[a].Eval(b.cells).String()
		b.cells.Set(c)
	}
}

// ID returns the document ID.
func (b *Broker) ID() string { return b.id }

// Run processes requests until ctx is cancelled or Stop is called.
//
// CRITICAL: Must be called from exactly ONE goroutine.
//
// A failing request is answered with its error and the loop continues; no
// error ever stops the broker or reaches another actor. Requests still
// queued when Run returns are answered with ErrStopped and all
// subscriptions are closed.
func (b *Broker) Run(ctx context.Context) error {
	slog.Info("broker starting", "document", b.id, "revision", b.revision)
	defer b.shutdown()

	for {
		if req, ok := b.queue.TryDequeue(); ok {
			b.process(ctx, req)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("broker stopping: context cancelled", "document", b.id)
			b.queue.Close()
			return ctx.Err()

		case <-b.queue.Wait():
			if b.queue.Len() == 0 {
				// Closed and empty.
				slog.Info("broker stopping: queue closed", "document", b.id)
				return nil
			}
		}
	}
}

// Stop closes the request queue. Run finishes what is queued and returns.
func (b *Broker) Stop() {
	b.queue.Close()
}

func (b *Broker) shutdown() {
	for {
		req, ok := b.queue.TryDequeue()
		if !ok {
			break
		}
		req.reply <- response{err: ErrStopped}
	}
	for _, s := range b.subs {
		b.closeSub(s)
	}
	b.subs = nil
}

// process answers one request. Called only from Run.
func (b *Broker) process(ctx context.Context, req *request) {
	// A caller that gave up before its request was accepted gets nothing
	// applied.
	if err := req.ctx.Err(); err != nil {
		req.reply <- response{err: err}
		return
	}

	switch req.kind {
	case reqMutate:
		d, err := b.applyMutation(ctx, req.mutation)
		req.reply <- response{delta: d, err: err}
	case reqJoin:
		sub, err := b.join(req.actor)
		req.reply <- response{sub: sub, err: err}
	case reqLeave:
		b.leave(req.sub)
		req.reply <- response{}
	case reqCursor:
		req.reply <- response{err: b.updateCursor(req.actor, req.cursor)}
	case reqSnapshot:
		req.reply <- response{bootstrap: b.bootstrap()}
	default:
		req.reply <- response{err: fmt.Errorf("unknown request kind %d", req.kind)}
	}
}

// submit enqueues req and waits for its answer or ctx.
func (b *Broker) submit(ctx context.Context, req *request) response {
	if !b.queue.Enqueue(req) {
		return response{err: ErrStopped}
	}
	select {
	case r := <-req.reply:
		return r
	case <-ctx.Done():
		return response{err: ctx.Err()}
	}
}

// ApplyMutation overwrites one cell, recomputes its dependents and
// broadcasts the resulting deltas to every subscriber, the originator
// included. It returns the delta of the written cell.
//
// Rejections (*Error) leave the document untouched. Once the broker has
// started processing the mutation, cancelling ctx only stops the wait.
func (b *Broker) ApplyMutation(ctx context.Context, m Mutation) (Delta, error) {
	req := newRequest(ctx, reqMutate)
	req.mutation = m
	r := b.submit(ctx, req)
	return r.delta, r.err
}

// Join subscribes actor to the document. The returned subscription's
// Bootstrap holds the grid at some revision R, and its event stream carries
// exactly the deltas after R, in order.
func (b *Broker) Join(ctx context.Context, actor auth.Actor) (*Subscription, error) {
	req := newRequest(ctx, reqJoin)
	req.actor = actor
	if !b.queue.Enqueue(req) {
		return nil, ErrStopped
	}
	select {
	case r := <-req.reply:
		return r.sub, r.err
	case <-ctx.Done():
		// The join may still complete; make sure it does not leak.
		go func() {
			if r := <-req.reply; r.sub != nil {
				b.Leave(context.Background(), r.sub)
			}
		}()
		return nil, ctx.Err()
	}
}

// Leave ends a subscription. Leaving twice is a no-op.
func (b *Broker) Leave(ctx context.Context, sub *Subscription) error {
	req := newRequest(ctx, reqLeave)
	req.sub = sub
	return b.submit(ctx, req).err
}

// UpdateCursor records the actor's cursor and shows it to everyone else.
// Cursor updates are advisory and carry no revision.
func (b *Broker) UpdateCursor(ctx context.Context, actor auth.Actor, row, col int) error {
	req := newRequest(ctx, reqCursor)
	req.actor = actor
	req.cursor = grid.Addr{Row: row, Col: col}
	return b.submit(ctx, req).err
}

// Snapshot returns the current grid and revision.
func (b *Broker) Snapshot(ctx context.Context) (Bootstrap, error) {
	r := b.submit(ctx, newRequest(ctx, reqSnapshot))
	return r.bootstrap, r.err
}

func (b *Broker) applyMutation(ctx context.Context, m Mutation) (Delta, error) {
	start := time.Now()
	d, recomputed, err := b.commit(ctx, m)
	if err != nil {
		if code := CodeOf(err); code != "" {
			b.metrics.MutationRejected(string(code))
			slog.Debug("mutation rejected",
				"document", b.id,
				"actor", m.ActorID,
				"code", code,
				"error", err,
			)
		} else {
			slog.Error("mutation failed",
				"document", b.id,
				"actor", m.ActorID,
				"error", err,
			)
		}
		return Delta{}, err
	}
	b.metrics.MutationApplied(recomputed, time.Since(start))
	return d, nil
}

// commit runs the mutation algorithm:
//  1. authorize (editor or owner)
//  2. last-writer-wins: overwrite the cell regardless of its revision
//  3. reject reference loops before touching any state
//  4. stamp revision+1, recompute dependents in topological order
//  5. persist, rolling back memory on failure
//  6. broadcast the written cell, then each dependent that changed
func (b *Broker) commit(ctx context.Context, m Mutation) (Delta, int, error) {
	if m.DocumentID != b.id {
		return Delta{}, 0, documentNotFound(m.DocumentID)
	}
	if !b.acl.RoleOf(m.ActorID).CanEdit() {
		return Delta{}, 0, accessDenied(b.id, m.ActorID, "editor")
	}
	addr := grid.Addr{Row: m.Row, Col: m.Col}
	if !addr.Valid() {
		return Delta{}, 0, invalidCell(b.id, m.ActorID, m.Row, m.Col)
	}

	cell := grid.NewCell(addr, m.RawValue, m.Format)
	var (
		expr *formula.Expr
		refs []grid.Addr
	)
	if cell.IsFormula() {
		expr = formula.Parse(cell.Formula)
		refs = expr.References()
		if path, cyc := b.graph.WouldCycle(addr, refs); cyc {
			return Delta{}, 0, circularReference(b.id, m.ActorID, addr, path)
		}
	}

	rev := b.revision + 1
	undo := newUndo(b, addr)

	if expr != nil {
		cell.DisplayValue = expr.Eval(b.cells).String()
		b.exprs[addr] = expr
	} else {
		delete(b.exprs, addr)
	}
	cell.Revision = rev
	b.cells.Set(cell)
	b.graph.SetDependencies(addr, refs)

	changed := []grid.Cell{cell}
	order := b.graph.RecomputeOrder(addr)
	for _, dep := range order {
		c := b.cells.Get(dep)
		e, ok := b.exprs[dep]
		if !ok {
			continue
		}
		display := e.Eval(b.cells).String()
		if display == c.DisplayValue {
			continue
		}
		undo.saveCell(c)
		c.DisplayValue = display
		c.Revision = rev
		b.cells.Set(c)
		changed = append(changed, c)
	}

	if b.persister != nil {
		if err := b.persister.SaveCells(ctx, b.id, rev, changed); err != nil {
			undo.restore()
			return Delta{}, 0, fmt.Errorf("persist revision %d of %s: %w", rev, b.id, err)
		}
	}
	b.revision = rev

	slog.Debug("mutation applied",
		"document", b.id,
		"actor", m.ActorID,
		"cell", addr.String(),
		"revision", rev,
		"recomputed", len(order),
		"changed", len(changed)-1,
	)

	for _, c := range changed {
		d := Delta(c)
		b.broadcast(Event{Type: EventDelta, Delta: &d}, "")
	}
	return Delta(cell), len(order), nil
}

// undo captures what a commit overwrites so a failed save leaves no trace.
type undo struct {
	b       *Broker
	addr    grid.Addr
	deps    []grid.Addr
	expr    *formula.Expr
	hadExpr bool
	cells   []grid.Cell
}

func newUndo(b *Broker, addr grid.Addr) *undo {
	expr, ok := b.exprs[addr]
	return &undo{
		b:       b,
		addr:    addr,
		deps:    b.graph.Dependencies(addr),
		expr:    expr,
		hadExpr: ok,
		cells:   []grid.Cell{b.cells.Get(addr)},
	}
}

func (u *undo) saveCell(c grid.Cell) {
	u.cells = append(u.cells, c)
}

func (u *undo) restore() {
	for _, c := range u.cells {
		u.b.cells.Set(c)
	}
	u.b.graph.SetDependencies(u.addr, u.deps)
	if u.hadExpr {
		u.b.exprs[u.addr] = u.expr
	} else {
		delete(u.b.exprs, u.addr)
	}
}

func (b *Broker) join(actor auth.Actor) (*Subscription, error) {
	role := b.acl.RoleOf(actor.ID)
	if !role.CanView() {
		return nil, accessDenied(b.id, actor.ID, "viewer")
	}
	sub := &Subscription{
		id:        uuid.Must(uuid.NewV7()).String(),
		actor:     actor,
		role:      role,
		bootstrap: b.bootstrap(),
		events:    make(chan Event, b.outbox),
	}
	b.subs = append(b.subs, sub)
	b.metrics.SubscriberAdded()

	for _, c := range b.cursors.others(actor.ID) {
		b.send(sub, Event{Type: EventCursor, Cursor: &c})
	}

	slog.Info("subscriber joined",
		"document", b.id,
		"actor", actor.ID,
		"subscription", sub.id,
		"revision", sub.bootstrap.Revision,
	)
	return sub, nil
}

func (b *Broker) leave(sub *Subscription) {
	if sub == nil || sub.closed {
		return
	}
	b.removeSub(sub)
	slog.Info("subscriber left",
		"document", b.id,
		"actor", sub.actor.ID,
		"subscription", sub.id,
	)
}

// removeSub closes sub and clears the actor's cursor once their last
// subscription is gone.
func (b *Broker) removeSub(sub *Subscription) {
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.closeSub(sub)

	actorID := sub.actor.ID
	for _, s := range b.subs {
		if s.actor.ID == actorID {
			return
		}
	}
	if _, ok := b.cursors[actorID]; ok {
		delete(b.cursors, actorID)
		b.broadcast(Event{Type: EventCursorLeave, UserID: actorID}, actorID)
	}
}

func (b *Broker) closeSub(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.events)
	b.metrics.SubscriberRemoved()
}

func (b *Broker) updateCursor(actor auth.Actor, at grid.Addr) error {
	if !b.acl.RoleOf(actor.ID).CanView() {
		return accessDenied(b.id, actor.ID, "viewer")
	}
	if !at.Valid() {
		return invalidCell(b.id, actor.ID, at.Row, at.Col)
	}
	joined := false
	for _, s := range b.subs {
		if s.actor.ID == actor.ID {
			joined = true
			break
		}
	}
	if !joined {
		return badRequest(b.id, actor.ID, "cursor update before join")
	}

	name := actor.Name
	if name == "" {
		name = actor.ID
	}
	c := CursorPresence{
		UserID:   actor.ID,
		UserName: name,
		Row:      at.Row,
		Col:      at.Col,
		Color:    CursorColor(actor.ID),
	}
	b.cursors[actor.ID] = c
	b.broadcast(Event{Type: EventCursor, Cursor: &c}, actor.ID)
	return nil
}

func (b *Broker) bootstrap() Bootstrap {
	return Bootstrap{
		DocumentID: b.id,
		Revision:   b.revision,
		Cells:      b.cells.Snapshot().Cells(),
	}
}

// broadcast sends ev to every subscriber not belonging to skipActor.
// An empty skipActor reaches everyone.
func (b *Broker) broadcast(ev Event, skipActor string) {
	var slow []*Subscription
	for _, s := range b.subs {
		if skipActor != "" && s.actor.ID == skipActor {
			continue
		}
		if !b.send(s, ev) {
			slow = append(slow, s)
		}
	}
	for _, s := range slow {
		b.drop(s)
	}
}

// send delivers without blocking. It reports false when the outbox is full.
func (b *Broker) send(s *Subscription, ev Event) bool {
	if s.closed {
		return true
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

func (b *Broker) drop(s *Subscription) {
	if s.closed {
		return
	}
	slog.Warn("dropping slow subscriber",
		"document", b.id,
		"actor", s.actor.ID,
		"subscription", s.id,
		"outbox", cap(s.events),
	)
	s.dropped.Store(true)
	b.metrics.SubscriberDropped()
	b.removeSub(s)
}
