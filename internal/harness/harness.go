package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/roach88/sheetsync/internal/auth"
	"github.com/roach88/sheetsync/internal/broker"
	"github.com/roach88/sheetsync/internal/grid"
	"github.com/roach88/sheetsync/internal/testutil"
)

// runTimeout bounds a whole scenario so a stuck broker fails the run
// instead of hanging the test binary.
const runTimeout = 30 * time.Second

// Harness drives one scenario against one broker.
type Harness struct {
	broker   *broker.Broker
	document string
	replicas map[string]*replica
	logger   *slog.Logger
	result   *Result
}

// replica is a subscriber's view of the document, rebuilt only from what
// the broker delivered to it.
type replica struct {
	sub     *broker.Subscription
	cells   *grid.Store
	cursors map[string]broker.CursorPresence
	closed  bool
}

func newReplica(sub *broker.Subscription) *replica {
	return &replica{
		sub:     sub,
		cells:   grid.NewFromCells(sub.Bootstrap().Cells),
		cursors: make(map[string]broker.CursorPresence),
	}
}

// Run executes a scenario and returns the result.
//
// Each scenario gets a fresh in-memory document loaded through a broker
// registry, the same path the server uses. A non-nil error means the
// scenario could not be driven at all; failed expectations and assertions
// are reported in Result.Errors instead.
func Run(scenario *Scenario) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	p := testutil.NewMemPersister()
	seed, err := seedCells(scenario.Cells)
	if err != nil {
		return nil, err
	}
	p.AddDocument(scenario.Document, scenario.ACL.Clone(), seed...)

	reg := broker.NewRegistry(ctx, p, nil)
	defer reg.Close()

	b, err := reg.Acquire(ctx, scenario.Document)
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	defer reg.Release(scenario.Document)

	h := &Harness{
		broker:   b,
		document: scenario.Document,
		replicas: make(map[string]*replica),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		result:   NewResult(),
	}

	for _, actor := range scenario.Subscribers {
		if err := h.join(ctx, actor); err != nil {
			return nil, fmt.Errorf("initial join %s: %w", actor, err)
		}
	}
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	final, err := b.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot broker: %w", err)
	}
	h.result.Revision = final.Revision
	for _, c := range final.Cells {
		h.result.Cells = append(h.result.Cells, FinalCell{
			Cell:     c.Addr().String(),
			Raw:      c.RawValue,
			Display:  c.DisplayValue,
			Revision: c.Revision,
		})
	}

	actx := &AssertionContext{
		Snapshot: final,
		replicas: h.replicas,
	}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		h.result.AddError(msg)
	}

	for _, actor := range h.actors() {
		if err := b.Leave(ctx, h.replicas[actor].sub); err != nil {
			h.logger.Warn("leave after run", "actor", actor, "error", err)
		}
	}
	return h.result, nil
}

func seedCells(raw map[string]string) ([]grid.Cell, error) {
	cells := make([]grid.Cell, 0, len(raw))
	for ref, value := range raw {
		addr, err := grid.ParseA1(ref)
		if err != nil {
			return nil, err
		}
		c := grid.NewCell(addr, value, nil)
		c.Revision = 1
		cells = append(cells, c)
	}
	return cells, nil
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch {
	case step.Set != nil:
		return h.set(ctx, *step.Set, step.Expect)
	case step.Cursor != nil:
		return h.cursor(ctx, *step.Cursor)
	case step.Join != "":
		return h.join(ctx, step.Join)
	case step.Leave != "":
		return h.leave(ctx, step.Leave)
	case len(step.Parallel) > 0:
		return h.parallel(ctx, step.Parallel)
	}
	return errors.New("empty step")
}

// record appends ev to the trace after draining every subscriber.
func (h *Harness) record(ev TraceEvent) {
	ev.Step = len(h.result.Trace) + 1
	ev.Delivered = h.drain()
	h.result.Trace = append(h.result.Trace, ev)
}

// outcome fills in ev from a broker call. Only broker rejections are part
// of a scenario; any other error aborts the run.
func outcome(ev *TraceEvent, err error) error {
	if err == nil {
		return nil
	}
	code := broker.CodeOf(err)
	if code == "" {
		return err
	}
	ev.Error = string(code)
	return nil
}

func (h *Harness) join(ctx context.Context, actorID string) error {
	if _, ok := h.replicas[actorID]; ok {
		return fmt.Errorf("%s already joined", actorID)
	}
	sub, err := h.broker.Join(ctx, auth.Actor{ID: actorID})
	ev := TraceEvent{Op: "join", Actor: actorID}
	if err := outcome(&ev, err); err != nil {
		return err
	}
	if sub != nil {
		h.replicas[actorID] = newReplica(sub)
		ev.Revision = sub.Bootstrap().Revision
	}
	h.record(ev)
	h.logger.Info("joined", "actor", actorID, "error", ev.Error)
	return nil
}

func (h *Harness) leave(ctx context.Context, actorID string) error {
	r, ok := h.replicas[actorID]
	if !ok {
		return fmt.Errorf("%s is not joined", actorID)
	}
	if err := h.broker.Leave(ctx, r.sub); err != nil {
		return err
	}
	h.record(TraceEvent{Op: "leave", Actor: actorID})
	delete(h.replicas, actorID)
	return nil
}

func (h *Harness) set(ctx context.Context, s SetStep, expect *Expect) error {
	d, err := h.broker.ApplyMutation(ctx, h.mutation(s))
	ev := TraceEvent{Op: "set", Actor: s.Actor, Cell: s.Cell, Value: s.Value}
	if err := outcome(&ev, err); err != nil {
		return err
	}
	if err == nil {
		ev.Revision = d.Revision
	}
	h.record(ev)

	if expect != nil {
		for _, msg := range checkExpect(ev.Step, expect, d, err) {
			h.result.AddError(msg)
		}
	}
	h.logger.Info("set", "actor", s.Actor, "cell", s.Cell, "revision", ev.Revision, "error", ev.Error)
	return nil
}

func (h *Harness) cursor(ctx context.Context, c CursorStep) error {
	addr, err := grid.ParseA1(c.Cell)
	if err != nil {
		return err
	}
	err = h.broker.UpdateCursor(ctx, auth.Actor{ID: c.Actor}, addr.Row, addr.Col)
	ev := TraceEvent{Op: "cursor", Actor: c.Actor, Cell: c.Cell}
	if err := outcome(&ev, err); err != nil {
		return err
	}
	h.record(ev)
	return nil
}

// parallel submits every write at once from its own goroutine.
func (h *Harness) parallel(ctx context.Context, writes []SetStep) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		applied  int
		rejected int
		failure  error
	)
	for _, s := range writes {
		wg.Add(1)
		go func(m broker.Mutation) {
			defer wg.Done()
			_, err := h.broker.ApplyMutation(ctx, m)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				applied++
			case broker.CodeOf(err) != "":
				rejected++
			default:
				failure = err
			}
		}(h.mutation(s))
	}
	wg.Wait()
	if failure != nil {
		return failure
	}

	h.drain()
	h.result.Trace = append(h.result.Trace, TraceEvent{
		Step:     len(h.result.Trace) + 1,
		Op:       "parallel",
		Applied:  applied,
		Rejected: rejected,
	})
	return nil
}

func (h *Harness) mutation(s SetStep) broker.Mutation {
	// References were validated when the scenario was loaded.
	addr, _ := grid.ParseA1(s.Cell)
	return broker.Mutation{
		DocumentID: h.document,
		ActorID:    s.Actor,
		Row:        addr.Row,
		Col:        addr.Col,
		RawValue:   s.Value,
		Format:     s.Format,
	}
}

// drain applies every event already queued for each subscriber to its
// replica. The broker fans out before it replies, so once a call has
// returned its events are all in the channels.
func (h *Harness) drain() map[string][]Delivery {
	var out map[string][]Delivery
	for _, actor := range h.actors() {
		r := h.replicas[actor]
		for _, ev := range r.drain() {
			if out == nil {
				out = make(map[string][]Delivery)
			}
			out[actor] = append(out[actor], ev)
		}
		if r.closed && r.sub.Dropped() {
			h.result.AddError(fmt.Sprintf("subscriber %s was dropped for falling behind", actor))
		}
	}
	return out
}

func (h *Harness) actors() []string {
	return slices.Sorted(maps.Keys(h.replicas))
}

func (r *replica) drain() []Delivery {
	var out []Delivery
	for !r.closed {
		select {
		case ev, ok := <-r.sub.Events():
			if !ok {
				r.closed = true
				continue
			}
			out = append(out, r.apply(ev))
		default:
			return out
		}
	}
	return out
}

func (r *replica) apply(ev broker.Event) Delivery {
	switch ev.Type {
	case broker.EventDelta:
		c := grid.Cell(*ev.Delta)
		r.cells.Set(c)
		return Delivery{
			Event:    "delta",
			Cell:     c.Addr().String(),
			Display:  c.DisplayValue,
			Revision: c.Revision,
		}
	case broker.EventCursor:
		c := *ev.Cursor
		r.cursors[c.UserID] = c
		return Delivery{
			Event: "cursor",
			Cell:  grid.Addr{Row: c.Row, Col: c.Col}.String(),
			User:  c.UserID,
			Color: c.Color,
		}
	case broker.EventCursorLeave:
		delete(r.cursors, ev.UserID)
		return Delivery{Event: "cursor_leave", User: ev.UserID}
	}
	return Delivery{Event: fmt.Sprintf("unknown(%d)", ev.Type)}
}

func checkExpect(step int, exp *Expect, d broker.Delta, err error) []string {
	if exp.Error != "" {
		if err == nil {
			return []string{fmt.Sprintf("step %d: expected %s, got revision %d", step, exp.Error, d.Revision)}
		}
		if code := broker.CodeOf(err); code != exp.Error {
			return []string{fmt.Sprintf("step %d: expected %s, got %s", step, exp.Error, code)}
		}
		return nil
	}
	if err != nil {
		return []string{fmt.Sprintf("step %d: unexpected rejection: %v", step, err)}
	}

	var errs []string
	if exp.Revision != 0 && d.Revision != exp.Revision {
		errs = append(errs, fmt.Sprintf("step %d: expected revision %d, got %d", step, exp.Revision, d.Revision))
	}
	if exp.Display != nil && d.DisplayValue != *exp.Display {
		errs = append(errs, fmt.Sprintf("step %d: expected display %q, got %q", step, *exp.Display, d.DisplayValue))
	}
	return errs
}
