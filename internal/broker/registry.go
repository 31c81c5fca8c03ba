package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/sheetsync/internal/metrics"
	"github.com/roach88/sheetsync/internal/store"
)

// Registry runs one broker per open document.
//
// A broker is loaded from the persister on the first Acquire for its
// document and stopped when the matching Release drops the reference count
// to zero. Brokers for different documents share nothing and run in
// parallel.
type Registry struct {
	ctx       context.Context
	persister Persister
	metrics   *metrics.Metrics
	opts      []Option

	mu      sync.Mutex
	entries map[string]*entry
	closing map[string]chan struct{} // document → done of a broker still shutting down
}

type entry struct {
	broker *Broker
	err    error
	ready  chan struct{} // closed once broker or err is set
	refs   int
	cancel context.CancelFunc
	done   chan struct{} // closed when Run returns
}

// NewRegistry creates a registry whose brokers run until ctx is cancelled.
func NewRegistry(ctx context.Context, p Persister, m *metrics.Metrics, opts ...Option) *Registry {
	return &Registry{
		ctx:       ctx,
		persister: p,
		metrics:   m,
		opts:      append([]Option{WithMetrics(m)}, opts...),
		entries:   make(map[string]*entry),
		closing:   make(map[string]chan struct{}),
	}
}

// Acquire returns the running broker for documentID, loading it if needed.
// Every successful Acquire must be paired with a Release.
func (r *Registry) Acquire(ctx context.Context, documentID string) (*Broker, error) {
	r.mu.Lock()
	if e, ok := r.entries[documentID]; ok {
		e.refs++
		r.mu.Unlock()
		return r.await(ctx, documentID, e)
	}
	e := &entry{ready: make(chan struct{}), refs: 1, done: make(chan struct{})}
	r.entries[documentID] = e
	prev := r.closing[documentID]
	r.mu.Unlock()

	go r.load(documentID, e, prev)
	return r.await(ctx, documentID, e)
}

func (r *Registry) await(ctx context.Context, documentID string, e *entry) (*Broker, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		r.Release(documentID)
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.broker, nil
}

// load starts the broker for e. Waiting on prev keeps a new broker from
// reading the document while the previous one may still be saving.
func (r *Registry) load(documentID string, e *entry, prev chan struct{}) {
	if prev != nil {
		<-prev
	}

	doc, err := r.persister.LoadDocument(r.ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrDocumentNotFound) {
			err = documentNotFound(documentID)
		} else {
			err = fmt.Errorf("load document %s: %w", documentID, err)
		}
		r.mu.Lock()
		if r.entries[documentID] == e {
			delete(r.entries, documentID)
		}
		r.mu.Unlock()
		e.err = err
		close(e.done)
		close(e.ready)
		return
	}

	b := New(doc, r.persister, r.opts...)
	ctx, cancel := context.WithCancel(r.ctx)
	e.broker = b
	e.cancel = cancel
	r.metrics.DocumentOpened()
	go func() {
		defer close(e.done)
		defer r.metrics.DocumentClosed()
		if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("broker exited", "document", documentID, "error", err)
		}
	}()
	close(e.ready)
}

// Release drops one reference to documentID's broker and stops the broker
// when none remain.
func (r *Registry) Release(documentID string) {
	r.mu.Lock()
	e, ok := r.entries[documentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, documentID)
	r.closing[documentID] = e.done
	r.mu.Unlock()

	go func() {
		<-e.ready
		if e.broker != nil {
			e.broker.Stop()
		}
		<-e.done
		if e.cancel != nil {
			e.cancel()
		}
		r.mu.Lock()
		if r.closing[documentID] == e.done {
			delete(r.closing, documentID)
		}
		r.mu.Unlock()
		slog.Debug("broker released", "document", documentID)
	}()
}

// Open returns the number of documents with a live broker entry.
func (r *Registry) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close stops every broker and waits for them to exit.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries)+len(r.closing))
	for id, e := range r.entries {
		entries = append(entries, e)
		delete(r.entries, id)
	}
	closing := make([]chan struct{}, 0, len(r.closing))
	for _, done := range r.closing {
		closing = append(closing, done)
	}
	r.mu.Unlock()

	for _, e := range entries {
		<-e.ready
		if e.broker != nil {
			e.broker.Stop()
		}
		<-e.done
		if e.cancel != nil {
			e.cancel()
		}
	}
	for _, done := range closing {
		<-done
	}
}
