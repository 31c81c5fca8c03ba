package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
)

// Submitter sends one mutation through the normal apply path and returns
// the revision it was committed at.
type Submitter interface {
	Submit(ctx context.Context, m PendingMutation) (int64, error)
}

// Session is a connected Submitter that must be closed after use.
type Session interface {
	Submitter
	Close() error
}

// Dialer opens a session to the server.
type Dialer func(ctx context.Context) (Session, error)

// rejection is implemented by errors that no retry can fix, such as a
// broker rejecting the mutation for access or a reference loop.
type rejection interface {
	Rejected() bool
}

// IsRejected reports whether err is a terminal rejection of the mutation.
func IsRejected(err error) bool {
	var r rejection
	return errors.As(err, &r) && r.Rejected()
}

// Result summarizes a replay.
type Result struct {
	Applied   int // committed by the server
	Rejected  int // dropped after a terminal rejection
	Remaining int // still queued
}

// Replayer drains a Queue into a server.
type Replayer struct {
	queue      *Queue
	newBackOff func() backoff.BackOff
}

// ReplayOption configures a Replayer.
type ReplayOption func(*Replayer)

// WithBackOff sets the retry policy used by Sync. f is called once per Sync.
func WithBackOff(f func() backoff.BackOff) ReplayOption {
	return func(r *Replayer) {
		r.newBackOff = f
	}
}

// NewReplayer creates a replayer for q.
func NewReplayer(q *Queue, opts ...ReplayOption) *Replayer {
	r := &Replayer{queue: q, newBackOff: defaultBackOff}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return b
}

// Replay resubmits every pending mutation in enqueue order.
//
// Each success is acked before the next submit. A terminal rejection is
// acked and counted so it cannot block the queue. Any other error stops the
// replay; that entry and everything after it stay queued.
//
// Replayed writes are last-writer-wins: they overwrite whatever the server
// holds for the cell, newer edits included.
func (r *Replayer) Replay(ctx context.Context, s Submitter) (Result, error) {
	pending, err := r.queue.Drain()
	if err != nil {
		return Result{}, err
	}

	var res Result
	for i, m := range pending {
		if err := ctx.Err(); err != nil {
			res.Remaining = len(pending) - i
			return res, err
		}

		rev, err := s.Submit(ctx, m)
		switch {
		case err == nil:
			res.Applied++
			slog.Debug("replayed pending mutation",
				"document", m.DocumentID,
				"seq", m.LocalSequence,
				"revision", rev,
			)
		case IsRejected(err):
			res.Rejected++
			slog.Warn("dropping rejected pending mutation",
				"document", m.DocumentID,
				"seq", m.LocalSequence,
				"error", err,
			)
		default:
			res.Remaining = len(pending) - i
			return res, fmt.Errorf("replay seq %d: %w", m.LocalSequence, err)
		}

		if err := r.queue.Ack(m.LocalSequence); err != nil {
			res.Remaining = len(pending) - i
			return res, err
		}
	}
	return res, nil
}

// Sync dials and replays until the queue is empty, retrying dial and
// transport failures with exponential backoff. It gives up when the backoff
// policy stops or ctx ends, returning the last error.
func (r *Replayer) Sync(ctx context.Context, dial Dialer) (Result, error) {
	var total Result
	attempt := 0

	op := func() error {
		attempt++
		sess, err := dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			slog.Warn("offline sync: dial failed", "attempt", attempt, "error", err)
			return err
		}
		defer sess.Close()

		res, err := r.Replay(ctx, sess)
		total.Applied += res.Applied
		total.Rejected += res.Rejected
		total.Remaining = res.Remaining
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			slog.Warn("offline sync: replay interrupted",
				"attempt", attempt,
				"remaining", res.Remaining,
				"error", err,
			)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(r.newBackOff(), ctx))
	if err != nil {
		return total, err
	}
	slog.Info("offline sync complete",
		"applied", total.Applied,
		"rejected", total.Rejected,
		"attempts", attempt,
	)
	return total, nil
}
