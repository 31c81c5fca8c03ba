package offline

import (
	"context"
	"errors"
	"testing"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sheetsync/internal/auth"
	"github.com/roach88/sheetsync/internal/broker"
	"github.com/roach88/sheetsync/internal/grid"
	"github.com/roach88/sheetsync/internal/testutil"
)

// recordingSubmitter accepts everything, failing the listed calls (1-based).
type recordingSubmitter struct {
	calls  []PendingMutation
	errs   map[int]error
	closed bool
}

func (s *recordingSubmitter) Submit(_ context.Context, m PendingMutation) (int64, error) {
	s.calls = append(s.calls, m)
	if err := s.errs[len(s.calls)]; err != nil {
		return 0, err
	}
	return int64(len(s.calls)), nil
}

func (s *recordingSubmitter) Close() error {
	s.closed = true
	return nil
}

type terminalError struct{}

func (terminalError) Error() string  { return "rejected" }
func (terminalError) Rejected() bool { return true }

var errConnReset = errors.New("connection reset")

func enqueueAll(t *testing.T, q *Queue, raws ...string) {
	t.Helper()
	for i, raw := range raws {
		_, err := q.Enqueue(PendingMutation{DocumentID: "doc", Row: i, RawValue: raw})
		require.NoError(t, err)
	}
}

func queued(t *testing.T, q *Queue) []string {
	t.Helper()
	pending, err := q.Drain()
	require.NoError(t, err)
	var out []string
	for _, m := range pending {
		out = append(out, m.RawValue)
	}
	return out
}

func TestReplay_InOrder(t *testing.T) {
	q := openTestQueue(t)
	enqueueAll(t, q, "1", "2", "3")
	s := &recordingSubmitter{}

	res, err := NewReplayer(q).Replay(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, Result{Applied: 3}, res)
	require.Len(t, s.calls, 3)
	for i, raw := range []string{"1", "2", "3"} {
		assert.Equal(t, raw, s.calls[i].RawValue)
	}
	assert.Empty(t, queued(t, q))
}

func TestReplay_DropsRejected(t *testing.T) {
	q := openTestQueue(t)
	enqueueAll(t, q, "1", "bad", "3")
	s := &recordingSubmitter{errs: map[int]error{2: terminalError{}}}

	res, err := NewReplayer(q).Replay(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, Result{Applied: 2, Rejected: 1}, res)
	assert.Empty(t, queued(t, q))
}

func TestReplay_StopsOnTransportFailure(t *testing.T) {
	q := openTestQueue(t)
	enqueueAll(t, q, "1", "2", "3")
	s := &recordingSubmitter{errs: map[int]error{2: errConnReset}}

	res, err := NewReplayer(q).Replay(context.Background(), s)
	require.Error(t, err)
	assert.ErrorIs(t, err, errConnReset)

	assert.Equal(t, Result{Applied: 1, Remaining: 2}, res)
	assert.Len(t, s.calls, 2, "nothing is sent after a transport failure")
	assert.Equal(t, []string{"2", "3"}, queued(t, q))
}

func TestReplay_CancelledContext(t *testing.T) {
	q := openTestQueue(t)
	enqueueAll(t, q, "1", "2")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := NewReplayer(q).Replay(ctx, &recordingSubmitter{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, res.Remaining)
}

func TestSync_RetriesUntilDrained(t *testing.T) {
	q := openTestQueue(t)
	enqueueAll(t, q, "1", "2", "3")

	dials := 0
	var sessions []*recordingSubmitter
	dial := func(context.Context) (Session, error) {
		dials++
		switch dials {
		case 1:
			return nil, errConnReset
		case 2:
			s := &recordingSubmitter{errs: map[int]error{2: errConnReset}}
			sessions = append(sessions, s)
			return s, nil
		default:
			s := &recordingSubmitter{}
			sessions = append(sessions, s)
			return s, nil
		}
	}

	r := NewReplayer(q, WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 5)
	}))
	res, err := r.Sync(context.Background(), dial)
	require.NoError(t, err)

	assert.Equal(t, 3, dials)
	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, 0, res.Remaining)
	assert.Empty(t, queued(t, q))
	for _, s := range sessions {
		assert.True(t, s.closed)
	}
	// The retry resumes at the entry that failed.
	assert.Equal(t, "2", sessions[1].calls[0].RawValue)
}

func TestSync_GivesUp(t *testing.T) {
	q := openTestQueue(t)
	enqueueAll(t, q, "1")

	dials := 0
	dial := func(context.Context) (Session, error) {
		dials++
		return nil, errConnReset
	}
	r := NewReplayer(q, WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	}))

	_, err := r.Sync(context.Background(), dial)
	assert.ErrorIs(t, err, errConnReset)
	assert.Equal(t, 3, dials)
	assert.Equal(t, []string{"1"}, queued(t, q))
}

// brokerSession submits straight to an in-process broker.
type brokerSession struct {
	b     *broker.Broker
	actor string
}

func (s brokerSession) Submit(ctx context.Context, m PendingMutation) (int64, error) {
	d, err := s.b.ApplyMutation(ctx, broker.Mutation{
		DocumentID: m.DocumentID,
		ActorID:    s.actor,
		Row:        m.Row,
		Col:        m.Col,
		RawValue:   m.RawValue,
		Format:     m.Format,
	})
	return d.Revision, err
}

func TestReplay_AgainstBroker(t *testing.T) {
	p := testutil.NewMemPersister()
	p.AddDocument("doc", auth.ACL{"alice": auth.RoleOwner})
	doc, err := p.LoadDocument(context.Background(), "doc")
	require.NoError(t, err)
	b := broker.New(doc, p)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	q := openTestQueue(t)
	for _, m := range []PendingMutation{
		{DocumentID: "doc", Row: 0, Col: 0, RawValue: "=B1"},
		{DocumentID: "doc", Row: 0, Col: 1, RawValue: "=A1"}, // loop
		{DocumentID: "doc", Row: 0, Col: 1, RawValue: "4"},
	} {
		_, err := q.Enqueue(m)
		require.NoError(t, err)
	}

	res, err := NewReplayer(q).Replay(ctx, brokerSession{b: b, actor: "alice"})
	require.NoError(t, err)
	assert.Equal(t, Result{Applied: 2, Rejected: 1}, res)

	boot, err := b.Snapshot(ctx)
	require.NoError(t, err)
	s := grid.NewFromCells(boot.Cells).Snapshot()
	assert.Equal(t, "4", s.Get(grid.Addr{Row: 0, Col: 0}).DisplayValue)
	assert.Equal(t, int64(2), boot.Revision)
}
