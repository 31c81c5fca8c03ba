package broker

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sheetsync/internal/metrics"
	"github.com/roach88/sheetsync/internal/testutil"
)

func newTestRegistry(t *testing.T) (*Registry, *testutil.MemPersister) {
	t.Helper()
	p := testutil.NewMemPersister()
	p.AddDocument(testDoc, testACL())
	r := NewRegistry(context.Background(), p, nil)
	t.Cleanup(r.Close)
	return r, p
}

func TestRegistry_AcquireSharesBroker(t *testing.T) {
	r, p := newTestRegistry(t)
	ctx := context.Background()

	b1, err := r.Acquire(ctx, testDoc)
	require.NoError(t, err)
	b2, err := r.Acquire(ctx, testDoc)
	require.NoError(t, err)

	assert.Same(t, b1, b2)
	assert.Equal(t, 1, p.Loads())
	assert.Equal(t, 1, r.Open())

	_, err = b1.ApplyMutation(ctx, Mutation{DocumentID: testDoc, ActorID: "alice", RawValue: "x"})
	require.NoError(t, err)

	r.Release(testDoc)
	assert.Equal(t, 1, r.Open(), "still referenced")
	r.Release(testDoc)
	assert.Equal(t, 0, r.Open())
}

func TestRegistry_UnknownDocument(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Acquire(context.Background(), "missing")
	assert.True(t, IsDocumentNotFound(err))
	assert.Equal(t, 0, r.Open())
}

func TestRegistry_ReloadAfterRelease(t *testing.T) {
	r, p := newTestRegistry(t)
	ctx := context.Background()

	b, err := r.Acquire(ctx, testDoc)
	require.NoError(t, err)
	_, err = b.ApplyMutation(ctx, Mutation{DocumentID: testDoc, ActorID: "alice", RawValue: "kept"})
	require.NoError(t, err)
	r.Release(testDoc)

	// The released broker stops; later calls on it fail.
	require.Eventually(t, func() bool {
		_, err := b.Snapshot(ctx)
		return err == ErrStopped
	}, 2*time.Second, 10*time.Millisecond)

	b2, err := r.Acquire(ctx, testDoc)
	require.NoError(t, err)
	defer r.Release(testDoc)
	assert.NotSame(t, b, b2)
	assert.Equal(t, 2, p.Loads())

	boot, err := b2.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), boot.Revision)
	require.Len(t, boot.Cells, 1)
	assert.Equal(t, "kept", boot.Cells[0].RawValue)
}

func TestRegistry_AcquireCancelled(t *testing.T) {
	r, _ := newTestRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Acquire(ctx, testDoc)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
		assert.Eventually(t, func() bool { return r.Open() == 0 }, time.Second, 10*time.Millisecond)
		return
	}
	// The load may win the race with cancellation.
	r.Release(testDoc)
}

func TestRegistry_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	p := testutil.NewMemPersister()
	p.AddDocument(testDoc, testACL())
	r := NewRegistry(context.Background(), p, m)

	b, err := r.Acquire(context.Background(), testDoc)
	require.NoError(t, err)
	sub, err := b.Join(context.Background(), alice)
	require.NoError(t, err)
	_, err = b.ApplyMutation(context.Background(), Mutation{DocumentID: testDoc, ActorID: "carol", RawValue: "x"})
	require.Error(t, err)

	assert.NoError(t, promtest.GatherAndCompare(reg, strings.NewReader(gauges(1, 1)),
		"sheetsync_active_documents", "sheetsync_subscribers"))
	n, err := promtest.GatherAndCount(reg, "sheetsync_mutations_rejected_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, b.Leave(context.Background(), sub))
	r.Release(testDoc)
	r.Close()

	assert.NoError(t, promtest.GatherAndCompare(reg, strings.NewReader(gauges(0, 0)),
		"sheetsync_active_documents", "sheetsync_subscribers"))
}

func gauges(docs, subs int) string {
	return fmt.Sprintf(`# HELP sheetsync_active_documents Documents with a running broker
# TYPE sheetsync_active_documents gauge
sheetsync_active_documents %d
# HELP sheetsync_subscribers Live subscriptions across all documents
# TYPE sheetsync_subscribers gauge
sheetsync_subscribers %d
`, docs, subs)
}
