package observation

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queueExecutor holds callbacks until flushed, standing in for a slow execution context.
type queueExecutor struct {
	pending []func()
}

func (q *queueExecutor) Execute(fn func()) { q.pending = append(q.pending, fn) }

func (q *queueExecutor) flush() {
	for _, fn := range q.pending {
		fn()
	}
	q.pending = nil
}

func TestRegistry_DeliverInRegistrationOrder(t *testing.T) {
	r := NewRegistry[string](nil)
	r.Register("a", nil, nil, "first")
	r.Register("b", nil, nil, "other")
	r.Register("a", nil, nil, "second")

	var got []string
	n := r.DeliverKey("a", func(p string) { got = append(got, p) })

	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"first", "second"}, got)
	assert.Equal(t, 2, r.Count("a"))
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"a", "b"}, r.Keys())
}

func TestRegistry_DeadOwnerRemovedOnDelivery(t *testing.T) {
	r := NewRegistry[int](nil)
	owner := NewLifetime()
	sub := r.Register("k", owner, nil, 1)

	owner.Release()
	delivered := r.Deliver(sub.ID, func(int) { t.Fatal("dead owner MUST NOT receive callbacks") })

	assert.False(t, delivered)
	assert.Zero(t, r.Len(), "dead owner MUST be removed lazily")
	assert.True(t, sub.Removed())
}

func TestRegistry_ContextOwner(t *testing.T) {
	r := NewRegistry[int](nil)
	ctx, cancel := context.WithCancel(context.Background())
	r.Register("k", ContextOwner(ctx), nil, 1)
	r.Register("k", nil, nil, 2)

	cancel()
	assert.Equal(t, 1, r.Prune())
	assert.Equal(t, 1, r.Count("k"))
}

func TestRegistry_RemovedBeforeExecutionSkips(t *testing.T) {
	// GOAL: a callback scheduled before removal but executed after it is skipped
	q := &queueExecutor{}
	r := NewRegistry[int](q)
	sub := r.Register("k", nil, nil, 7)

	var calls atomic.Int32
	require.True(t, r.Deliver(sub.ID, func(int) { calls.Add(1) }))
	r.Remove(sub.ID)
	q.flush()

	assert.Zero(t, calls.Load())
	assert.False(t, r.Deliver(sub.ID, func(int) { calls.Add(1) }), "removed id MUST NOT be deliverable")
}

func TestRegistry_RemoveKey(t *testing.T) {
	r := NewRegistry[int](nil)
	r.Register("x", nil, nil, 1)
	r.Register("y", nil, nil, 2)
	r.Register("x", nil, nil, 3)

	removed := r.RemoveKey("x")
	assert.Len(t, removed, 2)
	assert.Equal(t, 1, r.Len())
	for _, s := range removed {
		assert.True(t, s.Removed())
	}
}

func TestRegistry_DeliverAll(t *testing.T) {
	r := NewRegistry[int](nil)
	r.Register("x", nil, nil, 1)
	r.Register("", nil, nil, 2)

	sum := 0
	assert.Equal(t, 2, r.DeliverAll(func(p int) { sum += p }))
	assert.Equal(t, 3, sum)
}

func TestRegistry_PerSubscriptionExecutor(t *testing.T) {
	q := &queueExecutor{}
	r := NewRegistry[int](nil)
	r.Register("k", nil, q, 1)
	r.Register("k", nil, nil, 2)

	var got []int
	r.DeliverKey("k", func(p int) { got = append(got, p) })
	assert.Equal(t, []int{2}, got, "inline subscription runs immediately")
	q.flush()
	assert.Equal(t, []int{2, 1}, got)
}

func TestToken_InvalidateOnce(t *testing.T) {
	var n atomic.Int32
	tok := NewToken(func() { n.Add(1) })

	for i := 0; i < 5; i++ {
		go tok.Invalidate()
	}
	tok.Invalidate()

	assert.Eventually(t, func() bool { return n.Load() == 1 }, timeoutShort, tickShort)
	var nilTok *Token
	assert.NotPanics(t, nilTok.Invalidate)
}

func TestTokens_Invalidate(t *testing.T) {
	var n atomic.Int32
	ts := Tokens{NewToken(func() { n.Add(1) }), nil, NewToken(func() { n.Add(1) })}
	ts.Invalidate()
	ts.Invalidate()
	assert.Equal(t, int32(2), n.Load())
}

func TestRegistry_CompleteDeliversAfterRemoval(t *testing.T) {
	q := &queueExecutor{}
	r := NewRegistry[string](q)
	sub := r.Register("a", nil, nil, "final")

	var got []string
	require.True(t, r.Complete(sub.ID, func(p string) { got = append(got, p) }))
	assert.True(t, sub.Removed())
	assert.Zero(t, r.Len())

	q.flush()
	assert.Equal(t, []string{"final"}, got, "final delivery MUST run after removal")
	assert.False(t, r.Complete(sub.ID, func(string) {}), "second completion MUST be a no-op")
}
