package observation

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ID identifies a subscription inside a Registry.
type ID = uuid.UUID

// Subscription is one registered observer. Key is a peripheral UUID filter, or
// empty for subscriptions that observe everything.
type Subscription[P any] struct {
	ID        ID
	Key       string
	Owner     Owner
	Executor  Executor
	Payload   P
	CreatedAt time.Time

	removed atomic.Bool
}

// Removed reports whether the subscription has left its registry.
func (s *Subscription[P]) Removed() bool { return s.removed.Load() }

// Alive reports whether the subscription's owner is still around. Subscriptions
// without an owner are always alive.
func (s *Subscription[P]) Alive() bool { return alive(s.Owner) }

// Registry is an insertion-ordered table of subscriptions carrying payload P.
// It is not safe for concurrent use: callers mutate it from a single worker.
type Registry[P any] struct {
	entries  *orderedmap.OrderedMap[ID, *Subscription[P]]
	executor Executor
	now      func() time.Time
}

// NewRegistry creates an empty registry. Subscriptions registered without an
// executor deliver through fallback; a nil fallback means Inline.
func NewRegistry[P any](fallback Executor) *Registry[P] {
	if fallback == nil {
		fallback = Inline
	}
	return &Registry[P]{
		entries:  orderedmap.New[ID, *Subscription[P]](),
		executor: fallback,
		now:      time.Now,
	}
}

// Register adds a subscription and returns it.
func (r *Registry[P]) Register(key string, owner Owner, executor Executor, payload P) *Subscription[P] {
	if executor == nil {
		executor = r.executor
	}
	sub := &Subscription[P]{
		ID:        uuid.New(),
		Key:       key,
		Owner:     owner,
		Executor:  executor,
		Payload:   payload,
		CreatedAt: r.now(),
	}
	r.entries.Set(sub.ID, sub)
	return sub
}

// Get looks a subscription up by id.
func (r *Registry[P]) Get(id ID) (*Subscription[P], bool) {
	return r.entries.Get(id)
}

// Remove drops a subscription. Callbacks already handed to its executor will
// see it as removed and skip.
func (r *Registry[P]) Remove(id ID) (*Subscription[P], bool) {
	sub, ok := r.entries.Delete(id)
	if ok {
		sub.removed.Store(true)
	}
	return sub, ok
}

// RemoveKey drops every subscription registered under key and returns them.
func (r *Registry[P]) RemoveKey(key string) []*Subscription[P] {
	subs := r.Keyed(key)
	for _, sub := range subs {
		r.Remove(sub.ID)
	}
	return subs
}

// Deliver schedules fn with the subscription's payload on its executor. A dead
// owner removes the subscription instead. Reports whether a delivery was scheduled.
func (r *Registry[P]) Deliver(id ID, fn func(P)) bool {
	sub, ok := r.entries.Get(id)
	if !ok {
		return false
	}
	if !alive(sub.Owner) {
		r.Remove(id)
		return false
	}
	sub.Executor.Execute(func() {
		if sub.removed.Load() {
			return
		}
		fn(sub.Payload)
	})
	return true
}

// Complete removes the subscription and schedules fn as its final delivery.
// Unlike Deliver, the scheduled callback runs even though the subscription is
// already gone. A dead owner gets nothing.
func (r *Registry[P]) Complete(id ID, fn func(P)) bool {
	sub, ok := r.Remove(id)
	if !ok || !alive(sub.Owner) {
		return false
	}
	sub.Executor.Execute(func() { fn(sub.Payload) })
	return true
}

// DeliverKey delivers to every live subscription under key, in registration order.
func (r *Registry[P]) DeliverKey(key string, fn func(P)) int {
	n := 0
	for _, sub := range r.Keyed(key) {
		if r.Deliver(sub.ID, fn) {
			n++
		}
	}
	return n
}

// DeliverAll delivers to every live subscription regardless of key.
func (r *Registry[P]) DeliverAll(fn func(P)) int {
	n := 0
	for _, sub := range r.All() {
		if r.Deliver(sub.ID, fn) {
			n++
		}
	}
	return n
}

// Keyed returns a snapshot of the subscriptions under key, in registration order.
func (r *Registry[P]) Keyed(key string) []*Subscription[P] {
	var out []*Subscription[P]
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Key == key {
			out = append(out, pair.Value)
		}
	}
	return out
}

// All returns a snapshot of every subscription, in registration order.
func (r *Registry[P]) All() []*Subscription[P] {
	out := make([]*Subscription[P], 0, r.entries.Len())
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Keys returns the distinct keys in first-registration order.
func (r *Registry[P]) Keys() []string {
	seen := make(map[string]struct{})
	var out []string
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		if _, ok := seen[pair.Value.Key]; ok {
			continue
		}
		seen[pair.Value.Key] = struct{}{}
		out = append(out, pair.Value.Key)
	}
	return out
}

// Prune removes subscriptions whose owner is gone and returns how many were dropped.
func (r *Registry[P]) Prune() int {
	n := 0
	for _, sub := range r.All() {
		if !alive(sub.Owner) {
			r.Remove(sub.ID)
			n++
		}
	}
	return n
}

// Count returns the number of subscriptions under key.
func (r *Registry[P]) Count(key string) int {
	n := 0
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Key == key {
			n++
		}
	}
	return n
}

// Len returns the total number of subscriptions.
func (r *Registry[P]) Len() int { return r.entries.Len() }
