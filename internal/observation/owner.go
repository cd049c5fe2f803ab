package observation

import (
	"context"
	"sync/atomic"
)

// Owner is the logical holder of a subscription. Once Alive reports false the
// subscription is dropped on its next delivery attempt, without an error.
type Owner interface {
	Alive() bool
}

// OwnerFunc adapts a plain liveness check to Owner.
type OwnerFunc func() bool

func (f OwnerFunc) Alive() bool { return f() }

// Lifetime is an Owner that stays alive until Release is called.
type Lifetime struct {
	released atomic.Bool
}

func NewLifetime() *Lifetime { return &Lifetime{} }

func (l *Lifetime) Alive() bool { return !l.released.Load() }

// Release ends the lifetime. Subscriptions held by it stop receiving events.
func (l *Lifetime) Release() { l.released.Store(true) }

// ContextOwner is alive until ctx is done.
func ContextOwner(ctx context.Context) Owner {
	return OwnerFunc(func() bool { return ctx.Err() == nil })
}

func alive(o Owner) bool {
	return o == nil || o.Alive()
}
