// Package options holds the per-call configuration bag accepted by scanning,
// connection and service calls.
package options

import (
	"context"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/rinat-enikeev/BTKit-sub000/internal/observation"
)

// Options is the configuration of a single call. Zero timeouts disable the timeout.
type Options struct {
	// Executor receives callbacks. Nil means the component's own delivery queue.
	Executor observation.Executor
	// Owner keeps the subscription alive. Nil means alive until invalidated.
	Owner observation.Owner

	ConnectionTimeout time.Duration `default:"0s"`
	ServiceTimeout    time.Duration `default:"0s"`
	LostDeviceDelay   time.Duration `default:"5s"`
	DemoDeviceCount   int           `default:"0"`
}

// Option mutates Options.
type Option func(*Options)

// Apply builds Options from defaults and opts, in order.
func Apply(opts ...Option) Options {
	o := Options{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func WithExecutor(e observation.Executor) Option {
	return func(o *Options) { o.Executor = e }
}

func WithOwner(owner observation.Owner) Option {
	return func(o *Options) { o.Owner = owner }
}

// WithContext ties the subscription to ctx: it is dropped once ctx is done.
func WithContext(ctx context.Context) Option {
	return func(o *Options) { o.Owner = observation.ContextOwner(ctx) }
}

func WithConnectionTimeout(d time.Duration) Option {
	return func(o *Options) { o.ConnectionTimeout = d }
}

func WithServiceTimeout(d time.Duration) Option {
	return func(o *Options) { o.ServiceTimeout = d }
}

func WithLostDeviceDelay(d time.Duration) Option {
	return func(o *Options) { o.LostDeviceDelay = d }
}

// WithDemoDeviceCount makes the scanner synthesize n sensor tags instead of using the radio.
func WithDemoDeviceCount(n int) Option {
	return func(o *Options) { o.DemoDeviceCount = n }
}
