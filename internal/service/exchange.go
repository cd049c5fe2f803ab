// Package service runs the request/response protocols carried over a
// connection: the sensor log download over UART, single GATT reads and the
// wallet APDU exchange.
package service

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/rinat-enikeev/BTKit-sub000/internal/connection"
	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
	"github.com/rinat-enikeev/BTKit-sub000/internal/groutine"
	"github.com/rinat-enikeev/BTKit-sub000/internal/observation"
	"github.com/rinat-enikeev/BTKit-sub000/internal/options"
)

// Phase is the progress of one exchange.
type Phase int

const (
	Idle Phase = iota
	AwaitingConnect
	AwaitingServiceReady
	Requesting
	Streaming
	Completed
	Failed
	TimedOut
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case AwaitingConnect:
		return "awaiting_connect"
	case AwaitingServiceReady:
		return "awaiting_service_ready"
	case Requesting:
		return "requesting"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can follow.
func (p Phase) Terminal() bool {
	return p == Completed || p == Failed || p == TimedOut
}

// Connector is the part of a connection manager the protocols drive.
type Connector interface {
	Connect(id string, onConnected func(connection.ConnectResult), onHeartbeat func(device.Device),
		onDisconnected func(connection.DisconnectResult), opts ...options.Option) *observation.Token
	Serve(id string, service connection.Service, handler connection.Handler, opts ...options.Option) *observation.Token
}

var _ Connector = (*connection.Manager)(nil)

// Exchange is one running protocol request. Its result is reported exactly
// once; afterwards it lets go of the link.
type Exchange struct {
	logger *logrus.Entry

	mu      sync.Mutex
	phase   Phase
	tokens  observation.Tokens
	link    *connection.Link
	onPhase func(Phase)
	finish  func(err error)
	deliver observation.Executor
}

// Phase returns the current phase.
func (e *Exchange) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Cancel abandons the exchange. The result callback is not called.
func (e *Exchange) Cancel() {
	e.mu.Lock()
	if e.phase.Terminal() {
		e.mu.Unlock()
		return
	}
	e.phase = Failed
	tokens := e.tokens
	e.tokens = nil
	e.mu.Unlock()
	tokens.Invalidate()
}

func (e *Exchange) setPhase(p Phase) bool {
	e.mu.Lock()
	if e.phase.Terminal() || e.phase == p {
		e.mu.Unlock()
		return false
	}
	e.phase = p
	onPhase := e.onPhase
	e.mu.Unlock()

	e.logger.WithField("phase", p).Debug("Exchange phase changed")
	if onPhase != nil {
		e.deliver.Execute(func() { onPhase(p) })
	}
	return true
}

// complete moves to the terminal phase matching err and reports once.
func (e *Exchange) complete(err error) {
	terminal := Completed
	switch {
	case device.KindOf(err) == device.ConnectionTimedOut, device.KindOf(err) == device.ServiceTimedOut:
		terminal = TimedOut
	case err != nil:
		terminal = Failed
	}

	e.mu.Lock()
	if e.phase.Terminal() {
		e.mu.Unlock()
		return
	}
	e.phase = terminal
	tokens := e.tokens
	e.tokens = nil
	onPhase := e.onPhase
	finish := e.finish
	e.mu.Unlock()

	tokens.Invalidate()
	if err != nil {
		e.logger.WithError(err).WithField("phase", terminal).Info("Exchange ended")
	} else {
		e.logger.Debug("Exchange completed")
	}
	e.deliver.Execute(func() {
		if onPhase != nil {
			onPhase(terminal)
		}
		finish(err)
	})
}

func (e *Exchange) current() *connection.Link {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.link
}

// protocol is what each service plugs into an exchange.
type protocol interface {
	service() connection.Service
	// request starts a fresh exchange on a ready link.
	request(link *connection.Link) error
	// response consumes one frame; done reports the exchange is complete.
	response(link *connection.Link, characteristic string, data []byte) (done bool, err error)
	// streaming reports whether responses arrive as a stream of progress frames.
	streaming() bool
}

// Client runs protocols over a Connector.
type Client struct {
	conn     Connector
	logger   *logrus.Logger
	delivery *groutine.Serial
}

// NewClient creates a Client. A nil logger gets a default one.
func NewClient(conn Connector, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		conn:     conn,
		logger:   logger,
		delivery: groutine.NewSerial(context.Background(), "service-delivery", logger),
	}
}

// Close stops result delivery. Running exchanges are not cancelled.
func (c *Client) Close() {
	c.delivery.Close()
}

// start connects to id, serves the protocol's service and wires the result.
// onPhase may be nil.
func (c *Client) start(id string, p protocol, onPhase func(Phase), finish func(error), opts []options.Option) *Exchange {
	e := &Exchange{
		logger:  c.logger.WithFields(logrus.Fields{"peripheral": id, "service": p.service().Name}),
		onPhase: onPhase,
		finish:  finish,
		deliver: options.Apply(opts...).Executor,
	}
	if e.deliver == nil {
		e.deliver = c.delivery
	}
	// callbacks run inline on the manager so frames are handled in arrival order
	opts = append(append([]options.Option(nil), opts...), options.WithExecutor(observation.Inline))

	e.setPhase(AwaitingConnect)
	connectToken := c.conn.Connect(id, func(r connection.ConnectResult) {
		if r.Status == connection.ConnectFailure {
			e.complete(r.Err)
			return
		}
		if e.Phase() == AwaitingConnect {
			e.setPhase(AwaitingServiceReady)
		}
	}, nil, nil, opts...)

	serveToken := c.conn.Serve(id, p.service(), connection.HandlerFuncs{
		OnRequest: func(link *connection.Link) {
			e.mu.Lock()
			e.link = link
			e.mu.Unlock()
			e.setPhase(Requesting)
			if err := p.request(link); err != nil {
				e.complete(device.Wrap(device.FailedToParseRequest, err))
			}
		},
		OnResponse: func(characteristic string, data []byte) {
			link := e.current()
			if link == nil || e.Phase().Terminal() {
				return
			}
			if p.streaming() {
				e.setPhase(Streaming)
			}
			done, err := p.response(link, characteristic, data)
			switch {
			case err != nil:
				e.complete(err)
			case done:
				link.Finish()
				e.complete(nil)
			}
		},
		OnFailure: e.complete,
	}, opts...)

	e.mu.Lock()
	if e.phase.Terminal() {
		e.mu.Unlock()
		connectToken.Invalidate()
		serveToken.Invalidate()
		return e
	}
	e.tokens = observation.Tokens{connectToken, serveToken}
	e.mu.Unlock()
	return e
}
