// Package connection keeps BLE links up for as long as someone wants them and
// routes service traffic over those links.
//
// A Manager owns one radio adapter. Every adapter event and every state change
// runs on the manager's worker; callbacks are delivered on each subscriber's
// executor afterwards.
package connection

import (
	"context"
	"fmt"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
	"github.com/rinat-enikeev/BTKit-sub000/internal/groutine"
	"github.com/rinat-enikeev/BTKit-sub000/internal/observation"
	"github.com/rinat-enikeev/BTKit-sub000/internal/options"
	"github.com/rinat-enikeev/BTKit-sub000/internal/radio"
)

// Config tunes a Manager.
type Config struct {
	Name string `default:"connection"`
	// TickInterval is the period of the connect and service timeout checks.
	TickInterval time.Duration `default:"1s"`
	// ReconnectBackoffMax caps the delay before re-connecting a dropped link.
	// Zero reconnects immediately, forever.
	ReconnectBackoffMax  time.Duration
	ReconnectBackoffBase time.Duration `default:"1s"`

	Catalog    []Service
	Heartbeats []HeartbeatDecoder
	Logger     *logrus.Logger
	// Delivery is the default callback executor. Nil means a dedicated delivery queue.
	Delivery observation.Executor
	Now      func() time.Time
}

type peripheral struct {
	id        string
	lifecycle radio.Lifecycle
	services  map[string]*registration
	// pending services are being discovered; batches mirror the outstanding
	// DiscoverServices calls in issue order.
	pending  map[string]bool
	batches  [][]string
	attempts int
	retry    *groutine.Timer
}

// reset forgets everything learned over the last link.
func (p *peripheral) reset() {
	p.services = make(map[string]*registration)
	p.pending = make(map[string]bool)
	p.batches = nil
}

type registration struct {
	service Service
	chars   map[string]radio.Characteristic
	ready   bool
}

type connectSub struct {
	onConnected func(ConnectResult)
	timeout     time.Duration
	startedAt   time.Time
	waiting     bool
	heartbeat   observation.ID
	disconnect  observation.ID
}

type disconnectSub struct {
	onDisconnected func(DisconnectResult)
	// once subscriptions come from Disconnect and end with the first report.
	once bool
}

type serveSub struct {
	service      Service
	handler      Handler
	timeout      time.Duration
	dispatched   bool
	finished     bool
	lastActivity time.Time
	link         *Link
}

// Manager is the connection state machine for one adapter.
type Manager struct {
	adapter  radio.Adapter
	cfg      Config
	logger   *logrus.Entry
	worker   *groutine.Serial
	delivery *groutine.Serial

	catalog map[string]Service

	connects    *observation.Registry[*connectSub]
	disconnects *observation.Registry[*disconnectSub]
	heartbeats  *observation.Registry[func(device.Device)]
	serves      *observation.Registry[*serveSub]
	rssi        *observation.Registry[func(int, error)]

	peripherals map[string]*peripheral
	state       radio.State
	restored    []radio.RestoredPeripheral
	scanning    bool
	ticker      *groutine.Timer
	sweeper     *groutine.Timer
	unobserve   func()
}

// New creates a Manager and starts observing adapter.
func New(adapter radio.Adapter, cfg Config) *Manager {
	defaults.SetDefaults(&cfg)
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog()
	}
	if cfg.Heartbeats == nil {
		cfg.Heartbeats = []HeartbeatDecoder{RuuviHeartbeat}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Manager{
		adapter:     adapter,
		cfg:         cfg,
		logger:      cfg.Logger.WithField("manager", cfg.Name),
		worker:      groutine.NewSerial(context.Background(), cfg.Name, cfg.Logger),
		catalog:     make(map[string]Service, len(cfg.Catalog)),
		peripherals: make(map[string]*peripheral),
	}
	for _, s := range cfg.Catalog {
		m.catalog[radio.NormalizeUUID(s.UUID)] = s
	}

	fallback := cfg.Delivery
	if fallback == nil {
		m.delivery = groutine.NewSerial(context.Background(), cfg.Name+"-delivery", cfg.Logger)
		fallback = m.delivery
	}
	m.connects = observation.NewRegistry[*connectSub](fallback)
	m.disconnects = observation.NewRegistry[*disconnectSub](fallback)
	m.heartbeats = observation.NewRegistry[func(device.Device)](fallback)
	m.serves = observation.NewRegistry[*serveSub](fallback)
	m.rssi = observation.NewRegistry[func(int, error)](fallback)

	m.unobserve = adapter.Observe(func(e radio.Event) {
		m.worker.Async(func() { m.handle(e) })
	})
	return m
}

// Close stops the manager. Links are left to the adapter.
func (m *Manager) Close() {
	m.worker.Sync(func() {
		m.ticker.Stop()
		m.sweeper.Stop()
		for _, p := range m.peripherals {
			p.retry.Stop()
		}
		if m.scanning {
			_ = m.adapter.StopScan()
			m.scanning = false
		}
	})
	if m.unobserve != nil {
		m.unobserve()
	}
	m.worker.Close()
	if m.delivery != nil {
		m.delivery.Close()
	}
}

// Connect asks for a link to id and keeps it up until the token is invalidated.
// onConnected fires on every (re)connection, onHeartbeat on every heartbeat
// frame, onDisconnected on every drop. Any callback may be nil.
func (m *Manager) Connect(id string, onConnected func(ConnectResult), onHeartbeat func(device.Device),
	onDisconnected func(DisconnectResult), opts ...options.Option) *observation.Token {
	o := options.Apply(opts...)
	return m.register(func() func() {
		if err := radio.ValidatePeripheral(id); err != nil {
			m.deliverOnce(o, func() { callConnected(onConnected, ConnectResult{Status: ConnectFailure, Err: err}) })
			return nil
		}
		p := m.peripheral(id)

		cs := &connectSub{
			onConnected: onConnected,
			timeout:     o.ConnectionTimeout,
			startedAt:   m.cfg.Now(),
			waiting:     p.lifecycle != radio.LifecycleConnected,
		}
		if onHeartbeat != nil {
			cs.heartbeat = m.heartbeats.Register(id, o.Owner, o.Executor, onHeartbeat).ID
		}
		if onDisconnected != nil {
			cs.disconnect = m.disconnects.Register(id, o.Owner, o.Executor, &disconnectSub{onDisconnected: onDisconnected}).ID
		}
		sub := m.connects.Register(id, o.Owner, o.Executor, cs)
		m.logger.WithFields(logrus.Fields{"peripheral": id, "lifecycle": p.lifecycle}).Debug("Connect requested")

		switch p.lifecycle {
		case radio.LifecycleConnected:
			m.connects.Deliver(sub.ID, func(c *connectSub) { callConnected(c.onConnected, ConnectResult{Status: ConnectAlready}) })
			if onHeartbeat != nil {
				m.discover(p)
			}
		case radio.LifecycleDisconnected:
			m.attempt(p)
		}
		if cs.timeout > 0 && cs.waiting {
			m.ensureTicker()
		}
		if o.Owner != nil {
			m.ensureSweeper()
		}
		return func() { m.dropConnect(sub.ID) }
	})
}

// Disconnect asks for the link to id to go down. With another connect
// subscriber still holding the link, the request is honored passively: the
// caller is told StillConnected and hears about the real drop later.
func (m *Manager) Disconnect(id string, onDisconnected func(DisconnectResult), opts ...options.Option) *observation.Token {
	o := options.Apply(opts...)
	return m.register(func() func() {
		p, ok := m.peripherals[id]
		if !ok || p.lifecycle == radio.LifecycleDisconnected {
			m.deliverOnce(o, func() { callDisconnected(onDisconnected, DisconnectResult{Status: DisconnectAlready}) })
			return nil
		}

		sub := m.disconnects.Register(id, o.Owner, o.Executor, &disconnectSub{onDisconnected: onDisconnected, once: true})
		holders := m.connects.Keyed(id)
		if len(holders) > 1 {
			m.logger.WithField("peripheral", id).Debug("Disconnect deferred, link held by others")
			m.disconnects.Deliver(sub.ID, func(d *disconnectSub) {
				callDisconnected(d.onDisconnected, DisconnectResult{Status: DisconnectStillConnected, Err: device.ErrAlreadyConnectedByOthers})
			})
			return func() { m.disconnects.Remove(sub.ID) }
		}

		for _, h := range holders {
			m.dropConnect(h.ID)
		}
		m.cancel(p)
		return func() { m.disconnects.Remove(sub.ID) }
	})
}

// Serve arms handler for service on id. The handler's Request fires every time
// the service becomes ready, including right away if it already is. Serve
// does not keep the link up on its own; pair it with Connect.
func (m *Manager) Serve(id string, service Service, handler Handler, opts ...options.Option) *observation.Token {
	o := options.Apply(opts...)
	service.UUID = radio.NormalizeUUID(service.UUID)
	return m.register(func() func() {
		if _, known := m.catalog[service.UUID]; !known {
			m.catalog[service.UUID] = service
		}
		ss := &serveSub{service: service, handler: handler, timeout: o.ServiceTimeout}
		sub := m.serves.Register(id, o.Owner, o.Executor, ss)
		ss.link = &Link{m: m, peripheral: id, service: service, sub: sub.ID}

		if p, ok := m.peripherals[id]; ok && p.lifecycle == radio.LifecycleConnected {
			if reg, ok := p.services[service.UUID]; ok && reg.ready {
				m.dispatch(sub)
			} else {
				m.discover(p)
			}
		}
		return func() { m.serves.Remove(sub.ID) }
	})
}

// ServeUART arms handler for the Nordic UART service.
func (m *Manager) ServeUART(id string, handler Handler, opts ...options.Option) *observation.Token {
	return m.Serve(id, UART, handler, opts...)
}

// ServeGATT arms handler for the Device Information service.
func (m *Manager) ServeGATT(id string, handler Handler, opts ...options.Option) *observation.Token {
	return m.Serve(id, DeviceInformation, handler, opts...)
}

// ServeLedger arms handler for the Ledger transport service.
func (m *Manager) ServeLedger(id string, handler Handler, opts ...options.Option) *observation.Token {
	return m.Serve(id, Ledger, handler, opts...)
}

// IsConnected reports whether id currently has an established link.
func (m *Manager) IsConnected(id string) bool {
	var connected bool
	m.worker.Sync(func() {
		p, ok := m.peripherals[id]
		connected = ok && p.lifecycle == radio.LifecycleConnected
	})
	return connected
}

// ReadRSSI reads the signal strength of a connected peripheral once.
func (m *Manager) ReadRSSI(id string, onRSSI func(rssi int, err error), opts ...options.Option) *observation.Token {
	o := options.Apply(opts...)
	return m.register(func() func() {
		p, ok := m.peripherals[id]
		if !ok || p.lifecycle != radio.LifecycleConnected {
			m.deliverOnce(o, func() { onRSSI(0, device.ErrNotConnected) })
			return nil
		}
		sub := m.rssi.Register(id, o.Owner, o.Executor, onRSSI)
		if m.rssi.Count(id) == 1 {
			if err := m.adapter.ReadRSSI(id); err != nil {
				m.completeRSSI(id, 0, device.ReadRSSIFailed(err))
			}
		}
		return func() { m.rssi.Remove(sub.ID) }
	})
}

// register runs add on the worker and returns a token whose invalidation runs
// the remover add returned, also on the worker.
func (m *Manager) register(add func() (remove func())) *observation.Token {
	removeCh := make(chan func(), 1)
	m.worker.Async(func() { removeCh <- add() })
	return observation.NewToken(func() {
		m.worker.Async(func() {
			if remove := <-removeCh; remove != nil {
				remove()
			}
		})
	})
}

// deliverOnce runs fn on the caller's executor without a subscription.
func (m *Manager) deliverOnce(o options.Options, fn func()) {
	exec := o.Executor
	if exec == nil {
		exec = m.cfg.Delivery
	}
	if exec == nil {
		exec = m.delivery
	}
	exec.Execute(fn)
}

func callConnected(fn func(ConnectResult), r ConnectResult) {
	if fn != nil {
		fn(r)
	}
}

func callDisconnected(fn func(DisconnectResult), r DisconnectResult) {
	if fn != nil {
		fn(r)
	}
}

func (m *Manager) peripheral(id string) *peripheral {
	p, ok := m.peripherals[id]
	if !ok {
		p = &peripheral{id: id}
		p.reset()
		m.peripherals[id] = p
	}
	return p
}

// wanted reports whether a live connect subscriber holds id. Subscribers
// whose owner is gone are pruned on the way.
func (m *Manager) wanted(id string) bool {
	m.pruneConnects(id)
	return m.connects.Count(id) > 0
}

// pruneConnects drops connect subscriptions on id whose owner is gone, with
// their companions. It does not release the link; callers decide that.
func (m *Manager) pruneConnects(id string) int {
	n := 0
	for _, sub := range m.connects.Keyed(id) {
		if sub.Alive() {
			continue
		}
		m.logger.WithField("peripheral", id).Debug("Connect owner gone")
		m.connects.Remove(sub.ID)
		m.heartbeats.Remove(sub.Payload.heartbeat)
		m.disconnects.Remove(sub.Payload.disconnect)
		n++
	}
	return n
}

func (m *Manager) ensureSweeper() {
	if m.sweeper.Stopped() {
		m.sweeper = m.worker.Every(m.cfg.TickInterval, m.sweepOwners)
	}
}

// sweepOwners lets go of links whose every holder has died. It runs while
// some connect subscription has an owner to watch.
func (m *Manager) sweepOwners() {
	for id := range m.peripherals {
		m.release(id)
	}
	m.disconnects.Prune()
	m.heartbeats.Prune()
	m.serves.Prune()
	m.rssi.Prune()

	for _, sub := range m.connects.All() {
		if sub.Owner != nil {
			return
		}
	}
	m.sweeper.Stop()
}

// dropConnect removes a connect subscription with its heartbeat and disconnect
// companions, and lets the link go once nobody wants it.
func (m *Manager) dropConnect(id observation.ID) {
	sub, ok := m.connects.Remove(id)
	if !ok {
		return
	}
	m.heartbeats.Remove(sub.Payload.heartbeat)
	m.disconnects.Remove(sub.Payload.disconnect)
	m.release(sub.Key)
}

func (m *Manager) release(id string) {
	if m.wanted(id) {
		return
	}
	p, ok := m.peripherals[id]
	if !ok {
		return
	}
	switch p.lifecycle {
	case radio.LifecycleConnected, radio.LifecycleConnecting:
		m.cancel(p)
	default:
		p.retry.Stop()
		m.forget(p)
	}
	m.updateScanning()
}

func (m *Manager) cancel(p *peripheral) {
	p.retry.Stop()
	if p.lifecycle == radio.LifecycleDisconnected || p.lifecycle == radio.LifecycleDisconnecting {
		return
	}
	m.logger.WithField("peripheral", p.id).Info("Cancelling connection")
	p.lifecycle = radio.LifecycleDisconnecting
	if err := m.adapter.CancelConnect(p.id); err != nil {
		m.logger.WithError(err).WithField("peripheral", p.id).Warn("Failed to cancel connection")
	}
}

// forget drops an idle peripheral nobody references.
func (m *Manager) forget(p *peripheral) {
	if p.lifecycle != radio.LifecycleDisconnected || m.wanted(p.id) ||
		m.disconnects.Count(p.id) > 0 || m.serves.Count(p.id) > 0 {
		return
	}
	delete(m.peripherals, p.id)
}

// attempt issues a physical connect for a wanted, idle peripheral.
func (m *Manager) attempt(p *peripheral) {
	if p.lifecycle != radio.LifecycleDisconnected || m.state != radio.StatePoweredOn {
		return
	}
	if !m.adapter.Retrieve(p.id) {
		m.logger.WithField("peripheral", p.id).Debug("Peripheral not retrievable, waiting for discovery")
		m.updateScanning()
		return
	}
	m.logger.WithField("peripheral", p.id).Info("Connecting")
	if err := m.adapter.Connect(p.id); err != nil {
		m.failConnect(p, err)
		return
	}
	p.lifecycle = radio.LifecycleConnecting
	m.updateScanning()
}

func (m *Manager) failConnect(p *peripheral, err error) {
	m.logger.WithError(err).WithField("peripheral", p.id).Warn("Connect failed")
	p.lifecycle = radio.LifecycleDisconnected
	res := ConnectResult{Status: ConnectFailure, Err: device.ConnectFailed(err)}
	m.connects.DeliverKey(p.id, func(c *connectSub) { callConnected(c.onConnected, res) })
}

// updateScanning scans while a wanted peripheral can only be reached through discovery.
func (m *Manager) updateScanning() {
	want := false
	if m.state == radio.StatePoweredOn {
		for id, p := range m.peripherals {
			if p.lifecycle == radio.LifecycleDisconnected && m.wanted(id) && !m.adapter.Retrieve(id) {
				want = true
				break
			}
		}
	}
	switch {
	case want && !m.scanning:
		if err := m.adapter.Scan(nil); err != nil {
			m.logger.WithError(err).Warn("Failed to start scan")
			return
		}
		m.scanning = true
	case !want && m.scanning:
		if err := m.adapter.StopScan(); err != nil {
			m.logger.WithError(err).Warn("Failed to stop scan")
		}
		m.scanning = false
	}
}

// wantedServices lists catalog services needed on id, in catalog order.
func (m *Manager) wantedServices(id string) []Service {
	need := make(map[string]bool)
	for _, s := range m.serves.Keyed(id) {
		need[s.Payload.service.UUID] = true
	}
	var out []Service
	for _, s := range m.cfg.Catalog {
		u := radio.NormalizeUUID(s.UUID)
		if need[u] || (s.Heartbeat && m.heartbeats.Count(id) > 0) {
			out = append(out, s)
			delete(need, u)
		}
	}
	for u := range need {
		out = append(out, m.catalog[u])
	}
	return out
}

// discover asks for every wanted service not prepared yet.
func (m *Manager) discover(p *peripheral) {
	var missing []string
	for _, s := range m.wantedServices(p.id) {
		u := radio.NormalizeUUID(s.UUID)
		if _, ok := p.services[u]; ok || p.pending[u] {
			continue
		}
		missing = append(missing, u)
	}
	if len(missing) == 0 {
		return
	}
	for _, u := range missing {
		p.pending[u] = true
	}
	p.batches = append(p.batches, missing)
	if err := m.adapter.DiscoverServices(p.id, missing); err != nil {
		m.logger.WithError(err).WithField("peripheral", p.id).Warn("Service discovery failed")
		p.batches = p.batches[:len(p.batches)-1]
		for _, u := range missing {
			delete(p.pending, u)
			m.failService(p.id, u, device.Wrap(device.Unexpected, err))
		}
	}
}

// dispatch hands the link to a serve subscriber and starts its service timer.
func (m *Manager) dispatch(sub *observation.Subscription[*serveSub]) {
	s := sub.Payload
	s.dispatched = true
	s.finished = false
	s.lastActivity = m.cfg.Now()
	if s.timeout > 0 {
		m.ensureTicker()
	}
	link := s.link
	m.serves.Deliver(sub.ID, func(s *serveSub) { s.handler.Request(link) })
}

// undispatch parks id's serve subscribers until their service is ready on the next link.
func (m *Manager) undispatch(id string) {
	for _, sub := range m.serves.Keyed(id) {
		sub.Payload.dispatched = false
	}
}

func (m *Manager) failService(id, service string, err error) {
	for _, sub := range m.serves.Keyed(id) {
		if sub.Payload.service.UUID != service {
			continue
		}
		m.serves.Complete(sub.ID, func(s *serveSub) { s.handler.Failure(err) })
	}
}

func (m *Manager) completeRSSI(id string, rssi int, err error) {
	for _, sub := range m.rssi.Keyed(id) {
		m.rssi.Complete(sub.ID, func(fn func(int, error)) { fn(rssi, err) })
	}
}

func (m *Manager) ensureTicker() {
	if m.ticker.Stopped() {
		m.ticker = m.worker.Every(m.cfg.TickInterval, m.checkTimeouts)
	}
}

// checkTimeouts expires connect and service subscriptions past their deadline.
func (m *Manager) checkTimeouts() {
	now := m.cfg.Now()
	pending := false

	for _, sub := range m.connects.All() {
		c := sub.Payload
		if c.timeout <= 0 || !c.waiting {
			continue
		}
		if now.Sub(c.startedAt) < c.timeout {
			pending = true
			continue
		}
		m.logger.WithFields(logrus.Fields{"peripheral": sub.Key, "timeout": c.timeout}).Info("Connection timed out")
		m.heartbeats.Remove(c.heartbeat)
		m.disconnects.Remove(c.disconnect)
		m.connects.Complete(sub.ID, func(c *connectSub) {
			callConnected(c.onConnected, ConnectResult{Status: ConnectFailure, Err: device.ErrConnectionTimedOut})
		})
		m.release(sub.Key)
	}

	for _, sub := range m.serves.All() {
		s := sub.Payload
		if s.timeout <= 0 || !s.dispatched || s.finished {
			continue
		}
		if now.Sub(s.lastActivity) < s.timeout {
			pending = true
			continue
		}
		m.logger.WithFields(logrus.Fields{"peripheral": sub.Key, "service": s.service.Name}).Info("Service timed out")
		m.serves.Complete(sub.ID, func(s *serveSub) { s.handler.Failure(device.ErrServiceTimedOut) })
	}

	if !pending {
		m.ticker.Stop()
	}
}

// rearmConnectTimeouts restarts the connect deadline of id's subscribers for the next attempt.
func (m *Manager) rearmConnectTimeouts(id string) {
	now := m.cfg.Now()
	for _, sub := range m.connects.Keyed(id) {
		sub.Payload.waiting = true
		sub.Payload.startedAt = now
		if sub.Payload.timeout > 0 {
			m.ensureTicker()
		}
	}
}

func (m *Manager) reconnectDelay(attempts int) time.Duration {
	if m.cfg.ReconnectBackoffMax <= 0 {
		return 0
	}
	delay := m.cfg.ReconnectBackoffBase
	for i := 1; i < attempts && delay < m.cfg.ReconnectBackoffMax; i++ {
		delay *= 2
	}
	if delay > m.cfg.ReconnectBackoffMax {
		return m.cfg.ReconnectBackoffMax
	}
	return delay
}

func (m *Manager) reconnect(p *peripheral) {
	p.attempts++
	delay := m.reconnectDelay(p.attempts)
	if delay == 0 {
		m.attempt(p)
		return
	}
	m.logger.WithFields(logrus.Fields{"peripheral": p.id, "delay": delay}).Info("Reconnecting after backoff")
	p.retry.Stop()
	p.retry = m.worker.After(delay, func() {
		if m.wanted(p.id) {
			m.attempt(p)
		}
	})
}

func (m *Manager) handle(e radio.Event) {
	switch ev := e.(type) {
	case radio.StateChanged:
		m.stateChanged(ev.State)
	case radio.WillRestoreState:
		m.restored = append(m.restored, ev.Peripherals...)
		if m.state == radio.StatePoweredOn {
			m.replayRestored()
		}
	case radio.PeripheralDiscovered:
		if p, ok := m.peripherals[ev.ID]; ok && m.wanted(ev.ID) {
			m.attempt(p)
		}
	case radio.Connected:
		m.connected(ev.ID)
	case radio.FailedToConnect:
		if p, ok := m.peripherals[ev.ID]; ok {
			m.failConnect(p, ev.Err)
			m.updateScanning()
		}
	case radio.Disconnected:
		m.disconnected(ev.ID, ev.Err)
	case radio.ServicesDiscovered:
		m.servicesDiscovered(ev)
	case radio.CharacteristicsDiscovered:
		m.characteristicsDiscovered(ev)
	case radio.NotifyStateChanged:
		m.notifyStateChanged(ev)
	case radio.ValueUpdated:
		m.valueUpdated(ev)
	case radio.WriteCompleted:
		if ev.Err != nil {
			m.failService(ev.ID, radio.NormalizeUUID(ev.Service), device.Wrap(device.Unexpected, ev.Err))
		}
	case radio.RSSIRead:
		if ev.Err != nil {
			m.completeRSSI(ev.ID, 0, device.ReadRSSIFailed(ev.Err))
			return
		}
		m.completeRSSI(ev.ID, ev.RSSI, nil)
	}
}

func (m *Manager) stateChanged(state radio.State) {
	prev := m.state
	m.state = state
	m.logger.WithFields(logrus.Fields{"from": prev, "to": state}).Info("Radio state changed")

	if state != radio.StatePoweredOn {
		m.scanning = false
		m.poweredOff()
		return
	}
	if len(m.restored) > 0 {
		m.replayRestored()
	}
	for id, p := range m.peripherals {
		if m.wanted(id) {
			m.attempt(p)
		}
	}
	m.updateScanning()
}

// poweredOff treats every live link as lost.
func (m *Manager) poweredOff() {
	for id, p := range m.peripherals {
		p.retry.Stop()
		if p.lifecycle == radio.LifecycleDisconnected {
			continue
		}
		p.lifecycle = radio.LifecycleDisconnected
		p.reset()
		m.undispatch(id)
		m.rearmConnectTimeouts(id)
		m.reportDisconnect(id, DisconnectResult{Status: DisconnectFailure, Err: device.ErrBluetoothWasPoweredOff})
		m.completeRSSI(id, 0, device.ErrBluetoothWasPoweredOff)
	}
}

func (m *Manager) replayRestored() {
	restored := m.restored
	m.restored = nil
	for _, r := range restored {
		p := m.peripheral(r.ID)
		m.logger.WithFields(logrus.Fields{"peripheral": r.ID, "lifecycle": r.Lifecycle}).Info("Restoring peripheral")
		switch r.Lifecycle {
		case radio.LifecycleConnected:
			m.connected(r.ID)
		default:
			p.lifecycle = radio.LifecycleDisconnected
			if m.wanted(r.ID) {
				m.attempt(p)
			} else {
				m.forget(p)
			}
		}
	}
}

func (m *Manager) connected(id string) {
	p, ok := m.peripherals[id]
	if !ok {
		// another client of the adapter owns this link
		return
	}
	if !m.wanted(id) {
		m.logger.WithField("peripheral", id).Debug("Dropping unwanted link")
		p.lifecycle = radio.LifecycleConnected
		m.cancel(p)
		return
	}

	m.logger.WithField("peripheral", id).Info("Connected")
	p.lifecycle = radio.LifecycleConnected
	p.attempts = 0
	p.retry.Stop()
	for _, sub := range m.connects.Keyed(id) {
		sub.Payload.waiting = false
	}
	m.connects.DeliverKey(id, func(c *connectSub) { callConnected(c.onConnected, ConnectResult{Status: ConnectJust}) })
	m.discover(p)
	m.updateScanning()
}

func (m *Manager) disconnected(id string, reason error) {
	p, ok := m.peripherals[id]
	if !ok {
		return
	}
	m.logger.WithFields(logrus.Fields{"peripheral": id, "reason": reason}).Info("Disconnected")
	p.lifecycle = radio.LifecycleDisconnected
	p.reset()
	m.undispatch(id)

	m.reportDisconnect(id, DisconnectResult{Status: DisconnectJust, Err: reason})
	m.completeRSSI(id, 0, device.ErrNotConnected)

	if m.wanted(id) {
		m.rearmConnectTimeouts(id)
		m.reconnect(p)
		return
	}
	m.forget(p)
	m.updateScanning()
}

func (m *Manager) reportDisconnect(id string, res DisconnectResult) {
	for _, sub := range m.disconnects.Keyed(id) {
		if sub.Payload.once {
			m.disconnects.Complete(sub.ID, func(d *disconnectSub) { callDisconnected(d.onDisconnected, res) })
			continue
		}
		m.disconnects.Deliver(sub.ID, func(d *disconnectSub) { callDisconnected(d.onDisconnected, res) })
	}
}

func (m *Manager) servicesDiscovered(ev radio.ServicesDiscovered) {
	p, ok := m.peripherals[ev.ID]
	if !ok || p.lifecycle != radio.LifecycleConnected || len(p.batches) == 0 {
		return
	}
	batch := p.batches[0]
	p.batches = p.batches[1:]

	if ev.Err != nil {
		for _, u := range batch {
			delete(p.pending, u)
			m.failService(ev.ID, u, device.Wrap(device.Unexpected, ev.Err))
		}
		return
	}

	found := make(map[string]bool, len(ev.Services))
	for _, u := range ev.Services {
		found[radio.NormalizeUUID(u)] = true
	}
	for _, u := range batch {
		svc := m.catalog[u]
		if !found[u] {
			delete(p.pending, u)
			m.failService(ev.ID, u, device.Wrap(device.CharacteristicIsNil, fmt.Errorf("service %s not found", svc.Name)))
			continue
		}
		if err := m.adapter.DiscoverCharacteristics(ev.ID, u, svc.Characteristics()); err != nil {
			delete(p.pending, u)
			m.failService(ev.ID, u, device.Wrap(device.Unexpected, err))
		}
	}
}

func (m *Manager) characteristicsDiscovered(ev radio.CharacteristicsDiscovered) {
	p, ok := m.peripherals[ev.ID]
	if !ok || p.lifecycle != radio.LifecycleConnected {
		return
	}
	u := radio.NormalizeUUID(ev.Service)
	svc, known := m.catalog[u]
	if !known || !p.pending[u] {
		return
	}
	delete(p.pending, u)
	if ev.Err != nil {
		m.failService(ev.ID, u, device.Wrap(device.Unexpected, ev.Err))
		return
	}

	reg := &registration{service: svc, chars: make(map[string]radio.Characteristic, len(ev.Characteristics))}
	for _, c := range ev.Characteristics {
		c.UUID = radio.NormalizeUUID(c.UUID)
		reg.chars[c.UUID] = c
	}
	for _, required := range []string{svc.Write, svc.Notify} {
		if required == "" {
			continue
		}
		if _, ok := reg.chars[radio.NormalizeUUID(required)]; !ok {
			m.failService(ev.ID, u, device.Wrap(device.CharacteristicIsNil, fmt.Errorf("%s: characteristic %s missing", svc.Name, required)))
			return
		}
	}
	p.services[u] = reg

	if svc.Notify == "" {
		m.ready(p, reg)
		return
	}
	if err := m.adapter.SetNotify(ev.ID, u, radio.NormalizeUUID(svc.Notify), true); err != nil {
		delete(p.services, u)
		m.failService(ev.ID, u, device.Wrap(device.Unexpected, err))
	}
}

func (m *Manager) notifyStateChanged(ev radio.NotifyStateChanged) {
	p, ok := m.peripherals[ev.ID]
	if !ok || p.lifecycle != radio.LifecycleConnected {
		return
	}
	u := radio.NormalizeUUID(ev.Service)
	reg, ok := p.services[u]
	if !ok || reg.ready {
		return
	}
	if ev.Err != nil || !ev.Enabled {
		delete(p.services, u)
		err := ev.Err
		if err == nil {
			err = fmt.Errorf("notifications not enabled")
		}
		m.failService(ev.ID, u, device.Wrap(device.Unexpected, err))
		return
	}
	m.ready(p, reg)
}

func (m *Manager) ready(p *peripheral, reg *registration) {
	reg.ready = true
	u := radio.NormalizeUUID(reg.service.UUID)
	m.logger.WithFields(logrus.Fields{"peripheral": p.id, "service": reg.service.Name}).Debug("Service ready")
	for _, sub := range m.serves.Keyed(p.id) {
		if sub.Payload.service.UUID == u {
			m.dispatch(sub)
		}
	}
}

func (m *Manager) valueUpdated(ev radio.ValueUpdated) {
	p, ok := m.peripherals[ev.ID]
	if !ok {
		return
	}
	u := radio.NormalizeUUID(ev.Service)
	if ev.Err != nil {
		m.failService(ev.ID, u, device.Wrap(device.Unexpected, ev.Err))
		return
	}
	if ev.Data == nil {
		m.failService(ev.ID, u, device.ErrDataIsNil)
		return
	}

	if reg, ok := p.services[u]; ok && reg.service.Heartbeat {
		for _, decode := range m.cfg.Heartbeats {
			if dev, ok := decode(ev.ID, ev.Data); ok {
				m.heartbeats.DeliverKey(ev.ID, func(fn func(device.Device)) { fn(dev) })
				return
			}
		}
	}

	char := radio.NormalizeUUID(ev.Characteristic)
	data := append([]byte(nil), ev.Data...)
	now := m.cfg.Now()
	for _, sub := range m.serves.Keyed(ev.ID) {
		s := sub.Payload
		if s.service.UUID != u || !s.dispatched {
			continue
		}
		s.lastActivity = now
		m.serves.Deliver(sub.ID, func(s *serveSub) { s.handler.Response(char, data) })
	}
}
