// Package scanner turns radio discoveries into decoded devices and fans them
// out to device, lost-device, radio-state and per-UUID subscribers.
package scanner

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/rinat-enikeev/BTKit-sub000/internal/bledb"
	"github.com/rinat-enikeev/BTKit-sub000/internal/codec/ledger"
	"github.com/rinat-enikeev/BTKit-sub000/internal/codec/ruuvi"
	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
	"github.com/rinat-enikeev/BTKit-sub000/internal/groutine"
	"github.com/rinat-enikeev/BTKit-sub000/internal/observation"
	"github.com/rinat-enikeev/BTKit-sub000/internal/options"
	"github.com/rinat-enikeev/BTKit-sub000/internal/radio"
)

// Decoder recognizes a device in a discovery.
type Decoder func(radio.PeripheralDiscovered) (device.Device, bool)

// DefaultDecoders recognizes RuuviTags and Ledger wallets.
func DefaultDecoders() []Decoder {
	return []Decoder{ruuvi.DecodeAdvertisement, ledger.DecodeAdvertisement}
}

// Config tunes a Scanner.
type Config struct {
	LostCheckInterval time.Duration `default:"1s"`
	RestartInterval   time.Duration `default:"60s"`
	DemoInterval      time.Duration `default:"1s"`

	// AllowList, when not empty, limits decoding to these peripherals.
	AllowList []string
	// BlockList is never decoded.
	BlockList []string

	Decoders []Decoder
	Logger   *logrus.Logger
	// Delivery is the default callback executor. Nil means a dedicated delivery queue.
	Delivery observation.Executor
	Now      func() time.Time
}

type deviceSub struct {
	onDevice  func(device.Device)
	demoCount int
}

type lostSub struct {
	delay    time.Duration
	onLost   func(device.Device)
	reported map[device.Key]struct{}
}

type seen struct {
	dev device.Device
	at  time.Time
}

// Scanner owns one radio adapter for discovery. All state lives on its worker.
type Scanner struct {
	adapter  radio.Adapter
	cfg      Config
	logger   *logrus.Logger
	worker   *groutine.Serial
	delivery *groutine.Serial

	devices *observation.Registry[*deviceSub]
	lost    *observation.Registry[*lostSub]
	states  *observation.Registry[func(radio.State)]
	observe *observation.Registry[func(device.Device)]

	lastSeen   map[device.Key]seen
	radioState radio.State
	scanning   bool
	demoSeq    int

	lostTimer    *groutine.Timer
	restartTimer *groutine.Timer
	demoTimer    *groutine.Timer
	unobserve    func()
}

// New creates a Scanner over adapter. It starts observing the adapter
// immediately but only scans while someone is subscribed.
func New(adapter radio.Adapter, cfg Config) *Scanner {
	defaults.SetDefaults(&cfg)
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Decoders == nil {
		cfg.Decoders = DefaultDecoders()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Scanner{
		adapter:  adapter,
		cfg:      cfg,
		logger:   cfg.Logger,
		worker:   groutine.NewSerial(context.Background(), "scanner", cfg.Logger),
		lastSeen: make(map[device.Key]seen),
	}

	fallback := cfg.Delivery
	if fallback == nil {
		s.delivery = groutine.NewSerial(context.Background(), "scanner-delivery", cfg.Logger)
		fallback = s.delivery
	}
	s.devices = observation.NewRegistry[*deviceSub](fallback)
	s.lost = observation.NewRegistry[*lostSub](fallback)
	s.states = observation.NewRegistry[func(radio.State)](fallback)
	s.observe = observation.NewRegistry[func(device.Device)](fallback)

	s.unobserve = adapter.Observe(func(e radio.Event) {
		s.worker.Async(func() { s.handle(e) })
	})
	return s
}

// Close stops scanning and releases the adapter subscription. Pending
// deliveries are dropped.
func (s *Scanner) Close() {
	s.worker.Sync(func() {
		s.devices = observation.NewRegistry[*deviceSub](nil)
		s.lost = observation.NewRegistry[*lostSub](nil)
		s.states = observation.NewRegistry[func(radio.State)](nil)
		s.observe = observation.NewRegistry[func(device.Device)](nil)
		s.update()
		s.demoTimer.Stop()
	})
	if s.unobserve != nil {
		s.unobserve()
	}
	s.worker.Close()
	if s.delivery != nil {
		s.delivery.Close()
	}
}

// Scan subscribes to recognized devices. With a demo device count set, the
// subscriber receives synthesized sensor tags instead of radio results.
func (s *Scanner) Scan(onDevice func(device.Device), opts ...options.Option) *observation.Token {
	o := options.Apply(opts...)
	return s.register(func() observation.ID {
		sub := s.devices.Register("", o.Owner, o.Executor, &deviceSub{onDevice: onDevice, demoCount: o.DemoDeviceCount})
		return sub.ID
	}, func(id observation.ID) { s.devices.Remove(id) })
}

// Lost subscribes to devices not seen for the lost-device delay. Each device is
// reported once per absence.
func (s *Scanner) Lost(onLost func(device.Device), opts ...options.Option) *observation.Token {
	o := options.Apply(opts...)
	return s.register(func() observation.ID {
		sub := s.lost.Register("", o.Owner, o.Executor, &lostSub{
			delay:    o.LostDeviceDelay,
			onLost:   onLost,
			reported: make(map[device.Key]struct{}),
		})
		return sub.ID
	}, func(id observation.ID) { s.lost.Remove(id) })
}

// State subscribes to radio state changes. The current state is delivered first.
func (s *Scanner) State(onState func(radio.State), opts ...options.Option) *observation.Token {
	o := options.Apply(opts...)
	return s.register(func() observation.ID {
		sub := s.states.Register("", o.Owner, o.Executor, onState)
		state := s.radioState
		s.states.Deliver(sub.ID, func(fn func(radio.State)) { fn(state) })
		return sub.ID
	}, func(id observation.ID) { s.states.Remove(id) })
}

// Observe subscribes to decoded advertisements of one peripheral.
func (s *Scanner) Observe(uuid string, onDevice func(device.Device), opts ...options.Option) *observation.Token {
	o := options.Apply(opts...)
	return s.register(func() observation.ID {
		sub := s.observe.Register(uuid, o.Owner, o.Executor, onDevice)
		return sub.ID
	}, func(id observation.ID) { s.observe.Remove(id) })
}

// IsScanning reports whether the adapter is currently asked to scan.
func (s *Scanner) IsScanning() bool {
	var scanning bool
	s.worker.Sync(func() { scanning = s.scanning })
	return scanning
}

func (s *Scanner) register(add func() observation.ID, remove func(observation.ID)) *observation.Token {
	idCh := make(chan observation.ID, 1)
	s.worker.Async(func() {
		idCh <- add()
		s.update()
	})
	return observation.NewToken(func() {
		s.worker.Async(func() {
			id := <-idCh
			remove(id)
			s.update()
		})
	})
}

func (s *Scanner) handle(e radio.Event) {
	switch ev := e.(type) {
	case radio.StateChanged:
		s.logger.WithField("state", ev.State).Info("Radio state changed")
		s.radioState = ev.State
		if ev.State != radio.StatePoweredOn {
			s.scanning = false
			s.stopTimers()
		}
		s.states.DeliverAll(func(fn func(radio.State)) { fn(ev.State) })
		s.update()
	case radio.PeripheralDiscovered:
		s.discovered(ev)
	}
}

func (s *Scanner) discovered(d radio.PeripheralDiscovered) {
	if !s.allowed(d.ID) {
		return
	}
	dev, ok := s.decode(d)
	if !ok {
		s.undecoded(d)
		return
	}

	key := dev.Key()
	s.lastSeen[key] = seen{dev: dev, at: s.cfg.Now()}
	for _, sub := range s.lost.All() {
		delete(sub.Payload.reported, key)
	}

	for _, sub := range s.devices.All() {
		if sub.Payload.demoCount > 0 {
			continue
		}
		s.devices.Deliver(sub.ID, func(p *deviceSub) { p.onDevice(dev) })
	}
	s.observe.DeliverKey(d.ID, func(fn func(device.Device)) { fn(dev) })
}

func (s *Scanner) decode(d radio.PeripheralDiscovered) (device.Device, bool) {
	for _, decode := range s.cfg.Decoders {
		if dev, ok := decode(d); ok {
			return dev, true
		}
	}
	return nil, false
}

// undecoded logs frames from known vendors that no decoder accepted.
func (s *Scanner) undecoded(d radio.PeripheralDiscovered) {
	md := d.Advertisement.ManufacturerData
	if len(md) < 2 {
		return
	}
	if vendor := bledb.LookupVendor(binary.LittleEndian.Uint16(md)); vendor != "" {
		s.logger.WithFields(logrus.Fields{"peripheral": d.ID, "vendor": vendor}).Debug("Unsupported advertisement format")
	}
}

func (s *Scanner) allowed(id string) bool {
	for _, b := range s.cfg.BlockList {
		if b == id {
			return false
		}
	}
	if len(s.cfg.AllowList) == 0 {
		return true
	}
	for _, a := range s.cfg.AllowList {
		if a == id {
			return true
		}
	}
	return false
}

// wantsRadio reports whether any subscriber needs real discoveries.
func (s *Scanner) wantsRadio() bool {
	for _, sub := range s.devices.All() {
		if sub.Payload.demoCount == 0 {
			return true
		}
	}
	return s.lost.Len() > 0 || s.observe.Len() > 0 || s.states.Len() > 0
}

func (s *Scanner) wantsDemo() bool {
	for _, sub := range s.devices.All() {
		if sub.Payload.demoCount > 0 {
			return true
		}
	}
	return false
}

// update reconciles the scanning state and timers with the current subscribers.
func (s *Scanner) update() {
	want := s.wantsRadio() && s.radioState == radio.StatePoweredOn

	switch {
	case want && !s.scanning:
		if err := s.adapter.Scan(nil); err != nil {
			s.logger.WithError(err).Warn("Failed to start scan")
			return
		}
		s.scanning = true
		s.logger.Debug("Scan started")
		s.lostTimer = s.worker.Every(s.cfg.LostCheckInterval, s.checkLost)
		s.restartTimer = s.worker.Every(s.cfg.RestartInterval, s.restart)
	case !want && s.scanning:
		if err := s.adapter.StopScan(); err != nil {
			s.logger.WithError(err).Warn("Failed to stop scan")
		}
		s.scanning = false
		s.stopTimers()
		s.logger.Debug("Scan stopped")
	}

	switch demo := s.wantsDemo(); {
	case demo && s.demoTimer.Stopped():
		s.demoTimer = s.worker.Every(s.cfg.DemoInterval, s.emitDemo)
	case !demo:
		s.demoTimer.Stop()
	}
}

func (s *Scanner) stopTimers() {
	s.lostTimer.Stop()
	s.restartTimer.Stop()
}

func (s *Scanner) restart() {
	if s.devices.Prune()+s.lost.Prune()+s.states.Prune()+s.observe.Prune() > 0 {
		s.update()
	}
	if !s.scanning {
		return
	}
	s.logger.Debug("Restarting scan")
	if err := s.adapter.StopScan(); err != nil {
		s.logger.WithError(err).Warn("Failed to stop scan for restart")
	}
	if err := s.adapter.Scan(nil); err != nil {
		s.logger.WithError(err).Warn("Failed to restart scan")
		s.scanning = false
		s.stopTimers()
	}
}

func (s *Scanner) checkLost() {
	now := s.cfg.Now()
	var maxDelay time.Duration
	for _, sub := range s.lost.All() {
		p := sub.Payload
		if p.delay > maxDelay {
			maxDelay = p.delay
		}
		for key, entry := range s.lastSeen {
			if _, done := p.reported[key]; done || now.Sub(entry.at) < p.delay {
				continue
			}
			p.reported[key] = struct{}{}
			dev := entry.dev
			s.logger.WithField("device", key.String()).Debug("Device lost")
			s.lost.Deliver(sub.ID, func(p *lostSub) { p.onLost(dev) })
		}
	}

	// forget devices every lost subscriber has already reported
	for key, entry := range s.lastSeen {
		if now.Sub(entry.at) < maxDelay {
			continue
		}
		pending := false
		for _, sub := range s.lost.All() {
			if _, done := sub.Payload.reported[key]; !done {
				pending = true
				break
			}
		}
		if !pending {
			delete(s.lastSeen, key)
			for _, sub := range s.lost.All() {
				delete(sub.Payload.reported, key)
			}
		}
	}
}
