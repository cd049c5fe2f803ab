// Package goble implements radio.Adapter on top of the go-ble host stack.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
	"github.com/rinat-enikeev/BTKit-sub000/internal/groutine"
	"github.com/rinat-enikeev/BTKit-sub000/internal/radio"
	"github.com/sirupsen/logrus"
)

// gattClient is the part of ble.Client the adapter drives.
type gattClient interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	ReadRSSI() int
	CancelConnection() error
}

// host is the controller-level surface: scanning, dialing and shutdown.
type host struct {
	scan func(ctx context.Context, h func(advertisement)) error
	dial func(ctx context.Context, id string) (gattClient, error)
	stop func() error
}

func deviceHost(dev ble.Device) host {
	return host{
		scan: func(ctx context.Context, h func(advertisement)) error {
			return dev.Scan(ctx, true, func(a ble.Advertisement) { h(a) })
		},
		dial: func(ctx context.Context, id string) (gattClient, error) {
			c, err := dev.Dial(ctx, ble.NewAddr(id))
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		stop: dev.Stop,
	}
}

// Config tunes the adapter.
type Config struct {
	// Name labels the adapter's goroutines.
	Name   string `default:"goble"`
	Logger *logrus.Logger
}

// Adapter is a radio.Adapter backed by a go-ble device. Commands return
// immediately; outcomes arrive as radio events on go-ble's goroutines.
type Adapter struct {
	cfg    Config
	logger *logrus.Logger
	host   host
	state  radio.State

	ctx    context.Context
	cancel context.CancelFunc

	observers *hashmap.Map[uint64, func(radio.Event)]
	nextObs   atomic.Uint64
	known     *hashmap.Map[string, struct{}]
	dialing   *hashmap.Map[string, context.CancelFunc]
	links     *hashmap.Map[string, *link]

	scanMu     sync.Mutex
	scanCancel context.CancelFunc
}

var _ radio.Adapter = (*Adapter)(nil)

// Open creates the host device through DeviceFactory. A controller that is
// switched off yields a powered-off adapter rather than an error.
func Open(cfg Config) (*Adapter, error) {
	dev, err := DeviceFactory()
	if err != nil {
		nerr := NormalizeError(err)
		if !errors.Is(nerr, ErrBluetoothOff) {
			return nil, fmt.Errorf("failed to create BLE device: %w", nerr)
		}
		a := newAdapter(host{}, radio.StatePoweredOff, cfg)
		a.logger.WithError(err).Warn("Bluetooth is not available")
		return a, nil
	}
	return newAdapter(deviceHost(dev), radio.StatePoweredOn, cfg), nil
}

func newAdapter(h host, state radio.State, cfg Config) *Adapter {
	defaults.SetDefaults(&cfg)
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		cfg:       cfg,
		logger:    cfg.Logger,
		host:      h,
		state:     state,
		ctx:       ctx,
		cancel:    cancel,
		observers: hashmap.New[uint64, func(radio.Event)](),
		known:     hashmap.New[string, struct{}](),
		dialing:   hashmap.New[string, context.CancelFunc](),
		links:     hashmap.New[string, *link](),
	}
}

// Observe registers handler and immediately reports the current state.
func (a *Adapter) Observe(handler func(radio.Event)) func() {
	id := a.nextObs.Add(1)
	a.observers.Set(id, handler)
	handler(radio.StateChanged{State: a.state})
	return func() { a.observers.Del(id) }
}

func (a *Adapter) emit(e radio.Event) {
	a.observers.Range(func(_ uint64, h func(radio.Event)) bool {
		h(e)
		return true
	})
}

func (a *Adapter) State() radio.State { return a.state }

func (a *Adapter) ready() error {
	if a.state != radio.StatePoweredOn || a.host.dial == nil {
		return ErrBluetoothOff
	}
	if a.ctx.Err() != nil {
		return fmt.Errorf("adapter is closed")
	}
	return nil
}

// Scan (re)starts discovery. Only advertisements listing one of services are
// reported; an empty list reports all of them.
func (a *Adapter) Scan(services []string) error {
	if err := a.ready(); err != nil {
		return err
	}
	filter := make([]string, len(services))
	for i, s := range services {
		filter[i] = radio.NormalizeUUID(s)
	}

	a.scanMu.Lock()
	if a.scanCancel != nil {
		a.scanCancel()
	}
	ctx, cancel := context.WithCancel(a.ctx)
	a.scanCancel = cancel
	a.scanMu.Unlock()

	groutine.Go(ctx, a.cfg.Name+"-scan", func(ctx context.Context) {
		a.logger.WithField("services", filter).Debug("Scanning...")
		err := a.host.scan(ctx, func(adv advertisement) {
			d := discovery(adv)
			a.known.Set(d.ID, struct{}{})
			if advertises(d, filter) {
				a.emit(d)
			}
		})
		if err != nil && ctx.Err() == nil {
			a.logger.WithError(NormalizeError(err)).Error("Scan stopped")
		}
	})
	return nil
}

func (a *Adapter) StopScan() error {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()
	if a.scanCancel != nil {
		a.scanCancel()
		a.scanCancel = nil
	}
	return nil
}

// Retrieve reports whether id can be dialed without scanning first: it was
// advertised since the adapter opened or it is linked now.
func (a *Adapter) Retrieve(id string) bool {
	if _, ok := a.known.Get(id); ok {
		return true
	}
	_, ok := a.links.Get(id)
	return ok
}

func (a *Adapter) Connect(id string) error {
	if err := a.ready(); err != nil {
		return err
	}
	if _, ok := a.links.Get(id); ok {
		a.emit(radio.Connected{ID: id})
		return nil
	}

	ctx, cancel := context.WithCancel(a.ctx)
	if _, loaded := a.dialing.GetOrInsert(id, cancel); loaded {
		cancel()
		return nil
	}

	groutine.Go(ctx, a.cfg.Name+"-dial-"+id, func(ctx context.Context) {
		a.logger.WithField("peripheral", id).Debug("Dialing BLE device...")
		client, err := a.host.dial(ctx, id)
		if !a.dialing.Del(id) {
			// CancelConnect got there first and already reported the drop.
			if client != nil {
				_ = client.CancelConnection()
			}
			return
		}
		if err != nil {
			a.logger.WithFields(logrus.Fields{"peripheral": id, "error": err}).Warn("Failed to dial BLE device")
			a.emit(radio.FailedToConnect{ID: id, Err: NormalizeError(err)})
			return
		}

		l := newLink(a, id, client)
		a.links.Set(id, l)
		a.known.Set(id, struct{}{})
		a.logger.WithField("peripheral", id).Info("BLE device connected")
		a.emit(radio.Connected{ID: id})
		l.monitor()
	})
	return nil
}

// CancelConnect aborts a pending dial or tears down a link. Disconnected is
// reported exactly once either way.
func (a *Adapter) CancelConnect(id string) error {
	if cancel, ok := a.dialing.Get(id); ok && a.dialing.Del(id) {
		cancel()
		a.emit(radio.Disconnected{ID: id})
		return nil
	}
	if l, ok := a.links.Get(id); ok {
		l.drop(nil)
		return nil
	}
	a.emit(radio.Disconnected{ID: id})
	return nil
}

func (a *Adapter) link(id string) (*link, error) {
	l, ok := a.links.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrNotConnected, id)
	}
	return l, nil
}

func (a *Adapter) DiscoverServices(id string, services []string) error {
	l, err := a.link(id)
	if err != nil {
		return err
	}
	filter, err := parseUUIDs(services)
	if err != nil {
		return err
	}
	l.gatt.Async(func() { l.discoverServices(filter) })
	return nil
}

func (a *Adapter) DiscoverCharacteristics(id, service string, characteristics []string) error {
	l, err := a.link(id)
	if err != nil {
		return err
	}
	filter, err := parseUUIDs(characteristics)
	if err != nil {
		return err
	}
	svc := radio.NormalizeUUID(service)
	l.gatt.Async(func() { l.discoverCharacteristics(svc, filter) })
	return nil
}

func (a *Adapter) SetNotify(id, service, characteristic string, enabled bool) error {
	l, err := a.link(id)
	if err != nil {
		return err
	}
	svc, char := radio.NormalizeUUID(service), radio.NormalizeUUID(characteristic)
	l.gatt.Async(func() { l.setNotify(svc, char, enabled) })
	return nil
}

func (a *Adapter) Write(id, service, characteristic string, data []byte) error {
	l, err := a.link(id)
	if err != nil {
		return err
	}
	svc, char := radio.NormalizeUUID(service), radio.NormalizeUUID(characteristic)
	cp := append([]byte(nil), data...)
	l.gatt.Async(func() { l.write(svc, char, cp) })
	return nil
}

func (a *Adapter) Read(id, service, characteristic string) error {
	l, err := a.link(id)
	if err != nil {
		return err
	}
	svc, char := radio.NormalizeUUID(service), radio.NormalizeUUID(characteristic)
	l.gatt.Async(func() { l.read(svc, char) })
	return nil
}

func (a *Adapter) ReadRSSI(id string) error {
	l, err := a.link(id)
	if err != nil {
		return err
	}
	l.gatt.Async(func() {
		a.emit(radio.RSSIRead{ID: id, RSSI: l.client.ReadRSSI()})
	})
	return nil
}

// Close stops scanning, drops every link and releases the host device.
func (a *Adapter) Close() error {
	_ = a.StopScan()
	a.dialing.Range(func(id string, cancel context.CancelFunc) bool {
		cancel()
		a.dialing.Del(id)
		return true
	})
	a.links.Range(func(_ string, l *link) bool {
		l.drop(nil)
		return true
	})
	a.cancel()
	if a.host.stop != nil {
		return NormalizeError(a.host.stop())
	}
	return nil
}
