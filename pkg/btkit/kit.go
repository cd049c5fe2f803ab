// Package btkit is the consumer-facing entry point: one Kit owns the scanner,
// the connection managers and the protocol client bound to a radio adapter.
package btkit

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rinat-enikeev/BTKit-sub000/internal/codec/ledger"
	"github.com/rinat-enikeev/BTKit-sub000/internal/codec/ruuvi"
	"github.com/rinat-enikeev/BTKit-sub000/internal/connection"
	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
	"github.com/rinat-enikeev/BTKit-sub000/internal/observation"
	"github.com/rinat-enikeev/BTKit-sub000/internal/options"
	"github.com/rinat-enikeev/BTKit-sub000/internal/radio"
	"github.com/rinat-enikeev/BTKit-sub000/internal/scanner"
	"github.com/rinat-enikeev/BTKit-sub000/internal/service"
	"github.com/rinat-enikeev/BTKit-sub000/internal/store"
	"github.com/rinat-enikeev/BTKit-sub000/pkg/config"
)

// Options assembles a Kit. Every field is optional.
type Options struct {
	Config *config.Config
	Logger *logrus.Logger
	// Background is a second radio binding for always-on links. Nil makes
	// background links share the foreground manager.
	Background radio.Adapter
	// Store remembers peripherals for ReconnectRemembered.
	Store *store.Store
	// Delivery is the default callback executor for every component.
	Delivery observation.Executor
}

// Kit wires the components together. Foreground work (scanning, protocol
// exchanges) and background links (Connect) run on separate managers when a
// background adapter is supplied.
type Kit struct {
	cfg    *config.Config
	logger *logrus.Logger

	scanner    *scanner.Scanner
	foreground *connection.Manager
	background *connection.Manager
	services   *service.Client
	store      *store.Store
}

// New builds a Kit on adapter.
func New(adapter radio.Adapter, o Options) *Kit {
	cfg := o.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := o.Logger
	if logger == nil {
		logger = cfg.NewLogger()
	}

	k := &Kit{cfg: cfg, logger: logger, store: o.Store}
	k.scanner = scanner.New(adapter, scanner.Config{
		LostCheckInterval: cfg.Scanner.LostCheckInterval,
		RestartInterval:   cfg.Scanner.RestartInterval,
		AllowList:         cfg.Scanner.AllowList,
		BlockList:         cfg.Scanner.BlockList,
		Logger:            logger,
		Delivery:          o.Delivery,
	})
	k.foreground = connection.New(adapter, k.managerConfig("foreground", o.Delivery))
	k.background = k.foreground
	if o.Background != nil {
		k.background = connection.New(o.Background, k.managerConfig("background", o.Delivery))
	}
	k.services = service.NewClient(k.foreground, logger)
	return k
}

func (k *Kit) managerConfig(name string, delivery observation.Executor) connection.Config {
	return connection.Config{
		Name:                name,
		TickInterval:        k.cfg.Connection.TickInterval,
		ReconnectBackoffMax: k.cfg.Connection.ReconnectBackoffMax,
		Logger:              k.logger,
		Delivery:            delivery,
	}
}

// Close stops every component. Outstanding tokens become inert.
func (k *Kit) Close() {
	k.services.Close()
	k.scanner.Close()
	if k.background != k.foreground {
		k.background.Close()
	}
	k.foreground.Close()
}

func (k *Kit) Scanner() *scanner.Scanner       { return k.scanner }
func (k *Kit) Foreground() *connection.Manager { return k.foreground }
func (k *Kit) Background() *connection.Manager { return k.background }
func (k *Kit) Services() *service.Client       { return k.services }
func (k *Kit) Config() *config.Config          { return k.cfg }
func (k *Kit) Store() *store.Store             { return k.store }
func (k *Kit) Logger() *logrus.Logger          { return k.logger }
func (k *Kit) Framer() ledger.Framer           { return ledger.Framer{MTU: k.cfg.Ledger.MTU} }
func (k *Kit) Catalog() []connection.Service   { return connection.DefaultCatalog() }
func (k *Kit) IsScanning() bool                { return k.scanner.IsScanning() }

func (k *Kit) withDefaults(opts []options.Option, defaults ...options.Option) []options.Option {
	return append(defaults, opts...)
}

func (k *Kit) scanDefaults(opts []options.Option) []options.Option {
	return k.withDefaults(opts,
		options.WithLostDeviceDelay(k.cfg.Scanner.LostDelay),
		options.WithDemoDeviceCount(k.cfg.Scanner.DemoCount),
	)
}

func (k *Kit) connectDefaults(opts []options.Option) []options.Option {
	return k.withDefaults(opts, options.WithConnectionTimeout(k.cfg.Connection.ConnectTimeout))
}

func (k *Kit) serviceDefaults(opts []options.Option) []options.Option {
	return k.withDefaults(opts,
		options.WithConnectionTimeout(k.cfg.Connection.ConnectTimeout),
		options.WithServiceTimeout(k.cfg.Connection.ServiceTimeout),
	)
}

// Scan streams every decoded advertisement.
func (k *Kit) Scan(onDevice func(device.Device), opts ...options.Option) *observation.Token {
	return k.scanner.Scan(onDevice, k.scanDefaults(opts)...)
}

// Lost reports devices that went quiet for the lost-device delay.
func (k *Kit) Lost(onLost func(device.Device), opts ...options.Option) *observation.Token {
	return k.scanner.Lost(onLost, k.scanDefaults(opts)...)
}

// State streams radio state changes, starting with the current one.
func (k *Kit) State(onState func(radio.State), opts ...options.Option) *observation.Token {
	return k.scanner.State(onState, opts...)
}

// Observe streams decoded advertisements of one peripheral.
func (k *Kit) Observe(id string, onDevice func(device.Device), opts ...options.Option) *observation.Token {
	return k.scanner.Observe(id, onDevice, k.scanDefaults(opts)...)
}

// Connect keeps a background link to id until the token is invalidated.
func (k *Kit) Connect(id string, onConnected func(connection.ConnectResult), onHeartbeat func(device.Device),
	onDisconnected func(connection.DisconnectResult), opts ...options.Option) *observation.Token {
	return k.background.Connect(id, onConnected, onHeartbeat, onDisconnected, k.connectDefaults(opts)...)
}

// Disconnect asks for the background link to id to go down.
func (k *Kit) Disconnect(id string, onDisconnected func(connection.DisconnectResult), opts ...options.Option) *observation.Token {
	return k.background.Disconnect(id, onDisconnected, opts...)
}

// IsConnected reports whether either manager holds a live link to id.
func (k *Kit) IsConnected(id string) bool {
	return k.foreground.IsConnected(id) || k.background.IsConnected(id)
}

// ReadRSSI reads the signal strength over whichever link is up, preferring the background one.
func (k *Kit) ReadRSSI(id string, onRSSI func(int, error), opts ...options.Option) *observation.Token {
	if k.background != k.foreground && !k.background.IsConnected(id) && k.foreground.IsConnected(id) {
		return k.foreground.ReadRSSI(id, onRSSI, opts...)
	}
	return k.background.ReadRSSI(id, onRSSI, opts...)
}

// ReadLog downloads the sensor history of id.
func (k *Kit) ReadLog(id string, lo service.LogOptions, onResult func([]ruuvi.LogRecord, error), opts ...options.Option) *service.Exchange {
	return k.services.ReadLog(id, lo, onResult, k.serviceDefaults(opts)...)
}

// ReadFirmwareRevision reads the Device Information firmware revision string.
func (k *Kit) ReadFirmwareRevision(id string, onResult func(string, error), opts ...options.Option) *service.Exchange {
	return k.services.ReadFirmware(id, onResult, k.serviceDefaults(opts)...)
}

// RequestAddress asks a wallet for the address at path.
func (k *Kit) RequestAddress(id, path string, verify bool, onPhase func(service.Phase),
	onResult func(ledger.Address, error), opts ...options.Option) *service.Exchange {
	wo := service.WalletOptions{Framer: k.Framer(), OnPhase: onPhase}
	return k.services.RequestAddress(id, path, verify, wo, onResult, k.serviceDefaults(opts)...)
}

// RequestAppConfiguration asks a wallet app for its version.
func (k *Kit) RequestAppConfiguration(id string, onResult func(ledger.Configuration, error), opts ...options.Option) *service.Exchange {
	wo := service.WalletOptions{Framer: k.Framer()}
	return k.services.AppConfiguration(id, wo, onResult, k.serviceDefaults(opts)...)
}

// Remember persists id so ReconnectRemembered brings it back after a restart.
func (k *Kit) Remember(id, name string) error {
	if k.store == nil {
		return fmt.Errorf("no peripheral store configured")
	}
	return k.store.Add(id, name)
}

// Forget drops id from the store.
func (k *Kit) Forget(id string) (bool, error) {
	if k.store == nil {
		return false, fmt.Errorf("no peripheral store configured")
	}
	return k.store.Remove(id)
}

// ReconnectHandlers receives the events of every remembered peripheral.
type ReconnectHandlers struct {
	OnConnected    func(id string, r connection.ConnectResult)
	OnHeartbeat    func(d device.Device)
	OnDisconnected func(id string, r connection.DisconnectResult)
}

// ReconnectRemembered issues a background Connect for every stored peripheral.
func (k *Kit) ReconnectRemembered(h ReconnectHandlers, opts ...options.Option) (observation.Tokens, error) {
	if k.store == nil {
		return nil, fmt.Errorf("no peripheral store configured")
	}
	var tokens observation.Tokens
	for _, id := range k.store.UUIDs() {
		var onConnected func(connection.ConnectResult)
		if h.OnConnected != nil {
			onConnected = func(r connection.ConnectResult) { h.OnConnected(id, r) }
		}
		var onDisconnected func(connection.DisconnectResult)
		if h.OnDisconnected != nil {
			onDisconnected = func(r connection.DisconnectResult) { h.OnDisconnected(id, r) }
		}
		k.logger.WithField("peripheral", id).Info("Reconnecting remembered peripheral")
		tokens = append(tokens, k.Connect(id, onConnected, h.OnHeartbeat, onDisconnected, opts...))
	}
	return tokens, nil
}
