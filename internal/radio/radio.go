// Package radio is the seam between the connection engine and a platform
// Bluetooth stack: outbound commands on Adapter, inbound results as Events.
//
// Commands are asynchronous. A nil error only means the command was accepted;
// its outcome arrives later as an Event. A non-nil error means it was rejected
// outright and no Event will follow.
package radio

import (
	"fmt"
	"strings"

	"github.com/rinat-enikeev/BTKit-sub000/internal/bledb"
)

// Adapter is the capability set consumed from the radio driver. Peripherals,
// services and characteristics are addressed by normalized UUID strings.
type Adapter interface {
	// Observe registers handler for every inbound Event and returns a function
	// that unregisters it. The current State is reported to a new handler.
	Observe(handler func(Event)) (cancel func())
	State() State

	Scan(services []string) error
	StopScan() error
	// Retrieve reports whether the peripheral can be connected without first being discovered.
	Retrieve(id string) bool

	Connect(id string) error
	CancelConnect(id string) error

	DiscoverServices(id string, services []string) error
	DiscoverCharacteristics(id, service string, characteristics []string) error
	SetNotify(id, service, characteristic string, enabled bool) error
	Write(id, service, characteristic string, data []byte) error
	Read(id, service, characteristic string) error
	ReadRSSI(id string) error

	Close() error
}

// State is the power and authorization state of the radio.
type State int

const (
	StateUnknown State = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

func (s State) String() string {
	switch s {
	case StateResetting:
		return "resetting"
	case StateUnsupported:
		return "unsupported"
	case StateUnauthorized:
		return "unauthorized"
	case StatePoweredOff:
		return "poweredOff"
	case StatePoweredOn:
		return "poweredOn"
	default:
		return "unknown"
	}
}

// Lifecycle is the link state of one peripheral.
type Lifecycle int

const (
	LifecycleDisconnected Lifecycle = iota
	LifecycleConnecting
	LifecycleConnected
	LifecycleDisconnecting
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleConnecting:
		return "connecting"
	case LifecycleConnected:
		return "connected"
	case LifecycleDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// Property is a bit set of GATT characteristic properties.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
)

func (p Property) Has(q Property) bool { return p&q != 0 }

// Characteristic is a discovered characteristic.
type Characteristic struct {
	UUID       string
	Properties Property
}

// Advertisement is the payload of one discovery.
type Advertisement struct {
	LocalName        string
	ManufacturerData []byte
	// ServiceData is keyed by normalized service UUID.
	ServiceData map[string][]byte
	Services    []string
	TxPower     *int
	Connectable bool
}

// NormalizeUUID is the canonical UUID spelling used throughout the radio layer.
func NormalizeUUID(uuid string) string { return bledb.NormalizeUUID(uuid) }

// ValidatePeripheral checks that id looks like a platform peripheral identifier:
// a dashed UUID or a colon-separated MAC address. Identifiers are opaque
// otherwise and are passed to the adapter unchanged.
func ValidatePeripheral(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("peripheral id is empty")
	}
	for _, r := range strings.ToLower(id) {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') && r != ':' && r != '-' {
			return fmt.Errorf("invalid peripheral id %q", id)
		}
	}
	return nil
}
