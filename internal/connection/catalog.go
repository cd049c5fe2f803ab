package connection

import (
	"github.com/rinat-enikeev/BTKit-sub000/internal/codec/ledger"
	"github.com/rinat-enikeev/BTKit-sub000/internal/codec/ruuvi"
	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
	"github.com/rinat-enikeev/BTKit-sub000/internal/radio"
)

// Service describes a GATT service the manager knows how to prepare.
type Service struct {
	Name string
	UUID string
	// Write receives requests. Empty for read-only services.
	Write string
	// Notify carries responses. Empty for services answered by reads.
	Notify string
	// Read lists characteristics a handler may read.
	Read []string
	// Heartbeat marks a notify channel that also carries heartbeat frames.
	Heartbeat bool
}

// Characteristics returns every characteristic the service uses, normalized.
func (s Service) Characteristics() []string {
	var out []string
	for _, c := range append([]string{s.Write, s.Notify}, s.Read...) {
		if c != "" {
			out = append(out, radio.NormalizeUUID(c))
		}
	}
	return out
}

// FirmwareRevision is the Device Information characteristic read by the GATT reader.
const FirmwareRevision = "2a26"

var (
	UART = Service{
		Name:      "uart",
		UUID:      "6e400001b5a3f393e0a9e50e24dcca9e",
		Write:     "6e400002b5a3f393e0a9e50e24dcca9e",
		Notify:    "6e400003b5a3f393e0a9e50e24dcca9e",
		Heartbeat: true,
	}
	DeviceInformation = Service{
		Name: "device-information",
		UUID: "180a",
		Read: []string{FirmwareRevision, "2a24", "2a29"},
	}
	Ledger = Service{
		Name:   "ledger",
		UUID:   ledger.ServiceUUID,
		Write:  "13d634002c97000400024c6564676572",
		Notify: "13d634002c97000400014c6564676572",
	}
)

// DefaultCatalog lists the services served out of the box.
func DefaultCatalog() []Service {
	return []Service{UART, DeviceInformation, Ledger}
}

// HeartbeatDecoder recognizes a heartbeat frame pushed over a heartbeat service.
type HeartbeatDecoder func(id string, data []byte) (device.Device, bool)

// RuuviHeartbeat decodes sensor frames streamed over the UART service.
func RuuviHeartbeat(id string, data []byte) (device.Device, bool) {
	tag, ok := ruuvi.DecodeHeartbeat(data)
	if !ok {
		return nil, false
	}
	tag.UUID = id
	return tag, true
}
