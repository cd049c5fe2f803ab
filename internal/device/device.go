package device

import "fmt"

// Version tags the decoding a Device came from.
type Version uint8

const (
	VersionUnknown Version = 0
	V2             Version = 2
	V3             Version = 3
	V4             Version = 4
	V5             Version = 5
	// H1 is a sensor payload received as a GATT notification on a live connection.
	H1             Version = 0xA1
	Wallet         Version = 0xF0
)

func (v Version) String() string {
	switch v {
	case V2, V3, V4, V5:
		return fmt.Sprintf("v%d", uint8(v))
	case H1:
		return "h1"
	case Wallet:
		return "wallet"
	default:
		return "unknown"
	}
}

// Key identifies a Device. A sensor tag that has reported under several
// versions is tracked once per version.
type Key struct {
	UUID    string
	Version Version
}

func (k Key) String() string { return k.UUID + "/" + k.Version.String() }

// Device is a recognized peripheral: *SensorTag or *WalletDevice.
type Device interface {
	ID() string
	Key() Key
}

// SensorTag is a decoded environmental sensor frame. Optional fields are nil
// when the frame does not carry them or carries the "not available" sentinel.
type SensorTag struct {
	UUID          string  `json:"uuid"`
	Version       Version `json:"version"`
	RSSI          int     `json:"rssi"`
	IsConnectable bool    `json:"connectable"`

	Temperature *float64 `json:"temperature,omitempty"` // °C
	Humidity    *float64 `json:"humidity,omitempty"`    // %RH
	Pressure    *float64 `json:"pressure,omitempty"`    // hPa

	AccelerationX *float64 `json:"acceleration_x,omitempty"` // g
	AccelerationY *float64 `json:"acceleration_y,omitempty"`
	AccelerationZ *float64 `json:"acceleration_z,omitempty"`

	Voltage             *float64 `json:"voltage,omitempty"`  // V
	TxPower             *int     `json:"tx_power,omitempty"` // dBm
	MovementCounter     *int     `json:"movement_counter,omitempty"`
	MeasurementSequence *int     `json:"measurement_sequence,omitempty"`

	MAC   string `json:"mac,omitempty"`
	TagID string `json:"tag_id,omitempty"`
}

func (t *SensorTag) ID() string { return t.UUID }
func (t *SensorTag) Key() Key   { return Key{UUID: t.UUID, Version: t.Version} }

// WalletDevice is an advertising hardware wallet.
type WalletDevice struct {
	UUID          string `json:"uuid"`
	Name          string `json:"name,omitempty"`
	RSSI          *int   `json:"rssi,omitempty"`
	IsConnectable bool   `json:"connectable"`
}

func (w *WalletDevice) ID() string { return w.UUID }
func (w *WalletDevice) Key() Key   { return Key{UUID: w.UUID, Version: Wallet} }

// MarshalText lets Version print as "v5" in JSON output.
func (v Version) MarshalText() ([]byte, error) { return []byte(v.String()), nil }
