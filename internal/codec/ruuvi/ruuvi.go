// Package ruuvi decodes and encodes RuuviTag sensor payloads: data formats 2
// and 4 (Eddystone URL), 3 and 5 (manufacturer data), GATT heartbeats and the
// UART log exchange.
//
// Decoding is pure: the same bytes always yield the same record.
package ruuvi

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
)

const (
	// CompanyID is the Bluetooth SIG company identifier of Ruuvi Innovations.
	CompanyID uint16 = 0x0499

	// EddystoneService carries the v2/v4 URL frames.
	EddystoneService = "feaa"

	urlMarker = "ruu.vi/#"
)

// Payload lengths including the leading format byte.
const (
	lenV2V4 = 6
	lenV3   = 14
	lenV5   = 24
)

// manufacturerDecoders maps a format byte to its decoder.
var manufacturerDecoders = map[byte]func([]byte) (*device.SensorTag, error){
	3: DecodeV3,
	5: DecodeV5,
}

// ParseManufacturerData decodes raw manufacturer data that starts with the
// little-endian company id. It returns (nil, nil) for foreign vendors and
// unknown formats, and an error for a Ruuvi payload that is too short.
func ParseManufacturerData(raw []byte) (*device.SensorTag, error) {
	if len(raw) < 3 {
		return nil, nil
	}
	if binary.LittleEndian.Uint16(raw[0:2]) != CompanyID {
		return nil, nil
	}
	decode, ok := manufacturerDecoders[raw[2]]
	if !ok {
		return nil, nil
	}
	return decode(raw[2:])
}

// ParseURL decodes the v2/v4 payload embedded in an Eddystone URL frame or in
// a plain URL string. It returns (nil, nil) when there is no Ruuvi URL.
func ParseURL(frame []byte) (*device.SensorTag, error) {
	s := string(frame)
	i := strings.Index(s, urlMarker)
	if i < 0 {
		return nil, nil
	}
	encoded := s[i+len(urlMarker):]
	if len(encoded) < 8 {
		return nil, fmt.Errorf("ruuvi url payload too short: %d chars", len(encoded))
	}

	data, err := decodeBase64(encoded[:8])
	if err != nil {
		return nil, err
	}

	var tag *device.SensorTag
	switch data[0] {
	case 2:
		tag, err = DecodeV2(data)
	case 4:
		tag, err = DecodeV4(data)
		if err == nil && len(encoded) > 8 {
			tag.TagID = encoded[8:9]
		}
	default:
		return nil, nil
	}
	return tag, err
}

// DecodeHeartbeat decodes a sensor payload received over GATT. It accepts the
// format 3 and 5 layouts without company id. Anything else is not a heartbeat.
func DecodeHeartbeat(data []byte) (*device.SensorTag, bool) {
	if len(data) == 0 {
		return nil, false
	}
	var tag *device.SensorTag
	var err error
	switch data[0] {
	case 5:
		if len(data) < lenV5 {
			return nil, false
		}
		tag, err = DecodeV5(data)
	case 3:
		if len(data) < lenV3 {
			return nil, false
		}
		tag, err = DecodeV3(data)
	default:
		return nil, false
	}
	if err != nil {
		return nil, false
	}
	tag.Version = device.H1
	return tag, true
}
