package ruuvi

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
)

const (
	v5TemperatureNA  = 0x8000
	v5HumidityNA     = 0xFFFF
	v5PressureNA     = 0xFFFF
	v5AccelerationNA = 0x8000
	v5VoltageNA      = 0x7FF
	v5TxPowerNA      = 0x1F
	v5MovementNA     = 0xFF
	v5SequenceNA     = 0xFFFF
)

func shortPayload(version string, got, want int) error {
	return fmt.Errorf("ruuvi %s payload too short: %d bytes, expected %d", version, got, want)
}

// legacyURLFields decodes humidity, temperature and pressure shared by formats 2 and 4.
func legacyURLFields(b []byte, tag *device.SensorTag) {
	humidity := float64(b[1]) / 2
	magnitude := float64(uint16(b[2]&0x7F)<<8|uint16(b[3])) / 256
	if b[2]&0x80 != 0 {
		magnitude = -magnitude
	}
	pressure := (float64(binary.BigEndian.Uint16(b[4:6])) + 50000) / 100

	tag.Humidity = &humidity
	tag.Temperature = &magnitude
	tag.Pressure = &pressure
}

// DecodeV2 decodes the 6-byte format 2 payload.
func DecodeV2(b []byte) (*device.SensorTag, error) {
	if len(b) < lenV2V4 {
		return nil, shortPayload("v2", len(b), lenV2V4)
	}
	tag := &device.SensorTag{Version: device.V2}
	legacyURLFields(b, tag)
	return tag, nil
}

// DecodeV4 decodes the 6-byte format 4 payload. The tag id travels outside it.
func DecodeV4(b []byte) (*device.SensorTag, error) {
	if len(b) < lenV2V4 {
		return nil, shortPayload("v4", len(b), lenV2V4)
	}
	tag := &device.SensorTag{Version: device.V4}
	legacyURLFields(b, tag)
	return tag, nil
}

// DecodeV3 decodes the 14-byte format 3 payload.
func DecodeV3(b []byte) (*device.SensorTag, error) {
	if len(b) < lenV3 {
		return nil, shortPayload("v3", len(b), lenV3)
	}

	humidity := float64(b[1]) / 2
	temperature := float64(b[2]&0x7F) + float64(b[3])/100
	if b[2]&0x80 != 0 {
		temperature = -temperature
	}
	pressure := (float64(binary.BigEndian.Uint16(b[4:6])) + 50000) / 100
	ax := float64(int16(binary.BigEndian.Uint16(b[6:8]))) / 1000
	ay := float64(int16(binary.BigEndian.Uint16(b[8:10]))) / 1000
	az := float64(int16(binary.BigEndian.Uint16(b[10:12]))) / 1000
	voltage := float64(binary.BigEndian.Uint16(b[12:14])) / 1000

	return &device.SensorTag{
		Version:       device.V3,
		Humidity:      &humidity,
		Temperature:   &temperature,
		Pressure:      &pressure,
		AccelerationX: &ax,
		AccelerationY: &ay,
		AccelerationZ: &az,
		Voltage:       &voltage,
	}, nil
}

// DecodeV5 decodes the 24-byte format 5 payload. Fields holding their
// "not available" value are left nil.
func DecodeV5(b []byte) (*device.SensorTag, error) {
	if len(b) < lenV5 {
		return nil, shortPayload("v5", len(b), lenV5)
	}
	tag := &device.SensorTag{Version: device.V5}

	if raw := binary.BigEndian.Uint16(b[1:3]); raw != v5TemperatureNA {
		tag.Temperature = ptr(float64(int16(raw)) / 200)
	}
	if raw := binary.BigEndian.Uint16(b[3:5]); raw != v5HumidityNA {
		tag.Humidity = ptr(float64(raw) / 400)
	}
	if raw := binary.BigEndian.Uint16(b[5:7]); raw != v5PressureNA {
		tag.Pressure = ptr((float64(raw) + 50000) / 100)
	}
	tag.AccelerationX = acceleration(b[7:9])
	tag.AccelerationY = acceleration(b[9:11])
	tag.AccelerationZ = acceleration(b[11:13])

	power := binary.BigEndian.Uint16(b[13:15])
	if v := power >> 5; v != v5VoltageNA {
		tag.Voltage = ptr(float64(v)/1000 + 1.6)
	}
	if tx := power & 0x1F; tx != v5TxPowerNA {
		tag.TxPower = ptr(int(tx)*2 - 40)
	}
	if b[15] != v5MovementNA {
		tag.MovementCounter = ptr(int(b[15]))
	}
	if seq := binary.BigEndian.Uint16(b[16:18]); seq != v5SequenceNA {
		tag.MeasurementSequence = ptr(int(seq))
	}
	tag.MAC = formatMAC(b[18:24])
	return tag, nil
}

func acceleration(b []byte) *float64 {
	raw := binary.BigEndian.Uint16(b)
	if raw == v5AccelerationNA {
		return nil
	}
	return ptr(float64(int16(raw)) / 1000)
}

func formatMAC(b []byte) string {
	parts := make([]string, len(b))
	for i, x := range b {
		parts[i] = fmt.Sprintf("%02X", x)
	}
	return strings.Join(parts, ":")
}

// decodeBase64 accepts both the standard and URL-safe alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("ruuvi url payload: %w", err)
	}
	if len(data) < lenV2V4 {
		return nil, shortPayload("url", len(data), lenV2V4)
	}
	return data, nil
}

func ptr[T any](v T) *T { return &v }
