package ruuvi

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
)

// EncodeV5 builds a 24-byte format 5 payload from tag. Nil fields are written
// as their "not available" values.
func EncodeV5(tag *device.SensorTag) ([]byte, error) {
	b := make([]byte, lenV5)
	b[0] = 5

	binary.BigEndian.PutUint16(b[1:3], v5TemperatureNA)
	if tag.Temperature != nil {
		binary.BigEndian.PutUint16(b[1:3], uint16(int16(math.Round(*tag.Temperature*200))))
	}
	binary.BigEndian.PutUint16(b[3:5], v5HumidityNA)
	if tag.Humidity != nil {
		binary.BigEndian.PutUint16(b[3:5], uint16(math.Round(*tag.Humidity*400)))
	}
	binary.BigEndian.PutUint16(b[5:7], v5PressureNA)
	if tag.Pressure != nil {
		binary.BigEndian.PutUint16(b[5:7], uint16(math.Round(*tag.Pressure*100-50000)))
	}
	putAcceleration(b[7:9], tag.AccelerationX)
	putAcceleration(b[9:11], tag.AccelerationY)
	putAcceleration(b[11:13], tag.AccelerationZ)

	voltage := uint16(v5VoltageNA)
	if tag.Voltage != nil {
		voltage = uint16(math.Round((*tag.Voltage - 1.6) * 1000))
	}
	tx := uint16(v5TxPowerNA)
	if tag.TxPower != nil {
		tx = uint16((*tag.TxPower + 40) / 2)
	}
	binary.BigEndian.PutUint16(b[13:15], voltage<<5|tx&0x1F)

	b[15] = v5MovementNA
	if tag.MovementCounter != nil {
		b[15] = byte(*tag.MovementCounter)
	}
	binary.BigEndian.PutUint16(b[16:18], v5SequenceNA)
	if tag.MeasurementSequence != nil {
		binary.BigEndian.PutUint16(b[16:18], uint16(*tag.MeasurementSequence))
	}

	mac, err := parseMAC(tag.MAC)
	if err != nil {
		return nil, err
	}
	copy(b[18:24], mac)
	return b, nil
}

// EncodeV3 builds a 14-byte format 3 payload. All fields must be set.
func EncodeV3(tag *device.SensorTag) ([]byte, error) {
	if tag.Humidity == nil || tag.Temperature == nil || tag.Pressure == nil ||
		tag.AccelerationX == nil || tag.AccelerationY == nil || tag.AccelerationZ == nil || tag.Voltage == nil {
		return nil, fmt.Errorf("ruuvi v3 requires every field")
	}
	b := make([]byte, lenV3)
	b[0] = 3
	b[1] = byte(math.Round(*tag.Humidity * 2))

	t := math.Abs(*tag.Temperature)
	whole := math.Floor(t)
	b[2] = byte(whole) & 0x7F
	if *tag.Temperature < 0 {
		b[2] |= 0x80
	}
	b[3] = byte(math.Round((t - whole) * 100))

	binary.BigEndian.PutUint16(b[4:6], uint16(math.Round(*tag.Pressure*100-50000)))
	binary.BigEndian.PutUint16(b[6:8], uint16(int16(math.Round(*tag.AccelerationX*1000))))
	binary.BigEndian.PutUint16(b[8:10], uint16(int16(math.Round(*tag.AccelerationY*1000))))
	binary.BigEndian.PutUint16(b[10:12], uint16(int16(math.Round(*tag.AccelerationZ*1000))))
	binary.BigEndian.PutUint16(b[12:14], uint16(math.Round(*tag.Voltage*1000)))
	return b, nil
}

// EncodeURL builds the URL form of a format 2 or 4 tag, e.g. "https://ruu.vi/#BEgbAMLN".
func EncodeURL(tag *device.SensorTag) (string, error) {
	if tag.Version != device.V2 && tag.Version != device.V4 {
		return "", fmt.Errorf("ruuvi url encoding supports v2 and v4, got %s", tag.Version)
	}
	if tag.Humidity == nil || tag.Temperature == nil || tag.Pressure == nil {
		return "", fmt.Errorf("ruuvi url requires humidity, temperature and pressure")
	}
	b := make([]byte, lenV2V4)
	b[0] = byte(tag.Version)
	b[1] = byte(math.Round(*tag.Humidity * 2))
	raw := uint16(math.Round(math.Abs(*tag.Temperature)*256)) & 0x7FFF
	if *tag.Temperature < 0 {
		raw |= 0x8000
	}
	binary.BigEndian.PutUint16(b[2:4], raw)
	binary.BigEndian.PutUint16(b[4:6], uint16(math.Round(*tag.Pressure*100-50000)))

	url := "https://" + urlMarker + base64.RawURLEncoding.EncodeToString(b)
	if tag.Version == device.V4 && tag.TagID != "" {
		url += tag.TagID[:1]
	}
	return url, nil
}

// ManufacturerData prefixes payload with the Ruuvi company id.
func ManufacturerData(payload []byte) []byte {
	out := make([]byte, 2, 2+len(payload))
	binary.LittleEndian.PutUint16(out, CompanyID)
	return append(out, payload...)
}

func putAcceleration(b []byte, v *float64) {
	if v == nil {
		binary.BigEndian.PutUint16(b, v5AccelerationNA)
		return
	}
	binary.BigEndian.PutUint16(b, uint16(int16(math.Round(*v*1000))))
}

func parseMAC(s string) ([]byte, error) {
	out := make([]byte, 6)
	if s == "" {
		return out, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return nil, fmt.Errorf("invalid mac %q", s)
	}
	for i, p := range parts {
		x, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid mac %q: %w", s, err)
		}
		out[i] = byte(x)
	}
	return out, nil
}
