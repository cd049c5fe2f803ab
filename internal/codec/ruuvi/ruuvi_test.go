package ruuvi

import (
	"encoding/hex"
	"testing"

	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
	"github.com/rinat-enikeev/BTKit-sub000/internal/radio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eps = 1e-9

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestDecodeV5_Valid(t *testing.T) {
	tag, err := DecodeV5(mustHex(t, "0512FC5394C37C0004FFFC040CAC364200CDCBB8334C884F"))
	require.NoError(t, err)

	assert.Equal(t, device.V5, tag.Version)
	assert.InDelta(t, 24.3, *tag.Temperature, eps)
	assert.InDelta(t, 53.49, *tag.Humidity, eps)
	assert.InDelta(t, 1000.44, *tag.Pressure, eps)
	assert.InDelta(t, 0.004, *tag.AccelerationX, eps)
	assert.InDelta(t, -0.004, *tag.AccelerationY, eps)
	assert.InDelta(t, 1.036, *tag.AccelerationZ, eps)
	assert.InDelta(t, 2.977, *tag.Voltage, eps)
	assert.Equal(t, 4, *tag.TxPower)
	assert.Equal(t, 66, *tag.MovementCounter)
	assert.Equal(t, 205, *tag.MeasurementSequence)
	assert.Equal(t, "CB:B8:33:4C:88:4F", tag.MAC)
}

func TestDecodeV5_Sentinels(t *testing.T) {
	// GOAL: every "not available" value decodes to an absent field
	tag, err := DecodeV5(mustHex(t, "058000FFFFFFFF800080008000FFFFFFFFFFFFFFFFFFFFFF"))
	require.NoError(t, err)

	assert.Nil(t, tag.Temperature)
	assert.Nil(t, tag.Humidity)
	assert.Nil(t, tag.Pressure)
	assert.Nil(t, tag.AccelerationX)
	assert.Nil(t, tag.AccelerationY)
	assert.Nil(t, tag.AccelerationZ)
	assert.Nil(t, tag.Voltage)
	assert.Nil(t, tag.TxPower)
	assert.Nil(t, tag.MovementCounter)
	assert.Nil(t, tag.MeasurementSequence)
	assert.Equal(t, "FF:FF:FF:FF:FF:FF", tag.MAC)
}

func TestDecodeV5_Extremes(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		temp     float64
		humidity float64
		pressure float64
		acc      float64
		voltage  float64
		tx       int
		movement int
		sequence int
	}{
		{"maximum", "057FFFFFFEFFFE7FFF7FFF7FFFFFDEFEFFFECBB8334C884F", 163.835, 163.835, 1155.34, 32.767, 3.646, 20, 254, 65534},
		{"minimum", "058001000000008001800180010000000000CBB8334C884F", -163.835, 0, 500, -32.767, 1.6, -40, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tag, err := DecodeV5(mustHex(t, tt.payload))
			require.NoError(t, err)
			assert.InDelta(t, tt.temp, *tag.Temperature, eps)
			assert.InDelta(t, tt.humidity, *tag.Humidity, eps)
			assert.InDelta(t, tt.pressure, *tag.Pressure, eps)
			assert.InDelta(t, tt.acc, *tag.AccelerationX, eps)
			assert.InDelta(t, tt.voltage, *tag.Voltage, eps)
			assert.Equal(t, tt.tx, *tag.TxPower)
			assert.Equal(t, tt.movement, *tag.MovementCounter)
			assert.Equal(t, tt.sequence, *tag.MeasurementSequence)
		})
	}
}

func TestEncodeV5_RoundTrip(t *testing.T) {
	// TEST SCENARIO: decode reference payload → encode → decode → fields equal within resolution
	original := mustHex(t, "0512FC5394C37C0004FFFC040CAC364200CDCBB8334C884F")
	tag, err := DecodeV5(original)
	require.NoError(t, err)

	encoded, err := EncodeV5(tag)
	require.NoError(t, err)
	assert.Equal(t, original, encoded, "reference payload MUST re-encode byte for byte")

	temp, hum := 21.237, 45.1234
	tag = &device.SensorTag{Temperature: &temp, Humidity: &hum, MAC: "01:02:03:04:05:06"}
	encoded, err = EncodeV5(tag)
	require.NoError(t, err)
	back, err := DecodeV5(encoded)
	require.NoError(t, err)
	assert.InDelta(t, temp, *back.Temperature, 1.0/200)
	assert.InDelta(t, hum, *back.Humidity, 1.0/400)
	assert.Nil(t, back.Pressure, "unset fields MUST encode as not available")
	assert.Nil(t, back.Voltage)
	assert.Equal(t, "01:02:03:04:05:06", back.MAC)
}

func TestDecodeV3(t *testing.T) {
	tag, err := DecodeV3(mustHex(t, "03291A1ECE1EFC18F94202CA0B53"))
	require.NoError(t, err)

	assert.Equal(t, device.V3, tag.Version)
	assert.InDelta(t, 20.5, *tag.Humidity, eps)
	assert.InDelta(t, 26.3, *tag.Temperature, eps)
	assert.InDelta(t, 1027.66, *tag.Pressure, eps)
	assert.InDelta(t, -1.0, *tag.AccelerationX, eps)
	assert.InDelta(t, -1.726, *tag.AccelerationY, eps)
	assert.InDelta(t, 0.714, *tag.AccelerationZ, eps)
	assert.InDelta(t, 2.899, *tag.Voltage, eps)

	encoded, err := EncodeV3(tag)
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, "03291A1ECE1EFC18F94202CA0B53"), encoded)
}

func TestDecodeV3_NegativeTemperature(t *testing.T) {
	tag, err := DecodeV3(mustHex(t, "03298145CE1EFC18F94202CA0B53"))
	require.NoError(t, err)
	assert.InDelta(t, -1.69, *tag.Temperature, eps)
}

func TestDecode_ShortPayloads(t *testing.T) {
	_, err := DecodeV5(make([]byte, 23))
	assert.Error(t, err)
	_, err = DecodeV3(make([]byte, 13))
	assert.Error(t, err)
	_, err = DecodeV2(make([]byte, 5))
	assert.Error(t, err)
	_, err = DecodeV4(nil)
	assert.Error(t, err)
}

func TestParseManufacturerData(t *testing.T) {
	v5 := mustHex(t, "0512FC5394C37C0004FFFC040CAC364200CDCBB8334C884F")

	tag, err := ParseManufacturerData(ManufacturerData(v5))
	require.NoError(t, err)
	require.NotNil(t, tag)
	assert.Equal(t, device.V5, tag.Version)

	tests := []struct {
		name string
		raw  []byte
	}{
		{"foreign vendor", append([]byte{0x4C, 0x00}, v5...)},
		{"unknown format", ManufacturerData([]byte{0x07, 1, 2, 3})},
		{"too short for vendor id", []byte{0x99}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tag, err := ParseManufacturerData(tt.raw)
			assert.NoError(t, err, "unrecognized data MUST NOT be an error")
			assert.Nil(t, tag)
		})
	}

	_, err = ParseManufacturerData(ManufacturerData(v5[:10]))
	assert.Error(t, err, "truncated ruuvi payload MUST be rejected")
}

func TestParseURL(t *testing.T) {
	tag, err := ParseURL([]byte("https://ruu.vi/#AkgVAMNQ"))
	require.NoError(t, err)
	require.NotNil(t, tag)
	assert.Equal(t, device.V2, tag.Version)
	assert.InDelta(t, 36.0, *tag.Humidity, eps)
	assert.InDelta(t, 21.0, *tag.Temperature, eps)
	assert.InDelta(t, 1000.0, *tag.Pressure, eps)

	frame := append([]byte{0x10, 0xF6, 0x03}, []byte("ruu.vi/#BEiVgMNQx")...)
	tag, err = ParseURL(frame)
	require.NoError(t, err)
	require.NotNil(t, tag)
	assert.Equal(t, device.V4, tag.Version)
	assert.InDelta(t, -21.5, *tag.Temperature, eps)
	assert.Equal(t, "x", tag.TagID)

	tag, err = ParseURL([]byte("https://example.com/#AkgVAMNQ"))
	assert.NoError(t, err)
	assert.Nil(t, tag)

	_, err = ParseURL([]byte("https://ruu.vi/#Akg"))
	assert.Error(t, err)
}

func TestEncodeURL_RoundTrip(t *testing.T) {
	hum, temp, pressure := 36.0, -21.5, 1000.0
	url, err := EncodeURL(&device.SensorTag{Version: device.V4, Humidity: &hum, Temperature: &temp, Pressure: &pressure, TagID: "x"})
	require.NoError(t, err)
	assert.Equal(t, "https://ruu.vi/#BEiVgMNQx", url)

	_, err = EncodeURL(&device.SensorTag{Version: device.V5})
	assert.Error(t, err)
}

func TestDecodeHeartbeat(t *testing.T) {
	tag, ok := DecodeHeartbeat(mustHex(t, "0512FC5394C37C0004FFFC040CAC364200CDCBB8334C884F"))
	require.True(t, ok)
	assert.Equal(t, device.H1, tag.Version)
	assert.InDelta(t, 24.3, *tag.Temperature, eps)

	tag, ok = DecodeHeartbeat(mustHex(t, "03291A1ECE1EFC18F94202CA0B53"))
	require.True(t, ok)
	assert.Equal(t, device.H1, tag.Version)

	_, ok = DecodeHeartbeat([]byte{0x3A, 0x30, 0x10, 0, 0, 0, 1, 0, 0, 0, 1})
	assert.False(t, ok, "log rows MUST NOT be taken for heartbeats")
	_, ok = DecodeHeartbeat([]byte{0x05, 1, 2})
	assert.False(t, ok)
	_, ok = DecodeHeartbeat(nil)
	assert.False(t, ok)
}

func TestDecodeAdvertisement(t *testing.T) {
	v5 := mustHex(t, "0512FC5394C37C0004FFFC040CAC364200CDCBB8334C884F")

	dev, ok := DecodeAdvertisement(radio.PeripheralDiscovered{
		ID:   "p1",
		RSSI: -70,
		Advertisement: radio.Advertisement{
			ManufacturerData: ManufacturerData(v5),
			Connectable:      true,
		},
	})
	require.True(t, ok)
	tag := dev.(*device.SensorTag)
	assert.Equal(t, "p1", tag.UUID)
	assert.Equal(t, -70, tag.RSSI)
	assert.True(t, tag.IsConnectable)
	assert.Equal(t, device.Key{UUID: "p1", Version: device.V5}, tag.Key())

	dev, ok = DecodeAdvertisement(radio.PeripheralDiscovered{
		ID: "p2",
		Advertisement: radio.Advertisement{
			ServiceData: map[string][]byte{EddystoneService: append([]byte{0x10, 0xF6, 0x03}, []byte("ruu.vi/#AkgVAMNQ")...)},
		},
	})
	require.True(t, ok)
	assert.Equal(t, device.V2, dev.(*device.SensorTag).Version)

	_, ok = DecodeAdvertisement(radio.PeripheralDiscovered{ID: "p3", Advertisement: radio.Advertisement{ManufacturerData: []byte{0x4C, 0x00, 0x02}}})
	assert.False(t, ok)
}
