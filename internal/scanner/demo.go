package scanner

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/rinat-enikeev/BTKit-sub000/internal/codec/ruuvi"
	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
	"github.com/rinat-enikeev/BTKit-sub000/internal/radio"
)

var demoNamespace = uuid.MustParse("6f1c2a3e-9b0d-4c57-8a41-5d2e7f0b93c1")

// DemoID returns the stable peripheral id of the i-th synthesized tag.
func DemoID(i int) string {
	return uuid.NewSHA1(demoNamespace, []byte(fmt.Sprintf("demo-%d", i))).String()
}

// demoDiscovery synthesizes a format 5 advertisement for tag i at step seq.
// The payload goes through the real decoder so demo tags look like radio ones.
func demoDiscovery(i, seq int) (radio.PeripheralDiscovered, error) {
	phase := float64(seq+i*7) / 10
	temp := 20 + 5*math.Sin(phase)
	hum := 45 + 10*math.Cos(phase)
	press := 1000 + float64(i)
	volt := 2.9
	tx := 4
	mov := seq % 256
	meas := seq % 65535
	ax, ay, az := 0.0, 0.0, 1.0

	payload, err := ruuvi.EncodeV5(&device.SensorTag{
		Temperature:         &temp,
		Humidity:            &hum,
		Pressure:            &press,
		AccelerationX:       &ax,
		AccelerationY:       &ay,
		AccelerationZ:       &az,
		Voltage:             &volt,
		TxPower:             &tx,
		MovementCounter:     &mov,
		MeasurementSequence: &meas,
		MAC:                 fmt.Sprintf("de:00:00:00:00:%02x", i%256),
	})
	if err != nil {
		return radio.PeripheralDiscovered{}, err
	}
	return radio.PeripheralDiscovered{
		ID:   DemoID(i),
		Name: fmt.Sprintf("Ruuvi Demo %d", i),
		RSSI: -50 - i%40,
		Advertisement: radio.Advertisement{
			ManufacturerData: ruuvi.ManufacturerData(payload),
			Connectable:      true,
		},
	}, nil
}

func (s *Scanner) emitDemo() {
	s.demoSeq++
	for _, sub := range s.devices.All() {
		n := sub.Payload.demoCount
		for i := 0; i < n; i++ {
			d, err := demoDiscovery(i, s.demoSeq)
			if err != nil {
				s.logger.WithError(err).Warn("Failed to synthesize demo device")
				return
			}
			dev, ok := ruuvi.DecodeAdvertisement(d)
			if !ok {
				continue
			}
			s.devices.Deliver(sub.ID, func(p *deviceSub) { p.onDevice(dev) })
		}
	}
}
