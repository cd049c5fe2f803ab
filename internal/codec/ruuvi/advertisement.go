package ruuvi

import (
	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
	"github.com/rinat-enikeev/BTKit-sub000/internal/radio"
)

// DecodeAdvertisement recognizes a RuuviTag in a discovery. Malformed or
// foreign payloads are not an error: they simply do not match.
func DecodeAdvertisement(d radio.PeripheralDiscovered) (device.Device, bool) {
	adv := d.Advertisement

	tag, err := ParseManufacturerData(adv.ManufacturerData)
	if err != nil || tag == nil {
		tag = nil
		for _, frame := range urlFrames(adv) {
			if t, err := ParseURL(frame); err == nil && t != nil {
				tag = t
				break
			}
		}
	}
	if tag == nil {
		return nil, false
	}

	tag.UUID = d.ID
	tag.RSSI = d.RSSI
	tag.IsConnectable = adv.Connectable
	return tag, true
}

func urlFrames(adv radio.Advertisement) [][]byte {
	var frames [][]byte
	if data, ok := adv.ServiceData[EddystoneService]; ok {
		frames = append(frames, data)
	}
	if adv.LocalName != "" {
		frames = append(frames, []byte(adv.LocalName))
	}
	return frames
}
