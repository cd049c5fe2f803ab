package goble

import (
	"github.com/go-ble/ble"
	"github.com/rinat-enikeev/BTKit-sub000/internal/radio"
)

// txPowerUnavailable is the HCI value for an absent TX power level.
const txPowerUnavailable = 127

// advertisement is the part of ble.Advertisement the adapter reads.
type advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	ServiceData() []ble.ServiceData
	Services() []ble.UUID
	TxPowerLevel() int
	Connectable() bool
	RSSI() int
	Addr() ble.Addr
}

func discovery(adv advertisement) radio.PeripheralDiscovered {
	a := radio.Advertisement{
		LocalName:        adv.LocalName(),
		ManufacturerData: adv.ManufacturerData(),
		Connectable:      adv.Connectable(),
	}
	if sd := adv.ServiceData(); len(sd) > 0 {
		a.ServiceData = make(map[string][]byte, len(sd))
		for _, d := range sd {
			a.ServiceData[radio.NormalizeUUID(d.UUID.String())] = d.Data
		}
	}
	for _, u := range adv.Services() {
		a.Services = append(a.Services, radio.NormalizeUUID(u.String()))
	}
	if tx := adv.TxPowerLevel(); tx != txPowerUnavailable {
		a.TxPower = &tx
	}

	return radio.PeripheralDiscovered{
		ID:            adv.Addr().String(),
		Name:          a.LocalName,
		RSSI:          adv.RSSI(),
		Advertisement: a,
	}
}

// advertises reports whether d lists one of services. An empty filter matches everything.
func advertises(d radio.PeripheralDiscovered, services []string) bool {
	if len(services) == 0 {
		return true
	}
	for _, want := range services {
		for _, have := range d.Advertisement.Services {
			if have == want {
				return true
			}
		}
		if _, ok := d.Advertisement.ServiceData[want]; ok {
			return true
		}
	}
	return false
}

func properties(p ble.Property) radio.Property {
	var out radio.Property
	if p&ble.CharRead != 0 {
		out |= radio.PropRead
	}
	if p&ble.CharWriteNR != 0 {
		out |= radio.PropWriteWithoutResponse
	}
	if p&ble.CharWrite != 0 {
		out |= radio.PropWrite
	}
	if p&ble.CharNotify != 0 {
		out |= radio.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		out |= radio.PropIndicate
	}
	return out
}

func parseUUIDs(uuids []string) ([]ble.UUID, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	out := make([]ble.UUID, 0, len(uuids))
	for _, s := range uuids {
		u, err := ble.Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}
