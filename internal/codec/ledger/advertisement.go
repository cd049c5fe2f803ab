package ledger

import (
	"strings"

	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
	"github.com/rinat-enikeev/BTKit-sub000/internal/radio"
)

// ServiceUUID is the Ledger BLE transport service, normalized.
const ServiceUUID = "13d634002c97000400004c6564676572"

var walletNamePrefixes = []string{"Nano X", "Nano S", "Ledger Stax", "Ledger Flex"}

// DecodeAdvertisement recognizes an advertising Ledger by its transport
// service or its advertised name.
func DecodeAdvertisement(d radio.PeripheralDiscovered) (device.Device, bool) {
	adv := d.Advertisement
	name := adv.LocalName
	if name == "" {
		name = d.Name
	}

	match := false
	for _, s := range adv.Services {
		if radio.NormalizeUUID(s) == ServiceUUID {
			match = true
			break
		}
	}
	if !match {
		for _, prefix := range walletNamePrefixes {
			if strings.HasPrefix(name, prefix) {
				match = true
				break
			}
		}
	}
	if !match {
		return nil, false
	}

	rssi := d.RSSI
	return &device.WalletDevice{
		UUID:          d.ID,
		Name:          name,
		RSSI:          &rssi,
		IsConnectable: adv.Connectable,
	}, true
}
