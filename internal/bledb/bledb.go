// Package bledb names the GATT services, characteristics and vendors this
// module talks to, and normalizes UUID spellings to one canonical form.
package bledb

import "strings"

const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID to lowercase hex without dashes, braces or a
// 0x prefix. Bluetooth SIG base UUIDs collapse to their 16-bit short form.
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.TrimPrefix(s, "0x")
	s = strings.Trim(s, "{}")
	s = strings.ReplaceAll(s, "-", "")
	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
		return s[4:8]
	}
	return s
}

// NormalizeUUIDs normalizes every entry of uuids.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = NormalizeUUID(u)
	}
	return out
}

var services = map[string]string{
	"180a":                             "Device Information",
	"180f":                             "Battery Service",
	"6e400001b5a3f393e0a9e50e24dcca9e": "Nordic UART Service",
	"13d634002c97000400004c6564676572": "Ledger Transport",
	"feaa":                             "Eddystone",
}

var characteristics = map[string]string{
	"2a24":                             "Model Number String",
	"2a26":                             "Firmware Revision String",
	"2a29":                             "Manufacturer Name String",
	"6e400002b5a3f393e0a9e50e24dcca9e": "UART TX",
	"6e400003b5a3f393e0a9e50e24dcca9e": "UART RX",
	"13d634002c97000400014c6564676572": "Ledger Notify",
	"13d634002c97000400024c6564676572": "Ledger Write",
}

var vendors = map[uint16]string{
	0x0499: "Ruuvi Innovations Ltd.",
}

// LookupService returns the known service name, or "".
func LookupService(uuid string) string { return services[NormalizeUUID(uuid)] }

// LookupCharacteristic returns the known characteristic name, or "".
func LookupCharacteristic(uuid string) string { return characteristics[NormalizeUUID(uuid)] }

// LookupVendor returns the company name for a Bluetooth SIG company id, or "".
func LookupVendor(id uint16) string { return vendors[id] }
