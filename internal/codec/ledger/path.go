// Package ledger encodes requests for and decodes responses from a Ledger
// hardware wallet: BIP32 paths, APDUs and the BLE transport framing.
package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// HardenedBit marks a hardened derivation index.
	HardenedBit uint32 = 0x80000000
	// MaxPathComponents is the deepest path the device accepts.
	MaxPathComponents = 10
)

// ParsePath splits a derivation path such as "44'/60'/0'/0/0" into its
// components. An apostrophe (or "h") marks a hardened index. A leading "m/" is accepted.
func ParsePath(path string) ([]uint32, error) {
	p := strings.TrimSpace(path)
	p = strings.TrimPrefix(p, "m/")
	if p == "" {
		return nil, fmt.Errorf("empty derivation path")
	}

	parts := strings.Split(p, "/")
	if len(parts) > MaxPathComponents {
		return nil, fmt.Errorf("derivation path has %d components, at most %d allowed", len(parts), MaxPathComponents)
	}

	out := make([]uint32, 0, len(parts))
	for _, part := range parts {
		hardened := strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h")
		digits := strings.TrimRight(part, "'h")
		n, err := strconv.ParseUint(digits, 10, 31)
		if err != nil {
			return nil, fmt.Errorf("invalid derivation path component %q: %w", part, err)
		}
		c := uint32(n)
		if hardened {
			c |= HardenedBit
		}
		out = append(out, c)
	}
	return out, nil
}

// FormatPath renders components back in apostrophe notation.
func FormatPath(components []uint32) string {
	parts := make([]string, len(components))
	for i, c := range components {
		if c&HardenedBit != 0 {
			parts[i] = strconv.FormatUint(uint64(c&^HardenedBit), 10) + "'"
		} else {
			parts[i] = strconv.FormatUint(uint64(c), 10)
		}
	}
	return strings.Join(parts, "/")
}
