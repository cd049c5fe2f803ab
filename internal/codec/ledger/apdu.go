package ledger

import (
	"encoding/binary"
	"fmt"
)

const (
	claEthereum         = 0xE0
	insGetAddress       = 0x02
	insGetConfiguration = 0x06

	// StatusOK is the success status word.
	StatusOK uint16 = 0x9000
)

// APDU is one command frame.
type APDU struct {
	CLA, INS, P1, P2 byte
	Data             []byte
}

// Bytes serializes the command as {cla, ins, p1, p2, len, data}.
func (a APDU) Bytes() ([]byte, error) {
	if len(a.Data) > 0xFF {
		return nil, fmt.Errorf("apdu data too long: %d bytes", len(a.Data))
	}
	out := make([]byte, 0, 5+len(a.Data))
	out = append(out, a.CLA, a.INS, a.P1, a.P2, byte(len(a.Data)))
	return append(out, a.Data...), nil
}

// AddressRequest builds the get-address command for path. With verify set the
// device shows the address for on-screen confirmation.
func AddressRequest(path string, verify bool) (APDU, error) {
	components, err := ParsePath(path)
	if err != nil {
		return APDU{}, err
	}
	data := make([]byte, 1+4*len(components))
	data[0] = byte(len(components))
	for i, c := range components {
		binary.BigEndian.PutUint32(data[1+4*i:], c)
	}
	var p1 byte
	if verify {
		p1 = 1
	}
	return APDU{CLA: claEthereum, INS: insGetAddress, P1: p1, P2: 0x00, Data: data}, nil
}

// ConfigurationRequest builds the get-app-configuration command.
func ConfigurationRequest() APDU {
	return APDU{CLA: claEthereum, INS: insGetConfiguration}
}

// StatusError is a non-success status word returned by the device.
type StatusError struct {
	SW uint16
}

func (e *StatusError) Error() string {
	switch e.SW {
	case 0x6985:
		return fmt.Sprintf("ledger status 0x%04X: denied by user", e.SW)
	case 0x6D00, 0x6E00:
		return fmt.Sprintf("ledger status 0x%04X: app not open", e.SW)
	default:
		return fmt.Sprintf("ledger status 0x%04X", e.SW)
	}
}

// SplitStatus separates the trailing status word from a response and checks it.
func SplitStatus(resp []byte) ([]byte, error) {
	if len(resp) < 2 {
		return nil, fmt.Errorf("ledger response too short: %d bytes", len(resp))
	}
	n := len(resp) - 2
	if sw := binary.BigEndian.Uint16(resp[n:]); sw != StatusOK {
		return nil, &StatusError{SW: sw}
	}
	return resp[:n], nil
}

// Address is the decoded get-address response.
type Address struct {
	PublicKey []byte
	Address   string
	ChainCode []byte
}

// String returns the address with a 0x prefix.
func (a Address) String() string {
	if len(a.Address) >= 2 && a.Address[:2] == "0x" {
		return a.Address
	}
	return "0x" + a.Address
}

// ParseAddress decodes {pkLen, pk, addrLen, addr, [chainCode]} followed by the status word.
func ParseAddress(resp []byte) (Address, error) {
	body, err := SplitStatus(resp)
	if err != nil {
		return Address{}, err
	}
	if len(body) < 1 {
		return Address{}, fmt.Errorf("address response is empty")
	}
	pkLen := int(body[0])
	if len(body) < 1+pkLen+1 {
		return Address{}, fmt.Errorf("address response truncated in public key")
	}
	pk := body[1 : 1+pkLen]
	rest := body[1+pkLen:]
	addrLen := int(rest[0])
	if len(rest) < 1+addrLen {
		return Address{}, fmt.Errorf("address response truncated in address")
	}
	addr := Address{
		PublicKey: append([]byte(nil), pk...),
		Address:   string(rest[1 : 1+addrLen]),
	}
	if cc := rest[1+addrLen:]; len(cc) >= 32 {
		addr.ChainCode = append([]byte(nil), cc[:32]...)
	}
	return addr, nil
}

// Configuration is the decoded get-app-configuration response.
type Configuration struct {
	ArbitraryDataEnabled bool
	Version              string
}

// ParseConfiguration decodes {flags, major, minor, patch} followed by the status word.
func ParseConfiguration(resp []byte) (Configuration, error) {
	body, err := SplitStatus(resp)
	if err != nil {
		return Configuration{}, err
	}
	if len(body) < 4 {
		return Configuration{}, fmt.Errorf("configuration response too short: %d bytes", len(body))
	}
	return Configuration{
		ArbitraryDataEnabled: body[0]&0x01 != 0,
		Version:              fmt.Sprintf("%d.%d.%d", body[1], body[2], body[3]),
	}, nil
}
