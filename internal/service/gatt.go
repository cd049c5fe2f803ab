package service

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rinat-enikeev/BTKit-sub000/internal/connection"
	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
	"github.com/rinat-enikeev/BTKit-sub000/internal/options"
	"github.com/rinat-enikeev/BTKit-sub000/internal/radio"
)

type readProtocol struct {
	svc            connection.Service
	characteristic string
	value          string
}

func (p *readProtocol) service() connection.Service { return p.svc }
func (p *readProtocol) streaming() bool             { return false }

func (p *readProtocol) request(link *connection.Link) error {
	link.Read(p.characteristic)
	return nil
}

func (p *readProtocol) response(_ *connection.Link, characteristic string, data []byte) (bool, error) {
	if characteristic != radio.NormalizeUUID(p.characteristic) {
		return false, nil
	}
	if !utf8.Valid(data) {
		return false, device.Wrap(device.FailedToParseResponse, fmt.Errorf("value of %s is not utf-8", p.characteristic))
	}
	p.value = strings.TrimRight(string(data), "\x00")
	return true, nil
}

// ReadString reads one characteristic of svc and decodes it as text.
func (c *Client) ReadString(id string, svc connection.Service, characteristic string,
	onResult func(string, error), opts ...options.Option) *Exchange {
	p := &readProtocol{svc: svc, characteristic: characteristic}
	return c.start(id, p, nil, func(err error) { onResult(p.value, err) }, opts)
}

// ReadFirmware reads the firmware revision string of id.
func (c *Client) ReadFirmware(id string, onResult func(string, error), opts ...options.Option) *Exchange {
	return c.ReadString(id, connection.DeviceInformation, connection.FirmwareRevision, onResult, opts...)
}
