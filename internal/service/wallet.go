package service

import (
	"errors"

	"github.com/rinat-enikeev/BTKit-sub000/internal/codec/ledger"
	"github.com/rinat-enikeev/BTKit-sub000/internal/connection"
	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
	"github.com/rinat-enikeev/BTKit-sub000/internal/options"
)

type apduProtocol struct {
	framer      ledger.Framer
	apdu        ledger.APDU
	reassembler *ledger.Reassembler
	parse       func(resp []byte) error
}

func (p *apduProtocol) service() connection.Service { return connection.Ledger }
func (p *apduProtocol) streaming() bool             { return false }

func (p *apduProtocol) request(link *connection.Link) error {
	frames, err := p.framer.Encode(p.apdu)
	if err != nil {
		return err
	}
	p.reassembler = ledger.NewReassembler(p.framer)
	for _, f := range frames {
		link.Write(f)
	}
	return nil
}

func (p *apduProtocol) response(_ *connection.Link, _ string, data []byte) (bool, error) {
	resp, done, err := p.reassembler.Feed(data)
	if err != nil {
		return false, device.Wrap(device.FailedToParseResponse, err)
	}
	if !done {
		return false, nil
	}
	if err := p.parse(resp); err != nil {
		var status *ledger.StatusError
		if errors.As(err, &status) {
			return false, device.Wrap(device.Unexpected, err)
		}
		return false, device.Wrap(device.FailedToParseResponse, err)
	}
	return true, nil
}

// WalletOptions shapes a wallet exchange.
type WalletOptions struct {
	// Framer overrides the transport framing; the zero value is plain BLE.
	Framer  ledger.Framer
	OnPhase func(Phase)
}

// RequestAddress asks the wallet for the address at a BIP32 path, for example
// "44'/60'/0'/0/0". With verify set the wallet shows it for confirmation.
func (c *Client) RequestAddress(id, path string, verify bool, wo WalletOptions,
	onResult func(ledger.Address, error), opts ...options.Option) *Exchange {
	apdu, err := ledger.AddressRequest(path, verify)
	if err != nil {
		return c.rejected(device.Wrap(device.FailedToParseRequest, err), func(err error) { onResult(ledger.Address{}, err) }, opts)
	}

	var addr ledger.Address
	p := &apduProtocol{framer: wo.Framer, apdu: apdu, parse: func(resp []byte) error {
		a, err := ledger.ParseAddress(resp)
		addr = a
		return err
	}}
	return c.start(id, p, wo.OnPhase, func(err error) { onResult(addr, err) }, opts)
}

// AppConfiguration asks the wallet app for its version and settings.
func (c *Client) AppConfiguration(id string, wo WalletOptions,
	onResult func(ledger.Configuration, error), opts ...options.Option) *Exchange {
	var cfg ledger.Configuration
	p := &apduProtocol{framer: wo.Framer, apdu: ledger.ConfigurationRequest(), parse: func(resp []byte) error {
		c, err := ledger.ParseConfiguration(resp)
		cfg = c
		return err
	}}
	return c.start(id, p, wo.OnPhase, func(err error) { onResult(cfg, err) }, opts)
}

// rejected returns an exchange that failed before touching the radio.
func (c *Client) rejected(err error, finish func(error), opts []options.Option) *Exchange {
	e := &Exchange{
		logger:  c.logger.WithField("service", connection.Ledger.Name),
		finish:  finish,
		deliver: options.Apply(opts...).Executor,
	}
	if e.deliver == nil {
		e.deliver = c.delivery
	}
	e.complete(err)
	return e
}
