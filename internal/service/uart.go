package service

import (
	"time"

	"github.com/rinat-enikeev/BTKit-sub000/internal/codec/ruuvi"
	"github.com/rinat-enikeev/BTKit-sub000/internal/connection"
	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
	"github.com/rinat-enikeev/BTKit-sub000/internal/options"
)

type logProtocol struct {
	kind       ruuvi.LogKind
	from       time.Time
	now        func() time.Time
	assembler  *ruuvi.LogAssembler
	onProgress func(rows int)
}

func (p *logProtocol) service() connection.Service { return connection.UART }
func (p *logProtocol) streaming() bool             { return true }

func (p *logProtocol) request(link *connection.Link) error {
	p.assembler = ruuvi.NewLogAssembler()
	link.Write(ruuvi.LogRequest(p.kind, p.now(), p.from))
	return nil
}

func (p *logProtocol) response(_ *connection.Link, _ string, data []byte) (bool, error) {
	rows, done, err := p.assembler.Feed(data)
	if err != nil {
		return false, device.Wrap(device.FailedToParseResponse, err)
	}
	if rows > 0 && p.onProgress != nil {
		p.onProgress(p.assembler.Rows())
	}
	return done, nil
}

// LogOptions shapes a log download.
type LogOptions struct {
	Kind ruuvi.LogKind
	// From limits the history to records after this instant.
	From time.Time
	// OnProgress reports the running row count. It runs on the manager worker.
	OnProgress func(rows int)
	// OnPhase reports phase transitions on the result executor.
	OnPhase func(Phase)
}

// ReadLog downloads the sensor history of id over UART. onResult receives the
// records merged per timestamp, in time order.
func (c *Client) ReadLog(id string, lo LogOptions, onResult func([]ruuvi.LogRecord, error), opts ...options.Option) *Exchange {
	p := &logProtocol{
		kind:       lo.Kind,
		from:       lo.From,
		now:        time.Now,
		onProgress: lo.OnProgress,
	}
	return c.start(id, p, lo.OnPhase, func(err error) {
		if err != nil {
			onResult(nil, err)
			return
		}
		onResult(p.assembler.Records(), nil)
	}, opts)
}
