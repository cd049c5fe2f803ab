package connection

import (
	"fmt"

	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
	"github.com/rinat-enikeev/BTKit-sub000/internal/observation"
	"github.com/rinat-enikeev/BTKit-sub000/internal/radio"
)

// Link is a serve subscriber's handle on a ready service. Its methods may be
// called from any goroutine; failures arrive through Handler.Failure.
type Link struct {
	m          *Manager
	peripheral string
	service    Service
	sub        observation.ID
}

// Peripheral returns the peripheral id the link talks to.
func (l *Link) Peripheral() string { return l.peripheral }

// Service returns the service the link was prepared for.
func (l *Link) Service() Service { return l.service }

// Write sends data to the service's request characteristic.
func (l *Link) Write(data []byte) {
	l.WriteTo(l.service.Write, data)
}

// WriteTo sends data to a specific characteristic of the service.
func (l *Link) WriteTo(characteristic string, data []byte) {
	data = append([]byte(nil), data...)
	l.m.worker.Async(func() {
		l.m.linkOp(l, characteristic, func(char string) error {
			return l.m.adapter.Write(l.peripheral, radio.NormalizeUUID(l.service.UUID), char, data)
		})
	})
}

// Read requests the value of characteristic; it arrives through Handler.Response.
func (l *Link) Read(characteristic string) {
	l.m.worker.Async(func() {
		l.m.linkOp(l, characteristic, func(char string) error {
			return l.m.adapter.Read(l.peripheral, radio.NormalizeUUID(l.service.UUID), char)
		})
	})
}

// Finish marks the exchange complete so the service timeout no longer applies.
func (l *Link) Finish() {
	l.m.worker.Async(func() {
		if sub, ok := l.m.serves.Get(l.sub); ok {
			sub.Payload.finished = true
		}
	})
}

func (m *Manager) linkOp(l *Link, characteristic string, op func(char string) error) {
	if _, ok := m.serves.Get(l.sub); !ok {
		return
	}
	fail := func(err error) {
		m.serves.Complete(l.sub, func(s *serveSub) { s.handler.Failure(err) })
	}

	p, ok := m.peripherals[l.peripheral]
	if !ok || p.lifecycle != radio.LifecycleConnected {
		fail(device.ErrNotConnected)
		return
	}
	reg, ok := p.services[radio.NormalizeUUID(l.service.UUID)]
	if !ok || !reg.ready {
		fail(device.ErrNotConnected)
		return
	}
	if characteristic == "" {
		fail(device.ErrCharacteristicIsNil)
		return
	}
	char := radio.NormalizeUUID(characteristic)
	if _, ok := reg.chars[char]; !ok {
		fail(device.Wrap(device.CharacteristicIsNil, fmt.Errorf("characteristic %s not discovered", characteristic)))
		return
	}
	if err := op(char); err != nil {
		fail(device.Wrap(device.Unexpected, err))
	}
}
