package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/rinat-enikeev/BTKit-sub000/internal/bledb"
	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
	"github.com/rinat-enikeev/BTKit-sub000/internal/groutine"
	"github.com/rinat-enikeev/BTKit-sub000/internal/radio"
	"github.com/sirupsen/logrus"
)

// link is one live connection. GATT requests run one at a time on gatt;
// services and chars are only touched there.
type link struct {
	a      *Adapter
	id     string
	client gattClient
	gatt   *groutine.Serial
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	services map[string]*ble.Service
	chars    map[string]*ble.Characteristic
}

func charKey(service, char string) string { return service + "/" + char }

func newLink(a *Adapter, id string, client gattClient) *link {
	ctx, cancel := context.WithCancel(a.ctx)
	return &link{
		a:        a,
		id:       id,
		client:   client,
		gatt:     groutine.NewSerial(ctx, a.cfg.Name+"-gatt-"+id, a.logger),
		ctx:      ctx,
		cancel:   cancel,
		services: make(map[string]*ble.Service),
		chars:    make(map[string]*ble.Characteristic),
	}
}

// monitor reports a drop initiated by the peripheral. Clients without a
// Disconnected channel are only torn down by CancelConnect.
func (l *link) monitor() {
	dc, ok := l.client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		l.a.logger.Debug("Client does not support Disconnected() channel")
		return
	}
	groutine.Go(l.ctx, l.a.cfg.Name+"-monitor-"+l.id, func(ctx context.Context) {
		select {
		case <-dc.Disconnected():
			l.a.logger.WithField("peripheral", l.id).Warn("Peripheral dropped the connection")
			l.drop(device.ErrNotConnected)
		case <-ctx.Done():
		}
	})
}

// drop removes the link and reports Disconnected with reason. A nil reason
// means the drop was requested locally.
func (l *link) drop(reason error) {
	l.once.Do(func() {
		l.a.links.Del(l.id)
		l.cancel()
		if reason == nil {
			groutine.Go(context.Background(), l.a.cfg.Name+"-cancel-"+l.id, func(context.Context) {
				if err := l.client.CancelConnection(); err != nil {
					l.a.logger.WithFields(logrus.Fields{"peripheral": l.id, "error": err}).Warn("BLE device disconnected with errors")
				}
			})
		}
		l.a.emit(radio.Disconnected{ID: l.id, Err: reason})
	})
}

func (l *link) discoverServices(filter []ble.UUID) {
	svcs, err := l.client.DiscoverServices(filter)
	if err != nil {
		l.a.emit(radio.ServicesDiscovered{ID: l.id, Err: NormalizeError(err)})
		return
	}
	found := make([]string, 0, len(svcs))
	for _, s := range svcs {
		uuid := radio.NormalizeUUID(s.UUID.String())
		l.services[uuid] = s
		found = append(found, uuid)
		l.a.logger.WithFields(logrus.Fields{"peripheral": l.id, "service": uuid, "name": bledb.LookupService(uuid)}).Debug("Discovered service")
	}
	l.a.emit(radio.ServicesDiscovered{ID: l.id, Services: found})
}

func (l *link) discoverCharacteristics(service string, filter []ble.UUID) {
	svc, ok := l.services[service]
	if !ok {
		l.a.emit(radio.CharacteristicsDiscovered{
			ID: l.id, Service: service,
			Err: fmt.Errorf("%w: service %s not discovered", device.ErrCharacteristicIsNil, service),
		})
		return
	}
	chars, err := l.client.DiscoverCharacteristics(filter, svc)
	if err != nil {
		l.a.emit(radio.CharacteristicsDiscovered{ID: l.id, Service: service, Err: NormalizeError(err)})
		return
	}
	out := make([]radio.Characteristic, 0, len(chars))
	for _, c := range chars {
		uuid := radio.NormalizeUUID(c.UUID.String())
		l.chars[charKey(service, uuid)] = c
		out = append(out, radio.Characteristic{UUID: uuid, Properties: properties(c.Property)})
		l.a.logger.WithFields(logrus.Fields{
			"peripheral":     l.id,
			"characteristic": uuid,
			"name":           bledb.LookupCharacteristic(uuid),
		}).Debug("Discovered characteristic")
	}
	l.a.emit(radio.CharacteristicsDiscovered{ID: l.id, Service: service, Characteristics: out})
}

func (l *link) characteristic(service, char string) (*ble.Characteristic, error) {
	c, ok := l.chars[charKey(service, char)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s not discovered", device.ErrCharacteristicIsNil, service, char)
	}
	return c, nil
}

func (l *link) setNotify(service, char string, enabled bool) {
	ev := radio.NotifyStateChanged{ID: l.id, Service: service, Characteristic: char, Enabled: enabled}
	c, err := l.characteristic(service, char)
	if err != nil {
		ev.Err = err
		l.a.emit(ev)
		return
	}
	indicate := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0
	if enabled {
		err = l.client.Subscribe(c, indicate, func(data []byte) {
			l.a.emit(radio.ValueUpdated{
				ID: l.id, Service: service, Characteristic: char,
				Data: append([]byte(nil), data...),
			})
		})
	} else {
		err = l.client.Unsubscribe(c, indicate)
	}
	ev.Err = NormalizeError(err)
	l.a.emit(ev)
}

func (l *link) write(service, char string, data []byte) {
	ev := radio.WriteCompleted{ID: l.id, Service: service, Characteristic: char}
	c, err := l.characteristic(service, char)
	if err != nil {
		ev.Err = err
		l.a.emit(ev)
		return
	}
	noRsp := c.Property&ble.CharWrite == 0 && c.Property&ble.CharWriteNR != 0
	ev.Err = NormalizeError(l.client.WriteCharacteristic(c, data, noRsp))
	l.a.emit(ev)
}

func (l *link) read(service, char string) {
	ev := radio.ValueUpdated{ID: l.id, Service: service, Characteristic: char}
	c, err := l.characteristic(service, char)
	if err != nil {
		ev.Err = err
		l.a.emit(ev)
		return
	}
	ev.Data, err = l.client.ReadCharacteristic(c)
	ev.Err = NormalizeError(err)
	l.a.emit(ev)
}
