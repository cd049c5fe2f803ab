// Package radiotest provides a scriptable radio.Adapter for tests.
package radiotest

import (
	"sync"

	"github.com/rinat-enikeev/BTKit-sub000/internal/radio"
)

// Call records one command issued to the Fake.
type Call struct {
	Op             string
	ID             string
	Service        string
	Characteristic string
	Services       []string
	Data           []byte
	Enabled        bool
}

// ConnectBehavior selects how the Fake answers Connect.
type ConnectBehavior int

const (
	// ConnectSucceeds emits Connected.
	ConnectSucceeds ConnectBehavior = iota
	// ConnectHangs emits nothing, leaving the attempt pending.
	ConnectHangs
	// ConnectFails emits FailedToConnect with ConnectErr.
	ConnectFails
)

// Profile is the GATT database served by auto-responses.
type Profile struct {
	// Services maps a normalized service UUID to its characteristics.
	Services map[string][]radio.Characteristic
	// Values answers Read, keyed by Key(service, characteristic).
	Values map[string][]byte
	// OnWrite runs after every accepted Write, typically to emit notifications.
	OnWrite func(f *Fake, id, service, characteristic string, data []byte)
	RSSI    int
}

// Key joins a service and characteristic for Profile.Values.
func Key(service, characteristic string) string {
	return radio.NormalizeUUID(service) + "/" + radio.NormalizeUUID(characteristic)
}

// Fake implements radio.Adapter. Commands are recorded; with Auto set it also
// answers them the way a cooperative peripheral would, synchronously.
type Fake struct {
	mu        sync.Mutex
	state     radio.State
	observers map[int]func(radio.Event)
	nextObs   int
	calls     []Call

	Auto        bool
	ConnectMode ConnectBehavior
	ConnectErr  error
	Profile     Profile
	// Retrievable decides Retrieve; nil means every peripheral is retrievable.
	Retrievable func(id string) bool
	// Reject makes the named command fail immediately with the given error.
	Reject map[string]error
}

var _ radio.Adapter = (*Fake)(nil)

// New returns a powered-on Fake with auto-responses enabled.
func New(profile Profile) *Fake {
	return &Fake{
		state:     radio.StatePoweredOn,
		observers: make(map[int]func(radio.Event)),
		Auto:      true,
		Profile:   profile,
	}
}

// Emit delivers e to every observer on the calling goroutine.
func (f *Fake) Emit(e radio.Event) {
	f.mu.Lock()
	if sc, ok := e.(radio.StateChanged); ok {
		f.state = sc.State
	}
	handlers := make([]func(radio.Event), 0, len(f.observers))
	for _, h := range f.observers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(e)
	}
}

// SetState changes the radio state and emits StateChanged.
func (f *Fake) SetState(s radio.State) { f.Emit(radio.StateChanged{State: s}) }

// Calls returns a snapshot of every recorded command.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsOf returns the recorded commands named op.
func (f *Fake) CallsOf(op string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many times op was issued.
func (f *Fake) Count(op string) int { return len(f.CallsOf(op)) }

// Reset forgets recorded commands.
func (f *Fake) Reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

func (f *Fake) record(c Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if err, ok := f.Reject[c.Op]; ok {
		return err
	}
	return nil
}

// SetAuto switches auto-responses while the fake is in use.
func (f *Fake) SetAuto(on bool) {
	f.mu.Lock()
	f.Auto = on
	f.mu.Unlock()
}

func (f *Fake) auto() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Auto
}

func (f *Fake) Observe(handler func(radio.Event)) func() {
	f.mu.Lock()
	id := f.nextObs
	f.nextObs++
	f.observers[id] = handler
	state := f.state
	f.mu.Unlock()

	handler(radio.StateChanged{State: state})
	return func() {
		f.mu.Lock()
		delete(f.observers, id)
		f.mu.Unlock()
	}
}

func (f *Fake) State() radio.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fake) Scan(services []string) error {
	return f.record(Call{Op: "Scan", Services: services})
}

func (f *Fake) StopScan() error {
	return f.record(Call{Op: "StopScan"})
}

func (f *Fake) Retrieve(id string) bool {
	if f.Retrievable == nil {
		return true
	}
	return f.Retrievable(id)
}

func (f *Fake) Connect(id string) error {
	if err := f.record(Call{Op: "Connect", ID: id}); err != nil {
		return err
	}
	if !f.auto() {
		return nil
	}
	switch f.ConnectMode {
	case ConnectSucceeds:
		f.Emit(radio.Connected{ID: id})
	case ConnectFails:
		f.Emit(radio.FailedToConnect{ID: id, Err: f.ConnectErr})
	}
	return nil
}

func (f *Fake) CancelConnect(id string) error {
	if err := f.record(Call{Op: "CancelConnect", ID: id}); err != nil {
		return err
	}
	if f.auto() {
		f.Emit(radio.Disconnected{ID: id})
	}
	return nil
}

func (f *Fake) DiscoverServices(id string, services []string) error {
	if err := f.record(Call{Op: "DiscoverServices", ID: id, Services: services}); err != nil {
		return err
	}
	if !f.auto() {
		return nil
	}
	var found []string
	for _, s := range services {
		if _, ok := f.Profile.Services[radio.NormalizeUUID(s)]; ok {
			found = append(found, radio.NormalizeUUID(s))
		}
	}
	f.Emit(radio.ServicesDiscovered{ID: id, Services: found})
	return nil
}

func (f *Fake) DiscoverCharacteristics(id, service string, characteristics []string) error {
	if err := f.record(Call{Op: "DiscoverCharacteristics", ID: id, Service: service, Services: characteristics}); err != nil {
		return err
	}
	if !f.auto() {
		return nil
	}
	f.Emit(radio.CharacteristicsDiscovered{
		ID:              id,
		Service:         service,
		Characteristics: f.Profile.Services[radio.NormalizeUUID(service)],
	})
	return nil
}

func (f *Fake) SetNotify(id, service, characteristic string, enabled bool) error {
	if err := f.record(Call{Op: "SetNotify", ID: id, Service: service, Characteristic: characteristic, Enabled: enabled}); err != nil {
		return err
	}
	if f.auto() {
		f.Emit(radio.NotifyStateChanged{ID: id, Service: service, Characteristic: characteristic, Enabled: enabled})
	}
	return nil
}

func (f *Fake) Write(id, service, characteristic string, data []byte) error {
	cp := append([]byte(nil), data...)
	if err := f.record(Call{Op: "Write", ID: id, Service: service, Characteristic: characteristic, Data: cp}); err != nil {
		return err
	}
	if !f.auto() {
		return nil
	}
	f.Emit(radio.WriteCompleted{ID: id, Service: service, Characteristic: characteristic})
	if f.Profile.OnWrite != nil {
		f.Profile.OnWrite(f, id, service, characteristic, cp)
	}
	return nil
}

func (f *Fake) Read(id, service, characteristic string) error {
	if err := f.record(Call{Op: "Read", ID: id, Service: service, Characteristic: characteristic}); err != nil {
		return err
	}
	if f.auto() {
		f.Emit(radio.ValueUpdated{
			ID:             id,
			Service:        service,
			Characteristic: characteristic,
			Data:           f.Profile.Values[Key(service, characteristic)],
		})
	}
	return nil
}

func (f *Fake) ReadRSSI(id string) error {
	if err := f.record(Call{Op: "ReadRSSI", ID: id}); err != nil {
		return err
	}
	if f.auto() {
		f.Emit(radio.RSSIRead{ID: id, RSSI: f.Profile.RSSI})
	}
	return nil
}

func (f *Fake) Close() error {
	return f.record(Call{Op: "Close"})
}

// Notify emits a notification from a peripheral.
func (f *Fake) Notify(id, service, characteristic string, data []byte) {
	f.Emit(radio.ValueUpdated{ID: id, Service: service, Characteristic: characteristic, Data: data})
}
