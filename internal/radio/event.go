package radio

// Event is one inbound notification from the radio driver.
type Event interface {
	// Peripheral returns the peripheral the event is about, or "" for radio-wide events.
	Peripheral() string
}

type StateChanged struct {
	State State
}

type PeripheralDiscovered struct {
	ID            string
	Name          string
	RSSI          int
	Advertisement Advertisement
}

type Connected struct {
	ID string
}

// Disconnected reports a dropped or cancelled link. Err is nil for a requested disconnect.
type Disconnected struct {
	ID  string
	Err error
}

type FailedToConnect struct {
	ID  string
	Err error
}

type ServicesDiscovered struct {
	ID       string
	Services []string
	Err      error
}

type CharacteristicsDiscovered struct {
	ID              string
	Service         string
	Characteristics []Characteristic
	Err             error
}

type NotifyStateChanged struct {
	ID             string
	Service        string
	Characteristic string
	Enabled        bool
	Err            error
}

// ValueUpdated carries a notification or the result of a Read.
type ValueUpdated struct {
	ID             string
	Service        string
	Characteristic string
	Data           []byte
	Err            error
}

type WriteCompleted struct {
	ID             string
	Service        string
	Characteristic string
	Err            error
}

type RSSIRead struct {
	ID   string
	RSSI int
	Err  error
}

// RestoredPeripheral is one entry of a state restoration.
type RestoredPeripheral struct {
	ID        string
	Lifecycle Lifecycle
}

// WillRestoreState hands back peripherals the platform kept for this process.
type WillRestoreState struct {
	Peripherals []RestoredPeripheral
}

func (StateChanged) Peripheral() string                { return "" }
func (e PeripheralDiscovered) Peripheral() string      { return e.ID }
func (e Connected) Peripheral() string                 { return e.ID }
func (e Disconnected) Peripheral() string              { return e.ID }
func (e FailedToConnect) Peripheral() string           { return e.ID }
func (e ServicesDiscovered) Peripheral() string        { return e.ID }
func (e CharacteristicsDiscovered) Peripheral() string { return e.ID }
func (e NotifyStateChanged) Peripheral() string        { return e.ID }
func (e ValueUpdated) Peripheral() string              { return e.ID }
func (e WriteCompleted) Peripheral() string            { return e.ID }
func (e RSSIRead) Peripheral() string                  { return e.ID }
func (WillRestoreState) Peripheral() string            { return "" }
