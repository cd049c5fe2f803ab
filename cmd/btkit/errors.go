package main

import (
	"errors"
	"fmt"

	"github.com/rinat-enikeev/BTKit-sub000/internal/codec/ledger"
	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
	"github.com/rinat-enikeev/BTKit-sub000/internal/radio/goble"
)

// Command-level errors
var (
	// ErrTimeout indicates a one-shot command ran out of --timeout.
	ErrTimeout = errors.New("timed out")
)

var kindHints = map[device.Kind]string{
	device.NotConnectable:           "peripheral does not accept connections",
	device.NotConnected:             "peripheral is not connected",
	device.AlreadyConnectedByOthers: "peripheral is already connected to another central",
	device.ConnectionTimedOut:       "timed out connecting to the peripheral (is it in range?)",
	device.ServiceTimedOut:          "peripheral did not answer in time",
	device.BluetoothWasPoweredOff:   "Bluetooth was powered off",
	device.CharacteristicIsNil:      "peripheral does not expose the expected characteristic",
	device.FailedToParseRequest:     "invalid request",
	device.FailedToParseResponse:    "peripheral sent a response that could not be decoded",
}

// FormatUserError turns library errors into a one-line message for the terminal.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, goble.ErrBluetoothOff) {
		return "Bluetooth is off or no adapter is available"
	}

	var status *ledger.StatusError
	if errors.As(err, &status) {
		return fmt.Sprintf("wallet rejected the request: %s", status.Error())
	}

	if hint, ok := kindHints[device.KindOf(err)]; ok {
		var e *device.Error
		if errors.As(err, &e) && e.Err != nil {
			return fmt.Sprintf("%s: %v", hint, e.Err)
		}
		return hint
	}
	return err.Error()
}
