//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
)

func newDevice() (ble.Device, error) {
	return nil, fmt.Errorf("%w: no BLE host support on %s", ErrBluetoothOff, runtime.GOOS)
}
