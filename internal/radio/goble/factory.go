package goble

import "github.com/go-ble/ble"

// DeviceFactory creates the host ble.Device. Tests may override it.
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return newDevice()
}
