package device

import (
	"errors"
	"fmt"
)

// Kind classifies failures delivered to subscribers.
type Kind string

const (
	NotConnectable           Kind = "not_connectable"
	NotConnected             Kind = "not_connected"
	AlreadyConnectedByOthers Kind = "already_connected_by_others"
	ConnectionTimedOut       Kind = "connection_timed_out"
	ServiceTimedOut          Kind = "service_timed_out"
	BluetoothWasPoweredOff   Kind = "bluetooth_was_powered_off"
	CharacteristicIsNil      Kind = "characteristic_is_nil"
	DataIsNil                Kind = "data_is_nil"
	FailedToParseRequest     Kind = "failed_to_parse_request"
	FailedToParseResponse    Kind = "failed_to_parse_response"
	ConnectFailedKind        Kind = "connect_failed"
	ReadRSSIFailedKind       Kind = "read_rssi_failed"
	Unexpected               Kind = "unexpected"
)

// Error is a classified failure. errors.Is matches on Kind; Err, if any, is the
// underlying reason.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrNotConnectable           = &Error{Kind: NotConnectable}
	ErrNotConnected             = &Error{Kind: NotConnected}
	ErrAlreadyConnectedByOthers = &Error{Kind: AlreadyConnectedByOthers}
	ErrConnectionTimedOut       = &Error{Kind: ConnectionTimedOut}
	ErrServiceTimedOut          = &Error{Kind: ServiceTimedOut}
	ErrBluetoothWasPoweredOff   = &Error{Kind: BluetoothWasPoweredOff}
	ErrCharacteristicIsNil      = &Error{Kind: CharacteristicIsNil}
	ErrDataIsNil                = &Error{Kind: DataIsNil}
	ErrFailedToParseRequest     = &Error{Kind: FailedToParseRequest}
	ErrFailedToParseResponse    = &Error{Kind: FailedToParseResponse}
	ErrConnectFailed            = &Error{Kind: ConnectFailedKind}
	ErrReadRSSIFailed           = &Error{Kind: ReadRSSIFailedKind}
	ErrUnexpected               = &Error{Kind: Unexpected}
)

// ConnectFailed wraps the radio's reason for rejecting a connection attempt.
func ConnectFailed(reason error) error {
	return &Error{Kind: ConnectFailedKind, Err: reason}
}

// ReadRSSIFailed wraps the radio's reason for a failed RSSI read.
func ReadRSSIFailed(reason error) error {
	return &Error{Kind: ReadRSSIFailedKind, Err: reason}
}

// Wrap classifies reason under kind.
func Wrap(kind Kind, reason error) error {
	return &Error{Kind: kind, Err: reason}
}

// KindOf returns the Kind of err, or "" if err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
