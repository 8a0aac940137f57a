package bluetooth

import (
	"fmt"

	"github.com/pkg/errors"
)

// GattStatus is the numeric status attached to a GATT operation result.
// Values follow the codes reported by common BLE host stacks.
type GattStatus int

const (
	StatusSuccess                    GattStatus = 0
	StatusReadNotPermitted           GattStatus = 2
	StatusWriteNotPermitted          GattStatus = 3
	StatusInsufficientAuthentication GattStatus = 5
	StatusRequestNotSupported        GattStatus = 6
	StatusConnTimeout                GattStatus = 8
	StatusInvalidAttributeLength     GattStatus = 13
	StatusConnTerminatePeerUser      GattStatus = 19
	StatusConnTerminateLocalHost     GattStatus = 22
	StatusConnFailEstablish          GattStatus = 62
	StatusGattError                  GattStatus = 133
	StatusFailure                    GattStatus = 257
)

// Retriable reports whether a connect failure with this status is worth
// another attempt.
func (s GattStatus) Retriable() bool {
	switch s {
	case StatusConnTimeout, StatusConnFailEstablish, StatusGattError:
		return true
	}
	return false
}

func (s GattStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusReadNotPermitted:
		return "read not permitted"
	case StatusWriteNotPermitted:
		return "write not permitted"
	case StatusInsufficientAuthentication:
		return "insufficient authentication"
	case StatusRequestNotSupported:
		return "request not supported"
	case StatusConnTimeout:
		return "link timeout"
	case StatusInvalidAttributeLength:
		return "invalid attribute length"
	case StatusConnTerminatePeerUser:
		return "terminated by peer"
	case StatusConnTerminateLocalHost:
		return "terminated by local host"
	case StatusConnFailEstablish:
		return "failed to establish"
	case StatusGattError:
		return "gatt error"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("status %d", int(s))
	}
}

// GattError is returned by a GattLink when an operation cannot be issued.
type GattError struct {
	Op     string
	Status GattStatus
	Err    error
}

func (e *GattError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %d (%v)", e.Op, int(e.Status), e.Err)
	}
	return fmt.Sprintf("%s: %d", e.Op, int(e.Status))
}

func (e *GattError) Unwrap() error { return e.Err }

// StatusOf extracts the GATT status carried by err, or StatusFailure.
func StatusOf(err error) GattStatus {
	var ge *GattError
	if errors.As(err, &ge) {
		return ge.Status
	}
	return StatusFailure
}
