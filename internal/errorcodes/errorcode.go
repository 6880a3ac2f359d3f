// Package errorcodes defines secure-element status codes using a structured type.
// DeviceError holds the two-character code and human-readable description.
package errorcodes

import "errors"

// Predefined device status instances.
var (
	Err00 = DeviceError{"00", "No error"}
	Err01 = DeviceError{"01", "Key check value verification failure"}
	Err02 = DeviceError{"02", "Key inappropriate length for algorithm"}
	Err10 = DeviceError{"10", "Wrapping key parity error"}
	Err11 = DeviceError{"11", "Key parity error or key all zeros"}
	Err12 = DeviceError{"12", "Key slot empty"}
	Err15 = DeviceError{
		"15",
		"Invalid input data (invalid format, invalid characters, or not enough data provided)",
	}
	Err17 = DeviceError{"17", "Device not authorized, or operation prohibited by security settings"}
	Err27 = DeviceError{"27", "Incompatible key length"}
	Err29 = DeviceError{"29", "Key function not permitted"}
	Err41 = DeviceError{"41", "Internal hardware/software error"}
	Err42 = DeviceError{"42", "DES failure"}
	Err68 = DeviceError{"68", "Command has been disabled"}
	Err80 = DeviceError{"80", "Data length error"}
	Err82 = DeviceError{"82", "Invalid check value length"}
	ErrBB = DeviceError{"BB", "Invalid wrapping key"}
	ErrT1 = DeviceError{"T1", "Device tampered, key storage zeroized"}
)

// DeviceError represents a device status with its code and description.
type DeviceError struct {
	Code        string // two-character status code
	Description string // human-readable description
}

// Error implements the Go error interface: "<Code>: <Description>".
func (e DeviceError) Error() string {
	return e.Code + ": " + e.Description
}

// CodeOnly returns only the status code (e.g., "68"), for embedding in responses.
func (e DeviceError) CodeOnly() string {
	return e.Code
}

// Is matches on Code so wrapped copies compare equal to the predefined values.
func (e DeviceError) Is(target error) bool {
	var t DeviceError
	if !errors.As(target, &t) {
		return false
	}

	return t.Code == e.Code
}

// CodeOf extracts the status code carried by err, or "" if none.
func CodeOf(err error) string {
	var de DeviceError
	if errors.As(err, &de) {
		return de.Code
	}

	return ""
}
