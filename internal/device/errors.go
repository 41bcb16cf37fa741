package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidCredentials is returned when the token does not match the
	// device's issued token.
	ErrInvalidCredentials = errors.New("device: invalid credentials")

	// ErrInvalidMetadata is returned when registration metadata fails validation.
	ErrInvalidMetadata = errors.New("device: invalid metadata")

	// ErrPersistence is returned when a change could not be written to the
	// store. It always wraps the underlying store error.
	ErrPersistence = errors.New("device: persistence failed")

	// ErrCorruptStore is returned by Store.Load when persisted data cannot
	// be decoded. It is a fatal startup error.
	ErrCorruptStore = errors.New("device: corrupt store")

	// ErrIDCollision is returned when the issuer keeps producing IDs that
	// are already registered.
	ErrIDCollision = errors.New("device: id collision")
)
