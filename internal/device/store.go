package device

import "context"

// Store persists device records.
//
// Implementations must be safe for concurrent use. Delete of an unknown ID
// is not an error, so a failed delete can be retried.
type Store interface {
	// Load returns every persisted device keyed by ID. An empty store
	// yields an empty map. Undecodable data yields ErrCorruptStore.
	Load(ctx context.Context) (map[string]*Device, error)

	// Save replaces the persisted set with devices.
	Save(ctx context.Context, devices map[string]*Device) error

	// Upsert writes a single record.
	Upsert(ctx context.Context, d *Device) error

	// Delete removes a single record.
	Delete(ctx context.Context, id string) error
}

func copyDevices(src map[string]*Device) map[string]*Device {
	dst := make(map[string]*Device, len(src))
	for id, d := range src {
		dst[id] = d.DeepCopy()
	}
	return dst
}
