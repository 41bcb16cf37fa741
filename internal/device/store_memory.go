package device

import (
	"context"
	"sync"
)

// MemoryStore keeps devices in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu      sync.Mutex
	devices map[string]*Device
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]*Device)}
}

func (s *MemoryStore) Load(_ context.Context) (map[string]*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyDevices(s.devices), nil
}

func (s *MemoryStore) Save(_ context.Context, devices map[string]*Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = copyDevices(devices)
	return nil
}

func (s *MemoryStore) Upsert(_ context.Context, d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d.DeepCopy()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, id)
	return nil
}
