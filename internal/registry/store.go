package registry

import (
	"sort"
	"sync"

	"github.com/chaz8081/beacon-tracker/internal/beacon"
)

// Store holds device records keyed by bleId, compared case-insensitively.
type Store interface {
	// List returns every device, most recently paired first.
	List() ([]Device, error)
	// Get returns the device with the given bleId.
	Get(bleID string) (Device, error)
	// FindByIdentity returns the device advertising id.
	FindByIdentity(id beacon.Identity) (Device, error)
	// Put stores or replaces a device.
	Put(d Device) error
	// Delete removes a device. Deleting an unknown id is not an error.
	Delete(bleID string) error
}

// Memory is a Store held in memory.
type Memory struct {
	mu      sync.RWMutex
	devices map[string]Device
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{devices: make(map[string]Device)}
}

func (m *Memory) List() ([]Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sorted(m.devices), nil
}

func (m *Memory) Get(bleID string) (Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[key(bleID)]
	if !ok {
		return Device{}, ErrNotFound
	}
	return d, nil
}

func (m *Memory) FindByIdentity(id beacon.Identity) (Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return findByIdentity(m.devices, id)
}

func (m *Memory) Put(d Device) error {
	if err := d.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[key(d.BLEID)] = d
	return nil
}

func (m *Memory) Delete(bleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, key(bleID))
	return nil
}

func sorted(devices map[string]Device) []Device {
	out := make([]Device, 0, len(devices))
	for _, d := range devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PairedAt.Equal(out[j].PairedAt) {
			return out[i].PairedAt.After(out[j].PairedAt)
		}
		return key(out[i].BLEID) < key(out[j].BLEID)
	})
	return out
}

func findByIdentity(devices map[string]Device, id beacon.Identity) (Device, error) {
	id = id.Numeric()
	for _, d := range sorted(devices) {
		if d.Identity() == id {
			return d, nil
		}
	}
	return Device{}, ErrNotFound
}

// Identities returns the identities of the active devices in s.
func Identities(s Store) ([]beacon.Identity, error) {
	devices, err := s.List()
	if err != nil {
		return nil, err
	}
	var ids []beacon.Identity
	for _, d := range devices {
		if d.IsActive {
			ids = append(ids, d.Identity())
		}
	}
	return ids, nil
}
