package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/beacon-tracker/internal/beacon"
)

type fileContents struct {
	Devices []Device `yaml:"devices"`
}

// File is a Store persisted as YAML. Every change rewrites the file through
// a temporary file and a rename.
type File struct {
	path string

	mu      sync.Mutex
	devices map[string]Device
}

// OpenFile loads the registry at path. A missing file is an empty registry.
func OpenFile(path string) (*File, error) {
	f := &File{path: path, devices: make(map[string]Device)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: reading %s: %w", path, err)
	}
	var contents fileContents
	if err := yaml.Unmarshal(data, &contents); err != nil {
		return nil, fmt.Errorf("registry: parsing %s: %w", path, err)
	}
	for _, d := range contents.Devices {
		f.devices[key(d.BLEID)] = d
	}
	return f, nil
}

// Path returns the backing file.
func (f *File) Path() string { return f.path }

func (f *File) List() ([]Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sorted(f.devices), nil
}

func (f *File) Get(bleID string) (Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[key(bleID)]
	if !ok {
		return Device{}, ErrNotFound
	}
	return d, nil
}

func (f *File) FindByIdentity(id beacon.Identity) (Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return findByIdentity(f.devices, id)
}

func (f *File) Put(d Device) error {
	if err := d.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.devices[key(d.BLEID)]
	f.devices[key(d.BLEID)] = d
	if err := f.save(); err != nil {
		if had {
			f.devices[key(d.BLEID)] = prev
		} else {
			delete(f.devices, key(d.BLEID))
		}
		return err
	}
	return nil
}

func (f *File) Delete(bleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.devices[key(bleID)]
	if !had {
		return nil
	}
	delete(f.devices, key(bleID))
	if err := f.save(); err != nil {
		f.devices[key(bleID)] = prev
		return err
	}
	return nil
}

// save writes the registry. Callers hold f.mu.
func (f *File) save() error {
	data, err := yaml.Marshal(fileContents{Devices: sorted(f.devices)})
	if err != nil {
		return fmt.Errorf("registry: marshalling: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("registry: creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".devices-*.yaml")
	if err != nil {
		return fmt.Errorf("registry: creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("registry: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("registry: closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("registry: replacing %s: %w", f.path, err)
	}
	return nil
}
