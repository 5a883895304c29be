// Package bletest provides test doubles for the ble package: a mock
// hardware Adapter for exercising the real Radio, and a synchronous
// FakeRadio for components built on top of it.
package bletest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chaz8081/beacon-tracker/internal/beacon"
	"github.com/chaz8081/beacon-tracker/internal/ble"
)

// Characteristic records writes and serves reads.
type Characteristic struct {
	ID    string
	Props ble.Properties

	mu        sync.Mutex
	Value     []byte // returned by Read
	ReadErr   error
	WriteErr  error
	writes    [][]byte
	unacked   [][]byte
	readCount int
}

// NewCharacteristic returns a characteristic with the given uuid and
// properties.
func NewCharacteristic(uuid string, props ble.Properties) *Characteristic {
	return &Characteristic{ID: uuid, Props: props}
}

func (c *Characteristic) UUID() string               { return c.ID }
func (c *Characteristic) Properties() ble.Properties { return c.Props }

func (c *Characteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.WriteErr != nil {
		return c.WriteErr
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *Characteristic) WriteWithoutResponse(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.WriteErr != nil {
		return c.WriteErr
	}
	c.unacked = append(c.unacked, append([]byte(nil), data...))
	return nil
}

func (c *Characteristic) Read() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readCount++
	if c.ReadErr != nil {
		return nil, c.ReadErr
	}
	return append([]byte(nil), c.Value...), nil
}

// Writes returns the acknowledged writes so far.
func (c *Characteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// UnackedWrites returns the unacknowledged writes so far.
func (c *Characteristic) UnackedWrites() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.unacked...)
}

// Reads returns how many times Read was called.
func (c *Characteristic) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readCount
}

// Service is a GATT service holding a fixed characteristic list.
type Service struct {
	ID    string
	Chars []ble.Characteristic
	Err   error
}

func (s *Service) UUID() string { return s.ID }

func (s *Service) DiscoverCharacteristics(uuids []string) ([]ble.Characteristic, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if len(uuids) == 0 {
		return s.Chars, nil
	}
	var out []ble.Characteristic
	for _, c := range s.Chars {
		for _, u := range uuids {
			if strings.EqualFold(c.UUID(), u) {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

// Connection simulates a BLE connection.
type Connection struct {
	mu           sync.Mutex
	services     []ble.Service
	disconnectCb func()
	disconnected bool
}

func (c *Connection) DiscoverServices(uuids []string) ([]ble.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(uuids) == 0 {
		return c.services, nil
	}
	var out []ble.Service
	for _, s := range c.services {
		for _, u := range uuids {
			if strings.EqualFold(s.UUID(), u) {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *Connection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// Disconnected reports whether Disconnect was called.
func (c *Connection) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// SimulateDisconnect triggers the disconnect callback.
func (c *Connection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Adapter simulates the BLE hardware adapter.
type Adapter struct {
	mu         sync.Mutex
	EnableErr  error
	ConnectErr error
	Services   []ble.Service // served by every new connection
	scanCb     func(ble.Advertisement)
	scanStop   chan struct{}
	scans      int
	connection *Connection // most recent connection for test assertions
}

// NewAdapter returns an adapter whose connections expose services.
func NewAdapter(services ...ble.Service) *Adapter {
	return &Adapter{Services: services}
}

func (a *Adapter) Enable() error { return a.EnableErr }

func (a *Adapter) Scan(cb func(ble.Advertisement)) error {
	a.mu.Lock()
	if a.scanStop != nil {
		a.mu.Unlock()
		return fmt.Errorf("mock: already scanning")
	}
	stop := make(chan struct{})
	a.scanCb = cb
	a.scanStop = stop
	a.scans++
	a.mu.Unlock()

	<-stop
	return nil
}

func (a *Adapter) StopScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scanStop == nil {
		return fmt.Errorf("mock: not scanning")
	}
	close(a.scanStop)
	a.scanStop = nil
	a.scanCb = nil
	return nil
}

// Scanning reports whether a hardware scan is running.
func (a *Adapter) Scanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanStop != nil
}

// Scans returns how many hardware scans have been started.
func (a *Adapter) Scans() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scans
}

// Advertise delivers adv to the running scan. It reports false when no scan
// is running.
func (a *Adapter) Advertise(adv ble.Advertisement) bool {
	a.mu.Lock()
	cb := a.scanCb
	a.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(adv)
	return true
}

func (a *Adapter) Connect(_ context.Context, _ string) (ble.Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ConnectErr != nil {
		return nil, a.ConnectErr
	}
	conn := &Connection{services: a.Services}
	a.connection = conn
	return conn, nil
}

// LatestConnection returns the most recently created connection.
func (a *Adapter) LatestConnection() *Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connection
}

var _ ble.Adapter = (*Adapter)(nil)

// BeaconAdvertisement builds an iBeacon advertisement.
func BeaconAdvertisement(address, uuid string, id beacon.Identity, rssi int) ble.Advertisement {
	frame, err := beacon.MarshalFrame(beacon.Frame{UUID: uuid, Identity: id, MeasuredPower: -59})
	if err != nil {
		panic(err)
	}
	return ble.Advertisement{
		Address:          address,
		RSSI:             rssi,
		ManufacturerData: map[uint16][]byte{beacon.AppleCompanyID: frame},
	}
}

// ServiceAdvertisement builds a connectable advertisement for service.
func ServiceAdvertisement(address, name, service string, rssi int) ble.Advertisement {
	return ble.Advertisement{Address: address, Name: name, RSSI: rssi, Services: []string{service}}
}
