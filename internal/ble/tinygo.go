package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth.
// On macOS, BLE device addresses are CoreBluetooth UUIDs (not MAC addresses);
// Device.Address stores whichever form the platform reports.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	// services are checked against every advertisement, since tinygo only
	// answers "does this packet carry service X".
	services []bluetooth.UUID

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by device address
}

// NewTinyGoAdapter creates an adapter on the default controller. Advertised
// services listed in watch are reported in Advertisement.Services.
func NewTinyGoAdapter(watch ...string) (*TinyGoAdapter, error) {
	a := &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
	for _, s := range watch {
		uuid, err := bluetooth.ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("ble: parse service UUID %q: %w", s, err)
		}
		a.services = append(a.services, uuid)
	}
	return a, nil
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// tinygo/bluetooth fires this callback with connected=false when a
	// peripheral disconnects.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *TinyGoAdapter) Scan(callback func(Advertisement)) error {
	return a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		adv := Advertisement{
			Address: result.Address.String(),
			Name:    result.LocalName(),
			RSSI:    int(result.RSSI),
		}
		for _, uuid := range a.services {
			if result.HasServiceUUID(uuid) {
				adv.Services = append(adv.Services, uuid.String())
			}
		}
		if md := result.ManufacturerData(); len(md) > 0 {
			adv.ManufacturerData = make(map[uint16][]byte, len(md))
			for _, el := range md {
				adv.ManufacturerData[el.CompanyID] = el.Data
			}
		}
		callback(adv)
	})
}

func (a *TinyGoAdapter) StopScan() error {
	return a.adapter.StopScan()
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect will eventually time out or succeed; a
		// late success is torn down so the peripheral is not left attached.
		go func() {
			if res := <-ch; res.err == nil {
				_ = res.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &tinyGoConnection{device: result.device}

		a.mu.Lock()
		a.connections[address] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (c *tinyGoConnection) DiscoverServices(uuids []string) ([]Service, error) {
	filter, err := parseUUIDs(uuids)
	if err != nil {
		return nil, err
	}
	svcs, err := c.device.DiscoverServices(filter)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	out := make([]Service, 0, len(svcs))
	for i := range svcs {
		out = append(out, &tinyGoService{svc: svcs[i]})
	}
	return out, nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoService struct {
	svc bluetooth.DeviceService
}

func (s *tinyGoService) UUID() string { return s.svc.UUID().String() }

func (s *tinyGoService) DiscoverCharacteristics(uuids []string) ([]Characteristic, error) {
	filter, err := parseUUIDs(uuids)
	if err != nil {
		return nil, err
	}
	chars, err := s.svc.DiscoverCharacteristics(filter)
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	out := make([]Characteristic, 0, len(chars))
	for i := range chars {
		out = append(out, &tinyGoCharacteristic{char: chars[i]})
	}
	return out, nil
}

// tinyGoCharacteristic reports the write modes the platform backend can
// perform; see the tinygo_<os>.go files for Properties and Write.
type tinyGoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) UUID() string { return c.char.UUID().String() }

func (c *tinyGoCharacteristic) WriteWithoutResponse(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, 64)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func parseUUIDs(uuids []string) ([]bluetooth.UUID, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	out := make([]bluetooth.UUID, 0, len(uuids))
	for _, s := range uuids {
		uuid, err := bluetooth.ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("ble: parse UUID %q: %w", s, err)
		}
		out = append(out, uuid)
	}
	return out, nil
}

// GATT characteristic property bits, Bluetooth Core v5.3
// Vol 3 Part G 3.3.1.1.
const (
	gattPropRead                 = 0x02
	gattPropWriteWithoutResponse = 0x04
	gattPropWrite                = 0x08
	gattPropNotify               = 0x10
)

// propertiesFromGATT converts a raw GATT property bitmask.
func propertiesFromGATT(raw uint32) Properties {
	var p Properties
	if raw&gattPropRead != 0 {
		p |= PropRead
	}
	if raw&gattPropWrite != 0 {
		p |= PropWrite
	}
	if raw&gattPropWriteWithoutResponse != 0 {
		p |= PropWriteWithoutResponse
	}
	if raw&gattPropNotify != 0 {
		p |= PropNotify
	}
	return p
}
