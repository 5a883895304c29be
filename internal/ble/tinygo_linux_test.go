//go:build linux

package ble

import (
	"errors"
	"testing"
)

func TestLinuxCharacteristicReportsWriteCommandOnly(t *testing.T) {
	c := &tinyGoCharacteristic{}
	p := c.Properties()
	if p.Has(PropWrite) {
		t.Errorf("properties = %s, BlueZ backend cannot acknowledge writes", p)
	}
	if !p.Has(PropWriteWithoutResponse) || !p.Writable() {
		t.Errorf("properties = %s, want write without response", p)
	}
	if err := c.Write([]byte{1}); !errors.Is(err, errNoAckWrite) {
		t.Errorf("Write() error = %v, want errNoAckWrite", err)
	}
}
