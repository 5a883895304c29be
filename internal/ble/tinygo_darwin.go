//go:build darwin

package ble

// CoreBluetooth does not expose characteristic properties through
// tinygo/bluetooth, so every mode is reported and the peripheral rejects
// what it does not support.
func (c *tinyGoCharacteristic) Properties() Properties {
	return PropRead | PropWrite | PropWriteWithoutResponse
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}
