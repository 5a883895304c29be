//go:build windows

package ble

func (c *tinyGoCharacteristic) Properties() Properties {
	return propertiesFromGATT(c.char.Properties())
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}
