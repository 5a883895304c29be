//go:build linux

package ble

import "errors"

// errNoAckWrite is returned by Write on BlueZ, where tinygo/bluetooth only
// implements write commands.
var errNoAckWrite = errors.New("ble: acknowledged writes are not supported on this platform")

// Properties omits PropWrite, so callers fall back to WriteWithoutResponse.
func (c *tinyGoCharacteristic) Properties() Properties {
	return PropRead | PropWriteWithoutResponse
}

func (c *tinyGoCharacteristic) Write([]byte) error {
	return errNoAckWrite
}
