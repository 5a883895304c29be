package provision

import "errors"

// Terminal failure reasons. A session's error wraps exactly one of them,
// alongside the underlying cause when there is one.
var (
	ErrBluetoothOff   = errors.New("provision: bluetooth is off")
	ErrLocationDenied = errors.New("provision: location access denied")
	ErrNoPeripheral   = errors.New("provision: no peripheral")
	ErrWriteFailed    = errors.New("provision: write failed")
	ErrTimeout        = errors.New("provision: timed out")
	ErrVerifyFailed   = errors.New("provision: new identity not observed")
	ErrAllocator      = errors.New("provision: allocator failed")
)

// ErrSessionActive is returned by Start while another session runs.
var ErrSessionActive = errors.New("provision: session already active")

var reasons = []struct {
	err  error
	name string
}{
	{ErrBluetoothOff, "bluetoothOff"},
	{ErrLocationDenied, "locationDenied"},
	{ErrNoPeripheral, "noPeripheral"},
	{ErrWriteFailed, "writeFailed"},
	{ErrTimeout, "timeout"},
	{ErrVerifyFailed, "verifyFailed"},
	{ErrAllocator, "allocatorError"},
}

// Reason returns the failure reason name for err, "" for nil and "unknown"
// for errors outside the taxonomy.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.name
		}
	}
	return "unknown"
}
