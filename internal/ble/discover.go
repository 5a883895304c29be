package ble

import (
	"sort"
	"time"
)

// ScanForDevices collects the distinct peripherals advertising service for
// window, then calls done with them sorted strongest first. It must be
// called on the loop and holds the scan slot for the duration.
func (r *Radio) ScanForDevices(tok Token, service string, window time.Duration, done func([]Device, error)) {
	seen := make(map[string]Device)
	err := r.StartScan(tok, service, func(d Device) {
		if prev, ok := seen[d.Address]; ok && prev.RSSI != 0 && prev.RSSI >= d.RSSI {
			return
		}
		seen[d.Address] = d
	})
	if err != nil {
		r.loop.Post(func() { done(nil, err) })
		return
	}
	r.loop.After(window, func() {
		r.StopScan(tok)
		devices := make([]Device, 0, len(seen))
		for _, d := range seen {
			devices = append(devices, d)
		}
		sort.Slice(devices, func(i, j int) bool {
			if devices[i].RSSI != devices[j].RSSI {
				return devices[i].RSSI > devices[j].RSSI
			}
			return devices[i].Address < devices[j].Address
		})
		done(devices, nil)
	})
}
