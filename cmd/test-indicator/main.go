// Command test-indicator is a manual test for the near/far indicator.
// It lists advertisers of the beacon service, then toggles the indicator
// between near and far until interrupted.
//
// Usage:
//
//	go run ./cmd/test-indicator [--interval 3s] [--list-only]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/beacon-tracker/internal/beacon"
	"github.com/chaz8081/beacon-tracker/internal/ble"
	"github.com/chaz8081/beacon-tracker/internal/dispatch"
	"github.com/chaz8081/beacon-tracker/internal/indicator"
)

func main() {
	interval := flag.Duration("interval", 3*time.Second, "time between near/far toggles")
	listOnly := flag.Bool("list-only", false, "only list advertisers of the beacon service")
	flag.Parse()

	adapter, err := ble.NewTinyGoAdapter(beacon.ServiceUUID)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	loop := dispatch.New(dispatch.SystemClock{})
	radio := ble.NewRadio(adapter, loop, ble.DefaultRadioOptions())
	defer radio.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := radio.Enable(); err != nil {
			fmt.Printf("Error: %v\n", err)
			stop()
		}
	}()

	link := indicator.New(radio, loop, indicator.DefaultOptions())
	far := false
	var toggle func()
	toggle = func() {
		far = !far
		link.SetProximity(far)
		state := "NEAR"
		if far {
			state = "FAR"
		}
		fmt.Printf("indicator -> %s (connected: %v)\n", state, link.Ready())
		loop.After(*interval, toggle)
	}

	fmt.Println("Scanning 5s for beacon service advertisers...")
	tok := radio.NewToken("test-indicator")
	loop.Post(func() {
		radio.ScanForDevices(tok, beacon.ServiceUUID, 5*time.Second, func(devs []ble.Device, err error) {
			if err != nil {
				fmt.Printf("Error: scan: %v\n", err)
				stop()
				return
			}
			if len(devs) == 0 {
				fmt.Println("No advertisers found.")
			}
			for i, d := range devs {
				name := d.Name
				if name == "" {
					name = "(unnamed)"
				}
				fmt.Printf("  [%d] %s  %s  rssi %d\n", i+1, name, d.Address, d.RSSI)
			}
			if *listOnly {
				stop()
				return
			}
			fmt.Println("Toggling indicator. Press Ctrl+C to exit.")
			toggle()
		})
	})

	loop.Run(ctx)
	link.Close()
	fmt.Printf("\nDone after %d write(s).\n", link.Writes())
}
