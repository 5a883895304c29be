// Command test-ranging is a manual test for beacon ranging and region
// monitoring. It prints every ranging batch and region event.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-ranging [--uuid UUID] [--major N --minor N]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/beacon-tracker/internal/beacon"
	"github.com/chaz8081/beacon-tracker/internal/ble"
	"github.com/chaz8081/beacon-tracker/internal/dispatch"
)

func main() {
	region := flag.String("uuid", beacon.RegionUUID, "beacon family UUID")
	major := flag.Int("major", -1, "only report this major (requires --minor)")
	minor := flag.Int("minor", -1, "only report this minor, pickup flag ignored")
	flag.Parse()

	constraint := beacon.AnyIn(*region)
	if *major >= 0 && *minor >= 0 {
		constraint = beacon.Exactly(*region, beacon.Identity{Major: uint16(*major), Minor: uint16(*minor)})
	}

	adapter, err := ble.NewTinyGoAdapter()
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

	tok := radio.NewToken("test-ranging")
	loop.Post(func() {
		if err := radio.StartMonitoring(tok, *region, func(ev ble.RegionEvent) {
			switch ev.Kind {
			case ble.RegionEnter:
				fmt.Println(">>> ENTER region")
			case ble.RegionExit:
				fmt.Println("<<< EXIT  region")
			case ble.RegionDetermined:
				fmt.Printf("=== region state: %s\n", ev.State)
			}
		}); err != nil {
			fmt.Printf("Error: monitoring: %v\n", err)
		}
		if err := radio.StartRanging(tok, constraint, printBatch); err != nil {
			fmt.Printf("Error: ranging: %v\n", err)
			stop()
		}
		radio.RequestState(tok)
	})

	fmt.Printf("Ranging %s...\n", constraint)
	fmt.Println("Press Ctrl+C to exit.")
	loop.Run(ctx)
	fmt.Println("\nDone.")
}

func printBatch(bs []ble.Beacon) {
	if len(bs) == 0 {
		return
	}
	fmt.Printf("--- %d beacon(s)\n", len(bs))
	for _, b := range bs {
		minor, pickup := beacon.UnpackMinor(b.Identity.Minor)
		mark := ""
		if pickup {
			mark = " PICKUP"
		}
		fmt.Printf("  %5d/%-5d rssi %4d  %-9s %5.2fm  %s%s\n",
			b.Identity.Major, minor, b.RSSI, b.Proximity, b.Accuracy, b.Address, mark)
	}
}
