package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/chaz8081/beacon-tracker/internal/backend"
	"github.com/chaz8081/beacon-tracker/internal/beacon"
	"github.com/chaz8081/beacon-tracker/internal/config"
	"github.com/chaz8081/beacon-tracker/internal/indicator"
	"github.com/chaz8081/beacon-tracker/internal/platform"
	"github.com/chaz8081/beacon-tracker/internal/provision"
	"github.com/chaz8081/beacon-tracker/internal/registry"
	"github.com/chaz8081/beacon-tracker/internal/telemetry"
)

func runLink(ctx context.Context, cfg *config.Config, args []string) error {
	if err := requireUser(cfg); err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	user, err := client.Link(ctx, cfg.UserID)
	if err != nil {
		return err
	}
	fmt.Printf("Linked %s (major %d)\n", user.UID, user.Major)
	return nil
}

func runProvision(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("provision", flag.ExitOnError)
	name := fs.String("name", "", "device name stored in the registry")
	fs.Parse(args)

	if err := requireUser(cfg); err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	store, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	printBanner(cfg, "provision")

	m := provision.New(rt.radio, rt.loop, rt.location, backend.Allocator{Client: client, UID: cfg.UserID}, provision.Options{
		RegionUUID:        cfg.Beacon.RegionUUID,
		ServiceUUID:       cfg.Beacon.ServiceUUID,
		WriteCharUUID:     cfg.Beacon.WriteCharUUID,
		ReadBackCharUUID:  cfg.Beacon.ReadBackCharUUID,
		PermissionTimeout: cfg.Provision.PermissionTimeout,
		DiscoveryTimeout:  cfg.Provision.DiscoveryTimeout,
		BLETimeout:        cfg.Provision.BLETimeout,
		ConnectTimeout:    cfg.Provision.ConnectTimeout,
		VerifyWindow:      cfg.Provision.VerifyWindow,
		WriteGrace:        cfg.Provision.WriteGrace,
		SkipReadBack:      cfg.Provision.SkipReadBack,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		id     beacon.Identity
		result error
		done   bool
	)
	rt.loop.Post(func() {
		err := m.Start(func(got beacon.Identity, err error) {
			id, result, done = got, err, true
			cancel()
		})
		if err != nil {
			result, done = err, true
			cancel()
		}
	})
	log.Println("Hold a factory-reset beacon close to this machine. Ctrl+C to abort.")
	rt.loop.Run(runCtx)

	if !done {
		return errors.New("interrupted")
	}
	if result != nil {
		return fmt.Errorf("%w (reason %s)", result, provision.Reason(result))
	}
	log.Printf("Beacon provisioned as %s", id)

	dev := registry.NewDevice(*name, cfg.UserID, id, time.Now())
	if err := store.Put(dev); err != nil {
		return fmt.Errorf("saving device: %w", err)
	}
	if err := client.CreateDevice(ctx, dev); err != nil {
		log.Printf("WARNING: backend did not accept the device, run 'sync' later: %v", err)
	}
	fmt.Println("Registered", dev)
	return nil
}

func runTrack(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("track", flag.ExitOnError)
	background := fs.Bool("background", false, "start as a background host (SIGUSR1 backgrounds, SIGUSR2 foregrounds)")
	fs.Parse(args)

	if err := requireUser(cfg); err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	store, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	var allow []beacon.Identity
	if cfg.Telemetry.AllowRegistered {
		if allow, err = registry.Identities(store); err != nil {
			return err
		}
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	printBanner(cfg, "track")

	host := platform.NewDaemon(!*background)
	var ind telemetry.Indicator = logIndicator{}
	var link *indicator.Link
	if cfg.Indicator.Enabled {
		link = indicator.New(rt.radio, rt.loop, indicator.Options{
			ServiceUUID:  cfg.Beacon.ServiceUUID,
			CharUUID:     cfg.Beacon.IndicatorCharUUID,
			ReconnectMax: cfg.Indicator.ReconnectMax,
		})
		ind = link
	}

	svc := telemetry.New(rt.radio, rt.loop, rt.location, host, backend.Uploader{Client: client}, ind, platform.LogNotifier{}, telemetry.Options{
		RegionUUID:     cfg.Beacon.RegionUUID,
		UID:            cfg.UserID,
		FarRSSI:        cfg.Telemetry.FarRSSI,
		NearRSSI:       cfg.Telemetry.NearRSSI,
		UploadInterval: cfg.Telemetry.UploadInterval,
		SettleDelay:    cfg.Telemetry.SettleDelay,
		BackgroundStop: cfg.Telemetry.BackgroundStop,
		FixTimeout:     cfg.Telemetry.FixTimeout,
		UploadTimeout:  cfg.Backend.Timeout,
		AllowList:      allow,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			fg := sig == syscall.SIGUSR2
			host.SetForeground(fg)
			log.Printf("Host foreground: %v", fg)
		}
	}()

	rt.loop.Post(svc.Start)
	log.Printf("Tracking %d registered beacon(s). Ctrl+C to quit.", len(allow))
	rt.loop.Run(ctx)

	svc.Stop()
	if link != nil {
		link.Close()
	}
	log.Printf("Stopped after %d upload(s)", svc.Uploads())
	return nil
}

func runSync(ctx context.Context, cfg *config.Config, args []string) error {
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	store, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	res, err := registry.Sync(ctx, store, client)
	if err != nil {
		return err
	}
	notifier := platform.LogNotifier{}
	for _, d := range res.Pickups {
		notifier.NotifyPickup(d.Identity())
	}
	fmt.Printf("Synced: %d updated, %d added, %d pushed\n", res.Updated, res.Added, res.Pushed)
	return nil
}

func runDevices(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("devices", flag.ExitOnError)
	remote := fs.Bool("remote", false, "list the backend's devices instead of the local registry")
	remove := fs.String("rm", "", "remove the device with this bleId locally and on the backend")
	fs.Parse(args)

	var (
		devices []registry.Device
		err     error
	)
	switch {
	case *remove != "":
		return removeDevice(ctx, cfg, *remove)
	case *remote:
		client, cerr := newClient(cfg)
		if cerr != nil {
			return cerr
		}
		devices, err = client.ListDevices(ctx)
	default:
		store, serr := openRegistry(cfg)
		if serr != nil {
			return serr
		}
		devices, err = store.List()
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMAJOR\tMINOR\tACTIVE\tPICKUP\tPAIRED\tBLE ID")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%d\t%d\t%v\t%v\t%s\t%s\n",
			d.Name, d.BeaconMajor, d.BeaconMinor, d.IsActive, d.PickupRequested(),
			d.PairedAt.Local().Format(time.DateTime), d.BLEID)
	}
	return w.Flush()
}

func removeDevice(ctx context.Context, cfg *config.Config, bleID string) error {
	store, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	dev, err := store.Get(bleID)
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	if err := client.DeleteDevice(ctx, dev.Identity()); err != nil && backend.StatusOf(err) != 404 {
		return err
	}
	if err := store.Delete(bleID); err != nil {
		return err
	}
	fmt.Println("Removed", dev)
	return nil
}
