package main

import (
	"errors"
	"log/slog"

	"github.com/chaz8081/beacon-tracker/internal/backend"
	"github.com/chaz8081/beacon-tracker/internal/ble"
	"github.com/chaz8081/beacon-tracker/internal/config"
	"github.com/chaz8081/beacon-tracker/internal/dispatch"
	"github.com/chaz8081/beacon-tracker/internal/platform"
	"github.com/chaz8081/beacon-tracker/internal/registry"
)

// runtime is the loop, radio and host collaborators shared by the radio
// commands.
type runtime struct {
	loop     *dispatch.Loop
	radio    *ble.Radio
	location *platform.StaticLocation
}

func newRuntime(cfg *config.Config) (*runtime, error) {
	adapter, err := ble.NewTinyGoAdapter(cfg.Beacon.ServiceUUID)
	if err != nil {
		return nil, err
	}
	auth, err := platform.ParseAuthorization(cfg.Location.Authorization)
	if err != nil {
		return nil, err
	}

	loop := dispatch.New(dispatch.SystemClock{})
	rt := &runtime{
		loop: loop,
		radio: ble.NewRadio(adapter, loop, ble.RadioOptions{
			RangingInterval:   cfg.Radio.RangingInterval,
			RegionExitTimeout: cfg.Radio.RegionExitTimeout,
			ConnectTimeout:    cfg.Radio.ConnectTimeout,
		}),
		location: platform.NewStaticLocation(loop, auth, platform.AuthWhenInUse, cfg.Location.Lat, cfg.Location.Lng),
	}

	go func() {
		if err := rt.radio.Enable(); err != nil {
			slog.Error("[BLE] adapter unavailable", "error", err)
		}
	}()
	return rt, nil
}

// close must be called once the loop has stopped running.
func (rt *runtime) close() {
	rt.radio.Close()
}

func newClient(cfg *config.Config) (*backend.Client, error) {
	return backend.New(cfg.Backend.URL, cfg.Backend.Timeout)
}

func openRegistry(cfg *config.Config) (*registry.File, error) {
	return registry.OpenFile(cfg.Registry.Path)
}

func requireUser(cfg *config.Config) error {
	if cfg.UserID == "" {
		return errors.New("user_id is not set in the config")
	}
	return nil
}

// logIndicator stands in for the indicator when it is disabled.
type logIndicator struct{}

func (logIndicator) SetProximity(isFar bool) {
	slog.Info("[INDICATOR] proximity", "far", isFar)
}
