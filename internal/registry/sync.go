package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Remote is the backend side of a sync.
type Remote interface {
	ListDevices(ctx context.Context) ([]Device, error)
	CreateDevice(ctx context.Context, d Device) error
}

// SyncResult summarises a sync.
type SyncResult struct {
	Updated int // local records refreshed from the server
	Added   int // server records new to the store
	Pushed  int // local records created on the server
	// Pickups lists known devices whose server record carries a pickup
	// request.
	Pickups []Device
}

// Sync merges the server's devices into store, the server winning on shared
// bleIds, then creates the devices the server does not know about.
func Sync(ctx context.Context, store Store, remote Remote) (SyncResult, error) {
	var res SyncResult

	server, err := remote.ListDevices(ctx)
	if err != nil {
		return res, fmt.Errorf("registry: listing server devices: %w", err)
	}
	known := make(map[string]bool, len(server))
	for _, s := range server {
		if err := s.Validate(); err != nil {
			slog.Warn("[REGISTRY] skipping invalid server device", "error", err)
			continue
		}
		known[key(s.BLEID)] = true

		local, err := store.Get(s.BLEID)
		switch {
		case err == nil:
			s.BLEID = local.BLEID
			if s.PairedAt.IsZero() {
				s.PairedAt = local.PairedAt
			}
			if s.PickupRequested() {
				res.Pickups = append(res.Pickups, s)
			}
			res.Updated++
		case errors.Is(err, ErrNotFound):
			safe := PickupClear
			s.LastRSSI = &safe
			res.Added++
		default:
			return res, fmt.Errorf("registry: reading %s: %w", s.BLEID, err)
		}
		if err := store.Put(s); err != nil {
			return res, fmt.Errorf("registry: storing %s: %w", s.BLEID, err)
		}
	}

	locals, err := store.List()
	if err != nil {
		return res, fmt.Errorf("registry: listing local devices: %w", err)
	}
	for _, d := range locals {
		if known[key(d.BLEID)] {
			continue
		}
		if err := remote.CreateDevice(ctx, d); err != nil {
			return res, fmt.Errorf("registry: pushing %s: %w", d.BLEID, err)
		}
		res.Pushed++
	}

	slog.Info("[REGISTRY] synced", "updated", res.Updated, "added", res.Added, "pushed", res.Pushed)
	return res, nil
}
