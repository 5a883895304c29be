package backend

import (
	"context"

	"github.com/chaz8081/beacon-tracker/internal/beacon"
	"github.com/chaz8081/beacon-tracker/internal/provision"
	"github.com/chaz8081/beacon-tracker/internal/registry"
	"github.com/chaz8081/beacon-tracker/internal/telemetry"
)

// Allocator hands out identities for one account.
type Allocator struct {
	Client *Client
	UID    string
}

func (a Allocator) Allocate(ctx context.Context) (beacon.Identity, error) {
	return a.Client.NextMinor(ctx, a.UID)
}

// Uploader posts telemetry records.
type Uploader struct {
	Client *Client
}

func (u Uploader) Upload(ctx context.Context, rec telemetry.Record) error {
	return u.Client.UploadPing(ctx, rec)
}

var (
	_ provision.Allocator = Allocator{}
	_ telemetry.Uploader  = Uploader{}
	_ registry.Remote     = (*Client)(nil)
)
