package driver

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-logr/logr"

	"github.com/jbliao/stupidlb/pkg/inventory"
)

// Allocation is an address recorded in the external IPAM.
type Allocation struct {
	Address string
	Owner   string
}

// Driver mirrors address assignments into an external IPAM
type Driver interface {
	// GetAllocated lists the addresses this controller recorded
	GetAllocated(ctx context.Context) ([]Allocation, error)

	// MarkAddressAllocated ensures that addr is recorded as held by owner
	MarkAddressAllocated(ctx context.Context, addr, owner string) error

	// MarkAddressReleased do the reverse
	MarkAddressReleased(ctx context.Context, addr string) error
}

// Sync makes the external IPAM match the claimed addresses in snap. Only
// addresses accepted by inScope are considered.
func Sync(ctx context.Context, d Driver, snap *inventory.Snapshot, inScope func(string) bool, logger logr.Logger) error {
	alcted, err := d.GetAllocated(ctx)
	if err != nil {
		return err
	}

	// alctedset is the address set read from driver
	alctedset := mapset.NewThreadUnsafeSet[string]()
	for _, a := range alcted {
		alctedset.Add(a.Address)
	}

	// claimedset is the address set read from kubernetes
	claimedset := mapset.NewThreadUnsafeSet[string]()
	for _, e := range snap.Entries() {
		if !inScope(e.Address) || !claimedset.Add(e.Address) {
			continue
		}
		if !alctedset.Contains(e.Address) {
			logger.Info("recording address", "address", e.Address, "owner", e.Owner)
			if err := d.MarkAddressAllocated(ctx, e.Address, e.Owner.String()); err != nil {
				return err
			}
		}
	}

	for _, stale := range alctedset.Difference(claimedset).ToSlice() {
		logger.Info("releasing address", "address", stale)
		if err := d.MarkAddressReleased(ctx, stale); err != nil {
			return err
		}
	}
	return nil
}
