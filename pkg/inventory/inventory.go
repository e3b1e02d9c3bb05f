// Package inventory scans the cluster for addresses already claimed by
// LoadBalancer services.
package inventory

import (
	"context"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/types"

	"github.com/jbliao/stupidlb/pkg/ipaddr"
	"github.com/jbliao/stupidlb/pkg/service"
)

// Lister lists every Service in every namespace.
type Lister interface {
	ListServices(ctx context.Context) ([]service.Resource, error)
}

// Entry is one claimed address and the Service holding it.
type Entry struct {
	Address string
	Owner   types.NamespacedName
}

// Snapshot is the set of claimed addresses at the moment of a scan.
type Snapshot struct {
	entries []Entry
	owners  map[string]types.NamespacedName
}

// NewSnapshot builds a snapshot from entries. The first owner seen for an
// address wins.
func NewSnapshot(entries ...Entry) *Snapshot {
	s := &Snapshot{owners: make(map[string]types.NamespacedName, len(entries))}
	for _, e := range entries {
		s.entries = append(s.entries, e)
		if _, ok := s.owners[e.Address]; !ok {
			s.owners[e.Address] = e.Owner
		}
	}
	return s
}

// Entries returns a copy of every (address, owner) pair.
func (s *Snapshot) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Owner returns the Service holding addr.
func (s *Snapshot) Owner(addr string) (types.NamespacedName, bool) {
	owner, ok := s.owners[addr]
	return owner, ok
}

// InUse reports whether addr is claimed.
func (s *Snapshot) InUse(addr string) bool {
	_, ok := s.owners[addr]
	return ok
}

// Used returns the claimed addresses as a set.
func (s *Snapshot) Used() mapset.Set[string] {
	used := mapset.NewThreadUnsafeSetWithSize[string](len(s.owners))
	for addr := range s.owners {
		used.Add(addr)
	}
	return used
}

// Addresses returns the claimed addresses in ascending order.
func (s *Snapshot) Addresses() []string {
	out := make([]string, 0, len(s.owners))
	for addr := range s.owners {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return ipaddr.Less(out[i], out[j]) })
	return out
}

// Len returns the number of distinct claimed addresses.
func (s *Snapshot) Len() int {
	return len(s.owners)
}

// Scanner produces a fresh Snapshot on every call.
type Scanner struct {
	lister Lister
	log    logr.Logger
}

// NewScanner returns a Scanner over lister.
func NewScanner(lister Lister, log logr.Logger) *Scanner {
	return &Scanner{lister: lister, log: log}
}

// Scan lists every LoadBalancer Service except exclude and collects the
// addresses found in externalIPs and loadBalancerIP.
func (s *Scanner) Scan(ctx context.Context, exclude *types.NamespacedName) (*Snapshot, error) {
	resources, err := s.lister.ListServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}

	var entries []Entry
	for _, res := range resources {
		if !res.IsControlledKind() {
			continue
		}
		if exclude != nil && res.Identity == *exclude {
			continue
		}
		seen := mapset.NewThreadUnsafeSet[string]()
		for _, addr := range append([]string{res.LoadBalancerIP}, res.ExternalIPs...) {
			if addr == "" || !seen.Add(addr) {
				continue
			}
			entries = append(entries, Entry{Address: addr, Owner: res.Identity})
		}
	}

	s.log.V(1).Info("scanned inventory", "services", len(resources), "claimed", len(entries))
	return NewSnapshot(entries...), nil
}
