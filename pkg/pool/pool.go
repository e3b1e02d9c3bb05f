// Package pool builds the fixed set of addresses that may be handed out to
// LoadBalancer services.
package pool

import (
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/jbliao/stupidlb/pkg/ipaddr"
)

// ConfigError reports an address range configuration that cannot produce a
// usable pool. It is fatal: no reconciliation may run without a pool.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid address pool configuration: " + e.Reason
}

// Pool is the immutable set of allocatable addresses.
type Pool struct {
	ranges    []ipaddr.Range
	members   mapset.Set[string]
	addresses []string
}

// New expands every range into the pool. Range boundaries are members.
func New(ranges []string) (*Pool, error) {
	var specs []string
	for _, r := range ranges {
		if r = strings.TrimSpace(r); r != "" {
			specs = append(specs, r)
		}
	}
	if len(specs) == 0 {
		return nil, &ConfigError{Reason: "no address ranges configured"}
	}

	p := &Pool{members: mapset.NewThreadUnsafeSet[string]()}
	for _, spec := range specs {
		rng, err := ipaddr.ParseRange(spec)
		if err != nil {
			return nil, &ConfigError{Reason: err.Error()}
		}
		p.ranges = append(p.ranges, rng)
		for _, addr := range rng.Addresses() {
			p.members.Add(addr)
		}
	}
	if p.members.Cardinality() == 0 {
		return nil, &ConfigError{Reason: "address ranges produce an empty pool"}
	}

	p.addresses = p.members.ToSlice()
	sort.Slice(p.addresses, func(i, j int) bool {
		return ipaddr.Less(p.addresses[i], p.addresses[j])
	})
	return p, nil
}

// Split parses a comma separated range specification.
func Split(spec string) []string {
	var out []string
	for _, part := range strings.Split(spec, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Contains reports whether addr is a member of the pool.
func (p *Pool) Contains(addr string) bool {
	if norm, ok := ipaddr.Normalize(addr); ok {
		addr = norm
	}
	return p.members.Contains(addr)
}

// Len returns the number of addresses in the pool.
func (p *Pool) Len() int {
	return len(p.addresses)
}

// Addresses returns every member in ascending order.
func (p *Pool) Addresses() []string {
	out := make([]string, len(p.addresses))
	copy(out, p.addresses)
	return out
}

// Free returns the members not present in used, in ascending order.
func (p *Pool) Free(used mapset.Set[string]) []string {
	var out []string
	for _, addr := range p.addresses {
		if used == nil || !used.Contains(addr) {
			out = append(out, addr)
		}
	}
	return out
}

// CountUsed returns how many members are present in used.
func (p *Pool) CountUsed(used mapset.Set[string]) int {
	n := 0
	for _, addr := range p.addresses {
		if used != nil && used.Contains(addr) {
			n++
		}
	}
	return n
}

func (p *Pool) String() string {
	parts := make([]string, len(p.ranges))
	for idx, rng := range p.ranges {
		parts[idx] = rng.String()
	}
	return fmt.Sprintf("%s (%d addresses)", strings.Join(parts, ","), p.Len())
}
