// Package allocator decides which address, if any, a Service receives.
package allocator

import (
	"fmt"
	"math/rand/v2"

	"github.com/go-logr/logr"

	"github.com/jbliao/stupidlb/pkg/inventory"
	"github.com/jbliao/stupidlb/pkg/pool"
	"github.com/jbliao/stupidlb/pkg/service"
)

// Action is the kind of decision taken for a Service.
type Action string

const (
	NoOp            Action = "NoOp"
	Assign          Action = "Assign"
	AssignRequested Action = "AssignRequested"
	// MirrorExternal copies an existing external IP into loadBalancerIP.
	MirrorExternal Action = "MirrorExternal"
)

// Decision describes the fields to set. Empty fields stay untouched.
type Decision struct {
	Action         Action
	ExternalIPs    []string
	LoadBalancerIP string
}

// Patch converts the decision into a Service patch.
func (d Decision) Patch() service.Patch {
	return service.Patch{ExternalIPs: d.ExternalIPs, LoadBalancerIP: d.LoadBalancerIP}
}

// SelectFunc picks one address out of a non-empty, ascending candidate list.
type SelectFunc func(candidates []string) string

// SelectFirst picks the lowest free address.
func SelectFirst(candidates []string) string {
	return candidates[0]
}

// SelectRandom picks any free address.
func SelectRandom(candidates []string) string {
	return candidates[rand.IntN(len(candidates))]
}

// SelectByName maps a configured strategy name to its SelectFunc.
func SelectByName(name string) (SelectFunc, error) {
	switch name {
	case "", "first":
		return SelectFirst, nil
	case "random":
		return SelectRandom, nil
	default:
		return nil, fmt.Errorf("unknown selection strategy %q", name)
	}
}

// Allocator is stateless apart from its selection strategy.
type Allocator struct {
	log      logr.Logger
	selectFn SelectFunc
}

// New returns an Allocator. A nil selectFn means SelectFirst.
func New(log logr.Logger, selectFn SelectFunc) *Allocator {
	if selectFn == nil {
		selectFn = SelectFirst
	}
	return &Allocator{log: log, selectFn: selectFn}
}

// Decide evaluates res against the pool and the addresses claimed by other
// Services. A Service with both fields populated is never re-validated.
func (a *Allocator) Decide(p *pool.Pool, snap *inventory.Snapshot, res service.Resource) (Decision, error) {
	if res.Assigned() {
		return Decision{Action: NoOp}, nil
	}

	if len(res.ExternalIPs) > 0 {
		addr := res.ExternalIPs[0]
		if owner, held := snap.Owner(addr); held {
			return Decision{}, &ConflictError{Address: addr, Owner: owner}
		}
		a.log.V(1).Info("mirroring external IP into load balancer IP", "address", addr)
		return Decision{Action: MirrorExternal, LoadBalancerIP: addr}, nil
	}

	if requested := res.LoadBalancerIP; requested != "" {
		if !p.Contains(requested) {
			return Decision{}, &InvalidRequestedAddressError{Address: requested}
		}
		if owner, held := snap.Owner(requested); held {
			return Decision{}, &ConflictError{Address: requested, Owner: owner}
		}
		a.log.V(1).Info("requested address is free", "address", requested)
		return Decision{Action: AssignRequested, ExternalIPs: []string{requested}}, nil
	}

	free := p.Free(snap.Used())
	if len(free) == 0 {
		return Decision{}, &PoolExhaustedError{PoolSize: p.Len()}
	}
	addr := a.selectFn(free)
	a.log.V(1).Info("found allocable address", "address", addr, "free", len(free))
	return Decision{Action: Assign, ExternalIPs: []string{addr}, LoadBalancerIP: addr}, nil
}
