// Package assigner serialises address decisions across all Services.
//
// Every call to Reconcile takes one process-wide lock, scans the live
// inventory, and decides. When a Patcher is configured the patch is applied
// before the lock is released, so a concurrent scan always sees it.
package assigner

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/types"

	"github.com/jbliao/stupidlb/pkg/allocator"
	"github.com/jbliao/stupidlb/pkg/inventory"
	"github.com/jbliao/stupidlb/pkg/pool"
	"github.com/jbliao/stupidlb/pkg/service"
)

// Patcher applies a partial update to a Service.
type Patcher interface {
	PatchService(ctx context.Context, id types.NamespacedName, patch service.Patch) error
}

// Result is the outcome of a successful reconciliation.
type Result struct {
	Patch  service.Patch
	Action allocator.Action
	// InUse counts pool addresses claimed once the patch is in effect.
	InUse int
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithPatcher makes the Reconciler apply patches itself, inside the lock.
func WithPatcher(p Patcher) Option {
	return func(r *Reconciler) {
		r.patcher = p
	}
}

// WithLogger sets the fallback logger used when ctx carries none.
func WithLogger(log logr.Logger) Option {
	return func(r *Reconciler) {
		r.log = log
	}
}

// Reconciler must be constructed once per process and shared.
type Reconciler struct {
	mu        sync.Mutex
	pool      *pool.Pool
	scanner   *inventory.Scanner
	allocator *allocator.Allocator
	patcher   Patcher
	log       logr.Logger
}

// New returns a Reconciler over an already built pool.
func New(p *pool.Pool, scanner *inventory.Scanner, alloc *allocator.Allocator, opts ...Option) *Reconciler {
	r := &Reconciler{
		pool:      p,
		scanner:   scanner,
		allocator: alloc,
		log:       logr.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pool returns the pool decisions are made against.
func (r *Reconciler) Pool() *pool.Pool {
	return r.pool
}

// Reconcile decides the address fields of res. Allocator errors are returned
// unchanged; use allocator.RetryAfter and allocator.IsFatal to classify them.
func (r *Reconciler) Reconcile(ctx context.Context, res service.Resource) (Result, error) {
	log, err := logr.FromContext(ctx)
	if err != nil {
		log = r.log
	}
	log = log.WithValues("service", res.Identity)

	r.mu.Lock()
	defer r.mu.Unlock()

	if res.Assigned() {
		return Result{Action: allocator.NoOp}, nil
	}

	snap, err := r.scanner.Scan(ctx, &res.Identity)
	if err != nil {
		return Result{}, err
	}

	decision, err := r.allocator.Decide(r.pool, snap, res)
	if err != nil {
		return Result{}, err
	}

	result := Result{Patch: decision.Patch(), Action: decision.Action}
	merged := result.Patch.Apply(res)
	used := snap.Used()
	used.Append(merged.ExternalIPs...)
	if merged.LoadBalancerIP != "" {
		used.Add(merged.LoadBalancerIP)
	}
	result.InUse = r.pool.CountUsed(used)

	if result.Patch.IsEmpty() {
		return result, nil
	}

	if len(result.Patch.ExternalIPs) > 0 {
		log.Info("assigned external IP", "address", result.Patch.ExternalIPs[0])
	}
	if result.Patch.LoadBalancerIP != "" {
		log.Info("assigned load balancer IP", "address", result.Patch.LoadBalancerIP)
	}

	if r.patcher != nil {
		log.V(1).Info("patching", "patch", result.Patch)
		if err := r.patcher.PatchService(ctx, res.Identity, result.Patch); err != nil {
			return Result{}, fmt.Errorf("failed to patch service %s: %w", res.Identity, err)
		}
	}
	return result, nil
}
