/*


Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controllers

import (
	"context"
	"errors"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"github.com/jbliao/stupidlb/pkg/allocator"
	"github.com/jbliao/stupidlb/pkg/assigner"
	"github.com/jbliao/stupidlb/pkg/clientset"
	"github.com/jbliao/stupidlb/pkg/driver"
	"github.com/jbliao/stupidlb/pkg/service"
)

// Event reasons recorded on Services.
const (
	ReasonAssigned       = "AddressAssigned"
	ReasonConflict       = "AddressConflict"
	ReasonPoolExhausted  = "PoolExhausted"
	ReasonInvalidAddress = "InvalidAddress"
)

// ServiceReconciler assigns addresses to LoadBalancer Services
type ServiceReconciler struct {
	Recorder record.EventRecorder

	// Services reads Services without the informer cache.
	Services *clientset.ServiceClient
	// Assigner applies patches itself; see assigner.WithPatcher.
	Assigner *assigner.Reconciler
	// Mirror is optional.
	Mirror driver.Driver

	MaxConcurrentReconciles int
}

// +kubebuilder:rbac:groups="",resources=services,verbs=get;list;watch;patch
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch
// +kubebuilder:rbac:groups=coordination.k8s.io,resources=leases,verbs=get;create;update

// Reconcile ...
func (r *ServiceReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)
	start := time.Now()

	svc, err := r.Services.GetService(ctx, req.NamespacedName)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		logger.Error(err, "unable to fetch Service")
		return ctrl.Result{}, err
	}

	// the event that queued the request may be older than what we just read
	res := service.FromService(svc)
	if !service.IsInteresting(res) {
		logger.V(1).Info("service is not interesting", "state", service.StateOf(res))
		return ctrl.Result{}, nil
	}

	result, err := r.Assigner.Reconcile(ctx, res)
	if err != nil {
		return r.handleError(ctx, svc, err, time.Since(start))
	}

	if result.Action == allocator.NoOp {
		recordReconcileMetric(resultNoOp, time.Since(start).Seconds())
		return ctrl.Result{}, nil
	}
	recordReconcileMetric(resultAssigned, time.Since(start).Seconds())
	recordPoolInUseMetric(result.InUse)

	assigned := result.Patch.Apply(res)
	r.Recorder.Eventf(svc, corev1.EventTypeNormal, ReasonAssigned,
		"Assigned external IPs %v and load balancer IP %s", assigned.ExternalIPs, assigned.LoadBalancerIP)

	if r.Mirror != nil {
		if err := r.Mirror.MarkAddressAllocated(ctx, assigned.LoadBalancerIP, res.Identity.String()); err != nil {
			// the periodic resync repairs the mirror
			logger.Error(err, "unable to record address in external IPAM", "address", assigned.LoadBalancerIP)
		}
	}
	return ctrl.Result{}, nil
}

func (r *ServiceReconciler) handleError(ctx context.Context, svc *corev1.Service, err error, elapsed time.Duration) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	var (
		conflict  *allocator.ConflictError
		exhausted *allocator.PoolExhaustedError
		invalid   *allocator.InvalidRequestedAddressError
	)
	switch {
	case errors.As(err, &conflict):
		recordReconcileMetric(resultConflict, elapsed.Seconds())
		r.Recorder.Event(svc, corev1.EventTypeWarning, ReasonConflict, err.Error())
	case errors.As(err, &exhausted):
		recordReconcileMetric(resultExhausted, elapsed.Seconds())
		r.Recorder.Event(svc, corev1.EventTypeWarning, ReasonPoolExhausted, err.Error())
	case errors.As(err, &invalid):
		recordReconcileMetric(resultInvalid, elapsed.Seconds())
		r.Recorder.Event(svc, corev1.EventTypeWarning, ReasonInvalidAddress, err.Error())
	default:
		recordReconcileMetric(resultError, elapsed.Seconds())
		logger.Error(err, "reconciliation failed")
		return ctrl.Result{}, err
	}

	if allocator.IsFatal(err) {
		logger.Error(err, "not retrying")
		return ctrl.Result{}, reconcile.TerminalError(err)
	}
	delay, _ := allocator.RetryAfter(err)
	logger.Info("address assignment pending", "reason", err.Error(), "retryAfter", delay)
	return ctrl.Result{RequeueAfter: delay}, nil
}

// InterestingPredicate filters events down to Services that need addresses.
func InterestingPredicate() predicate.Predicate {
	return predicate.NewPredicateFuncs(func(obj client.Object) bool {
		svc, ok := obj.(*corev1.Service)
		if !ok {
			return false
		}
		return service.IsInteresting(service.FromService(svc))
	})
}

// SetupWithManager ...
func (r *ServiceReconciler) SetupWithManager(mgr ctrl.Manager) error {
	if r.Services == nil || r.Assigner == nil {
		return fmt.Errorf("service reconciler requires Services and Assigner")
	}
	recordPoolSizeMetric(r.Assigner.Pool().Len())

	maxConcurrent := r.MaxConcurrentReconciles
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return ctrl.NewControllerManagedBy(mgr).
		Named("service").
		For(&corev1.Service{}, builder.WithPredicates(InterestingPredicate())).
		WithOptions(controller.Options{MaxConcurrentReconciles: maxConcurrent}).
		Complete(r)
}
