package allocator

import (
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/types"
)

// DefaultRetryDelay is how long a dispatcher should wait before reconciling
// a Service again after a retryable failure.
const DefaultRetryDelay = 60 * time.Second

// ConflictError reports a requested address held by another Service.
type ConflictError struct {
	Address string
	Owner   types.NamespacedName
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot use load balancer IP %s: it is in use by %s", e.Address, e.Owner)
}

// RetryAfter implements retryable.
func (e *ConflictError) RetryAfter() time.Duration { return DefaultRetryDelay }

// PoolExhaustedError reports that no free address remains.
type PoolExhaustedError struct {
	PoolSize int
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("no free IPs: all %d addresses of the pool are in use", e.PoolSize)
}

// RetryAfter implements retryable.
func (e *PoolExhaustedError) RetryAfter() time.Duration { return DefaultRetryDelay }

// InvalidRequestedAddressError reports a requested address outside the pool.
// It is fatal: the pool cannot change while the process runs.
type InvalidRequestedAddressError struct {
	Address string
}

func (e *InvalidRequestedAddressError) Error() string {
	return fmt.Sprintf("load balancer IP %s is not in the address pool", e.Address)
}

type retryable interface {
	RetryAfter() time.Duration
}

// RetryAfter returns the delay carried by a retryable error.
func RetryAfter(err error) (time.Duration, bool) {
	var r retryable
	if errors.As(err, &r) {
		return r.RetryAfter(), true
	}
	return 0, false
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	var invalid *InvalidRequestedAddressError
	return errors.As(err, &invalid)
}
