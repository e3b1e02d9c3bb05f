// Package service models the parts of a Kubernetes Service that address
// assignment reads and writes.
package service

import (
	"encoding/json"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/jbliao/stupidlb/pkg/ipaddr"
)

// AnnotationPrefix namespaces every annotation this controller recognises.
const AnnotationPrefix = "stupidlb.jorgensen.org.uk"

const (
	// IgnoreAnnotation set to "true" or "yes" excludes a Service.
	IgnoreAnnotation = AnnotationPrefix + "/ignore"
	// ManagedAnnotation set to "no" or "false" opts a Service out.
	ManagedAnnotation = AnnotationPrefix + "/managed"
	// LegacyManagedAnnotation is honoured like ManagedAnnotation.
	LegacyManagedAnnotation = AnnotationPrefix + "/kopf-managed"
)

// State is derived from a Resource, never stored.
type State string

const (
	StateUnmanaged State = "Unmanaged"
	StatePending   State = "Pending"
	StateAssigned  State = "Assigned"
)

// Resource is the validated view of a Service.
type Resource struct {
	Identity       types.NamespacedName
	Type           corev1.ServiceType
	Annotations    map[string]string
	ExternalIPs    []string
	LoadBalancerIP string
}

// FromService extracts a Resource. Addresses are trimmed, empty entries are
// dropped and IPv4 addresses are rewritten in canonical form.
func FromService(svc *corev1.Service) Resource {
	res := Resource{
		Identity:       types.NamespacedName{Namespace: svc.Namespace, Name: svc.Name},
		Type:           svc.Spec.Type,
		Annotations:    svc.Annotations,
		LoadBalancerIP: normalize(svc.Spec.LoadBalancerIP),
	}
	for _, eip := range svc.Spec.ExternalIPs {
		if eip = normalize(eip); eip != "" {
			res.ExternalIPs = append(res.ExternalIPs, eip)
		}
	}
	return res
}

func normalize(addr string) string {
	addr = strings.TrimSpace(addr)
	if norm, ok := ipaddr.Normalize(addr); ok {
		return norm
	}
	return addr
}

// IsControlledKind reports whether the Service is of type LoadBalancer.
func (r Resource) IsControlledKind() bool {
	return r.Type == corev1.ServiceTypeLoadBalancer
}

// Assigned reports whether both address fields are populated.
func (r Resource) Assigned() bool {
	return len(r.ExternalIPs) > 0 && r.LoadBalancerIP != ""
}

// Ignored reports whether an annotation opts the Service out.
func (r Resource) Ignored() bool {
	switch strings.ToLower(r.Annotations[IgnoreAnnotation]) {
	case "true", "yes":
		return true
	}
	for _, key := range []string{ManagedAnnotation, LegacyManagedAnnotation} {
		switch strings.ToLower(r.Annotations[key]) {
		case "no", "false":
			return true
		}
	}
	return false
}

// IsInteresting decides whether the Service should be handed to the
// reconciler at all.
func IsInteresting(r Resource) bool {
	return r.IsControlledKind() && !r.Ignored() && !r.Assigned()
}

// StateOf classifies a Resource.
func StateOf(r Resource) State {
	switch {
	case !r.IsControlledKind() || r.Ignored():
		return StateUnmanaged
	case r.Assigned():
		return StateAssigned
	default:
		return StatePending
	}
}

// Patch is a partial update of a Service's address fields. Zero fields are
// left untouched.
type Patch struct {
	ExternalIPs    []string `json:"externalIPs,omitempty"`
	LoadBalancerIP string   `json:"loadBalancerIP,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return len(p.ExternalIPs) == 0 && p.LoadBalancerIP == ""
}

// MergePatch renders the patch as a JSON merge patch against a Service.
func (p Patch) MergePatch() ([]byte, error) {
	return json.Marshal(map[string]Patch{"spec": p})
}

// Apply returns a copy of r with the patch merged in.
func (p Patch) Apply(r Resource) Resource {
	if len(p.ExternalIPs) > 0 {
		r.ExternalIPs = append([]string(nil), p.ExternalIPs...)
	}
	if p.LoadBalancerIP != "" {
		r.LoadBalancerIP = p.LoadBalancerIP
	}
	return r
}
