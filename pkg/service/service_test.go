package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func lbService(annotations map[string]string, externalIPs []string, lbIP string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "web", Annotations: annotations},
		Spec: corev1.ServiceSpec{
			Type:           corev1.ServiceTypeLoadBalancer,
			ExternalIPs:    externalIPs,
			LoadBalancerIP: lbIP,
		},
	}
}

func TestFromService(t *testing.T) {
	res := FromService(lbService(nil, []string{" 10.0.0.1 ", "", "::ffff:10.0.0.2"}, " 10.0.0.1"))

	assert.Equal(t, "default/web", res.Identity.String())
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, res.ExternalIPs)
	assert.Equal(t, "10.0.0.1", res.LoadBalancerIP)
	assert.True(t, res.IsControlledKind())
}

func TestIsInteresting(t *testing.T) {
	tests := []struct {
		name string
		svc  *corev1.Service
		want bool
	}{
		{"pending load balancer", lbService(nil, nil, ""), true},
		{"requested address only", lbService(nil, nil, "10.0.0.1"), true},
		{"external ips only", lbService(nil, []string{"10.0.0.1"}, ""), true},
		{"fully assigned", lbService(nil, []string{"10.0.0.1"}, "10.0.0.1"), false},
		{"ignored", lbService(map[string]string{IgnoreAnnotation: "true"}, nil, ""), false},
		{"ignore false", lbService(map[string]string{IgnoreAnnotation: "false"}, nil, ""), true},
		{"managed no", lbService(map[string]string{ManagedAnnotation: "no"}, nil, ""), false},
		{"legacy managed no", lbService(map[string]string{LegacyManagedAnnotation: "no"}, nil, ""), false},
		{"managed yes", lbService(map[string]string{ManagedAnnotation: "yes"}, nil, ""), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsInteresting(FromService(tt.svc)))
		})
	}

	t.Run("cluster ip service", func(t *testing.T) {
		svc := lbService(nil, nil, "")
		svc.Spec.Type = corev1.ServiceTypeClusterIP
		assert.False(t, IsInteresting(FromService(svc)))
	})
}

func TestStateOf(t *testing.T) {
	assert.Equal(t, StatePending, StateOf(FromService(lbService(nil, nil, ""))))
	assert.Equal(t, StateAssigned, StateOf(FromService(lbService(nil, []string{"10.0.0.1"}, "10.0.0.1"))))
	assert.Equal(t, StateUnmanaged, StateOf(FromService(lbService(map[string]string{IgnoreAnnotation: "yes"}, nil, ""))))
}

func TestPatch(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		assert.True(t, Patch{}.IsEmpty())
	})

	t.Run("merge patch only carries set fields", func(t *testing.T) {
		data, err := Patch{LoadBalancerIP: "10.0.0.1"}.MergePatch()
		require.NoError(t, err)
		assert.JSONEq(t, `{"spec":{"loadBalancerIP":"10.0.0.1"}}`, string(data))

		data, err = Patch{ExternalIPs: []string{"10.0.0.1"}, LoadBalancerIP: "10.0.0.1"}.MergePatch()
		require.NoError(t, err)
		assert.JSONEq(t, `{"spec":{"externalIPs":["10.0.0.1"],"loadBalancerIP":"10.0.0.1"}}`, string(data))
	})

	t.Run("apply", func(t *testing.T) {
		res := FromService(lbService(nil, []string{"10.0.0.1"}, ""))
		res = Patch{LoadBalancerIP: "10.0.0.1"}.Apply(res)
		assert.True(t, res.Assigned())
	})
}
