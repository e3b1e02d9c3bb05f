package controllers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"github.com/jbliao/stupidlb/pkg/allocator"
	"github.com/jbliao/stupidlb/pkg/assigner"
	"github.com/jbliao/stupidlb/pkg/clientset"
	"github.com/jbliao/stupidlb/pkg/driver"
	"github.com/jbliao/stupidlb/pkg/inventory"
	"github.com/jbliao/stupidlb/pkg/pool"
	"github.com/jbliao/stupidlb/pkg/service"
)

type memoryMirror struct {
	mu      sync.Mutex
	records map[string]string
}

func (m *memoryMirror) GetAllocated(context.Context) ([]driver.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []driver.Allocation
	for addr, owner := range m.records {
		out = append(out, driver.Allocation{Address: addr, Owner: owner})
	}
	return out, nil
}

func (m *memoryMirror) MarkAddressAllocated(_ context.Context, addr, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[addr] = owner
	return nil
}

func (m *memoryMirror) MarkAddressReleased(_ context.Context, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, addr)
	return nil
}

func loadBalancer(name string, annotations map[string]string, externalIPs []string, lbIP string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: name, Annotations: annotations},
		Spec: corev1.ServiceSpec{
			Type:           corev1.ServiceTypeLoadBalancer,
			ExternalIPs:    externalIPs,
			LoadBalancerIP: lbIP,
		},
	}
}

func request(name string) ctrl.Request {
	return ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: name}}
}

var _ = Describe("ServiceReconciler", func() {
	var (
		ctx      context.Context
		kube     client.Client
		services *clientset.ServiceClient
		recorder *record.FakeRecorder
		mirror   *memoryMirror
		r        *ServiceReconciler
	)

	setup := func(ranges string, objs ...client.Object) {
		ctx = context.Background()
		kube = fake.NewClientBuilder().WithObjects(objs...).Build()
		services = clientset.New(kube, kube, logr.Discard())
		recorder = record.NewFakeRecorder(32)
		mirror = &memoryMirror{records: map[string]string{}}

		p, err := pool.New(pool.Split(ranges))
		Expect(err).NotTo(HaveOccurred())
		r = &ServiceReconciler{
			Recorder: recorder,
			Services: services,
			Assigner: assigner.New(p,
				inventory.NewScanner(services, logr.Discard()),
				allocator.New(logr.Discard(), nil),
				assigner.WithPatcher(services)),
			Mirror:                  mirror,
			MaxConcurrentReconciles: 4,
		}
	}

	fetch := func(name string) *corev1.Service {
		svc, err := services.GetService(ctx, request(name).NamespacedName)
		Expect(err).NotTo(HaveOccurred())
		return svc
	}

	It("assigns a free address to a pending service", func() {
		setup("192.168.0.224-192.168.0.227", loadBalancer("web", nil, nil, ""))

		result, err := r.Reconcile(ctx, request("web"))
		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(Equal(ctrl.Result{}))

		svc := fetch("web")
		Expect(svc.Spec.LoadBalancerIP).To(BeElementOf("192.168.0.224", "192.168.0.225", "192.168.0.226", "192.168.0.227"))
		Expect(svc.Spec.ExternalIPs).To(Equal([]string{svc.Spec.LoadBalancerIP}))
		Expect(recorder.Events).To(Receive(ContainSubstring(ReasonAssigned)))
		Expect(mirror.records).To(HaveKeyWithValue(svc.Spec.LoadBalancerIP, "default/web"))
	})

	It("never hands out an address held by another service", func() {
		setup("10.0.0.1-10.0.0.2",
			loadBalancer("holder", nil, []string{"10.0.0.1"}, "10.0.0.1"),
			loadBalancer("web", nil, nil, ""))

		_, err := r.Reconcile(ctx, request("web"))
		Expect(err).NotTo(HaveOccurred())
		Expect(fetch("web").Spec.LoadBalancerIP).To(Equal("10.0.0.2"))
	})

	It("is idempotent once both fields are set", func() {
		setup("10.0.0.1", loadBalancer("web", nil, nil, ""))

		_, err := r.Reconcile(ctx, request("web"))
		Expect(err).NotTo(HaveOccurred())
		before := fetch("web")

		result, err := r.Reconcile(ctx, request("web"))
		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(Equal(ctrl.Result{}))
		Expect(fetch("web").Spec).To(Equal(before.Spec))
	})

	It("requeues after 60 seconds on a conflict and names the owner", func() {
		setup("10.0.0.1-10.0.0.2",
			loadBalancer("holder", nil, []string{"10.0.0.1"}, "10.0.0.1"),
			loadBalancer("web", nil, nil, "10.0.0.1"))

		result, err := r.Reconcile(ctx, request("web"))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.RequeueAfter).To(Equal(60 * time.Second))
		Expect(recorder.Events).To(Receive(And(ContainSubstring(ReasonConflict), ContainSubstring("default/holder"))))
		Expect(fetch("web").Spec.ExternalIPs).To(BeEmpty())
	})

	It("requeues after 60 seconds when the pool is exhausted", func() {
		setup("10.0.0.1",
			loadBalancer("holder", nil, []string{"10.0.0.1"}, "10.0.0.1"),
			loadBalancer("web", nil, nil, ""))

		result, err := r.Reconcile(ctx, request("web"))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.RequeueAfter).To(Equal(allocator.DefaultRetryDelay))
		Expect(recorder.Events).To(Receive(ContainSubstring(ReasonPoolExhausted)))
	})

	It("gives up on an address outside the pool", func() {
		setup("10.0.0.1", loadBalancer("web", nil, nil, "172.16.0.1"))

		_, err := r.Reconcile(ctx, request("web"))
		Expect(err).To(HaveOccurred())
		Expect(err).To(MatchError(reconcile.TerminalError(nil)))
		Expect(recorder.Events).To(Receive(ContainSubstring(ReasonInvalidAddress)))
	})

	It("skips services that are not interesting", func() {
		setup("10.0.0.1", loadBalancer("web", map[string]string{service.IgnoreAnnotation: "true"}, nil, ""))

		result, err := r.Reconcile(ctx, request("web"))
		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(Equal(ctrl.Result{}))
		Expect(fetch("web").Spec.LoadBalancerIP).To(BeEmpty())
	})

	It("ignores deleted services", func() {
		setup("10.0.0.1")

		result, err := r.Reconcile(ctx, request("gone"))
		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(Equal(ctrl.Result{}))
	})

	It("assigns distinct addresses under concurrent reconciliation", func() {
		var objs []client.Object
		for i := 0; i < 8; i++ {
			objs = append(objs, loadBalancer(fmt.Sprintf("svc-%d", i), nil, nil, ""))
		}
		setup("10.0.0.0/29", objs...)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(name string) {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := r.Reconcile(ctx, request(name))
				Expect(err).NotTo(HaveOccurred())
			}(fmt.Sprintf("svc-%d", i))
		}
		wg.Wait()

		seen := map[string]bool{}
		for i := 0; i < 8; i++ {
			addr := fetch(fmt.Sprintf("svc-%d", i)).Spec.LoadBalancerIP
			Expect(addr).NotTo(BeEmpty())
			Expect(seen).NotTo(HaveKey(addr))
			seen[addr] = true
		}
	})

	It("resyncs the mirror from the cluster", func() {
		setup("10.0.0.1-10.0.0.4",
			loadBalancer("a", nil, []string{"10.0.0.1"}, "10.0.0.1"),
			loadBalancer("b", nil, []string{"172.16.0.1"}, "172.16.0.1"))
		mirror.records["10.0.0.4"] = "default/deleted"

		syncer := &MirrorSyncer{
			Driver:   mirror,
			Scanner:  inventory.NewScanner(services, logr.Discard()),
			Pool:     r.Assigner.Pool(),
			Interval: time.Minute,
			Log:      logr.Discard(),
		}
		Expect(syncer.SyncOnce(ctx)).To(Succeed())
		Expect(mirror.records).To(Equal(map[string]string{"10.0.0.1": "default/a"}))
	})
})

var _ = Describe("InterestingPredicate", func() {
	p := InterestingPredicate()

	It("accepts pending load balancers", func() {
		Expect(p.Create(event.CreateEvent{Object: loadBalancer("web", nil, nil, "")})).To(BeTrue())
	})

	It("rejects fully assigned load balancers", func() {
		svc := loadBalancer("web", nil, []string{"10.0.0.1"}, "10.0.0.1")
		Expect(p.Update(event.UpdateEvent{ObjectOld: svc, ObjectNew: svc})).To(BeFalse())
	})

	It("rejects opted out services", func() {
		svc := loadBalancer("web", map[string]string{service.ManagedAnnotation: "no"}, nil, "")
		Expect(p.Create(event.CreateEvent{Object: svc})).To(BeFalse())
	})

	It("rejects other service types", func() {
		svc := loadBalancer("web", nil, nil, "")
		svc.Spec.Type = corev1.ServiceTypeNodePort
		Expect(p.Create(event.CreateEvent{Object: svc})).To(BeFalse())
	})
})
