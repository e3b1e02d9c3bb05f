package clientset

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/jbliao/stupidlb/pkg/service"
)

// ServiceClient lists and patches Services. Reads go through reader, which
// should not be cache backed: a stale list could hand out an address twice.
type ServiceClient struct {
	reader client.Reader
	writer client.Writer
	logger logr.Logger
}

// New wraps an existing reader and writer.
func New(reader client.Reader, writer client.Writer, logger logr.Logger) *ServiceClient {
	return &ServiceClient{reader: reader, writer: writer, logger: logger}
}

// NewForConfig ...
func NewForConfig(c *rest.Config, logger logr.Logger) (*ServiceClient, error) {
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return nil, err
	}

	kubeclient, err := client.New(c, client.Options{Scheme: scheme})
	if err != nil {
		logger.Error(err, "unable to create client")
		return nil, err
	}

	return New(kubeclient, kubeclient, logger), nil
}

// ListServices returns every Service in every namespace.
func (c *ServiceClient) ListServices(ctx context.Context) ([]service.Resource, error) {
	list := &corev1.ServiceList{}
	if err := c.reader.List(ctx, list); err != nil {
		return nil, err
	}
	out := make([]service.Resource, 0, len(list.Items))
	for idx := range list.Items {
		out = append(out, service.FromService(&list.Items[idx]))
	}
	return out, nil
}

// GetService fetches one Service.
func (c *ServiceClient) GetService(ctx context.Context, id types.NamespacedName) (*corev1.Service, error) {
	svc := &corev1.Service{}
	if err := c.reader.Get(ctx, id, svc); err != nil {
		return nil, err
	}
	return svc, nil
}

// PatchService merges patch into the Service's spec.
func (c *ServiceClient) PatchService(ctx context.Context, id types.NamespacedName, patch service.Patch) error {
	data, err := patch.MergePatch()
	if err != nil {
		return fmt.Errorf("failed to encode patch: %w", err)
	}
	svc := &corev1.Service{}
	svc.Namespace, svc.Name = id.Namespace, id.Name
	c.logger.V(1).Info("patching service", "service", id, "patch", string(data))
	return c.writer.Patch(ctx, svc, client.RawPatch(types.MergePatchType, data))
}
