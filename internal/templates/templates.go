/*
Copyright 2025.

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

// Package templates renders the per-tenant isolation objects (quota, limit
// range, network policy) from manifests embedded in the binary.
package templates

import (
	"embed"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	netv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
)

//go:embed manifests/*.yaml
var manifests embed.FS

const (
	// WorkerReserveMilliCPU and WorkerReserveMemory are added on top of the
	// tenant limits in the quota so backup and restore pods can still run.
	WorkerReserveMilliCPU = 500
	WorkerReserveMemory   = 512 << 20
)

// Params are the per-tenant values substituted into every template.
type Params struct {
	Namespace string
	Limits    tenantv1alpha1.ResourceLimits
	// IngressNamespace hosts the ingress controller allowed into the tenant.
	IngressNamespace string
	// SharedNamespaces host services the tenant may reach.
	SharedNamespaces []string
}

// Renderer holds the parsed templates. The cached objects are never handed
// out; every render returns a deep copy.
type Renderer struct {
	quota  *corev1.ResourceQuota
	limits *corev1.LimitRange
	policy *netv1.NetworkPolicy
}

// NewRenderer parses the embedded manifests.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{
		quota:  &corev1.ResourceQuota{},
		limits: &corev1.LimitRange{},
		policy: &netv1.NetworkPolicy{},
	}
	if err := load("manifests/resourcequota.yaml", r.quota); err != nil {
		return nil, err
	}
	if err := load("manifests/limitrange.yaml", r.limits); err != nil {
		return nil, err
	}
	if err := load("manifests/networkpolicy.yaml", r.policy); err != nil {
		return nil, err
	}
	return r, nil
}

func load(name string, into any) error {
	data, err := manifests.ReadFile(name)
	if err != nil {
		return fmt.Errorf("failed to read template %s: %w", name, err)
	}
	if err := yaml.UnmarshalStrict(data, into); err != nil {
		return fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	return nil
}

// ResourceQuota renders the namespace quota for p.
func (r *Renderer) ResourceQuota(p Params) *corev1.ResourceQuota {
	rq := r.quota.DeepCopy()
	stamp(&rq.ObjectMeta, p.Namespace)

	cpu := CPUQuantity(p.Limits.CPUCores)
	cpu.Add(*resource.NewMilliQuantity(WorkerReserveMilliCPU, resource.DecimalSI))
	mem := GiBQuantity(p.Limits.MemoryGiB)
	mem.Add(*resource.NewQuantity(WorkerReserveMemory, resource.BinarySI))

	rq.Spec.Hard[corev1.ResourceRequestsCPU] = cpu
	rq.Spec.Hard[corev1.ResourceLimitsCPU] = cpu
	rq.Spec.Hard[corev1.ResourceRequestsMemory] = mem
	rq.Spec.Hard[corev1.ResourceLimitsMemory] = mem
	rq.Spec.Hard[corev1.ResourceRequestsStorage] = GiBQuantity(p.Limits.DiskGiB)
	return rq
}

// LimitRange renders the per-container and per-claim limits for p.
func (r *Renderer) LimitRange(p Params) *corev1.LimitRange {
	lr := r.limits.DeepCopy()
	stamp(&lr.ObjectMeta, p.Namespace)

	for i := range lr.Spec.Limits {
		item := &lr.Spec.Limits[i]
		switch item.Type {
		case corev1.LimitTypeContainer:
			// Worker pods run with the reserve as their limit, so the
			// container ceiling never drops below it.
			maxCPU := atLeast(CPUQuantity(p.Limits.CPUCores), *resource.NewMilliQuantity(WorkerReserveMilliCPU, resource.DecimalSI))
			maxMem := atLeast(GiBQuantity(p.Limits.MemoryGiB), *resource.NewQuantity(WorkerReserveMemory, resource.BinarySI))
			item.Max[corev1.ResourceCPU] = maxCPU
			item.Max[corev1.ResourceMemory] = maxMem
			clamp(item.Default, corev1.ResourceCPU, maxCPU)
			clamp(item.Default, corev1.ResourceMemory, maxMem)
			clamp(item.DefaultRequest, corev1.ResourceCPU, item.Default[corev1.ResourceCPU])
			clamp(item.DefaultRequest, corev1.ResourceMemory, item.Default[corev1.ResourceMemory])
		case corev1.LimitTypePersistentVolumeClaim:
			item.Max[corev1.ResourceStorage] = GiBQuantity(p.Limits.DiskGiB)
		}
	}
	return lr
}

// atLeast returns the larger of q and floor.
func atLeast(q, floor resource.Quantity) resource.Quantity {
	if q.Cmp(floor) < 0 {
		return floor
	}
	return q
}

// clamp lowers list[name] to ceiling when it is set and above it.
func clamp(list corev1.ResourceList, name corev1.ResourceName, ceiling resource.Quantity) {
	if v, ok := list[name]; ok && v.Cmp(ceiling) > 0 {
		list[name] = ceiling
	}
}

// NetworkPolicy renders the default-deny policy for p, opening ingress from
// the ingress controller and egress to the shared service namespaces.
func (r *Renderer) NetworkPolicy(p Params) *netv1.NetworkPolicy {
	np := r.policy.DeepCopy()
	stamp(&np.ObjectMeta, p.Namespace)

	if p.IngressNamespace != "" {
		np.Spec.Ingress = append(np.Spec.Ingress, netv1.NetworkPolicyIngressRule{
			From: []netv1.NetworkPolicyPeer{namespacePeer(p.IngressNamespace)},
		})
	}
	for _, ns := range p.SharedNamespaces {
		np.Spec.Egress = append(np.Spec.Egress, netv1.NetworkPolicyEgressRule{
			To: []netv1.NetworkPolicyPeer{namespacePeer(ns)},
		})
	}
	return np
}

func namespacePeer(name string) netv1.NetworkPolicyPeer {
	return netv1.NetworkPolicyPeer{
		NamespaceSelector: &metav1.LabelSelector{
			MatchLabels: map[string]string{corev1.LabelMetadataName: name},
		},
	}
}

func stamp(meta *metav1.ObjectMeta, namespace string) {
	meta.Namespace = namespace
	meta.Labels = Labels(namespace, "isolation")
}

// Labels returns the standard labels for an object rendered for slug.
func Labels(slug, component string) map[string]string {
	return map[string]string{
		tenantv1alpha1.LabelManagedBy: tenantv1alpha1.ManagedByValue,
		tenantv1alpha1.LabelTenant:    slug,
		tenantv1alpha1.LabelComponent: component,
	}
}

// CPUQuantity converts cores to a milli-CPU quantity.
func CPUQuantity(cores float64) resource.Quantity {
	return *resource.NewMilliQuantity(int64(cores*1000+0.5), resource.DecimalSI)
}

// GiBQuantity converts GiB to a binary quantity.
func GiBQuantity(gib int64) resource.Quantity {
	return *resource.NewQuantity(gib<<30, resource.BinarySI)
}
