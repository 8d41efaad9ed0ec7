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

package templates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
)

func testParams() Params {
	return Params{
		Namespace:        "acme",
		Limits:           tenantv1alpha1.ResourceLimits{CPUCores: 1.5, MemoryGiB: 2, DiskGiB: 10},
		IngressNamespace: "kube-system",
		SharedNamespaces: []string{"databases"},
	}
}

func TestResourceQuota(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	rq := r.ResourceQuota(testParams())
	assert.Equal(t, "acme", rq.Namespace)
	assert.Equal(t, "tenant-quota", rq.Name)
	assert.Equal(t, "acme", rq.Labels[tenantv1alpha1.LabelTenant])

	cpu := rq.Spec.Hard[corev1.ResourceLimitsCPU]
	assert.Equal(t, int64(2000), cpu.MilliValue())
	storage := rq.Spec.Hard[corev1.ResourceRequestsStorage]
	assert.True(t, storage.Equal(resource.MustParse("10Gi")))
	pods := rq.Spec.Hard[corev1.ResourcePods]
	assert.Equal(t, int64(20), pods.Value())
}

func TestRenderDoesNotMutateCache(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	first := r.ResourceQuota(testParams())
	first.Spec.Hard[corev1.ResourcePods] = resource.MustParse("999")

	p := testParams()
	p.Namespace = "other"
	second := r.ResourceQuota(p)
	pods := second.Spec.Hard[corev1.ResourcePods]
	assert.Equal(t, int64(20), pods.Value())
	assert.Equal(t, "other", second.Namespace)
	assert.Empty(t, r.quota.Namespace)
}

func TestLimitRange(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	lr := r.LimitRange(testParams())
	require.Len(t, lr.Spec.Limits, 2)

	container := lr.Spec.Limits[0]
	assert.Equal(t, corev1.LimitTypeContainer, container.Type)
	maxCPU := container.Max[corev1.ResourceCPU]
	assert.Equal(t, int64(1500), maxCPU.MilliValue())
	maxMem := container.Max[corev1.ResourceMemory]
	assert.True(t, maxMem.Equal(resource.MustParse("2Gi")))

	claim := lr.Spec.Limits[1]
	maxStorage := claim.Max[corev1.ResourceStorage]
	assert.True(t, maxStorage.Equal(resource.MustParse("10Gi")))
}

func TestLimitRangeAdmitsDefaultsAndWorkersAtMinimumSize(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	p := testParams()
	p.Limits.CPUCores = 0.1
	p.Limits.MemoryGiB = 1
	container := r.LimitRange(p).Spec.Limits[0]

	maxCPU := container.Max[corev1.ResourceCPU]
	maxMem := container.Max[corev1.ResourceMemory]
	assert.Equal(t, int64(WorkerReserveMilliCPU), maxCPU.MilliValue())
	assert.GreaterOrEqual(t, maxMem.Value(), int64(WorkerReserveMemory))

	for _, list := range []corev1.ResourceList{container.Default, container.DefaultRequest} {
		cpu := list[corev1.ResourceCPU]
		mem := list[corev1.ResourceMemory]
		assert.LessOrEqual(t, cpu.Cmp(maxCPU), 0, "cpu %s exceeds max %s", cpu.String(), maxCPU.String())
		assert.LessOrEqual(t, mem.Cmp(maxMem), 0, "memory %s exceeds max %s", mem.String(), maxMem.String())
	}
	defCPU := container.Default[corev1.ResourceCPU]
	reqCPU := container.DefaultRequest[corev1.ResourceCPU]
	assert.LessOrEqual(t, reqCPU.Cmp(defCPU), 0)
}

func TestNetworkPolicy(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	np := r.NetworkPolicy(testParams())
	assert.Equal(t, "default-deny-all", np.Name)
	assert.Len(t, np.Spec.PolicyTypes, 2)
	require.Len(t, np.Spec.Ingress, 2)
	assert.Equal(t, "kube-system",
		np.Spec.Ingress[1].From[0].NamespaceSelector.MatchLabels[corev1.LabelMetadataName])
	last := np.Spec.Egress[len(np.Spec.Egress)-1]
	assert.Equal(t, "databases", last.To[0].NamespaceSelector.MatchLabels[corev1.LabelMetadataName])
}

func TestQuantities(t *testing.T) {
	cpu := CPUQuantity(0.25)
	assert.Equal(t, int64(250), cpu.MilliValue())
	mem := GiBQuantity(3)
	assert.True(t, mem.Equal(resource.MustParse("3Gi")))
}
