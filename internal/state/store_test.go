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

package state

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
)

var testDefaults = Defaults{Port: 8080, Replicas: 1, CPUCores: 1, MemoryGiB: 1, DiskGiB: 5}

func tenantNamespace(name string, annotations map[string]string) *corev1.Namespace {
	return &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{
		Name:        name,
		Labels:      map[string]string{tenantv1alpha1.LabelManagedBy: tenantv1alpha1.ManagedByValue},
		Annotations: annotations,
	}}
}

func newStore(t *testing.T, funcs *interceptor.Funcs, objs ...client.Object) *Store {
	s := runtime.NewScheme()
	require.NoError(t, corev1.AddToScheme(s))
	b := fake.NewClientBuilder().WithScheme(s).WithObjects(objs...)
	if funcs != nil {
		b = b.WithInterceptorFuncs(*funcs)
	}
	st := NewStore(b.Build(), testDefaults, logr.Discard())
	st.Now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return st
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := &tenantv1alpha1.Tenant{
		Slug:      "acme",
		Domain:    "acme.io",
		State:     tenantv1alpha1.StateReady,
		TLS:       tenantv1alpha1.TLSConfig{Enabled: true, Issuer: "letsencrypt"},
		Workload:  tenantv1alpha1.WorkloadSpec{Image: "nginx:1.27", Port: 80, Replicas: 2},
		Resources: tenantv1alpha1.ResourceLimits{CPUCores: 1.5, MemoryGiB: 2, DiskGiB: 10},
		Features: map[tenantv1alpha1.FeatureName]tenantv1alpha1.FeatureState{
			tenantv1alpha1.FeatureDatabase: {
				Phase:  tenantv1alpha1.FeatureEnabled,
				Fields: map[string]string{"name": "acme", "user": "acme"},
			},
		},
	}

	out, err := Decode(tenantNamespace("acme", Encode(in)), testDefaults)
	require.NoError(t, err)
	assert.Equal(t, in.Domain, out.Domain)
	assert.Equal(t, in.State, out.State)
	assert.Equal(t, in.TLS, out.TLS)
	assert.Equal(t, in.Workload, out.Workload)
	assert.Equal(t, in.Resources, out.Resources)
	db := out.Feature(tenantv1alpha1.FeatureDatabase)
	assert.Equal(t, tenantv1alpha1.FeatureEnabled, db.Phase)
	assert.Equal(t, "acme", db.Field("user"))
}

func TestDecodeDefaultsSafely(t *testing.T) {
	ns := tenantNamespace("acme", map[string]string{
		tenantv1alpha1.AnnotationDomain:      "acme.io",
		tenantv1alpha1.AnnotationPort:        "eighty",
		tenantv1alpha1.AnnotationTLSEnabled:  "yes please",
		tenantv1alpha1.AnnotationCPUCores:    "-1",
		tenantv1alpha1.AnnotationReplicas:    "0",
		tenantv1alpha1.AnnotationState:       "Exploded",
		tenantv1alpha1.FeatureAnnotation(tenantv1alpha1.FeatureMail, "phase"): "sideways",
	})

	out, err := Decode(ns, testDefaults)
	require.NoError(t, err)
	assert.Equal(t, int32(8080), out.Workload.Port)
	assert.False(t, out.TLS.Enabled)
	assert.Equal(t, 1.0, out.Resources.CPUCores)
	assert.Equal(t, int32(0), out.Workload.Replicas)
	assert.Equal(t, int64(5), out.Resources.DiskGiB)
	assert.Equal(t, tenantv1alpha1.StateProvisioning, out.State)
	assert.Equal(t, tenantv1alpha1.FeatureDisabled, out.Feature(tenantv1alpha1.FeatureMail).Phase)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	ns := tenantNamespace("acme", map[string]string{tenantv1alpha1.AnnotationConfigVersion: "v9"})
	_, err := Decode(ns, testDefaults)
	require.Error(t, err)
	assert.True(t, tmerrors.IsConfiguration(err))
}

func TestGetUnmanagedNamespaceIsNotFound(t *testing.T) {
	foreign := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "kube-system"}}
	st := newStore(t, nil, foreign)

	_, err := st.Get(context.Background(), "kube-system")
	assert.True(t, tmerrors.IsNotFound(err))

	_, err = st.Get(context.Background(), "missing")
	assert.True(t, tmerrors.IsNotFound(err))
}

func TestPatchDistinguishesAbsentFromClear(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, nil, tenantNamespace("acme", map[string]string{
		tenantv1alpha1.AnnotationDomain:    "acme.io",
		tenantv1alpha1.AnnotationImage:     "nginx:1",
		tenantv1alpha1.AnnotationLastError: "boom",
		tenantv1alpha1.AnnotationPort:      "80",
	}))

	out, err := st.Patch(ctx, "acme", Patch{LastError: ptr.To(""), Replicas: ptr.To[int32](3)})
	require.NoError(t, err)
	assert.Empty(t, out.LastError)
	assert.Equal(t, "nginx:1", out.Workload.Image)
	assert.Equal(t, int32(80), out.Workload.Port)
	assert.Equal(t, int32(3), out.Workload.Replicas)

	ns := &corev1.Namespace{}
	require.NoError(t, st.Client.Get(ctx, client.ObjectKey{Name: "acme"}, ns))
	assert.NotContains(t, ns.Annotations, tenantv1alpha1.AnnotationLastError)
	assert.Equal(t, tenantv1alpha1.ConfigVersion, ns.Annotations[tenantv1alpha1.AnnotationConfigVersion])
}

func TestPatchFeatureFields(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, nil, tenantNamespace("acme", map[string]string{
		tenantv1alpha1.FeatureAnnotation(tenantv1alpha1.FeatureDNS, "target"): "10.0.0.1",
		tenantv1alpha1.FeatureAnnotation(tenantv1alpha1.FeatureDNS, "ttl"):    "300",
	}))

	out, err := st.Patch(ctx, "acme", Patch{Features: map[tenantv1alpha1.FeatureName]FeaturePatch{
		tenantv1alpha1.FeatureDNS: {
			Phase:  ptr.To(tenantv1alpha1.FeatureEnabled),
			Fields: map[string]*string{"ttl": nil, "target": ptr.To("10.0.0.2")},
		},
	}})
	require.NoError(t, err)

	dns := out.Feature(tenantv1alpha1.FeatureDNS)
	assert.Equal(t, tenantv1alpha1.FeatureEnabled, dns.Phase)
	assert.Equal(t, "10.0.0.2", dns.Field("target"))
	assert.NotContains(t, dns.Fields, "ttl")
	require.NotNil(t, dns.UpdatedAt)
	assert.Equal(t, 2025, dns.UpdatedAt.Year())
}

func TestPatchAnnotationsRejectsForeignKeys(t *testing.T) {
	st := newStore(t, nil, tenantNamespace("acme", nil))
	_, err := st.PatchAnnotations(context.Background(), "acme", map[string]*string{"kubectl.kubernetes.io/x": ptr.To("y")})
	assert.True(t, tmerrors.IsValidation(err))
}

func TestPatchRetriesOnConflict(t *testing.T) {
	conflicts := 0
	funcs := &interceptor.Funcs{
		Patch: func(ctx context.Context, c client.WithWatch, obj client.Object, patch client.Patch, opts ...client.PatchOption) error {
			if conflicts == 0 {
				conflicts++
				return apierrors.NewConflict(schema.GroupResource{Resource: "namespaces"}, obj.GetName(), nil)
			}
			return c.Patch(ctx, obj, patch, opts...)
		},
	}
	st := newStore(t, funcs, tenantNamespace("acme", nil))

	out, err := st.Patch(context.Background(), "acme", Patch{State: ptr.To(tenantv1alpha1.StateReady)})
	require.NoError(t, err)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, tenantv1alpha1.StateReady, out.State)
}

func TestListSkipsUnmanaged(t *testing.T) {
	st := newStore(t, nil,
		tenantNamespace("zeta", nil),
		tenantNamespace("alpha", nil),
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "default"}},
	)

	tenants, err := st.List(context.Background())
	require.NoError(t, err)
	require.Len(t, tenants, 2)
	assert.Equal(t, "alpha", tenants[0].Slug)
	assert.Equal(t, "zeta", tenants[1].Slug)
}
