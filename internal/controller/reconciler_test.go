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

package controller

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	netv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"
	"sigs.k8s.io/controller-runtime/pkg/event"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
	"github.com/amartyaa/tenant-master/controlplane/internal/state"
)

func newDriftReconciler(o *Orchestrator) *DriftReconciler {
	return &DriftReconciler{Store: o.Store, Isolation: o.Isolation, Locks: o.Locks, Log: logr.Discard()}
}

func reconcileAcme(t *testing.T, r *DriftReconciler) ctrl.Result {
	t.Helper()
	res, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: types.NamespacedName{Name: acme}})
	require.NoError(t, err)
	return res
}

func TestReconcileRevertsQuotaEdit(t *testing.T) {
	o := newOrchestrator(t, interceptor.Funcs{})
	createAcme(t, o, "")
	ctx := context.Background()

	quota := get(t, o, "tenant-quota", &corev1.ResourceQuota{})
	want := quota.Spec.Hard[corev1.ResourceLimitsCPU]
	quota.Spec.Hard[corev1.ResourceLimitsCPU] = resource.MustParse("64")
	require.NoError(t, o.Client.Update(ctx, quota))

	reconcileAcme(t, newDriftReconciler(o))

	quota = get(t, o, "tenant-quota", &corev1.ResourceQuota{})
	got := quota.Spec.Hard[corev1.ResourceLimitsCPU]
	assert.Zero(t, want.Cmp(got), "quota limit restored, got %s", got.String())
}

func TestReconcileRecreatesDeletedPolicy(t *testing.T) {
	o := newOrchestrator(t, interceptor.Funcs{})
	createAcme(t, o, "")
	ctx := context.Background()

	policy := get(t, o, "default-deny-all", &netv1.NetworkPolicy{})
	require.NoError(t, o.Client.Delete(ctx, policy))

	reconcileAcme(t, newDriftReconciler(o))
	get(t, o, "default-deny-all", &netv1.NetworkPolicy{})
}

func TestReconcileSkipsTerminatingAndMissing(t *testing.T) {
	o := newOrchestrator(t, interceptor.Funcs{})
	createAcme(t, o, "")
	ctx := context.Background()

	terminating := tenantv1alpha1.StateTerminating
	_, err := o.Store.Patch(ctx, acme, state.Patch{State: &terminating})
	require.NoError(t, err)
	policy := get(t, o, "default-deny-all", &netv1.NetworkPolicy{})
	require.NoError(t, o.Client.Delete(ctx, policy))

	r := newDriftReconciler(o)
	reconcileAcme(t, r)
	err = o.Client.Get(ctx, client.ObjectKeyFromObject(policy), &netv1.NetworkPolicy{})
	assert.Error(t, err, "terminating tenants are left alone")

	res, err := r.Reconcile(ctx, ctrl.Request{NamespacedName: types.NamespacedName{Name: "unknown"}})
	require.NoError(t, err)
	assert.Equal(t, ctrl.Result{}, res)
}

func TestReconcileRequeuesWhileLocked(t *testing.T) {
	o := newOrchestrator(t, interceptor.Funcs{})
	createAcme(t, o, "")

	unlock, err := o.Locks.Acquire(context.Background(), acme)
	require.NoError(t, err)
	defer unlock()

	res := reconcileAcme(t, newDriftReconciler(o))
	assert.Equal(t, busyRequeue, res.RequeueAfter)
}

func TestContentChanged(t *testing.T) {
	base := &corev1.LimitRange{ObjectMeta: metav1.ObjectMeta{Name: "tenant-limits", Namespace: acme, ResourceVersion: "1"}}
	bumped := base.DeepCopy()
	bumped.ResourceVersion = "2"
	assert.False(t, contentChanged(event.UpdateEvent{ObjectOld: base, ObjectNew: bumped}))

	edited := bumped.DeepCopy()
	edited.Spec.Limits = []corev1.LimitRangeItem{{Type: corev1.LimitTypeContainer}}
	assert.True(t, contentChanged(event.UpdateEvent{ObjectOld: base, ObjectNew: edited}))

	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: acme, Annotations: map[string]string{"a": "1"}}}
	nsEdited := ns.DeepCopy()
	nsEdited.Annotations["a"] = "2"
	assert.True(t, contentChanged(event.UpdateEvent{ObjectOld: ns, ObjectNew: nsEdited}))

	managedNs := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{
		tenantv1alpha1.LabelManagedBy: tenantv1alpha1.ManagedByValue,
	}}}
	assert.True(t, managed(managedNs))
	assert.False(t, managed(&corev1.Namespace{}))
}
