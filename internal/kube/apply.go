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

// Package kube provides the idempotent create-or-patch primitives used to
// materialize tenant objects on the cluster.
package kube

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	netv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
)

// Applier upserts cluster objects: it tries to create, and when the object
// already exists it merge-patches only the mutable fields it owns. Status and
// server-populated fields are never touched.
type Applier struct {
	Client client.Client
	Log    logr.Logger
}

// NewApplier returns an Applier logging under log.
func NewApplier(c client.Client, log logr.Logger) *Applier {
	return &Applier{Client: c, Log: log}
}

// upsert creates a copy of desired. On AlreadyExists it reads the live object
// into existing, runs mutate on it and sends the resulting merge patch, if any.
func (a *Applier) upsert(ctx context.Context, kind string, desired, existing client.Object, mutate func()) (controllerutil.OperationResult, error) {
	key := client.ObjectKeyFromObject(desired)

	obj, ok := desired.DeepCopyObject().(client.Object)
	if !ok {
		return controllerutil.OperationResultNone, fmt.Errorf("%s %s is not a client.Object", kind, key)
	}
	obj.SetResourceVersion("")

	err := a.Client.Create(ctx, obj)
	if err == nil {
		a.Log.Info("ensured "+kind, "namespace", key.Namespace, "name", key.Name, "operation", controllerutil.OperationResultCreated)
		return controllerutil.OperationResultCreated, nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return controllerutil.OperationResultNone, fmt.Errorf("failed to create %s %s: %w", kind, key, err)
	}

	if err := a.Client.Get(ctx, key, existing); err != nil {
		return controllerutil.OperationResultNone, fmt.Errorf("failed to get %s %s: %w", kind, key, err)
	}
	base, ok := existing.DeepCopyObject().(client.Object)
	if !ok {
		return controllerutil.OperationResultNone, fmt.Errorf("%s %s is not a client.Object", kind, key)
	}

	mutate()

	patch := client.MergeFrom(base)
	if data, err := patch.Data(existing); err == nil && string(data) == "{}" {
		a.Log.V(1).Info("ensured "+kind, "namespace", key.Namespace, "name", key.Name, "operation", controllerutil.OperationResultNone)
		return controllerutil.OperationResultNone, nil
	}
	if err := a.Client.Patch(ctx, existing, patch); err != nil {
		return controllerutil.OperationResultNone, fmt.Errorf("failed to patch %s %s: %w", kind, key, err)
	}

	a.Log.Info("ensured "+kind, "namespace", key.Namespace, "name", key.Name, "operation", controllerutil.OperationResultUpdated)
	return controllerutil.OperationResultUpdated, nil
}

// mergeMeta adds the desired labels and annotations without dropping foreign ones.
func mergeMeta(existing *metav1.ObjectMeta, desired metav1.ObjectMeta) {
	if len(desired.Labels) > 0 && existing.Labels == nil {
		existing.Labels = map[string]string{}
	}
	for k, v := range desired.Labels {
		existing.Labels[k] = v
	}
	if len(desired.Annotations) > 0 && existing.Annotations == nil {
		existing.Annotations = map[string]string{}
	}
	for k, v := range desired.Annotations {
		existing.Annotations[k] = v
	}
}

// UpsertNamespace ensures the namespace exists with the desired labels and annotations.
func (a *Applier) UpsertNamespace(ctx context.Context, desired *corev1.Namespace) (controllerutil.OperationResult, error) {
	existing := &corev1.Namespace{}
	return a.upsert(ctx, "Namespace", desired, existing, func() {
		mergeMeta(&existing.ObjectMeta, desired.ObjectMeta)
	})
}

// UpsertResourceQuota ensures the quota hard limits. Status usage is left alone.
func (a *Applier) UpsertResourceQuota(ctx context.Context, desired *corev1.ResourceQuota) (controllerutil.OperationResult, error) {
	existing := &corev1.ResourceQuota{}
	return a.upsert(ctx, "ResourceQuota", desired, existing, func() {
		mergeMeta(&existing.ObjectMeta, desired.ObjectMeta)
		existing.Spec.Hard = desired.Spec.Hard.DeepCopy()
	})
}

// UpsertLimitRange ensures the limit range items.
func (a *Applier) UpsertLimitRange(ctx context.Context, desired *corev1.LimitRange) (controllerutil.OperationResult, error) {
	existing := &corev1.LimitRange{}
	return a.upsert(ctx, "LimitRange", desired, existing, func() {
		mergeMeta(&existing.ObjectMeta, desired.ObjectMeta)
		existing.Spec = *desired.Spec.DeepCopy()
	})
}

// UpsertNetworkPolicy ensures the policy rules.
func (a *Applier) UpsertNetworkPolicy(ctx context.Context, desired *netv1.NetworkPolicy) (controllerutil.OperationResult, error) {
	existing := &netv1.NetworkPolicy{}
	return a.upsert(ctx, "NetworkPolicy", desired, existing, func() {
		mergeMeta(&existing.ObjectMeta, desired.ObjectMeta)
		existing.Spec = *desired.Spec.DeepCopy()
	})
}

// UpsertPersistentVolumeClaim creates the claim. An existing claim only gets
// its labels merged; size changes go through ExpandPersistentVolumeClaim.
func (a *Applier) UpsertPersistentVolumeClaim(ctx context.Context, desired *corev1.PersistentVolumeClaim) (controllerutil.OperationResult, error) {
	existing := &corev1.PersistentVolumeClaim{}
	return a.upsert(ctx, "PersistentVolumeClaim", desired, existing, func() {
		mergeMeta(&existing.ObjectMeta, desired.ObjectMeta)
	})
}

// ExpandPersistentVolumeClaim raises the storage request to size. It returns
// false without error when size does not exceed the current request.
func (a *Applier) ExpandPersistentVolumeClaim(ctx context.Context, namespace, name string, size resource.Quantity) (bool, error) {
	pvc := &corev1.PersistentVolumeClaim{}
	if err := a.Client.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, pvc); err != nil {
		return false, fmt.Errorf("failed to get PersistentVolumeClaim %s/%s: %w", namespace, name, err)
	}

	current := pvc.Spec.Resources.Requests[corev1.ResourceStorage]
	if size.Cmp(current) <= 0 {
		a.Log.Info("skipping PersistentVolumeClaim resize", "namespace", namespace, "name", name,
			"current", current.String(), "requested", size.String())
		return false, nil
	}

	base := pvc.DeepCopy()
	if pvc.Spec.Resources.Requests == nil {
		pvc.Spec.Resources.Requests = corev1.ResourceList{}
	}
	pvc.Spec.Resources.Requests[corev1.ResourceStorage] = size
	if err := a.Client.Patch(ctx, pvc, client.MergeFrom(base)); err != nil {
		return false, fmt.Errorf("failed to expand PersistentVolumeClaim %s/%s: %w", namespace, name, err)
	}

	a.Log.Info("requested PersistentVolumeClaim expansion", "namespace", namespace, "name", name,
		"from", current.String(), "to", size.String())
	return true, nil
}

// UpsertDeployment ensures replicas and the pod template. The selector is
// immutable and kept as is.
func (a *Applier) UpsertDeployment(ctx context.Context, desired *appsv1.Deployment) (controllerutil.OperationResult, error) {
	existing := &appsv1.Deployment{}
	return a.upsert(ctx, "Deployment", desired, existing, func() {
		mergeMeta(&existing.ObjectMeta, desired.ObjectMeta)
		existing.Spec.Replicas = desired.Spec.Replicas
		existing.Spec.Template = *desired.Spec.Template.DeepCopy()
	})
}

// UpsertService ensures ports, selector and type. The allocated ClusterIP is kept.
func (a *Applier) UpsertService(ctx context.Context, desired *corev1.Service) (controllerutil.OperationResult, error) {
	existing := &corev1.Service{}
	return a.upsert(ctx, "Service", desired, existing, func() {
		mergeMeta(&existing.ObjectMeta, desired.ObjectMeta)
		existing.Spec.Ports = desired.DeepCopy().Spec.Ports
		existing.Spec.Selector = desired.DeepCopy().Spec.Selector
		if desired.Spec.Type != "" {
			existing.Spec.Type = desired.Spec.Type
		}
	})
}

// UpsertIngress ensures the ingress. Annotations are replaced so that keys
// dropped from desired (TLS issuer, entrypoints) are removed.
func (a *Applier) UpsertIngress(ctx context.Context, desired *netv1.Ingress) (controllerutil.OperationResult, error) {
	existing := &netv1.Ingress{}
	return a.upsert(ctx, "Ingress", desired, existing, func() {
		mergeMeta(&existing.ObjectMeta, metav1.ObjectMeta{Labels: desired.Labels})
		existing.Annotations = copyStrings(desired.Annotations)
		existing.Spec = *desired.Spec.DeepCopy()
	})
}

// UpsertServiceAccount ensures the account exists with token automount as desired.
func (a *Applier) UpsertServiceAccount(ctx context.Context, desired *corev1.ServiceAccount) (controllerutil.OperationResult, error) {
	existing := &corev1.ServiceAccount{}
	return a.upsert(ctx, "ServiceAccount", desired, existing, func() {
		mergeMeta(&existing.ObjectMeta, desired.ObjectMeta)
		existing.AutomountServiceAccountToken = desired.AutomountServiceAccountToken
	})
}

// UpsertSecret ensures the secret data.
func (a *Applier) UpsertSecret(ctx context.Context, desired *corev1.Secret) (controllerutil.OperationResult, error) {
	d := desired.DeepCopy()
	if len(d.StringData) > 0 {
		if d.Data == nil {
			d.Data = map[string][]byte{}
		}
		for k, v := range d.StringData {
			d.Data[k] = []byte(v)
		}
		d.StringData = nil
	}
	existing := &corev1.Secret{}
	return a.upsert(ctx, "Secret", d, existing, func() {
		mergeMeta(&existing.ObjectMeta, d.ObjectMeta)
		existing.Data = d.Data
	})
}

// UpsertConfigMap ensures the config map data.
func (a *Applier) UpsertConfigMap(ctx context.Context, desired *corev1.ConfigMap) (controllerutil.OperationResult, error) {
	existing := &corev1.ConfigMap{}
	return a.upsert(ctx, "ConfigMap", desired, existing, func() {
		mergeMeta(&existing.ObjectMeta, desired.ObjectMeta)
		existing.Data = desired.DeepCopy().Data
	})
}

// DeleteIgnoreMissing deletes obj with background propagation. A missing
// object is not an error.
func (a *Applier) DeleteIgnoreMissing(ctx context.Context, obj client.Object) error {
	err := a.Client.Delete(ctx, obj, client.PropagationPolicy(metav1.DeletePropagationBackground))
	if client.IgnoreNotFound(err) != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", obj.GetNamespace(), obj.GetName(), err)
	}
	if err == nil {
		a.Log.Info("deleted object", "namespace", obj.GetNamespace(), "name", obj.GetName())
	}
	return nil
}

func copyStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
