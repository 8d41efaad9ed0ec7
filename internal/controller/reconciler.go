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
	"reflect"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	netv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
	"github.com/amartyaa/tenant-master/controlplane/internal/metrics"
	"github.com/amartyaa/tenant-master/controlplane/internal/operationlock"
	"github.com/amartyaa/tenant-master/controlplane/internal/state"
)

// busyRequeue is how long a tenant locked by a lifecycle operation waits.
const busyRequeue = 5 * time.Second

// DriftReconciler re-applies the isolation objects of a tenant from its
// stored configuration whenever they, or the namespace, change.
type DriftReconciler struct {
	Store     *state.Store
	Isolation *Isolation
	Locks     operationlock.Locker
	Log       logr.Logger
}

// +kubebuilder:rbac:groups="",resources=namespaces,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=resourcequotas;limitranges,verbs=get;list;watch;create;update;patch
// +kubebuilder:rbac:groups=networking.k8s.io,resources=networkpolicies,verbs=get;list;watch;create;update;patch
// +kubebuilder:rbac:groups=networking.k8s.io,resources=ingresses,verbs=get;list;watch;create;update;patch
// +kubebuilder:rbac:groups="",resources=persistentvolumeclaims;services;serviceaccounts;secrets;configmaps,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=pods,verbs=get;list;watch;create;delete
// +kubebuilder:rbac:groups=apps,resources=deployments,verbs=get;list;watch;create;update;patch

// Reconcile restores the isolation objects of the tenant in req.Name.
func (r *DriftReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := r.Log.WithValues("tenant", req.Name)

	t, err := r.Store.Get(ctx, req.Name)
	if err != nil {
		if tmerrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		log.Error(err, "failed to read tenant")
		metrics.ReconciliationErrors.Inc()
		return ctrl.Result{}, err
	}

	// Namespaces being created or deleted belong to the running operation.
	switch t.State {
	case tenantv1alpha1.StateTerminating, tenantv1alpha1.StateProvisioning:
		log.V(1).Info("skipping tenant", "state", t.State)
		return ctrl.Result{}, nil
	}

	unlock, ok := r.Locks.TryAcquire(t.Slug)
	if !ok {
		return ctrl.Result{RequeueAfter: busyRequeue}, nil
	}
	defer unlock()

	applied, err := r.Isolation.Apply(ctx, t)
	for _, a := range applied {
		if a.Operation == controllerutil.OperationResultNone {
			continue
		}
		log.Info("corrected isolation drift", "kind", a.Kind, "operation", a.Operation)
		metrics.RecordDriftCorrected(t.Slug, a.Kind)
	}
	if err != nil {
		log.Error(err, "reconciliation failed")
		metrics.ReconciliationErrors.Inc()
		return ctrl.Result{RequeueAfter: 30 * time.Second}, err
	}
	return ctrl.Result{}, nil
}

// managed selects objects carrying the control plane label.
func managed(obj client.Object) bool {
	return obj.GetLabels()[tenantv1alpha1.LabelManagedBy] == tenantv1alpha1.ManagedByValue
}

// toTenant maps a namespaced object to its tenant namespace.
func toTenant(_ context.Context, obj client.Object) []reconcile.Request {
	return []reconcile.Request{{NamespacedName: types.NamespacedName{Name: obj.GetNamespace()}}}
}

// contentChanged reports whether the owned part of an object changed.
func contentChanged(e event.UpdateEvent) bool {
	if e.ObjectNew.GetDeletionTimestamp() != nil {
		return false
	}
	switch o := e.ObjectOld.(type) {
	case *corev1.Namespace:
		return !reflect.DeepEqual(o.Annotations, e.ObjectNew.GetAnnotations())
	case *corev1.ResourceQuota:
		n := e.ObjectNew.(*corev1.ResourceQuota)
		return !reflect.DeepEqual(o.Spec, n.Spec) || !reflect.DeepEqual(o.Labels, n.Labels)
	case *corev1.LimitRange:
		n := e.ObjectNew.(*corev1.LimitRange)
		return !reflect.DeepEqual(o.Spec, n.Spec) || !reflect.DeepEqual(o.Labels, n.Labels)
	case *netv1.NetworkPolicy:
		n := e.ObjectNew.(*netv1.NetworkPolicy)
		return !reflect.DeepEqual(o.Spec, n.Spec) || !reflect.DeepEqual(o.Labels, n.Labels)
	}
	return true
}

// SetupWithManager sets up the controller with the Manager.
func (r *DriftReconciler) SetupWithManager(mgr ctrl.Manager) error {
	owned := builder.WithPredicates(predicate.NewPredicateFuncs(managed))
	return ctrl.NewControllerManagedBy(mgr).
		Named("tenant-drift").
		For(&corev1.Namespace{}, owned).
		Watches(&corev1.ResourceQuota{}, handler.EnqueueRequestsFromMapFunc(toTenant), owned).
		Watches(&corev1.LimitRange{}, handler.EnqueueRequestsFromMapFunc(toTenant), owned).
		Watches(&netv1.NetworkPolicy{}, handler.EnqueueRequestsFromMapFunc(toTenant), owned).
		WithOptions(controller.Options{
			MaxConcurrentReconciles: 3,
		}).
		WithEventFilter(predicate.Funcs{
			UpdateFunc: contentChanged,
		}).
		Complete(r)
}
