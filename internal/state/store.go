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

// Package state persists tenant configuration as annotations on the tenant
// namespace. The namespace is the only copy of that configuration.
//
// Writes are merge patches guarded by the namespace resourceVersion and
// retried on conflict, so concurrent patches touching disjoint keys both
// land. Two writers setting the same key still resolve last-writer-wins;
// callers serialize per tenant with the operation lock.
package state

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
)

// FeaturePatch changes one feature. Nil pointers are left untouched; a nil
// value in Fields removes that field.
type FeaturePatch struct {
	Phase     *tenantv1alpha1.FeaturePhase
	LastError *string
	Fields    map[string]*string
}

// Patch is a partial tenant configuration. Nil pointers are left untouched.
// A pointer to the empty string clears a text field.
type Patch struct {
	State     *tenantv1alpha1.TenantState
	LastError *string
	TLS       *tenantv1alpha1.TLSConfig
	Image     *string
	Port      *int32
	Replicas  *int32
	Resources *tenantv1alpha1.ResourceLimits
	Features  map[tenantv1alpha1.FeatureName]FeaturePatch
}

// Changes translates p into annotation edits: a nil value deletes the key.
func (p Patch) Changes(now time.Time) map[string]*string {
	c := map[string]*string{}
	setText := func(key string, v *string) {
		if v == nil {
			return
		}
		if *v == "" {
			c[key] = nil
			return
		}
		s := *v
		c[key] = &s
	}
	set := func(key, v string) { c[key] = &v }

	if p.State != nil {
		set(tenantv1alpha1.AnnotationState, string(*p.State))
	}
	setText(tenantv1alpha1.AnnotationLastError, p.LastError)
	if p.TLS != nil {
		set(tenantv1alpha1.AnnotationTLSEnabled, formatBool(p.TLS.Enabled))
		setText(tenantv1alpha1.AnnotationTLSIssuer, &p.TLS.Issuer)
	}
	setText(tenantv1alpha1.AnnotationImage, p.Image)
	if p.Port != nil {
		set(tenantv1alpha1.AnnotationPort, formatInt32(*p.Port))
	}
	if p.Replicas != nil {
		set(tenantv1alpha1.AnnotationReplicas, formatInt32(*p.Replicas))
	}
	if p.Resources != nil {
		set(tenantv1alpha1.AnnotationCPUCores, formatFloat(p.Resources.CPUCores))
		set(tenantv1alpha1.AnnotationMemoryGiB, formatInt64(p.Resources.MemoryGiB))
		set(tenantv1alpha1.AnnotationDiskGiB, formatInt64(p.Resources.DiskGiB))
	}
	for name, fp := range p.Features {
		if fp.Phase != nil {
			set(tenantv1alpha1.FeatureAnnotation(name, tenantv1alpha1.FeatureFieldPhase), string(*fp.Phase))
			set(tenantv1alpha1.FeatureAnnotation(name, tenantv1alpha1.FeatureFieldUpdatedAt), formatTime(now))
		}
		setText(tenantv1alpha1.FeatureAnnotation(name, tenantv1alpha1.FeatureFieldLastError), fp.LastError)
		for field, v := range fp.Fields {
			key := tenantv1alpha1.FeatureAnnotation(name, field)
			if v == nil {
				c[key] = nil
				continue
			}
			set(key, *v)
		}
	}
	return c
}

// Store reads and patches tenant configuration.
type Store struct {
	Client   client.Client
	Defaults Defaults
	Log      logr.Logger
	// Now is overridable in tests.
	Now func() time.Time
}

// NewStore returns a Store backed by c.
func NewStore(c client.Client, d Defaults, log logr.Logger) *Store {
	return &Store{Client: c, Defaults: d, Log: log, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// namespace returns the managed namespace for slug.
func (s *Store) namespace(ctx context.Context, slug string) (*corev1.Namespace, error) {
	ns := &corev1.Namespace{}
	if err := s.Client.Get(ctx, client.ObjectKey{Name: slug}, ns); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, tmerrors.NewNotFound("tenant", slug)
		}
		return nil, fmt.Errorf("failed to get namespace %s: %w", slug, err)
	}
	if ns.Labels[tenantv1alpha1.LabelManagedBy] != tenantv1alpha1.ManagedByValue {
		return nil, tmerrors.NewNotFound("tenant", slug)
	}
	return ns, nil
}

// Get returns the tenant stored on namespace slug.
func (s *Store) Get(ctx context.Context, slug string) (*tenantv1alpha1.Tenant, error) {
	ns, err := s.namespace(ctx, slug)
	if err != nil {
		return nil, err
	}
	return Decode(ns, s.Defaults)
}

// List returns every managed tenant sorted by slug. Namespaces that fail to
// decode are logged and skipped.
func (s *Store) List(ctx context.Context) ([]*tenantv1alpha1.Tenant, error) {
	list := &corev1.NamespaceList{}
	if err := s.Client.List(ctx, list, client.MatchingLabels{
		tenantv1alpha1.LabelManagedBy: tenantv1alpha1.ManagedByValue,
	}); err != nil {
		return nil, fmt.Errorf("failed to list tenant namespaces: %w", err)
	}

	tenants := make([]*tenantv1alpha1.Tenant, 0, len(list.Items))
	for i := range list.Items {
		t, err := Decode(&list.Items[i], s.Defaults)
		if err != nil {
			s.Log.Error(err, "skipping undecodable tenant namespace", "namespace", list.Items[i].Name)
			continue
		}
		tenants = append(tenants, t)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].Slug < tenants[j].Slug })
	return tenants, nil
}

// Patch merges p into the tenant and returns the updated tenant.
func (s *Store) Patch(ctx context.Context, slug string, p Patch) (*tenantv1alpha1.Tenant, error) {
	return s.PatchAnnotations(ctx, slug, p.Changes(s.now()))
}

// PatchAnnotations applies raw annotation edits: a nil value deletes the key,
// absent keys are untouched. Only keys under the tenant prefix are accepted.
func (s *Store) PatchAnnotations(ctx context.Context, slug string, changes map[string]*string) (*tenantv1alpha1.Tenant, error) {
	for key := range changes {
		if !strings.HasPrefix(key, tenantv1alpha1.AnnotationPrefix) {
			return nil, tmerrors.NewValidation("annotation", "%q is outside %s", key, tenantv1alpha1.AnnotationPrefix)
		}
	}

	var updated *corev1.Namespace
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		ns, err := s.namespace(ctx, slug)
		if err != nil {
			return err
		}
		base := ns.DeepCopy()
		if ns.Annotations == nil {
			ns.Annotations = map[string]string{}
		}
		ns.Annotations[tenantv1alpha1.AnnotationConfigVersion] = tenantv1alpha1.ConfigVersion
		for key, v := range changes {
			if v == nil {
				delete(ns.Annotations, key)
				continue
			}
			ns.Annotations[key] = *v
		}
		if err := s.Client.Patch(ctx, ns, client.MergeFromWithOptions(base, client.MergeFromWithOptimisticLock{})); err != nil {
			return err
		}
		updated = ns
		return nil
	})
	if err != nil {
		if tmerrors.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to patch tenant %s: %w", slug, err)
	}

	s.Log.V(1).Info("patched tenant state", "namespace", slug, "keys", len(changes))
	return Decode(updated, s.Defaults)
}
