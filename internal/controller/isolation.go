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
	"fmt"

	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
	"github.com/amartyaa/tenant-master/controlplane/internal/config"
	"github.com/amartyaa/tenant-master/controlplane/internal/kube"
	"github.com/amartyaa/tenant-master/controlplane/internal/templates"
)

// Applied is the outcome of one isolation object upsert.
type Applied struct {
	Kind      string
	Operation controllerutil.OperationResult
}

// Isolation renders and applies the quota, limit range and default-deny
// network policy of a tenant.
type Isolation struct {
	Renderer *templates.Renderer
	Applier  *kube.Applier
	Cluster  config.Cluster
}

func (i *Isolation) params(t *tenantv1alpha1.Tenant) templates.Params {
	return templates.Params{
		Namespace:        t.Slug,
		Limits:           t.Resources,
		IngressNamespace: i.Cluster.IngressNamespace,
		SharedNamespaces: i.Cluster.SharedNamespaces,
	}
}

// Apply upserts every isolation object for t. It stops at the first failure.
func (i *Isolation) Apply(ctx context.Context, t *tenantv1alpha1.Tenant) ([]Applied, error) {
	p := i.params(t)
	steps := []struct {
		kind  string
		apply func() (controllerutil.OperationResult, error)
	}{
		{"ResourceQuota", func() (controllerutil.OperationResult, error) {
			return i.Applier.UpsertResourceQuota(ctx, i.Renderer.ResourceQuota(p))
		}},
		{"LimitRange", func() (controllerutil.OperationResult, error) {
			return i.Applier.UpsertLimitRange(ctx, i.Renderer.LimitRange(p))
		}},
		{"NetworkPolicy", func() (controllerutil.OperationResult, error) {
			return i.Applier.UpsertNetworkPolicy(ctx, i.Renderer.NetworkPolicy(p))
		}},
	}

	applied := make([]Applied, 0, len(steps))
	for _, s := range steps {
		op, err := s.apply()
		if err != nil {
			return applied, fmt.Errorf("%s creation failed: %w", s.kind, err)
		}
		applied = append(applied, Applied{Kind: s.kind, Operation: op})
	}
	return applied, nil
}
