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

// Package controller implements the tenant lifecycle: provisioning, workload
// changes, teardown, and the drift reconciler that keeps isolation objects
// in line with the stored tenant configuration.
package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"sigs.k8s.io/controller-runtime/pkg/client"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
	"github.com/amartyaa/tenant-master/controlplane/internal/backup"
	"github.com/amartyaa/tenant-master/controlplane/internal/config"
	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
	"github.com/amartyaa/tenant-master/controlplane/internal/features"
	"github.com/amartyaa/tenant-master/controlplane/internal/kube"
	"github.com/amartyaa/tenant-master/controlplane/internal/metrics"
	"github.com/amartyaa/tenant-master/controlplane/internal/operationlock"
	"github.com/amartyaa/tenant-master/controlplane/internal/slug"
	"github.com/amartyaa/tenant-master/controlplane/internal/state"
	"github.com/amartyaa/tenant-master/controlplane/internal/templates"
	"github.com/amartyaa/tenant-master/controlplane/internal/validation"
)

// Orchestrator runs tenant lifecycle operations. Operations on one tenant
// are serialized by Locks; different tenants proceed concurrently.
type Orchestrator struct {
	Client    client.Client
	Store     *state.Store
	Applier   *kube.Applier
	Allocator *slug.Allocator
	Isolation *Isolation
	Workloads *Workloads
	Features  *features.Controller
	Locks     operationlock.Locker
	Config    config.Config
	Log       logr.Logger

	// Backups runs on-demand backups and file restores. Nil when no backup
	// store is configured.
	Backups *backup.Scheduler
	// Restorer restores database archives. Nil without a database client.
	Restorer *backup.DatabaseRestorer
	// CI verifies and dispatches deploy webhooks. Nil when CI is not configured.
	CI *features.CIDeploy

	Now func() time.Time
}

// Options holds the collaborators of an Orchestrator.
type Options struct {
	Client   client.Client
	Config   config.Config
	Log      logr.Logger
	Locks    operationlock.Locker
	Features *features.Controller
	Backups  *backup.Scheduler
	Restorer *backup.DatabaseRestorer
	CI       *features.CIDeploy

	// Providers are registered on the default Features controller. CI is
	// registered as well when set.
	Providers []features.Provider
}

// StoreDefaults converts the configured tenant defaults for the state store.
func StoreDefaults(d config.TenantDefaults) state.Defaults {
	return state.Defaults{
		Port:      d.Port,
		Replicas:  d.Replicas,
		CPUCores:  d.CPUCores,
		MemoryGiB: d.MemoryGiB,
		DiskGiB:   d.DiskGiB,
	}
}

// New wires an Orchestrator. A nil Features controller is replaced by one
// serving opts.Providers; a nil Locks by a fresh lock.
func New(opts Options) (*Orchestrator, error) {
	renderer, err := templates.NewRenderer()
	if err != nil {
		return nil, err
	}
	log := opts.Log.WithName("orchestrator")
	applier := kube.NewApplier(opts.Client, log.WithName("apply"))
	store := state.NewStore(opts.Client, StoreDefaults(opts.Config.Tenant), log.WithName("state"))
	if opts.CI != nil {
		opts.Providers = append(opts.Providers, opts.CI)
	}
	for _, p := range opts.Providers {
		attach(p, opts.Client, applier)
	}
	if opts.Features == nil {
		opts.Features = features.NewController(store, log, opts.Providers...)
	}
	if opts.Locks == nil {
		opts.Locks = operationlock.New()
	}
	return &Orchestrator{
		Client:    opts.Client,
		Store:     store,
		Applier:   applier,
		Allocator: &slug.Allocator{Client: opts.Client, MaxAttempts: opts.Config.Cluster.SlugAttempts},
		Isolation: &Isolation{Renderer: renderer, Applier: applier, Cluster: opts.Config.Cluster},
		Workloads: &Workloads{Cluster: opts.Config.Cluster},
		Features:  opts.Features,
		Locks:     opts.Locks,
		Config:    opts.Config,
		Log:       log,
		Backups:   opts.Backups,
		Restorer:  opts.Restorer,
		CI:        opts.CI,
		Now:       time.Now,
	}, nil
}

// attach hands the cluster client to providers that manage secrets.
func attach(p features.Provider, c client.Client, a *kube.Applier) {
	switch p := p.(type) {
	case *features.Database:
		if p.Client == nil {
			p.Client = c
		}
		if p.Applier == nil {
			p.Applier = a
		}
	case *features.CIDeploy:
		if p.Client == nil {
			p.Client = c
		}
		if p.Applier == nil {
			p.Applier = a
		}
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now == nil {
		return time.Now().UTC()
	}
	return o.Now().UTC()
}

// withLock serializes fn against every other operation on key and records
// its duration under op.
func (o *Orchestrator) withLock(ctx context.Context, key, op string, fn func(log logr.Logger) error) (err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation(op, start, err) }()

	unlock, err := o.Locks.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(o.Log.WithValues("tenant", key, "operation", op))
}

// mutable loads the tenant and rejects tenants that are being torn down.
func (o *Orchestrator) mutable(ctx context.Context, slugName string) (*tenantv1alpha1.Tenant, error) {
	t, err := o.Store.Get(ctx, slugName)
	if err != nil {
		return nil, err
	}
	if t.State == tenantv1alpha1.StateTerminating {
		return nil, tmerrors.NewConflict("tenant", slugName, "is terminating")
	}
	return t, nil
}

// commit persists p, then runs apply against the updated tenant. When apply
// fails the previous values in undo are restored, the error is recorded on
// the tenant and returned.
func (o *Orchestrator) commit(ctx context.Context, log logr.Logger, slugName string, p, undo state.Patch, apply func(*tenantv1alpha1.Tenant) error) (*tenantv1alpha1.Tenant, error) {
	cleared := ""
	p.LastError = &cleared
	t, err := o.Store.Patch(ctx, slugName, p)
	if err != nil {
		return nil, err
	}
	if err := apply(t); err != nil {
		msg := err.Error()
		undo.LastError = &msg
		if _, uerr := o.Store.Patch(context.WithoutCancel(ctx), slugName, undo); uerr != nil {
			log.Error(uerr, "failed to revert tenant configuration")
		}
		return nil, err
	}
	return t, nil
}

// refreshCount updates the managed tenant gauge.
func (o *Orchestrator) refreshCount(ctx context.Context) {
	tenants, err := o.Store.List(ctx)
	if err != nil {
		o.Log.V(1).Info("failed to count tenants", "error", err.Error())
		return
	}
	metrics.SetManagedTenants(len(tenants))
}

// Create provisions a tenant namespace with its isolation objects and data
// claim, and the workload when an image is given. The namespace is created
// already carrying the configuration. Any failure after that deletes the
// namespace again and returns the original error.
func (o *Orchestrator) Create(ctx context.Context, req tenantv1alpha1.CreateRequest) (*tenantv1alpha1.Tenant, error) {
	validation.DefaultCreate(&req, o.Config.Tenant, o.Config.Cluster.DefaultIssuer)
	if err := validation.ToError(validation.ValidateCreate(&req)); err != nil {
		metrics.RecordOperation("create", time.Now(), err)
		return nil, err
	}
	key := req.Slug
	if key == "" {
		var err error
		if key, err = slug.FromDomain(req.Domain); err != nil {
			metrics.RecordOperation("create", time.Now(), err)
			return nil, err
		}
	}

	var created *tenantv1alpha1.Tenant
	err := o.withLock(ctx, key, "create", func(log logr.Logger) error {
		seed := &tenantv1alpha1.Tenant{
			Domain:    req.Domain,
			State:     tenantv1alpha1.StateProvisioning,
			TLS:       req.TLS,
			Workload:  tenantv1alpha1.WorkloadSpec{Image: req.Image, Port: req.Port, Replicas: req.Replicas},
			Resources: req.Resources,
		}
		ns, err := o.Allocator.Allocate(ctx, slug.Request{
			Domain:      req.Domain,
			Slug:        req.Slug,
			Annotations: state.Encode(seed),
		}, log)
		if err != nil {
			return err
		}
		t, err := state.Decode(ns, o.Store.Defaults)
		if err != nil {
			return err
		}
		log = log.WithValues("namespace", t.Slug)

		if t.Slug != key {
			// A suffixed name was allocated. Operations addressed to it
			// must wait until provisioning is done.
			unlock, err := o.Locks.Acquire(ctx, t.Slug)
			if err != nil {
				o.rollback(ctx, log, t.Slug)
				return err
			}
			defer unlock()
		}

		if err := o.provision(ctx, t); err != nil {
			log.Error(err, "provisioning failed, rolling back")
			o.rollback(ctx, log, t.Slug)
			return err
		}

		ready := tenantv1alpha1.StateReady
		if created, err = o.Store.Patch(ctx, t.Slug, state.Patch{State: &ready}); err != nil {
			return err
		}
		log.Info("tenant provisioned", "domain", t.Domain)
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.refreshCount(ctx)
	return created, nil
}

// rollback removes the namespace of a tenant whose creation failed.
func (o *Orchestrator) rollback(ctx context.Context, log logr.Logger, name string) {
	rb := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
	if err := o.Applier.DeleteIgnoreMissing(context.WithoutCancel(ctx), rb); err != nil {
		log.Error(err, "rollback failed")
	}
}

// provision applies everything a new tenant owns.
func (o *Orchestrator) provision(ctx context.Context, t *tenantv1alpha1.Tenant) error {
	if _, err := o.Isolation.Apply(ctx, t); err != nil {
		return err
	}
	if _, err := o.Applier.UpsertPersistentVolumeClaim(ctx, o.Workloads.DataClaim(t)); err != nil {
		return err
	}
	return o.applyWorkload(ctx, t)
}

// applyWorkload upserts the web workload. Tenants without an image have none.
func (o *Orchestrator) applyWorkload(ctx context.Context, t *tenantv1alpha1.Tenant) error {
	if t.Workload.Image == "" {
		return nil
	}
	if _, err := o.Applier.UpsertServiceAccount(ctx, o.Workloads.ServiceAccount(t)); err != nil {
		return err
	}
	if _, err := o.Applier.UpsertDeployment(ctx, o.Workloads.Deployment(t)); err != nil {
		return err
	}
	if _, err := o.Applier.UpsertService(ctx, o.Workloads.Service(t)); err != nil {
		return err
	}
	_, err := o.Applier.UpsertIngress(ctx, o.Workloads.Ingress(t))
	return err
}

// Get returns one tenant.
func (o *Orchestrator) Get(ctx context.Context, slugName string) (*tenantv1alpha1.Tenant, error) {
	return o.Store.Get(ctx, slugName)
}

// List returns every managed tenant.
func (o *Orchestrator) List(ctx context.Context) ([]*tenantv1alpha1.Tenant, error) {
	tenants, err := o.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	metrics.SetManagedTenants(len(tenants))
	return tenants, nil
}

// Deploy rolls out image, optionally changing port and replica count.
func (o *Orchestrator) Deploy(ctx context.Context, slugName string, req tenantv1alpha1.DeployRequest) (t *tenantv1alpha1.Tenant, err error) {
	if err := validation.ToError(validation.ValidateDeploy(&req)); err != nil {
		return nil, err
	}
	err = o.withLock(ctx, slugName, "deploy", func(log logr.Logger) error {
		prev, err := o.mutable(ctx, slugName)
		if err != nil {
			return err
		}
		p := state.Patch{Image: &req.Image, Replicas: req.Replicas}
		if req.Port != 0 {
			p.Port = &req.Port
		}
		undo := state.Patch{Image: &prev.Workload.Image, Port: &prev.Workload.Port, Replicas: &prev.Workload.Replicas}
		t, err = o.commit(ctx, log, slugName, p, undo, func(t *tenantv1alpha1.Tenant) error {
			return o.applyWorkload(ctx, t)
		})
		if err == nil {
			log.Info("deployed workload", "image", req.Image, "replicas", t.Workload.Replicas)
		}
		return err
	})
	return t, err
}

// Resize changes the tenant limits. Quota and limit range are re-rendered
// before the workload is updated. The data claim is expanded only when the
// disk limit grows; a smaller disk limit leaves the claim as is.
func (o *Orchestrator) Resize(ctx context.Context, slugName string, req tenantv1alpha1.ResizeRequest) (t *tenantv1alpha1.Tenant, err error) {
	if err := validation.ToError(validation.ValidateResize(&req)); err != nil {
		return nil, err
	}
	err = o.withLock(ctx, slugName, "resize", func(log logr.Logger) error {
		prev, err := o.mutable(ctx, slugName)
		if err != nil {
			return err
		}
		limits := validation.MergeResize(prev.Resources, &req)
		if err := validation.ToError(validation.ValidateLimits(field.NewPath("resources"), limits)); err != nil {
			return err
		}

		undo := state.Patch{Resources: &prev.Resources}
		t, err = o.commit(ctx, log, slugName, state.Patch{Resources: &limits}, undo, func(t *tenantv1alpha1.Tenant) error {
			if _, err := o.Isolation.Apply(ctx, t); err != nil {
				return err
			}
			if t.Workload.Image != "" {
				if _, err := o.Applier.UpsertDeployment(ctx, o.Workloads.Deployment(t)); err != nil {
					return err
				}
			}
			if limits.DiskGiB > prev.Resources.DiskGiB {
				_, err := o.Applier.ExpandPersistentVolumeClaim(ctx, slugName, t.DataClaimName(), templates.GiBQuantity(limits.DiskGiB))
				return err
			}
			if limits.DiskGiB < prev.Resources.DiskGiB {
				log.Info("disk limit lowered, data claim keeps its size",
					"claimGiB", prev.Resources.DiskGiB, "limitGiB", limits.DiskGiB)
			}
			return nil
		})
		return err
	})
	return t, err
}

// SetTLS toggles certificate issuance. Enabling without an issuer uses the
// configured default.
func (o *Orchestrator) SetTLS(ctx context.Context, slugName string, req tenantv1alpha1.TLSRequest) (t *tenantv1alpha1.Tenant, err error) {
	if req.Enabled && req.Issuer == "" {
		req.Issuer = o.Config.Cluster.DefaultIssuer
	}
	if !req.Enabled {
		req.Issuer = ""
	}
	if err := validation.ToError(validation.ValidateTLS(&req)); err != nil {
		return nil, err
	}
	err = o.withLock(ctx, slugName, "tls", func(log logr.Logger) error {
		prev, err := o.mutable(ctx, slugName)
		if err != nil {
			return err
		}
		tls := tenantv1alpha1.TLSConfig{Enabled: req.Enabled, Issuer: req.Issuer}
		undo := state.Patch{TLS: &prev.TLS}
		t, err = o.commit(ctx, log, slugName, state.Patch{TLS: &tls}, undo, func(t *tenantv1alpha1.Tenant) error {
			if t.Workload.Image == "" {
				return nil
			}
			_, err := o.Applier.UpsertIngress(ctx, o.Workloads.Ingress(t))
			return err
		})
		if err == nil {
			log.Info("updated TLS", "enabled", tls.Enabled, "issuer", tls.Issuer)
		}
		return err
	})
	return t, err
}

// Suspend scales the workload to zero. Suspending a suspended tenant is a no-op.
func (o *Orchestrator) Suspend(ctx context.Context, slugName string) (*tenantv1alpha1.Tenant, error) {
	return o.setRunning(ctx, slugName, "suspend", tenantv1alpha1.StateSuspended)
}

// Resume scales the workload back to the stored replica count.
func (o *Orchestrator) Resume(ctx context.Context, slugName string) (*tenantv1alpha1.Tenant, error) {
	return o.setRunning(ctx, slugName, "resume", tenantv1alpha1.StateReady)
}

func (o *Orchestrator) setRunning(ctx context.Context, slugName, op string, target tenantv1alpha1.TenantState) (t *tenantv1alpha1.Tenant, err error) {
	err = o.withLock(ctx, slugName, op, func(log logr.Logger) error {
		prev, err := o.mutable(ctx, slugName)
		if err != nil {
			return err
		}
		if prev.State == target {
			t = prev
			return nil
		}
		if prev.State == tenantv1alpha1.StateProvisioning {
			return tmerrors.NewConflict("tenant", slugName, "is still provisioning")
		}
		undo := state.Patch{State: &prev.State}
		t, err = o.commit(ctx, log, slugName, state.Patch{State: &target}, undo, func(t *tenantv1alpha1.Tenant) error {
			return o.applyWorkload(ctx, t)
		})
		if err == nil {
			log.Info("changed tenant state", "from", prev.State, "to", target)
		}
		return err
	})
	return t, err
}

// DeleteResult reports the feature teardown of a deleted tenant.
type DeleteResult struct {
	Features       []features.PurgeReport `json:"features,omitempty"`
	BackupsRemoved bool                   `json:"backupsRemoved"`
}

// Delete purges every feature, then deletes the namespace. Purge failures
// are aggregated; the namespace is kept so that the delete can be retried
// without losing the record of what remains on the providers.
func (o *Orchestrator) Delete(ctx context.Context, slugName string) (*DeleteResult, error) {
	result := &DeleteResult{}
	err := o.withLock(ctx, slugName, "delete", func(log logr.Logger) error {
		return o.delete(ctx, log, slugName, result)
	})
	if err != nil {
		return result, err
	}
	o.refreshCount(ctx)
	return result, nil
}

func (o *Orchestrator) delete(ctx context.Context, log logr.Logger, slugName string, result *DeleteResult) error {
	if _, err := o.Store.Get(ctx, slugName); err != nil {
		return err
	}
	terminating := tenantv1alpha1.StateTerminating
	if _, err := o.Store.Patch(ctx, slugName, state.Patch{State: &terminating}); err != nil && !tmerrors.IsNotFound(err) {
		return err
	}

	reports, err := o.Features.PurgeAll(ctx, slugName)
	result.Features = reports
	if err != nil {
		msg := err.Error()
		if _, perr := o.Store.Patch(context.WithoutCancel(ctx), slugName, state.Patch{LastError: &msg}); perr != nil {
			log.Error(perr, "failed to record purge failure")
		}
		return fmt.Errorf("feature purge failed, namespace kept: %w", err)
	}

	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: slugName}}
	if err := o.Applier.DeleteIgnoreMissing(ctx, ns); err != nil {
		return tmerrors.NewUpstream("kubernetes", "delete namespace", err)
	}
	log.Info("tenant deleted", "features", len(reports))
	return nil
}

// Purge deletes the tenant and removes its backup archives. Purging a tenant
// whose namespace is already gone still removes the archives.
func (o *Orchestrator) Purge(ctx context.Context, slugName string) (*DeleteResult, error) {
	result := &DeleteResult{}
	err := o.withLock(ctx, slugName, "purge", func(log logr.Logger) error {
		if err := o.delete(ctx, log, slugName, result); err != nil && !tmerrors.IsNotFound(err) {
			return err
		}
		if o.Config.Backup.Root == "" {
			return nil
		}
		if err := backup.RemoveTenant(o.Config.Backup.Root, slugName); err != nil {
			return err
		}
		result.BackupsRemoved = true
		log.Info("removed tenant backups")
		return nil
	})
	if err != nil {
		return result, err
	}
	o.refreshCount(ctx)
	return result, nil
}
