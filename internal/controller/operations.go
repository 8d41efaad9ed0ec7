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
	"strconv"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
	"github.com/amartyaa/tenant-master/controlplane/internal/backup"
	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
	"github.com/amartyaa/tenant-master/controlplane/internal/features"
)

// EnableFeature enables one capability on the tenant.
func (o *Orchestrator) EnableFeature(ctx context.Context, slugName string, name tenantv1alpha1.FeatureName, input map[string]string) (t *tenantv1alpha1.Tenant, err error) {
	err = o.withLock(ctx, slugName, "feature-enable", func(logr.Logger) error {
		if _, err := o.mutable(ctx, slugName); err != nil {
			return err
		}
		t, err = o.Features.Enable(ctx, slugName, name, input)
		return err
	})
	return t, err
}

// DisableFeature pauses one capability without deleting provider data.
func (o *Orchestrator) DisableFeature(ctx context.Context, slugName string, name tenantv1alpha1.FeatureName) (t *tenantv1alpha1.Tenant, err error) {
	err = o.withLock(ctx, slugName, "feature-disable", func(logr.Logger) error {
		if _, err := o.mutable(ctx, slugName); err != nil {
			return err
		}
		t, err = o.Features.Disable(ctx, slugName, name)
		return err
	})
	return t, err
}

// PurgeFeature removes everything one capability owns.
func (o *Orchestrator) PurgeFeature(ctx context.Context, slugName string, name tenantv1alpha1.FeatureName) (report *features.PurgeReport, err error) {
	err = o.withLock(ctx, slugName, "feature-purge", func(logr.Logger) error {
		report, err = o.Features.Purge(ctx, slugName, name)
		return err
	})
	return report, err
}

func (o *Orchestrator) requireBackups() error {
	if o.Backups == nil || o.Config.Backup.Root == "" {
		return tmerrors.NewConfiguration("backup.root", "no backup store is configured")
	}
	return nil
}

// ListSnapshots returns the archives of one kind for the tenant, newest first.
func (o *Orchestrator) ListSnapshots(ctx context.Context, slugName string, k backup.Kind) ([]backup.Snapshot, error) {
	if err := o.requireBackups(); err != nil {
		return nil, err
	}
	if _, err := o.Store.Get(ctx, slugName); err != nil {
		return nil, err
	}
	return backup.List(o.Config.Backup.Root, slugName, k)
}

// BackupNow runs a backup outside the schedule.
func (o *Orchestrator) BackupNow(ctx context.Context, slugName string) (result *backup.Result, err error) {
	if err := o.requireBackups(); err != nil {
		return nil, err
	}
	err = o.withLock(ctx, slugName, "backup", func(logr.Logger) error {
		t, err := o.mutable(ctx, slugName)
		if err != nil {
			return err
		}
		result, err = o.Backups.Backup(ctx, t)
		return err
	})
	return result, err
}

// RestoreFiles replaces the content of the data claim with a files archive
// using a short-lived worker pod.
func (o *Orchestrator) RestoreFiles(ctx context.Context, slugName string, req tenantv1alpha1.RestoreRequest) (run *backup.Run, err error) {
	if err := o.requireBackups(); err != nil {
		return nil, err
	}
	err = o.withLock(ctx, slugName, "restore-files", func(log logr.Logger) error {
		t, err := o.mutable(ctx, slugName)
		if err != nil {
			return err
		}
		snap, err := backup.Resolve(o.Config.Backup.Root, slugName, backup.KindFiles, req.Archive)
		if err != nil {
			return err
		}
		pod, err := o.Backups.Pods.RestoreFilesPod(t, snap, o.now())
		if err != nil {
			return err
		}
		log.Info("restoring files", "archive", snap.Name)
		run, err = o.Backups.Runner.Execute(ctx, "restore", pod, o.Config.Backup.RestoreTimeout)
		return err
	})
	return run, err
}

// RestoreDatabase streams a database archive into the tenant database. The
// connection comes from the database feature credentials secret.
func (o *Orchestrator) RestoreDatabase(ctx context.Context, slugName string, req tenantv1alpha1.RestoreRequest) (snap backup.Snapshot, err error) {
	if err := o.requireBackups(); err != nil {
		return snap, err
	}
	if o.Restorer == nil {
		return snap, tmerrors.NewConfiguration("postgres.psql_path", "database restores are not configured")
	}
	err = o.withLock(ctx, slugName, "restore-database", func(log logr.Logger) error {
		t, err := o.mutable(ctx, slugName)
		if err != nil {
			return err
		}
		db := t.Feature(tenantv1alpha1.FeatureDatabase)
		if db.Phase != tenantv1alpha1.FeatureEnabled {
			return tmerrors.NewConflict("feature", string(tenantv1alpha1.FeatureDatabase), "is not enabled")
		}
		conn, err := o.databaseConnection(ctx, slugName, db.Field(features.FieldDatabaseSecret))
		if err != nil {
			return err
		}
		if snap, err = backup.Resolve(o.Config.Backup.Root, slugName, backup.KindDatabase, req.Archive); err != nil {
			return err
		}
		log.Info("restoring database", "archive", snap.Name, "database", conn.Database)
		return o.Restorer.Restore(ctx, snap.Path(o.Config.Backup.Root, slugName), conn)
	})
	return snap, err
}

func (o *Orchestrator) databaseConnection(ctx context.Context, namespace, name string) (backup.Connection, error) {
	secret := &corev1.Secret{}
	if err := o.Client.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, secret); err != nil {
		if apierrors.IsNotFound(err) {
			return backup.Connection{}, tmerrors.NewNotFound("secret", name)
		}
		return backup.Connection{}, tmerrors.NewUpstream("kubernetes", "read database credentials", err)
	}
	get := func(key string) string { return string(secret.Data[key]) }

	conn := backup.Connection{
		Host:     get("PGHOST"),
		Database: get("PGDATABASE"),
		User:     get("PGUSER"),
		Password: get(features.SecretKeyPassword),
		Port:     o.Config.Postgres.Port,
	}
	if conn.Host == "" {
		conn.Host = o.Config.Postgres.Host
	}
	if p, err := strconv.Atoi(get("PGPORT")); err == nil {
		conn.Port = p
	}
	if conn.Database == "" || conn.User == "" {
		return backup.Connection{}, tmerrors.NewConfiguration(name, "credentials secret is incomplete")
	}
	return conn, nil
}

// WebhookSecret returns the CI webhook secret of the tenant.
func (o *Orchestrator) WebhookSecret(ctx context.Context, slugName string) (string, error) {
	if o.CI == nil {
		return "", tmerrors.NewConfiguration(string(tenantv1alpha1.FeatureCIDeploy), "feature provider is not configured")
	}
	t, err := o.Store.Get(ctx, slugName)
	if err != nil {
		return "", err
	}
	return o.CI.WebhookSecret(ctx, t)
}

// TriggerDeploy verifies a signed CI webhook and dispatches the tenant
// deploy workflow.
func (o *Orchestrator) TriggerDeploy(ctx context.Context, slugName string, body []byte, signature, ref, image string) error {
	if o.CI == nil {
		return tmerrors.NewConfiguration(string(tenantv1alpha1.FeatureCIDeploy), "feature provider is not configured")
	}
	t, err := o.mutable(ctx, slugName)
	if err != nil {
		return err
	}
	return o.CI.Trigger(ctx, t, body, signature, ref, image)
}
