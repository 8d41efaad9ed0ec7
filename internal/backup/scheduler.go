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

package backup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
	"github.com/amartyaa/tenant-master/controlplane/internal/config"
	"github.com/amartyaa/tenant-master/controlplane/internal/operationlock"
	"github.com/amartyaa/tenant-master/controlplane/internal/state"
)

// Backup feature fields.
const (
	FieldSchedule  = "schedule"
	FieldRetention = "retention"
	FieldLastRun   = "last-run"

	// databaseSecretField is the database feature field naming its credentials secret.
	databaseSecretField = "secret"
)

// Result reports one backup.
type Result struct {
	Files           *Run   `json:"files,omitempty"`
	FilesArchive    string `json:"filesArchive,omitempty"`
	Database        *Run   `json:"database,omitempty"`
	DatabaseArchive string `json:"databaseArchive,omitempty"`
}

// Scheduler runs due backups for tenants with the backup feature enabled.
// It is a manager runnable.
type Scheduler struct {
	Store  *state.Store
	Runner *Runner
	Pods   *Pods
	Locks  operationlock.Locker
	Config config.Backup
	Log    logr.Logger
	Now    func() time.Time
}

func (s *Scheduler) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// Start ticks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	tick := s.Config.ScheduleTick
	if tick <= 0 {
		tick = time.Minute
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	s.Log.Info("backup scheduler started", "tick", tick.String())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue backs up every tenant whose schedule is due and returns how many
// backups ran. Tenants busy with another operation are skipped until the
// next tick.
func (s *Scheduler) RunDue(ctx context.Context) int {
	tenants, err := s.Store.List(ctx)
	if err != nil {
		s.Log.Error(err, "failed to list tenants for scheduled backups")
		return 0
	}

	now := s.now()
	ran := 0
	for _, t := range tenants {
		st := t.Feature(tenantv1alpha1.FeatureBackup)
		if st.Phase != tenantv1alpha1.FeatureEnabled || t.State == tenantv1alpha1.StateTerminating {
			continue
		}
		since := now
		if st.UpdatedAt != nil {
			since = st.UpdatedAt.Time
		}
		var lastRun time.Time
		if v := st.Field(FieldLastRun); v != "" {
			lastRun, _ = time.Parse(time.RFC3339, v)
		}
		due, err := IsDue(st.Field(FieldSchedule), lastRun, since, now)
		if err != nil {
			s.Log.Error(err, "invalid backup schedule", "tenant", t.Slug)
			continue
		}
		if !due {
			continue
		}

		release, ok := s.Locks.TryAcquire(t.Slug)
		if !ok {
			s.Log.V(1).Info("tenant busy, deferring scheduled backup", "tenant", t.Slug)
			continue
		}
		if _, err := s.Backup(ctx, t); err != nil {
			s.Log.Error(err, "scheduled backup failed", "tenant", t.Slug)
		}
		release()
		ran++
	}
	return ran
}

// Backup archives the data volume and, when the database feature is
// enabled, dumps the database. The run time is recorded whatever the
// outcome, then retention is applied. Callers hold the tenant lock.
func (s *Scheduler) Backup(ctx context.Context, t *tenantv1alpha1.Tenant) (*Result, error) {
	if err := EnsureDirs(s.Config.Root, t.Slug); err != nil {
		return nil, err
	}
	at := s.now()
	result := &Result{}
	var errs error

	pod, name := s.Pods.BackupFilesPod(t, at)
	run, err := s.Runner.Execute(ctx, "backup", pod, s.Config.BackupTimeout)
	result.Files = run
	if err == nil {
		result.FilesArchive = name
	}
	errs = multierr.Append(errs, err)

	db := t.Feature(tenantv1alpha1.FeatureDatabase)
	if db.Phase == tenantv1alpha1.FeatureEnabled && db.Field(databaseSecretField) != "" {
		pod, name := s.Pods.DumpDatabasePod(t, db.Field(databaseSecretField), at)
		run, err := s.Runner.Execute(ctx, "dump", pod, s.Config.BackupTimeout)
		result.Database = run
		if err == nil {
			result.DatabaseArchive = name
		}
		errs = multierr.Append(errs, err)
	}

	lastError := ""
	if errs != nil {
		lastError = errs.Error()
	}
	stamp := at.Format(time.RFC3339)
	if _, err := s.Store.Patch(ctx, t.Slug, state.Patch{Features: map[tenantv1alpha1.FeatureName]state.FeaturePatch{
		tenantv1alpha1.FeatureBackup: {LastError: &lastError, Fields: map[string]*string{FieldLastRun: &stamp}},
	}}); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("record backup run: %w", err))
	}

	if keep, err := strconv.Atoi(t.Feature(tenantv1alpha1.FeatureBackup).Field(FieldRetention)); err == nil {
		for _, k := range []Kind{KindFiles, KindDatabase} {
			if _, err := ApplyRetention(s.Log, s.Config.Root, t.Slug, k, keep); err != nil {
				s.Log.Error(err, "retention failed", "tenant", t.Slug, "kind", k)
			}
		}
	}
	return result, errs
}
