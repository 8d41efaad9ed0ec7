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

package features

import (
	"context"
	"strconv"
	"strings"

	tenantv1alpha1 "github.com/amartyaa/tenant-master/controlplane/api/v1alpha1"
	"github.com/amartyaa/tenant-master/controlplane/internal/backup"
	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
	"github.com/amartyaa/tenant-master/controlplane/internal/providers"
)

const (
	defaultSchedule  = "0 3 * * *"
	defaultRetention = 7
	maxRetention     = 365
)

// Backup enrolls the tenant in scheduled backups. Archives outlive the
// feature and are only removed when the tenant itself is purged.
type Backup struct {
	// Root is the backup store mount.
	Root string
}

func (b *Backup) Feature() tenantv1alpha1.FeatureName { return tenantv1alpha1.FeatureBackup }

func (b *Backup) Configure(_ *tenantv1alpha1.Tenant, input map[string]string) (map[string]string, error) {
	schedule := strings.Join(strings.Fields(input[backup.FieldSchedule]), " ")
	if schedule == "" {
		schedule = defaultSchedule
	}
	if err := backup.ValidateSchedule(schedule); err != nil {
		return nil, tmerrors.NewValidation("backup.schedule", "%v", err)
	}

	retention := defaultRetention
	if v := input[backup.FieldRetention]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxRetention {
			return nil, tmerrors.NewValidation("backup.retention", "%q must be between 1 and %d", v, maxRetention)
		}
		retention = n
	}
	return map[string]string{
		backup.FieldSchedule:  schedule,
		backup.FieldRetention: strconv.Itoa(retention),
	}, nil
}

func (b *Backup) Ensure(_ context.Context, t *tenantv1alpha1.Tenant, _ map[string]string) providers.Result {
	if err := backup.EnsureDirs(b.Root, t.Slug); err != nil {
		return providers.Failed(err)
	}
	return providers.Ok(nil)
}

func (b *Backup) PurgeSteps(*tenantv1alpha1.Tenant, map[string]string) []Step { return nil }
