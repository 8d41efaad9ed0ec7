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
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
)

// RetentionResult reports what ApplyRetention removed.
type RetentionResult struct {
	TotalBackups int
	Deleted      []string
}

// ApplyRetention keeps the newest keep snapshots of kind and deletes the
// rest. keep <= 0 keeps everything. Every deletion is attempted.
func ApplyRetention(log logr.Logger, root, tenant string, k Kind, keep int) (*RetentionResult, error) {
	snaps, err := List(root, tenant, k)
	if err != nil {
		return nil, err
	}
	result := &RetentionResult{TotalBackups: len(snaps)}
	if keep <= 0 || len(snaps) <= keep {
		return result, nil
	}

	var errs error
	for _, s := range snaps[keep:] {
		if err := os.Remove(s.Path(root, tenant)); err != nil && !os.IsNotExist(err) {
			errs = multierr.Append(errs, fmt.Errorf("failed to delete %s: %w", s.Name, err))
			continue
		}
		result.Deleted = append(result.Deleted, s.Name)
	}

	log.Info("applied backup retention", "tenant", tenant, "kind", k,
		"totalBackups", result.TotalBackups, "deleted", len(result.Deleted))
	return result, errs
}
