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

// Package backup moves tenant data between tenant volumes and the shared
// backup store.
//
// Store layout: <root>/<slug>/{files,db}/<archive>. There is no index; the
// file modification time is the only ordering signal. Names starting with a
// dot and .txt files are markers and never count as snapshots.
package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
	"github.com/amartyaa/tenant-master/controlplane/internal/slug"
)

// Kind separates file archives from database dumps.
type Kind string

const (
	KindFiles    Kind = "files"
	KindDatabase Kind = "db"

	// LatestName resolves to the most recent snapshot.
	LatestName = "latest"
)

// ParseKind validates a kind from user input.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindFiles, KindDatabase:
		return k, nil
	}
	return "", tmerrors.NewValidation("kind", "%q must be %q or %q", s, KindFiles, KindDatabase)
}

// Extension is the archive suffix written for k.
func (k Kind) Extension() string {
	if k == KindDatabase {
		return ".sql.gz"
	}
	return ".tar.gz"
}

// Snapshot is one archive in the store.
type Snapshot struct {
	Name    string    `json:"name"`
	Kind    Kind      `json:"kind"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Dir returns the directory holding kind snapshots of slug.
func Dir(root, tenant string, k Kind) string {
	return filepath.Join(root, tenant, string(k))
}

// ArchiveName returns the archive file name for a snapshot taken at.
func ArchiveName(tenant string, k Kind, at time.Time) string {
	return fmt.Sprintf("%s-%s%s", tenant, at.UTC().Format("20060102T150405Z"), k.Extension())
}

// IsMarker reports whether name is a marker rather than a snapshot.
func IsMarker(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(strings.ToLower(name), ".txt")
}

// SanitizeName reduces name to a bare file name. Path components are
// dropped; empty names, dot names and markers are rejected.
func SanitizeName(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if base == "" || base == "." || base == ".." || base == "/" || IsMarker(base) {
		return "", tmerrors.NewValidation("archive", "%q is not a snapshot name", name)
	}
	return base, nil
}

// List returns the snapshots of slug, newest first. A missing directory is
// an empty inventory.
func List(root, tenant string, k Kind) ([]Snapshot, error) {
	if err := slug.Validate(tenant); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(Dir(root, tenant, k))
	if errors.Is(err, fs.ErrNotExist) {
		return []Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s snapshots of %s: %w", k, tenant, err)
	}

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || IsMarker(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		out = append(out, Snapshot{Name: e.Name(), Kind: k, Size: info.Size(), ModTime: info.ModTime().UTC()})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].Name > out[j].Name
		}
		return out[i].ModTime.After(out[j].ModTime)
	})
	return out, nil
}

// Latest returns the snapshot with the greatest modification time.
func Latest(root, tenant string, k Kind) (Snapshot, error) {
	snaps, err := List(root, tenant, k)
	if err != nil {
		return Snapshot{}, err
	}
	if len(snaps) == 0 {
		return Snapshot{}, tmerrors.NewNotFound(string(k)+" snapshot", tenant+"/"+LatestName)
	}
	return snaps[0], nil
}

// Resolve returns the named snapshot, or the latest one for "" or "latest".
func Resolve(root, tenant string, k Kind, name string) (Snapshot, error) {
	if name == "" || name == LatestName {
		return Latest(root, tenant, k)
	}
	if err := slug.Validate(tenant); err != nil {
		return Snapshot{}, err
	}
	base, err := SanitizeName(name)
	if err != nil {
		return Snapshot{}, err
	}
	info, err := os.Stat(filepath.Join(Dir(root, tenant, k), base))
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
		return Snapshot{}, tmerrors.NewNotFound(string(k)+" snapshot", base)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to stat snapshot %s: %w", base, err)
	}
	return Snapshot{Name: base, Kind: k, Size: info.Size(), ModTime: info.ModTime().UTC()}, nil
}

// Path returns the store path of s for tenant.
func (s Snapshot) Path(root, tenant string) string {
	return filepath.Join(Dir(root, tenant, s.Kind), s.Name)
}

// EnsureDirs creates the snapshot directories of slug.
func EnsureDirs(root, tenant string) error {
	if err := slug.Validate(tenant); err != nil {
		return err
	}
	for _, k := range []Kind{KindFiles, KindDatabase} {
		if err := os.MkdirAll(Dir(root, tenant, k), 0o750); err != nil {
			return fmt.Errorf("failed to create %s: %w", Dir(root, tenant, k), err)
		}
	}
	return nil
}

// RemoveTenant deletes every snapshot of slug. A missing directory is not
// an error.
func RemoveTenant(root, tenant string) error {
	if err := slug.Validate(tenant); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(root, tenant)); err != nil {
		return fmt.Errorf("failed to remove snapshots of %s: %w", tenant, err)
	}
	return nil
}
