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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// writeSnapshot creates an archive file with the given modification time.
func writeSnapshot(t *testing.T, root string, k Kind, name string, mtime time.Time) {
	t.Helper()
	dir := Dir(root, "acme", k)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(name), 0o644))
	require.NoError(t, os.Chtimes(p, mtime, mtime))
}

func TestLatestByModificationTime(t *testing.T) {
	root := t.TempDir()
	// Names deliberately sort opposite to modification time.
	writeSnapshot(t, root, KindFiles, "c.tar.gz", t0)
	writeSnapshot(t, root, KindFiles, "b.tar.gz", t0.Add(time.Hour))
	writeSnapshot(t, root, KindFiles, "a.tar.gz", t0.Add(2*time.Hour))
	writeSnapshot(t, root, KindFiles, "notes.txt", t0.Add(3*time.Hour))
	writeSnapshot(t, root, KindFiles, ".a.tar.gz.partial", t0.Add(4*time.Hour))

	latest, err := Latest(root, "acme", KindFiles)
	require.NoError(t, err)
	assert.Equal(t, "a.tar.gz", latest.Name)

	snaps, err := List(root, "acme", KindFiles)
	require.NoError(t, err)
	names := []string{}
	for _, s := range snaps {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"a.tar.gz", "b.tar.gz", "c.tar.gz"}, names)
}

func TestListMissingDirectory(t *testing.T) {
	snaps, err := List(t.TempDir(), "acme", KindDatabase)
	require.NoError(t, err)
	assert.Empty(t, snaps)

	_, err = Latest(t.TempDir(), "acme", KindDatabase)
	assert.True(t, tmerrors.IsNotFound(err))
}

func TestListRejectsBadTenant(t *testing.T) {
	_, err := List(t.TempDir(), "../etc", KindFiles)
	assert.True(t, tmerrors.IsValidation(err))
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"acme-20250301T120000Z.tar.gz", "acme-20250301T120000Z.tar.gz", false},
		{"../../etc/passwd", "passwd", false},
		{`..\..\dump.sql.gz`, "dump.sql.gz", false},
		{"", "", true},
		{"..", "", true},
		{".hidden.tar.gz", "", true},
		{"README.txt", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := SanitizeName(tt.in)
			if tt.wantErr {
				assert.True(t, tmerrors.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve(t *testing.T) {
	root := t.TempDir()
	writeSnapshot(t, root, KindDatabase, "old.sql.gz", t0)
	writeSnapshot(t, root, KindDatabase, "new.sql.gz", t0.Add(time.Minute))

	s, err := Resolve(root, "acme", KindDatabase, LatestName)
	require.NoError(t, err)
	assert.Equal(t, "new.sql.gz", s.Name)

	s, err = Resolve(root, "acme", KindDatabase, "sub/old.sql.gz")
	require.NoError(t, err)
	assert.Equal(t, "old.sql.gz", s.Name)
	assert.Equal(t, filepath.Join(root, "acme", "db", "old.sql.gz"), s.Path(root, "acme"))

	_, err = Resolve(root, "acme", KindDatabase, "missing.sql.gz")
	assert.True(t, tmerrors.IsNotFound(err))
}

func TestArchiveName(t *testing.T) {
	assert.Equal(t, "acme-20250301T120000Z.tar.gz", ArchiveName("acme", KindFiles, t0))
	assert.Equal(t, "acme-20250301T120000Z.sql.gz", ArchiveName("acme", KindDatabase, t0.In(time.FixedZone("x", 3600))))
}

func TestApplyRetention(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 5; i++ {
		at := t0.Add(time.Duration(i) * time.Hour)
		writeSnapshot(t, root, KindFiles, ArchiveName("acme", KindFiles, at), at)
	}
	writeSnapshot(t, root, KindFiles, "keep.txt", t0)

	res, err := ApplyRetention(logr.Discard(), root, "acme", KindFiles, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, res.TotalBackups)
	assert.Len(t, res.Deleted, 3)

	snaps, err := List(root, "acme", KindFiles)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, ArchiveName("acme", KindFiles, t0.Add(4*time.Hour)), snaps[0].Name)
	assert.FileExists(t, filepath.Join(Dir(root, "acme", KindFiles), "keep.txt"))
}

func TestEnsureAndRemoveTenant(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, EnsureDirs(root, "acme"))
	assert.DirExists(t, Dir(root, "acme", KindFiles))
	assert.DirExists(t, Dir(root, "acme", KindDatabase))

	require.NoError(t, RemoveTenant(root, "acme"))
	assert.NoDirExists(t, filepath.Join(root, "acme"))
	require.NoError(t, RemoveTenant(root, "acme"))
}
