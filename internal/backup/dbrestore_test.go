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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/go-logr/logr"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
)

const dumpSQL = "CREATE TABLE t (id int);\nINSERT INTO t VALUES (1);\n"

// fakeClient writes a shell script standing in for psql.
func fakeClient(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	p := filepath.Join(t.TempDir(), "psql")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}

func writeGzip(t *testing.T, dir, name, content string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))
	return p
}

var testConn = Connection{Host: "db.internal", Port: 5432, Database: "acme", User: "acme", Password: "s3cret"}

func TestRestoreStreamsDecompressedDump(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "received.sql")
	t.Setenv("RESTORE_OUT", out)
	psql := fakeClient(t, `echo "$PGPASSWORD $*" > "$RESTORE_OUT.args"; cat > "$RESTORE_OUT"`)

	archive := writeGzip(t, dir, "acme-20250301T120000Z.sql.gz", dumpSQL)
	r := &DatabaseRestorer{PsqlPath: psql, Log: logr.Discard()}
	require.NoError(t, r.Restore(context.Background(), archive, testConn))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, dumpSQL, string(got))

	args, err := os.ReadFile(out + ".args")
	require.NoError(t, err)
	assert.Contains(t, string(args), "s3cret --quiet --no-psqlrc --set ON_ERROR_STOP=1")
	assert.Contains(t, string(args), "--dbname acme")
	assert.NotContains(t, string(args)[len("s3cret"):], "s3cret", "password must not appear in argv")
}

func TestRestoreZstdArchive(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "received.sql")
	t.Setenv("RESTORE_OUT", out)
	psql := fakeClient(t, `cat > "$RESTORE_OUT"`)

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	archive := filepath.Join(dir, "dump.sql.zst")
	require.NoError(t, os.WriteFile(archive, enc.EncodeAll([]byte(dumpSQL), nil), 0o644))
	require.NoError(t, enc.Close())

	r := &DatabaseRestorer{PsqlPath: psql, Log: logr.Discard()}
	require.NoError(t, r.Restore(context.Background(), archive, testConn))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, dumpSQL, string(got))
}

func TestRestoreClientFailure(t *testing.T) {
	dir := t.TempDir()
	psql := fakeClient(t, `cat > /dev/null; echo 'ERROR:  relation "t" already exists' >&2; exit 3`)
	archive := writeGzip(t, dir, "dump.sql.gz", dumpSQL)

	r := &DatabaseRestorer{PsqlPath: psql, Log: logr.Discard()}
	err := r.Restore(context.Background(), archive, testConn)
	require.Error(t, err)
	assert.True(t, tmerrors.IsUpstream(err))
	assert.Contains(t, err.Error(), `relation "t" already exists`)
}

func TestRestoreCorruptArchive(t *testing.T) {
	dir := t.TempDir()
	psql := fakeClient(t, `cat > /dev/null`)
	archive := filepath.Join(dir, "dump.sql.gz")
	require.NoError(t, os.WriteFile(archive, []byte("this is not gzip"), 0o644))

	r := &DatabaseRestorer{PsqlPath: psql, Log: logr.Discard()}
	err := r.Restore(context.Background(), archive, testConn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gzip")
}

func TestRestoreTruncatedArchive(t *testing.T) {
	dir := t.TempDir()
	psql := fakeClient(t, `cat > /dev/null`)
	full := writeGzip(t, dir, "full.sql.gz", dumpSQL+dumpSQL+dumpSQL)
	data, err := os.ReadFile(full)
	require.NoError(t, err)
	archive := filepath.Join(dir, "cut.sql.gz")
	require.NoError(t, os.WriteFile(archive, data[:len(data)-8], 0o644))

	r := &DatabaseRestorer{PsqlPath: psql, Log: logr.Discard()}
	err = r.Restore(context.Background(), archive, testConn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decompress")
}

func TestRestoreMissingClient(t *testing.T) {
	archive := writeGzip(t, t.TempDir(), "dump.sql.gz", dumpSQL)
	r := &DatabaseRestorer{PsqlPath: filepath.Join(t.TempDir(), "nope"), Log: logr.Discard()}
	err := r.Restore(context.Background(), archive, testConn)
	assert.True(t, tmerrors.IsConfiguration(err))
}
