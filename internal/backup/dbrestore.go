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
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
	"github.com/amartyaa/tenant-master/controlplane/internal/metrics"
)

// Decompressor opens a streaming decompressor over r for the archive name.
func Decompressor(name string, r io.Reader) (io.ReadCloser, error) {
	codec, err := CompressionOf(name)
	if err != nil {
		return nil, err
	}
	switch codec {
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		return dec.IOReadCloser(), nil
	default:
		dec, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return dec, nil
	}
}

// DatabaseRestorer streams a dump archive into the database client. The
// archive is decompressed in-process and piped straight into the client's
// stdin; nothing is buffered to disk or held whole in memory.
type DatabaseRestorer struct {
	// PsqlPath is the database client binary.
	PsqlPath string
	Log      logr.Logger
}

// limitedBuffer keeps the first n bytes written to it.
type limitedBuffer struct {
	buf bytes.Buffer
	n   int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.n - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

// Connection identifies the target database. The password is passed
// through the environment, never on the command line.
type Connection struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// Restore feeds archivePath into the client connected to conn. Both the
// decompression and the client exit status are checked; either failure
// fails the restore.
func (d *DatabaseRestorer) Restore(ctx context.Context, archivePath string, conn Connection) (err error) {
	defer func() { metrics.RecordWorkerRun("db-restore", metrics.Outcome(err)) }()

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	dec, err := Decompressor(archivePath, f)
	if err != nil {
		return err
	}
	defer dec.Close()

	stderr := &limitedBuffer{n: 4096}
	cmd := exec.CommandContext(ctx, d.PsqlPath,
		"--quiet", "--no-psqlrc", "--set", "ON_ERROR_STOP=1",
		"--host", conn.Host, "--port", strconv.Itoa(conn.Port),
		"--username", conn.User, "--dbname", conn.Database)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+conn.Password)
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open client stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return tmerrors.NewConfiguration("postgres.psql_path", err.Error())
	}
	d.Log.Info("streaming database restore", "archive", archivePath, "database", conn.Database)

	_, copyErr := io.Copy(stdin, dec)
	closeErr := stdin.Close()
	waitErr := cmd.Wait()

	if waitErr != nil {
		detail := strings.TrimSpace(stderr.buf.String())
		return tmerrors.NewUpstreamDetail("postgres", "restore", fmt.Sprintf("client exited: %v: %s", waitErr, detail))
	}
	if copyErr != nil {
		return fmt.Errorf("decompress %s: %w", archivePath, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close client stdin: %w", closeErr)
	}
	d.Log.Info("database restore finished", "archive", archivePath)
	return nil
}
