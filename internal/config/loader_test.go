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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, int32(8080), cfg.Tenant.Port)
	assert.Equal(t, int64(5), cfg.Tenant.DiskGiB)
	assert.Equal(t, 2*time.Second, cfg.Backup.PollInterval)
	assert.Equal(t, 5, cfg.Cluster.SlugAttempts)
	require.NoError(t, validate(&cfg))
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  listen_addr: ":9090"
backup:
  root: "/mnt/backups"
  restore_timeout: 3m
cluster:
  default_issuer: "letsencrypt-staging"
`
	require.NoError(t, os.WriteFile(yamlPath, []byte(content), 0o644))

	cfg := Defaults()
	require.NoError(t, loadYAML(&cfg, yamlPath))

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, "/mnt/backups", cfg.Backup.Root)
	assert.Equal(t, 3*time.Minute, cfg.Backup.RestoreTimeout)
	assert.Equal(t, "letsencrypt-staging", cfg.Cluster.DefaultIssuer)
	// Unchanged fields keep defaults
	assert.Equal(t, "websecure", cfg.Cluster.HTTPSEntrypoint)
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, loadYAML(&cfg, "/nonexistent/path.yaml"))
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TM_LISTEN_ADDR", ":7070")
	t.Setenv("TM_POSTGRES_DSN", "postgres://admin:secret@db:5432/postgres")
	t.Setenv("TM_POSTGRES_MAX_CONNS", "12")
	t.Setenv("TM_DEFAULT_CPU_CORES", "2.5")
	t.Setenv("TM_RESTORE_TIMEOUT", "90s")
	t.Setenv("TM_LOG_DEVELOPMENT", "true")

	cfg, err := LoadFrom("")
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.ListenAddr)
	assert.Equal(t, int32(12), cfg.Postgres.MaxConns)
	assert.InDelta(t, 2.5, cfg.Tenant.CPUCores, 0.0001)
	assert.Equal(t, 90*time.Second, cfg.Backup.RestoreTimeout)
	assert.True(t, cfg.Logging.Development)
	assert.NoError(t, cfg.RequirePostgres())
}

func TestEnvInvalidValueIgnored(t *testing.T) {
	t.Setenv("TM_POSTGRES_PORT", "not-a-number")

	cfg, err := LoadFrom("")
	require.NoError(t, err)
	assert.Equal(t, 5432, cfg.Postgres.Port)
}

func TestValidateRequiredSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"listen addr", func(c *Config) { c.Server.ListenAddr = "" }},
		{"backup root", func(c *Config) { c.Backup.Root = "" }},
		{"poll interval", func(c *Config) { c.Backup.PollInterval = 0 }},
		{"timeout below interval", func(c *Config) { c.Backup.RestoreTimeout = time.Second }},
		{"slug attempts", func(c *Config) { c.Cluster.SlugAttempts = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := validate(&cfg)
			require.Error(t, err)
			assert.True(t, tmerrors.IsConfiguration(err))
		})
	}
}

func TestOptionalIntegrations(t *testing.T) {
	cfg := Defaults()

	assert.True(t, tmerrors.IsConfiguration(cfg.RequirePostgres()))
	assert.True(t, tmerrors.IsConfiguration(cfg.RequireMail()))
	assert.True(t, tmerrors.IsConfiguration(cfg.RequireCI()))
	assert.NoError(t, cfg.RequireDNS())

	cfg.Mail.URL = "https://mail.example.com"
	cfg.Mail.APIKey = "key"
	assert.NoError(t, cfg.RequireMail())
}
