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
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "tenant-master.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays TM_* environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "TM_LISTEN_ADDR")
	setString(&cfg.Server.MetricsAddr, "TM_METRICS_ADDR")
	setString(&cfg.Server.HealthAddr, "TM_HEALTH_ADDR")
	setBool(&cfg.Logging.Development, "TM_LOG_DEVELOPMENT")
	setString(&cfg.Logging.Level, "TM_LOG_LEVEL")

	// Cluster
	setString(&cfg.Cluster.IngressClass, "TM_INGRESS_CLASS")
	setString(&cfg.Cluster.IngressNamespace, "TM_INGRESS_NAMESPACE")
	setStringSlice(&cfg.Cluster.SharedNamespaces, "TM_SHARED_NAMESPACES")
	setString(&cfg.Cluster.StorageClass, "TM_STORAGE_CLASS")
	setString(&cfg.Cluster.DefaultIssuer, "TM_DEFAULT_ISSUER")
	setString(&cfg.Cluster.HTTPEntrypoint, "TM_HTTP_ENTRYPOINT")
	setString(&cfg.Cluster.HTTPSEntrypoint, "TM_HTTPS_ENTRYPOINT")
	setInt(&cfg.Cluster.SlugAttempts, "TM_SLUG_ATTEMPTS")

	// Tenant defaults
	setInt32(&cfg.Tenant.Port, "TM_DEFAULT_PORT")
	setInt32(&cfg.Tenant.Replicas, "TM_DEFAULT_REPLICAS")
	setFloat64(&cfg.Tenant.CPUCores, "TM_DEFAULT_CPU_CORES")
	setInt64(&cfg.Tenant.MemoryGiB, "TM_DEFAULT_MEMORY_GIB")
	setInt64(&cfg.Tenant.DiskGiB, "TM_DEFAULT_DISK_GIB")

	// Backup
	setString(&cfg.Backup.Root, "TM_BACKUP_ROOT")
	setString(&cfg.Backup.NFSServer, "TM_BACKUP_NFS_SERVER")
	setString(&cfg.Backup.NFSPath, "TM_BACKUP_NFS_PATH")
	setString(&cfg.Backup.HostPath, "TM_BACKUP_HOST_PATH")
	setString(&cfg.Backup.WorkerImage, "TM_BACKUP_WORKER_IMAGE")
	setDuration(&cfg.Backup.PollInterval, "TM_BACKUP_POLL_INTERVAL")
	setDuration(&cfg.Backup.RestoreTimeout, "TM_RESTORE_TIMEOUT")
	setDuration(&cfg.Backup.BackupTimeout, "TM_BACKUP_TIMEOUT")
	setDuration(&cfg.Backup.ScheduleTick, "TM_BACKUP_SCHEDULE_TICK")

	// Postgres
	setString(&cfg.Postgres.DSN, "TM_POSTGRES_DSN")
	setString(&cfg.Postgres.Host, "TM_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TM_POSTGRES_PORT")
	setInt32(&cfg.Postgres.MaxConns, "TM_POSTGRES_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "TM_POSTGRES_MIN_CONNS")
	setUint(&cfg.Postgres.ConnectRetries, "TM_POSTGRES_CONNECT_RETRIES")
	setDuration(&cfg.Postgres.RetryMaxDelay, "TM_POSTGRES_RETRY_MAX_DELAY")
	setString(&cfg.Postgres.PsqlPath, "TM_PSQL_PATH")
	setString(&cfg.Postgres.ClientImage, "TM_POSTGRES_CLIENT_IMAGE")

	// Mail
	setString(&cfg.Mail.URL, "TM_MAIL_URL")
	setString(&cfg.Mail.APIKey, "TM_MAIL_API_KEY")
	setDuration(&cfg.Mail.Timeout, "TM_MAIL_TIMEOUT")

	// DNS
	setString(&cfg.DNS.Namespace, "TM_DNS_NAMESPACE")
	setString(&cfg.DNS.ConfigMap, "TM_DNS_CONFIGMAP")
	setString(&cfg.DNS.DataKey, "TM_DNS_DATA_KEY")
	setString(&cfg.DNS.Deployment, "TM_DNS_DEPLOYMENT")

	// CI
	setString(&cfg.CI.APIURL, "TM_CI_API_URL")
	setString(&cfg.CI.Token, "TM_CI_TOKEN")
	setDuration(&cfg.CI.Timeout, "TM_CI_TIMEOUT")
}

// validate checks the always-required settings. Optional integrations are
// checked when first used.
func validate(cfg *Config) error {
	if cfg.Server.ListenAddr == "" {
		return tmerrors.NewConfiguration("server.listen_addr", "is required")
	}
	if cfg.Backup.Root == "" {
		return tmerrors.NewConfiguration("backup.root", "is required")
	}
	if cfg.Backup.PollInterval <= 0 {
		return tmerrors.NewConfiguration("backup.poll_interval", "must be > 0")
	}
	if cfg.Backup.RestoreTimeout < cfg.Backup.PollInterval {
		return tmerrors.NewConfiguration("backup.restore_timeout", "must be >= backup.poll_interval")
	}
	if cfg.Cluster.SlugAttempts < 1 {
		return tmerrors.NewConfiguration("cluster.slug_attempts", "must be >= 1")
	}
	if cfg.Postgres.MaxConns < 1 {
		return tmerrors.NewConfiguration("postgres.max_conns", "must be >= 1")
	}
	return nil
}

// RequirePostgres returns a ConfigurationError when the admin DSN is unset.
func (c *Config) RequirePostgres() error {
	if c.Postgres.DSN == "" {
		return tmerrors.NewConfiguration("postgres.dsn", "database feature requires TM_POSTGRES_DSN")
	}
	return nil
}

// RequireMail returns a ConfigurationError when the mail API is not configured.
func (c *Config) RequireMail() error {
	if c.Mail.URL == "" || c.Mail.APIKey == "" {
		return tmerrors.NewConfiguration("mail.url", "mail feature requires TM_MAIL_URL and TM_MAIL_API_KEY")
	}
	return nil
}

// RequireDNS returns a ConfigurationError when the zone object is not configured.
func (c *Config) RequireDNS() error {
	if c.DNS.Namespace == "" || c.DNS.ConfigMap == "" || c.DNS.DataKey == "" {
		return tmerrors.NewConfiguration("dns.config_map", "dns feature requires the zone ConfigMap location")
	}
	return nil
}

// RequireCI returns a ConfigurationError when no CI token is set.
func (c *Config) RequireCI() error {
	if c.CI.APIURL == "" || c.CI.Token == "" {
		return tmerrors.NewConfiguration("ci.token", "cideploy feature requires TM_CI_TOKEN")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint(dst *uint, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			*dst = uint(n)
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
