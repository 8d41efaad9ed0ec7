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

// Package config provides hierarchical configuration loading for the control plane.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration.
type Config struct {
	Server   Server         `yaml:"server"`
	Logging  Logging        `yaml:"logging"`
	Cluster  Cluster        `yaml:"cluster"`
	Tenant   TenantDefaults `yaml:"tenant"`
	Backup   Backup         `yaml:"backup"`
	Postgres Postgres       `yaml:"postgres"`
	Mail     Mail           `yaml:"mail"`
	DNS      DNS            `yaml:"dns"`
	CI       CI             `yaml:"ci"`
}

// Server holds listener addresses.
type Server struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	HealthAddr  string `yaml:"health_addr"`
}

// Logging holds zap logger settings.
type Logging struct {
	Development bool   `yaml:"development"`
	Level       string `yaml:"level"`
}

// Cluster holds settings shared by every rendered tenant object.
type Cluster struct {
	IngressClass string `yaml:"ingress_class"`
	// IngressNamespace is allowed through the tenant network policy.
	IngressNamespace string `yaml:"ingress_namespace"`
	// SharedNamespaces host services tenants may reach (database, mail).
	SharedNamespaces []string `yaml:"shared_namespaces"`
	StorageClass     string `yaml:"storage_class"`
	DefaultIssuer    string `yaml:"default_issuer"`
	HTTPEntrypoint   string `yaml:"http_entrypoint"`
	HTTPSEntrypoint  string `yaml:"https_entrypoint"`
	// SlugAttempts bounds numeric-suffix retries on slug collisions.
	SlugAttempts int `yaml:"slug_attempts"`
}

// TenantDefaults are applied to create requests that omit values.
type TenantDefaults struct {
	Port      int32   `yaml:"port"`
	Replicas  int32   `yaml:"replicas"`
	CPUCores  float64 `yaml:"cpu_cores"`
	MemoryGiB int64   `yaml:"memory_gib"`
	DiskGiB   int64   `yaml:"disk_gib"`
}

// Backup holds the shared backup store and worker pod settings.
type Backup struct {
	// Root is where the control plane sees the backup store.
	Root string `yaml:"root"`
	// NFSServer and NFSPath mount the store into worker pods. When NFSServer
	// is empty, HostPath is used instead.
	NFSServer      string        `yaml:"nfs_server"`
	NFSPath        string        `yaml:"nfs_path"`
	HostPath string `yaml:"host_path"`
	// WorkerImage needs sh, tar and gzip. Restores of .tar.zst snapshots
	// also need zstd, installed with apk when the image lacks it.
	WorkerImage    string        `yaml:"worker_image"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	RestoreTimeout time.Duration `yaml:"restore_timeout"`
	BackupTimeout  time.Duration `yaml:"backup_timeout"`
	ScheduleTick   time.Duration `yaml:"schedule_tick"`
}

// Postgres holds the administrative database connection.
type Postgres struct {
	DSN string `yaml:"dsn"`
	// Host and Port are what tenant workloads and restore clients connect to.
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	MaxConns       int32         `yaml:"max_conns"`
	MinConns       int32         `yaml:"min_conns"`
	ConnectRetries uint          `yaml:"connect_retries"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	PsqlPath       string        `yaml:"psql_path"`
	ClientImage    string        `yaml:"client_image"`
}

// Mail holds the mail server admin API settings.
type Mail struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// DNS locates the shared zone object and the DNS server deployment.
type DNS struct {
	Namespace  string `yaml:"namespace"`
	ConfigMap  string `yaml:"config_map"`
	DataKey    string `yaml:"data_key"`
	Deployment string `yaml:"deployment"`
}

// CI holds the workflow dispatch API settings.
type CI struct {
	APIURL  string        `yaml:"api_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			ListenAddr:  ":8080",
			MetricsAddr: ":8081",
			HealthAddr:  ":8082",
		},
		Logging: Logging{
			Level: "info",
		},
		Cluster: Cluster{
			IngressClass:     "traefik",
			IngressNamespace: "kube-system",
			SharedNamespaces: []string{"databases", "mail"},
			DefaultIssuer:    "letsencrypt",
			HTTPEntrypoint:   "web",
			HTTPSEntrypoint:  "websecure",
			SlugAttempts:     5,
		},
		Tenant: TenantDefaults{
			Port:      8080,
			Replicas:  1,
			CPUCores:  1,
			MemoryGiB: 1,
			DiskGiB:   5,
		},
		Backup: Backup{
			Root:           "/backups",
			HostPath:       "/srv/backups",
			WorkerImage:    "alpine:3.20",
			PollInterval:   2 * time.Second,
			RestoreTimeout: 10 * time.Minute,
			BackupTimeout:  30 * time.Minute,
			ScheduleTick:   time.Minute,
		},
		Postgres: Postgres{
			Host:           "postgres.databases.svc.cluster.local",
			Port:           5432,
			MaxConns:       5,
			MinConns:       0,
			ConnectRetries: 5,
			RetryMaxDelay:  10 * time.Second,
			PsqlPath:       "psql",
			ClientImage:    "postgres:16-alpine",
		},
		Mail: Mail{
			Timeout: 15 * time.Second,
		},
		DNS: DNS{
			Namespace:  "dns",
			ConfigMap:  "tenant-zones",
			DataKey:    "zones.conf",
			Deployment: "coredns",
		},
		CI: CI{
			APIURL:  "https://api.github.com",
			Timeout: 15 * time.Second,
		},
	}
}
