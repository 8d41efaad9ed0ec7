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

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/amartyaa/tenant-master/controlplane/internal/api"
	"github.com/amartyaa/tenant-master/controlplane/internal/backup"
	"github.com/amartyaa/tenant-master/controlplane/internal/config"
	"github.com/amartyaa/tenant-master/controlplane/internal/controller"
	tmerrors "github.com/amartyaa/tenant-master/controlplane/internal/errors"
	"github.com/amartyaa/tenant-master/controlplane/internal/features"
	"github.com/amartyaa/tenant-master/controlplane/internal/operationlock"
	"github.com/amartyaa/tenant-master/controlplane/internal/providers/ci"
	"github.com/amartyaa/tenant-master/controlplane/internal/providers/dns"
	"github.com/amartyaa/tenant-master/controlplane/internal/providers/mail"
	"github.com/amartyaa/tenant-master/controlplane/internal/providers/postgres"
)

var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

type serveOptions struct {
	configPath string
	zap        zap.Options
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, drift reconciler and backup scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Flags(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", config.DefaultConfigFile, "YAML configuration file; TM_* variables override it")

	zapFlags := flag.NewFlagSet("zap", flag.ContinueOnError)
	opts.zap.BindFlags(zapFlags)
	cmd.Flags().AddGoFlagSet(zapFlags)
	return cmd
}

// loggerOptions applies the logging config. Explicit --zap-* flags win.
func loggerOptions(cfg config.Logging, flags *pflag.FlagSet, opts zap.Options) (zap.Options, error) {
	if !flags.Changed("zap-devel") {
		opts.Development = cfg.Development
	}
	if !flags.Changed("zap-log-level") && cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return opts, tmerrors.NewConfiguration("logging.level", err.Error())
		}
		opts.Level = lvl
	}
	return opts, nil
}

func runServe(flags *pflag.FlagSet, opts *serveOptions) error {
	cfg, err := config.LoadFrom(opts.configPath)
	if err != nil {
		ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts.zap)))
		return err
	}
	zapOpts, err := loggerOptions(cfg.Logging, flags, opts.zap)
	if err != nil {
		ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts.zap)))
		return err
	}
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zapOpts)))

	ctx := ctrl.SetupSignalHandler()
	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return fmt.Errorf("load kubeconfig: %w", err)
	}

	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress: cfg.Server.MetricsAddr,
		},
		HealthProbeBindAddress: cfg.Server.HealthAddr,
	})
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	// Lifecycle operations read their own writes, so they skip the cache.
	c, err := client.New(restConfig, client.Options{Scheme: scheme, Mapper: mgr.GetRESTMapper()})
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	in, err := buildIntegrations(ctx, *cfg, c, ctrl.Log)
	if err != nil {
		return err
	}
	defer in.close()

	locks := operationlock.New()
	o, err := controller.New(controller.Options{
		Client:    c,
		Config:    *cfg,
		Log:       ctrl.Log,
		Locks:     locks,
		Providers: in.providers,
		CI:        in.ci,
		Restorer:  in.restorer,
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	o.Backups = &backup.Scheduler{
		Store: o.Store,
		Runner: &backup.Runner{
			Client:       c,
			PollInterval: cfg.Backup.PollInterval,
			Log:          ctrl.Log.WithName("worker"),
		},
		Pods:   &backup.Pods{Backup: cfg.Backup, Postgres: cfg.Postgres},
		Locks:  locks,
		Config: cfg.Backup,
		Log:    ctrl.Log.WithName("backup"),
	}

	if err := (&controller.DriftReconciler{
		Store:     o.Store,
		Isolation: o.Isolation,
		Locks:     locks,
		Log:       ctrl.Log.WithName("drift"),
	}).SetupWithManager(mgr); err != nil {
		return fmt.Errorf("create drift controller: %w", err)
	}
	if err := mgr.Add(o.Backups); err != nil {
		return fmt.Errorf("add backup scheduler: %w", err)
	}
	if err := mgr.Add(&api.Server{
		Addr:      cfg.Server.ListenAddr,
		Lifecycle: o,
		Log:       ctrl.Log.WithName("api"),
	}); err != nil {
		return fmt.Errorf("add api server: %w", err)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("set up health check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return fmt.Errorf("set up ready check: %w", err)
	}

	setupLog.Info("starting manager", "features", len(in.providers), "ci", in.ci != nil)
	return mgr.Start(ctx)
}

// integrations are the optional feature providers built from config.
type integrations struct {
	providers []features.Provider
	ci        *features.CIDeploy
	restorer  *backup.DatabaseRestorer
	closers   []func()
}

func (in *integrations) close() {
	for _, fn := range in.closers {
		fn()
	}
}

// buildIntegrations builds a provider for every configured integration.
// Unconfigured features report a ConfigurationError when used.
func buildIntegrations(ctx context.Context, cfg config.Config, c client.Client, log logr.Logger) (*integrations, error) {
	in := &integrations{
		providers: []features.Provider{&features.Backup{Root: cfg.Backup.Root}},
	}

	if err := cfg.RequirePostgres(); err == nil {
		admin, err := postgres.NewAdmin(ctx, cfg.Postgres, log)
		if err != nil {
			return nil, err
		}
		in.closers = append(in.closers, admin.Close)
		in.providers = append(in.providers, &features.Database{Admin: admin, Postgres: cfg.Postgres})
		if cfg.Postgres.PsqlPath != "" {
			in.restorer = &backup.DatabaseRestorer{PsqlPath: cfg.Postgres.PsqlPath, Log: log.WithName("restore")}
		}
	} else {
		log.Info("database feature disabled", "reason", err.Error())
	}

	if err := cfg.RequireMail(); err == nil {
		httpClient := &http.Client{Timeout: cfg.Mail.Timeout}
		in.providers = append(in.providers, &features.Mail{API: mail.NewClient(cfg.Mail.URL, cfg.Mail.APIKey, httpClient)})
	} else {
		log.Info("mail feature disabled", "reason", err.Error())
	}

	if err := cfg.RequireDNS(); err == nil {
		in.providers = append(in.providers, &features.DNS{Zones: dns.NewStore(c, cfg.DNS, log)})
	} else {
		log.Info("dns feature disabled", "reason", err.Error())
	}

	if err := cfg.RequireCI(); err == nil {
		httpClient := &http.Client{Timeout: cfg.CI.Timeout}
		in.ci = &features.CIDeploy{API: ci.NewClient(cfg.CI.APIURL, cfg.CI.Token, httpClient)}
	} else {
		log.Info("cideploy feature disabled", "reason", err.Error())
	}
	return in, nil
}
