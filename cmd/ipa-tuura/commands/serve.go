package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/spf13/cobra"

	"github.com/isometry/ipa-tuura/internal/api"
	"github.com/isometry/ipa-tuura/internal/backend"
	"github.com/isometry/ipa-tuura/internal/config"
	"github.com/isometry/ipa-tuura/internal/domain"
	"github.com/isometry/ipa-tuura/internal/enroll"
	"github.com/isometry/ipa-tuura/internal/kerberos"
	"github.com/isometry/ipa-tuura/internal/logging"
	"github.com/isometry/ipa-tuura/internal/metrics"
	"github.com/isometry/ipa-tuura/internal/sssd"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the SCIM and domain management API",
		Long: `Run the HTTP API in the foreground until SIGINT or SIGTERM.

Examples:
  # Serve with defaults
  ipa-tuura serve

  # Serve with a config file and debug logging
  IPA_TUURA_LOGGING_LEVEL=debug ipa-tuura serve --config /etc/ipa-tuura/config.yaml`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.NewContext(ctx, logging.Options{Level: cfg.Logging.Level})

	store, err := domain.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open domain store: %w", err)
	}
	defer func() { _ = store.Close() }()

	reg := metrics.New()
	creds := kerberos.NewCache()

	selector := backend.NewSelector(store,
		backend.NewFactory(backend.Deps{
			IPADefaultConf: cfg.IPA.DefaultConf,
			IPAAPIVersion:  cfg.IPA.APIVersion,
			Krb5Conf:       cfg.Kerberos.Krb5Conf,
			Keytab:         cfg.IPA.Keytab,
			Credentials:    creds,
		}),
		backend.WithMetrics(reg.Backend),
		backend.WithCredentialCache(creds),
	)

	svc := enroll.NewService(enrollOptions(cfg), enroll.Deps{
		Store:     store,
		Backends:  selector,
		Restarter: sssd.NewRestarter(cfg.SSSD.UnitName),
	})

	queue := enroll.NewQueue(svc, cfg.Enroll.Workers, cfg.Enroll.QueueSize, reg.Enroll)
	queue.Start(ctx)

	deps := api.Deps{
		Domains:        store,
		Enroller:       svc,
		Jobs:           queue,
		Lookup:         sssd.NewClient(nil, reg.Lookup),
		Users:          selector,
		RequestTimeout: cfg.Server.RequestTimeout,
	}
	if cfg.Metrics.Enabled {
		deps.Metrics = reg.Handler()
	}

	tflog.Info(ctx, "Starting ipa-tuura", map[string]any{
		"version":  Version,
		"addr":     cfg.Server.Addr,
		"database": cfg.Database.Type,
		"metrics":  cfg.Metrics.Enabled,
	})

	serveErr := api.NewServer(cfg.Server, api.NewRouter(deps)).Start(ctx)

	// Let a running enrollment finish before the store closes.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := queue.Stop(shutdownCtx); err != nil {
		tflog.Warn(ctx, "Enrollment queue did not drain", map[string]any{"error": err.Error()})
		serveErr = errors.Join(serveErr, err)
	}

	tflog.Info(ctx, "ipa-tuura stopped", nil)
	return serveErr
}

func enrollOptions(cfg *config.Config) enroll.Options {
	return enroll.Options{
		SSSDConfigPath: cfg.SSSD.ConfigPath,
		IPADefaultConf: cfg.IPA.DefaultConf,
		IPAAPIVersion:  cfg.IPA.APIVersion,
		Krb5Conf:       cfg.Kerberos.Krb5Conf,
		Keytab:         cfg.IPA.Keytab,
		KeytabDir:      cfg.IPA.KeytabDir,
		ServiceName:    cfg.IPA.ServiceName,
		RoleName:       cfg.IPA.RoleName,
		Privilege:      cfg.IPA.Privilege,
		SystemUser:     cfg.IPA.SystemUser,
	}
}
