package main

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/guardian-recovery-vault/cmd/flags"
	"github.com/ruteri/guardian-recovery-vault/common"
	"github.com/ruteri/guardian-recovery-vault/distribution"
	"github.com/ruteri/guardian-recovery-vault/httpserver"
	"github.com/ruteri/guardian-recovery-vault/metrics"
	"github.com/ruteri/guardian-recovery-vault/notify"
	"github.com/ruteri/guardian-recovery-vault/scheduler"
	"github.com/ruteri/guardian-recovery-vault/storage"
	"github.com/ruteri/guardian-recovery-vault/vault"
)

var serverFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for API",
	},
	&cli.StringFlag{
		Name:    "storage",
		Value:   "file://./vaults/",
		EnvVars: []string{"VAULT_STORAGE"},
		Usage:   "primary vault store URI (memory://, file://, s3://, vault://, postgres://)",
	},
	&cli.StringSliceFlag{
		Name:    "storage-mirror",
		EnvVars: []string{"VAULT_STORAGE_MIRRORS"},
		Usage:   "additional store URIs to mirror writes to",
	},
	&cli.StringFlag{
		Name:    "admin-keys-file",
		Value:   "",
		EnvVars: []string{"VAULT_ADMIN_KEYS_FILE"},
		Usage:   "JSON file with admin public keys; the admin API is disabled without it",
	},
	&cli.DurationFlag{
		Name:  "evaluate-interval",
		Value: scheduler.DefaultInterval,
		Usage: "how often every vault is evaluated for due transitions",
	},
	&cli.IntFlag{
		Name:  "evaluate-concurrency",
		Value: vault.DefaultConfig().EvaluateConcurrency,
		Usage: "vaults evaluated in parallel during a pass",
	},
	&cli.StringFlag{
		Name:    "webhook-url",
		EnvVars: []string{"VAULT_WEBHOOK_URL"},
		Usage:   "endpoint to post notification events to",
	},
	&cli.StringFlag{
		Name:    "webhook-secret",
		EnvVars: []string{"VAULT_WEBHOOK_SECRET"},
		Usage:   "HMAC secret for webhook deliveries",
	},
	flags.LogServiceFlagFn("vaultd"),
}

func main() {
	app := &cli.App{
		Name:  "vaultd",
		Usage: "Serve the guardian recovery vault API",
		Flags: append(append(serverFlags, flags.CommonFlags...), flags.PolicyFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			metricsSrv, err := metrics.New(common.PackageName, cCtx.String(flags.MetricsAddrFlag.Name))
			if err != nil {
				logger.Error("Failed to create metrics server", "err", err)
				return err
			}

			storeFactory := storage.NewStoreFactory(logger)
			store, err := storeFactory.CreateMultiStore(ctx, cCtx.String("storage"), cCtx.StringSlice("storage-mirror"))
			if err != nil {
				logger.Error("Failed to open vault store", "err", err)
				return err
			}
			if closer, ok := store.(io.Closer); ok {
				defer closer.Close()
			}
			logger.Info("Vault store ready", "location", store.LocationURI())

			notifiers := notify.Multi{notify.NewLogNotifier(logger)}
			if webhookURL := cCtx.String("webhook-url"); webhookURL != "" {
				webhook, err := notify.NewWebhookNotifier(notify.WebhookConfig{
					URL:    webhookURL,
					Secret: cCtx.String("webhook-secret"),
				}, logger)
				if err != nil {
					logger.Error("Failed to create webhook notifier", "err", err)
					return err
				}
				defer webhook.Close()
				notifiers = append(notifiers, webhook)
			}

			cfg := flags.ConfigureService(cCtx)
			cfg.Metrics = metricsSrv.Metrics
			cfg.EvaluateConcurrency = cCtx.Int("evaluate-concurrency")
			svc, err := vault.NewService(store, notifiers, distribution.NewLogDistributor(logger), cfg, logger)
			if err != nil {
				logger.Error("Failed to create vault service", "err", err)
				return err
			}

			var admin *httpserver.AdminHandler
			if adminKeysFile := cCtx.String("admin-keys-file"); adminKeysFile != "" {
				adminKeys, err := loadAdminKeys(adminKeysFile)
				if err != nil {
					logger.Error("Failed to load admin keys", "err", err)
					return err
				}
				logger.Info("Admin keys loaded successfully", "count", len(adminKeys))
				admin = httpserver.NewAdminHandler(svc, logger, adminKeys)
			} else {
				logger.Warn("No admin keys file configured, admin API disabled")
			}

			serverCfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))
			server, err := httpserver.New(serverCfg, metricsSrv, httpserver.NewHandler(svc, logger), admin)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			sched := scheduler.New(svc, cCtx.Duration("evaluate-interval"), logger)
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()

			server.RunInBackground()

			// Wait for termination signal
			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadAdminKeys(path string) (map[string][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	keys, err := httpserver.LoadAdminKeys(f)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, errors.New("admin keys file lists no admins")
	}
	return keys, nil
}
