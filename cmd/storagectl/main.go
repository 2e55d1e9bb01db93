package main

import (
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/tiered-content-storage/cmd/flags"
	"github.com/ruteri/tiered-content-storage/config"
	"github.com/ruteri/tiered-content-storage/interfaces"
	"github.com/ruteri/tiered-content-storage/migration"
	"github.com/ruteri/tiered-content-storage/storage"
	"github.com/urfave/cli/v2"
)

var flagServerURL = &cli.StringFlag{
	Name:    "server-url",
	Value:   "http://127.0.0.1:8080",
	Usage:   "storaged to send operator requests to",
	EnvVars: []string{"STORAGE_SERVER_URL"},
}
var flagAPIKey = &cli.StringFlag{
	Name:    "api-key",
	Usage:   "operator API key",
	EnvVars: []string{"ADMIN_API_KEY"},
}
var flagRequestTimeout = &cli.DurationFlag{
	Name:  "request-timeout",
	Value: 5 * time.Minute,
	Usage: "timeout of operator requests",
}
var flagProgressInterval = &cli.DurationFlag{
	Name:  "progress-interval",
	Value: 5 * time.Second,
	Usage: "how often migration progress is logged",
}

func main() {
	var localFlags []cli.Flag
	localFlags = append(localFlags, flags.StorageFlags...)
	localFlags = append(localFlags, flags.MigrationFlags...)

	remoteFlags := []cli.Flag{flagServerURL, flagAPIKey, flagRequestTimeout}

	app := &cli.App{
		Name:  "storagectl",
		Usage: "Operate tiered content storage",
		Flags: flags.CommonFlags,
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "copy every tier from the source backend to the target backend",
				Flags:  append(append([]cli.Flag{}, localFlags...), flagProgressInterval),
				Action: migrateCmd,
			},
			{
				Name:   "verify",
				Usage:  "compare source and target backends object by object",
				Flags:  localFlags,
				Action: verifyCmd,
			},
			{
				Name:  "benchmark",
				Usage: "time uploads and downloads on every tier of the target backend",
				Flags: append(append([]cli.Flag{}, localFlags...),
					&cli.IntSliceFlag{Name: "sizes", Usage: "object sizes in bytes"},
					&cli.IntFlag{Name: "count", Value: 10, Usage: "objects per size and tier"},
				),
				Action: benchmarkCmd,
			},
			{
				Name:      "tier",
				Usage:     "move one object between tiers on a running server",
				ArgsUsage: "<content-hash>",
				Flags: append(append([]cli.Flag{}, remoteFlags...),
					&cli.StringFlag{Name: "from", Required: true, Usage: "current tier"},
					&cli.StringFlag{Name: "to", Required: true, Usage: "target tier"},
					&cli.BoolFlag{Name: "force", Usage: "move from whichever tier holds the object"},
				),
				Action: tierCmd,
			},
			{
				Name:      "lifecycle",
				Usage:     "run a lifecycle operation on a running server",
				ArgsUsage: "<tier|cleanup|reconcile|stats>",
				Flags:     remoteFlags,
				Action:    lifecycleCmd,
			},
			{
				Name:   "stats",
				Usage:  "print storage statistics of a running server",
				Flags:  remoteFlags,
				Action: statsCmd,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// newMigrator builds a migrator between the configured source and target
// backends.
func newMigrator(cCtx *cli.Context, logger *slog.Logger) (*migration.Migrator, *config.Config, error) {
	cfg, err := flags.LoadConfig(cCtx)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Migration.Validate(); err != nil {
		return nil, nil, err
	}
	if cfg.Migration.SourceBackend == cfg.Migration.TargetBackend {
		return nil, nil, fmt.Errorf("%w: source and target backend are both %q", interfaces.ErrConfiguration, cfg.Migration.SourceBackend)
	}

	factory := storage.NewFactory(cfg.Storage, logger)
	source, err := factory.Driver(cfg.Migration.SourceBackend)
	if err != nil {
		return nil, nil, fmt.Errorf("source backend: %w", err)
	}
	target, err := factory.Driver(cfg.Migration.TargetBackend)
	if err != nil {
		return nil, nil, fmt.Errorf("target backend: %w", err)
	}
	return migration.New(source, target, cfg.Migration, logger), cfg, nil
}

func migrateCmd(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mig, cfg, err := newMigrator(cCtx, logger)
	if err != nil {
		return err
	}

	if cfg.Migration.DryRun {
		plan, err := mig.Preview(ctx)
		if err != nil {
			return err
		}
		return printJSON(plan)
	}

	done := make(chan struct{})
	defer close(done)
	go reportProgress(mig, logger, cCtx.Duration(flagProgressInterval.Name), done)

	progress, err := mig.MigrateAll(ctx)
	if err != nil {
		logger.Error("Migration failed, rerun with --resume to continue", "err", err)
		return err
	}
	if progress.ErrorCount > 0 {
		logger.Warn("Some objects failed to migrate", slog.Int("errors", progress.ErrorCount))
	}
	return printJSON(progress)
}

func reportProgress(mig *migration.Migrator, logger *slog.Logger, interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p := mig.Progress()
			logger.Info("Migration progress",
				slog.String("phase", string(p.Phase)),
				slog.Int("processed", p.ProcessedObjects),
				slog.Int("total", p.TotalObjects),
				slog.Int("errors", p.ErrorCount),
				slog.Duration("eta", p.EstimatedTimeRemaining))
		}
	}
}

func verifyCmd(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mig, _, err := newMigrator(cCtx, logger)
	if err != nil {
		return err
	}
	results, err := mig.VerifyMigration(ctx)
	if err != nil {
		return err
	}

	summary := migration.Summarize(results)
	var problems []migration.VerificationResult
	for _, r := range results {
		if r.Status != migration.StatusVerified {
			problems = append(problems, r)
		}
	}
	if err := printJSON(map[string]any{"summary": summary, "problems": problems}); err != nil {
		return err
	}
	if len(problems) > 0 {
		return fmt.Errorf("%d objects failed verification", len(problems))
	}
	return nil
}

func benchmarkCmd(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := flags.LoadConfig(cCtx)
	if err != nil {
		return err
	}
	driver, err := storage.NewFactory(cfg.Storage, logger).Driver(cfg.Migration.TargetBackend)
	if err != nil {
		return err
	}

	mig := migration.New(driver, driver, cfg.Migration, logger)
	results, err := mig.Benchmark(ctx, cCtx.IntSlice("sizes"), cCtx.Int("count"))
	if err != nil {
		return err
	}
	return printJSON(results)
}

func remoteClient(cCtx *cli.Context) *adminClient {
	return newAdminClient(cCtx.String(flagServerURL.Name), cCtx.String(flagAPIKey.Name), cCtx.Duration(flagRequestTimeout.Name))
}

func tierCmd(cCtx *cli.Context) error {
	hash := cCtx.Args().First()
	if hash == "" {
		return cli.Exit("content hash argument is required", 1)
	}
	if _, err := interfaces.NewContentHash(hash); err != nil {
		return err
	}
	out, err := remoteClient(cCtx).MoveTier(cCtx.Context, hash, cCtx.String("from"), cCtx.String("to"), cCtx.Bool("force"))
	if err != nil {
		return err
	}
	return printJSON(out)
}

func lifecycleCmd(cCtx *cli.Context) error {
	op := cCtx.Args().First()
	if op == "" {
		return cli.Exit("operation argument is required: tier, cleanup, reconcile or stats", 1)
	}
	out, err := remoteClient(cCtx).RunLifecycle(cCtx.Context, op)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func statsCmd(cCtx *cli.Context) error {
	out, err := remoteClient(cCtx).Stats(cCtx.Context)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
