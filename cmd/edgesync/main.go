package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/block/edgesync/pkg/config"
	"github.com/block/edgesync/pkg/remote"
	"github.com/block/edgesync/pkg/schema"
	"github.com/block/edgesync/pkg/state"
	syncpkg "github.com/block/edgesync/pkg/sync"
)

// common holds the flags every subcommand needs to build a Settings and an
// Orchestrator: credentials, the local database, and the handful of sync
// toggles an operator is likely to flip per run.
type common struct {
	Database      string   `arg:"" help:"Path to the local SQLite database file."`
	AccountID     string   `env:"EDGESYNC_ACCOUNT_ID" help:"Remote account identifier." required:""`
	DatabaseID    string   `env:"EDGESYNC_DATABASE_ID" help:"Remote database identifier." required:""`
	Token         string   `env:"EDGESYNC_API_TOKEN" help:"Bearer token for the remote API." required:""`
	Config        string   `help:"Path to an optional YAML/TOML/JSON config file."`
	Tier          string   `help:"Remote tier, used to size batch and concurrency limits." default:"free"`
	Tables        []string `help:"Only sync these tables (default: all)."`
	ExcludeTables []string `help:"Skip these tables."`
	DryRun        bool     `help:"Plan the run and report counts without writing anything."`
	StateFile     string   `help:"Path to the resumable sync state file." default:".edgesync-state.json"`
}

func (c *common) buildSettings() (*config.Settings, error) {
	creds := config.Credentials{AccountID: c.AccountID, DatabaseID: c.DatabaseID, Token: c.Token}
	settings, err := config.Load(c.Config, creds, config.Tier(c.Tier))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	settings.DatabaseName = c.Database
	settings.Sync.Tables = c.Tables
	settings.Sync.ExcludeTables = c.ExcludeTables
	settings.Sync.DryRun = c.DryRun
	settings.Sync.StateFile = c.StateFile
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func (c *common) buildOrchestrator(settings *config.Settings, readOnly bool, logger logrus.FieldLogger) (*syncpkg.Orchestrator, *schema.Reader, func(), error) {
	reader, err := schema.Open(c.Database, readOnly)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening %s: %w", c.Database, err)
	}

	client := remote.New(settings.APIRoot, settings.Credentials, settings.Limits, logger)
	mgr := state.NewManager(settings.Sync.StateFile, settings.Sync.FailedRowsFile)

	orch := syncpkg.New(reader, client, mgr, settings, c.Database, logger)
	cleanup := func() {
		client.Close()
		reader.Close()
	}
	return orch, reader, cleanup, nil
}

// Push uploads the local database's rows to the remote.
type Push struct {
	common
	SyncSchema      bool `help:"Create tables on the remote before uploading rows." default:"true" negatable:""`
	DropBeforeSync  bool `help:"Drop each table on the remote before creating it."`
	VerifyAfterSync bool `help:"Compare source and remote row counts after the run." default:"true" negatable:""`
	Overwrite       bool `help:"Use INSERT OR REPLACE instead of INSERT OR IGNORE."`
}

func (p *Push) Run(logger *logrus.Logger) error {
	settings, err := p.buildSettings()
	if err != nil {
		return err
	}
	settings.Sync.SyncSchema = p.SyncSchema
	settings.Sync.DropBeforeSync = p.DropBeforeSync
	settings.Sync.VerifyAfterSync = p.VerifyAfterSync
	settings.Sync.Overwrite = p.Overwrite

	orch, _, cleanup, err := p.buildOrchestrator(settings, true, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := signalContext()
	stats, err := orch.Push(ctx, logProgress(logger))
	if err != nil {
		return err
	}
	reportStats(logger, "push", stats)
	if stats.Status != syncpkg.StatusCompleted {
		return fmt.Errorf("push finished with status %s", stats.Status)
	}
	return nil
}

// Pull downloads the remote's rows into the local database.
type Pull struct {
	common
	Overwrite bool `help:"Use INSERT OR REPLACE instead of INSERT OR IGNORE for incoming rows." default:"true" negatable:""`
}

func (p *Pull) Run(logger *logrus.Logger) error {
	settings, err := p.buildSettings()
	if err != nil {
		return err
	}
	settings.Sync.Overwrite = p.Overwrite

	orch, _, cleanup, err := p.buildOrchestrator(settings, false, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := signalContext()
	stats, err := orch.Pull(ctx, logProgress(logger))
	if err != nil {
		return err
	}
	reportStats(logger, "pull", stats)
	if stats.Status != syncpkg.StatusCompleted {
		return fmt.Errorf("pull finished with status %s", stats.Status)
	}
	return nil
}

func logProgress(logger logrus.FieldLogger) syncpkg.ProgressFunc {
	return func(s syncpkg.Stats) {
		logger.Infof("tables=%d/%d rows=%s failed=%s rate=%.0f rows/s",
			s.TablesProcessed+s.TablesFailed, s.TablesTotal,
			humanize.Comma(s.RowsProcessed), humanize.Comma(s.RowsFailed), s.RowsPerSecond())
	}
}

func reportStats(logger logrus.FieldLogger, op string, stats *syncpkg.Stats) {
	logger.Infof("%s %s in %s: %s rows processed, %s failed across %d/%d tables",
		op, stats.Status, stats.Duration.Round(time.Second), humanize.Comma(stats.RowsProcessed), humanize.Comma(stats.RowsFailed),
		stats.TablesProcessed, stats.TablesTotal)
	for _, e := range stats.Errors {
		logger.Warn(e)
	}
}

// signalContext is canceled on SIGINT/SIGTERM so an interrupted run leaves
// its state file in a resumable rather than half-written condition. The
// process exits shortly after Run returns, so the cancel func is never
// called explicitly.
func signalContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx
}

var cli struct {
	Push Push `cmd:"" help:"Push rows from the local database to the remote."`
	Pull Pull `cmd:"" help:"Pull rows from the remote into the local database."`
}

func main() {
	logger := logrus.New()
	ctx := kong.Parse(&cli)
	err := ctx.Run(logger)
	ctx.FatalIfErrorf(err)
}
