package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"docload/internal/config"
	"docload/internal/service"
	"docload/internal/storage"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const rootHelper = `
Seeds dataset versions from CSV exports into Postgres and rebuilds them as
MongoDB document databases: a raw copy with one collection per table, and
a structured database of denormalized entities.

Each version is a YAML file in the versions directory. Connection details
come from the environment (PGHOST, PGUSER, PGPASSWORD, MONGO_URI), a .env
file or config.yaml in the config directory.
`

// options are the flags shared by every command.
type options struct {
	versionsDir string
	configDir   string
	historyPath string
	logLevel    string
}

// NewRootCommand builds the docload command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "docload",
		Short:         "Relational to document database loader",
		Long:          rootHelper,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setup()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.versionsDir, "versions", "versions", "directory holding the version files")
	flags.StringVar(&opts.configDir, "config-dir", ".", "directory holding config.yaml and .env")
	flags.StringVar(&opts.historyPath, "history", "", "run history database (default <config-dir>/history.db)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		seedCommand(opts),
		buildCommand(opts),
		checkCommand(opts),
		historyCommand(opts),
		versionsCommand(opts),
		scheduleCommand(opts),
		watchCommand(opts),
		mcpCommand(opts),
		secretCommand(),
	)
	return root
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	if err := NewRootCommand().Execute(); err != nil {
		log.WithError(err).Error("docload failed")
		return 1
	}
	return 0
}

func (o *options) setup() error {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	level, err := log.ParseLevel(o.logLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(level)

	if err := config.LoadDotEnv(o.configDir); err != nil {
		return err
	}
	if o.historyPath == "" {
		o.historyPath = filepath.Join(o.configDir, "history.db")
	}
	return nil
}

// openHistory opens the run history. The caller closes the returned DB.
func (o *options) openHistory() (*storage.DB, *storage.RunStore, error) {
	db, err := storage.New(o.historyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open history: %w", err)
	}
	return db, storage.NewRunStore(db), nil
}

// withService opens the history and a RebuildService wired to the live
// stores, and runs fn with them.
func (o *options) withService(fn func(*service.RebuildService) error) error {
	db, history, err := o.openHistory()
	if err != nil {
		return err
	}
	defer db.Close()

	dial := service.MongoDialer(config.MongoURI(o.configDir))
	return fn(service.NewRebuildService(o.versionsDir, history, service.LogEmitter{}, dial))
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
