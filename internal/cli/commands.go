package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"docload/internal/config"
	"docload/internal/dbclient"
	mcpserver "docload/internal/mcp"
	"docload/internal/secret"
	"docload/internal/service"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// ── Runs ───────────────────────────────────────────────────

func seedCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <version>",
		Short: "Load the CSV exports of a version into Postgres",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd, opts, args[0], service.ModeSeed)
		},
	}
}

func buildCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "build <version> <copy|structured|all|full>",
		Short: "Rebuild the document databases of a version",
		Long: `
copy        copies every table into the raw document database
structured  builds the denormalized entities into the structured database
all         copy, then structured
full        seed, then copy, then structured
`,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(2)(cmd, args); err != nil {
				return err
			}
			if args[1] == service.ModeSeed || !service.ValidMode(args[1]) {
				return fmt.Errorf("%w: %q (want copy, structured, all or full)", service.ErrUnknownMode, args[1])
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd, opts, args[0], args[1])
		},
	}
}

func runMode(cmd *cobra.Command, opts *options, version, mode string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	return opts.withService(func(svc *service.RebuildService) error {
		out, err := svc.Run(ctx, version, mode)
		if out != nil {
			printOutcome(cmd.OutOrStdout(), out)
		}
		if err != nil {
			return err
		}
		if err := out.Err(); err != nil {
			return fmt.Errorf("%s finished with errors: %w", version, err)
		}
		return nil
	})
}

// ── Triggers ───────────────────────────────────────────────

func scheduleCommand(opts *options) *cobra.Command {
	mode := service.ModeAll
	cmd := &cobra.Command{
		Use:   "schedule <version...>",
		Short: "Rebuild versions on their cron schedules until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return opts.withService(func(svc *service.RebuildService) error {
				if err := svc.Schedule(ctx, args, mode); err != nil {
					return err
				}
				<-ctx.Done()
				return shutdown(svc)
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", mode, "mode each scheduled run uses")
	return cmd
}

func watchCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <version>",
		Short: "Re-seed and rebuild a version whenever its files change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return opts.withService(func(svc *service.RebuildService) error {
				if err := svc.Watch(ctx, args[0]); err != nil {
					return err
				}
				<-ctx.Done()
				return shutdown(svc)
			})
		},
	}
}

// shutdown stops the triggers and gives running rebuilds time to finish.
func shutdown(svc *service.RebuildService) error {
	log.Info("shutting down")
	svc.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	svc.WaitRunning(ctx)
	return nil
}

func checkCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check <version>",
		Short: "Verify that the source has every table a version copies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return opts.withService(func(svc *service.RebuildService) error {
				report, err := svc.Check(ctx, args[0])
				if err != nil {
					return err
				}
				printCheck(cmd.OutOrStdout(), report)
				if !report.OK() {
					return fmt.Errorf("%s: source is missing %s", report.Version, strings.Join(report.Missing, ", "))
				}
				return nil
			})
		},
	}
}

// ── History ────────────────────────────────────────────────

func historyCommand(opts *options) *cobra.Command {
	limit := 20
	var runID string
	cmd := &cobra.Command{
		Use:   "history [version]",
		Short: "Show recorded runs, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, history, err := opts.openHistory()
			if err != nil {
				return err
			}
			defer db.Close()

			if runID != "" {
				run, err := history.GetRun(runID)
				if err != nil {
					return err
				}
				entities, err := history.ListEntityRuns(runID)
				if err != nil {
					return err
				}
				printEntityRuns(cmd.OutOrStdout(), run, entities)
				return nil
			}

			version := ""
			if len(args) == 1 {
				version = args[0]
			}
			runs, err := history.ListRuns(version, limit)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", limit, "maximum runs to show")
	cmd.Flags().StringVar(&runID, "run", "", "show the collections of one run")
	return cmd
}

func versionsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "versions",
		Short: "List the version files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			names, err := config.ListVersions(opts.versionsDir)
			if err != nil {
				return err
			}
			if len(names) == 0 {
				return fmt.Errorf("%w: no version files in %s", config.ErrVersionNotFound, opts.versionsDir)
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(names, "\n"))
			return nil
		},
	}
}

// ── Secrets ────────────────────────────────────────────────

func secretCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage database passwords in the macOS keychain",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <database>",
		Short: "Store the password read from stdin for a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("read password: %w", err)
			}
			password := strings.TrimRight(line, "\r\n")
			if password == "" {
				return errors.New("empty password")
			}
			if err := secret.NewKeychain(secret.KeychainService).Set(args[0], []byte(password)); err != nil {
				return err
			}
			log.WithField("database", args[0]).Info("password stored")
			return nil
		},
	})
	return cmd
}

// ── Query server ───────────────────────────────────────────

func mcpCommand(opts *options) *cobra.Command {
	var (
		database string
		limit    int64
	)
	cmd := &cobra.Command{
		Use:   "mcp [version]",
		Short: "Serve the structured database to assistants over MCP (stdio)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if database == "" && len(args) == 1 {
				v, err := config.LoadVersion(opts.versionsDir, args[0])
				if err != nil {
					return err
				}
				database = v.TargetMongoStructured
			}
			if database == "" {
				return errors.New("name a version or pass --database")
			}

			client, err := dbclient.ConnectMongo(config.MongoURI(opts.configDir))
			if err != nil {
				return err
			}
			defer client.Close()

			srv := mcpserver.New(mcpserver.Deps{
				Store:    client.Store(database),
				Database: database,
				Limit:    limit,
			})
			return srv.ServeStdio()
		},
	}
	cmd.Flags().StringVar(&database, "database", "", "document database to serve (default: the version's structured target)")
	cmd.Flags().Int64Var(&limit, "limit", 0, "maximum documents per query (default 100)")
	return cmd
}
