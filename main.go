package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/deemkeen/apcore/activitypub"
	"github.com/deemkeen/apcore/db"
	"github.com/deemkeen/apcore/domain"
	"github.com/deemkeen/apcore/util"
	"github.com/deemkeen/apcore/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	configFile string
	verbose    bool
)

// app is what every command needs: config, logger and the migrated database.
type app struct {
	conf *util.AppConfig
	log  *zap.Logger
	db   *db.DB
}

func main() {
	rootCmd := &cobra.Command{
		Use:           util.Name,
		Short:         "ActivityPub federation server",
		Long:          "Signs, queues and delivers activities for local actors and processes what remote servers send to their inboxes.",
		Version:       util.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		actorCmd(),
		keysCmd(),
		publishCmd(),
		reprocessCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setup(ctx context.Context) (*app, error) {
	bootLog, err := util.SetupLogger(verbose)
	if err != nil {
		return nil, fmt.Errorf("setup logger: %w", err)
	}

	var conf *util.AppConfig
	if configFile != "" {
		conf, err = util.ReadConfFrom(configFile)
	} else {
		conf, err = util.ReadConf(bootLog)
	}
	if err != nil {
		return nil, err
	}

	logger := bootLog
	if conf.Conf.Verbose && !verbose {
		if logger, err = util.SetupLogger(true); err != nil {
			return nil, fmt.Errorf("setup logger: %w", err)
		}
	}
	logger.Debug("Configuration", zap.String("conf", util.PrettyPrint(conf)))

	database, err := db.Open(util.ResolveFilePath(conf.Conf.DbPath), logger, nil)
	if err != nil {
		return nil, err
	}
	if err := database.RunMigrations(ctx); err != nil {
		database.Close()
		return nil, err
	}
	return &app{conf: conf, log: logger, db: database}, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.log.Warn("Closing database", zap.Error(err))
	}
	_ = a.log.Sync()
}

// federation builds and starts the federation components. A nil registry keeps metrics private.
func (a *app) federation(ctx context.Context, registry prometheus.Registerer) (*activitypub.Federation, error) {
	fed, err := activitypub.New(a.db, a.conf, registry, nil, a.log)
	if err != nil {
		return nil, err
	}
	if err := fed.Start(ctx); err != nil {
		return nil, err
	}
	return fed, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the delivery worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			registry := prometheus.NewRegistry()
			registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			fed, err := a.federation(ctx, registry)
			if err != nil {
				return err
			}

			a.log.Info("Starting "+util.GetNameAndVersion(),
				zap.String("domain", a.conf.Conf.SslDomain),
				zap.String("actorMode", a.conf.Conf.ActorMode))

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				fed.Runner.Run(ctx)
				return nil
			})
			g.Go(func() error {
				return web.NewServer(fed, a.conf, registry, a.log).Serve(ctx)
			})
			return g.Wait()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			a.log.Info("Database migrations complete")
			return nil
		},
	}
}

func actorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actor",
		Short: "Manage local actors",
	}

	var (
		actorType  string
		noFederate bool
	)
	add := &cobra.Command{
		Use:   "add <username>",
		Short: "Provision a local actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			acc, err := a.db.CreateAccount(cmd.Context(), args[0], domain.ActorType(actorType), !noFederate)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created actor %s\n", acc.ToString())
			return nil
		},
	}
	add.Flags().StringVar(&actorType, "type", string(domain.ActorPerson), "ActivityStreams actor type")
	add.Flags().BoolVar(&noFederate, "no-federate", false, "keep the actor off the fediverse")

	cmd.AddCommand(add)
	return cmd
}

func keysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys <username>",
		Short: "Print the public key of an actor, generating the keypair on first use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			fed, err := a.federation(ctx, nil)
			if err != nil {
				return err
			}
			acc, err := a.db.ReadAccByUsername(ctx, args[0])
			if err != nil {
				return fmt.Errorf("actor %s: %w", args[0], err)
			}
			pem, err := fed.Keys.PublicKeyPEM(ctx, acc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s", fed.Directory.KeyID(acc), pem)
			return nil
		},
	}
}

func publishCmd() *cobra.Command {
	var (
		activityType string
		visibility   string
	)
	cmd := &cobra.Command{
		Use:   "publish <username> <file|->",
		Short: "Queue a JSON object or activity for delivery to followers",
		Long:  "Queues the payload in the outbox. The running server delivers it on its next tick.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			raw, err := readPayload(cmd.InOrStdin(), args[1])
			if err != nil {
				return err
			}
			var payload map[string]any
			if err := json.Unmarshal(raw, &payload); err != nil {
				return fmt.Errorf("payload is not a JSON object: %w", err)
			}

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			fed, err := a.federation(ctx, nil)
			if err != nil {
				return err
			}

			id, err := fed.Publish(ctx, args[0], payload, activityType, visibility)
			if err != nil {
				return err
			}
			if id == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "Dropped by an outbox hook")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&activityType, "type", "Create", "activity type wrapping a plain object")
	cmd.Flags().StringVar(&visibility, "visibility", string(domain.VisibilityPublic), "public, quiet_public or private")
	return cmd
}

func readPayload(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func reprocessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess",
		Short: "Reschedule every outbox item that is not published yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			fed, err := a.federation(ctx, nil)
			if err != nil {
				return err
			}

			n, err := fed.Scheduler.ReprocessOutbox(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rescheduled %d outbox items\n", n)
			return nil
		},
	}
}
