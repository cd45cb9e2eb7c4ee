package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"postal/internal/config"
	"postal/internal/constants"
	"postal/internal/envelope"
	"postal/internal/logger"
	"postal/internal/transport/tcp"
	"postal/pkg/bootstrap"
	"postal/pkg/logging"
	"postal/pkg/migrations"
)

var (
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "postal",
		Short: "Local queueing and durable delivery runtime",
		Long:  "postal runs message endpoints with inline, buffered or durable delivery and relays envelopes between nodes over TCP",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(pingCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the config path from the flag or CONFIG_FILE and builds
// the logger from it.
func loadConfig(earlyLog *logging.EarlyLog) (*config.Config, logger.Logger, error) {
	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
		if configFile == "" {
			earlyLog.Error("Config file is required. Use --config flag or CONFIG_FILE environment variable")
			return nil, nil, fmt.Errorf("config file is required")
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		earlyLog.Error("Failed to load config: %v", err)
		return nil, nil, err
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		earlyLog.Error("Failed to init logger: %v", err)
		return nil, nil, err
	}
	if sugared, ok := log.(*logger.SugaredLogger); ok {
		sugared.SetServiceName(cfg.Node.ServiceName)
	}
	return cfg, log, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(logging.NewEarlyLog())
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			ctx = logging.WithServiceName(ctx, cfg.Node.ServiceName)
			ctx = logging.WithNodeID(ctx, cfg.Node.ID)
			log.InfowCtx(ctx, "Starting postal node", "endpoints", len(cfg.Endpoints))

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.ErrorwCtx(ctx, "Failed to initialize application", "error", err)
				_ = app.Shutdown(context.Background())
				return err
			}

			if err := app.Run(ctx); err != nil {
				log.ErrorwCtx(ctx, "Application error", "error", err)
				return err
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the envelope store schema and dead letter indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(logging.NewEarlyLog())
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			connector := bootstrap.NewDatabaseConnector(cfg, log)

			db, err := connector.InitSQL(ctx)
			if err != nil {
				return err
			}
			if db != nil {
				defer db.Close()
				if down {
					err = migrations.DownSQL(db.DB, cfg.Persistence.Type)
				} else {
					err = migrations.UpSQL(db.DB, cfg.Persistence.Type)
				}
				if err != nil {
					return err
				}
				log.Infow("SQL migrations applied", "store", cfg.Persistence.Type, "down", down)
			}

			if cfg.DeadLetters.MongoDB.Enabled && !down {
				client, err := connector.InitMongoDB(ctx)
				if err != nil {
					return err
				}
				if client != nil {
					defer client.Disconnect(context.Background())
					database := client.Database(cfg.Database.MongoDB.Database)
					if err := migrations.EnsureDeadLetterCollection(ctx, database, cfg.DeadLetters.MongoDB.Collection); err != nil {
						return err
					}
					log.Infow("MongoDB dead letter indexes ensured", "collection", cfg.DeadLetters.MongoDB.Collection)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "Roll the SQL schema back instead of applying it")
	return cmd
}

func pingCmd() *cobra.Command {
	var (
		address     string
		timeout     time.Duration
		compression bool
	)

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Send a ping batch to a remote node's listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			if address == "" {
				return fmt.Errorf("--address is required")
			}

			codec, err := envelope.NewBatchCodec(compression)
			if err != nil {
				return err
			}
			defer codec.Close()

			sender := tcp.NewSender(address, codec, tcp.SenderConfig{ConnectTimeout: timeout, ExchangeTimeout: timeout}, logger.NopLogger())
			defer sender.Close()

			start := time.Now()
			if err := sender.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("ping %s: %w", address, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s answered in %s\n", sender.Destination(), time.Since(start).Round(time.Microsecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "Remote listener host:port")
	cmd.Flags().DurationVar(&timeout, "timeout", constants.DefaultSocketTimeout, "Connect and exchange timeout")
	cmd.Flags().BoolVar(&compression, "compression", false, "Compress the ping frame")
	return cmd
}
