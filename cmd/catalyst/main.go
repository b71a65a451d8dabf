package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/catalyst-gg/catalyst/pkg/alert"
	"github.com/catalyst-gg/catalyst/pkg/config"
	"github.com/catalyst-gg/catalyst/pkg/events"
	"github.com/catalyst-gg/catalyst/pkg/gateway"
	"github.com/catalyst-gg/catalyst/pkg/log"
	"github.com/catalyst-gg/catalyst/pkg/metrics"
	"github.com/catalyst-gg/catalyst/pkg/scheduler"
	"github.com/catalyst-gg/catalyst/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "catalyst",
	Short: "Catalyst - Control plane for containerized game server fleets",
	Long: `Catalyst is the backend for a fleet of game and application servers
running in containers on remote nodes. It terminates one WebSocket
channel per node agent and per user client, owns the server lifecycle
state machine, runs cron-scheduled tasks, and raises alerts when
resource thresholds trip or nodes go quiet.`,
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Catalyst backend",
	Long: `Run the backend: gateway, scheduler, alert engine and the
maintenance loops. Configuration comes from the environment, with an
optional YAML file layered underneath.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServe(configPath)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Catalyst version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("config", "", "Path to a YAML config file (environment variables override it)")
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	metrics.SetVersion(Version)

	store, backend, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	fmt.Printf("✓ Store ready (%s)\n", backend)

	broker := events.NewBroker()
	broker.Start()

	// Audit trail: every fleet event lands in the structured log no
	// matter which subsystem raised it.
	auditSub := broker.Subscribe()
	go auditLoop(auditSub)

	gw, err := gateway.New(cfg, store, broker)
	if err != nil {
		broker.Stop()
		store.Close()
		return fmt.Errorf("create gateway: %w", err)
	}

	sched := scheduler.New(cfg, store, gw, gw.Lifecycle())
	engine := alert.New(cfg, store, broker, alert.NewHTTPWebhookSender(), alert.NewSMTPMailer(cfg.SMTP))
	collector := metrics.NewCollector(cfg, store)
	retention := storage.NewRetention(store, time.Duration(cfg.RetentionDays)*24*time.Hour)

	if err := gw.Start(); err != nil {
		broker.Stop()
		store.Close()
		return fmt.Errorf("start gateway: %w", err)
	}
	fmt.Printf("✓ Gateway listening on %s\n", gw.Addr())

	if err := sched.Start(); err != nil {
		gw.Stop()
		broker.Stop()
		store.Close()
		return fmt.Errorf("start scheduler: %w", err)
	}
	fmt.Println("✓ Task scheduler started")

	engine.Start()
	fmt.Println("✓ Alert engine started")

	collector.Start()
	retention.Start()
	fmt.Println("✓ Maintenance loops started")

	fmt.Println()
	fmt.Println("Catalyst is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")

	// Reverse start order: stop producers before the channels they
	// publish into.
	retention.Stop()
	collector.Stop()
	engine.Stop()
	sched.Stop()
	gw.Stop()
	broker.Stop()
	broker.Unsubscribe(auditSub)
	if err := store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}

// auditLoop mirrors fleet events into the structured log. It returns
// when the subscription channel is closed.
func auditLoop(sub events.Subscriber) {
	logger := log.WithComponent("audit")
	for ev := range sub {
		entry := logger.Info().Str("event", string(ev.Type))
		for k, v := range ev.Metadata {
			entry = entry.Str(k, v)
		}
		entry.Msg(ev.Message)
	}
}

// openStore picks Postgres when a DATABASE_URL is configured, otherwise
// a BoltDB file under the data directory.
func openStore(cfg *config.Config) (storage.Store, string, error) {
	if cfg.DatabaseURL != "" {
		store, err := storage.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return nil, "", err
		}
		return store, "postgres", nil
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, "", err
	}
	return store, "boltdb", nil
}
