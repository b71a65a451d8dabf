package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/catalyst-gg/catalyst/pkg/agent"
	"github.com/catalyst-gg/catalyst/pkg/log"
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
	Use:   "catalyst-agent",
	Short: "Catalyst node agent",
	Long: `The Catalyst node agent runs on every node that hosts servers. It
keeps one WebSocket channel to the backend, executes lifecycle commands
against the local container runtime, and streams console output,
resource samples and health reports back up.

This build drives the built-in simulation runtime; real container
engines plug in through the agent Runtime interface.`,
	Version: Version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the backend and serve this node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent(cmd)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Catalyst agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("backend-url", envOr("CATALYST_BACKEND_URL", ""), "Backend WebSocket endpoint, e.g. ws://backend:3000/ws")
	runCmd.Flags().String("node-id", envOr("CATALYST_NODE_ID", ""), "This node's registered id")
	runCmd.Flags().String("secret", envOr("CATALYST_NODE_SECRET", ""), "Node secret (prefer the CATALYST_NODE_SECRET environment variable)")
	runCmd.Flags().Int("heartbeat-sec", 15, "Heartbeat interval in seconds")
	runCmd.Flags().Int("stats-sec", 30, "Resource report interval in seconds")
	runCmd.Flags().String("log-level", envOr("LOG_LEVEL", "info"), "Log level: debug, info, warn or error")
	runCmd.Flags().Bool("log-json", false, "Emit JSON logs")
}

func runAgent(cmd *cobra.Command) error {
	backendURL, _ := cmd.Flags().GetString("backend-url")
	nodeID, _ := cmd.Flags().GetString("node-id")
	secret, _ := cmd.Flags().GetString("secret")
	heartbeatSec, _ := cmd.Flags().GetInt("heartbeat-sec")
	statsSec, _ := cmd.Flags().GetInt("stats-sec")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	if backendURL == "" || nodeID == "" || secret == "" {
		return fmt.Errorf("--backend-url, --node-id and --secret are required")
	}

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})

	a := agent.New(agent.Config{
		BackendURL:        backendURL,
		NodeID:            nodeID,
		Secret:            secret,
		HeartbeatInterval: time.Duration(heartbeatSec) * time.Second,
		StatsInterval:     time.Duration(statsSec) * time.Second,
	}, agent.NewSimRuntime())

	a.Start()
	fmt.Printf("✓ Agent started for node %s\n", nodeID)
	fmt.Println("Running with the simulation runtime. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")

	a.Stop()
	fmt.Println("✓ Shutdown complete")
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
