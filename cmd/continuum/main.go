package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"continuum/internal/config"
	"continuum/internal/gateway"
	"continuum/internal/logging"
	"continuum/internal/registry"
	"continuum/internal/rooms"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version is stamped at build time via -ldflags.
var Version = "0.3.0-dev"

var (
	// Global flags
	verbose    bool
	workspace  string
	listenAddr string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "continuum",
	Short: "Continuum - cross-environment command and event correlation core",
	Long: `Continuum is the coordination core for a multi-surface collaboration
platform. It routes correlated request/response envelopes between local
daemons and remote execution contexts over WebSocket, with one command
registry describing every operation regardless of where it runs.

Run 'continuum serve' to start the gateway.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// serveCmd runs the gateway until interrupted
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the correlation gateway",
	Long: `Starts the gateway process:
  1. Loads configuration from .continuum/config.yaml (if present)
  2. Registers built-in daemon commands plus manifest-discovered ones
  3. Starts the room daemon and the WebSocket transport
  4. Serves until SIGINT/SIGTERM, then drains in order`,
	RunE: runServe,
}

// commandsCmd lists every registered command definition
var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List registered commands and their execution affinity",
	RunE:  listCommands,
}

// versionCmd prints the build version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the continuum version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("continuum %s\n", Version)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")

	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(commandsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runServe brings up the full gateway and blocks until shutdown.
func runServe(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}

	if err := logging.Initialize(ws); err != nil {
		return fmt.Errorf("failed to initialize file logging: %w", err)
	}
	defer logging.CloseAll()

	cfg, err := config.Load(ws)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to construct gateway: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	logger.Info("Starting gateway",
		zap.String("listen", cfg.Server.ListenAddr),
		zap.String("workspace", ws))
	return gw.Run(ctx)
}

// listCommands prints the registry the serve process would start with,
// without opening any sockets or databases.
func listCommands(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}
	cfg, err := config.Load(ws)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	reg := registry.New()
	if err := rooms.RegisterCommandDefinitions(reg); err != nil {
		return err
	}
	if err := reg.LoadManifests(cfg.Registry.ManifestDir); err != nil {
		return fmt.Errorf("failed to load manifests: %w", err)
	}

	defs := reg.List("")
	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].Category != defs[j].Category {
			return defs[i].Category < defs[j].Category
		}
		return defs[i].Name < defs[j].Name
	})

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tNAME\tAFFINITY\tPARAMS")
	for _, def := range defs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", def.Category, def.Name, def.Affinity, len(def.Params))
	}
	return tw.Flush()
}

func resolveWorkspace() (string, error) {
	if workspace != "" {
		return workspace, nil
	}
	ws, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace: %w", err)
	}
	return ws, nil
}
