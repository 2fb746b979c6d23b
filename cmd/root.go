package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentic-research/stratum/internal/config"
	"github.com/agentic-research/stratum/internal/graph"
	"github.com/agentic-research/stratum/internal/metrics"
	"github.com/agentic-research/stratum/internal/service"
)

// Version is set by the linker at release time.
var Version = "dev"

var (
	configPath string
	logLevel   string
	logFormat  string
	storePath  string
)

// app holds what a subcommand needs once config is loaded.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       graph.Store
	checkpoints service.CheckpointStore
	metrics     *metrics.Metrics
	svc         *service.Service
}

var current *app

var rootCmd = &cobra.Command{
	Use:   "stratum",
	Short: "Linked-data entity graph for archaeological records",
	Long: `stratum stores items, assertions and space-time facts and derives
inherited geometry and chronology, canonical equivalents, human-remains
sensitivity flags and duplicate-subtree merges on top of them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		current = a
		return nil
	},
}

func init() {
	cobra.OnFinalize(closeApp)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to stratum.yaml (default: search upward from the working directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&storePath, "db", "", "Override the sqlite store path")
}

func openApp(stderr io.Writer) (*app, error) {
	bootLogger := config.NewLogger(config.LogConfig{Level: logLevel, Format: logFormat}, stderr)
	cfg, err := config.NewLoader(bootLogger).Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if storePath != "" {
		cfg.Store.Driver = "sqlite"
		cfg.Store.Path = storePath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := config.NewLogger(cfg.Log, stderr)

	store, err := service.OpenStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	checkpoints, err := service.OpenCheckpoints(cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open checkpoints: %w", err)
	}
	m := metrics.New()
	svc := service.New(store, cfg, service.Options{
		Checkpoints: checkpoints,
		Metrics:     m,
		Logger:      logger,
	})
	return &app{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		checkpoints: checkpoints,
		metrics:     m,
		svc:         svc,
	}, nil
}

// closeApp runs after every command, including failed ones.
func closeApp() {
	if current == nil {
		return
	}
	if err := current.checkpoints.Close(); err != nil {
		current.logger.Warn("closing checkpoints", slog.Any("error", err))
	}
	if err := current.svc.Close(); err != nil {
		current.logger.Warn("closing store", slog.Any("error", err))
	}
	current = nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
