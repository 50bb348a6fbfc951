package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/chainlake/internal/control"
	"github.com/vietddude/chainlake/internal/core/config"
)

var (
	cfgPath string
	isDebug bool
	roles   []string
)

var rootCmd = &cobra.Command{
	Use:   "chainlake",
	Short: "Chainlake multi-chain indexing pipeline",
	Long: `Chainlake collects block headers and transactions from EVM, UTXO and SVM chains,
decodes them and lands them in a DuckLake lakehouse over NATS.`,
	Run: runDaemon,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the roles enabled in the config",
	Run:   runDaemon,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	runCmd.Flags().StringSliceVar(&roles, "roles", nil,
		"roles to run, overriding the config (subscriber,txworker,write_gateway,read_gateway,scheduler,notifier)")
	rootCmd.AddCommand(runCmd)
}

// loadConfig reads the config and installs the process logger. Errors are
// logged with the default handler and exit the process.
func loadConfig() *config.AppConfig {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	slogLevel := slog.LevelInfo
	_ = slogLevel.UnmarshalText([]byte(cfg.Logging.Level))
	if isDebug {
		slogLevel = slog.LevelDebug
	}
	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})
	return cfg
}

func parseRoles(names []string) (config.RolesConfig, error) {
	var r config.RolesConfig
	for _, name := range names {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case "subscriber":
			r.Subscriber = true
		case "txworker":
			r.TxWorker = true
		case "write_gateway":
			r.WriteGateway = true
		case "read_gateway":
			r.ReadGateway = true
		case "scheduler":
			r.Scheduler = true
		case "notifier":
			r.Notifier = true
		case "":
		default:
			return r, fmt.Errorf("unknown role %q", name)
		}
	}
	return r, nil
}

func runDaemon(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if len(roles) > 0 {
		r, err := parseRoles(roles)
		if err != nil {
			slog.Error("Invalid --roles", "error", err)
			os.Exit(1)
		}
		cfg.Roles = r
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := control.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize chainlake", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start chainlake", "error", err)
		_ = app.Stop(context.Background())
		os.Exit(1)
	}

	slog.Info("Config loaded", "config", cfgPath)

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
}
