package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/evalpipe/internal/config"
	"github.com/danielpatrickdp/evalpipe/internal/logging"
	"github.com/danielpatrickdp/evalpipe/internal/store"
)

var (
	// Global flags
	configPath string
	dbPath     string
	verbose    bool

	// Set up in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
	db     *store.Store
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "evalpipe",
	Short: "Evaluation and self-optimization pipeline for the assistant's prompts",
	Long: `evalpipe keeps a library of test cases for the deck assistant, scores
how useful each one is, curates a golden set of the hardest cases, pits
challenger prompts against the live one and promotes winners that clear the
gate. Recurring batch runs are driven by "evalpipe schedule run-due".`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.Store.Path = dbPath
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return err
		}
		if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf)); err != nil {
			logger.Warn("set GOMAXPROCS", zap.Error(err))
		}

		if cmd.Annotations[noStore] == "true" {
			return nil
		}
		db, err = store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if db != nil {
			_ = db.Close()
		}
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// noStore marks commands that never touch the database.
const noStore = "evalpipe/no-store"

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "evalpipe.yaml", "config file (missing file uses defaults)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config and EVALPIPE_DB)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
