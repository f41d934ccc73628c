package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dilemma-experiment-backend/internal/config"
	"dilemma-experiment-backend/internal/logging"
)

var (
	// Global flags
	logLevel string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "experiment",
	Short: "Prisoner's dilemma nudging experiment bot",
	Long: `Runs the Telegram bot that assigns participants to a nudging group,
talks them toward a decision and collects a short survey afterwards.

Configuration is read from the environment (BOT_TOKEN, ENCRYPTION_KEY,
EXPERIMENT_SEED, STORE_DRIVER, ...).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		level := cfg.LogLevel
		if logLevel != "" {
			level = logLevel
		}
		var err error
		logger, err = logging.New(level, cfg.LogFile)
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

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot and the HTTP API",
	Long: `Runs the bot with long polling, or with --webhook registers WEBHOOK_URL
and receives updates on WEBHOOK_PORT. The health check and the admin API are
served on HTTP_ADDR in both modes.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var deriveCmd = &cobra.Command{
	Use:   "derive [identity]",
	Short: "Print the participant id and group for an identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runDerive,
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the group split for simulated or stored participants",
	Long: `Without --stored, derives ids for the identities 1..n and reports how the
configured seed splits them. With --stored, checks the participants in the
database and lists any whose stored group no longer matches the seed.`,
	Args: cobra.NoArgs,
	RunE: runBalance,
}

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a random ENCRYPTION_KEY",
	Args:  cobra.NoArgs,
	RunE:  runGenkey,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the admin API",
	Args:  cobra.NoArgs,
	RunE:  runToken,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print experiment statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write all participant data to a JSON file",
	Args:  cobra.NoArgs,
	RunE:  runExport,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL")

	serveCmd.Flags().BoolVar(&serveWebhook, "webhook", false, "Receive updates through a webhook instead of long polling")
	serveCmd.Flags().IntVar(&maxConns, "max-conns", 0, "Concurrent connection limit per listener (default 256)")

	balanceCmd.Flags().IntVarP(&balanceN, "n", "n", 1000, "Number of simulated identities")
	balanceCmd.Flags().BoolVar(&balanceStored, "stored", false, "Check stored participants instead of simulated ones")

	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "admin", "Token subject, e.g. the operator name")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "Token lifetime")

	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file (default export_<id>.json)")
	exportCmd.Flags().BoolVar(&exportText, "text", false, "Include decrypted transcripts and free-text answers")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(deriveCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(genkeyCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
