package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	configPath string
	dataDir    string
	verbose    bool
	debugMode  bool

	// Console logger, initialized in PersistentPreRunE
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "metricsmith",
	Short: "metricsmith - self-extending analytics assistant",
	Long: `metricsmith resolves natural-language analytics requests against an
issue tracker. Requests it has never seen are answered by synthesizing a
small analysis routine, validating it, and deploying it into a registry so
later requests with the same shape reuse it.

Run "metricsmith serve" to start the HTTP assistant, or "metricsmith query"
to resolve a single request from the command line.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		config.Encoding = "console"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
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

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "metricsmith.yaml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug mode (exposes the assistant endpoint)")

	routinesCmd.AddCommand(routinesListCmd)
	routinesCmd.AddCommand(routinesRmCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(routinesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
