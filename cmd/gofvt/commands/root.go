package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gofvt/internal/config"
)

var (
	// cfg is the layered configuration, loaded in PersistentPreRunE.
	cfg *config.Config

	// logger writes to stderr so command output on stdout stays parseable.
	logger *slog.Logger

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// configPath is the optional YAML configuration file.
	configPath string
)

// rootCmd is the top-level cobra command for gofvt.
var rootCmd = &cobra.Command{
	Use:   "gofvt",
	Short: "Conformance oracle for OpenFlow intermediaries",
	Long: "gofvt simulates switches and controllers around an OpenFlow intermediary, " +
		"drives frames through it and checks what arrives on the other side.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		logger = slog.New(config.NewLogHandler(cfg.Log, os.Stderr))
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", formatTable,
		"output format: table, json")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(handshakeCmd())
	rootCmd.AddCommand(selftestCmd())
	rootCmd.AddCommand(rpcCmd())
	rootCmd.AddCommand(transcriptCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
