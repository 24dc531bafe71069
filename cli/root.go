// Package cli wires configuration, storage, transport and the peer manager
// into the peerlink command tree.
package cli

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"peerlink/config"
)

var (
	dataDir string
	verbose bool
	logger  zerolog.Logger
)

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "peerlink",
		Short:         "Pair with nearby nodes and exchange signed messages",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dataDir != "" {
				if err := os.Setenv(config.DataDirEnv, dataDir); err != nil {
					return err
				}
			}
			logger = newLogger(verbose)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default per-user config dir, or $"+config.DataDirEnv+")")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		infoCmd(),
		setPasswordCmd(),
		discoverCmd(),
		pairCmd(),
		unpairCmd(),
		peersCmd(),
		pingCmd(),
		listenCmd(),
	)
	return root
}

func newLogger(debug bool) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(output).Level(level).With().Timestamp().Str("app", "peerlink").Logger()
}
