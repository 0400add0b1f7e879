package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sablefox/conduit/internal/config"
	"github.com/sablefox/conduit/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/sablefox/conduit/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "conduitd",
	Short: "conduitd: multi-tenant agent orchestration server",
	Long:  "conduitd: a session-scoped WebSocket gateway that multiplexes client connections onto agent runs, replays chat history, and brokers tool-call rendezvous between a CLI agent and its interactive prompts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $CONDUIT_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(migrateCmd())
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the WebSocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("conduitd %s (protocol %d)\n", Version, protocol.Version)
		},
	}
}

func resolveConfigPath() string {
	return config.ResolvePath(cfgFile)
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
