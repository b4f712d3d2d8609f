package cmd

import (
	"os"
	"path/filepath"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"
	"go.olrik.dev/frpvisor/internal/core"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	homeDir, _ := os.UserHomeDir()

	rootCmd := &cobra.Command{
		Use:           "frpvisor",
		Short:         "frpvisor - FRP tunnel supervisor",
		Long:          `frpvisor - starts, monitors and recovers frpc tunnel client processes`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize config and bind global flags to the config
			return core.InitializeConfig(cmd)
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", filepath.Join(homeDir, core.BaseDirName),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	debugCmd := &cobra.Command{
		Use:    "debug",
		Short:  "Dump the effective configuration",
		Hidden: true,
		Run: func(cmd *cobra.Command, args []string) {
			spew.Dump(core.Config)
		},
	}
	rootCmd.AddCommand(
		debugCmd,
		NewDaemonCommand(),
		NewStartCommand(),
		NewQuitCommand(),
		NewConnectCommand(),
		NewDisconnectCommand(),
		NewRestartCommand(),
		NewStatusCommand(),
		NewReconnectCommand(),
		NewAutostartCommand(),
		NewSyncCommand(),
		NewLogsCommand(),
		NewRecoveryCommand(),
		NewEventsCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}
