package core

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

const (
	BaseDirName       = ".config/frpvisor"
	ConfigFileName    = "config.hcl"
	PidFileName       = "daemon.pid"
	SocketName        = "daemon.sock"
	StateFileName     = "tunnel_state.json"
	AutostartFileName = "autostart.json"
	DatabaseFileName  = "frpvisor.db"
)

func GetSocketPath() string {
	return filepath.Join(Config.ConfigPath, SocketName)
}

func GetPIDFilePath() string {
	return filepath.Join(Config.ConfigPath, PidFileName)
}

func GetConfigFilePath() string {
	return filepath.Join(Config.ConfigPath, ConfigFileName)
}

func GetStatePath() string {
	return filepath.Join(Config.ConfigPath, StateFileName)
}

func GetAutostartPath() string {
	return filepath.Join(Config.ConfigPath, AutostartFileName)
}

func GetDatabasePath() string {
	return filepath.Join(Config.ConfigPath, DatabaseFileName)
}

// InitializeConfig loads the configuration for the directory named by the
// persistent --config-path flag and applies the --verbose flag on top.
func InitializeConfig(cmd *cobra.Command) error {
	configPath, err := cmd.Flags().GetString("config-path")
	if err != nil {
		return fmt.Errorf("unable to determine config path: %w", err)
	}

	cfg, err := LoadConfigOrDefault(configPath)
	if err != nil {
		return err
	}

	if verbose, err := cmd.Flags().GetCount("verbose"); err == nil && cmd.Flags().Changed("verbose") {
		cfg.Verbose = verbose
	}

	Config = cfg
	return nil
}
