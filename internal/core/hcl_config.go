package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/imdario/mergo"
)

// Config is the global configuration instance
var Config *Configuration

// Configuration represents the complete frpvisor configuration
type Configuration struct {
	ConfigPath string // Directory containing config, state and socket files
	Verbose    int    // Verbosity level
	Frpc       FrpcConfig
	Upstream   UpstreamConfig
	Reconnect  ReconnectConfig
	Reaper     ReaperConfig
	Recovery   RecoveryConfig
	Metrics    MetricsConfig
	Logs       LogsConfig
}

// FrpcConfig describes how tunnel client processes are spawned
type FrpcConfig struct {
	Binary         string        // Path or name of the frpc executable
	ConfigDir      string        // Directory holding the generated tunnel_<id>.ini files
	ServerPort     int           // Relay server port used when the account lookup has none
	DefaultServer  string        // Relay server host used when neither lookup nor tunnel provide one
	SystemToken    string        // Relay auth secret used when the account lookup has none
	AdminPortBase  int           // admin_port = base + id%100, 0 disables the admin listener
	StartupTimeout time.Duration // Observation window before a silent process counts as started
	StopGrace      time.Duration // Time between SIGTERM and SIGKILL
}

// UpstreamConfig points at the account/tunnel API
type UpstreamConfig struct {
	BaseURL string
	Token   string // Token used for autostart sync at boot, optional
	Timeout time.Duration
	Retries int
}

// ReconnectConfig controls the reconnect scheduler
type ReconnectConfig struct {
	Enabled     bool
	Interval    time.Duration
	MaxAttempts int // -1 retries forever
	RetryDelay  time.Duration
}

// ReaperConfig controls orphan process cleanup
type ReaperConfig struct {
	Interval     time.Duration
	ReapChildren bool // Reap zombie grandchildren when running as PID 1
}

// RecoveryConfig controls restoring persisted tunnels at boot
type RecoveryConfig struct {
	Enabled bool
	Delay   time.Duration
}

type MetricsConfig struct {
	Listen string // host:port for /metrics, empty disables
}

type LogsConfig struct {
	History int // Lines kept in the in-memory log buffer
}

// HCL parsing structs

type hclConfig struct {
	Verbose   int           `hcl:"verbose,optional"`
	Frpc      *hclFrpc      `hcl:"frpc,block"`
	Upstream  *hclUpstream  `hcl:"upstream,block"`
	Reconnect *hclReconnect `hcl:"reconnect,block"`
	Reaper    *hclReaper    `hcl:"reaper,block"`
	Recovery  *hclRecovery  `hcl:"recovery,block"`
	Metrics   *hclMetrics   `hcl:"metrics,block"`
	Logs      *hclLogs      `hcl:"logs,block"`
}

type hclFrpc struct {
	Binary         string `hcl:"binary,optional"`
	ConfigDir      string `hcl:"config_dir,optional"`
	ServerPort     int    `hcl:"server_port,optional"`
	DefaultServer  string `hcl:"default_server,optional"`
	SystemToken    string `hcl:"system_token,optional"`
	AdminPortBase  *int   `hcl:"admin_port_base,optional"`
	StartupTimeout string `hcl:"startup_timeout,optional"`
	StopGrace      string `hcl:"stop_grace,optional"`
}

type hclUpstream struct {
	BaseURL string `hcl:"base_url,optional"`
	Token   string `hcl:"token,optional"`
	Timeout string `hcl:"timeout,optional"`
	Retries int    `hcl:"retries,optional"`
}

type hclReconnect struct {
	Enabled     *bool  `hcl:"enabled,optional"`
	Interval    string `hcl:"interval,optional"`
	MaxAttempts int    `hcl:"max_attempts,optional"`
	RetryDelay  string `hcl:"retry_delay,optional"`
}

type hclReaper struct {
	Interval     string `hcl:"interval,optional"`
	ReapChildren *bool  `hcl:"reap_children,optional"`
}

type hclRecovery struct {
	Enabled *bool  `hcl:"enabled,optional"`
	Delay   string `hcl:"delay,optional"`
}

type hclMetrics struct {
	Listen string `hcl:"listen,optional"`
}

type hclLogs struct {
	History int `hcl:"history,optional"`
}

// DefaultConfiguration returns the built-in settings rooted at configPath
func DefaultConfiguration(configPath string) *Configuration {
	return &Configuration{
		ConfigPath: configPath,
		Frpc: FrpcConfig{
			Binary:         "frpc",
			ConfigDir:      filepath.Join(configPath, "tunnels"),
			ServerPort:     7000,
			DefaultServer:  "cf-v2.uapis.cn",
			SystemToken:    "ChmlFrpToken",
			AdminPortBase:  7400,
			StartupTimeout: 5 * time.Second,
			StopGrace:      2 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL: "http://cf-v2.uapis.cn",
			Timeout: 10 * time.Second,
			Retries: 2,
		},
		Reconnect: ReconnectConfig{
			Enabled:     true,
			Interval:    30 * time.Second,
			MaxAttempts: 10,
			RetryDelay:  5 * time.Second,
		},
		Reaper: ReaperConfig{
			Interval:     5 * time.Minute,
			ReapChildren: true,
		},
		Recovery: RecoveryConfig{
			Enabled: true,
			Delay:   2 * time.Second,
		},
		Logs: LogsConfig{
			History: 1000,
		},
	}
}

// LoadConfig loads the HCL configuration file and returns a Configuration struct.
// Settings missing from the file are taken from DefaultConfiguration.
func LoadConfig(filename string) (*Configuration, error) {
	var hclCfg hclConfig

	err := hclsimple.DecodeFile(filename, nil, &hclCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	configPath := filepath.Dir(filename)
	cfg := &Configuration{
		ConfigPath: configPath,
		Verbose:    hclCfg.Verbose,
	}

	if f := hclCfg.Frpc; f != nil {
		cfg.Frpc = FrpcConfig{
			Binary:        f.Binary,
			ConfigDir:     f.ConfigDir,
			ServerPort:    f.ServerPort,
			DefaultServer: f.DefaultServer,
			SystemToken:   f.SystemToken,
		}
		if cfg.Frpc.StartupTimeout, err = parseDuration("frpc.startup_timeout", f.StartupTimeout); err != nil {
			return nil, err
		}
		if cfg.Frpc.StopGrace, err = parseDuration("frpc.stop_grace", f.StopGrace); err != nil {
			return nil, err
		}
	}

	if u := hclCfg.Upstream; u != nil {
		cfg.Upstream = UpstreamConfig{BaseURL: u.BaseURL, Token: u.Token, Retries: u.Retries}
		if cfg.Upstream.Timeout, err = parseDuration("upstream.timeout", u.Timeout); err != nil {
			return nil, err
		}
	}

	if r := hclCfg.Reconnect; r != nil {
		cfg.Reconnect.MaxAttempts = r.MaxAttempts
		if cfg.Reconnect.Interval, err = parseDuration("reconnect.interval", r.Interval); err != nil {
			return nil, err
		}
		if cfg.Reconnect.RetryDelay, err = parseDuration("reconnect.retry_delay", r.RetryDelay); err != nil {
			return nil, err
		}
	}

	var reaperInterval *time.Duration
	if r := hclCfg.Reaper; r != nil && r.Interval != "" {
		d, err := parseDuration("reaper.interval", r.Interval)
		if err != nil {
			return nil, err
		}
		reaperInterval = &d
	}

	if r := hclCfg.Recovery; r != nil {
		if cfg.Recovery.Delay, err = parseDuration("recovery.delay", r.Delay); err != nil {
			return nil, err
		}
	}

	if hclCfg.Metrics != nil {
		cfg.Metrics.Listen = hclCfg.Metrics.Listen
	}
	if hclCfg.Logs != nil {
		cfg.Logs.History = hclCfg.Logs.History
	}

	// Fill zero values from the defaults
	defaults := DefaultConfiguration(configPath)
	if err := mergo.Merge(cfg, *defaults); err != nil {
		return nil, fmt.Errorf("failed to apply default configuration: %w", err)
	}

	// A zero admin port base or reaper interval switches the feature off, so
	// an explicit zero has to survive the merge
	if f := hclCfg.Frpc; f != nil && f.AdminPortBase != nil {
		if *f.AdminPortBase < 0 {
			return nil, fmt.Errorf("frpc.admin_port_base must not be negative, got %d", *f.AdminPortBase)
		}
		cfg.Frpc.AdminPortBase = *f.AdminPortBase
	}
	if reaperInterval != nil {
		cfg.Reaper.Interval = *reaperInterval
	}

	// Booleans default to true, so a zero value cannot be told apart from "unset"
	cfg.Reconnect.Enabled = boolOrDefault(hclCfg.Reconnect != nil, func() *bool { return hclCfg.Reconnect.Enabled }, defaults.Reconnect.Enabled)
	cfg.Reaper.ReapChildren = boolOrDefault(hclCfg.Reaper != nil, func() *bool { return hclCfg.Reaper.ReapChildren }, defaults.Reaper.ReapChildren)
	cfg.Recovery.Enabled = boolOrDefault(hclCfg.Recovery != nil, func() *bool { return hclCfg.Recovery.Enabled }, defaults.Recovery.Enabled)

	if cfg.Reconnect.MaxAttempts < -1 {
		return nil, fmt.Errorf("reconnect.max_attempts must be -1 (unbounded) or positive, got %d", cfg.Reconnect.MaxAttempts)
	}

	return cfg, nil
}

// LoadConfigOrDefault loads config.hcl from configPath, falling back to the
// built-in defaults when the file does not exist.
func LoadConfigOrDefault(configPath string) (*Configuration, error) {
	filename := filepath.Join(configPath, ConfigFileName)
	if _, err := os.Stat(filename); errors.Is(err, os.ErrNotExist) {
		return DefaultConfiguration(configPath), nil
	}
	cfg, err := LoadConfig(filename)
	if err != nil {
		return nil, err
	}
	cfg.ConfigPath = configPath
	return cfg, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", field, err)
	}
	return d, nil
}

func boolOrDefault(blockSet bool, value func() *bool, def bool) bool {
	if !blockSet {
		return def
	}
	if v := value(); v != nil {
		return *v
	}
	return def
}
