package daemon

import (
	"os"
	"testing"
	"time"

	"go.olrik.dev/frpvisor/internal/core"
)

func writeConfigFile(t *testing.T, content string) {
	t.Helper()
	if err := os.WriteFile(core.GetConfigFilePath(), []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func TestReloadConfig_AppliesReconnectSettings(t *testing.T) {
	d := newTestDaemon(t, nil)
	d.sup.Run(d.ctx)

	writeConfigFile(t, `
reconnect {
  enabled      = true
  interval     = "1m"
  max_attempts = -1
  retry_delay  = "1s"
}
`)

	if err := d.reloadConfig(); err != nil {
		t.Fatalf("reloadConfig failed: %v", err)
	}

	status := d.sup.AutoReconnectStatus()
	if !status.Enabled || !status.Monitoring {
		t.Errorf("expected reconnect loop to be running, got %+v", status)
	}
	if status.Interval != "1m0s" || status.MaxAttempts != -1 || status.RetryDelay != "1s" {
		t.Errorf("unexpected reconnect status: %+v", status)
	}
	if core.Config.Reconnect.Interval != time.Minute {
		t.Errorf("expected core.Config to be replaced, got %+v", core.Config.Reconnect)
	}
}

func TestReloadConfig_KeepsPreviousOnError(t *testing.T) {
	d := newTestDaemon(t, nil)
	before := core.Config

	writeConfigFile(t, `reconnect { interval = `)

	if err := d.reloadConfig(); err == nil {
		t.Fatal("expected reload to fail on a broken file")
	}
	if core.Config != before {
		t.Error("expected the previous configuration to stay in effect")
	}
}

func TestReloadConfig_PreservesCommandLineValues(t *testing.T) {
	d := newTestDaemon(t, func(cfg *core.Configuration) {
		cfg.Verbose = 2
	})
	configPath := core.Config.ConfigPath

	writeConfigFile(t, `verbose = 0`)

	if err := d.reloadConfig(); err != nil {
		t.Fatalf("reloadConfig failed: %v", err)
	}
	if core.Config.Verbose != 2 {
		t.Errorf("Verbose = %d, want 2", core.Config.Verbose)
	}
	if core.Config.ConfigPath != configPath {
		t.Errorf("ConfigPath = %q, want %q", core.Config.ConfigPath, configPath)
	}
}

func TestWatchConfig_ReloadsOnWrite(t *testing.T) {
	d := newTestDaemon(t, nil)
	d.sup.Run(d.ctx)
	writeConfigFile(t, `reconnect { enabled = false }`)

	d.watchConfig()

	writeConfigFile(t, `
reconnect {
  enabled  = true
  interval = "45s"
}
`)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if d.sup.AutoReconnectStatus().Interval == "45s" {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("config change was not applied, status %+v", d.sup.AutoReconnectStatus())
}
