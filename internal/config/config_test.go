//go:build linux
// +build linux

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func Test_Default_Values(t *testing.T) {
	cfg := Default()
	if cfg.LogLevel != logrus.InfoLevel {
		t.Errorf("expected info level, got: %v", cfg.LogLevel)
	}
	if cfg.BridgePort != DefaultBridgePort {
		t.Errorf("expected bridge port %d, got: %d", DefaultBridgePort, cfg.BridgePort)
	}
}

func Test_ApplyFile_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"
bridge_port = 2048
policy_file = "/etc/agent/policy.rego"
hotplug_timeout = "5s"
`)
	cfg := Default()
	if err := cfg.applyFile(path); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.LogLevel != logrus.DebugLevel {
		t.Errorf("expected debug level, got: %v", cfg.LogLevel)
	}
	if cfg.BridgePort != 2048 {
		t.Errorf("expected bridge port 2048, got: %d", cfg.BridgePort)
	}
	if cfg.PolicyFile != "/etc/agent/policy.rego" {
		t.Errorf("unexpected policy file: %q", cfg.PolicyFile)
	}
	if cfg.HotplugTimeout != 5*time.Second {
		t.Errorf("expected 5s hotplug timeout, got: %v", cfg.HotplugTimeout)
	}
}

func Test_ApplyFile_MissingFile_KeepsDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.applyFile(filepath.Join(t.TempDir(), "absent.toml")); err != nil {
		t.Fatalf("expected a missing config file to be tolerated, got: %v", err)
	}
	if cfg.BridgePort != DefaultBridgePort {
		t.Errorf("expected defaults to stand, got port: %d", cfg.BridgePort)
	}
}

func Test_ApplyFile_BadLogLevel_Error(t *testing.T) {
	path := writeConfig(t, `log_level = "loud"`)
	cfg := Default()
	if err := cfg.applyFile(path); err == nil {
		t.Fatal("expected an error for an invalid log level")
	}
}

func Test_ApplyCmdline_OverridesFile(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = logrus.WarnLevel
	cfg.PolicyFile = "/etc/agent/policy.rego"

	cmdline := "console=ttyS0 agent.log=trace agent.policy_file=/run/policy.rego agent.bridge_port=4096 root=/dev/vda"
	if err := cfg.applyCmdline(cmdline); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.LogLevel != logrus.TraceLevel {
		t.Errorf("expected the command line to win, got: %v", cfg.LogLevel)
	}
	if cfg.PolicyFile != "/run/policy.rego" {
		t.Errorf("expected the command line policy file, got: %q", cfg.PolicyFile)
	}
	if cfg.BridgePort != 4096 {
		t.Errorf("expected bridge port 4096, got: %d", cfg.BridgePort)
	}
}

func Test_ApplyCmdline_UnknownParameter_Skipped(t *testing.T) {
	cfg := Default()
	if err := cfg.applyCmdline("agent.shiny_new_feature=on"); err != nil {
		t.Fatalf("expected unknown parameters to be skipped, got: %v", err)
	}
}

func Test_ApplyCmdline_DevModeBareFlag(t *testing.T) {
	cfg := Default()
	if err := cfg.applyCmdline("agent.devmode"); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !cfg.DevMode {
		t.Error("expected a bare agent.devmode to enable dev mode")
	}
}

func Test_ApplyCmdline_ZeroPort_Error(t *testing.T) {
	cfg := Default()
	if err := cfg.applyCmdline("agent.bridge_port=0"); err == nil {
		t.Fatal("expected an error for a zero port")
	}
}
