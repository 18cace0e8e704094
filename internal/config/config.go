//go:build linux
// +build linux

// Package config assembles the agent configuration from its two sources:
// a TOML file baked into the guest image and `agent.*` parameters on the
// kernel command line. Command-line parameters win.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultBridgePort is the vsock port the bridge listens on.
	DefaultBridgePort = 1024

	defaultLogLevel    = logrus.InfoLevel
	defaultHotplugWait = 3 * time.Second

	cmdlineParamPrefix = "agent."
	kernelCmdlinePath  = "/proc/cmdline"
)

// Config is the resolved agent configuration.
type Config struct {
	// LogLevel for the agent's own logging.
	LogLevel logrus.Level
	// LogVsockPort, when non-zero, mirrors agent logs to a vsock port.
	LogVsockPort uint32
	// BridgePort is the vsock port the bridge listens on.
	BridgePort uint32
	// PolicyFile is the path of the policy document loaded at startup;
	// empty means the built-in allow-all document.
	PolicyFile string
	// HotplugTimeout bounds the wait for hot-plugged device nodes.
	HotplugTimeout time.Duration
	// DevMode relaxes startup checks for running outside a VM.
	DevMode bool
}

// fileConfig is the TOML shape of the on-disk configuration.
type fileConfig struct {
	LogLevel       string `toml:"log_level"`
	LogVsockPort   uint32 `toml:"log_vsock_port"`
	BridgePort     uint32 `toml:"bridge_port"`
	PolicyFile     string `toml:"policy_file"`
	HotplugTimeout string `toml:"hotplug_timeout"`
	DevMode        bool   `toml:"dev_mode"`
}

// Default returns the configuration used when no file and no command-line
// parameters are present.
func Default() *Config {
	return &Config{
		LogLevel:       defaultLogLevel,
		BridgePort:     DefaultBridgePort,
		HotplugTimeout: defaultHotplugWait,
	}
}

// Load resolves the configuration: defaults, then the TOML file at
// `configPath` if it exists, then the kernel command line.
func Load(configPath string) (*Config, error) {
	cfg := Default()
	if configPath != "" {
		if err := cfg.applyFile(configPath); err != nil {
			return nil, err
		}
	}

	cmdline, err := os.ReadFile(kernelCmdlinePath)
	if err != nil {
		// Outside a VM there may be no readable command line; the file
		// configuration stands on its own.
		if os.IsNotExist(err) || os.IsPermission(err) {
			return cfg, nil
		}
		return nil, errors.Wrap(err, "failed to read kernel command line")
	}
	if err := cfg.applyCmdline(string(cmdline)); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to read config file %s", path)
	}
	var fc fileConfig
	if err := toml.Unmarshal(raw, &fc); err != nil {
		return errors.Wrapf(err, "failed to parse config file %s", path)
	}

	if fc.LogLevel != "" {
		level, err := logrus.ParseLevel(fc.LogLevel)
		if err != nil {
			return errors.Wrapf(err, "invalid log_level in %s", path)
		}
		c.LogLevel = level
	}
	if fc.LogVsockPort != 0 {
		c.LogVsockPort = fc.LogVsockPort
	}
	if fc.BridgePort != 0 {
		c.BridgePort = fc.BridgePort
	}
	if fc.PolicyFile != "" {
		c.PolicyFile = fc.PolicyFile
	}
	if fc.HotplugTimeout != "" {
		d, err := time.ParseDuration(fc.HotplugTimeout)
		if err != nil {
			return errors.Wrapf(err, "invalid hotplug_timeout in %s", path)
		}
		c.HotplugTimeout = d
	}
	if fc.DevMode {
		c.DevMode = true
	}
	return nil
}

// applyCmdline overlays `agent.*` parameters from the kernel command line.
// Unknown agent parameters are logged and skipped so an older agent boots
// under a newer host.
func (c *Config) applyCmdline(cmdline string) error {
	for _, field := range strings.Fields(cmdline) {
		if !strings.HasPrefix(field, cmdlineParamPrefix) {
			continue
		}
		param := strings.TrimPrefix(field, cmdlineParamPrefix)
		key, value, _ := strings.Cut(param, "=")

		switch key {
		case "log":
			level, err := logrus.ParseLevel(value)
			if err != nil {
				return errors.Wrapf(err, "invalid agent.log parameter %q", value)
			}
			c.LogLevel = level
		case "log_vport":
			port, err := parsePort(value)
			if err != nil {
				return errors.Wrap(err, "invalid agent.log_vport parameter")
			}
			c.LogVsockPort = port
		case "bridge_port":
			port, err := parsePort(value)
			if err != nil {
				return errors.Wrap(err, "invalid agent.bridge_port parameter")
			}
			c.BridgePort = port
		case "policy_file":
			c.PolicyFile = value
		case "hotplug_timeout":
			d, err := time.ParseDuration(value)
			if err != nil {
				return errors.Wrap(err, "invalid agent.hotplug_timeout parameter")
			}
			c.HotplugTimeout = d
		case "devmode":
			c.DevMode = value == "" || value == "true" || value == "1"
		default:
			logrus.WithField("parameter", field).Warn("unknown agent parameter on kernel command line")
		}
	}
	return nil
}

func parsePort(value string) (uint32, error) {
	port, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, err
	}
	if port == 0 {
		return 0, errors.New("port must be non-zero")
	}
	return uint32(port), nil
}
