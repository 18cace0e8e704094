//go:build linux
// +build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/containerd/cgroups/v3/cgroup2"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"
	"golang.org/x/sync/errgroup"

	"github.com/virtshim/guestagent/internal/bridge"
	"github.com/virtshim/guestagent/internal/config"
	"github.com/virtshim/guestagent/internal/oc"
	"github.com/virtshim/guestagent/internal/policy"
	"github.com/virtshim/guestagent/internal/runtime/runc"
	"github.com/virtshim/guestagent/internal/stdio"
	"github.com/virtshim/guestagent/internal/storage"
	"github.com/virtshim/guestagent/internal/storage/block"
	"github.com/virtshim/guestagent/internal/storage/ephemeral"
	"github.com/virtshim/guestagent/internal/storage/local"
	"github.com/virtshim/guestagent/internal/storage/virtiofs"
	"github.com/virtshim/guestagent/internal/transport"
)

const (
	runcStateRoot   = "/run/agent/runc"
	runcLogBasePath = "/run/agent/runc-logs"

	memoryPollInterval = 10 * time.Second
)

// watchMemoryPressure periodically logs the root cgroup memory numbers so a
// guest heading into OOM territory leaves a trail in the host logs.
func watchMemoryPressure(ctx context.Context, warnBytes uint64) {
	mgr, err := cgroup2.Load("/")
	if err != nil {
		logrus.WithError(err).Warn("memory watchdog disabled, cannot load root cgroup")
		return
	}
	ticker := time.NewTicker(memoryPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		metrics, err := mgr.Stat()
		if err != nil || metrics.Memory == nil {
			continue
		}
		if metrics.Memory.Usage >= warnBytes {
			logrus.WithFields(logrus.Fields{
				"memoryUsage": metrics.Memory.Usage,
				"swapUsage":   metrics.Memory.SwapUsage,
				"threshold":   warnBytes,
			}).Warn("guest memory usage exceeded threshold")
		}
	}
}

func main() {
	logLevel := flag.String("loglevel", "", "Logging Level: trace, debug, info, warning, error, fatal, panic. Overrides the configured level.")
	logFile := flag.String("logfile", "", "Logging Target: An optional file name/path. Omit for console output.")
	logFormat := flag.String("log-format", "json", "Logging Format: text or json")
	configPath := flag.String("config", "/etc/agent/agent.toml", "Path of the agent configuration file.")
	useInOutErr := flag.Bool("use-inouterr", false, "If true use stdin/stdout for bridge communication and stderr for logging")
	memWarnBytes := flag.Uint64("mem-warn-bytes", 50*1024*1024, "log a warning when guest memory usage exceeds this many bytes")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "\nUsage of %s:\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "    %s -loglevel=debug -logfile=/run/agent/agent.log\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "    %s -use-inouterr -log-format=text\n", os.Args[0])
	}

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	trace.ApplyConfig(trace.Config{DefaultSampler: oc.DefaultSampler})
	trace.RegisterExporter(&oc.LogrusExporter{})

	tport := &transport.VsockTransport{}

	logWriter := io.Writer(os.Stderr)
	if *logFile != "" {
		logFileHandle, err := os.OpenFile(*logFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"path":          *logFile,
				logrus.ErrorKey: err,
			}).Fatal("failed to create log file")
		}
		logWriter = logFileHandle
	}
	if cfg.LogVsockPort != 0 {
		logCon, err := tport.Dial(cfg.LogVsockPort)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"port":          cfg.LogVsockPort,
				logrus.ErrorKey: err,
			}).Warn("failed to dial log vsock port, logs stay local")
		} else {
			logWriter = io.MultiWriter(logWriter, logCon)
		}
	}
	logrus.SetOutput(logWriter)

	switch *logFormat {
	case "text":
		// retain logrus's default.
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano, // include ns for accurate comparisons on the host
		})
	default:
		logrus.WithField("log-format", *logFormat).Fatal("unknown log-format")
	}

	level := cfg.LogLevel
	if *logLevel != "" {
		level, err = logrus.ParseLevel(*logLevel)
		if err != nil {
			logrus.Fatal(err)
		}
	}
	logrus.SetLevel(level)

	logrus.Info("guest agent started")

	policyDocument := ""
	if cfg.PolicyFile != "" {
		raw, err := os.ReadFile(cfg.PolicyFile)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"path":          cfg.PolicyFile,
				logrus.ErrorKey: err,
			}).Fatal("failed to read policy file")
		}
		policyDocument = string(raw)
	}
	agentPolicy, err := policy.NewAgentPolicy(policyDocument)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load policy")
	}

	rtime, err := runc.NewRuntime(runcStateRoot, runcLogBasePath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize runc runtime")
	}

	storageManager, err := storage.NewHandlerManager(
		&block.Handler{DeviceWaitTimeout: cfg.HotplugTimeout},
		&ephemeral.Handler{},
		&local.Handler{},
		&virtiofs.Handler{},
	)
	if err != nil {
		logrus.WithError(err).Fatal("failed to build storage handler registry")
	}

	mux := bridge.NewBridgeMux()
	b := &bridge.Bridge{
		Handler:        mux,
		Policy:         agentPolicy,
		Runtime:        rtime,
		StorageManager: storageManager,
		Transport:      tport,
		Streams:        stdio.NewRegistry(),
	}
	b.AssignHandlers(mux)

	var bridgeIn io.ReadCloser
	var bridgeOut io.WriteCloser
	if *useInOutErr {
		bridgeIn = os.Stdin
		bridgeOut = os.Stdout
	} else {
		bridgeCon, err := tport.Dial(cfg.BridgePort)
		if err != nil {
			entry := logrus.WithFields(logrus.Fields{
				"port":          cfg.BridgePort,
				logrus.ErrorKey: err,
			})
			if !cfg.DevMode {
				entry.Fatal("failed to dial host vsock connection")
			}
			// Outside a VM there is no vsock to dial.
			entry.Warn("no host vsock connection, devmode serves on stdin/stdout")
			bridgeIn = os.Stdin
			bridgeOut = os.Stdout
		} else {
			bridgeIn = bridgeCon
			bridgeOut = bridgeCon
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		watchMemoryPressure(ctx, *memWarnBytes)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return b.ListenAndServe(bridgeIn, bridgeOut)
	})

	if err := g.Wait(); err != nil {
		logrus.WithError(err).Fatal("failed to serve guest agent")
	}
}
