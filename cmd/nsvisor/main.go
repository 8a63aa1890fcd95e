package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"

	"nsvisor/internal/supervisor"
	"nsvisor/internal/supervisor/container"
	"nsvisor/internal/supervisor/launcher"
	"nsvisor/internal/supervisor/observer"
	"nsvisor/internal/supervisor/plan"
	"nsvisor/internal/supervisor/portforward"
	"nsvisor/internal/supervisor/reaper"
	"nsvisor/internal/supervisor/topology"
	appErr "nsvisor/pkg/errors"
	"nsvisor/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultConfigPath = "nsvisor.yaml"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("nsvisor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: nsvisor [-config path]\n")
		if cfg, err := loadAppConfig(*configPath); err == nil && cfg.Supervise.Description != "" {
			fmt.Fprintf(stderr, "\n%s\n\n", cfg.Supervise.Description)
		}
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return appErr.UsageError.ExitCode()
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected arguments: %v\n", fs.Args())
		return appErr.UsageError.ExitCode()
	}

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load app config failed: %v\n", err)
		return appErr.ExitCode(err)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(stderr, "init logger failed: %v\n", err)
		return appErr.ConfigInvalid.ExitCode()
	}
	defer func() {
		_ = logger.Sync()
	}()

	p, err := plan.New(appCfg.planOptions())
	if err != nil {
		logger.Error(context.Background(), "invalid supervision plan", zap.Error(err))
		fmt.Fprintf(stderr, "invalid supervision plan: %v\n", err)
		return appErr.ExitCode(err)
	}

	runner := portforward.IptablesRunner{Path: appCfg.Network.IptablesPath}
	sup, err := supervisor.New(p, supervisor.Deps{
		Containers: container.NewLocalStore(appCfg.Containers, appCfg.Launcher.SeccompDir),
		Launcher:   launcher.New(appCfg.launcherConfig(), launcher.HostIDMapper{}),
		Topology:   topology.NewBuilder(appCfg.topologyConfig(), runner),
		Forwarders: func(gatewayNetns string, bridgeIP net.IP, ports []uint16) portforward.Forwarder {
			return portforward.New(gatewayNetns, bridgeIP, ports, runner)
		},
		Events:   func() reaper.Source { return reaper.NewSignalSource(0) },
		Reaper:   reaper.WaitReaper{},
		Observer: observer.NewStatusWriter(stdout),
	})
	if err != nil {
		logger.Error(context.Background(), "init supervisor failed", zap.Error(err))
		return appErr.ExitCode(err)
	}

	code, err := sup.Run(context.Background())
	if err != nil {
		logger.Error(context.Background(), "supervision failed", zap.Int("code", code), zap.Error(err))
		fmt.Fprintf(stderr, "%v\n", err)
	}
	return code
}
