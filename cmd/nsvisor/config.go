package main

import (
	"fmt"
	"os"
	"sort"

	"nsvisor/internal/supervisor/container"
	"nsvisor/internal/supervisor/launcher"
	"nsvisor/internal/supervisor/plan"
	"nsvisor/internal/supervisor/topology"
	appErr "nsvisor/pkg/errors"
	"nsvisor/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultGatewayDir   = "/run/nsvisor"
	defaultTmpfsSize    = "10m"
	defaultBridgeDevice = "children"
	defaultBridgeCIDR   = "172.23.255.254/16"
	defaultUplinkCIDR   = "172.24.0.0/30"
	defaultIptablesPath = "iptables"
	defaultHelperPath   = "nsvisor-init"
)

// GatewayConfig points at the state of the one-time network setup.
type GatewayConfig struct {
	Dir       string `yaml:"dir"`
	TmpfsSize string `yaml:"tmpfsSize"`
}

// NetworkConfig holds bridge addressing.
type NetworkConfig struct {
	BridgeDevice string `yaml:"bridgeDevice"`
	BridgeCIDR   string `yaml:"bridgeCIDR"`
	UplinkCIDR   string `yaml:"uplinkCIDR"`
	GatewayLink  string `yaml:"gatewayLink"`
	IptablesPath string `yaml:"iptablesPath"`
}

// LauncherConfig holds child spawning settings.
type LauncherConfig struct {
	HelperPath       string `yaml:"helperPath"`
	SeccompDir       string `yaml:"seccompDir"`
	CgroupRoot       string `yaml:"cgroupRoot"`
	EnableNamespaces *bool  `yaml:"enableNamespaces"`
	UserNamespace    *bool  `yaml:"userNamespace"`
}

// CommandLine is a command given either as a shell-like string or a list.
type CommandLine []string

func (c *CommandLine) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var line string
		if err := node.Decode(&line); err != nil {
			return err
		}
		argv, err := plan.ParseCommand(line)
		if err != nil {
			return err
		}
		*c = argv
		return nil
	case yaml.SequenceNode:
		var argv []string
		if err := node.Decode(&argv); err != nil {
			return err
		}
		*c = argv
		return nil
	default:
		return fmt.Errorf("line %d: command must be a string or a list", node.Line)
	}
}

// ChildNetworkConfig places a child in its own namespaces.
type ChildNetworkConfig struct {
	IP       string            `yaml:"ip"`
	Hostname string            `yaml:"hostname"`
	Ports    map[uint16]uint16 `yaml:"ports"`
}

// LimitsConfig holds per-child cgroup limits.
type LimitsConfig struct {
	MemoryMB int64 `yaml:"memoryMB"`
	PIDs     int64 `yaml:"pids"`
}

// ChildConfig describes one child.
type ChildConfig struct {
	Container string              `yaml:"container"`
	Command   CommandLine         `yaml:"command"`
	Network   *ChildNetworkConfig `yaml:"network"`
	Bridge    bool                `yaml:"bridge"`
	Env       map[string]string   `yaml:"env"`
	Limits    LimitsConfig        `yaml:"limits"`
}

// EnvConfig holds environment rules shared by all children.
type EnvConfig struct {
	Propagate []string          `yaml:"propagate"`
	Set       map[string]string `yaml:"set"`
}

// SuperviseConfig is the supervised workload.
type SuperviseConfig struct {
	Description string                 `yaml:"description"`
	Mode        string                 `yaml:"mode"`
	WorkDir     string                 `yaml:"workDir"`
	Env         EnvConfig              `yaml:"env"`
	Children    map[string]ChildConfig `yaml:"children"`
}

// AppConfig holds nsvisor config.
type AppConfig struct {
	Logger     logger.Config         `yaml:"logger"`
	Gateway    GatewayConfig         `yaml:"gateway"`
	Network    NetworkConfig         `yaml:"network"`
	Launcher   LauncherConfig        `yaml:"launcher"`
	Containers []container.Container `yaml:"containers"`
	Supervise  SuperviseConfig       `yaml:"supervise"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return appErr.Wrapf(err, appErr.ConfigInvalid, "read config file %s failed", path)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return appErr.Wrapf(err, appErr.ConfigInvalid, "parse config file %s failed", path)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Supervise.Children) == 0 {
		return nil, appErr.ConfigError("supervise.children is required")
	}
	if cfg.Logger.OutputPath == "" {
		cfg.Logger.OutputPath = "stderr"
	}
	if cfg.Gateway.Dir == "" {
		cfg.Gateway.Dir = defaultGatewayDir
	}
	if cfg.Gateway.TmpfsSize == "" {
		cfg.Gateway.TmpfsSize = defaultTmpfsSize
	}
	if cfg.Network.BridgeDevice == "" {
		cfg.Network.BridgeDevice = defaultBridgeDevice
	}
	if cfg.Network.BridgeCIDR == "" {
		cfg.Network.BridgeCIDR = defaultBridgeCIDR
	}
	if cfg.Network.UplinkCIDR == "" {
		cfg.Network.UplinkCIDR = defaultUplinkCIDR
	}
	if cfg.Network.IptablesPath == "" {
		cfg.Network.IptablesPath = defaultIptablesPath
	}
	if cfg.Launcher.HelperPath == "" {
		cfg.Launcher.HelperPath = defaultHelperPath
	}
	if cfg.Launcher.EnableNamespaces == nil {
		cfg.Launcher.EnableNamespaces = boolPtr(true)
	}
	if cfg.Launcher.UserNamespace == nil {
		cfg.Launcher.UserNamespace = boolPtr(true)
	}
	if cfg.Supervise.WorkDir == "" {
		cfg.Supervise.WorkDir = "/"
	}
	for name, child := range cfg.Supervise.Children {
		if (child.Limits.MemoryMB > 0 || child.Limits.PIDs > 0) && cfg.Launcher.CgroupRoot == "" {
			return nil, appErr.ConfigError(fmt.Sprintf("child %q sets limits but launcher.cgroupRoot is empty", name))
		}
	}
	return &cfg, nil
}

func boolPtr(v bool) *bool {
	return &v
}

func (c *AppConfig) planOptions() plan.Options {
	opts := plan.Options{
		Description: c.Supervise.Description,
		Mode:        plan.Mode(c.Supervise.Mode),
		WorkDir:     c.Supervise.WorkDir,
		Env: plan.EnvRules{
			Propagate: c.Supervise.Env.Propagate,
			Set:       c.Supervise.Env.Set,
		},
	}
	for name, child := range c.Supervise.Children {
		spec := plan.ChildSpec{
			Name:      name,
			Container: child.Container,
			Command:   []string(child.Command),
			Bridge:    child.Bridge,
			Env:       child.Env,
			Limits:    plan.Limits{MemoryMB: child.Limits.MemoryMB, PIDs: child.Limits.PIDs},
		}
		if child.Network != nil {
			spec.Network = &plan.NetworkConfig{
				IP:       child.Network.IP,
				Hostname: child.Network.Hostname,
				Ports:    portMappings(child.Network.Ports),
			}
		}
		opts.Children = append(opts.Children, spec)
	}
	return opts
}

func portMappings(ports map[uint16]uint16) []plan.PortMapping {
	out := make([]plan.PortMapping, 0, len(ports))
	for ext, internal := range ports {
		out = append(out, plan.PortMapping{External: ext, Internal: internal})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].External < out[j].External
	})
	return out
}

func (c *AppConfig) topologyConfig() topology.Config {
	return topology.Config{
		GatewayDir:   c.Gateway.Dir,
		TmpfsSize:    c.Gateway.TmpfsSize,
		BridgeDevice: c.Network.BridgeDevice,
		BridgeCIDR:   c.Network.BridgeCIDR,
		UplinkCIDR:   c.Network.UplinkCIDR,
		GatewayLink:  c.Network.GatewayLink,
	}
}

func (c *AppConfig) launcherConfig() launcher.Config {
	return launcher.Config{
		HelperPath:       c.Launcher.HelperPath,
		CgroupRoot:       c.Launcher.CgroupRoot,
		EnableNamespaces: *c.Launcher.EnableNamespaces,
		UserNamespace:    *c.Launcher.UserNamespace,
	}
}
