//go:build linux

package topology

import (
	"context"
	"net"
	"os"

	"nsvisor/internal/supervisor/nsutil"
	"nsvisor/internal/supervisor/plan"
	"nsvisor/internal/supervisor/portforward"
	appErr "nsvisor/pkg/errors"
	"nsvisor/pkg/utils/logger"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"go.uber.org/zap"
)

const ipForwardSysctl = "/proc/sys/net/ipv4/ip_forward"

// Builder materializes namespace topologies. Build changes the namespaces of
// the calling thread and must run on the locked supervising thread.
type Builder struct {
	cfg    Config
	runner portforward.Runner
}

// NewBuilder creates a builder. runner installs the bridge DNAT rules.
func NewBuilder(cfg Config, runner portforward.Runner) *Builder {
	return &Builder{cfg: cfg.withDefaults(), runner: runner}
}

// Build creates the run-scoped storage, the bridge namespace and one network
// and hostname namespace per child. On success the calling thread is left in
// the bridge network namespace and its original hostname namespace.
func (b *Builder) Build(ctx context.Context, req Request) (*NamespaceSet, error) {
	cfg := b.cfg
	if err := b.Check(); err != nil {
		return nil, err
	}
	bridgeAddr, err := netlink.ParseAddr(cfg.BridgeCIDR)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ConfigInvalid, "invalid bridge cidr %q", cfg.BridgeCIDR)
	}
	gwUplink, brUplink, err := uplinkAddrs(cfg.UplinkCIDR)
	if err != nil {
		return nil, err
	}

	childrenDir := ChildrenDir(cfg.GatewayDir)
	if err := os.MkdirAll(childrenDir, 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.TopologyFailed, "create %s", childrenDir)
	}

	baseUTS, err := nsutil.Current(nsutil.UTS)
	if err != nil {
		return nil, err
	}
	defer baseUTS.Close()

	if err := nsutil.Enter(GatewayNetns(cfg.GatewayDir), nsutil.Net); err != nil {
		return nil, err
	}
	if err := nsutil.Create(nsutil.Mount, ""); err != nil {
		return nil, err
	}
	if err := nsutil.MakeMountsPrivate(); err != nil {
		return nil, err
	}
	storage := newStorage(childrenDir)
	if err := nsutil.MountTmpfs(childrenDir, "size="+cfg.TmpfsSize); err != nil {
		return nil, err
	}
	storage.mounted = true

	set := NewNamespaceSet(cfg.GatewayDir, brUplink.IP, storage)
	fail := func(err error) (*NamespaceSet, error) {
		if relErr := storage.Release(); relErr != nil {
			logger.Warn(ctx, "release namespace storage failed", zap.Error(relErr))
		}
		return nil, err
	}

	bridge, err := b.buildBridge(ctx, set, bridgeAddr, gwUplink, brUplink, req.Forwards)
	if err != nil {
		return fail(err)
	}
	defer bridge.close()

	for i, child := range req.Children {
		ns, err := b.buildChild(i, child, set, bridge, bridgeAddr)
		if err != nil {
			return fail(appErr.Wrapf(err, appErr.TopologyFailed, "set up namespaces of %q", child.Name).
				WithDetail("child", child.Name))
		}
		set.AddChild(child.Name, ns)
		if err := nsutil.EnterFile(baseUTS, nsutil.UTS); err != nil {
			return fail(err)
		}
	}

	// Stay attached to the bridge so it outlives the setup even when no
	// child has joined it yet.
	if err := nsutil.Enter(set.BridgeNetns, nsutil.Net); err != nil {
		return fail(err)
	}
	if err := nsutil.EnterFile(baseUTS, nsutil.UTS); err != nil {
		return fail(err)
	}

	logger.Info(ctx, "namespace topology ready",
		zap.String("dir", set.ChildrenDir),
		zap.String("bridge_ip", set.BridgeIP.String()),
		zap.Int("children", len(req.Children)),
		zap.Int("forwards", len(req.Forwards)),
	)
	return set, nil
}

type bridgeHandles struct {
	ns     netns.NsHandle
	handle *netlink.Handle
	device netlink.Link
}

func (h *bridgeHandles) close() {
	h.handle.Close()
	_ = h.ns.Close()
}

func (b *Builder) buildBridge(ctx context.Context, set *NamespaceSet, bridgeAddr *netlink.Addr, gwUplink, brUplink *net.IPNet, forwards []plan.Forward) (*bridgeHandles, error) {
	cfg := b.cfg
	gwNs, err := netns.GetFromPath(set.GatewayNetns())
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.NamespaceFailed, "open gateway namespace %s", set.GatewayNetns())
	}
	defer gwNs.Close()
	gw, err := netlink.NewHandleAt(gwNs)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.LinkSetupFailed).WithMessage("open gateway netlink handle")
	}
	defer gw.Close()

	if err := nsutil.Create(nsutil.Net, set.BridgeNetns); err != nil {
		return nil, err
	}
	set.storage.track(set.BridgeNetns)

	brNs, err := netns.GetFromPath(set.BridgeNetns)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.NamespaceFailed, "open bridge namespace %s", set.BridgeNetns)
	}
	br, err := netlink.NewHandleAt(brNs)
	if err != nil {
		_ = brNs.Close()
		return nil, appErr.Wrap(err, appErr.LinkSetupFailed).WithMessage("open bridge netlink handle")
	}
	h := &bridgeHandles{ns: brNs, handle: br}
	ok := false
	defer func() {
		if !ok {
			h.close()
		}
	}()

	if err := linkUp(br, "lo"); err != nil {
		return nil, err
	}

	attrs := netlink.NewLinkAttrs()
	attrs.Name = cfg.BridgeDevice
	device := &netlink.Bridge{LinkAttrs: attrs}
	if err := br.LinkAdd(device); err != nil {
		return nil, linkErr(err, "add bridge device %s", cfg.BridgeDevice)
	}
	if err := br.AddrAdd(device, bridgeAddr); err != nil {
		return nil, linkErr(err, "address bridge device %s", cfg.BridgeDevice)
	}
	if err := br.LinkSetUp(device); err != nil {
		return nil, linkErr(err, "bring up bridge device %s", cfg.BridgeDevice)
	}
	h.device = device

	if stale, err := gw.LinkByName(cfg.GatewayLink); err == nil {
		if err := gw.LinkDel(stale); err != nil {
			return nil, linkErr(err, "remove stale uplink %s", cfg.GatewayLink)
		}
	}
	uplinkAttrs := netlink.NewLinkAttrs()
	uplinkAttrs.Name = cfg.GatewayLink
	veth := &netlink.Veth{LinkAttrs: uplinkAttrs, PeerName: uplinkName}
	if err := gw.LinkAdd(veth); err != nil {
		return nil, linkErr(err, "add uplink %s", cfg.GatewayLink)
	}
	peer, err := gw.LinkByName(uplinkName)
	if err != nil {
		return nil, linkErr(err, "find uplink peer")
	}
	if err := gw.LinkSetNsFd(peer, int(brNs)); err != nil {
		return nil, linkErr(err, "move uplink peer into bridge namespace")
	}

	gwLink, err := gw.LinkByName(cfg.GatewayLink)
	if err != nil {
		return nil, linkErr(err, "find uplink %s", cfg.GatewayLink)
	}
	if err := gw.AddrAdd(gwLink, &netlink.Addr{IPNet: gwUplink}); err != nil {
		return nil, linkErr(err, "address uplink %s", cfg.GatewayLink)
	}
	if err := gw.LinkSetUp(gwLink); err != nil {
		return nil, linkErr(err, "bring up uplink %s", cfg.GatewayLink)
	}

	upLink, err := br.LinkByName(uplinkName)
	if err != nil {
		return nil, linkErr(err, "find bridge uplink")
	}
	if err := br.AddrAdd(upLink, &netlink.Addr{IPNet: brUplink}); err != nil {
		return nil, linkErr(err, "address bridge uplink")
	}
	if err := br.LinkSetUp(upLink); err != nil {
		return nil, linkErr(err, "bring up bridge uplink")
	}

	childNet := &net.IPNet{IP: bridgeAddr.IP.Mask(bridgeAddr.Mask), Mask: bridgeAddr.Mask}
	if err := gw.RouteReplace(&netlink.Route{LinkIndex: gwLink.Attrs().Index, Dst: childNet, Gw: brUplink.IP}); err != nil {
		return nil, linkErr(err, "route %s via bridge", childNet.String())
	}
	if err := br.RouteAdd(&netlink.Route{LinkIndex: upLink.Attrs().Index, Gw: gwUplink.IP}); err != nil {
		return nil, linkErr(err, "default route of bridge namespace")
	}

	// The thread is in the bridge namespace, so procfs shows its sysctls.
	if err := os.WriteFile(ipForwardSysctl, []byte("1"), 0644); err != nil {
		return nil, appErr.Wrap(err, appErr.TopologyFailed).WithMessage("enable forwarding in bridge namespace")
	}

	for _, f := range forwards {
		if err := b.runner.Run(ctx, set.BridgeNetns, dnatArgs("-A", f)...); err != nil {
			return nil, appErr.Wrapf(err, appErr.ForwardingFailed, "forward %s inside bridge", f.String()).
				WithDetail("port", f.External)
		}
	}

	logger.Debug(ctx, "bridge namespace created",
		zap.String("netns", set.BridgeNetns),
		zap.String("device", cfg.BridgeDevice),
		zap.String("uplink", brUplink.String()),
	)
	ok = true
	return h, nil
}

func (b *Builder) buildChild(idx int, child ChildNetwork, set *NamespaceSet, bridge *bridgeHandles, bridgeAddr *netlink.Addr) (ChildNamespaces, error) {
	addr, err := childAddr(child.IP, bridgeAddr.IPNet)
	if err != nil {
		return ChildNamespaces{}, err
	}
	ns := ChildNamespaces{
		Net: NetnsPath(set.ChildrenDir, child.IP),
		UTS: UTSPath(set.ChildrenDir, child.IP),
	}

	if err := nsutil.Create(nsutil.Net, ns.Net); err != nil {
		return ns, err
	}
	set.storage.track(ns.Net)
	if err := nsutil.Create(nsutil.UTS, ns.UTS); err != nil {
		return ns, err
	}
	set.storage.track(ns.UTS)
	hostname := child.Hostname
	if hostname == "" {
		hostname = child.Name
	}
	if err := nsutil.Sethostname(hostname); err != nil {
		return ns, err
	}

	childNs, err := netns.GetFromPath(ns.Net)
	if err != nil {
		return ns, appErr.Wrapf(err, appErr.NamespaceFailed, "open namespace %s", ns.Net)
	}
	defer childNs.Close()
	ch, err := netlink.NewHandleAt(childNs)
	if err != nil {
		return ns, linkErr(err, "open netlink handle in %s", ns.Net)
	}
	defer ch.Close()

	br := bridge.handle
	hostName, peerName := vethNames(idx)
	attrs := netlink.NewLinkAttrs()
	attrs.Name = hostName
	if err := br.LinkAdd(&netlink.Veth{LinkAttrs: attrs, PeerName: peerName}); err != nil {
		return ns, linkErr(err, "add veth %s", hostName)
	}
	peer, err := br.LinkByName(peerName)
	if err != nil {
		return ns, linkErr(err, "find veth peer %s", peerName)
	}
	if err := br.LinkSetNsFd(peer, int(childNs)); err != nil {
		return ns, linkErr(err, "move %s into %s", peerName, ns.Net)
	}
	host, err := br.LinkByName(hostName)
	if err != nil {
		return ns, linkErr(err, "find veth %s", hostName)
	}
	if err := br.LinkSetMaster(host, bridge.device); err != nil {
		return ns, linkErr(err, "attach %s to bridge", hostName)
	}
	if err := br.LinkSetUp(host); err != nil {
		return ns, linkErr(err, "bring up %s", hostName)
	}

	if err := linkUp(ch, "lo"); err != nil {
		return ns, err
	}
	eth, err := ch.LinkByName(peerName)
	if err != nil {
		return ns, linkErr(err, "find %s in child namespace", peerName)
	}
	if err := ch.LinkSetName(eth, "eth0"); err != nil {
		return ns, linkErr(err, "rename %s", peerName)
	}
	if err := ch.AddrAdd(eth, &netlink.Addr{IPNet: addr}); err != nil {
		return ns, linkErr(err, "address eth0 with %s", addr.String())
	}
	if err := ch.LinkSetUp(eth); err != nil {
		return ns, linkErr(err, "bring up eth0")
	}
	if err := ch.RouteAdd(&netlink.Route{LinkIndex: eth.Attrs().Index, Gw: bridgeAddr.IP}); err != nil {
		return ns, linkErr(err, "default route via %s", bridgeAddr.IP.String())
	}
	return ns, nil
}

func linkUp(h *netlink.Handle, name string) error {
	link, err := h.LinkByName(name)
	if err != nil {
		return linkErr(err, "find %s", name)
	}
	if err := h.LinkSetUp(link); err != nil {
		return linkErr(err, "bring up %s", name)
	}
	return nil
}

func linkErr(err error, format string, args ...interface{}) error {
	return appErr.Wrapf(err, appErr.LinkSetupFailed, format, args...)
}
