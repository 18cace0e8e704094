//go:build linux
// +build linux

// Package network applies host-requested interface, route, and neighbor
// state to the guest kernel through netlink.
package network

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"go.opencensus.io/trace"

	"github.com/virtshim/guestagent/internal/log"
	"github.com/virtshim/guestagent/internal/oc"
	"github.com/virtshim/guestagent/internal/prot"
)

// Test dependencies
var (
	netlinkLinkByName   = netlink.LinkByName
	netlinkLinkSetDown  = netlink.LinkSetDown
	netlinkLinkSetUp    = netlink.LinkSetUp
	netlinkLinkSetMTU   = netlink.LinkSetMTU
	netlinkLinkSetAlias = netlink.LinkSetAlias
	netlinkAddrList     = netlink.AddrList
	netlinkAddrAdd      = netlink.AddrAdd
	netlinkAddrDel      = netlink.AddrDel
	netlinkRouteAdd     = netlink.RouteAdd
	netlinkNeighSet     = netlink.NeighSet
)

// UpdateInterface reconciles the named guest interface to the desired
// state: addresses not in the request are removed, requested addresses are
// added, and MTU and alias are applied. The interface is brought down for
// the address swap and back up afterwards.
func UpdateInterface(ctx context.Context, iface *prot.Interface) (err error) {
	_, span := oc.StartSpan(ctx, "network::UpdateInterface")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.StringAttribute("device", iface.Device))

	if iface.Device == "" {
		return errors.New("interface device name is empty")
	}

	link, err := netlinkLinkByName(iface.Device)
	if err != nil {
		return errors.Wrapf(err, "failed to find interface %s", iface.Device)
	}

	if err := netlinkLinkSetDown(link); err != nil {
		return errors.Wrapf(err, "failed to bring interface %s down", iface.Device)
	}

	existing, err := netlinkAddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return errors.Wrapf(err, "failed to list addresses on %s", iface.Device)
	}
	desired := make(map[string]*netlink.Addr)
	for _, ip := range iface.IPAddresses {
		addr, err := parseAddress(ip)
		if err != nil {
			return err
		}
		desired[addr.IPNet.String()] = addr
	}
	for i := range existing {
		addr := existing[i]
		if addr.IP.IsLinkLocalUnicast() {
			continue
		}
		if _, keep := desired[addr.IPNet.String()]; keep {
			delete(desired, addr.IPNet.String())
			continue
		}
		if err := netlinkAddrDel(link, &addr); err != nil {
			return errors.Wrapf(err, "failed to remove address %s from %s", addr.IPNet, iface.Device)
		}
	}
	for _, addr := range desired {
		if err := netlinkAddrAdd(link, addr); err != nil {
			return errors.Wrapf(err, "failed to add address %s to %s", addr.IPNet, iface.Device)
		}
	}

	if iface.MTU != 0 {
		if err := netlinkLinkSetMTU(link, int(iface.MTU)); err != nil {
			return errors.Wrapf(err, "failed to set MTU %d on %s", iface.MTU, iface.Device)
		}
	}
	if iface.Name != "" && iface.Name != iface.Device {
		if err := netlinkLinkSetAlias(link, iface.Name); err != nil {
			return errors.Wrapf(err, "failed to set alias %s on %s", iface.Name, iface.Device)
		}
	}

	if err := netlinkLinkSetUp(link); err != nil {
		return errors.Wrapf(err, "failed to bring interface %s up", iface.Device)
	}

	log.G(ctx).WithFields(logrus.Fields{
		"device":    iface.Device,
		"addresses": len(iface.IPAddresses),
	}).Debug("interface updated")
	return nil
}

// UpdateRoutes installs routing-table entries in request order. Entries
// dependent on an earlier gateway route must be sorted by the host; the
// first failure aborts the call.
func UpdateRoutes(ctx context.Context, routes []*prot.Route) (err error) {
	_, span := oc.StartSpan(ctx, "network::UpdateRoutes")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.Int64Attribute("routes", int64(len(routes))))

	for _, route := range routes {
		nlRoute, err := buildRoute(route)
		if err != nil {
			return err
		}
		if err := netlinkRouteAdd(nlRoute); err != nil {
			return errors.Wrapf(err, "failed to add route to %s via %s on %s",
				route.Dest, route.Gateway, route.Device)
		}
	}
	return nil
}

// AddARPNeighbors installs static neighbor-table entries.
func AddARPNeighbors(ctx context.Context, neighbors []*prot.ARPNeighbor) (err error) {
	_, span := oc.StartSpan(ctx, "network::AddARPNeighbors")
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	for _, n := range neighbors {
		if n.IPAddress == nil || n.IPAddress.Address == "" {
			return errors.New("ARP neighbor has no IP address")
		}
		link, err := netlinkLinkByName(n.Device)
		if err != nil {
			return errors.Wrapf(err, "failed to find interface %s", n.Device)
		}
		ip := net.ParseIP(n.IPAddress.Address)
		if ip == nil {
			return errors.Errorf("invalid neighbor IP address %q", n.IPAddress.Address)
		}
		neigh := &netlink.Neigh{
			LinkIndex: link.Attrs().Index,
			IP:        ip,
			State:     netlink.NUD_PERMANENT,
		}
		if n.LLAddr != "" {
			hwAddr, err := net.ParseMAC(n.LLAddr)
			if err != nil {
				return errors.Wrapf(err, "invalid neighbor link-layer address %q", n.LLAddr)
			}
			neigh.HardwareAddr = hwAddr
		}
		if err := netlinkNeighSet(neigh); err != nil {
			return errors.Wrapf(err, "failed to add neighbor %s on %s", ip, n.Device)
		}
	}
	return nil
}

func parseAddress(ip *prot.IPAddress) (*netlink.Addr, error) {
	addr := net.ParseIP(ip.Address)
	if addr == nil {
		return nil, errors.Errorf("invalid IP address %q", ip.Address)
	}
	mask := net.ParseIP(ip.Mask)
	if mask == nil {
		return nil, errors.Errorf("invalid network mask %q", ip.Mask)
	}
	var ipMask net.IPMask
	if v4 := mask.To4(); v4 != nil {
		ipMask = net.IPMask(v4)
	} else {
		ipMask = net.IPMask(mask.To16())
	}
	return &netlink.Addr{IPNet: &net.IPNet{IP: addr, Mask: ipMask}}, nil
}

func buildRoute(route *prot.Route) (*netlink.Route, error) {
	if route.Device == "" {
		return nil, errors.New("route has no device")
	}
	link, err := netlinkLinkByName(route.Device)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find interface %s", route.Device)
	}
	nlRoute := &netlink.Route{LinkIndex: link.Attrs().Index}
	if route.Dest != "" {
		_, dst, err := net.ParseCIDR(route.Dest)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid route destination %q", route.Dest)
		}
		nlRoute.Dst = dst
	}
	if route.Gateway != "" {
		gw := net.ParseIP(route.Gateway)
		if gw == nil {
			return nil, errors.Errorf("invalid route gateway %q", route.Gateway)
		}
		nlRoute.Gw = gw
	}
	if route.Source != "" {
		src := net.ParseIP(route.Source)
		if src == nil {
			return nil, errors.Errorf("invalid route source %q", route.Source)
		}
		nlRoute.Src = src
	}
	return nlRoute, nil
}
