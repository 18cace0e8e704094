//go:build linux
// +build linux

package network

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/vishvananda/netlink"

	"github.com/virtshim/guestagent/internal/prot"
)

func fakeLink(index int, name string) netlink.Link {
	return &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Index: index, Name: name}}
}

func clearTestDependencies() {
	netlinkLinkByName = nil
	netlinkLinkSetDown = nil
	netlinkLinkSetUp = nil
	netlinkLinkSetMTU = nil
	netlinkLinkSetAlias = nil
	netlinkAddrList = nil
	netlinkAddrAdd = nil
	netlinkAddrDel = nil
	netlinkRouteAdd = nil
	netlinkNeighSet = nil
}

func Test_UpdateInterface_EmptyDevice_Error(t *testing.T) {
	clearTestDependencies()

	if err := UpdateInterface(context.Background(), &prot.Interface{}); err == nil {
		t.Fatal("expected an error for an empty device name")
	}
}

func Test_UpdateInterface_ReconcilesAddresses(t *testing.T) {
	clearTestDependencies()

	link := fakeLink(2, "eth0")
	netlinkLinkByName = func(name string) (netlink.Link, error) {
		if name != "eth0" {
			t.Errorf("expected lookup of eth0, got: %v", name)
		}
		return link, nil
	}
	downCalled := false
	netlinkLinkSetDown = func(l netlink.Link) error {
		downCalled = true
		return nil
	}
	upCalled := false
	netlinkLinkSetUp = func(l netlink.Link) error {
		if !downCalled {
			t.Error("link must be brought down before coming back up")
		}
		upCalled = true
		return nil
	}

	// eth0 currently holds a stale address and one that should stay.
	stale := mustAddr(t, "10.0.0.5/24")
	keep := mustAddr(t, "192.168.1.10/24")
	netlinkAddrList = func(l netlink.Link, family int) ([]netlink.Addr, error) {
		return []netlink.Addr{*stale, *keep}, nil
	}
	var deleted []string
	netlinkAddrDel = func(l netlink.Link, addr *netlink.Addr) error {
		deleted = append(deleted, addr.IPNet.String())
		return nil
	}
	var added []string
	netlinkAddrAdd = func(l netlink.Link, addr *netlink.Addr) error {
		added = append(added, addr.IPNet.String())
		return nil
	}

	err := UpdateInterface(context.Background(), &prot.Interface{
		Device: "eth0",
		IPAddresses: []*prot.IPAddress{
			{Address: "192.168.1.10", Mask: "255.255.255.0"},
			{Address: "192.168.1.11", Mask: "255.255.255.0"},
		},
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !upCalled {
		t.Error("expected the link to be brought back up")
	}
	if len(deleted) != 1 || deleted[0] != "10.0.0.5/24" {
		t.Errorf("expected only the stale address to be deleted, got: %v", deleted)
	}
	if len(added) != 1 || added[0] != "192.168.1.11/24" {
		t.Errorf("expected only the new address to be added, got: %v", added)
	}
}

func Test_UpdateInterface_SetsMTU(t *testing.T) {
	clearTestDependencies()

	netlinkLinkByName = func(name string) (netlink.Link, error) { return fakeLink(2, name), nil }
	netlinkLinkSetDown = func(l netlink.Link) error { return nil }
	netlinkLinkSetUp = func(l netlink.Link) error { return nil }
	netlinkAddrList = func(l netlink.Link, family int) ([]netlink.Addr, error) { return nil, nil }
	var mtu int
	netlinkLinkSetMTU = func(l netlink.Link, m int) error {
		mtu = m
		return nil
	}

	err := UpdateInterface(context.Background(), &prot.Interface{Device: "eth0", MTU: 1450})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if mtu != 1450 {
		t.Errorf("expected MTU 1450, got: %d", mtu)
	}
}

func Test_UpdateRoutes_InstalledInOrder(t *testing.T) {
	clearTestDependencies()

	netlinkLinkByName = func(name string) (netlink.Link, error) { return fakeLink(2, name), nil }
	var installed []string
	netlinkRouteAdd = func(r *netlink.Route) error {
		dst := "default"
		if r.Dst != nil {
			dst = r.Dst.String()
		}
		installed = append(installed, dst)
		return nil
	}

	routes := []*prot.Route{
		{Dest: "192.168.1.0/24", Device: "eth0"},
		{Gateway: "192.168.1.1", Device: "eth0"},
	}
	if err := UpdateRoutes(context.Background(), routes); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	expected := []string{"192.168.1.0/24", "default"}
	if len(installed) != 2 || installed[0] != expected[0] || installed[1] != expected[1] {
		t.Errorf("expected routes %v in order, got: %v", expected, installed)
	}
}

func Test_UpdateRoutes_FirstFailureAborts(t *testing.T) {
	clearTestDependencies()

	netlinkLinkByName = func(name string) (netlink.Link, error) { return fakeLink(2, name), nil }
	expectedErr := errors.New("network is unreachable")
	calls := 0
	netlinkRouteAdd = func(r *netlink.Route) error {
		calls++
		return expectedErr
	}

	routes := []*prot.Route{
		{Gateway: "192.168.1.1", Device: "eth0"},
		{Dest: "192.168.2.0/24", Device: "eth0"},
	}
	err := UpdateRoutes(context.Background(), routes)
	if !errors.Is(err, expectedErr) {
		t.Fatalf("expected err: %v, got: %v", expectedErr, err)
	}
	if calls != 1 {
		t.Errorf("expected the second route to never be attempted, got %d calls", calls)
	}
}

func Test_AddARPNeighbors_PermanentEntry(t *testing.T) {
	clearTestDependencies()

	netlinkLinkByName = func(name string) (netlink.Link, error) { return fakeLink(7, name), nil }
	var neigh *netlink.Neigh
	netlinkNeighSet = func(n *netlink.Neigh) error {
		neigh = n
		return nil
	}

	neighbors := []*prot.ARPNeighbor{{
		IPAddress: &prot.IPAddress{Address: "192.168.1.1"},
		Device:    "eth0",
		LLAddr:    "aa:bb:cc:dd:ee:ff",
	}}
	if err := AddARPNeighbors(context.Background(), neighbors); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if neigh == nil {
		t.Fatal("expected a neighbor entry to be installed")
	}
	if neigh.LinkIndex != 7 {
		t.Errorf("expected link index 7, got: %d", neigh.LinkIndex)
	}
	if neigh.State != netlink.NUD_PERMANENT {
		t.Errorf("expected a permanent entry, got state: %d", neigh.State)
	}
	if neigh.HardwareAddr.String() != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("unexpected hardware address: %v", neigh.HardwareAddr)
	}
}

func Test_AddARPNeighbors_MissingIP_Error(t *testing.T) {
	clearTestDependencies()

	if err := AddARPNeighbors(context.Background(), []*prot.ARPNeighbor{{Device: "eth0"}}); err == nil {
		t.Fatal("expected an error for a neighbor without an IP address")
	}
}

func mustAddr(t *testing.T, cidr string) *netlink.Addr {
	t.Helper()
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		t.Fatalf("bad test address %s: %v", cidr, err)
	}
	return &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: ipNet.Mask}}
}
