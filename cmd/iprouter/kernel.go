package main

import (
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"

	"github.com/mdlayher/iprouter"
)

// kernelRoutes returns the kernel's IPv4 routes through the named
// interface, bound to router interface index iface.
func kernelRoutes(name string, iface int) ([]iprouter.Route, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("failed to find link %q: %w", name, err)
	}

	nlRoutes, err := netlink.RouteList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("failed to list routes of %q: %w", name, err)
	}

	routes := make([]iprouter.Route, 0, len(nlRoutes))
	for _, rt := range nlRoutes {
		if r, ok := kernelRoute(rt, iface); ok {
			routes = append(routes, r)
		}
	}

	return routes, nil
}

// kernelRoute converts a netlink route.  Routes which are not IPv4 unicast
// routes are skipped.
func kernelRoute(rt netlink.Route, iface int) (iprouter.Route, bool) {
	prefix := netip.PrefixFrom(netip.IPv4Unspecified(), 0)
	if rt.Dst != nil {
		addr, ok := netip.AddrFromSlice(rt.Dst.IP.To4())
		if !ok {
			return iprouter.Route{}, false
		}

		ones, bits := rt.Dst.Mask.Size()
		if bits != 32 {
			return iprouter.Route{}, false
		}
		prefix = netip.PrefixFrom(addr, ones)
	}

	var nextHop netip.Addr
	if rt.Gw != nil {
		gw, ok := netip.AddrFromSlice(rt.Gw.To4())
		if !ok {
			return iprouter.Route{}, false
		}
		nextHop = gw
	}

	return iprouter.Route{
		Prefix:    prefix,
		NextHop:   nextHop,
		Interface: iface,
	}, true
}
