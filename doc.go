// Package iprouter implements the forwarding core of a software IPv4 router.
//
// An Interface resolves next hop IPv4 addresses to ethernet addresses using
// ARP, as described in RFC 826.  It caches learned addresses for
// CacheTimeout, holds datagrams while their next hop is being resolved, and
// sends at most one ARP request per address every RequestTimeout.
//
// A Router owns a set of Interfaces and a Table of routes.  ForwardPending
// takes every datagram received by its interfaces, selects a route by
// longest prefix match, decrements the TTL and hands the datagram to the
// egress Interface.
//
// Interfaces and Routers never block, never start goroutines and never read
// the wall clock: callers feed them frames, drain their outbound frames, and
// advance their virtual clocks explicitly.  Serve does exactly that over
// net.PacketConns such as raw ethernet sockets.
package iprouter
