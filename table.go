package iprouter

import (
	"fmt"
	"net/netip"
	"sort"
)

// A Route directs datagrams whose destination falls within Prefix out of an
// interface of a Router.
type Route struct {
	// Prefix is the destination network.
	Prefix netip.Prefix

	// NextHop is the router to send matching datagrams to.  The zero value
	// means the network is directly attached to the interface, and
	// datagrams are sent to their own destination address.
	NextHop netip.Addr

	// Interface is the index of the Router interface to send matching
	// datagrams out of.
	Interface int
}

// Direct reports whether the route's network is directly attached.
func (r Route) Direct() bool { return !r.NextHop.IsValid() }

// Matches reports whether addr is within the route's prefix.
func (r Route) Matches(addr netip.Addr) bool {
	if !addr.Is4() {
		return false
	}

	return prefixMatch(addrUint32(r.Prefix.Addr()), r.Prefix.Bits(), addrUint32(addr))
}

func (r Route) String() string {
	if r.Direct() {
		return fmt.Sprintf("%s dev %d", r.Prefix, r.Interface)
	}

	return fmt.Sprintf("%s via %s dev %d", r.Prefix, r.NextHop, r.Interface)
}

// A Table is an IPv4 forwarding table which selects routes by longest
// prefix match.
//
// Routes are keyed by their full prefix, address and length, so routes
// sharing a prefix address but differing in length are distinct.  The table
// holds one map per prefix length, and a lookup probes lengths from 32 down
// to 0.
type Table struct {
	routes [33]map[netip.Prefix]Route
}

// NewTable returns an empty Table.
func NewTable() *Table {
	t := &Table{}
	for bits := range t.routes {
		t.routes[bits] = make(map[netip.Prefix]Route)
	}

	return t
}

// Install adds r to the table, replacing any route for the same prefix.
// Host bits of the prefix address are ignored.  Routes whose prefix or next
// hop is not IPv4 are rejected.
func (t *Table) Install(r Route) error {
	if !r.Prefix.IsValid() || !r.Prefix.Addr().Is4() {
		return fmt.Errorf("route prefix %s: %w", r.Prefix, ErrInvalidPrefix)
	}
	if r.NextHop.IsValid() && !r.NextHop.Is4() {
		return fmt.Errorf("route next hop %s: %w", r.NextHop, ErrInvalidIP)
	}

	r.Prefix = r.Prefix.Masked()
	t.routes[r.Prefix.Bits()][r.Prefix] = r
	return nil
}

// Lookup returns the route with the longest prefix containing dst.
func (t *Table) Lookup(dst netip.Addr) (Route, bool) {
	if !dst.Is4() {
		return Route{}, false
	}

	for bits := 32; bits >= 0; bits-- {
		// Prefix never fails for an IPv4 address and a length within
		// [0, 32].
		p, _ := dst.Prefix(bits)
		if r, ok := t.routes[bits][p]; ok {
			return r, true
		}
	}

	return Route{}, false
}

// Matches returns every route containing dst, longest prefix first.
func (t *Table) Matches(dst netip.Addr) []Route {
	var rs []Route
	for bits := 32; bits >= 0; bits-- {
		for _, r := range t.routes[bits] {
			if r.Matches(dst) {
				rs = append(rs, r)
			}
		}
	}

	return rs
}

// Routes returns all installed routes, longest prefix first, then by
// address.
func (t *Table) Routes() []Route {
	rs := make([]Route, 0, t.Len())
	for bits := 32; bits >= 0; bits-- {
		n := len(rs)
		for _, r := range t.routes[bits] {
			rs = append(rs, r)
		}

		same := rs[n:]
		sort.Slice(same, func(i, j int) bool {
			return same[i].Prefix.Addr().Less(same[j].Prefix.Addr())
		})
	}

	return rs
}

// Len returns the number of installed routes.
func (t *Table) Len() int {
	n := 0
	for _, m := range t.routes {
		n += len(m)
	}

	return n
}
