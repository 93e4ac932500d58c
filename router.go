package iprouter

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/mdlayher/ethernet"
	"go.uber.org/zap"
)

var (
	// ErrInvalidPrefix is returned when a route prefix is not an IPv4
	// prefix with a length within [0, 32].
	ErrInvalidPrefix = errors.New("invalid IPv4 prefix")

	// ErrNoInterface is returned by Router.InstallRoute when a route names
	// an interface the Router does not have.
	ErrNoInterface = errors.New("no such interface")
)

// A Port is an Interface attached to a Router.  IPv4 datagrams received on
// a Port are held until the Router forwards them.
type Port struct {
	*Interface
	inbound []*Datagram
}

// ReceiveFrame processes an inbound ethernet frame, holding any datagram it
// carries for forwarding.
func (p *Port) ReceiveFrame(f *ethernet.Frame) {
	if d, ok := p.Receive(f); ok {
		p.inbound = append(p.inbound, d)
	}
}

// PollDatagram removes and returns the oldest datagram held by the Port.
func (p *Port) PollDatagram() (*Datagram, bool) {
	if len(p.inbound) == 0 {
		return nil, false
	}

	d := p.inbound[0]
	p.inbound[0] = nil
	p.inbound = p.inbound[1:]
	return d, true
}

// A Router forwards IPv4 datagrams between its interfaces.
//
// Like Interface, a Router is driven by its caller and is not safe for
// concurrent use.
type Router struct {
	ports []*Port
	table *Table
	log   *zap.Logger
}

// NewRouter creates a Router with no interfaces and an empty forwarding
// table.  If log is nil, nothing is logged.
func NewRouter(log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}

	return &Router{
		table: NewTable(),
		log:   log,
	}
}

// AddInterface attaches ifi to the Router and returns its index.  The
// Router takes ownership of ifi.
func (r *Router) AddInterface(ifi *Interface) int {
	r.ports = append(r.ports, &Port{Interface: ifi})
	return len(r.ports) - 1
}

// Port returns the interface attached at index i.
func (r *Router) Port(i int) *Port { return r.ports[i] }

// NumPorts returns the number of attached interfaces.
func (r *Router) NumPorts() int { return len(r.ports) }

// InstallRoute adds a route for datagrams whose destination matches the
// prefixLength most significant bits of prefix.  Matching datagrams are sent
// out of interface iface to nextHop, or, if nextHop is the zero Addr, to
// their own destination address.
//
// A route for the same prefix and length replaces the existing one.
func (r *Router) InstallRoute(prefix netip.Addr, prefixLength int, nextHop netip.Addr, iface int) error {
	if !prefix.Is4() {
		return fmt.Errorf("route prefix %s: %w", prefix, ErrInvalidIP)
	}
	if nextHop.IsValid() && !nextHop.Is4() {
		return fmt.Errorf("route next hop %s: %w", nextHop, ErrInvalidIP)
	}

	p, err := prefix.Prefix(prefixLength)
	if err != nil {
		return fmt.Errorf("route prefix %s/%d: %w", prefix, prefixLength, ErrInvalidPrefix)
	}
	if iface < 0 || iface >= len(r.ports) {
		return fmt.Errorf("route %s interface %d: %w", p, iface, ErrNoInterface)
	}

	rt := Route{
		Prefix:    p,
		NextHop:   nextHop,
		Interface: iface,
	}
	if err := r.table.Install(rt); err != nil {
		return err
	}

	r.log.Info("installed route", zap.Stringer("route", rt))
	return nil
}

// Lookup returns the route the Router would use for dst.
func (r *Router) Lookup(dst netip.Addr) (Route, bool) { return r.table.Lookup(dst) }

// Routes returns the Router's installed routes.
func (r *Router) Routes() []Route { return r.table.Routes() }

// ForwardPending forwards every datagram held by every interface.
//
// Datagrams with no matching route, or whose TTL would reach zero, are
// dropped.  Others have their TTL decremented and are sent out of the
// matching route's interface.
func (r *Router) ForwardPending() {
	for _, p := range r.ports {
		for {
			d, ok := p.PollDatagram()
			if !ok {
				break
			}

			r.forward(d)
		}
	}
}

func (r *Router) forward(d *Datagram) {
	dst := d.Destination()

	rt, ok := r.table.Lookup(dst)
	if !ok {
		r.log.Debug("dropping datagram with no route", zap.Stringer("dst", dst))
		return
	}
	if d.Header.TTL <= 1 {
		r.log.Debug("dropping datagram with expired TTL",
			zap.Stringer("dst", dst),
			zap.Uint8("ttl", d.Header.TTL),
		)
		return
	}

	d.Header.TTL--
	if err := d.ComputeChecksum(); err != nil {
		r.log.Debug("dropping datagram", zap.Stringer("dst", dst), zap.Error(err))
		return
	}

	nextHop := rt.NextHop
	if rt.Direct() {
		nextHop = dst
	}

	r.ports[rt.Interface].Send(d, nextHop)
}

// AdvanceTime moves the virtual clock of every interface forward by d.
func (r *Router) AdvanceTime(d time.Duration) {
	for _, p := range r.ports {
		p.AdvanceTime(d)
	}
}
