package iprouter

import (
	"net"
	"net/netip"
	"sort"
	"time"

	"github.com/mdlayher/ethernet"
	"go.uber.org/zap"
)

const (
	// CacheTimeout is how long a learned IPv4 to hardware address mapping
	// stays usable.
	CacheTimeout = 30 * time.Second

	// RequestTimeout is how long an outstanding ARP request suppresses
	// further requests for the same address, and how long datagrams wait
	// for its reply before being dropped.
	RequestTimeout = 5 * time.Second
)

// An Interface connects an IPv4 host or router to an ethernet segment.  It
// resolves next hop addresses using ARP, holds datagrams until their next
// hop is resolved, and queues ethernet frames for transmission.
//
// Time only moves when AdvanceTime is called, and all expiry is measured
// against that virtual clock.  An Interface is not safe for concurrent use.
type Interface struct {
	hw  net.HardwareAddr
	ip  netip.Addr
	log *zap.Logger

	now      time.Duration
	cache    map[netip.Addr]cacheEntry
	pending  map[netip.Addr]*pendingEntry
	outbound []*ethernet.Frame
}

// A cacheEntry is a hardware address learned from an ARP packet.
type cacheEntry struct {
	hw        net.HardwareAddr
	learnedAt time.Duration
}

// A pendingEntry holds the datagrams waiting on an outstanding ARP request.
type pendingEntry struct {
	requestedAt time.Duration
	queue       []*Datagram
}

// A Neighbor is a fresh entry in an Interface's ARP cache.
type Neighbor struct {
	IP           netip.Addr
	HardwareAddr net.HardwareAddr
	// Age is the virtual time elapsed since the mapping was learned.
	Age time.Duration
}

// NewInterface creates an Interface with the given ethernet and IPv4
// addresses.  If log is nil, nothing is logged.
func NewInterface(hw net.HardwareAddr, ip netip.Addr, log *zap.Logger) (*Interface, error) {
	if len(hw) != 6 {
		return nil, ErrInvalidHardwareAddr
	}
	if !ip.Is4() {
		return nil, ErrInvalidIP
	}
	if log == nil {
		log = zap.NewNop()
	}

	log = log.With(zap.Stringer("hw", hw), zap.Stringer("ip", ip))
	log.Info("network interface created")

	return &Interface{
		hw:      hw,
		ip:      ip,
		log:     log,
		cache:   make(map[netip.Addr]cacheEntry),
		pending: make(map[netip.Addr]*pendingEntry),
	}, nil
}

// HardwareAddr returns the ethernet address of the Interface.
func (ifi *Interface) HardwareAddr() net.HardwareAddr { return ifi.hw }

// Addr returns the IPv4 address of the Interface.
func (ifi *Interface) Addr() netip.Addr { return ifi.ip }

// Send transmits d to the host or router at nextHop.  If the hardware
// address of nextHop is not known, d is held while it is resolved.
func (ifi *Interface) Send(d *Datagram, nextHop netip.Addr) {
	if e, ok := ifi.lookup(nextHop); ok {
		ifi.sendDatagram(d, e.hw)
		return
	}

	ifi.request(d, nextHop)
}

// lookup returns the fresh cache entry for ip, if any.
func (ifi *Interface) lookup(ip netip.Addr) (cacheEntry, bool) {
	e, ok := ifi.cache[ip]
	if !ok || ifi.now-e.learnedAt > CacheTimeout {
		return cacheEntry{}, false
	}

	return e, true
}

// request queues d behind an ARP request for ip, broadcasting a new request
// unless one was sent within RequestTimeout.
func (ifi *Interface) request(d *Datagram, ip netip.Addr) {
	if p, ok := ifi.pending[ip]; ok && ifi.now-p.requestedAt <= RequestTimeout {
		p.queue = append(p.queue, d)
		ifi.log.Debug("queued datagram behind outstanding ARP request",
			zap.Stringer("next_hop", ip),
			zap.Int("queued", len(p.queue)),
		)
		return
	}

	ifi.pending[ip] = &pendingEntry{
		requestedAt: ifi.now,
		queue:       []*Datagram{d},
	}

	// The target hardware address of a request is unknown and left zeroed.
	p, err := NewPacket(OperationRequest, ifi.hw, ifi.ip, make(net.HardwareAddr, 6), ip)
	if err != nil {
		ifi.log.Debug("failed to build ARP request", zap.Stringer("next_hop", ip), zap.Error(err))
		return
	}

	ifi.log.Debug("broadcasting ARP request", zap.Stringer("target_ip", ip))
	ifi.sendPacket(p, ethernet.Broadcast)
}

// Receive processes an inbound ethernet frame.  If the frame carries a valid
// IPv4 datagram addressed to this Interface, the datagram is returned.  ARP
// packets update the cache and may queue replies, but never produce a
// datagram.
func (ifi *Interface) Receive(f *ethernet.Frame) (*Datagram, bool) {
	if !hardwareAddrEqual(f.Destination, ifi.hw) && !hardwareAddrEqual(f.Destination, ethernet.Broadcast) {
		return nil, false
	}

	switch f.EtherType {
	case ethernet.EtherTypeIPv4:
		d := new(Datagram)
		if err := d.UnmarshalBinary(f.Payload); err != nil {
			ifi.log.Debug("dropping malformed IPv4 datagram",
				zap.Stringer("src", f.Source),
				zap.Error(err),
			)
			return nil, false
		}

		return d, true
	case ethernet.EtherTypeARP:
		p, err := parsePacket(f.Payload)
		if err != nil {
			ifi.log.Debug("dropping malformed ARP packet",
				zap.Stringer("src", f.Source),
				zap.Error(err),
			)
			return nil, false
		}

		ifi.learn(p)
		ifi.reply(p)
		return nil, false
	default:
		return nil, false
	}
}

// learn records the sender mapping of any ARP packet and flushes datagrams
// waiting on that address.
func (ifi *Interface) learn(p *Packet) {
	ifi.cache[p.SenderIP] = cacheEntry{
		hw:        p.SenderHardwareAddr,
		learnedAt: ifi.now,
	}

	pe, ok := ifi.pending[p.SenderIP]
	if !ok {
		ifi.log.Debug("learned hardware address",
			zap.Stringer("ip", p.SenderIP),
			zap.Stringer("hw_addr", p.SenderHardwareAddr),
		)
		return
	}

	for _, d := range pe.queue {
		ifi.sendDatagram(d, p.SenderHardwareAddr)
	}
	delete(ifi.pending, p.SenderIP)

	ifi.log.Debug("resolved hardware address",
		zap.Stringer("ip", p.SenderIP),
		zap.Stringer("hw_addr", p.SenderHardwareAddr),
		zap.Int("flushed", len(pe.queue)),
	)
}

// reply answers ARP requests for this Interface's address.
func (ifi *Interface) reply(p *Packet) {
	if p.Operation != OperationRequest || p.TargetIP != ifi.ip {
		return
	}

	r, err := NewPacket(OperationReply, ifi.hw, ifi.ip, p.SenderHardwareAddr, p.SenderIP)
	if err != nil {
		ifi.log.Debug("failed to build ARP reply", zap.Stringer("target_ip", p.SenderIP), zap.Error(err))
		return
	}

	ifi.log.Debug("answering ARP request",
		zap.Stringer("requester_ip", p.SenderIP),
		zap.Stringer("requester_hw_addr", p.SenderHardwareAddr),
	)
	ifi.sendPacket(r, p.SenderHardwareAddr)
}

// AdvanceTime moves the virtual clock forward by d and expires stale cache
// entries and outstanding requests.  Datagrams waiting on an expired request
// are dropped.
func (ifi *Interface) AdvanceTime(d time.Duration) {
	ifi.now += d

	for ip, e := range ifi.cache {
		if ifi.now-e.learnedAt > CacheTimeout {
			delete(ifi.cache, ip)
			ifi.log.Debug("expired hardware address", zap.Stringer("ip", ip))
		}
	}

	for ip, p := range ifi.pending {
		if ifi.now-p.requestedAt > RequestTimeout {
			delete(ifi.pending, ip)
			ifi.log.Debug("ARP request timed out, dropping datagrams",
				zap.Stringer("ip", ip),
				zap.Int("dropped", len(p.queue)),
			)
		}
	}
}

// PollOutbound removes and returns the oldest frame queued for
// transmission.
func (ifi *Interface) PollOutbound() (*ethernet.Frame, bool) {
	if len(ifi.outbound) == 0 {
		return nil, false
	}

	f := ifi.outbound[0]
	ifi.outbound[0] = nil
	ifi.outbound = ifi.outbound[1:]
	return f, true
}

// Neighbors returns the fresh entries of the ARP cache, ordered by address.
func (ifi *Interface) Neighbors() []Neighbor {
	ns := make([]Neighbor, 0, len(ifi.cache))
	for ip := range ifi.cache {
		e, ok := ifi.lookup(ip)
		if !ok {
			continue
		}

		ns = append(ns, Neighbor{
			IP:           ip,
			HardwareAddr: e.hw,
			Age:          ifi.now - e.learnedAt,
		})
	}

	sort.Slice(ns, func(i, j int) bool {
		return ns[i].IP.Less(ns[j].IP)
	})

	return ns
}

// sendDatagram queues d in an IPv4 frame addressed to dst.
func (ifi *Interface) sendDatagram(d *Datagram, dst net.HardwareAddr) {
	b, err := d.MarshalBinary()
	if err != nil {
		ifi.log.Debug("dropping unserializable datagram", zap.Error(err))
		return
	}

	ifi.enqueue(ethernet.EtherTypeIPv4, dst, b)
}

// sendPacket queues p in an ARP frame addressed to dst.
func (ifi *Interface) sendPacket(p *Packet, dst net.HardwareAddr) {
	// MarshalBinary never returns an error.
	b, _ := p.MarshalBinary()
	ifi.enqueue(ethernet.EtherTypeARP, dst, b)
}

func (ifi *Interface) enqueue(et ethernet.EtherType, dst net.HardwareAddr, payload []byte) {
	ifi.outbound = append(ifi.outbound, &ethernet.Frame{
		Destination: dst,
		Source:      ifi.hw,
		EtherType:   et,
		Payload:     payload,
	})
}
