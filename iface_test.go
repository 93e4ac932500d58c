package iprouter

import (
	"bytes"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mdlayher/ethernet"
	"go.uber.org/zap/zaptest"
)

var (
	ifaceHW = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	ifaceIP = netip.MustParseAddr("10.0.0.1")

	peerHW = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
	peerIP = netip.MustParseAddr("10.0.0.2")

	zeroHW = net.HardwareAddr{0, 0, 0, 0, 0, 0}
)

func testInterface(t *testing.T, hw net.HardwareAddr, ip netip.Addr) *Interface {
	t.Helper()

	ifi, err := NewInterface(hw, ip, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("failed to create interface: %v", err)
	}

	return ifi
}

// arpFrame builds an ethernet frame addressed to dst carrying an ARP packet.
func arpFrame(t *testing.T, op Operation, dst, senderHW net.HardwareAddr, senderIP netip.Addr, targetHW net.HardwareAddr, targetIP netip.Addr) *ethernet.Frame {
	t.Helper()

	p, err := NewPacket(op, senderHW, senderIP, targetHW, targetIP)
	if err != nil {
		t.Fatalf("failed to create ARP packet: %v", err)
	}
	b, err := p.MarshalBinary()
	if err != nil {
		t.Fatalf("failed to marshal ARP packet: %v", err)
	}

	return &ethernet.Frame{
		Destination: dst,
		Source:      senderHW,
		EtherType:   ethernet.EtherTypeARP,
		Payload:     b,
	}
}

// ipFrame builds an ethernet frame addressed to dst carrying d.
func ipFrame(t *testing.T, src, dst net.HardwareAddr, d *Datagram) *ethernet.Frame {
	t.Helper()

	b, err := d.MarshalBinary()
	if err != nil {
		t.Fatalf("failed to marshal datagram: %v", err)
	}

	return &ethernet.Frame{
		Destination: dst,
		Source:      src,
		EtherType:   ethernet.EtherTypeIPv4,
		Payload:     b,
	}
}

// pollAll drains the outbound queue of ifi.
func pollAll(ifi *Interface) []*ethernet.Frame {
	var fs []*ethernet.Frame
	for {
		f, ok := ifi.PollOutbound()
		if !ok {
			return fs
		}
		fs = append(fs, f)
	}
}

func mustARP(t *testing.T, f *ethernet.Frame) *Packet {
	t.Helper()

	if want, got := ethernet.EtherTypeARP, f.EtherType; want != got {
		t.Fatalf("unexpected EtherType: %v != %v", want, got)
	}

	p, err := parsePacket(f.Payload)
	if err != nil {
		t.Fatalf("failed to parse ARP packet: %v", err)
	}

	return p
}

func mustIPv4(t *testing.T, f *ethernet.Frame) *Datagram {
	t.Helper()

	if want, got := ethernet.EtherTypeIPv4, f.EtherType; want != got {
		t.Fatalf("unexpected EtherType: %v != %v", want, got)
	}

	d := new(Datagram)
	if err := d.UnmarshalBinary(f.Payload); err != nil {
		t.Fatalf("failed to parse datagram: %v", err)
	}

	return d
}

// checkRequest verifies that f is a broadcast ARP request from ifaceHW for
// target.
func checkRequest(t *testing.T, f *ethernet.Frame, target netip.Addr) {
	t.Helper()

	if want, got := ethernet.Broadcast, f.Destination; !bytes.Equal(want, got) {
		t.Fatalf("unexpected request destination: %v != %v", want, got)
	}
	if want, got := ifaceHW, f.Source; !bytes.Equal(want, got) {
		t.Fatalf("unexpected request source: %v != %v", want, got)
	}

	want := &Packet{
		HardwareType:       1,
		ProtocolType:       uint16(ethernet.EtherTypeIPv4),
		HardwareAddrLength: 6,
		IPLength:           4,
		Operation:          OperationRequest,
		SenderHardwareAddr: ifaceHW,
		SenderIP:           ifaceIP,
		TargetHardwareAddr: zeroHW,
		TargetIP:           target,
	}
	if diff := cmp.Diff(want, mustARP(t, f), addrOpt); diff != "" {
		t.Fatalf("unexpected ARP request (-want +got):\n%s", diff)
	}
}

func TestNewInterfaceErrors(t *testing.T) {
	if _, err := NewInterface(net.HardwareAddr{0, 1, 2}, ifaceIP, nil); err != ErrInvalidHardwareAddr {
		t.Fatalf("unexpected error for short hardware address: %v", err)
	}
	if _, err := NewInterface(ifaceHW, netip.MustParseAddr("fe80::1"), nil); err != ErrInvalidIP {
		t.Fatalf("unexpected error for IPv6 address: %v", err)
	}
}

func TestInterfaceResolveRoundTrip(t *testing.T) {
	ifi := testInterface(t, ifaceHW, ifaceIP)
	d := mustDatagram(t, "10.0.0.1", "10.0.0.2", 64, []byte("ping"))

	ifi.Send(d, peerIP)

	fs := pollAll(ifi)
	if want, got := 1, len(fs); want != got {
		t.Fatalf("unexpected number of frames after send: %d != %d", want, got)
	}
	checkRequest(t, fs[0], peerIP)

	reply := arpFrame(t, OperationReply, ifaceHW, peerHW, peerIP, ifaceHW, ifaceIP)
	if _, ok := ifi.Receive(reply); ok {
		t.Fatal("ARP reply produced a datagram")
	}

	fs = pollAll(ifi)
	if want, got := 1, len(fs); want != got {
		t.Fatalf("unexpected number of frames after reply: %d != %d", want, got)
	}
	if want, got := peerHW, fs[0].Destination; !bytes.Equal(want, got) {
		t.Fatalf("unexpected destination: %v != %v", want, got)
	}
	if want, got := ifaceHW, fs[0].Source; !bytes.Equal(want, got) {
		t.Fatalf("unexpected source: %v != %v", want, got)
	}
	if want, got := []byte("ping"), mustIPv4(t, fs[0]).Payload; !bytes.Equal(want, got) {
		t.Fatalf("unexpected payload: %q != %q", want, got)
	}

	// Resolved now: the next datagram goes straight out.
	ifi.Send(d, peerIP)
	fs = pollAll(ifi)
	if want, got := 1, len(fs); want != got {
		t.Fatalf("unexpected number of frames for cached send: %d != %d", want, got)
	}
	mustIPv4(t, fs[0])
}

func TestInterfaceRequestSuppression(t *testing.T) {
	ifi := testInterface(t, ifaceHW, ifaceIP)

	payloads := []string{"one", "two", "three"}
	ifi.Send(mustDatagram(t, "10.0.0.1", "10.0.0.2", 64, []byte(payloads[0])), peerIP)
	ifi.Send(mustDatagram(t, "10.0.0.1", "10.0.0.2", 64, []byte(payloads[1])), peerIP)

	// Exactly at the end of the window is still within it.
	ifi.AdvanceTime(RequestTimeout)
	ifi.Send(mustDatagram(t, "10.0.0.1", "10.0.0.2", 64, []byte(payloads[2])), peerIP)

	fs := pollAll(ifi)
	if want, got := 1, len(fs); want != got {
		t.Fatalf("unexpected number of ARP requests: %d != %d", want, got)
	}
	checkRequest(t, fs[0], peerIP)

	ifi.Receive(arpFrame(t, OperationReply, ifaceHW, peerHW, peerIP, ifaceHW, ifaceIP))

	fs = pollAll(ifi)
	if want, got := len(payloads), len(fs); want != got {
		t.Fatalf("unexpected number of flushed frames: %d != %d", want, got)
	}
	for i, f := range fs {
		if want, got := peerHW, f.Destination; !bytes.Equal(want, got) {
			t.Fatalf("[%d] unexpected destination: %v != %v", i, want, got)
		}
		if want, got := payloads[i], string(mustIPv4(t, f).Payload); want != got {
			t.Fatalf("[%d] unexpected payload order: %q != %q", i, want, got)
		}
	}
}

func TestInterfacePendingExpiry(t *testing.T) {
	ifi := testInterface(t, ifaceHW, ifaceIP)

	ifi.Send(mustDatagram(t, "10.0.0.1", "10.0.0.2", 64, []byte("stale")), peerIP)
	if want, got := 1, len(pollAll(ifi)); want != got {
		t.Fatalf("unexpected number of frames: %d != %d", want, got)
	}

	ifi.AdvanceTime(RequestTimeout + time.Millisecond)

	// The first datagram was dropped; a new request is issued.
	ifi.Send(mustDatagram(t, "10.0.0.1", "10.0.0.2", 64, []byte("fresh")), peerIP)
	fs := pollAll(ifi)
	if want, got := 1, len(fs); want != got {
		t.Fatalf("unexpected number of frames after expiry: %d != %d", want, got)
	}
	checkRequest(t, fs[0], peerIP)

	ifi.Receive(arpFrame(t, OperationReply, ifaceHW, peerHW, peerIP, ifaceHW, ifaceIP))

	fs = pollAll(ifi)
	if want, got := 1, len(fs); want != got {
		t.Fatalf("unexpected number of flushed frames: %d != %d", want, got)
	}
	if want, got := "fresh", string(mustIPv4(t, fs[0]).Payload); want != got {
		t.Fatalf("unexpected payload: %q != %q", want, got)
	}
}

func TestInterfacePendingExpiryDropsQueue(t *testing.T) {
	ifi := testInterface(t, ifaceHW, ifaceIP)

	ifi.Send(mustDatagram(t, "10.0.0.1", "10.0.0.2", 64, nil), peerIP)
	pollAll(ifi)

	ifi.AdvanceTime(RequestTimeout + time.Millisecond)
	ifi.Receive(arpFrame(t, OperationReply, ifaceHW, peerHW, peerIP, ifaceHW, ifaceIP))

	if fs := pollAll(ifi); len(fs) != 0 {
		t.Fatalf("expected no frames for expired datagram, got %d", len(fs))
	}
}

func TestInterfaceCacheExpiry(t *testing.T) {
	var tests = []struct {
		desc    string
		elapsed time.Duration
		cached  bool
	}{
		{
			desc:    "usable before timeout",
			elapsed: 29999 * time.Millisecond,
			cached:  true,
		},
		{
			desc:    "usable at timeout",
			elapsed: CacheTimeout,
			cached:  true,
		},
		{
			desc:    "stale after timeout",
			elapsed: 30001 * time.Millisecond,
		},
	}

	for i, tt := range tests {
		ifi := testInterface(t, ifaceHW, ifaceIP)
		ifi.Receive(arpFrame(t, OperationReply, ifaceHW, peerHW, peerIP, ifaceHW, ifaceIP))
		if fs := pollAll(ifi); len(fs) != 0 {
			t.Fatalf("[%02d] test %q, unexpected frames after reply: %d", i, tt.desc, len(fs))
		}

		ifi.AdvanceTime(tt.elapsed)
		ifi.Send(mustDatagram(t, "10.0.0.1", "10.0.0.2", 64, nil), peerIP)

		fs := pollAll(ifi)
		if want, got := 1, len(fs); want != got {
			t.Fatalf("[%02d] test %q, unexpected number of frames: %d != %d",
				i, tt.desc, want, got)
		}

		if tt.cached {
			mustIPv4(t, fs[0])
			continue
		}
		checkRequest(t, fs[0], peerIP)
	}
}

func TestInterfaceCacheExpiryAcrossTicks(t *testing.T) {
	ifi := testInterface(t, ifaceHW, ifaceIP)
	ifi.Receive(arpFrame(t, OperationReply, ifaceHW, peerHW, peerIP, ifaceHW, ifaceIP))

	for range 30 {
		ifi.AdvanceTime(time.Second)
	}
	if want, got := 1, len(ifi.Neighbors()); want != got {
		t.Fatalf("unexpected neighbors at timeout: %d != %d", want, got)
	}

	ifi.AdvanceTime(time.Millisecond)
	if want, got := 0, len(ifi.Neighbors()); want != got {
		t.Fatalf("unexpected neighbors after timeout: %d != %d", want, got)
	}
}

func TestInterfaceReceiveNotAddressed(t *testing.T) {
	ifi := testInterface(t, ifaceHW, ifaceIP)
	other := net.HardwareAddr{0x02, 0, 0, 0, 0, 0x99}

	// An IPv4 datagram and a request for our own address, both sent to
	// another host.
	d := mustDatagram(t, "10.0.0.2", "10.0.0.1", 64, nil)
	if _, ok := ifi.Receive(ipFrame(t, peerHW, other, d)); ok {
		t.Fatal("datagram for another host was returned")
	}
	if _, ok := ifi.Receive(arpFrame(t, OperationRequest, other, peerHW, peerIP, zeroHW, ifaceIP)); ok {
		t.Fatal("ARP request produced a datagram")
	}

	if fs := pollAll(ifi); len(fs) != 0 {
		t.Fatalf("expected no frames, got %d", len(fs))
	}
	if ns := ifi.Neighbors(); len(ns) != 0 {
		t.Fatalf("expected nothing learned, got %v", ns)
	}
}

func TestInterfaceReceiveDatagram(t *testing.T) {
	ifi := testInterface(t, ifaceHW, ifaceIP)
	want := mustDatagram(t, "10.0.0.2", "10.9.9.9", 17, []byte("data"))

	for _, dst := range []net.HardwareAddr{ifaceHW, ethernet.Broadcast} {
		got, ok := ifi.Receive(ipFrame(t, peerHW, dst, want))
		if !ok {
			t.Fatalf("no datagram for frame to %v", dst)
		}

		if want, got := want.Destination(), got.Destination(); want != got {
			t.Fatalf("unexpected destination: %v != %v", want, got)
		}
		if want, got := want.Header.TTL, got.Header.TTL; want != got {
			t.Fatalf("unexpected TTL: %d != %d", want, got)
		}
		if want, got := want.Payload, got.Payload; !bytes.Equal(want, got) {
			t.Fatalf("unexpected payload: %q != %q", want, got)
		}
	}
}

func TestInterfaceReceiveMalformed(t *testing.T) {
	ifi := testInterface(t, ifaceHW, ifaceIP)

	var tests = []struct {
		desc string
		f    *ethernet.Frame
	}{
		{
			desc: "truncated IPv4",
			f: &ethernet.Frame{
				Destination: ifaceHW,
				Source:      peerHW,
				EtherType:   ethernet.EtherTypeIPv4,
				Payload:     []byte{0x45, 0, 0},
			},
		},
		{
			desc: "truncated ARP",
			f: &ethernet.Frame{
				Destination: ethernet.Broadcast,
				Source:      peerHW,
				EtherType:   ethernet.EtherTypeARP,
				Payload:     []byte{0, 1, 8, 0},
			},
		},
		{
			desc: "unknown EtherType",
			f: &ethernet.Frame{
				Destination: ifaceHW,
				Source:      peerHW,
				EtherType:   ethernet.EtherTypeIPv6,
				Payload:     make([]byte, 40),
			},
		},
	}

	for i, tt := range tests {
		if _, ok := ifi.Receive(tt.f); ok {
			t.Fatalf("[%02d] test %q, unexpected datagram", i, tt.desc)
		}
	}

	if fs := pollAll(ifi); len(fs) != 0 {
		t.Fatalf("expected no frames, got %d", len(fs))
	}
}

func TestInterfaceAnswersRequest(t *testing.T) {
	ifi := testInterface(t, ifaceHW, ifaceIP)

	req := arpFrame(t, OperationRequest, ethernet.Broadcast, peerHW, peerIP, zeroHW, ifaceIP)
	if _, ok := ifi.Receive(req); ok {
		t.Fatal("ARP request produced a datagram")
	}

	fs := pollAll(ifi)
	if want, got := 1, len(fs); want != got {
		t.Fatalf("unexpected number of replies: %d != %d", want, got)
	}
	if want, got := peerHW, fs[0].Destination; !bytes.Equal(want, got) {
		t.Fatalf("reply not unicast to requester: %v != %v", want, got)
	}

	want := &Packet{
		HardwareType:       1,
		ProtocolType:       uint16(ethernet.EtherTypeIPv4),
		HardwareAddrLength: 6,
		IPLength:           4,
		Operation:          OperationReply,
		SenderHardwareAddr: ifaceHW,
		SenderIP:           ifaceIP,
		TargetHardwareAddr: peerHW,
		TargetIP:           peerIP,
	}
	if diff := cmp.Diff(want, mustARP(t, fs[0]), addrOpt); diff != "" {
		t.Fatalf("unexpected ARP reply (-want +got):\n%s", diff)
	}

	// The requester's mapping was learned from the request.
	ifi.Send(mustDatagram(t, "10.0.0.1", "10.0.0.2", 64, nil), peerIP)
	fs = pollAll(ifi)
	if want, got := 1, len(fs); want != got {
		t.Fatalf("unexpected number of frames: %d != %d", want, got)
	}
	mustIPv4(t, fs[0])
}

func TestInterfaceIgnoresRequestForOtherAddress(t *testing.T) {
	ifi := testInterface(t, ifaceHW, ifaceIP)

	req := arpFrame(t, OperationRequest, ethernet.Broadcast, peerHW, peerIP, zeroHW, netip.MustParseAddr("10.0.0.3"))
	ifi.Receive(req)

	if fs := pollAll(ifi); len(fs) != 0 {
		t.Fatalf("expected no reply, got %d frames", len(fs))
	}

	want := []Neighbor{{IP: peerIP, HardwareAddr: peerHW}}
	if diff := cmp.Diff(want, ifi.Neighbors(), addrOpt); diff != "" {
		t.Fatalf("unexpected neighbors (-want +got):\n%s", diff)
	}
}

func TestInterfaceLearnLastSeenWins(t *testing.T) {
	ifi := testInterface(t, ifaceHW, ifaceIP)
	moved := net.HardwareAddr{0x02, 0, 0, 0, 0, 0x22}

	ifi.Receive(arpFrame(t, OperationReply, ifaceHW, peerHW, peerIP, ifaceHW, ifaceIP))
	ifi.AdvanceTime(10 * time.Second)
	ifi.Receive(arpFrame(t, OperationRequest, ethernet.Broadcast, moved, peerIP, zeroHW, netip.MustParseAddr("10.0.0.3")))

	ifi.Send(mustDatagram(t, "10.0.0.1", "10.0.0.2", 64, nil), peerIP)

	fs := pollAll(ifi)
	if want, got := 1, len(fs); want != got {
		t.Fatalf("unexpected number of frames: %d != %d", want, got)
	}
	if want, got := moved, fs[0].Destination; !bytes.Equal(want, got) {
		t.Fatalf("unexpected destination: %v != %v", want, got)
	}

	// Relearning refreshes the entry's age.
	want := []Neighbor{{IP: peerIP, HardwareAddr: moved}}
	if diff := cmp.Diff(want, ifi.Neighbors(), addrOpt); diff != "" {
		t.Fatalf("unexpected neighbors (-want +got):\n%s", diff)
	}
}

func TestInterfacePollOutboundEmpty(t *testing.T) {
	ifi := testInterface(t, ifaceHW, ifaceIP)

	if f, ok := ifi.PollOutbound(); ok {
		t.Fatalf("unexpected frame: %v", f)
	}
}
