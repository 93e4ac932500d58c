package iprouter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/raw"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// protocolAll is the Linux ETH_P_ALL protocol, which receives frames of
// every EtherType.
const protocolAll = 0x0003

// ListenPacket opens a raw ethernet socket on ifi which sends and receives
// frames of every EtherType.
func ListenPacket(ifi *net.Interface) (net.PacketConn, error) {
	c, err := raw.ListenPacket(ifi, protocolAll, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open raw socket on %s: %w", ifi.Name, err)
	}

	return c, nil
}

// InterfaceAddr returns the first IPv4 address assigned to ifi.
func InterfaceAddr(ifi *net.Interface) (netip.Addr, error) {
	addrs, err := ifi.Addrs()
	if err != nil {
		return netip.Addr{}, err
	}

	return firstIPv4Addr(addrs)
}

// firstIPv4Addr attempts to retrieve the first detected IPv4 address from an
// input slice of network addresses.
func firstIPv4Addr(addrs []net.Addr) (netip.Addr, error) {
	for _, a := range addrs {
		if a.Network() != "ip+net" {
			continue
		}

		p, err := netip.ParsePrefix(a.String())
		if err != nil {
			return netip.Addr{}, err
		}

		if ip := p.Addr().Unmap(); ip.Is4() {
			return ip, nil
		}
	}

	return netip.Addr{}, errors.New("no IPv4 address")
}

// An inboundFrame is an ethernet frame read from the conn of a port.
type inboundFrame struct {
	port  int
	frame *ethernet.Frame
}

// Serve moves ethernet frames between the Router's interfaces and conns,
// where conns[i] carries the traffic of r.Port(i), until ctx is canceled or
// a conn fails.  Serve closes conns before returning.
//
// One goroutine per conn reads and decodes frames; a single goroutine owns
// the Router, feeding it frames, forwarding datagrams, advancing its clock
// every tick and writing outbound frames.
func Serve(ctx context.Context, r *Router, conns []net.PacketConn, tick time.Duration) error {
	closeConns := func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}

	if len(conns) != r.NumPorts() {
		closeConns()
		return fmt.Errorf("have %d conns for %d interfaces", len(conns), r.NumPorts())
	}
	if tick <= 0 {
		closeConns()
		return fmt.Errorf("invalid tick interval %s", tick)
	}

	eg, ctx := errgroup.WithContext(ctx)
	frames := make(chan inboundFrame)

	for i, c := range conns {
		eg.Go(func() error {
			return readFrames(ctx, i, c, frames, r.log)
		})
	}

	eg.Go(func() error {
		defer closeConns()

		return pump(ctx, r, conns, frames, tick)
	})

	return eg.Wait()
}

// readFrames reads frames from c and delivers them to frames until c is
// closed or ctx is canceled.
func readFrames(ctx context.Context, port int, c net.PacketConn, frames chan<- inboundFrame, log *zap.Logger) error {
	buf := make([]byte, 1<<16)
	for {
		n, _, err := c.ReadFrom(buf)
		if err != nil {
			// Treat EOF and shutdown as an exit signal
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("failed to read from interface %d: %w", port, err)
		}

		b := make([]byte, n)
		copy(b, buf[:n])

		f := new(ethernet.Frame)
		if err := f.UnmarshalBinary(b); err != nil {
			log.Debug("dropping malformed ethernet frame", zap.Int("port", port), zap.Error(err))
			continue
		}

		select {
		case frames <- inboundFrame{port: port, frame: f}:
		case <-ctx.Done():
			return nil
		}
	}
}

// pump is the only goroutine which touches r while serving.
func pump(ctx context.Context, r *Router, conns []net.PacketConn, frames <-chan inboundFrame, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-frames:
			r.Port(in.port).ReceiveFrame(in.frame)
			r.ForwardPending()
		case now := <-ticker.C:
			r.AdvanceTime(now.Sub(last))
			last = now
		}

		flush(r, conns)
	}
}

// flush writes every outbound frame of every interface to its conn.
func flush(r *Router, conns []net.PacketConn) {
	for i, c := range conns {
		p := r.Port(i)
		for {
			f, ok := p.PollOutbound()
			if !ok {
				break
			}

			b, err := f.MarshalBinary()
			if err != nil {
				r.log.Warn("failed to marshal frame", zap.Int("port", i), zap.Error(err))
				continue
			}

			if _, err := c.WriteTo(b, &raw.Addr{HardwareAddr: f.Destination}); err != nil {
				r.log.Warn("failed to write frame",
					zap.Int("port", i),
					zap.Stringer("dst", f.Destination),
					zap.Error(err),
				)
			}
		}
	}
}
