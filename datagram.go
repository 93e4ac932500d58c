package iprouter

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// A Datagram is an IPv4 datagram: a header and the bytes it carries.
type Datagram struct {
	Header  layers.IPv4
	Payload []byte
}

// NewDatagram creates a Datagram from src to dst carrying payload, with a
// valid header checksum.
func NewDatagram(src, dst netip.Addr, ttl uint8, proto layers.IPProtocol, payload []byte) (*Datagram, error) {
	if !src.Is4() || !dst.Is4() {
		return nil, ErrInvalidIP
	}

	d := &Datagram{
		Header: layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      ttl,
			Protocol: proto,
			SrcIP:    src.AsSlice(),
			DstIP:    dst.AsSlice(),
		},
		Payload: payload,
	}
	if err := d.ComputeChecksum(); err != nil {
		return nil, err
	}

	return d, nil
}

// Source returns the source address of the datagram.
func (d *Datagram) Source() netip.Addr {
	a, _ := netip.AddrFromSlice(d.Header.SrcIP.To4())
	return a
}

// Destination returns the destination address of the datagram.
func (d *Datagram) Destination() netip.Addr {
	a, _ := netip.AddrFromSlice(d.Header.DstIP.To4())
	return a
}

// ComputeChecksum fixes the header lengths and recomputes the header
// checksum over the current header fields.
func (d *Datagram) ComputeChecksum() error {
	b, err := d.serialize(gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	})
	if err != nil {
		return err
	}

	d.Header.Checksum = binary.BigEndian.Uint16(b[10:12])
	return nil
}

// MarshalBinary allocates a byte slice containing the datagram.  The stored
// header checksum is written as is.
func (d *Datagram) MarshalBinary() ([]byte, error) {
	return d.serialize(gopacket.SerializeOptions{FixLengths: true})
}

func (d *Datagram) serialize(opts gopacket.SerializeOptions) ([]byte, error) {
	// Serialize a copy so the caller's header is only touched by the
	// explicit assignments in ComputeChecksum.
	h := d.Header

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, opts, &h, gopacket.Payload(d.Payload)); err != nil {
		return nil, fmt.Errorf("failed to serialize IPv4 datagram: %w", err)
	}

	if opts.FixLengths {
		d.Header.IHL = h.IHL
		d.Header.Length = h.Length
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary unmarshals a raw byte slice into a Datagram.  Bytes past
// the header's total length, such as ethernet padding, are ignored.
func (d *Datagram) UnmarshalBinary(b []byte) error {
	var h layers.IPv4
	if err := h.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return err
	}
	if h.Version != 4 {
		return fmt.Errorf("unexpected IP version %d", h.Version)
	}

	payload := make([]byte, len(h.Payload))
	copy(payload, h.Payload)

	// Detach the header from b.
	h.SrcIP = append([]byte(nil), h.SrcIP.To4()...)
	h.DstIP = append([]byte(nil), h.DstIP.To4()...)
	for i := range h.Options {
		h.Options[i].OptionData = append([]byte(nil), h.Options[i].OptionData...)
	}
	h.Padding = append([]byte(nil), h.Padding...)
	h.Contents = nil
	h.Payload = nil

	d.Header = h
	d.Payload = payload
	return nil
}
