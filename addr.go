package iprouter

import (
	"bytes"
	"encoding/binary"
	"net"
	"net/netip"
)

// addrUint32 returns the numeric form of an IPv4 address.
func addrUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

// prefixMatch reports whether the bits most significant bits of prefix and
// addr are equal.  A zero length prefix matches every address.
func prefixMatch(prefix uint32, bits int, addr uint32) bool {
	if bits <= 0 {
		return true
	}
	if bits >= 32 {
		return prefix == addr
	}

	shift := uint(32 - bits)
	return prefix>>shift == addr>>shift
}

// hardwareAddrEqual reports whether a and b are the same hardware address.
func hardwareAddrEqual(a, b net.HardwareAddr) bool {
	return bytes.Equal(a, b)
}
