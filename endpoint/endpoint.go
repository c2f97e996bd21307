// Package endpoint describes the (address, port) pairs peers rendezvous
// over, and the small set of deterministic encodings the rest of the core
// builds on: ProtocolId derivation and the 6-byte compact endpoint form
// the relay uses to hand out candidate addresses.
package endpoint

import (
	"crypto/sha256"
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
)

// Endpoint is an IPv4 address and UDP port pair.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// String renders the endpoint as "ip:port".
func (e Endpoint) String() string {
	return (&net.UDPAddr{IP: e.IP, Port: int(e.Port)}).String()
}

// UDPAddr converts the endpoint to a *net.UDPAddr for dialing/listening.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.IP, Port: int(e.Port)}
}

// Equal reports whether two endpoints refer to the same IPv4 address and port.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.IP.To4().Equal(o.IP.To4()) && e.Port == o.Port
}

// FromUDPAddr builds an Endpoint from a resolved *net.UDPAddr.
func FromUDPAddr(addr *net.UDPAddr) Endpoint {
	return Endpoint{IP: addr.IP.To4(), Port: uint16(addr.Port)}
}

// compactSize is the wire size of a compact endpoint: 4-byte IPv4 + 2-byte port.
const compactSize = 6

// EncodeCompact renders the endpoint as the 6-byte network-order form used
// for the relay's prip/pubip fields.
func EncodeCompact(e Endpoint) ([]byte, error) {
	ip4 := e.IP.To4()
	if ip4 == nil {
		return nil, errors.Errorf("endpoint: %v is not an IPv4 address", e.IP)
	}
	buf := make([]byte, compactSize)
	copy(buf[0:4], ip4)
	binary.BigEndian.PutUint16(buf[4:6], e.Port)
	return buf, nil
}

// DecodeCompact parses a 6-byte compact endpoint.
func DecodeCompact(buf []byte) (Endpoint, error) {
	if len(buf) < compactSize {
		return Endpoint{}, errors.Errorf("endpoint: compact endpoint too short: %d bytes", len(buf))
	}
	ip := net.IPv4(buf[0], buf[1], buf[2], buf[3])
	port := binary.BigEndian.Uint16(buf[4:6])
	return Endpoint{IP: ip, Port: port}, nil
}

// DeriveProtocolID computes the wire ProtocolId for an application name:
// the first four bytes of SHA-256(name), interpreted big-endian, reduced
// modulo 1,000,000. Identical application names on both peers therefore
// always produce identical ids, and mismatched applications sharing a
// machine silently drop each other's packets instead of interoperating.
func DeriveProtocolID(appName string) uint32 {
	sum := sha256.Sum256([]byte(appName))
	raw := binary.BigEndian.Uint32(sum[0:4])
	return raw % 1000000
}
