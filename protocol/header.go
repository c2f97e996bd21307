// Package protocol implements the wire-bit-exact frame codec for the
// reliable UDP channel: the fixed 20-byte header and the handful of
// packet kinds built on top of it. Encoding allocates a fresh buffer per
// packet, and Parse copies a packet's body out of the datagram buffer; no
// header buffer is reused across packets. It never interprets payload
// bytes — that is left to the handshake and session layers.
package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// PacketKind enumerates the four packet shapes carried over the wire.
type PacketKind uint32

const (
	// KindSeq carries an AEAD-encrypted application payload.
	KindSeq PacketKind = iota
	// KindEnk carries a raw ephemeral public key during the handshake.
	KindEnk
	// KindEnkAck confirms receipt of the peer's KindEnk.
	KindEnkAck
	// KindAck acknowledges a KindSeq packet.
	KindAck
)

func (k PacketKind) String() string {
	switch k {
	case KindSeq:
		return "Seq"
	case KindEnk:
		return "Enk"
	case KindEnkAck:
		return "EnkAck"
	case KindAck:
		return "Ack"
	default:
		return "Unknown"
	}
}

// HeaderSize is the fixed, wire-exact size of a PacketHeader.
const HeaderSize = 20

// ProbeSize is the size of the bare liveness/identification datagram sent
// before any header exists.
const ProbeSize = 4

// Header is the fixed 20-byte, big-endian header prefixing every
// non-probe packet on the wire.
type Header struct {
	ProtocolID uint32
	Kind       PacketKind
	Checksum   uint32 // reserved; zero on write, ignored on read
	PacketID   uint32
	Ack        uint32
}

// Encode writes the header in big-endian wire order into a fresh
// HeaderSize-byte slice.
func Encode(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.ProtocolID)
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.Kind))
	binary.BigEndian.PutUint32(buf[8:12], h.Checksum)
	binary.BigEndian.PutUint32(buf[12:16], h.PacketID)
	binary.BigEndian.PutUint32(buf[16:20], h.Ack)
	return buf
}

// Decode parses a Header from the front of buf. It rejects any buffer
// shorter than HeaderSize; the remaining bytes (the payload) are the
// caller's concern.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errors.Errorf("protocol: header needs %d bytes, got %d", HeaderSize, len(buf))
	}
	return Header{
		ProtocolID: binary.BigEndian.Uint32(buf[0:4]),
		Kind:       PacketKind(binary.BigEndian.Uint32(buf[4:8])),
		Checksum:   binary.BigEndian.Uint32(buf[8:12]),
		PacketID:   binary.BigEndian.Uint32(buf[12:16]),
		Ack:        binary.BigEndian.Uint32(buf[16:20]),
	}, nil
}

// EncodeProbe produces the bare 4-byte ProtocolId datagram used to open a
// NAT mapping before any header has meaning.
func EncodeProbe(protocolID uint32) []byte {
	buf := make([]byte, ProbeSize)
	binary.BigEndian.PutUint32(buf, protocolID)
	return buf
}

// DecodeProbe parses a bare 4-byte ProtocolId datagram. It is the only
// packet shape not prefixed by a full Header.
func DecodeProbe(buf []byte) (uint32, error) {
	if len(buf) != ProbeSize {
		return 0, errors.Errorf("protocol: probe needs exactly %d bytes, got %d", ProbeSize, len(buf))
	}
	return binary.BigEndian.Uint32(buf), nil
}

// EncodeEnk builds the body of a KindEnk packet: a big-endian u32 key
// length followed by the raw key bytes.
func EncodeEnk(key []byte) []byte {
	buf := make([]byte, 4+len(key))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(key)))
	copy(buf[4:], key)
	return buf
}

// DecodeEnk parses the body of a KindEnk packet.
func DecodeEnk(buf []byte) ([]byte, error) {
	if len(buf) < 4 {
		return nil, errors.New("protocol: Enk body missing key length")
	}
	keyLen := binary.BigEndian.Uint32(buf[0:4])
	if uint32(len(buf)-4) < keyLen {
		return nil, errors.Errorf("protocol: Enk body declares %d key bytes, has %d", keyLen, len(buf)-4)
	}
	key := make([]byte, keyLen)
	copy(key, buf[4:4+keyLen])
	return key, nil
}
