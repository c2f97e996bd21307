package protocol

import "github.com/pkg/errors"

// Packet is the tagged-sum-type view of everything that can arrive on the
// wire: a Header plus a kind-specific body, modeled as a Go interface with
// one concrete type per PacketKind rather than the base-class-plus-
// type-check the original design used.
type Packet interface {
	Kind() PacketKind
	// Encode renders the full wire bytes (header + body) for this packet.
	Encode(protocolID uint32) []byte
}

// SeqPacket carries an AEAD ciphertext payload.
type SeqPacket struct {
	PacketID   uint32
	Ciphertext []byte
}

func (p SeqPacket) Kind() PacketKind { return KindSeq }

func (p SeqPacket) Encode(protocolID uint32) []byte {
	h := Header{ProtocolID: protocolID, Kind: KindSeq, PacketID: p.PacketID}
	return append(Encode(h), p.Ciphertext...)
}

// EnkPacket carries a raw ephemeral public key.
type EnkPacket struct {
	Key []byte
}

func (p EnkPacket) Kind() PacketKind { return KindEnk }

func (p EnkPacket) Encode(protocolID uint32) []byte {
	h := Header{ProtocolID: protocolID, Kind: KindEnk}
	return append(Encode(h), EncodeEnk(p.Key)...)
}

// EnkAckPacket confirms receipt of the peer's key. It carries no body.
type EnkAckPacket struct{}

func (p EnkAckPacket) Kind() PacketKind { return KindEnkAck }

func (p EnkAckPacket) Encode(protocolID uint32) []byte {
	return Encode(Header{ProtocolID: protocolID, Kind: KindEnkAck})
}

// AckPacket acknowledges a SeqPacket by PacketID, carried in the header's
// Ack field; it has no body.
type AckPacket struct {
	AckedID uint32
}

func (p AckPacket) Kind() PacketKind { return KindAck }

func (p AckPacket) Encode(protocolID uint32) []byte {
	return Encode(Header{ProtocolID: protocolID, Kind: KindAck, Ack: p.AckedID})
}

// Parse decodes a full (header-prefixed) datagram into its concrete Packet
// type. Malformed bodies and unrecognized kinds are reported as errors so
// the caller can silently drop the datagram.
func Parse(buf []byte) (Header, Packet, error) {
	h, err := Decode(buf)
	if err != nil {
		return Header{}, nil, err
	}
	body := buf[HeaderSize:]
	switch h.Kind {
	case KindSeq:
		ct := make([]byte, len(body))
		copy(ct, body)
		return h, SeqPacket{PacketID: h.PacketID, Ciphertext: ct}, nil
	case KindEnk:
		key, err := DecodeEnk(body)
		if err != nil {
			return h, nil, err
		}
		return h, EnkPacket{Key: key}, nil
	case KindEnkAck:
		return h, EnkAckPacket{}, nil
	case KindAck:
		return h, AckPacket{AckedID: h.Ack}, nil
	default:
		return h, nil, errors.Errorf("protocol: unknown packet kind %d", h.Kind)
	}
}
