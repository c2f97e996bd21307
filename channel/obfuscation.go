package channel

import (
	"encoding/binary"

	"github.com/xtaci/qpp"

	"github.com/bechat-go/corenet/protocol"
)

// qppPower is the permutation dimension.
const qppPower = 8

// qppNumPads is fixed rather than operator-configured: this layer only
// obscures datagrams on the wire from casual inspection, it is not the
// channel's confidentiality boundary (the session AEAD is), so there is no
// need to expose a pad-count tuning knob here.
const qppNumPads = 17

// obfuscator wraps a Quantum Permutation Pad to obscure datagrams before
// they hit the wire. A continuous PRNG stream advanced across a reliable,
// ordered byte stream works fine for a pad bound to a single connection,
// but a channel runs over UDP where retransmission and reordering are
// normal. So instead of one running Rand, obfuscator reseeds a fresh Rand
// per datagram from the base key mixed with that datagram's identity,
// which keeps encryption and decryption synchronized regardless of
// delivery order or duplication.
type obfuscator struct {
	pad     *qpp.QuantumPermutationPad
	baseKey []byte
}

func newObfuscator(key []byte) *obfuscator {
	if len(key) == 0 {
		key = []byte("bechat-default-obfuscation-seed")
	}
	return &obfuscator{
		pad:     qpp.NewQPP(key, qppNumPads),
		baseKey: key,
	}
}

// randFor derives a fresh, deterministic Rand for one datagram identity so
// both peers compute the same pad-selection sequence without any shared
// counter state.
func (o *obfuscator) randFor(tag string, id uint32) *qpp.Rand {
	seed := make([]byte, len(o.baseKey)+len(tag)+4)
	n := copy(seed, o.baseKey)
	n += copy(seed[n:], tag)
	binary.BigEndian.PutUint32(seed[n:], id)
	return qpp.CreatePRNG(seed)
}

// obscureHandshake obscures a Probe/Enk/EnkAck datagram. These aren't
// sequenced, so all three share tag "hs" and id 0: low volume and already
// idempotent under retransmission, so reuse of one derived Rand across the
// handful of handshake datagrams is an acceptable trade for simplicity.
func (o *obfuscator) obscureHandshake(buf []byte) []byte {
	out := append([]byte(nil), buf...)
	o.pad.EncryptWithPRNG(out, o.randFor("hs", 0))
	return out
}

func (o *obfuscator) revealHandshake(buf []byte) []byte {
	out := append([]byte(nil), buf...)
	o.pad.DecryptWithPRNG(out, o.randFor("hs", 0))
	return out
}

// obscureSeq obscures only the body following the fixed header: the header
// carries the PacketID the receiver needs, in the clear, to derive the
// matching Rand before it can decrypt anything past it.
func (o *obfuscator) obscureSeq(id uint32, wire []byte) []byte {
	out := append([]byte(nil), wire...)
	if len(out) <= protocol.HeaderSize {
		return out
	}
	o.pad.EncryptWithPRNG(out[protocol.HeaderSize:], o.randFor("seq", id))
	return out
}

// revealFrame inspects a header-prefixed datagram's Kind and PacketID/Ack
// fields (read in the clear) and, for Seq frames, reveals the body obscured
// by obscureSeq using the matching per-id Rand. Ack frames carry no body and
// are returned unchanged.
func (o *obfuscator) revealFrame(buf []byte) []byte {
	if len(buf) < protocol.HeaderSize {
		return buf
	}
	h, err := protocol.Decode(buf)
	if err != nil {
		return buf
	}
	out := append([]byte(nil), buf...)
	switch h.Kind {
	case protocol.KindSeq:
		if len(out) > protocol.HeaderSize {
			o.pad.DecryptWithPRNG(out[protocol.HeaderSize:], o.randFor("seq", h.PacketID))
		}
	case protocol.KindAck:
		// Ack carries no body; nothing to reveal.
	}
	return out
}
