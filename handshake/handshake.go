// Package handshake implements the three-step session handshake: Probe,
// KeyOffer (Enk), and KeyConfirm (EnkAck). It tolerates either side
// initiating first, duplication, and reordering, and is idempotent under
// retransmission. A Handshake is driven synchronously by its owning
// channel — it has no goroutine of its own; the retransmit timer is a
// deadline the channel's existing poll loop checks on every tick.
package handshake

import (
	"time"

	"github.com/pkg/errors"

	"github.com/bechat-go/corenet/cryptosess"
	"github.com/bechat-go/corenet/protocol"
)

// RetransmitInterval is the fixed period for resending the most advanced
// outbound step not yet acknowledged by visible progress.
const RetransmitInterval = 2 * time.Second

// ErrCancelled describes a handshake cancelled before completion. Handshake
// itself does not return it: Cancel sets a flag that Cancelled reports,
// after which HandlePacket and Tick do nothing.
var ErrCancelled = errors.New("handshake: cancelled before completion")

// Sender is the narrow interface a Handshake needs to emit datagrams; the
// owning channel's UDP socket satisfies it.
type Sender interface {
	SendTo(buf []byte) error
}

// Handshake drives one side of the three-step exchange against a single
// remote endpoint.
type Handshake struct {
	protocolID uint32
	sender     Sender

	keys       cryptosess.KeyPair
	haveKeys   bool
	peerPublic []byte

	sentProbe  bool
	sentEnk    bool
	sentEnkAck bool
	recvEnk    bool
	recvEnkAck bool

	nextRetransmit time.Time
	cancelled      bool

	sharedKey [cryptosess.KeySize]byte
}

// New creates a handshake targeting one remote endpoint over sender.
func New(protocolID uint32, sender Sender) *Handshake {
	return &Handshake{protocolID: protocolID, sender: sender}
}

// Start sends the initial Probe and arms the retransmit deadline.
func (h *Handshake) Start(now time.Time) error {
	h.sentProbe = true
	h.nextRetransmit = now.Add(RetransmitInterval)
	if err := h.sender.SendTo(protocol.EncodeProbe(h.protocolID)); err != nil {
		return errors.Wrap(err, "handshake: send probe")
	}
	return nil
}

// Done reports whether the handshake has established a shared key.
func (h *Handshake) Done() bool {
	return h.recvEnkAck && h.sentEnkAck
}

// Cancel marks the handshake as externally cancelled.
func (h *Handshake) Cancel() { h.cancelled = true }

// Cancelled reports whether Cancel was called.
func (h *Handshake) Cancelled() bool { return h.cancelled }

// SharedKey returns the derived AES-256-GCM key once Done reports true.
func (h *Handshake) SharedKey() [cryptosess.KeySize]byte { return h.sharedKey }

// ensureKeys lazily generates our ephemeral X25519 keypair the first time
// it is needed, so a side that never sends an Enk never bothers generating
// one.
func (h *Handshake) ensureKeys() error {
	if h.haveKeys {
		return nil
	}
	kp, err := cryptosess.GenerateKeyPair()
	if err != nil {
		return errors.Wrap(err, "handshake: generate ephemeral keypair")
	}
	h.keys = kp
	h.haveKeys = true
	return nil
}

func (h *Handshake) sendEnk(now time.Time) error {
	if err := h.ensureKeys(); err != nil {
		return err
	}
	// Mark sent before the wire write: SendTo may synchronously drive the
	// peer's own state machine (as happens in tests and in tightly-coupled
	// in-process transports), which can loop back into HandlePacket before
	// this call returns. Setting the flag first makes that reentrancy see
	// the Enk as already sent instead of re-sending it.
	h.sentEnk = true
	h.nextRetransmit = now.Add(RetransmitInterval)
	pkt := protocol.EnkPacket{Key: h.keys.Public[:]}
	if err := h.sender.SendTo(pkt.Encode(h.protocolID)); err != nil {
		return errors.Wrap(err, "handshake: send Enk")
	}
	return nil
}

func (h *Handshake) sendEnkAck(now time.Time) error {
	h.sentEnkAck = true
	h.nextRetransmit = now.Add(RetransmitInterval)
	pkt := protocol.EnkAckPacket{}
	if err := h.sender.SendTo(pkt.Encode(h.protocolID)); err != nil {
		return errors.Wrap(err, "handshake: send EnkAck")
	}
	return nil
}

func (h *Handshake) deriveSharedKey() error {
	secret, err := cryptosess.SharedSecret(h.keys.Private, h.peerPublic)
	if err != nil {
		return errors.Wrap(err, "handshake: compute shared secret")
	}
	key, err := cryptosess.DeriveAEADKey(secret)
	if err != nil {
		return errors.Wrap(err, "handshake: derive AEAD key")
	}
	h.sharedKey = key
	return nil
}

// HandlePacket advances the handshake state in response to a datagram
// already verified (by the caller) to come from the matching endpoint with
// a matching ProtocolId. Malformed or out-of-order-but-tolerable packets
// never abort the handshake: UDP hole punching routinely has both sides
// sending first, so the state machine has to tolerate arbitrary ordering
// and duplication rather than treat it as an error.
func (h *Handshake) HandlePacket(now time.Time, buf []byte) error {
	if h.cancelled || h.Done() {
		return nil
	}

	// A bare Probe (4 bytes) has no header to dispatch on.
	if len(buf) == protocol.ProbeSize {
		if _, err := protocol.DecodeProbe(buf); err != nil {
			return nil // malformed; silently ignored
		}
		if !h.sentEnk {
			return h.sendEnk(now)
		}
		return nil
	}

	_, pkt, err := protocol.Parse(buf)
	if err != nil {
		return nil // malformed packet: silently ignored
	}

	switch p := pkt.(type) {
	case protocol.EnkPacket:
		h.peerPublic = p.Key
		h.recvEnk = true
		if !h.sentEnk {
			if err := h.sendEnk(now); err != nil {
				return err
			}
		}
		if err := h.deriveSharedKey(); err != nil {
			return err
		}
		if !h.sentEnkAck {
			return h.sendEnkAck(now)
		}
		return nil
	case protocol.EnkAckPacket:
		h.recvEnkAck = true
		if !h.sentEnkAck {
			// The peer's EnkAck is recorded above, but we can only send our
			// own confirmation once we've derived the key from a peer Enk;
			// if we haven't seen one yet, our EnkAck waits — the peer keeps
			// retransmitting its Enk until our EnkAck reaches it.
			if !h.recvEnk {
				return nil
			}
			return h.sendEnkAck(now)
		}
		return nil
	default:
		// Seq/Ack packets observed before completion are ignored; the
		// channel layer only dispatches handshake packets here.
		return nil
	}
}

// Tick re-sends the most advanced outbound step not yet acknowledged by
// visible progress, if the 2-second retransmit deadline has elapsed.
func (h *Handshake) Tick(now time.Time) error {
	if h.cancelled || h.Done() {
		return nil
	}
	if now.Before(h.nextRetransmit) {
		return nil
	}
	switch {
	case !h.sentProbe && !h.sentEnk:
		return h.Start(now)
	case h.sentEnk && !h.recvEnkAck:
		// Enk is our most advanced sent step; resend it until EnkAck seen.
		return h.sendEnk(now)
	case !h.recvEnk:
		// Probe is our most advanced sent step; resend it until Enk seen.
		if err := h.sender.SendTo(protocol.EncodeProbe(h.protocolID)); err != nil {
			return errors.Wrap(err, "handshake: resend probe")
		}
		h.nextRetransmit = now.Add(RetransmitInterval)
		return nil
	default:
		return nil
	}
}
