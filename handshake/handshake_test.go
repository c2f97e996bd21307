package handshake

import (
	"testing"
	"time"
)

// pipe is a tiny in-memory Sender that hands every datagram to a peer
// Handshake's HandlePacket, letting tests drive both sides of an exchange
// without touching a real socket.
type pipe struct {
	peer    *Handshake
	now     func() time.Time
	dropN   int // drop the next N sends (simulated loss)
	sent    int
}

func (p *pipe) SendTo(buf []byte) error {
	p.sent++
	if p.dropN > 0 {
		p.dropN--
		return nil
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	return p.peer.HandlePacket(p.now(), cp)
}

func TestSimultaneousHandshakeConverges(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }

	var a, b *Handshake
	pa := &pipe{now: clock}
	pb := &pipe{now: clock}
	a = New(42, pa)
	b = New(42, pb)
	pa.peer = b
	pb.peer = a

	if err := a.Start(now); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	if err := b.Start(now); err != nil {
		t.Fatalf("b.Start: %v", err)
	}

	// drive a few retransmit ticks to cover any steps that raced.
	for i := 0; i < 5 && !(a.Done() && b.Done()); i++ {
		now = now.Add(RetransmitInterval)
		if err := a.Tick(now); err != nil {
			t.Fatalf("a.Tick: %v", err)
		}
		if err := b.Tick(now); err != nil {
			t.Fatalf("b.Tick: %v", err)
		}
	}

	if !a.Done() {
		t.Fatalf("a never completed handshake")
	}
	if !b.Done() {
		t.Fatalf("b never completed handshake")
	}
	if a.SharedKey() != b.SharedKey() {
		t.Fatalf("derived keys diverge: %x != %x", a.SharedKey(), b.SharedKey())
	}
}

func TestHandshakeToleratesDroppedEnk(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }

	var a, b *Handshake
	pa := &pipe{now: clock}
	pb := &pipe{now: clock}
	a = New(7, pa)
	b = New(7, pb)
	pa.peer = b
	pb.peer = a

	// b's first Enk reply to a's probe is dropped once; resent on next tick.
	pb.dropN = 1
	a.Start(now)

	for i := 0; i < 8 && !(a.Done() && b.Done()); i++ {
		now = now.Add(RetransmitInterval)
		a.Tick(now)
		b.Tick(now)
	}

	if !a.Done() || !b.Done() {
		t.Fatalf("handshake did not converge after simulated loss: a.Done=%v b.Done=%v", a.Done(), b.Done())
	}
}

func TestHandshakeIgnoresMalformedPacket(t *testing.T) {
	pa := &pipe{now: func() time.Time { return time.Unix(0, 0) }}
	a := New(1, pa)
	if err := a.HandlePacket(time.Unix(0, 0), []byte{1, 2, 3}); err != nil {
		t.Fatalf("malformed packet should be silently ignored, got error: %v", err)
	}
	if a.Done() {
		t.Fatalf("malformed packet should not complete the handshake")
	}
}

func TestHandshakeIgnoresPacketsAfterCancel(t *testing.T) {
	// ProtocolId mismatch is enforced by the channel layer before packets
	// reach HandlePacket; here we confirm HandlePacket is a no-op on
	// cancellation, which the channel relies on to stop driving a raced-out
	// handshake.
	pa := &pipe{now: func() time.Time { return time.Unix(0, 0) }}
	a := New(1, pa)
	a.Cancel()
	if err := a.HandlePacket(time.Unix(0, 0), []byte{0, 0, 0, 1}); err != nil {
		t.Fatalf("cancelled handshake should ignore packets without error: %v", err)
	}
	if a.Done() {
		t.Fatalf("cancelled handshake should never report done")
	}
}
