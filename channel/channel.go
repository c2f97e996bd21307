// Package channel implements the reliable UDP channel: it composes the
// frame codec, the session handshake, and the sliding windows into a
// connection object with bind/connect/send/receive/close semantics and a
// deadline-driven retransmission scheme.
package channel

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"

	"github.com/bechat-go/corenet/cryptosess"
	"github.com/bechat-go/corenet/endpoint"
	"github.com/bechat-go/corenet/handshake"
	"github.com/bechat-go/corenet/metrics"
	"github.com/bechat-go/corenet/protocol"
	"github.com/bechat-go/corenet/window"
)

// DefaultWindowSize is the default sliding window capacity. The wire
// protocol does not negotiate W; both peers of a session must agree on it
// out of band.
const DefaultWindowSize = 5

// pollInterval is the socket read deadline the receive loop polls on
// between opportunities to fire the retransmit timer.
const pollInterval = 150 * time.Millisecond

// retransmitIdle is how long a channel waits after its last Seq send (new
// or retransmitted) before resending every outstanding packet. An ACK does
// not push this deadline back; it only clears it once nothing is
// outstanding.
const retransmitIdle = 1 * time.Second

// State is the reliable UDP channel's lifecycle.
type State int

const (
	Unbound State = iota
	Bound
	HandshakingState
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "Unbound"
	case Bound:
		return "Bound"
	case HandshakingState:
		return "Handshaking"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ErrCancelled is returned when a blocking call observes context
// cancellation instead of completing normally.
var ErrCancelled = errors.New("channel: operation cancelled")

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("channel: closed")

// ErrNotConnected is returned by Send/Receive outside the Connected state.
var ErrNotConnected = errors.New("channel: not connected")

// bufferedPacket is a buffered outbound or inbound packet: a byte slice
// living inside a fixed-size ring, indexed by sequence number modulo the
// window capacity.
type bufferedPacket struct {
	id         uint32
	ciphertext []byte
	valid      bool
}

// Config configures a Channel's protocol parameters. WindowSize must match
// on both peers of a session; the wire protocol does not negotiate it.
type Config struct {
	ProtocolID  uint32
	WindowSize  uint32
	ReuseAddr   bool
	DSCP        int  // 0 means "do not set"
	Obfuscate   bool // optional per-datagram QPP layer, see obfuscation.go
	Obfuscation []byte
}

// Channel is a reliable UDP channel: one bound socket, one remote peer,
// two sliding windows, and the AEAD key negotiated for the session.
type Channel struct {
	cfg    Config
	conn   *net.UDPConn
	local  endpoint.Endpoint
	remote endpoint.Endpoint

	mu    sync.Mutex
	state State

	hs   *handshake.Handshake
	aead *cryptosess.AEAD

	sendWindow *window.Sender
	recvWindow *window.Receiver
	sendRing   []bufferedPacket
	recvRing   []bufferedPacket

	retransmitDeadline time.Time
	obfuscator         *obfuscator

	Stats *metrics.Stats
}

// Bind creates a UDP socket at local and returns an unconnected Channel.
// When cfg.ReuseAddr is set the socket enables SO_REUSEADDR so several
// channels can share the same local port, as a rendezvous race across
// several candidate peer endpoints requires.
func Bind(local endpoint.Endpoint, cfg Config) (*Channel, error) {
	if cfg.WindowSize == 0 {
		cfg.WindowSize = DefaultWindowSize
	}

	lc := net.ListenConfig{}
	if cfg.ReuseAddr {
		lc.Control = reuseAddrControl
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", local.String())
	if err != nil {
		return nil, errors.Wrap(err, "channel: bind")
	}
	conn := pc.(*net.UDPConn)

	if cfg.DSCP != 0 {
		if err := setDSCP(conn, cfg.DSCP); err != nil {
			return nil, errors.Wrap(err, "channel: set DSCP")
		}
	}

	ch := &Channel{
		cfg:   cfg,
		conn:  conn,
		local: endpoint.FromUDPAddr(conn.LocalAddr().(*net.UDPAddr)),
		state: Bound,
		Stats: metrics.New(),
	}
	if cfg.Obfuscate {
		ch.obfuscator = newObfuscator(cfg.Obfuscation)
	}
	return ch, nil
}

// LocalAddr returns the channel's bound local endpoint.
func (ch *Channel) LocalAddr() endpoint.Endpoint { return ch.local }

// RemoteAddr returns the channel's peer endpoint, valid once Connect has
// been called.
func (ch *Channel) RemoteAddr() endpoint.Endpoint { return ch.remote }

// State reports the channel's current lifecycle state.
func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// SendTo implements handshake.Sender: it writes a raw datagram to the
// remote endpoint, applying the optional obfuscation layer.
func (ch *Channel) SendTo(buf []byte) error {
	if ch.obfuscator != nil {
		buf = ch.obfuscator.obscureHandshake(buf)
	}
	_, err := ch.conn.WriteToUDP(buf, ch.remote.UDPAddr())
	return errors.Wrap(err, "channel: write datagram")
}

// Connect runs the Session Handshake against remote until it completes or
// ctx is cancelled. On success the channel transitions to Connected and
// Send/Receive become valid.
func (ch *Channel) Connect(ctx context.Context, remote endpoint.Endpoint) error {
	ch.mu.Lock()
	if ch.state != Bound {
		ch.mu.Unlock()
		return errors.Errorf("channel: Connect called in state %v, want Bound", ch.state)
	}
	ch.remote = remote
	ch.state = HandshakingState
	ch.hs = handshake.New(ch.cfg.ProtocolID, ch)
	ch.mu.Unlock()

	if err := ch.hs.Start(time.Now()); err != nil {
		return errors.Wrap(err, "channel: start handshake")
	}

	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			ch.hs.Cancel()
			color.Yellow("channel: handshake to %s cancelled before completing", remote)
			return ErrCancelled
		default:
		}

		ch.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, from, err := ch.conn.ReadFromUDP(buf)
		now := time.Now()
		if err != nil {
			if isTimeout(err) {
				if tickErr := ch.hs.Tick(now); tickErr != nil {
					return errors.Wrap(tickErr, "channel: handshake retransmit")
				}
				continue
			}
			// transient read failure: retry
			continue
		}

		if !endpoint.FromUDPAddr(from).Equal(remote) {
			continue // not our candidate peer; ignore
		}
		raw := buf[:n]
		if ch.obfuscator != nil {
			raw = ch.obfuscator.revealHandshake(raw)
		}
		if !protocolMatches(raw, ch.cfg.ProtocolID) {
			continue
		}
		if err := ch.hs.HandlePacket(now, raw); err != nil {
			return errors.Wrap(err, "channel: handshake packet")
		}
		if ch.hs.Done() {
			break
		}
	}

	key := ch.hs.SharedKey()
	aead, err := cryptosess.NewAEAD(key)
	if err != nil {
		return errors.Wrap(err, "channel: build session AEAD")
	}

	ch.mu.Lock()
	ch.aead = aead
	ch.sendWindow = window.NewSender(ch.cfg.WindowSize)
	ch.recvWindow = window.NewReceiver(ch.cfg.WindowSize)
	ch.sendRing = make([]bufferedPacket, ch.cfg.WindowSize)
	ch.recvRing = make([]bufferedPacket, ch.cfg.WindowSize)
	ch.state = Connected
	ch.mu.Unlock()
	return nil
}

// protocolMatches peeks at a datagram's ProtocolId without fully parsing
// it, accepting both bare Probes and header-prefixed packets.
func protocolMatches(buf []byte, protocolID uint32) bool {
	if len(buf) == protocol.ProbeSize {
		id, err := protocol.DecodeProbe(buf)
		return err == nil && id == protocolID
	}
	h, err := protocol.Decode(buf)
	return err == nil && h.ProtocolID == protocolID
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	t, ok := err.(timeouter)
	return ok && t.Timeout()
}

// Send encrypts plaintext and emits it as a new Seq packet. If the send
// window is full it fails with window.ErrWouldBlock and the caller decides
// whether to retry.
func (ch *Channel) Send(plaintext []byte) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.state != Connected {
		return ErrNotConnected
	}
	if ch.sendWindow.State() == window.Blocked {
		color.Yellow("channel: send window to %s full, caller must back off", ch.remote)
		return window.ErrWouldBlock{}
	}

	ciphertext := ch.aead.Seal(plaintext)
	id, err := ch.sendWindow.Allocate()
	if err != nil {
		return err
	}
	ch.sendRing[id%ch.cfg.WindowSize] = bufferedPacket{id: id, ciphertext: ciphertext, valid: true}

	pkt := protocol.SeqPacket{PacketID: id, Ciphertext: ciphertext}
	wire := pkt.Encode(ch.cfg.ProtocolID)
	if ch.obfuscator != nil {
		wire = ch.obfuscator.obscureSeq(id, wire)
	}
	if _, err := ch.conn.WriteToUDP(wire, ch.remote.UDPAddr()); err != nil {
		ch.Stats.SendErrors++
		return errors.Wrap(err, "channel: write Seq")
	}
	ch.Stats.PacketsSent++
	ch.retransmitDeadline = time.Now().Add(retransmitIdle)
	return nil
}

// retransmitLocked re-sends every currently-outstanding sender packet
// verbatim and rearms the idle timer. Caller must hold ch.mu.
func (ch *Channel) retransmitLocked() {
	outstanding := ch.sendWindow.Outstanding()
	if len(outstanding) == 0 {
		ch.retransmitDeadline = time.Time{}
		return
	}
	for _, id := range outstanding {
		bp := ch.sendRing[id%ch.cfg.WindowSize]
		if !bp.valid || bp.id != id {
			continue
		}
		pkt := protocol.SeqPacket{PacketID: id, Ciphertext: bp.ciphertext}
		wire := pkt.Encode(ch.cfg.ProtocolID)
		if ch.obfuscator != nil {
			wire = ch.obfuscator.obscureSeq(id, wire)
		}
		if _, err := ch.conn.WriteToUDP(wire, ch.remote.UDPAddr()); err != nil {
			ch.Stats.SendErrors++
			continue
		}
		ch.Stats.Retransmits++
	}
	ch.retransmitDeadline = time.Now().Add(retransmitIdle)
}

// Receive blocks until at least one delivered plaintext is available,
// ctx is cancelled, or the channel is closed, then copies the contiguous
// plaintexts that became deliverable into dst and returns the number of
// bytes written. Plaintext bytes that do not fit in dst are truncated and
// discarded; they are not kept for a later call.
func (ch *Channel) Receive(ctx context.Context, dst []byte) (int, error) {
	ch.mu.Lock()
	if ch.state != Connected {
		ch.mu.Unlock()
		return 0, ErrNotConnected
	}
	ch.mu.Unlock()

	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return 0, ErrCancelled
		default:
		}

		ch.mu.Lock()
		if ch.state == Closed {
			ch.mu.Unlock()
			return 0, ErrClosed
		}
		if !ch.retransmitDeadline.IsZero() && !time.Now().Before(ch.retransmitDeadline) {
			ch.retransmitLocked()
		}
		ch.mu.Unlock()

		ch.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, from, err := ch.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			// transient read failure: retry this poll iteration
			continue
		}
		if !endpoint.FromUDPAddr(from).Equal(ch.remote) {
			continue
		}
		raw := buf[:n]
		if ch.obfuscator != nil && len(raw) >= protocol.HeaderSize {
			raw = ch.obfuscator.revealFrame(raw)
		}
		h, pkt, err := protocol.Parse(raw)
		if err != nil || h.ProtocolID != ch.cfg.ProtocolID {
			continue // malformed or foreign packet: silently dropped
		}

		written, delivered := ch.handlePacket(pkt, dst)
		if delivered {
			return written, nil
		}
	}
}

// handlePacket dispatches one parsed packet and reports how many plaintext
// bytes it wrote into dst, and whether Receive should return them now.
func (ch *Channel) handlePacket(pkt protocol.Packet, dst []byte) (int, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	switch p := pkt.(type) {
	case protocol.SeqPacket:
		if ch.recvWindow.InWindow(p.PacketID) {
			ch.recvRing[p.PacketID%ch.cfg.WindowSize] = bufferedPacket{id: p.PacketID, ciphertext: p.Ciphertext, valid: true}
		}
		ready := ch.recvWindow.Deliver(p.PacketID)

		// Ack unconditionally, duplicate or not.
		ack := protocol.AckPacket{AckedID: p.PacketID}
		ch.conn.WriteToUDP(ack.Encode(ch.cfg.ProtocolID), ch.remote.UDPAddr())

		written := 0
		for _, id := range ready {
			slot := id % ch.cfg.WindowSize
			bp := ch.recvRing[slot]
			if !bp.valid || bp.id != id {
				continue
			}
			plaintext, err := ch.aead.Open(bp.ciphertext)
			ch.recvRing[slot] = bufferedPacket{}
			if err != nil {
				ch.Stats.DecryptErrors++
				continue
			}
			if written+len(plaintext) > len(dst) {
				// caller's buffer is too small for this batch; this
				// implementation requires dst to be sized for the
				// expected message, consistent with a datagram-oriented
				// application protocol layered on top.
				plaintext = plaintext[:len(dst)-written]
			}
			copy(dst[written:], plaintext)
			written += len(plaintext)
			ch.Stats.PacketsReceived++
		}
		return written, written > 0

	case protocol.AckPacket:
		released := ch.sendWindow.Acknowledge(p.AckedID)
		for _, id := range released {
			ch.sendRing[id%ch.cfg.WindowSize] = bufferedPacket{}
		}
		if len(ch.sendWindow.Outstanding()) == 0 {
			ch.retransmitDeadline = time.Time{}
		}
		return 0, false

	default:
		// Enk/EnkAck/Probe observed post-handshake are ignored.
		return 0, false
	}
}

// Close releases the channel's socket. Best-effort: it does not wait for
// pending ACKs to be flushed.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state == Closed {
		return nil
	}
	ch.state = Closed
	return ch.conn.Close()
}
