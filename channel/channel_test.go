package channel

import (
	"context"
	"testing"
	"time"

	"github.com/bechat-go/corenet/endpoint"
)

func localEndpoint(t *testing.T) endpoint.Endpoint {
	t.Helper()
	return endpoint.Endpoint{IP: []byte{127, 0, 0, 1}, Port: 0}
}

func bindPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	cfg := Config{ProtocolID: 424242, WindowSize: DefaultWindowSize}
	a, err := Bind(localEndpoint(t), cfg)
	if err != nil {
		t.Fatalf("bind a: %v", err)
	}
	b, err := Bind(localEndpoint(t), cfg)
	if err != nil {
		t.Fatalf("bind b: %v", err)
	}
	return a, b
}

func connectPair(t *testing.T, a, b *Channel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- a.Connect(ctx, b.LocalAddr()) }()
	go func() { errc <- b.Connect(ctx, a.LocalAddr()) }()

	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil {
			t.Fatalf("connect: %v", err)
		}
	}
}

func TestBindReportsLocalAddr(t *testing.T) {
	a, b := bindPair(t)
	defer a.Close()
	defer b.Close()

	if a.LocalAddr().Port == 0 {
		t.Fatalf("expected a bound ephemeral port, got 0")
	}
	if a.State() != Bound {
		t.Fatalf("state = %v, want Bound", a.State())
	}
}

func TestConnectReachesConnectedWithSharedKey(t *testing.T) {
	a, b := bindPair(t)
	defer a.Close()
	defer b.Close()

	connectPair(t, a, b)

	if a.State() != Connected {
		t.Fatalf("a.State() = %v, want Connected", a.State())
	}
	if b.State() != Connected {
		t.Fatalf("b.State() = %v, want Connected", b.State())
	}
	if a.hs.SharedKey() != b.hs.SharedKey() {
		t.Fatalf("session keys diverge: %x != %x", a.hs.SharedKey(), b.hs.SharedKey())
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	a, b := bindPair(t)
	defer a.Close()
	defer b.Close()
	connectPair(t, a, b)

	msg := []byte("hello from a")
	if err := a.Send(msg); err != nil {
		t.Fatalf("a.Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	dst := make([]byte, 1024)
	n, err := b.Receive(ctx, dst)
	if err != nil {
		t.Fatalf("b.Receive: %v", err)
	}
	if string(dst[:n]) != string(msg) {
		t.Fatalf("received %q, want %q", dst[:n], msg)
	}
}

func TestSendBlocksWhenWindowFull(t *testing.T) {
	a, b := bindPair(t)
	defer a.Close()
	defer b.Close()
	connectPair(t, a, b)

	for i := 0; i < DefaultWindowSize; i++ {
		if err := a.Send([]byte{byte(i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := a.Send([]byte("one too many")); err == nil {
		t.Fatalf("expected ErrWouldBlock once window is full")
	}

	// Drain b's receive loop so it ACKs, which should unblock a.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	dst := make([]byte, 1024)
	for i := 0; i < DefaultWindowSize; i++ {
		if _, err := b.Receive(ctx, dst); err != nil {
			t.Fatalf("b.Receive %d: %v", i, err)
		}
	}

	// a processes ACKs only inside Receive, so poll it briefly between send
	// attempts to let the ACKs arrive and release the window.
	adst := make([]byte, 1024)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pollCtx, pollCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		a.Receive(pollCtx, adst)
		pollCancel()
		if err := a.Send([]byte("now it fits")); err == nil {
			return
		}
	}
	t.Fatalf("window never unblocked after draining ACKs")
}

func TestCloseMakesFurtherSendsFail(t *testing.T) {
	a, b := bindPair(t)
	defer b.Close()
	connectPair(t, a, b)

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if a.State() != Closed {
		t.Fatalf("state after close = %v, want Closed", a.State())
	}
	if err := a.Send([]byte("after close")); err == nil {
		t.Fatalf("Send after Close succeeded, want an error")
	}
}

func TestObfuscatedChannelRoundTrips(t *testing.T) {
	cfg := Config{ProtocolID: 99, WindowSize: DefaultWindowSize, Obfuscate: true, Obfuscation: []byte("shared passphrase used by both peers")}
	a, err := Bind(localEndpoint(t), cfg)
	if err != nil {
		t.Fatalf("bind a: %v", err)
	}
	defer a.Close()
	b, err := Bind(localEndpoint(t), cfg)
	if err != nil {
		t.Fatalf("bind b: %v", err)
	}
	defer b.Close()

	connectPair(t, a, b)

	msg := []byte("obfuscated payload")
	if err := a.Send(msg); err != nil {
		t.Fatalf("a.Send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	dst := make([]byte, 1024)
	n, err := b.Receive(ctx, dst)
	if err != nil {
		t.Fatalf("b.Receive: %v", err)
	}
	if string(dst[:n]) != string(msg) {
		t.Fatalf("received %q, want %q", dst[:n], msg)
	}
}
