package relay

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"
)

// fakeServer accepts one connection at a time and answers "welcome" plus
// whatever canned responses the test feeds it via respond.
type fakeServer struct {
	ln net.Listener
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &fakeServer{ln: ln}
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

// serveOnce accepts a single connection, answers its welcome, then for
// each subsequent request invokes respond to produce a response body.
func (s *fakeServer) serveOnce(t *testing.T, respond func(op string, body map[string]interface{}) (map[string]interface{}, bool)) net.Conn {
	t.Helper()
	conn, err := s.ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	r := bufio.NewReader(conn)

	req, err := decode(r)
	if err != nil {
		t.Fatalf("server decode welcome: %v", err)
	}
	if req.Op != "welcome" {
		t.Fatalf("first message op = %q, want welcome", req.Op)
	}
	resp := message{Type: typeResponse, Op: "welcome", Body: map[string]interface{}{"ver": ClientVersion}, Seq: req.Seq, HasSeq: true}
	if err := encode(conn, resp); err != nil {
		t.Fatalf("server encode welcome response: %v", err)
	}

	go func() {
		for {
			req, err := decode(r)
			if err != nil {
				return
			}
			body, isErr := respond(req.Op, req.Body)
			var resp message
			if isErr {
				resp = message{Type: typeError, Op: req.Op, ErrText: "boom", Seq: req.Seq, HasSeq: true}
			} else {
				resp = message{Type: typeResponse, Op: req.Op, Body: body, Seq: req.Seq, HasSeq: true}
			}
			if err := encode(conn, resp); err != nil {
				return
			}
		}
	}()
	return conn
}

func TestDialPerformsWelcomeHandshake(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.ln.Close()

	done := make(chan struct{})
	go func() {
		srv.serveOnce(t, nil)
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Dial(ctx, srv.addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
}

func TestClientLoginRoundTrip(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.ln.Close()

	go srv.serveOnce(t, func(op string, body map[string]interface{}) (map[string]interface{}, bool) {
		if op != "login" {
			return nil, true
		}
		return map[string]interface{}{"usr": body["usr"], "id": "u-1", "tok": "tok-abc"}, false
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Connect(ctx, srv.addr())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	result, err := client.Login("alice", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.ID != "u-1" || result.Token != "tok-abc" {
		t.Fatalf("got %+v", result)
	}
}

func TestClientReceivesRelayError(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.ln.Close()

	go srv.serveOnce(t, func(op string, body map[string]interface{}) (map[string]interface{}, bool) {
		return nil, true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Connect(ctx, srv.addr())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	_, err = client.Login("alice", "wrong")
	if err == nil {
		t.Fatalf("expected a RelayError")
	}
	if _, ok := err.(*RelayError); !ok {
		t.Fatalf("got %T: %v, want *RelayError", err, err)
	}
}

func TestConnReconnectsAndResetsSeq(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.ln.Close()

	echo := func(op string, body map[string]interface{}) (map[string]interface{}, bool) {
		return map[string]interface{}{}, false
	}

	firstConn := make(chan net.Conn, 1)
	go func() { firstConn <- srv.serveOnce(t, echo) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Dial(ctx, srv.addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	serverSide := <-firstConn

	disconnected := make(chan struct{})
	reconnected := make(chan struct{})
	conn.OnDisconnect = func() { close(disconnected) }
	conn.OnReconnected = func() { close(reconnected) }

	// Accept the reconnect dial before forcing the first connection closed,
	// since handleDisconnect redials as soon as it notices the read error.
	go srv.serveOnce(t, echo)

	serverSide.Close()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect did not fire")
	}

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnReconnected did not fire")
	}

	conn.mu.Lock()
	seq := conn.nextSeq
	conn.mu.Unlock()
	if seq != 0 {
		t.Fatalf("nextSeq after reconnect = %d, want 0", seq)
	}

	if _, err := conn.Send("ping", nil); err != nil {
		t.Fatalf("Send after reconnect: %v", err)
	}
}
