package relay

import (
	"bufio"
	"context"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
)

// ClientVersion is exchanged with the rendezvous server during Connect's
// Welcome handshake.
const ClientVersion = "1.0"

// receiveTimeout is how long Send waits for the response to its request
// before giving up with ErrTimeout.
const receiveTimeout = 1 * time.Second

// ErrVersionMismatch is a fatal error: the server's Welcome reported an
// incompatible version. The caller must not retry.
var ErrVersionMismatch = errors.New("relay: server version mismatch")

// ErrTimeout is the synthetic response body's message is wrapped in this
// sentinel so callers can distinguish "no answer within receiveTimeout"
// from a genuine `t == "e"` relay error.
var ErrTimeout = errors.New("relay: request time out")

// ErrClosed is returned by calls made after the Conn is closed.
var ErrClosed = errors.New("relay: connection closed")

// RelayError wraps the server-provided message of a `t == "e"` response.
type RelayError struct {
	Message string
}

func (e *RelayError) Error() string { return "relay: " + e.Message }

// Handler is a registered callback for an asynchronous notification; it
// receives the decoded body dictionary.
type Handler func(body map[string]interface{})

// Conn is the Relay Control Channel: one TCP connection to a rendezvous
// server, a single-outstanding-request sequencing discipline, a background
// receive loop, and a notification-handler registry.
type Conn struct {
	addr string

	sendMu sync.Mutex // held for the full send+wait round trip, so only one request is ever outstanding

	mu       sync.Mutex
	conn     net.Conn
	reader   *bufio.Reader
	nextSeq  int64
	pending  chan message // at most one outstanding response wakes a waiter
	closed   bool
	handlers map[string]Handler

	OnDisconnect  func()
	OnReconnected func()
}

// Dial resolves addr, connects with exponential backoff (500ms doubling,
// capped at 5s, jittered 100-500ms) each bounded to a 1s per-attempt cap,
// then exchanges Welcome. On version mismatch it closes and returns
// ErrVersionMismatch without retrying.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	c := &Conn{addr: addr, handlers: make(map[string]Handler)}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	go c.receiveLoop()
	return c, nil
}

func (c *Conn) connect(ctx context.Context) error {
	backoff := 500 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		attemptCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
		dialer := net.Dialer{}
		conn, err := dialer.DialContext(attemptCtx, "tcp", c.addr)
		cancel()
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.reader = bufio.NewReader(conn)
			c.nextSeq = 0
			c.pending = make(chan message, 1)
			c.closed = false
			c.mu.Unlock()

			if err := c.welcome(); err != nil {
				conn.Close()
				return err // fatal: no retry on version mismatch
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "relay: connect cancelled")
		case <-time.After(backoff + jitter()):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func jitter() time.Duration {
	return time.Duration(100+rand.Intn(400)) * time.Millisecond
}

// welcome exchanges the version handshake synchronously, before the
// receive loop starts.
func (c *Conn) welcome() error {
	req := message{Type: typeRequest, Op: "welcome", Body: map[string]interface{}{"ver": ClientVersion}, Seq: 0, HasSeq: true}
	if err := encode(c.conn, req); err != nil {
		return err
	}
	resp, err := decode(c.reader)
	if err != nil {
		return errors.Wrap(err, "relay: welcome")
	}
	if resp.Type == typeError {
		return errors.Wrap(&RelayError{Message: resp.ErrText}, "relay: welcome")
	}
	ver, _ := resp.Body["ver"].(string)
	if ver != ClientVersion {
		color.Yellow("relay: server version %q incompatible with client version %q", ver, ClientVersion)
		return ErrVersionMismatch
	}
	return nil
}

// Handle registers a callback invoked by the receive loop for every
// unsolicited message carrying operation name op. A many-operation-names-
// to-one-listener mapping is expressed as one Handle call per name sharing
// a closure.
func (c *Conn) Handle(op string, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[op] = fn
}

// Send attaches the next sequence number, serializes, and writes req in
// one call, then waits up to receiveTimeout for the matching response.
// sendMu is held for the whole round trip, so a second caller's Send blocks
// until this one returns: only one request is ever outstanding on the
// wire, matching a FIFO single-outstanding-request discipline without a
// separate queue to manage. On timeout it returns ErrTimeout and still
// advances the sequence counter; the send path does not resynchronize, so
// a late response may arrive with a now-stale `s`. Send discards any
// response whose `s` is lower than what it expects next.
func (c *Conn) Send(op string, body map[string]interface{}) (map[string]interface{}, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	seq := c.nextSeq
	c.nextSeq++
	pending := c.pending
	conn := c.conn
	c.mu.Unlock()

	req := message{Type: typeRequest, Op: op, Body: body, Seq: seq, HasSeq: true}
	if err := encode(conn, req); err != nil {
		return nil, errors.Wrap(err, "relay: send")
	}

	timeout := time.After(receiveTimeout)
	for {
		select {
		case resp := <-pending:
			if resp.Seq < seq {
				// stale: a late answer to an earlier timed-out request: the
				// caller who owned that seq has already moved on, so drop it
				// and keep waiting for ours.
				continue
			}
			if resp.Type == typeError {
				return nil, &RelayError{Message: resp.ErrText}
			}
			return resp.Body, nil
		case <-timeout:
			return nil, ErrTimeout
		}
	}
}

// receiveLoop is the single background reader of the TCP socket: it
// decodes each message and either dispatches it to a registered handler
// or delivers it to the synchronous Send waiting on c.pending.
func (c *Conn) receiveLoop() {
	for {
		c.mu.Lock()
		reader := c.reader
		c.mu.Unlock()

		m, err := decode(reader)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			if errors.Is(err, io.EOF) {
				c.handleDisconnect()
				return
			}
			// malformed message: dropped, loop continues.
			continue
		}

		c.mu.Lock()
		handler, ok := c.handlers[m.Op]
		c.mu.Unlock()
		if ok {
			handler(m.Body)
			continue
		}

		c.mu.Lock()
		pending := c.pending
		c.mu.Unlock()
		select {
		case pending <- m:
		default:
			// no synchronous waiter; drop rather than block the only reader.
		}
	}
}

// handleDisconnect fires OnDisconnect, tears down connection state, and
// re-enters Connect, which resets the sequence counter to 0 for the new
// connection.
func (c *Conn) handleDisconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.conn.Close()
	c.mu.Unlock()

	if c.OnDisconnect != nil {
		c.OnDisconnect()
	}

	if err := c.connect(context.Background()); err != nil {
		return
	}
	if c.OnReconnected != nil {
		c.OnReconnected()
	}
	go c.receiveLoop()
}

// Close tears down the connection; the background receive loop exits on
// its next read error.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
