// Package relay implements the Relay Control Channel: a long-lived framed
// TCP connection to a rendezvous server that exchanges dictionary-encoded
// request/response messages and dispatches asynchronous notifications.
package relay

import (
	"bufio"
	"bytes"
	"io"

	"github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

// msgType enumerates the three message shapes carried in the wire
// dictionary's `t` field: request, response, error.
type msgType string

const (
	typeRequest  msgType = "q"
	typeResponse msgType = "r"
	typeError    msgType = "e"
)

// message is the wire envelope: `t`/`q`/`bd`/`s`. Bodies are carried as a
// generic dictionary rather than per-operation structs, matching bencode's
// own untyped nature; relay/client.go layers the typed request/response
// schema table on top of this.
type message struct {
	Type    msgType
	Op      string
	Body    map[string]interface{}
	Seq     int64
	HasSeq  bool
	ErrText string // populated only when Type == typeError
}

// encode renders m as a single bencoded dictionary and writes it to w in
// one call, so a concurrent write from another goroutine can never land
// in the middle of it. Large bodies are snappy-compressed before they
// reach the wire, carried under a "zbd" key instead of "bd" so decode
// knows to reverse it; see compress.go.
func encode(w io.Writer, m message) error {
	body := m.Body
	if body == nil {
		body = map[string]interface{}{}
	}
	if m.Type == typeError {
		body = map[string]interface{}{"msg": m.ErrText}
	}

	raw, compressed, err := encodeBody(body)
	if err != nil {
		return err
	}

	wire := map[string]interface{}{"t": string(m.Type), "q": m.Op}
	if compressed {
		wire["zbd"] = string(raw)
	} else {
		wire["bd"] = body
	}
	if m.HasSeq {
		wire["s"] = m.Seq
	}
	var out bytes.Buffer
	if err := bencode.Marshal(&out, wire); err != nil {
		return errors.Wrap(err, "relay: encode message")
	}
	if _, err := w.Write(out.Bytes()); err != nil {
		return errors.Wrap(err, "relay: write message")
	}
	return nil
}

// decode reads exactly one bencoded dictionary from r. Because bencode is
// self-delimiting, calling decode repeatedly against the same buffered
// reader correctly splits several messages concatenated in one TCP read
// without any length prefix of our own.
func decode(r *bufio.Reader) (message, error) {
	var raw map[string]interface{}
	if err := bencode.Unmarshal(r, &raw); err != nil {
		return message{}, errors.Wrap(err, "relay: decode message")
	}

	m := message{}
	if t, ok := raw["t"].(string); ok {
		m.Type = msgType(t)
	} else {
		return message{}, errors.New("relay: message missing 't' field")
	}
	if q, ok := raw["q"].(string); ok {
		m.Op = q
	}
	if zbd, ok := raw["zbd"].(string); ok {
		bd, err := decodeBody([]byte(zbd), true)
		if err != nil {
			return message{}, err
		}
		m.Body = bd
	} else if bd, ok := raw["bd"].(map[string]interface{}); ok {
		m.Body = bd
	} else {
		m.Body = map[string]interface{}{}
	}
	if s, ok := raw["s"]; ok {
		if n, ok := toInt64(s); ok {
			m.Seq = n
			m.HasSeq = true
		}
	}
	if m.Type == typeError {
		if msg, ok := m.Body["msg"].(string); ok {
			m.ErrText = msg
		}
	}
	return m, nil
}

// toInt64 normalizes the handful of integer representations bencode-go may
// produce when decoding into interface{}.
func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
