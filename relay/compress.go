package relay

import (
	"bytes"

	"github.com/golang/snappy"
	"github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

// compressThreshold is the encoded body size above which it travels
// snappy-compressed instead of inline, mirroring the role std/comp.go gave
// snappy over smux streams, now applied per-message instead of per-stream
// since the relay connection is otherwise a plain framed TCP socket.
const compressThreshold = 512

// encodeBody bencodes bd and, if the result is large, compresses it and
// returns the compressed form plus true. Callers store the result under a
// different wire key ("zbd") than an inline body ("bd") so decode knows
// which path to take without guessing.
func encodeBody(bd map[string]interface{}) (raw []byte, compressed bool, err error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, bd); err != nil {
		return nil, false, errors.Wrap(err, "relay: marshal body")
	}
	if buf.Len() <= compressThreshold {
		return buf.Bytes(), false, nil
	}
	return snappy.Encode(nil, buf.Bytes()), true, nil
}

// decodeBody reverses encodeBody.
func decodeBody(raw []byte, compressed bool) (map[string]interface{}, error) {
	plain := raw
	if compressed {
		decoded, err := snappy.Decode(nil, raw)
		if err != nil {
			return nil, errors.Wrap(err, "relay: snappy decode body")
		}
		plain = decoded
	}
	var bd map[string]interface{}
	if err := bencode.Unmarshal(bytes.NewReader(plain), &bd); err != nil {
		return nil, errors.Wrap(err, "relay: unmarshal body")
	}
	return bd, nil
}
