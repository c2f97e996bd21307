package endpoint

import (
	"net"
	"testing"
)

func TestCompactRoundTrip(t *testing.T) {
	cases := []Endpoint{
		{IP: net.IPv4(127, 0, 0, 1), Port: 1},
		{IP: net.IPv4(203, 0, 113, 7), Port: 29900},
		{IP: net.IPv4(0, 0, 0, 0), Port: 65535},
	}

	for _, want := range cases {
		buf, err := EncodeCompact(want)
		if err != nil {
			t.Fatalf("EncodeCompact(%v): %v", want, err)
		}
		if len(buf) != compactSize {
			t.Fatalf("EncodeCompact(%v): got %d bytes, want %d", want, len(buf), compactSize)
		}
		got, err := DecodeCompact(buf)
		if err != nil {
			t.Fatalf("DecodeCompact: %v", err)
		}
		if !got.Equal(want) {
			t.Fatalf("round trip mismatch: got %v, want %v", got, want)
		}
	}
}

func TestDecodeCompactTooShort(t *testing.T) {
	if _, err := DecodeCompact([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for short buffer")
	}
}

func TestDeriveProtocolIDDeterministic(t *testing.T) {
	a := DeriveProtocolID("bechat")
	b := DeriveProtocolID("bechat")
	if a != b {
		t.Fatalf("DeriveProtocolID not deterministic: %d != %d", a, b)
	}
	if a >= 1000000 {
		t.Fatalf("DeriveProtocolID not reduced mod 1e6: %d", a)
	}

	other := DeriveProtocolID("not-bechat")
	if a == other {
		t.Fatalf("distinct app names collided: %d", a)
	}
}
