package docan

import "testing"

func TestDecodeMinSeparationTime(t *testing.T) {
	cases := []struct {
		encoded uint8
		want    uint32
	}{
		{0x00, 0},
		{0x01, 1000},
		{0x7F, 127000},
		{0xF1, 100},
		{0xF9, 900},
	}
	for _, c := range cases {
		if got := decodeMinSeparationTime(c.encoded, 999); got != c.want {
			t.Errorf("decodeMinSeparationTime(0x%02X) = %d, want %d", c.encoded, got, c.want)
		}
	}
}

func TestDecodeMinSeparationTimeReservedFallsBackToCeiling(t *testing.T) {
	for _, encoded := range []uint8{0x80, 0xF0, 0xFA, 0xFF} {
		if got := decodeMinSeparationTime(encoded, 4242); got != 4242 {
			t.Errorf("decodeMinSeparationTime(0x%02X) = %d, want ceiling 4242", encoded, got)
		}
	}
}

func TestEncodeMinSeparationTime(t *testing.T) {
	cases := []struct {
		us   uint32
		want uint8
	}{
		{0, 0x00},
		{1000, 0x01},
		{127_000, 0x7F},
		{500_000, 0x7F}, // clamped to ceiling
		{100, 0xF1},
		{900, 0xF9},
		{50, 0xF1}, // rounds up to the smallest representable step
	}
	for _, c := range cases {
		if got := encodeMinSeparationTime(c.us); got != c.want {
			t.Errorf("encodeMinSeparationTime(%d) = 0x%02X, want 0x%02X", c.us, got, c.want)
		}
	}
}

func TestSeparationTimeRoundTripMillisecondRange(t *testing.T) {
	for ms := uint32(0); ms <= 127; ms++ {
		encoded := encodeMinSeparationTime(ms * 1000)
		decoded := decodeMinSeparationTime(encoded, 0)
		if decoded != ms*1000 {
			t.Errorf("round trip %dms: got %dus", ms, decoded)
		}
	}
}
