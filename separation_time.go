package docan

// decodeMinSeparationTime converts a wire STmin byte to microseconds,
// per spec.md section 4.4: 0x00..0x7F is milliseconds, 0xF1..0xF9 is
// 100..900 microseconds, anything else is reserved and treated as the
// configured ceiling by the caller.
func decodeMinSeparationTime(encoded uint8, ceilingUs uint32) uint32 {
	switch {
	case encoded <= 0x7F:
		return uint32(encoded) * 1000
	case encoded >= 0xF1 && encoded <= 0xF9:
		return uint32(encoded-0xF0) * 100
	default:
		return ceilingUs
	}
}

// encodeMinSeparationTime converts a receiver's STmin demand in
// microseconds to its wire byte: below 1 ms it is truncated to a
// 100 µs step (at least 100 µs); from 1 ms up it is truncated to whole
// milliseconds and clamped at 127 ms.
func encodeMinSeparationTime(us uint32) uint8 {
	switch {
	case us == 0:
		return 0
	case us < 1000:
		step := us / 100
		if step == 0 {
			step = 1
		}
		if step > 9 {
			step = 9
		}
		return 0xF0 + uint8(step)
	default:
		ms := us / 1000
		if ms > 0x7F {
			ms = 0x7F
		}
		return uint8(ms)
	}
}
