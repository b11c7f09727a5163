package format

import "github.com/tinymem/tinymem/kernel/memory/errs"

// nibble convention: two signed 4-bit values per byte, low nibble is the
// even-indexed element, high nibble is the odd-indexed element. Values are
// stored unsigned in 0..15; the semantic value is nibble-8 in -8..7.
const nibbleBias = 8

// PackNibbles encodes signed values in [-8, 7] two-per-byte, low nibble
// first. Row byte count is ceil(len(values)/2).
func PackNibbles(values []int8) ([]byte, error) {
	out := make([]byte, (len(values)+1)/2)
	for i, v := range values {
		if v < -8 || v > 7 {
			return nil, errs.New(errs.InvalidArgument, "value %d out of signed 4-bit range [-8,7]", v)
		}
		u := byte(int(v) + nibbleBias)
		if i%2 == 0 {
			out[i/2] |= u
		} else {
			out[i/2] |= u << 4
		}
	}
	return out, nil
}

// UnpackNibbles decodes packed 4-bit values back to signed int8, given the
// logical element count (which may be odd, unlike the byte count).
func UnpackNibbles(packed []byte, count int) ([]int8, error) {
	if (count+1)/2 != len(packed) {
		return nil, errs.New(errs.InvalidArgument, "packed length %d does not match count %d", len(packed), count)
	}
	out := make([]int8, count)
	for i := 0; i < count; i++ {
		b := packed[i/2]
		var u byte
		if i%2 == 0 {
			u = b & 0x0f
		} else {
			u = (b >> 4) & 0x0f
		}
		out[i] = int8(int(u) - nibbleBias)
	}
	return out, nil
}

// Dequantize applies a per-channel (or per-block) float scale to a decoded
// nibble value: (nibble - 8) * scale.
func Dequantize(values []int8, scale float32) []float32 {
	out := make([]float32, len(values))
	for i, v := range values {
		out[i] = float32(v) * scale
	}
	return out
}
