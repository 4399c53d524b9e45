package serializer

import "fmt"

// PackBits run-length encodes src. Runs of 3 to 128 equal bytes become a
// two-byte repeat packet; everything else is emitted as literal packets of
// at most 128 bytes.
func PackBits(src []byte) []byte {
	out := make([]byte, 0, len(src)+len(src)/128+1)
	for i := 0; i < len(src); {
		run := 1
		for i+run < len(src) && run < 128 && src[i+run] == src[i] {
			run++
		}
		if run >= 3 {
			out = append(out, byte(257-run), src[i])
			i += run
			continue
		}

		// literal until the next run of three or the packet limit
		start := i
		for i < len(src) && i-start < 128 {
			if i+2 < len(src) && src[i] == src[i+1] && src[i] == src[i+2] {
				break
			}
			i++
		}
		out = append(out, byte(i-start-1))
		out = append(out, src[start:i]...)
	}
	return out
}

// UnpackBits reverses PackBits.
func UnpackBits(src []byte) ([]byte, error) {
	var out []byte
	for i := 0; i < len(src); {
		n := int8(src[i])
		i++
		switch {
		case n >= 0:
			count := int(n) + 1
			if i+count > len(src) {
				return nil, fmt.Errorf("literal packet of %d bytes overruns input at %d", count, i)
			}
			out = append(out, src[i:i+count]...)
			i += count
		case n == -128:
			// no-op packet
		default:
			if i >= len(src) {
				return nil, fmt.Errorf("repeat packet missing value at %d", i)
			}
			for range 1 - int(n) {
				out = append(out, src[i])
			}
			i++
		}
	}
	return out, nil
}
