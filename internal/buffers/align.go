package buffers

import (
	"unsafe"

	"golang.org/x/exp/constraints"
	"golang.org/x/sys/cpu"
)

// alignBytes is the guaranteed alignment of every numeric buffer. 64 covers
// a full cache line and every vector width we care about.
const alignBytes = 64

// alignedSlice returns a zeroed slice of n elements whose backing array
// starts on an alignBytes boundary. The capacity is clipped to n so appends
// cannot silently grow into the alignment slack.
func alignedSlice[F constraints.Float](n int) []F {
	if n == 0 {
		return nil
	}
	var zero F
	elem := int(unsafe.Sizeof(zero))
	buf := make([]F, n+alignBytes/elem)
	off := 0
	if mod := uintptr(unsafe.Pointer(&buf[0])) % alignBytes; mod != 0 {
		off = (alignBytes - int(mod)) / elem
	}
	return buf[off : off+n : off+n]
}

// PatternPadModulus reports the pattern-count modulus that keeps per-category
// pattern rows vector-friendly on this machine. The padded patterns are inert;
// a larger modulus only costs a few zero-weight slots.
func PatternPadModulus() int {
	switch {
	case cpu.X86.HasAVX512F:
		return 8
	case cpu.X86.HasAVX2:
		return 4
	case cpu.X86.HasSSE42, cpu.ARM64.HasASIMD:
		return 2
	}
	return 1
}

// PadPatterns rounds patterns up to the given modulus.
func PadPatterns(patterns, modulus int) int {
	if modulus <= 1 {
		return patterns
	}
	if rem := patterns % modulus; rem != 0 {
		return patterns + modulus - rem
	}
	return patterns
}
