package utils

import (
	"syscall"
	"unsafe"
)

///////////////////////////////////////////////////////////////////////////////
// Conversion Utilities — Zero-Alloc Casts
///////////////////////////////////////////////////////////////////////////////

// B2s converts a []byte to a string **without** allocation.
// ⚠️ Caller must ensure the input slice remains valid and unchanged.
// Used for human-readable print paths.
//
//go:nosplit
//go:inline
func B2s(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

///////////////////////////////////////////////////////////////////////////////
// Decimal / Hex Formatters — No fmt, No Allocation Beyond the Result
///////////////////////////////////////////////////////////////////////////////

// Itoa formats a signed integer in base 10. Replacement for strconv.Itoa
// on diagnostic paths so the cold logging path stays dependency-free.
//
//go:nosplit
//go:inline
func Itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Utox formats a uint64 as 0x-prefixed lowercase hex. Used for bitmask and
// fingerprint diagnostics.
//
//go:nosplit
//go:inline
func Utox(v uint64) string {
	const digits = "0123456789abcdef"
	var buf [18]byte
	i := len(buf)
	for {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
		if v == 0 {
			break
		}
	}
	i--
	buf[i] = 'x'
	i--
	buf[i] = '0'
	return string(buf[i:])
}

///////////////////////////////////////////////////////////////////////////////
// Raw stderr Writer — Bypasses os.Stderr Locking
///////////////////////////////////////////////////////////////////////////////

// PrintWarning writes msg straight to file descriptor 2. A failed write is
// ignored: there is nowhere left to report it.
//
//go:nosplit
func PrintWarning(msg string) {
	if len(msg) == 0 {
		return
	}
	b := unsafe.Slice(unsafe.StringData(msg), len(msg))
	_, _ = syscall.Write(2, b)
}

///////////////////////////////////////////////////////////////////////////////
// Hash & Mixers
///////////////////////////////////////////////////////////////////////////////

// Mix64 applies a Murmur3-style avalanche to a 64-bit value.
// Used to decorrelate trace-record ticks before bucketing.
//
//go:nosplit
//go:inline
func Mix64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}
