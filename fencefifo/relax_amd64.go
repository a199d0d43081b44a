// relax_amd64.go - x86-64 spin-wait hint via the PAUSE instruction
//
// Emitted through cgo inside the FENCE rendezvous wait so a sender parked
// on a remote drain shares its hyperthread instead of hammering the
// outstanding counter's cache line.

//go:build amd64 && !noasm && !nocgo

package fencefifo

/*
static inline void cpu_pause() {
    __asm__ __volatile__("pause" ::: "memory");
}
*/
import "C"

// cpuRelax emits the PAUSE instruction.
//
//go:nosplit
//go:inline
func cpuRelax() {
	C.cpu_pause()
}
