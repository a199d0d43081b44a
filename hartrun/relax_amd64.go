// relax_amd64.go - x86-64 spin-wait hint via the PAUSE instruction

//go:build amd64 && !noasm && !nocgo

package hartrun

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
