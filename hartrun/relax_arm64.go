// relax_arm64.go - ARM64 spin-wait hint via the YIELD instruction

//go:build arm64 && !noasm && !nocgo

package hartrun

/*
static inline void cpu_yield() {
    __asm__ __volatile__("yield" ::: "memory");
}
*/
import "C"

// cpuRelax emits the YIELD instruction.
//
//go:nosplit
//go:inline
func cpuRelax() {
	C.cpu_yield()
}
