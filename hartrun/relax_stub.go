// relax_stub.go
//
// Portable fall-back for targets without a dedicated spin-wait hint or
// with cgo/assembly disabled. Declares cpuRelax as an empty function so
// source compiles unchanged on every architecture.

//go:build (!amd64 && !arm64) || noasm || nocgo || !cgo

package hartrun

// cpuRelax is a no-op on unsupported targets.
//
//go:nosplit
//go:inline
func cpuRelax() {}
