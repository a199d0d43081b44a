// setaffinity_stub.go - no-op CPU affinity for non-Linux targets

//go:build !linux || tinygo

package hartrun

// setAffinity is a no-op where sched_setaffinity(2) is unavailable.
//
//go:nosplit
//go:inline
func setAffinity(cpu int) {}
