// doorbell_linux.go - doorbell backend selection where eventfd(2) exists

//go:build linux

package main

import (
	"github.com/github-efx/opensbi/doorbell"
	"github.com/github-efx/opensbi/platform"
)

// newDoorbell picks the platform's doorbell backend. Linux supports both:
// the in-memory spin flag for pinned spinning harts and the eventfd
// semaphore for harts that park in the kernel.
func newDoorbell(spec platform.Spec, avail uint64) machineBell {
	if spec.Doorbell == platform.DoorbellEventfd {
		return doorbell.NewEventfd(avail)
	}
	return doorbell.NewSpin(avail)
}
