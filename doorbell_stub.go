// doorbell_stub.go - doorbell backend selection without eventfd(2)

//go:build !linux

package main

import (
	"github.com/github-efx/opensbi/doorbell"
	"github.com/github-efx/opensbi/platform"
)

// newDoorbell falls back to the in-memory spin doorbell everywhere the
// eventfd backend is unavailable, whatever the description asked for.
func newDoorbell(_ platform.Spec, avail uint64) machineBell {
	return doorbell.NewSpin(avail)
}
