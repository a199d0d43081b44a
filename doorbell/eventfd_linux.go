// eventfd_linux.go - Linux doorbell driver backed by eventfd(2)
//
// Each hart gets one eventfd in semaphore mode. Ring is a write(2) of 1,
// ClearLocal drains the counter, and Wait parks the hart thread in poll(2)
// instead of burning a core while its doorbell is down. The write/read
// syscall pair carries a full memory barrier, which more than covers the
// event-bit-before-doorbell ordering the sender needs.

//go:build linux

package doorbell

import (
	"errors"
	"math/bits"

	"golang.org/x/sys/unix"
)

// ErrEventfd wraps eventfd creation failures during cold init.
var ErrEventfd = errors.New("doorbell: eventfd creation failed")

// Eventfd is the Linux doorbell driver.
type Eventfd struct {
	avail  uint64
	fds    []int // hart ID -> eventfd, -1 for unavailable harts
	inited bool
}

// NewEventfd builds the driver shell; descriptors are created by Init on
// cold boot so a failed boot can be retried without leaking fds.
func NewEventfd(avail uint64) *Eventfd {
	return &Eventfd{avail: avail}
}

// Disabled reports whether the platform considers hart h unusable.
//
//go:nosplit
//go:inline
func (d *Eventfd) Disabled(h uint32) bool {
	return h >= 64 || d.avail&(1<<h) == 0
}

// Ring bumps hart h's eventfd counter, waking a thread parked in Wait.
func (d *Eventfd) Ring(h uint32) {
	one := [8]byte{1} // little-endian uint64(1)
	_, _ = unix.Write(d.fds[h], one[:])
}

// Pending reports whether hart h's doorbell is raised, without consuming
// the indication.
func (d *Eventfd) Pending(h uint32) bool {
	pfd := []unix.PollFd{{Fd: int32(d.fds[h]), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, 0)
	return err == nil && n > 0 && pfd[0].Revents&unix.POLLIN != 0
}

// Wait parks the calling hart thread until its doorbell rings or the
// timeout (milliseconds, -1 = forever) expires. Returns true when the
// doorbell is up.
func (d *Eventfd) Wait(h uint32, timeoutMs int) bool {
	pfd := []unix.PollFd{{Fd: int32(d.fds[h]), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, timeoutMs)
	return err == nil && n > 0 && pfd[0].Revents&unix.POLLIN != 0
}

// ClearLocal drains hart h's eventfd counter. Nonblocking: semaphore mode
// decrements once per read, so loop until EAGAIN to fold coalesced rings
// into one acknowledged indication.
func (d *Eventfd) ClearLocal(h uint32) {
	var buf [8]byte
	for {
		_, err := unix.Read(d.fds[h], buf[:])
		if err != nil {
			return // EAGAIN: counter at zero
		}
	}
}

// Init creates one eventfd per available hart on cold boot. Warm boot only
// checks that the cold pass happened.
func (d *Eventfd) Init(coldBoot bool) error {
	if !coldBoot {
		if !d.inited {
			return ErrNotInitialized
		}
		return nil
	}

	harts := bits.Len64(d.avail)
	d.fds = make([]int, harts)
	for h := 0; h < harts; h++ {
		d.fds[h] = -1
		if d.avail&(1<<h) == 0 {
			continue
		}
		fd, err := unix.Eventfd(0, unix.EFD_SEMAPHORE|unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
		if err != nil {
			d.Exit()
			return ErrEventfd
		}
		d.fds[h] = fd
	}
	d.inited = true
	return nil
}

// Exit closes every descriptor the driver owns.
func (d *Eventfd) Exit() {
	for i, fd := range d.fds {
		if fd >= 0 {
			_ = unix.Close(fd)
			d.fds[i] = -1
		}
	}
	d.inited = false
}
