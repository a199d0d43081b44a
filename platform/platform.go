// ════════════════════════════════════════════════════════════════════════════════════════════════
// 🔩 PLATFORM MACHINE DESCRIPTION
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Multi-Hart Firmware Signaling Core
// Component: Machine Description Loader & Boot Measurement
//
// Description:
//   Loads and validates the JSON machine description that tells the firmware how many harts the
//   platform carries, which of them are available, which doorbell backend to drive, and where to
//   persist the signaling trace. Every boot derives a SHA3-256 measurement over the canonical
//   description so two machines can be compared by one hex string.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package platform

import (
	"errors"
	"fmt"
	"os"

	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/crypto/sha3"

	"github.com/github-efx/opensbi/constants"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// DOORBELL BACKENDS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

const (
	// DoorbellSpin selects the in-memory spin doorbell: one padded flag
	// word per hart, polled by the pinned hart loops.
	DoorbellSpin = "spin"

	// DoorbellEventfd selects the eventfd(2) doorbell: one kernel
	// semaphore per hart, for harts that park instead of spin.
	DoorbellEventfd = "eventfd"
)

// ErrBadSpec rejects a machine description that fails validation. The
// wrapped detail names the offending field.
var ErrBadSpec = errors.New("platform: invalid machine description")

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// MACHINE DESCRIPTION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Trace configures signaling-trace persistence.
type Trace struct {
	Enabled bool   `json:"enabled"` // record send/drain events
	Path    string `json:"path"`    // sqlite database file
}

// Spec is one machine's signaling-relevant description.
type Spec struct {
	Name      string   `json:"name"`      // platform identity, free-form
	Harts     int      `json:"harts"`     // hart ID space size, 1..64
	Available []uint32 `json:"available"` // hart IDs present and online
	Doorbell  string   `json:"doorbell"`  // spin | eventfd
	Trace     Trace    `json:"trace"`
}

// Default is the description used when no file is given: a four-hart
// machine with every hart online, spin doorbell, tracing off.
func Default() Spec {
	return Spec{
		Name:      "generic-4",
		Harts:     4,
		Available: []uint32{0, 1, 2, 3},
		Doorbell:  DoorbellSpin,
	}
}

// Load reads and validates a machine description file.
func Load(path string) (Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("platform: read %s: %w", path, err)
	}
	var s Spec
	if err := sonnet.Unmarshal(raw, &s); err != nil {
		return Spec{}, fmt.Errorf("platform: parse %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}

// Validate checks the description's internal consistency.
func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: empty platform name", ErrBadSpec)
	}
	if s.Harts < 1 || s.Harts > constants.MaxHarts {
		return fmt.Errorf("%w: hart count %d outside 1..%d", ErrBadSpec, s.Harts, constants.MaxHarts)
	}
	if len(s.Available) == 0 {
		return fmt.Errorf("%w: no available harts", ErrBadSpec)
	}
	seen := uint64(0)
	for _, h := range s.Available {
		if h >= uint32(s.Harts) {
			return fmt.Errorf("%w: hart %d outside ID space 0..%d", ErrBadSpec, h, s.Harts-1)
		}
		if seen&(1<<h) != 0 {
			return fmt.Errorf("%w: hart %d listed twice", ErrBadSpec, h)
		}
		seen |= 1 << h
	}
	switch s.Doorbell {
	case DoorbellSpin, DoorbellEventfd:
	default:
		return fmt.Errorf("%w: unknown doorbell backend %q", ErrBadSpec, s.Doorbell)
	}
	if s.Trace.Enabled && s.Trace.Path == "" {
		return fmt.Errorf("%w: trace enabled without a path", ErrBadSpec)
	}
	return nil
}

// AvailabilityMask folds the available hart list into the bitmask form the
// signaling core consumes.
func (s Spec) AvailabilityMask() uint64 {
	var mask uint64
	for _, h := range s.Available {
		if h < constants.MaxHarts {
			mask |= 1 << h
		}
	}
	return mask
}

// Fingerprint measures the canonical description with SHA3-256. Stable
// across loads of the same file; any field change changes the digest.
func (s Spec) Fingerprint() ([32]byte, error) {
	canon, err := sonnet.Marshal(s)
	if err != nil {
		return [32]byte{}, fmt.Errorf("platform: canonicalize: %w", err)
	}
	return sha3.Sum256(canon), nil
}

// FingerprintHex renders the boot measurement as a lowercase hex string
// for the boot log.
func (s Spec) FingerprintHex() (string, error) {
	sum, err := s.Fingerprint()
	if err != nil {
		return "", err
	}
	const digits = "0123456789abcdef"
	out := make([]byte, 64)
	for i, b := range sum {
		out[i*2] = digits[b>>4]
		out[i*2+1] = digits[b&0xf]
	}
	return string(out), nil
}
