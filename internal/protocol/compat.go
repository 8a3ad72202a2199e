// Package protocol defines the tuichat wire protocol: the compatibility
// fingerprint exchanged during the handshake, the packet families sent in
// each direction, and the binary codec that frames them.
package protocol

import (
	"errors"
	"fmt"
)

// Magic identifies a tuichat peer. It filters out accidental connections
// from programs that do not speak this protocol; it is not a credential.
// This value must never change.
type Magic uint64

// Version is a major.minor.patch triple. Peers are compatible when the
// major parts match.
type Version [3]uint16

// Major returns the major component.
func (v Version) Major() uint16 { return v[0] }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
}

// Fingerprint is the magic+version pair compiled into every peer.
// Its wire layout must never change.
type Fingerprint struct {
	Magic   Magic
	Version Version
}

// Current is the fingerprint of this build. It is compared by value and
// never mutated.
var Current = Fingerprint{
	Magic:   0x3064396a3df83f1d,
	Version: Version{0, 1, 0},
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%#016x/v%s", uint64(f.Magic), f.Version)
}

// IncompatibleReason tells why two fingerprints are not compatible.
type IncompatibleReason uint32

const (
	ReasonInvalidMagic IncompatibleReason = iota
	ReasonVersionMismatch
)

// Sentinels matched by IncompatibleError through errors.Is.
var (
	ErrInvalidMagic    = errors.New("protocol: invalid magic")
	ErrVersionMismatch = errors.New("protocol: version mismatch")
)

// IncompatibleError is returned by Compatible. Local and Remote are only
// meaningful for ReasonVersionMismatch.
type IncompatibleError struct {
	Reason IncompatibleReason
	Local  Version
	Remote Version
}

func (e *IncompatibleError) Error() string {
	switch e.Reason {
	case ReasonInvalidMagic:
		return "peer is not a tuichat peer (invalid magic)"
	case ReasonVersionMismatch:
		return fmt.Sprintf("peer is incompatible (local:%s remote:%s)", e.Local, e.Remote)
	default:
		return fmt.Sprintf("peer is incompatible (reason %d)", e.Reason)
	}
}

// Is reports whether target is the sentinel for e's reason.
func (e *IncompatibleError) Is(target error) bool {
	switch target {
	case ErrInvalidMagic:
		return e.Reason == ReasonInvalidMagic
	case ErrVersionMismatch:
		return e.Reason == ReasonVersionMismatch
	}
	return false
}

// Compatible reports whether a peer carrying remote may talk to a peer
// carrying local. Minor and patch versions may differ freely.
func Compatible(local, remote Fingerprint) error {
	if local.Magic != remote.Magic {
		return &IncompatibleError{Reason: ReasonInvalidMagic}
	}

	if local.Version.Major() != remote.Version.Major() {
		return &IncompatibleError{
			Reason: ReasonVersionMismatch,
			Local:  local.Version,
			Remote: remote.Version,
		}
	}

	return nil
}
