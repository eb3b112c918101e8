// Package translate converts route entries between the IPv4 and IPv6
// worlds under the two M46E tunnel modes.
package translate

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/m46e-project/m46ed/internal/route"
)

// Mode selects the address-mapping scheme used by ToV6/ToV4.
type Mode uint8

const (
	// ModeNormal maps a 96-bit unicast prefix directly onto the low 32
	// bits of the IPv6 destination.
	ModeNormal Mode = iota
	// ModeAS maps an 80-bit unicast prefix, with the IPv4 address in
	// bytes 10-13 and 16 reserved port bits following.
	ModeAS
)

// String implements fmt.Stringer for config and log rendering.
func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "NORMAL"
	case ModeAS:
		return "AS"
	default:
		return "UNKNOWN"
	}
}

// ErrUnknownMode is returned when Mode holds neither ModeNormal nor ModeAS.
var ErrUnknownMode = errors.New("unknown tunnel mode")

// ErrZeroMappedAddr is returned by ToV4 when the IPv4 address extracted
// from the IPv6 destination is all-zero. ToV6 does not check its IPv4
// destination for zero.
var ErrZeroMappedAddr = errors.New("zero mapped ipv4 address")

// ErrMaskOutOfRange is returned in AS mode when the source IPv6 prefix
// length falls outside [80, 112]: an AS destination carries an 80-bit
// prefix plus at most 32 IPv4 bits.
var ErrMaskOutOfRange = errors.New("as-mode ipv6 mask out of range")

const (
	normalPrefixBits = 96
	asPrefixBits     = 80
)

// ToV6 translates an IPv4 entry received from the peer into the IPv6
// entry to install locally, under the given mode and unicast prefix.
// Every field not explicitly mapped is normalized: sync=true, type
// copied, out_if_index set by the caller to the target table's tunnel
// device, gateway/src set to "any", priority 0.
func ToV6(mode Mode, prefix netip.Addr, tunnelOutIf int, e route.V4Entry) (route.V6Entry, error) {
	var mapped netip.Addr
	var plen int

	switch mode {
	case ModeNormal:
		mapped = embedV4(prefix, e.Dst, 12) // bytes 12-15 of a 16-byte IPv6 addr
		plen = e.PrefixLen + normalPrefixBits
	case ModeAS:
		mapped = embedV4(prefix, e.Dst, 10) // bytes 10-13, bytes 14-15 stay zero (port)
		plen = e.PrefixLen + asPrefixBits
	default:
		return route.V6Entry{}, fmt.Errorf("translate to v6: %w", ErrUnknownMode)
	}

	return route.V6Entry{
		Type:      e.Type,
		Dst:       mapped,
		Src:       route.AnyV6,
		Gateway:   route.AnyV6,
		PrefixLen: plen,
		OutIf:     tunnelOutIf,
		Priority:  0,
		Sync:      true,
	}, nil
}

// ToV4 translates an IPv6 entry received from the peer into the IPv4
// entry to install locally. Returns
// ErrMaskOutOfRange in AS mode if the v6 prefix length is outside
// [80, 112], and ErrZeroMappedAddr if the extracted IPv4 address is
// 0.0.0.0.
func ToV4(mode Mode, tunnelOutIf int, e route.V6Entry) (route.V4Entry, error) {
	var v4addr netip.Addr
	var plen int

	switch mode {
	case ModeNormal:
		v4addr = extractV4(e.Dst, 12)
		plen = e.PrefixLen - normalPrefixBits
	case ModeAS:
		if e.PrefixLen < asPrefixBits || e.PrefixLen > asPrefixBits+32 {
			return route.V4Entry{}, fmt.Errorf("translate to v4: prefix_len %d: %w", e.PrefixLen, ErrMaskOutOfRange)
		}
		v4addr = extractV4(e.Dst, 10)
		plen = e.PrefixLen - asPrefixBits
	default:
		return route.V4Entry{}, fmt.Errorf("translate to v4: %w", ErrUnknownMode)
	}

	if v4addr == route.AnyV4 {
		return route.V4Entry{}, fmt.Errorf("translate to v4: %w", ErrZeroMappedAddr)
	}

	return route.V4Entry{
		Type:      e.Type,
		Dst:       v4addr,
		Src:       route.AnyV4,
		Gateway:   route.AnyV4,
		PrefixLen: plen,
		OutIf:     tunnelOutIf,
		Priority:  0,
		Sync:      true,
	}, nil
}

// embedV4 returns an IPv6 address built from prefix's leading bytes with
// dst's 4 bytes written starting at byteOffset. Trailing bytes (the port
// field in AS mode, or anything past the embedded address in Normal
// mode) are left zero.
func embedV4(prefix netip.Addr, dst netip.Addr, byteOffset int) netip.Addr {
	var buf [16]byte
	p := prefix.As16()
	copy(buf[:byteOffset], p[:byteOffset])
	d := dst.As4()
	copy(buf[byteOffset:byteOffset+4], d[:])
	return netip.AddrFrom16(buf)
}

// extractV4 reads 4 bytes starting at byteOffset out of a 16-byte IPv6
// address and returns them as an IPv4 netip.Addr.
func extractV4(v6 netip.Addr, byteOffset int) netip.Addr {
	b := v6.As16()
	var v4 [4]byte
	copy(v4[:], b[byteOffset:byteOffset+4])
	return netip.AddrFrom4(v4)
}
