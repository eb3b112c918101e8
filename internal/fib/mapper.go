// Package fib implements the per-family FIB observers and the
// rtnetlink attribute-to-entry mapper that feeds them.
package fib

import (
	"fmt"
	"net/netip"

	"github.com/m46e-project/m46ed/internal/route"
	"github.com/m46e-project/m46ed/internal/rtnl"
)

// rtnType mirrors the subset of rtnetlink RTN_* codes the daemon
// distinguishes.
const (
	rtnUnspec      = 0
	rtnUnicast     = 1
	rtnLocal       = 2
	rtnBroadcast   = 3
	rtnAnycast     = 4
	rtnMulticast   = 5
	rtnUnreachable = 7
)

func mapRouteType(code uint8) route.Type {
	switch code {
	case rtnUnicast:
		return route.TypeUnicast
	case rtnLocal:
		return route.TypeLocal
	case rtnBroadcast:
		return route.TypeBroadcast
	case rtnAnycast:
		return route.TypeAnycast
	case rtnMulticast:
		return route.TypeMulticast
	case rtnUnreachable:
		return route.TypeUnreachable
	default:
		return route.TypeOther
	}
}

// rtnCode is mapRouteType's inverse, used when programming a table entry
// back into the kernel FIB.
func rtnCode(t route.Type) uint8 {
	switch t {
	case route.TypeUnicast:
		return rtnUnicast
	case route.TypeLocal:
		return rtnLocal
	case route.TypeBroadcast:
		return rtnBroadcast
	case route.TypeAnycast:
		return rtnAnycast
	case route.TypeMulticast:
		return rtnMulticast
	case route.TypeUnreachable:
		return rtnUnreachable
	default:
		return rtnUnspec
	}
}

// MapV4 converts a raw rtnetlink route into a V4Entry. Unset
// attributes (OIF/DST/PREFSRC/GATEWAY/PRIORITY) are already normalized
// to the family's "any" sentinel or zero by the rtnl layer; MapV4 only
// interprets the route type and parses the address strings.
func MapV4(r rtnl.RawRoute) (route.V4Entry, error) {
	if r.Family != rtnl.FamilyV4 {
		return route.V4Entry{}, fmt.Errorf("map v4: unexpected family %d", r.Family)
	}

	dst, err := netip.ParseAddr(r.DstCIDR)
	if err != nil {
		return route.V4Entry{}, fmt.Errorf("map v4: parse dst %q: %w", r.DstCIDR, err)
	}
	gw, err := netip.ParseAddr(r.Gateway)
	if err != nil {
		return route.V4Entry{}, fmt.Errorf("map v4: parse gateway %q: %w", r.Gateway, err)
	}
	src, err := netip.ParseAddr(r.Src)
	if err != nil {
		return route.V4Entry{}, fmt.Errorf("map v4: parse src %q: %w", r.Src, err)
	}

	return route.V4Entry{
		Type:      mapRouteType(r.Type),
		Dst:       dst,
		Src:       src,
		Gateway:   gw,
		PrefixLen: r.PrefixLen,
		OutIf:     r.OutIf,
		Priority:  r.Priority,
		Sync:      false,
	}, nil
}

// MapV6 is MapV4's IPv6 analogue.
func MapV6(r rtnl.RawRoute) (route.V6Entry, error) {
	if r.Family != rtnl.FamilyV6 {
		return route.V6Entry{}, fmt.Errorf("map v6: unexpected family %d", r.Family)
	}

	dst, err := netip.ParseAddr(r.DstCIDR)
	if err != nil {
		return route.V6Entry{}, fmt.Errorf("map v6: parse dst %q: %w", r.DstCIDR, err)
	}
	gw, err := netip.ParseAddr(r.Gateway)
	if err != nil {
		return route.V6Entry{}, fmt.Errorf("map v6: parse gateway %q: %w", r.Gateway, err)
	}
	src, err := netip.ParseAddr(r.Src)
	if err != nil {
		return route.V6Entry{}, fmt.Errorf("map v6: parse src %q: %w", r.Src, err)
	}

	return route.V6Entry{
		Type:      mapRouteType(r.Type),
		Dst:       dst,
		Src:       src,
		Gateway:   gw,
		PrefixLen: r.PrefixLen,
		OutIf:     r.OutIf,
		Priority:  r.Priority,
		Sync:      false,
	}, nil
}

// V4ToRaw converts a V4Entry back into a RawRoute for kernel
// programming.
func V4ToRaw(e route.V4Entry) rtnl.RawRoute {
	return rtnl.RawRoute{
		Family:    rtnl.FamilyV4,
		Type:      rtnCode(e.Type),
		Table:     rtnl.TableMain,
		DstCIDR:   e.Dst.String(),
		PrefixLen: e.PrefixLen,
		Gateway:   e.Gateway.String(),
		Src:       e.Src.String(),
		OutIf:     e.OutIf,
		Priority:  e.Priority,
	}
}

// V6ToRaw is V4ToRaw's IPv6 analogue.
func V6ToRaw(e route.V6Entry) rtnl.RawRoute {
	return rtnl.RawRoute{
		Family:    rtnl.FamilyV6,
		Type:      rtnCode(e.Type),
		Table:     rtnl.TableMain,
		DstCIDR:   e.Dst.String(),
		PrefixLen: e.PrefixLen,
		Gateway:   e.Gateway.String(),
		Src:       e.Src.String(),
		OutIf:     e.OutIf,
		Priority:  e.Priority,
	}
}
