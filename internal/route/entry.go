// Package route implements the dual (IPv4/IPv6) route tables that mirror
// the kernel FIB for the M46E tunnel daemon.
//
// Each address family gets its own Table instance holding a bounded,
// compact slice of entries plus an interest set of managed device
// indices. Each table is mutated by the FIB observer for its family and
// by the peer-sync dispatcher, which installs the peer's translated
// routes into it; readers (the admin API) take the same mutex for the
// duration of a scan.
package route

import (
	"fmt"
	"net/netip"
)

// Type is the daemon's route type: the rtnetlink route types it
// distinguishes, with every other rtnetlink type folded into TypeOther.
type Type uint8

// Route types. The numeric values are not the rtnetlink RTN_* codes;
// the fib package converts between the two.
const (
	TypeUnknown Type = iota
	TypeUnicast
	TypeLocal
	TypeBroadcast
	TypeAnycast
	TypeMulticast
	TypeUnreachable
	TypeOther
)

// String renders the route type for the "show" textual dump.
func (t Type) String() string {
	switch t {
	case TypeUnicast:
		return "unicast"
	case TypeLocal:
		return "local"
	case TypeBroadcast:
		return "broadcast"
	case TypeAnycast:
		return "anycast"
	case TypeMulticast:
		return "multicast"
	case TypeUnreachable:
		return "unreachable"
	case TypeOther:
		return "other"
	default:
		return "unknown"
	}
}

// Entry is the common read surface shared by V4Entry and V6Entry; Table
// is generic over it so both families share one implementation of
// search/add/del/dedup.
type Entry interface {
	// Key identifies an entry for equality purposes: (dst, prefix_len, gateway).
	// Two entries are the "same route" iff their keys match.
	Key() EntryKey
	// DestKey identifies an entry's destination only: (dst, prefix_len).
	// Used by CountSameDest for the gateway-dedup rule.
	DestKey() DestKey
	// OutIfIndex is the entry's output interface index.
	OutIfIndex() int
	// IsSync reports whether the entry originated from peer synchronization.
	IsSync() bool
	// RouteType is the rtnetlink route type of the entry.
	RouteType() Type
}

// EntryKey is the (dst, prefix_len, gateway) identity used by search/add/del.
type EntryKey struct {
	Dst       netip.Addr
	PrefixLen int
	Gateway   netip.Addr
}

// DestKey is the (dst, prefix_len) identity used by count_same_dest.
type DestKey struct {
	Dst       netip.Addr
	PrefixLen int
}

// V4Entry is an IPv4 route table entry.
type V4Entry struct {
	Type       Type
	Dst        netip.Addr // 0.0.0.0 (unspecified) means "any"
	Src        netip.Addr
	Gateway    netip.Addr
	PrefixLen  int // 0..32
	OutIf      int
	Priority   int
	Sync       bool
}

// Key implements Entry.
func (e V4Entry) Key() EntryKey {
	return EntryKey{Dst: e.Dst, PrefixLen: e.PrefixLen, Gateway: e.Gateway}
}

// DestKey implements Entry.
func (e V4Entry) DestKey() DestKey {
	return DestKey{Dst: e.Dst, PrefixLen: e.PrefixLen}
}

// OutIfIndex implements Entry.
func (e V4Entry) OutIfIndex() int { return e.OutIf }

// IsSync implements Entry.
func (e V4Entry) IsSync() bool { return e.Sync }

// RouteType implements Entry.
func (e V4Entry) RouteType() Type { return e.Type }

// String renders a V4Entry in the textual form used by "show".
func (e V4Entry) String() string {
	flag := " "
	if e.Sync {
		flag = "*"
	}
	return fmt.Sprintf("%s %-10s %s/%d via %s src %s prio %d if %d",
		flag, e.Type, e.Dst, e.PrefixLen, e.Gateway, e.Src, e.Priority, e.OutIf)
}

// V6Entry is an IPv6 route table entry.
type V6Entry struct {
	Type      Type
	Dst       netip.Addr // in6addr_any means "any"
	Src       netip.Addr
	Gateway   netip.Addr
	PrefixLen int // 0..128
	OutIf     int
	Priority  int
	Sync      bool
}

// Key implements Entry.
func (e V6Entry) Key() EntryKey {
	return EntryKey{Dst: e.Dst, PrefixLen: e.PrefixLen, Gateway: e.Gateway}
}

// DestKey implements Entry.
func (e V6Entry) DestKey() DestKey {
	return DestKey{Dst: e.Dst, PrefixLen: e.PrefixLen}
}

// OutIfIndex implements Entry.
func (e V6Entry) OutIfIndex() int { return e.OutIf }

// IsSync implements Entry.
func (e V6Entry) IsSync() bool { return e.Sync }

// RouteType implements Entry.
func (e V6Entry) RouteType() Type { return e.Type }

// String renders a V6Entry in the textual form used by "show".
func (e V6Entry) String() string {
	flag := " "
	if e.Sync {
		flag = "*"
	}
	return fmt.Sprintf("%s %-10s %s/%d via %s src %s prio %d if %d",
		flag, e.Type, e.Dst, e.PrefixLen, e.Gateway, e.Src, e.Priority, e.OutIf)
}

// AnyV4 is the IPv4 "unspecified" sentinel (0.0.0.0).
var AnyV4 = netip.IPv4Unspecified()

// AnyV6 is the IPv6 "unspecified" sentinel (in6addr_any).
var AnyV6 = netip.IPv6Unspecified()
