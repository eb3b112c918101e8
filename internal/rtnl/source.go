// Package rtnl wraps the rtnetlink primitives the FIB observers and
// peer sync dispatcher need (dump, subscribe, add, delete) behind a
// small interface. The real implementation binds to vishvananda/netlink
// rather than speaking the wire-level netlink protocol itself.
package rtnl

import "context"

// EventType distinguishes a route appearing from a route disappearing
// (RTM_NEWROUTE / RTM_DELROUTE), plus a link disappearing (RTM_DELLINK),
// which sweeps every route out the vanished device.
type EventType uint8

const (
	EventAdd EventType = iota
	EventDel
	EventLinkDel
)

// Family selects the IPv4 or IPv6 routing table.
type Family uint8

const (
	FamilyV4 Family = iota
	FamilyV6
)

// TableMain is the kernel's main routing table id (RT_TABLE_MAIN). The
// daemon mirrors and programs routes in this table only; policy-routing
// and VRF tables are ignored.
const TableMain uint32 = 254

// RawRoute is the subset of an rtnetlink route message the mapper
// needs: the rtmsg header fields plus the parsed attributes. Absent
// attributes are normalized to the family's "any" sentinel by the
// producing implementation.
type RawRoute struct {
	Family    Family
	Type      uint8  // rtnetlink RTN_* code, passed through uninterpreted
	Table     uint32 // kernel routing table id, TableMain for the main table
	DstCIDR   string
	PrefixLen int
	Gateway   string
	Src       string
	OutIf     int
	Priority  int
}

// Event is a single change delivered by Subscribe. Route is valid for
// EventAdd/EventDel; LinkIndex for EventLinkDel.
type Event struct {
	Type      EventType
	Route     RawRoute
	LinkIndex int
}

// Source is the rtnetlink surface consumed by the FIB observers and
// the peer-sync dispatcher's FIB-programming step. The production
// implementation binds directly to vishvananda/netlink; tests use a fake
// that replays a scripted Event/error sequence.
type Source interface {
	// Dump lists every route currently installed for family. The FIB
	// observers call this once at startup, retrying once on failure.
	Dump(ctx context.Context, family Family) ([]RawRoute, error)

	// Subscribe delivers route change events for family until ctx is
	// canceled. The returned channel is closed when the subscription
	// ends, whether by cancellation or by an unrecoverable netlink error
	// (surfaced via the returned error channel).
	Subscribe(ctx context.Context, family Family) (<-chan Event, <-chan error, error)

	// Add programs a route into the kernel FIB (RTM_NEWROUTE).
	// Already-exists is treated as success by the caller, not by this
	// method; it surfaces the netlink error verbatim.
	Add(ctx context.Context, r RawRoute) error

	// Del removes a route from the kernel FIB (RTM_DELROUTE). Not-found
	// is treated as success by the caller, not by this method.
	Del(ctx context.Context, r RawRoute) error
}
