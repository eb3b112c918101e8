//go:build linux

package rtnl

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// NetlinkSource is the production Source backed by vishvananda/netlink.
type NetlinkSource struct {
	handle *netlink.Handle
}

// NewNetlinkSource opens a netlink handle bound to the current network
// namespace.
func NewNetlinkSource() (*NetlinkSource, error) {
	h, err := netlink.NewHandle(syscall.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("open netlink handle: %w", err)
	}
	return &NetlinkSource{handle: h}, nil
}

// Close releases the underlying netlink socket.
func (s *NetlinkSource) Close() {
	s.handle.Delete()
}

func toNlFamily(f Family) int {
	if f == FamilyV6 {
		return netlink.FAMILY_V6
	}
	return netlink.FAMILY_V4
}

// Dump implements Source. Only the main routing table is requested;
// policy-routing and VRF tables are never mirrored.
func (s *NetlinkSource) Dump(_ context.Context, family Family) ([]RawRoute, error) {
	filter := &netlink.Route{Table: unix.RT_TABLE_MAIN}
	routes, err := s.handle.RouteListFiltered(toNlFamily(family), filter, netlink.RT_FILTER_TABLE)
	if err != nil {
		return nil, fmt.Errorf("route dump family=%d: %w", family, err)
	}

	out := make([]RawRoute, 0, len(routes))
	for _, r := range routes {
		out = append(out, fromNetlinkRoute(family, r))
	}
	return out, nil
}

// Subscribe implements Source.
func (s *NetlinkSource) Subscribe(ctx context.Context, family Family) (<-chan Event, <-chan error, error) {
	updates := make(chan netlink.RouteUpdate)
	done := make(chan struct{})
	errs := make(chan error, 1)

	// Multicast recv errors are reported but never fatal: the observer
	// logs them and keeps its loop.
	opts := netlink.RouteSubscribeOptions{
		ErrorCallback: func(err error) {
			select {
			case errs <- err:
			default:
			}
		},
	}
	if err := netlink.RouteSubscribeWithOptions(updates, done, opts); err != nil {
		return nil, nil, fmt.Errorf("route subscribe family=%d: %w", family, err)
	}

	linkUpdates := make(chan netlink.LinkUpdate)
	if err := netlink.LinkSubscribe(linkUpdates, done); err != nil {
		close(done)
		return nil, nil, fmt.Errorf("link subscribe family=%d: %w", family, err)
	}

	events := make(chan Event)

	go func() {
		defer close(events)
		defer close(done)

		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				if nlFamilyOf(u.Route) != toNlFamily(family) {
					continue
				}
				var et EventType
				switch u.Type {
				case syscall.RTM_NEWROUTE:
					et = EventAdd
				case syscall.RTM_DELROUTE:
					et = EventDel
				default:
					continue
				}
				select {
				case events <- Event{Type: et, Route: fromNetlinkRoute(family, u.Route)}:
				case <-ctx.Done():
					return
				}
			case lu, ok := <-linkUpdates:
				if !ok {
					return
				}
				if lu.Header.Type != syscall.RTM_DELLINK {
					continue
				}
				select {
				case events <- Event{Type: EventLinkDel, LinkIndex: int(lu.Index)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events, errs, nil
}

// Add implements Source.
func (s *NetlinkSource) Add(_ context.Context, r RawRoute) error {
	return s.handle.RouteAdd(toNetlinkRoute(r))
}

// Del implements Source.
func (s *NetlinkSource) Del(_ context.Context, r RawRoute) error {
	return s.handle.RouteDel(toNetlinkRoute(r))
}

func nlFamilyOf(r netlink.Route) int {
	if r.Dst != nil {
		if r.Dst.IP.To4() != nil {
			return netlink.FAMILY_V4
		}
		return netlink.FAMILY_V6
	}
	if r.Gw != nil {
		if r.Gw.To4() != nil {
			return netlink.FAMILY_V4
		}
		return netlink.FAMILY_V6
	}
	return netlink.FAMILY_V4
}

func fromNetlinkRoute(family Family, r netlink.Route) RawRoute {
	// An unset table id means the main table by netlink convention.
	tbl := uint32(r.Table)
	if tbl == 0 {
		tbl = unix.RT_TABLE_MAIN
	}

	raw := RawRoute{
		Family:   family,
		Type:     uint8(r.Type),
		Table:    tbl,
		OutIf:    r.LinkIndex,
		Priority: r.Priority,
	}

	if r.Dst != nil {
		raw.DstCIDR = r.Dst.IP.String()
		ones, _ := r.Dst.Mask.Size()
		raw.PrefixLen = ones
	} else {
		raw.DstCIDR = anyAddr(family)
		raw.PrefixLen = 0
	}

	if r.Gw != nil {
		raw.Gateway = r.Gw.String()
	} else {
		raw.Gateway = anyAddr(family)
	}

	if r.Src != nil {
		raw.Src = r.Src.String()
	} else {
		raw.Src = anyAddr(family)
	}

	return raw
}

func toNetlinkRoute(r RawRoute) *netlink.Route {
	tbl := int(r.Table)
	if tbl == 0 {
		tbl = unix.RT_TABLE_MAIN
	}

	route := &netlink.Route{
		LinkIndex: r.OutIf,
		Priority:  r.Priority,
		Table:     tbl,
	}

	bits := 32
	if r.Family == FamilyV6 {
		bits = 128
	}

	if addr, err := netip.ParseAddr(r.DstCIDR); err == nil && !addr.IsUnspecified() {
		route.Dst = &net.IPNet{
			IP:   net.IP(addr.AsSlice()),
			Mask: net.CIDRMask(r.PrefixLen, bits),
		}
	}
	if addr, err := netip.ParseAddr(r.Gateway); err == nil && !addr.IsUnspecified() {
		route.Gw = net.IP(addr.AsSlice())
	}
	if addr, err := netip.ParseAddr(r.Src); err == nil && !addr.IsUnspecified() {
		route.Src = net.IP(addr.AsSlice())
	}

	return route
}

func anyAddr(f Family) string {
	if f == FamilyV6 {
		return "::"
	}
	return "0.0.0.0"
}
