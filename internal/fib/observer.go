package fib

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"

	"github.com/m46e-project/m46ed/internal/route"
	"github.com/m46e-project/m46ed/internal/rtnl"
)

// Syncer is the outbound half of the peer-sync dispatcher, called
// by the observer after a local table mutation. Implementations decide
// whether route_sync is enabled and apply gateway-dedup.
type Syncer interface {
	PushV4Add(e route.V4Entry)
	PushV4Del(e route.V4Entry)
	PushV6Add(e route.V6Entry)
	PushV6Del(e route.V6Entry)
}

// TableMetrics is the subset of the daemon's metrics collector the
// observers report to. Defaults to a no-op reporter.
type TableMetrics interface {
	IncRouteTableFull(family string)
}

type noopTableMetrics struct{}

func (noopTableMetrics) IncRouteTableFull(string) {}

// V4Observer mirrors the kernel's IPv4 FIB into the stub route table.
// It writes the locally observed IPv4 routes; peer-sourced entries are
// written into the same table by the peer-sync dispatcher.
type V4Observer struct {
	Source      rtnl.Source
	Table       *route.Table[route.V4Entry]
	TunnelIfIdx int
	Sync        Syncer
	Log         *slog.Logger

	// Metrics is the observer's metrics reporter; never nil.
	Metrics TableMetrics

	// Ready is closed once the initial dump completes. The backbone
	// observer waits on it, so the stub-side interest set is stable
	// before the backbone dump begins.
	Ready chan struct{}
}

// NewV4Observer constructs a V4Observer with its Ready gate initialized.
func NewV4Observer(src rtnl.Source, tbl *route.Table[route.V4Entry], tunnelIfIdx int, sync Syncer, log *slog.Logger) *V4Observer {
	return &V4Observer{
		Source:      src,
		Table:       tbl,
		TunnelIfIdx: tunnelIfIdx,
		Sync:        sync,
		Log:         log.With(slog.String("component", "fib.v4")),
		Metrics:     noopTableMetrics{},
		Ready:       make(chan struct{}),
	}
}

// Run subscribes to route change events, performs the startup dump
// (retrying once on failure), signals Ready, then consumes events until
// ctx is canceled. Subscribing before the dump means changes racing the
// dump are buffered, not lost.
func (o *V4Observer) Run(ctx context.Context) error {
	events, errs, err := o.Source.Subscribe(ctx, rtnl.FamilyV4)
	if err != nil {
		return err
	}

	o.dumpWithRetry(ctx)
	close(o.Ready)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				continue
			}
			o.Log.Error("netlink subscription error", slog.Any("err", err))
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			o.handle(ev)
		}
	}
}

func (o *V4Observer) dumpWithRetry(ctx context.Context) {
	raws, err := o.Source.Dump(ctx, rtnl.FamilyV4)
	if err != nil {
		o.Log.Error("initial route dump failed, retrying once", slog.Any("err", err))
		raws, err = o.Source.Dump(ctx, rtnl.FamilyV4)
		if err != nil {
			o.Log.Error("initial route dump failed after retry, proceeding to event loop", slog.Any("err", err))
			return
		}
	}

	for _, raw := range raws {
		if !o.passesFilter(raw) {
			continue
		}
		e, err := MapV4(raw)
		if err != nil {
			o.Log.Error("map rtnetlink route", slog.Any("err", err))
			continue
		}
		e.Sync = false
		if err := o.Table.Add(e); err != nil {
			if errors.Is(err, route.ErrCapacityExceeded) {
				o.Metrics.IncRouteTableFull("v4")
			}
			o.Log.Info("dump add skipped", slog.Any("err", err))
		}
	}
}

// passesFilter applies the IPv4 filter: unicast routes from the main
// table only, and only if out_if_index is in the interest set or equals
// the tunnel device.
func (o *V4Observer) passesFilter(raw rtnl.RawRoute) bool {
	if raw.Type != rtnUnicast || raw.Table != rtnl.TableMain {
		return false
	}
	return o.Table.Interested(raw.OutIf) || raw.OutIf == o.TunnelIfIdx
}

func (o *V4Observer) handle(ev rtnl.Event) {
	if ev.Type == rtnl.EventLinkDel {
		o.handleLinkDel(ev.LinkIndex)
		return
	}
	if !o.passesFilter(ev.Route) {
		return
	}

	e, err := MapV4(ev.Route)
	if err != nil {
		o.Log.Error("map rtnetlink route", slog.Any("err", err))
		return
	}

	switch ev.Type {
	case rtnl.EventAdd:
		e.Sync = false
		if _, found := o.Table.Search(e.Key()); found {
			o.Log.Info("route already present, ignoring NEW", slog.Any("key", e.Key()))
			return
		}
		if err := o.Table.Add(e); err != nil {
			if errors.Is(err, route.ErrCapacityExceeded) {
				o.Metrics.IncRouteTableFull("v4")
			}
			o.Log.Info("add failed", slog.Any("err", err))
			return
		}
		// Tunnel-device exclusion: routes out the
		// tunnel device are our own peer-sync installations; echoing
		// them back would create a loop.
		if e.OutIf != o.TunnelIfIdx {
			o.Sync.PushV4Add(e)
		}
	case rtnl.EventDel:
		if err := o.Table.Del(e.Key()); err != nil {
			o.Log.Info("delete of unknown route", slog.Any("key", e.Key()))
			return
		}
		if e.OutIf != o.TunnelIfIdx {
			o.Sync.PushV4Del(e)
		}
	}
}

// handleLinkDel drops the removed device from the interest set and
// sweeps every route out of it: victims are collected under the table
// lock, then the peer DELs are published outside it.
func (o *V4Observer) handleLinkDel(ifindex int) {
	o.Table.RemoveInterest(ifindex)
	victims := o.Table.DelByDevice(ifindex)
	if len(victims) == 0 {
		return
	}
	o.Log.Info("device removed, swept routes",
		slog.Int("ifindex", ifindex), slog.Int("count", len(victims)))
	if ifindex == o.TunnelIfIdx {
		return
	}
	for _, v := range victims {
		o.Sync.PushV4Del(v)
	}
}

// V6Observer is the IPv6 FIB observer.
type V6Observer struct {
	Source      rtnl.Source
	Table       *route.Table[route.V6Entry]
	TunnelIfIdx int
	Sync        Syncer
	Log         *slog.Logger

	// UnicastPrefix and PrefixBits parameterize the IPv6 filter:
	// accept only if dst falls under the daemon's unicast prefix.
	UnicastPrefix netip.Addr
	PrefixBits    int

	// Metrics is the observer's metrics reporter; never nil.
	Metrics TableMetrics

	Ready chan struct{}
	// WaitFor, if non-nil, is closed by the IPv4 observer once its
	// initial dump completes; the backbone observer waits on it before
	// its own dump.
	WaitFor <-chan struct{}
}

// NewV6Observer constructs a V6Observer with its Ready gate initialized.
func NewV6Observer(src rtnl.Source, tbl *route.Table[route.V6Entry], tunnelIfIdx int, unicastPrefix netip.Addr, prefixBits int, sync Syncer, waitFor <-chan struct{}, log *slog.Logger) *V6Observer {
	return &V6Observer{
		Source:        src,
		Table:         tbl,
		TunnelIfIdx:   tunnelIfIdx,
		Sync:          sync,
		UnicastPrefix: unicastPrefix,
		PrefixBits:    prefixBits,
		Metrics:       noopTableMetrics{},
		Ready:         make(chan struct{}),
		WaitFor:       waitFor,
		Log:           log.With(slog.String("component", "fib.v6")),
	}
}

// Run waits for the peer observer's handshake signal, subscribes to
// route change events, performs the startup dump (retrying once), then
// consumes events until ctx is canceled.
func (o *V6Observer) Run(ctx context.Context) error {
	if o.WaitFor != nil {
		select {
		case <-o.WaitFor:
		case <-ctx.Done():
			return nil
		}
	}

	events, errs, err := o.Source.Subscribe(ctx, rtnl.FamilyV6)
	if err != nil {
		return err
	}

	o.dumpWithRetry(ctx)
	close(o.Ready)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				continue
			}
			o.Log.Error("netlink subscription error", slog.Any("err", err))
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			o.handle(ev)
		}
	}
}

func (o *V6Observer) dumpWithRetry(ctx context.Context) {
	raws, err := o.Source.Dump(ctx, rtnl.FamilyV6)
	if err != nil {
		o.Log.Error("initial route dump failed, retrying once", slog.Any("err", err))
		raws, err = o.Source.Dump(ctx, rtnl.FamilyV6)
		if err != nil {
			o.Log.Error("initial route dump failed after retry, proceeding to event loop", slog.Any("err", err))
			return
		}
	}

	for _, raw := range raws {
		if !o.passesFilter(raw) {
			continue
		}
		e, err := MapV6(raw)
		if err != nil {
			o.Log.Error("map rtnetlink route", slog.Any("err", err))
			continue
		}
		e.Sync = false
		if err := o.Table.Add(e); err != nil {
			if errors.Is(err, route.ErrCapacityExceeded) {
				o.Metrics.IncRouteTableFull("v6")
			}
			o.Log.Info("dump add skipped", slog.Any("err", err))
		}
	}
}

// passesFilter applies the IPv6 filter: unicast routes from the main
// table whose dst falls under the daemon's unicast prefix. Unspecified
// and loopback destinations are rejected outright, even when the
// configured prefix would contain them.
func (o *V6Observer) passesFilter(raw rtnl.RawRoute) bool {
	if raw.Type != rtnUnicast || raw.Table != rtnl.TableMain {
		return false
	}
	dst, err := netip.ParseAddr(raw.DstCIDR)
	if err != nil {
		return false
	}
	if dst.IsUnspecified() || dst.IsLoopback() {
		return false
	}
	return underPrefix(dst, o.UnicastPrefix, o.PrefixBits)
}

func underPrefix(addr, prefix netip.Addr, bits int) bool {
	p, err := prefix.Prefix(bits)
	if err != nil {
		return false
	}
	return p.Contains(addr)
}

func (o *V6Observer) handle(ev rtnl.Event) {
	if ev.Type == rtnl.EventLinkDel {
		o.handleLinkDel(ev.LinkIndex)
		return
	}
	if !o.passesFilter(ev.Route) {
		return
	}

	e, err := MapV6(ev.Route)
	if err != nil {
		o.Log.Error("map rtnetlink route", slog.Any("err", err))
		return
	}

	switch ev.Type {
	case rtnl.EventAdd:
		e.Sync = false
		if _, found := o.Table.Search(e.Key()); found {
			o.Log.Info("route already present, ignoring NEW", slog.Any("key", e.Key()))
			return
		}
		if err := o.Table.Add(e); err != nil {
			if errors.Is(err, route.ErrCapacityExceeded) {
				o.Metrics.IncRouteTableFull("v6")
			}
			o.Log.Info("add failed", slog.Any("err", err))
			return
		}
		if e.OutIf != o.TunnelIfIdx {
			o.Sync.PushV6Add(e)
		}
	case rtnl.EventDel:
		if err := o.Table.Del(e.Key()); err != nil {
			o.Log.Info("delete of unknown route", slog.Any("key", e.Key()))
			return
		}
		if e.OutIf != o.TunnelIfIdx {
			o.Sync.PushV6Del(e)
		}
	}
}

// handleLinkDel is V4Observer.handleLinkDel's IPv6 analogue.
func (o *V6Observer) handleLinkDel(ifindex int) {
	victims := o.Table.DelByDevice(ifindex)
	if len(victims) == 0 {
		return
	}
	o.Log.Info("device removed, swept routes",
		slog.Int("ifindex", ifindex), slog.Int("count", len(victims)))
	if ifindex == o.TunnelIfIdx {
		return
	}
	for _, v := range victims {
		o.Sync.PushV6Del(v)
	}
}
