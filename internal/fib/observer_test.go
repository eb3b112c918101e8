package fib_test

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/m46e-project/m46ed/internal/fib"
	"github.com/m46e-project/m46ed/internal/route"
	"github.com/m46e-project/m46ed/internal/rtnl"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSyncer records every push made by an observer under test.
type fakeSyncer struct {
	v4Add, v4Del []route.V4Entry
	v6Add, v6Del []route.V6Entry
}

func (f *fakeSyncer) PushV4Add(e route.V4Entry) { f.v4Add = append(f.v4Add, e) }
func (f *fakeSyncer) PushV4Del(e route.V4Entry) { f.v4Del = append(f.v4Del, e) }
func (f *fakeSyncer) PushV6Add(e route.V6Entry) { f.v6Add = append(f.v6Add, e) }
func (f *fakeSyncer) PushV6Del(e route.V6Entry) { f.v6Del = append(f.v6Del, e) }

func TestV4ObserverDumpPopulatesTableWithInterestFilter(t *testing.T) {
	t.Parallel()

	src := rtnl.NewFakeSource()
	src.DumpResult[rtnl.FamilyV4] = []rtnl.RawRoute{
		{Family: rtnl.FamilyV4, Type: 1, Table: rtnl.TableMain, DstCIDR: "10.0.0.0", PrefixLen: 24, Gateway: "192.168.1.1", Src: "192.168.1.2", OutIf: 12},
		{Family: rtnl.FamilyV4, Type: 1, Table: rtnl.TableMain, DstCIDR: "10.1.0.0", PrefixLen: 24, Gateway: "192.168.1.1", Src: "192.168.1.2", OutIf: 13},
	}

	tbl := route.NewTable[route.V4Entry](8, map[int]struct{}{12: {}})
	sync := &fakeSyncer{}
	obs := fib.NewV4Observer(src, tbl, 99, sync, discardLog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- obs.Run(ctx) }()

	select {
	case <-obs.Ready:
	case <-time.After(time.Second):
		t.Fatal("observer never became ready")
	}

	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (ifindex 13 is not interesting)", tbl.Len())
	}

	cancel()
	<-done
}

func TestV4ObserverHandleAddFromNonTunnelDevicePushes(t *testing.T) {
	t.Parallel()

	src := rtnl.NewFakeSource()
	tbl := route.NewTable[route.V4Entry](8, nil)
	sync := &fakeSyncer{}
	obs := fib.NewV4Observer(src, tbl, 99, sync, discardLog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- obs.Run(ctx) }()
	<-obs.Ready

	src.Push(rtnl.FamilyV4, rtnl.Event{
		Type: rtnl.EventAdd,
		Route: rtnl.RawRoute{
			Family: rtnl.FamilyV4, Type: 1, Table: rtnl.TableMain,
			DstCIDR: "10.0.0.0", PrefixLen: 24,
			Gateway: "192.168.1.1", Src: "192.168.1.2", OutIf: 5,
		},
	})

	deadline := time.After(time.Second)
	for tbl.Len() == 0 {
		select {
		case <-deadline:
			t.Fatal("route never installed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if len(sync.v4Add) != 1 {
		t.Fatalf("v4Add pushes = %d, want 1", len(sync.v4Add))
	}

	cancel()
	<-done
}

func TestV4ObserverHandleAddFromTunnelDeviceDoesNotPush(t *testing.T) {
	t.Parallel()

	src := rtnl.NewFakeSource()
	tbl := route.NewTable[route.V4Entry](8, nil)
	sync := &fakeSyncer{}
	obs := fib.NewV4Observer(src, tbl, 5, sync, discardLog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- obs.Run(ctx) }()
	<-obs.Ready

	src.Push(rtnl.FamilyV4, rtnl.Event{
		Type: rtnl.EventAdd,
		Route: rtnl.RawRoute{
			Family: rtnl.FamilyV4, Type: 1, Table: rtnl.TableMain,
			DstCIDR: "10.0.0.0", PrefixLen: 24,
			Gateway: "192.168.1.1", Src: "192.168.1.2", OutIf: 5,
		},
	})

	deadline := time.After(time.Second)
	for tbl.Len() == 0 {
		select {
		case <-deadline:
			t.Fatal("route never installed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if len(sync.v4Add) != 0 {
		t.Errorf("v4Add pushes = %d, want 0 for tunnel-device route", len(sync.v4Add))
	}

	cancel()
	<-done
}

func TestV6ObserverWaitsForV4Handshake(t *testing.T) {
	t.Parallel()

	src := rtnl.NewFakeSource()
	src.DumpResult[rtnl.FamilyV6] = []rtnl.RawRoute{
		{Family: rtnl.FamilyV6, Type: 1, Table: rtnl.TableMain, DstCIDR: "2001:db8::a00:0", PrefixLen: 120, Gateway: "::", Src: "::", OutIf: 20},
	}

	tbl := route.NewTable[route.V6Entry](8, nil)
	sync := &fakeSyncer{}
	waitFor := make(chan struct{})
	obs := fib.NewV6Observer(src, tbl, 20, netip.MustParseAddr("2001:db8::"), 96, sync, waitFor, discardLog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- obs.Run(ctx) }()

	select {
	case <-obs.Ready:
		t.Fatal("v6 observer became ready before its handshake signal")
	case <-time.After(50 * time.Millisecond):
	}

	close(waitFor)

	select {
	case <-obs.Ready:
	case <-time.After(time.Second):
		t.Fatal("v6 observer never became ready after handshake")
	}

	if tbl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tbl.Len())
	}

	cancel()
	<-done
}

func TestV4ObserverDumpRetriesOnceThenSucceeds(t *testing.T) {
	t.Parallel()

	src := rtnl.NewFakeSource()
	src.DumpFailures[rtnl.FamilyV4] = 1
	src.DumpResult[rtnl.FamilyV4] = []rtnl.RawRoute{
		{Family: rtnl.FamilyV4, Type: 1, Table: rtnl.TableMain, DstCIDR: "10.0.0.0", PrefixLen: 24, Gateway: "192.168.1.1", Src: "192.168.1.2", OutIf: 12},
	}

	tbl := route.NewTable[route.V4Entry](8, nil)
	sync := &fakeSyncer{}
	obs := fib.NewV4Observer(src, tbl, 99, sync, discardLog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- obs.Run(ctx) }()

	select {
	case <-obs.Ready:
	case <-time.After(time.Second):
		t.Fatal("observer never became ready")
	}

	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (populated from the retried dump)", tbl.Len())
	}

	cancel()
	<-done
}

func TestV4ObserverDumpFailsTwiceStillEntersEventLoop(t *testing.T) {
	t.Parallel()

	src := rtnl.NewFakeSource()
	src.DumpFailures[rtnl.FamilyV4] = 2
	src.DumpResult[rtnl.FamilyV4] = []rtnl.RawRoute{
		{Family: rtnl.FamilyV4, Type: 1, Table: rtnl.TableMain, DstCIDR: "10.0.0.0", PrefixLen: 24, Gateway: "192.168.1.1", Src: "192.168.1.2", OutIf: 12},
	}

	tbl := route.NewTable[route.V4Entry](8, nil)
	sync := &fakeSyncer{}
	obs := fib.NewV4Observer(src, tbl, 99, sync, discardLog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- obs.Run(ctx) }()

	select {
	case <-obs.Ready:
	case <-time.After(time.Second):
		t.Fatal("observer never became ready")
	}

	if tbl.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 (both dump attempts failed)", tbl.Len())
	}

	// The event loop must still be live after the failed dump.
	src.Push(rtnl.FamilyV4, rtnl.Event{
		Type: rtnl.EventAdd,
		Route: rtnl.RawRoute{
			Family: rtnl.FamilyV4, Type: 1, Table: rtnl.TableMain,
			DstCIDR: "10.1.0.0", PrefixLen: 24,
			Gateway: "192.168.1.1", Src: "192.168.1.2", OutIf: 12,
		},
	})

	deadline := time.After(time.Second)
	for tbl.Len() == 0 {
		select {
		case <-deadline:
			t.Fatal("event loop not running after dump failures")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestV4ObserverLinkDelSweepsDeviceRoutes(t *testing.T) {
	t.Parallel()

	src := rtnl.NewFakeSource()
	src.DumpResult[rtnl.FamilyV4] = []rtnl.RawRoute{
		{Family: rtnl.FamilyV4, Type: 1, Table: rtnl.TableMain, DstCIDR: "10.0.0.0", PrefixLen: 24, Gateway: "192.168.1.1", Src: "192.168.1.2", OutIf: 12},
		{Family: rtnl.FamilyV4, Type: 1, Table: rtnl.TableMain, DstCIDR: "10.1.0.0", PrefixLen: 24, Gateway: "192.168.1.1", Src: "192.168.1.2", OutIf: 13},
	}

	tbl := route.NewTable[route.V4Entry](8, nil)
	sync := &fakeSyncer{}
	obs := fib.NewV4Observer(src, tbl, 99, sync, discardLog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- obs.Run(ctx) }()
	<-obs.Ready

	src.Push(rtnl.FamilyV4, rtnl.Event{Type: rtnl.EventLinkDel, LinkIndex: 12})

	deadline := time.After(time.Second)
	for tbl.Len() != 1 {
		select {
		case <-deadline:
			t.Fatalf("Len() = %d, want 1 after device sweep", tbl.Len())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if len(sync.v4Del) != 1 {
		t.Fatalf("v4Del pushes = %d, want 1 (one route on the removed device)", len(sync.v4Del))
	}
	if sync.v4Del[0].OutIf != 12 {
		t.Errorf("pushed DEL for ifindex %d, want 12", sync.v4Del[0].OutIf)
	}

	cancel()
	<-done
}

func TestV4ObserverIgnoresNonMainTableRoutes(t *testing.T) {
	t.Parallel()

	src := rtnl.NewFakeSource()
	src.DumpResult[rtnl.FamilyV4] = []rtnl.RawRoute{
		{Family: rtnl.FamilyV4, Type: 1, Table: 220, DstCIDR: "10.0.0.0", PrefixLen: 24, Gateway: "192.168.1.1", Src: "192.168.1.2", OutIf: 12},
	}

	tbl := route.NewTable[route.V4Entry](8, nil)
	sync := &fakeSyncer{}
	obs := fib.NewV4Observer(src, tbl, 99, sync, discardLog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- obs.Run(ctx) }()
	<-obs.Ready

	if tbl.Len() != 0 {
		t.Errorf("Len() = %d, want 0 (route from table 220 must be ignored)", tbl.Len())
	}

	src.Push(rtnl.FamilyV4, rtnl.Event{
		Type: rtnl.EventAdd,
		Route: rtnl.RawRoute{
			Family: rtnl.FamilyV4, Type: 1, Table: 220,
			DstCIDR: "10.1.0.0", PrefixLen: 24,
			Gateway: "192.168.1.1", Src: "192.168.1.2", OutIf: 12,
		},
	})

	// Give the event loop a moment; nothing may land in the table.
	time.Sleep(50 * time.Millisecond)
	if tbl.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after non-main-table change event", tbl.Len())
	}
	if len(sync.v4Add) != 0 {
		t.Errorf("v4Add pushes = %d, want 0", len(sync.v4Add))
	}

	cancel()
	<-done
}

func TestV4ObserverLinkDelRemovesDeviceFromInterestSet(t *testing.T) {
	t.Parallel()

	src := rtnl.NewFakeSource()
	tbl := route.NewTable[route.V4Entry](8, map[int]struct{}{12: {}, 13: {}})
	sync := &fakeSyncer{}
	obs := fib.NewV4Observer(src, tbl, 99, sync, discardLog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- obs.Run(ctx) }()
	<-obs.Ready

	src.Push(rtnl.FamilyV4, rtnl.Event{Type: rtnl.EventLinkDel, LinkIndex: 12})

	deadline := time.After(time.Second)
	for tbl.Interested(12) {
		select {
		case <-deadline:
			t.Fatal("ifindex 12 still in the interest set after link deletion")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !tbl.Interested(13) {
		t.Error("ifindex 13 lost from the interest set")
	}

	cancel()
	<-done
}

func TestV6ObserverRejectsUnspecifiedAndLoopback(t *testing.T) {
	t.Parallel()

	src := rtnl.NewFakeSource()
	// Prefix ::/96 contains both :: and ::1; the filter must still drop
	// them.
	src.DumpResult[rtnl.FamilyV6] = []rtnl.RawRoute{
		{Family: rtnl.FamilyV6, Type: 1, Table: rtnl.TableMain, DstCIDR: "::", PrefixLen: 96, Gateway: "::", Src: "::", OutIf: 20},
		{Family: rtnl.FamilyV6, Type: 1, Table: rtnl.TableMain, DstCIDR: "::1", PrefixLen: 128, Gateway: "::", Src: "::", OutIf: 20},
		{Family: rtnl.FamilyV6, Type: 1, Table: rtnl.TableMain, DstCIDR: "::0a00:1", PrefixLen: 128, Gateway: "::", Src: "::", OutIf: 20},
	}

	tbl := route.NewTable[route.V6Entry](8, nil)
	sync := &fakeSyncer{}
	obs := fib.NewV6Observer(src, tbl, 20, netip.MustParseAddr("::"), 96, sync, nil, discardLog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- obs.Run(ctx) }()
	<-obs.Ready

	if tbl.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (only the non-sentinel destination survives)", tbl.Len())
	}

	cancel()
	<-done
}

func TestV6ObserverFiltersOutsidePrefix(t *testing.T) {
	t.Parallel()

	src := rtnl.NewFakeSource()
	src.DumpResult[rtnl.FamilyV6] = []rtnl.RawRoute{
		{Family: rtnl.FamilyV6, Type: 1, Table: rtnl.TableMain, DstCIDR: "fc00::1", PrefixLen: 128, Gateway: "::", Src: "::", OutIf: 20},
	}

	tbl := route.NewTable[route.V6Entry](8, nil)
	sync := &fakeSyncer{}
	obs := fib.NewV6Observer(src, tbl, 20, netip.MustParseAddr("2001:db8::"), 96, sync, nil, discardLog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- obs.Run(ctx) }()
	<-obs.Ready

	if tbl.Len() != 0 {
		t.Errorf("Len() = %d, want 0 (route falls outside the unicast prefix)", tbl.Len())
	}

	cancel()
	<-done
}
