package peersync_test

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/m46e-project/m46ed/internal/peersync"
	"github.com/m46e-project/m46ed/internal/route"
	"github.com/m46e-project/m46ed/internal/rtnl"
	"github.com/m46e-project/m46ed/internal/translate"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDispatcher(t *testing.T, transport peersync.Transport) (*peersync.Dispatcher, *route.Table[route.V4Entry], *route.Table[route.V6Entry], *rtnl.FakeSource) {
	t.Helper()
	v4tbl := route.NewTable[route.V4Entry](8, nil)
	v6tbl := route.NewTable[route.V6Entry](8, nil)
	src := rtnl.NewFakeSource()
	prefix := netip.MustParseAddr("2001:db8::")
	d := peersync.New(translate.ModeNormal, prefix, v4tbl, v6tbl, 10, 20, src, transport, true, discardLog())
	return d, v4tbl, v6tbl, src
}

func TestPushV4DelSuppressedWhenSiblingRemains(t *testing.T) {
	t.Parallel()

	fake := newFakeTransport()
	d, v4tbl, _, _ := newDispatcher(t, fake)

	a := route.V4Entry{Type: route.TypeUnicast, Dst: netip.MustParseAddr("10.0.0.0"), PrefixLen: 24, Gateway: netip.MustParseAddr("192.168.1.2"), OutIf: 5}
	if err := v4tbl.Add(a); err != nil {
		t.Fatalf("Add sibling: %v", err)
	}

	deleted := route.V4Entry{Type: route.TypeUnicast, Dst: netip.MustParseAddr("10.0.0.0"), PrefixLen: 24, Gateway: netip.MustParseAddr("192.168.1.1"), OutIf: 5}
	d.PushV4Del(deleted)

	if len(fake.sent) != 0 {
		t.Fatalf("expected no peer DEL to be sent while sibling remains, got %d", len(fake.sent))
	}
}

func TestPushV4DelSentWhenLastGateway(t *testing.T) {
	t.Parallel()

	fake := newFakeTransport()
	d, _, _, _ := newDispatcher(t, fake)

	deleted := route.V4Entry{Type: route.TypeUnicast, Dst: netip.MustParseAddr("10.0.0.0"), PrefixLen: 24, Gateway: netip.MustParseAddr("192.168.1.1"), OutIf: 5}
	d.PushV4Del(deleted)

	if len(fake.sent) != 1 {
		t.Fatalf("expected one peer DEL, got %d", len(fake.sent))
	}
	if fake.sent[0].cmd.Opcode != peersync.OpDel {
		t.Fatalf("expected OpDel, got %v", fake.sent[0].cmd.Opcode)
	}
}

func TestPushDisabledSuppressesAllOutbound(t *testing.T) {
	t.Parallel()

	fake := newFakeTransport()
	v4tbl := route.NewTable[route.V4Entry](8, nil)
	v6tbl := route.NewTable[route.V6Entry](8, nil)
	src := rtnl.NewFakeSource()
	d := peersync.New(translate.ModeNormal, netip.MustParseAddr("2001:db8::"), v4tbl, v6tbl, 10, 20, src, fake, false, discardLog())

	d.PushV4Add(route.V4Entry{Dst: netip.MustParseAddr("10.0.0.0"), PrefixLen: 24, OutIf: 5})
	if len(fake.sent) != 0 {
		t.Fatalf("route_sync disabled: expected no outbound, got %d", len(fake.sent))
	}
}

func TestApplyInboundV4AddInstallsIntoV6AndFIB(t *testing.T) {
	t.Parallel()

	fake := newFakeTransport()
	d, _, v6tbl, src := newDispatcher(t, fake)

	cmd := peersync.Command{
		Opcode: peersync.OpAdd,
		Family: peersync.FamilyV4,
		V4:     route.V4Entry{Type: route.TypeUnicast, Dst: netip.MustParseAddr("10.0.0.0"), PrefixLen: 24, OutIf: 5},
	}

	if err := d.Apply(context.Background(), cmd); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	want := netip.MustParseAddr("2001:db8::0a00:0000")
	if _, found := v6tbl.Search(route.EntryKey{Dst: want, PrefixLen: 24 + 96, Gateway: route.AnyV6}); !found {
		t.Fatalf("translated v6 entry not installed; table=%+v", v6tbl.Snapshot())
	}
	if len(src.Added) != 1 {
		t.Fatalf("expected one kernel FIB add, got %d", len(src.Added))
	}
}

func TestApplyInboundAddRejectsDuplicate(t *testing.T) {
	t.Parallel()

	fake := newFakeTransport()
	d, _, _, _ := newDispatcher(t, fake)

	cmd := peersync.Command{
		Opcode: peersync.OpAdd,
		Family: peersync.FamilyV4,
		V4:     route.V4Entry{Type: route.TypeUnicast, Dst: netip.MustParseAddr("10.0.0.0"), PrefixLen: 24, OutIf: 5},
	}

	if err := d.Apply(context.Background(), cmd); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if err := d.Apply(context.Background(), cmd); err != peersync.ErrAlreadyExists {
		t.Fatalf("second Apply: got %v, want ErrAlreadyExists", err)
	}
}

func TestApplyInboundDelRejectsNonExistent(t *testing.T) {
	t.Parallel()

	fake := newFakeTransport()
	d, _, _, _ := newDispatcher(t, fake)

	cmd := peersync.Command{
		Opcode: peersync.OpDel,
		Family: peersync.FamilyV4,
		V4:     route.V4Entry{Type: route.TypeUnicast, Dst: netip.MustParseAddr("10.0.0.0"), PrefixLen: 24, OutIf: 5},
	}

	if err := d.Apply(context.Background(), cmd); err != peersync.ErrNonExistent {
		t.Fatalf("Apply DEL of absent entry: got %v, want ErrNonExistent", err)
	}
}

// fakeTransport records outbound sends; its inbound channels are
// created empty and these tests never write to them.
type fakeTransport struct {
	sent []sentCmd
	in   map[peersync.Direction]chan peersync.Command
}

type sentCmd struct {
	dir peersync.Direction
	cmd peersync.Command
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in: map[peersync.Direction]chan peersync.Command{
			peersync.DirStubToBackbone: make(chan peersync.Command, 8),
			peersync.DirBackboneToStub: make(chan peersync.Command, 8),
		},
	}
}

func (f *fakeTransport) Send(_ context.Context, dir peersync.Direction, cmd peersync.Command) error {
	f.sent = append(f.sent, sentCmd{dir: dir, cmd: cmd})
	return nil
}

func (f *fakeTransport) Recv(dir peersync.Direction) <-chan peersync.Command {
	return f.in[dir]
}
