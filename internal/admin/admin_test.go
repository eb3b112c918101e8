package admin_test

import (
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/m46e-project/m46ed/internal/admin"
	"github.com/m46e-project/m46ed/internal/handler"
	"github.com/m46e-project/m46ed/internal/peersync"
	"github.com/m46e-project/m46ed/internal/pmtu"
	"github.com/m46e-project/m46ed/internal/route"
	"github.com/m46e-project/m46ed/internal/translate"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHandler(t *testing.T) *handler.Handler {
	t.Helper()
	v4tbl := route.NewTable[route.V4Entry](8, nil)
	v6tbl := route.NewTable[route.V6Entry](8, nil)
	cache := pmtu.New(pmtu.TypeHost, time.Minute, 1500)
	d := peersync.New(translate.ModeNormal, netip.MustParseAddr("2001:db8::"),
		v4tbl, v6tbl, 10, 20, nil, peersync.StubTransport{}, true, discardLog())
	return handler.New(translate.ModeNormal, netip.MustParseAddr("2001:db8::"), v4tbl, v6tbl, cache, d)
}

func TestReaderRoutesV4(t *testing.T) {
	t.Parallel()

	h := newHandler(t)
	if err := h.V4Table.Add(route.V4Entry{
		Type: route.TypeUnicast, Dst: netip.MustParseAddr("10.0.0.0"),
		PrefixLen: 24, Gateway: netip.MustParseAddr("192.168.1.1"), OutIf: 5, Sync: true,
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	r := admin.NewReader(h)
	dump := r.RoutesV4()
	if dump.Max != 8 || dump.Num != 1 {
		t.Fatalf("dump header = max %d num %d, want max 8 num 1", dump.Max, dump.Num)
	}
	if len(dump.Routes) != 1 {
		t.Fatalf("len(Routes) = %d, want 1", len(dump.Routes))
	}
	row := dump.Routes[0]
	if !row.Sync || row.Dst != "10.0.0.0" || row.PrefixLen != 24 {
		t.Errorf("unexpected row: %+v", row)
	}
}

func TestReaderRoutesV6Empty(t *testing.T) {
	t.Parallel()

	h := newHandler(t)
	r := admin.NewReader(h)
	dump := r.RoutesV6()
	if dump.Num != 0 || len(dump.Routes) != 0 {
		t.Errorf("dump = %+v, want empty", dump)
	}
}

func TestReaderPMTU(t *testing.T) {
	t.Parallel()

	h := newHandler(t)
	h.PMTU.Set(netip.MustParseAddr("2001:db8::1"), 1400)

	r := admin.NewReader(h)
	snaps := r.PMTU()
	if len(snaps) != 2 { // default + the new key
		t.Fatalf("len(snaps) = %d, want 2", len(snaps))
	}
}

func TestRouteRowString(t *testing.T) {
	t.Parallel()

	row := admin.RouteRow{
		Sync: true, Type: "unicast", Dst: "10.0.0.0", PrefixLen: 24,
		Gateway: "192.168.1.1", Src: "0.0.0.0", Priority: 0, Device: "eth0(5)",
	}
	got := row.String()
	if got == "" {
		t.Fatal("String() returned empty")
	}
}
