package translate_test

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/m46e-project/m46ed/internal/route"
	"github.com/m46e-project/m46ed/internal/translate"
)

func TestToV6Normal(t *testing.T) {
	t.Parallel()

	prefix := netip.MustParseAddr("2001:db8::")
	e := route.V4Entry{
		Type:      route.TypeUnicast,
		Dst:       netip.MustParseAddr("10.0.0.0"),
		PrefixLen: 24,
	}

	got, err := translate.ToV6(translate.ModeNormal, prefix, 7, e)
	if err != nil {
		t.Fatalf("ToV6: %v", err)
	}

	want := netip.MustParseAddr("2001:db8::0a00:0")
	if got.Dst != want {
		t.Fatalf("Dst: got %s, want %s", got.Dst, want)
	}
	if got.PrefixLen != 120 {
		t.Fatalf("PrefixLen: got %d, want 120", got.PrefixLen)
	}
	if !got.Sync {
		t.Fatal("Sync must be true for a translated entry")
	}
	if got.OutIf != 7 {
		t.Fatalf("OutIf: got %d, want 7", got.OutIf)
	}
	if got.Gateway != route.AnyV6 || got.Src != route.AnyV6 {
		t.Fatal("gateway/src must be the any sentinel after translation")
	}
}

func TestASModeMaskBoundary(t *testing.T) {
	t.Parallel()

	// AS mode, 80-bit prefix: a /112 (= 80+32) carries a full host
	// address in bytes 10-13 and translates to an IPv4 /32.
	v6 := route.V6Entry{
		Type:      route.TypeUnicast,
		Dst:       netip.MustParseAddr("2001:db8::0a00:100:0"),
		PrefixLen: 112,
	}

	got, err := translate.ToV4(translate.ModeAS, 3, v6)
	if err != nil {
		t.Fatalf("ToV4: %v", err)
	}
	if got.Dst.String() != "10.0.1.0" {
		t.Fatalf("Dst: got %s, want 10.0.1.0", got.Dst)
	}
	if got.PrefixLen != 32 {
		t.Fatalf("PrefixLen: got %d, want 32", got.PrefixLen)
	}

	// mask 79 is out of range and must fail.
	v6.PrefixLen = 79
	_, err = translate.ToV4(translate.ModeAS, 3, v6)
	if !errors.Is(err, translate.ErrMaskOutOfRange) {
		t.Fatalf("ToV4 with mask 79: got %v, want ErrMaskOutOfRange", err)
	}
}

func TestToV4ZeroMappedAddrIsError(t *testing.T) {
	t.Parallel()

	prefix := netip.MustParseAddr("2001:db8::")
	v6 := route.V6Entry{
		Type:      route.TypeUnicast,
		Dst:       prefix, // low 32 bits are zero
		PrefixLen: 96,
	}
	_, err := translate.ToV4(translate.ModeNormal, 3, v6)
	if !errors.Is(err, translate.ErrZeroMappedAddr) {
		t.Fatalf("got %v, want ErrZeroMappedAddr", err)
	}
}

func TestUnknownModeIsError(t *testing.T) {
	t.Parallel()

	e := route.V4Entry{Dst: netip.MustParseAddr("10.0.0.1"), PrefixLen: 32}
	_, err := translate.ToV6(translate.Mode(99), netip.MustParseAddr("2001:db8::"), 1, e)
	if !errors.Is(err, translate.ErrUnknownMode) {
		t.Fatalf("got %v, want ErrUnknownMode", err)
	}
}

// TestRoundTrip: translating an IPv4 entry to IPv6 and back yields the
// original destination, mask, and type in both modes (gateway, src, and
// priority become the "any"/0 sentinels after translation).
func TestRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mode   translate.Mode
		prefix netip.Addr
	}{
		{"normal", translate.ModeNormal, netip.MustParseAddr("2001:db8::")},
		{"as", translate.ModeAS, netip.MustParseAddr("2001:db8::")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			orig := route.V4Entry{
				Type:      route.TypeUnicast,
				Dst:       netip.MustParseAddr("192.0.2.17"),
				PrefixLen: 32,
			}

			v6, err := translate.ToV6(tc.mode, tc.prefix, 5, orig)
			if err != nil {
				t.Fatalf("ToV6: %v", err)
			}
			back, err := translate.ToV4(tc.mode, 9, v6)
			if err != nil {
				t.Fatalf("ToV4: %v", err)
			}

			if back.Dst != orig.Dst {
				t.Fatalf("Dst: got %s, want %s", back.Dst, orig.Dst)
			}
			if back.PrefixLen != orig.PrefixLen {
				t.Fatalf("PrefixLen: got %d, want %d", back.PrefixLen, orig.PrefixLen)
			}
			if back.Type != orig.Type {
				t.Fatalf("Type: got %s, want %s", back.Type, orig.Type)
			}
		})
	}
}
