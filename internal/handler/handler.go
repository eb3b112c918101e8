// Package handler assembles the shared context of the daemon: a
// construction-time bundle of references, not ambient state.
package handler

import (
	"net/netip"

	"github.com/m46e-project/m46ed/internal/peersync"
	"github.com/m46e-project/m46ed/internal/pmtu"
	"github.com/m46e-project/m46ed/internal/route"
	"github.com/m46e-project/m46ed/internal/translate"
)

// Handler bundles the tunnel mode, the daemon's unicast prefix,
// references to both route tables, the PMTU cache, and the peer-sync
// dispatcher. It is built once at startup and passed by pointer to
// every component that wants the bundled view.
type Handler struct {
	Mode          translate.Mode
	UnicastPrefix netip.Addr

	V4Table *route.Table[route.V4Entry]
	V6Table *route.Table[route.V6Entry]

	PMTU *pmtu.Cache

	Sync *peersync.Dispatcher
}

// New assembles a Handler from its already-constructed parts. Nothing
// here performs I/O: table/cache/dispatcher construction happens in the
// daemon entrypoint, which then wires the results into a Handler for
// components that want the single bundled view (e.g. the admin API).
func New(mode translate.Mode, prefix netip.Addr, v4Table *route.Table[route.V4Entry], v6Table *route.Table[route.V6Entry], pmtuCache *pmtu.Cache, sync *peersync.Dispatcher) *Handler {
	return &Handler{
		Mode:          mode,
		UnicastPrefix: prefix,
		V4Table:       v4Table,
		V6Table:       v6Table,
		PMTU:          pmtuCache,
		Sync:          sync,
	}
}
