// Package admin implements the local read API for m46ed's route tables
// and PMTU cache: Reader is the in-process read surface, and Server
// exposes the same data as a net/http JSON API bound to a Unix domain
// socket, so "show" tooling reads daemon state without any shared
// memory.
package admin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/m46e-project/m46ed/internal/handler"
	"github.com/m46e-project/m46ed/internal/pmtu"
	"github.com/m46e-project/m46ed/internal/route"
)

// RouteDump is one route table's full observable state: capacity,
// occupancy, the managed-device interest set, and the entries
// themselves.
type RouteDump struct {
	Max     int        `json:"max"`
	Num     int        `json:"num"`
	Devices []string   `json:"devices,omitempty"`
	Routes  []RouteRow `json:"routes"`
}

// RouteRow is the textual/JSON rendering of a single route entry:
// sync flag, type, dst/prefix, gateway, src, priority,
// device-name(index).
type RouteRow struct {
	Sync      bool   `json:"sync"`
	Type      string `json:"type"`
	Dst       string `json:"dst"`
	PrefixLen int    `json:"prefix_len"`
	Gateway   string `json:"gateway"`
	Src       string `json:"src"`
	Priority  int    `json:"priority"`
	Device    string `json:"device"`
}

// String renders a RouteRow the way "show route" prints it at the CLI.
func (r RouteRow) String() string {
	flag := " "
	if r.Sync {
		flag = "*"
	}
	return fmt.Sprintf("%s %-10s %s/%-3d %-20s %-15s %-4d %s",
		flag, r.Type, r.Dst, r.PrefixLen, r.Gateway, r.Src, r.Priority, r.Device)
}

// deviceLabel renders "name(index)", falling back to the bare index if
// the interface can no longer be resolved (it may have been removed
// since the route was learned). Interface lookup is pure display
// bookkeeping, not a netlink operation, so it uses stdlib net directly.
func deviceLabel(ifindex int) string {
	iface, err := net.InterfaceByIndex(ifindex)
	if err != nil {
		return strconv.Itoa(ifindex)
	}
	return fmt.Sprintf("%s(%d)", iface.Name, ifindex)
}

func v4Row(e route.V4Entry) RouteRow {
	return RouteRow{
		Sync:      e.Sync,
		Type:      e.Type.String(),
		Dst:       e.Dst.String(),
		PrefixLen: e.PrefixLen,
		Gateway:   e.Gateway.String(),
		Src:       e.Src.String(),
		Priority:  e.Priority,
		Device:    deviceLabel(e.OutIf),
	}
}

func v6Row(e route.V6Entry) RouteRow {
	return RouteRow{
		Sync:      e.Sync,
		Type:      e.Type.String(),
		Dst:       e.Dst.String(),
		PrefixLen: e.PrefixLen,
		Gateway:   e.Gateway.String(),
		Src:       e.Src.String(),
		Priority:  e.Priority,
		Device:    deviceLabel(e.OutIf),
	}
}

// Reader is the in-process read surface over a Handler's tables and
// PMTU cache.
type Reader struct {
	h *handler.Handler
}

// NewReader wraps a Handler as a Reader.
func NewReader(h *handler.Handler) *Reader {
	return &Reader{h: h}
}

// RoutesV4 snapshots the IPv4 stub table.
func (r *Reader) RoutesV4() RouteDump {
	entries := r.h.V4Table.Snapshot()
	rows := make([]RouteRow, len(entries))
	for i, e := range entries {
		rows[i] = v4Row(e)
	}
	return RouteDump{
		Max:     r.h.V4Table.Max(),
		Num:     len(entries),
		Devices: deviceLabels(r.h.V4Table.InterestDevices()),
		Routes:  rows,
	}
}

// RoutesV6 snapshots the IPv6 backbone table.
func (r *Reader) RoutesV6() RouteDump {
	entries := r.h.V6Table.Snapshot()
	rows := make([]RouteRow, len(entries))
	for i, e := range entries {
		rows[i] = v6Row(e)
	}
	return RouteDump{
		Max:    r.h.V6Table.Max(),
		Num:    len(entries),
		Routes: rows,
	}
}

func deviceLabels(indices []int) []string {
	labels := make([]string, len(indices))
	for i, idx := range indices {
		labels[i] = deviceLabel(idx)
	}
	return labels
}

// PMTU snapshots the PMTU cache.
func (r *Reader) PMTU() []pmtu.Snapshot {
	if r.h.PMTU == nil {
		return nil
	}
	return r.h.PMTU.Snapshot()
}

// Server exposes a Reader over a net/http JSON API bound to a Unix
// domain socket -- the out-of-process read surface.
type Server struct {
	reader *Reader
	log    *slog.Logger
	srv    *http.Server
}

// New builds a Server for h. Call Serve to bind and run it.
func New(h *handler.Handler, log *slog.Logger) *Server {
	reader := NewReader(h)
	mux := http.NewServeMux()

	s := &Server{reader: reader, log: log.With(slog.String("component", "admin"))}

	mux.HandleFunc("/v1/routes/v4", s.handleRoutesV4)
	mux.HandleFunc("/v1/routes/v6", s.handleRoutesV6)
	mux.HandleFunc("/v1/pmtu", s.handlePMTU)

	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Serve removes any stale socket file at path, listens on a Unix domain
// socket, and serves until the listener is closed or ctx-driven shutdown
// (via Shutdown) completes. The caller is expected to run this in its
// own goroutine under an errgroup.
func (s *Server) Serve(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale admin socket %s: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on admin socket %s: %w", path, err)
	}

	s.log.Info("admin API listening", slog.String("socket", path))

	if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve admin socket %s: %w", path, err)
	}
	return nil
}

// Shutdown closes the HTTP server and its listener immediately;
// in-flight requests are not drained.
func (s *Server) Shutdown() error {
	return s.srv.Close()
}

func (s *Server) handleRoutesV4(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.reader.RoutesV4())
}

func (s *Server) handleRoutesV6(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.reader.RoutesV6())
}

func (s *Server) handlePMTU(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.reader.PMTU())
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode admin response", slog.String("error", err.Error()))
	}
}
