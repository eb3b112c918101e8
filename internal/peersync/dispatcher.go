package peersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"syscall"

	"github.com/m46e-project/m46ed/internal/fib"
	"github.com/m46e-project/m46ed/internal/route"
	"github.com/m46e-project/m46ed/internal/rtnl"
	"github.com/m46e-project/m46ed/internal/translate"
)

// ErrAlreadyExists is returned when an inbound ADD targets a destination
// already present in the opposite table.
var ErrAlreadyExists = errors.New("peer sync: entry already exists")

// ErrNonExistent is returned when an inbound DEL targets a destination
// absent from the opposite table.
var ErrNonExistent = errors.New("peer sync: entry does not exist")

// MetricsReporter is the subset of the daemon's metrics collector the
// dispatcher reports to. The default is a no-op reporter, so call sites
// never nil-check.
type MetricsReporter interface {
	IncPeerSyncSent(family, opcode string)
	IncPeerSyncRejected(reason string)
	IncTranslationError(mode, direction string)
}

type noopMetrics struct{}

func (noopMetrics) IncPeerSyncSent(string, string)     {}
func (noopMetrics) IncPeerSyncRejected(string)         {}
func (noopMetrics) IncTranslationError(string, string) {}

// Option configures optional Dispatcher parameters.
type Option func(*Dispatcher)

// WithMetrics attaches a MetricsReporter to the dispatcher. If mr is
// nil, the default no-op reporter is kept.
func WithMetrics(mr MetricsReporter) Option {
	return func(d *Dispatcher) {
		if mr != nil {
			d.metrics = mr
		}
	}
}

// Dispatcher is the peer-sync dispatcher. It satisfies
// fib.Syncer -- the FIB observers call its PushV4*/PushV6* methods
// directly after mutating their own table -- and separately drains
// inbound Commands from the peer, applying each to the opposite
// family's table and to the kernel FIB.
type Dispatcher struct {
	Mode   translate.Mode
	Prefix netip.Addr

	V4Table *route.Table[route.V4Entry]
	V6Table *route.Table[route.V6Entry]

	V4TunnelIfIdx int
	V6TunnelIfIdx int

	Source rtnl.Source

	Transport Transport
	Enabled   bool // route_sync config flag

	Log *slog.Logger

	metrics MetricsReporter
}

// New constructs a Dispatcher. prefix is the configured unicast_prefix;
// v4TunnelIfIdx/v6TunnelIfIdx are the tunnel device indices the
// translator installs as a translated entry's out_if_index.
func New(mode translate.Mode, prefix netip.Addr, v4Table *route.Table[route.V4Entry], v6Table *route.Table[route.V6Entry], v4TunnelIfIdx, v6TunnelIfIdx int, source rtnl.Source, transport Transport, enabled bool, log *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		Mode:          mode,
		Prefix:        prefix,
		V4Table:       v4Table,
		V6Table:       v6Table,
		V4TunnelIfIdx: v4TunnelIfIdx,
		V6TunnelIfIdx: v6TunnelIfIdx,
		Source:        source,
		Transport:     transport,
		Enabled:       enabled,
		Log:           log.With(slog.String("component", "peersync")),
		metrics:       noopMetrics{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// --- Outbound (fib.Syncer) ---

// PushV4Add publishes a locally-observed IPv4 ADD to the peer. A no-op
// when route_sync is disabled.
func (d *Dispatcher) PushV4Add(e route.V4Entry) {
	d.pushV4(OpAdd, e)
}

// PushV4Del publishes a locally-observed IPv4 DEL to the peer, applying
// the gateway-dedup rule: if another entry with the same destination
// still exists after the local deletion, the peer is not notified.
func (d *Dispatcher) PushV4Del(e route.V4Entry) {
	if d.V4Table.CountSameDest(e.DestKey()) >= 1 {
		d.Log.Info("suppressing peer DEL, sibling gateway remains", slog.Any("dest", e.DestKey()))
		return
	}
	d.pushV4(OpDel, e)
}

// PushV6Add publishes a locally-observed IPv6 ADD to the peer.
func (d *Dispatcher) PushV6Add(e route.V6Entry) {
	d.pushV6(OpAdd, e)
}

// PushV6Del publishes a locally-observed IPv6 DEL to the peer, applying
// the same gateway-dedup rule as PushV4Del against the IPv6 table.
func (d *Dispatcher) PushV6Del(e route.V6Entry) {
	if d.V6Table.CountSameDest(e.DestKey()) >= 1 {
		d.Log.Info("suppressing peer DEL, sibling gateway remains", slog.Any("dest", e.DestKey()))
		return
	}
	d.pushV6(OpDel, e)
}

func (d *Dispatcher) pushV4(op Opcode, e route.V4Entry) {
	if !d.Enabled {
		return
	}
	cmd := Command{Opcode: op, Family: FamilyV4, V4: e}
	if err := d.Transport.Send(context.Background(), DirStubToBackbone, cmd); err != nil {
		d.Log.Error("send to peer failed", slog.Any("cmd", cmd), slog.Any("err", err))
		return
	}
	d.metrics.IncPeerSyncSent("v4", op.String())
}

func (d *Dispatcher) pushV6(op Opcode, e route.V6Entry) {
	if !d.Enabled {
		return
	}
	cmd := Command{Opcode: op, Family: FamilyV6, V6: e}
	if err := d.Transport.Send(context.Background(), DirBackboneToStub, cmd); err != nil {
		d.Log.Error("send to peer failed", slog.Any("cmd", cmd), slog.Any("err", err))
		return
	}
	d.metrics.IncPeerSyncSent("v6", op.String())
}

// --- Inbound ---

// Run drains both peer directions until ctx is canceled, applying each
// inbound Command via Apply. One dispatcher goroutine is sufficient
// here: the transport is a channel pair and single-writer per
// direction, so one drainer preserves FIFO without extra locking.
func (d *Dispatcher) Run(ctx context.Context) {
	v4in := d.Transport.Recv(DirStubToBackbone)
	v6in := d.Transport.Recv(DirBackboneToStub)

	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-v4in:
			if !ok {
				v4in = nil
				continue
			}
			d.Apply(ctx, cmd)
		case cmd, ok := <-v6in:
			if !ok {
				v6in = nil
				continue
			}
			d.Apply(ctx, cmd)
		}
	}
}

// Apply processes one inbound Command: translate to the opposite
// family, apply to that family's table, then program the kernel FIB.
// Any step's failure is logged and returned but never rolled back; the
// local table stays the source of truth and the next dump or change
// notification re-converges.
func (d *Dispatcher) Apply(ctx context.Context, cmd Command) error {
	switch cmd.Family {
	case FamilyV4:
		return d.applyV4(ctx, cmd)
	case FamilyV6:
		return d.applyV6(ctx, cmd)
	default:
		return fmt.Errorf("peer sync: unknown command family %d", cmd.Family)
	}
}

// applyV4 handles a Command carrying an IPv4 entry from the peer,
// translating it into IPv6 and installing it into the backbone table.
func (d *Dispatcher) applyV4(ctx context.Context, cmd Command) error {
	v6, err := translate.ToV6(d.Mode, d.Prefix, d.V6TunnelIfIdx, cmd.V4)
	if err != nil {
		d.Log.Error("translate inbound v4->v6 failed", slog.Any("err", err))
		d.metrics.IncTranslationError(d.Mode.String(), "v4_to_v6")
		d.metrics.IncPeerSyncRejected("translation_error")
		return fmt.Errorf("peer sync apply: %w", err)
	}

	switch cmd.Opcode {
	case OpAdd:
		if _, found := d.V6Table.Search(v6.Key()); found {
			d.Log.Error("inbound ADD rejected", slog.Any("key", v6.Key()), slog.Any("err", ErrAlreadyExists))
			d.metrics.IncPeerSyncRejected("already_exists")
			return ErrAlreadyExists
		}
		if err := d.V6Table.Add(v6); err != nil {
			d.Log.Error("inbound ADD failed to install", slog.Any("err", err))
			return err
		}
	case OpDel:
		if _, found := d.V6Table.Search(v6.Key()); !found {
			d.Log.Error("inbound DEL rejected", slog.Any("key", v6.Key()), slog.Any("err", ErrNonExistent))
			d.metrics.IncPeerSyncRejected("non_existent")
			return ErrNonExistent
		}
		if err := d.V6Table.Del(v6.Key()); err != nil {
			d.Log.Error("inbound DEL failed to remove", slog.Any("err", err))
			return err
		}
	}

	return d.programFIB(ctx, cmd.Opcode, fib.V6ToRaw(v6))
}

// applyV6 is applyV4's mirror for a Command carrying an IPv6 entry,
// installing the translated result into the stub (IPv4) table.
func (d *Dispatcher) applyV6(ctx context.Context, cmd Command) error {
	v4, err := translate.ToV4(d.Mode, d.V4TunnelIfIdx, cmd.V6)
	if err != nil {
		d.Log.Error("translate inbound v6->v4 failed", slog.Any("err", err))
		d.metrics.IncTranslationError(d.Mode.String(), "v6_to_v4")
		d.metrics.IncPeerSyncRejected("translation_error")
		return fmt.Errorf("peer sync apply: %w", err)
	}

	switch cmd.Opcode {
	case OpAdd:
		if _, found := d.V4Table.Search(v4.Key()); found {
			d.Log.Error("inbound ADD rejected", slog.Any("key", v4.Key()), slog.Any("err", ErrAlreadyExists))
			d.metrics.IncPeerSyncRejected("already_exists")
			return ErrAlreadyExists
		}
		if err := d.V4Table.Add(v4); err != nil {
			d.Log.Error("inbound ADD failed to install", slog.Any("err", err))
			return err
		}
	case OpDel:
		if _, found := d.V4Table.Search(v4.Key()); !found {
			d.Log.Error("inbound DEL rejected", slog.Any("key", v4.Key()), slog.Any("err", ErrNonExistent))
			d.metrics.IncPeerSyncRejected("non_existent")
			return ErrNonExistent
		}
		if err := d.V4Table.Del(v4.Key()); err != nil {
			d.Log.Error("inbound DEL failed to remove", slog.Any("err", err))
			return err
		}
	}

	return d.programFIB(ctx, cmd.Opcode, fib.V4ToRaw(v4))
}

// programFIB issues the kernel RTM_NEWROUTE/RTM_DELROUTE for a
// translated entry.
func (d *Dispatcher) programFIB(ctx context.Context, op Opcode, raw rtnl.RawRoute) error {
	var err error
	if op == OpAdd {
		err = d.Source.Add(ctx, raw)
	} else {
		err = d.Source.Del(ctx, raw)
	}
	if err != nil {
		// Already-exists on ADD and not-found on DEL leave the kernel in
		// the requested state, so they count as success.
		if (op == OpAdd && errors.Is(err, syscall.EEXIST)) || (op == OpDel && errors.Is(err, syscall.ESRCH)) {
			return nil
		}
		d.Log.Error("kernel FIB program failed", slog.String("op", op.String()), slog.Any("err", err))
		return fmt.Errorf("program kernel fib: %w", err)
	}
	return nil
}
