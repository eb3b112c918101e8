package peersync

import "context"

// Transport is the IPC surface to the peer daemon. Implementations
// deliver Commands in both directions; the wire format and connection
// management live behind this interface, outside the daemon core.
type Transport interface {
	// Send transmits cmd over dir's channel to the peer.
	Send(ctx context.Context, dir Direction, cmd Command) error
	// Recv returns the channel of Commands arriving from the peer for
	// dir. The channel is closed when the transport shuts down.
	Recv(dir Direction) <-chan Command
}

// StubTransport is a no-op Transport used when no real peer connection
// is configured.
type StubTransport struct{}

// Send implements Transport by discarding cmd.
func (StubTransport) Send(context.Context, Direction, Command) error { return nil }

// Recv implements Transport by returning a channel that is immediately
// closed, since a stub transport never receives anything from a peer.
func (StubTransport) Recv(Direction) <-chan Command {
	ch := make(chan Command)
	close(ch)
	return ch
}
