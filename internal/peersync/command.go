// Package peersync implements the peer-sync dispatcher: outbound
// publication of local table changes to the peer daemon, and inbound
// application of the peer's commands to the opposite family's route
// table and the kernel FIB.
package peersync

import (
	"fmt"

	"github.com/m46e-project/m46ed/internal/route"
)

// Opcode distinguishes ROUTE_ADD from ROUTE_DEL in an M46E_SYNC_ROUTE
// command.
type Opcode uint8

const (
	OpAdd Opcode = iota
	OpDel
)

// String renders the opcode for logging.
func (o Opcode) String() string {
	if o == OpDel {
		return "DEL"
	}
	return "ADD"
}

// Family selects which entry field of a Command is populated.
type Family uint8

const (
	FamilyV4 Family = iota
	FamilyV6
)

// Direction identifies which per-direction channel a Command travels
// over.
type Direction uint8

const (
	// DirStubToBackbone carries IPv4-table changes to the IPv6-side peer.
	DirStubToBackbone Direction = iota
	// DirBackboneToStub carries IPv6-table changes to the IPv4-side peer.
	DirBackboneToStub
)

// Command is one M46E_SYNC_ROUTE message.
type Command struct {
	Opcode Opcode
	Family Family
	V4     route.V4Entry // valid when Family == FamilyV4
	V6     route.V6Entry // valid when Family == FamilyV6
}

// String renders a Command for log lines.
func (c Command) String() string {
	if c.Family == FamilyV4 {
		return fmt.Sprintf("%s v4 %v", c.Opcode, c.V4.Key())
	}
	return fmt.Sprintf("%s v6 %v", c.Opcode, c.V6.Key())
}
