// Package state holds the durable and volatile state of a single Paxos
// agent and the logic for persisting the durable half to disk.
package state

import (
	"net/netip"

	"github.com/fxamacker/cbor/v2"
)

// Endpoint is a network address, encoded on the wire and on disk as its
// string form so that the binary encoding doesn't depend on the internal
// layout of netip.AddrPort.
type Endpoint struct {
	netip.AddrPort
}

func NewEndpoint(ap netip.AddrPort) Endpoint {
	return Endpoint{AddrPort: ap}
}

func (e Endpoint) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(e.AddrPort.String())
}

func (e *Endpoint) UnmarshalCBOR(data []byte) error {
	var repr string
	if err := cbor.Unmarshal(data, &repr); err != nil {
		return err
	}
	addr, err := netip.ParseAddrPort(repr)
	if err != nil {
		return err
	}
	e.AddrPort = addr
	return nil
}

// Compare orders endpoints first by IP, then by port, for use as the
// deterministic tiebreaker component of a ProposalNumber.
func (e Endpoint) Compare(other Endpoint) int {
	if c := e.Addr().Compare(other.Addr()); c != 0 {
		return c
	}
	switch {
	case e.Port() < other.Port():
		return -1
	case e.Port() > other.Port():
		return 1
	default:
		return 0
	}
}

// ProposalNumber is the (round, proposer address) pair that totally
// orders proposals. Two agents bound to distinct addresses never produce
// the same number.
type ProposalNumber struct {
	_        struct{} `cbor:",toarray"`
	Round    uint64
	Proposer Endpoint
}

// Compare returns -1, 0, or 1 as n is less than, equal to, or greater
// than other. Round is the primary key; Proposer is the tiebreaker.
func (n ProposalNumber) Compare(other ProposalNumber) int {
	switch {
	case n.Round < other.Round:
		return -1
	case n.Round > other.Round:
		return 1
	default:
		return n.Proposer.Compare(other.Proposer)
	}
}

func (n ProposalNumber) Less(other ProposalNumber) bool {
	return n.Compare(other) < 0
}

func (n ProposalNumber) GreaterThan(other ProposalNumber) bool {
	return n.Compare(other) > 0
}

// AcceptedProposal is the highest-numbered proposal an acceptor has
// accepted, together with its value.
type AcceptedProposal struct {
	_      struct{} `cbor:",toarray"`
	Number ProposalNumber
	Value  string
}

// Durable is the part of an agent's state that must survive a restart.
type Durable struct {
	_                 struct{} `cbor:",toarray"`
	NextRound         uint64
	MinProposalNumber *ProposalNumber
	AcceptedProposal  *AcceptedProposal
}

// Volatile is the part of an agent's state that is rebuilt empty on every
// boot.
type Volatile struct {
	ChosenValue *string
}

// Initial returns the state in which an agent starts at first boot.
func Initial() (Durable, Volatile) {
	return Durable{}, Volatile{}
}
