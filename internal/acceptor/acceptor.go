// Package acceptor implements the three rules a Paxos agent's acceptor
// half applies to inbound prepare/accept/choose requests. Each handler
// takes a *Locked (the agent's single mutable state object, already
// write-locked by the caller) and mutates it; the caller is responsible
// for persisting any durable mutation before the response it produced
// is observed by anyone else.
package acceptor

import (
	"io"

	"github.com/paxosnode/agent/internal/state"
	"go.uber.org/zap"
)

// Locked is the durable/volatile state pair an acceptor handler mutates.
// Callers hold the agent's write lock for the duration of a handler call.
type Locked struct {
	Durable  *state.Durable
	Volatile *state.Volatile
}

// PrepareRequest is the body of a /prepare RPC. A nil ProposalNumber is a
// diagnostic ping that skips the promise step.
type PrepareRequest struct {
	_              struct{} `cbor:",toarray"`
	ProposalNumber *state.ProposalNumber
}

type PrepareResponse struct {
	_                struct{} `cbor:",toarray"`
	AcceptedProposal *state.AcceptedProposal
}

// Prepare is the promise handler. It mutates MinProposalNumber only if
// the request's number exceeds it, or nothing has been promised yet.
func Prepare(req PrepareRequest, s *Locked) PrepareResponse {
	if req.ProposalNumber != nil {
		if s.Durable.MinProposalNumber == nil || req.ProposalNumber.GreaterThan(*s.Durable.MinProposalNumber) {
			n := *req.ProposalNumber
			s.Durable.MinProposalNumber = &n
		}
	}
	return PrepareResponse{AcceptedProposal: s.Durable.AcceptedProposal}
}

type AcceptRequest struct {
	_      struct{} `cbor:",toarray"`
	Number state.ProposalNumber
	Value  string
}

type AcceptResponse struct {
	_                 struct{} `cbor:",toarray"`
	MinProposalNumber state.ProposalNumber
}

// Accept is the accept handler. It records (n, v) as the accepted
// proposal iff n is not below the current promise, and always
// returns the resulting MinProposalNumber so the proposer can tell
// whether it was preempted.
func Accept(req AcceptRequest, s *Locked) AcceptResponse {
	if s.Durable.MinProposalNumber == nil || !s.Durable.MinProposalNumber.GreaterThan(req.Number) {
		n := req.Number
		s.Durable.MinProposalNumber = &n
		s.Durable.AcceptedProposal = &state.AcceptedProposal{Number: req.Number, Value: req.Value}
	}
	return AcceptResponse{MinProposalNumber: *s.Durable.MinProposalNumber}
}

type ChooseRequest struct {
	_     struct{} `cbor:",toarray"`
	Value string
}

type ChooseResponse struct {
	_ struct{} `cbor:",toarray"`
}

// Choose is the learn handler. The first call sets
// ChosenValue and writes it to sink exactly once; every later call is a
// no-op, regardless of the value carried. Choose never touches durable
// state, so it needs no persist.
func Choose(req ChooseRequest, s *Locked, sink io.Writer, logger *zap.Logger) ChooseResponse {
	if s.Volatile.ChosenValue == nil {
		value := req.Value
		s.Volatile.ChosenValue = &value
		logger.Info("consensus achieved")
		_, _ = io.WriteString(sink, value+"\n")
	}
	return ChooseResponse{}
}
