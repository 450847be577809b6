// Package proposer drives a value to consensus across the cluster: it
// generates monotonically increasing proposal numbers, runs the two-phase
// prepare/accept protocol over the RPC fabric, and retries with jitter
// whenever it is preempted by a competing proposer.
package proposer

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/paxosnode/agent/internal/acceptor"
	"github.com/paxosnode/agent/internal/rpc"
	"github.com/paxosnode/agent/internal/state"
	"go.uber.org/zap"
)

const (
	prepareEndpoint  = "/prepare"
	acceptEndpoint   = "/accept"
	chooseEndpoint   = "/choose"
	restartJitterMax = 100 * time.Millisecond
)

// Locked is the subset of an agent's single locked state object the
// proposer needs: the durable record (for minting proposal numbers and
// persisting them) and a write lock held only across brief critical
// sections, never across network I/O.
type Locked struct {
	Mutex   *sync.RWMutex
	Durable *state.Durable
}

// PersistFunc persists the current durable state to disk. It is supplied
// by internal/agent, which owns the data file path.
type PersistFunc func(state.Durable) error

// Propose drives value (or, if value is nil, merely the currently chosen
// value discovered via the pick-up rule) to consensus across peers. self
// is this agent's own address, used as the tiebreaker component of every
// proposal number this agent mints. It loops until the protocol succeeds,
// or returns ctx's error if ctx is done first.
func Propose(ctx context.Context, client *rpc.Client, locked Locked, persist PersistFunc, peers []netip.AddrPort, self netip.AddrPort, value *string, logger *zap.Logger) error {
	for {
		proposalNumber, err := generateProposalNumber(locked, persist, self)
		if err != nil {
			return err
		}

		logger.Info("preparing", zap.Uint64("round", proposalNumber.Round))
		prepareResponses := rpc.BroadcastQuorum[acceptor.PrepareRequest, acceptor.PrepareResponse](
			ctx, client, peers, prepareEndpoint,
			acceptor.PrepareRequest{ProposalNumber: &proposalNumber},
		)
		if err := ctx.Err(); err != nil {
			return err
		}

		valueToPropose, ok := chooseValueToPropose(prepareResponses, value)
		if !ok {
			logger.Info("no accepted value discovered and no value to propose; probe complete")
			return nil
		}

		logger.Info("requesting acceptance", zap.Uint64("round", proposalNumber.Round), zap.String("value", valueToPropose))
		acceptResponses := rpc.BroadcastQuorum[acceptor.AcceptRequest, acceptor.AcceptResponse](
			ctx, client, peers, acceptEndpoint,
			acceptor.AcceptRequest{Number: proposalNumber, Value: valueToPropose},
		)
		if err := ctx.Err(); err != nil {
			return err
		}

		chosen, err := observeAcceptResponses(locked, persist, proposalNumber, acceptResponses)
		if err != nil {
			return err
		}

		if chosen {
			logger.Info("consensus achieved, notifying cluster", zap.String("value", valueToPropose))
			rpc.TryBroadcastAll[acceptor.ChooseRequest, acceptor.ChooseResponse](
				ctx, client, peers, chooseEndpoint, acceptor.ChooseRequest{Value: valueToPropose},
			)
			return nil
		}

		logger.Info("preempted, retrying after jitter")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rpc.RandomJitter(restartJitterMax)):
		}
	}
}

// generateProposalNumber mints and persists the next proposal number
// under the write lock, before any message carrying it leaves the
// process — a crash mid-attempt cannot reissue the same number. The
// persist call stays inside the critical section, matching the
// acceptor's handlers, so a concurrent prepare/accept can never
// interleave its own persist between this mutation and its durable
// write.
func generateProposalNumber(locked Locked, persist PersistFunc, self netip.AddrPort) (state.ProposalNumber, error) {
	locked.Mutex.Lock()
	defer locked.Mutex.Unlock()

	number := state.ProposalNumber{
		Round:    locked.Durable.NextRound,
		Proposer: state.NewEndpoint(self),
	}
	locked.Durable.NextRound++

	if err := persist(*locked.Durable); err != nil {
		return state.ProposalNumber{}, err
	}
	return number, nil
}

// chooseValueToPropose applies the pick-up rule: prefer the
// highest-numbered accepted proposal seen in the prepare quorum, falling
// back to the proposer's own candidate, or reporting "nothing to
// propose" when probing only.
func chooseValueToPropose(responses []acceptor.PrepareResponse, original *string) (string, bool) {
	var best *state.AcceptedProposal
	for _, resp := range responses {
		if resp.AcceptedProposal == nil {
			continue
		}
		if best == nil || resp.AcceptedProposal.Number.GreaterThan(best.Number) {
			best = resp.AcceptedProposal
		}
	}
	if best != nil {
		return best.Value, true
	}
	if original != nil {
		return *original, true
	}
	return "", false
}

// observeAcceptResponses applies the accept-phase acceleration rule
// (bump NextRound past any higher min_proposal_number a peer reports)
// and decides whether the quorum agrees the proposal was chosen.
func observeAcceptResponses(locked Locked, persist PersistFunc, proposalNumber state.ProposalNumber, responses []acceptor.AcceptResponse) (bool, error) {
	chosen := true
	var bump *uint64

	for _, resp := range responses {
		if resp.MinProposalNumber.Compare(proposalNumber) != 0 {
			chosen = false
		}
		if resp.MinProposalNumber.GreaterThan(proposalNumber) {
			next := resp.MinProposalNumber.Round + 1
			if bump == nil || next > *bump {
				bump = &next
			}
		}
	}

	if bump != nil {
		locked.Mutex.Lock()
		if *bump > locked.Durable.NextRound {
			locked.Durable.NextRound = *bump
		}
		err := persist(*locked.Durable)
		locked.Mutex.Unlock()

		if err != nil {
			return false, err
		}
	}

	return chosen, nil
}
