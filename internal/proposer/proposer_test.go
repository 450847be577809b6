package proposer

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/paxosnode/agent/internal/acceptor"
	"github.com/paxosnode/agent/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateProposalNumberStrictlyIncreases(t *testing.T) {
	d, _ := state.Initial()
	locked := Locked{Mutex: &sync.RWMutex{}, Durable: &d}
	self := netip.MustParseAddrPort("127.0.0.1:3000")

	var persisted []state.Durable
	persist := func(s state.Durable) error {
		persisted = append(persisted, s)
		return nil
	}

	first, err := generateProposalNumber(locked, persist, self)
	require.NoError(t, err)
	second, err := generateProposalNumber(locked, persist, self)
	require.NoError(t, err)

	assert.True(t, second.GreaterThan(first))
	assert.Equal(t, uint64(0), first.Round)
	assert.Equal(t, uint64(1), second.Round)
	assert.Len(t, persisted, 2)
	assert.Equal(t, uint64(2), persisted[1].NextRound)
}

func TestGenerateProposalNumberUsesSelfAsTiebreaker(t *testing.T) {
	d, _ := state.Initial()
	locked := Locked{Mutex: &sync.RWMutex{}, Durable: &d}
	self := netip.MustParseAddrPort("192.168.0.2:3001")

	n, err := generateProposalNumber(locked, func(state.Durable) error { return nil }, self)
	require.NoError(t, err)
	assert.Equal(t, self, n.Proposer.AddrPort)
}

func TestChooseValueToProposePicksUpHighestAccepted(t *testing.T) {
	low := state.ProposalNumber{Round: 0, Proposer: state.NewEndpoint(netip.MustParseAddrPort("127.0.0.1:3000"))}
	high := state.ProposalNumber{Round: 1, Proposer: state.NewEndpoint(netip.MustParseAddrPort("127.0.0.1:3000"))}

	responses := []acceptor.PrepareResponse{
		{AcceptedProposal: &state.AcceptedProposal{Number: low, Value: "a"}},
		{AcceptedProposal: &state.AcceptedProposal{Number: high, Value: "b"}},
		{},
	}

	value, ok := chooseValueToPropose(responses, ptr("original"))
	require.True(t, ok)
	assert.Equal(t, "b", value)
}

func TestChooseValueToProposeFallsBackToOriginal(t *testing.T) {
	responses := []acceptor.PrepareResponse{{}, {}, {}}
	value, ok := chooseValueToPropose(responses, ptr("original"))
	require.True(t, ok)
	assert.Equal(t, "original", value)
}

func TestChooseValueToProposeProbeWithNoValueReturnsFalse(t *testing.T) {
	responses := []acceptor.PrepareResponse{{}, {}, {}}
	_, ok := chooseValueToPropose(responses, nil)
	assert.False(t, ok)
}

func TestObserveAcceptResponsesAllAgreeIsChosen(t *testing.T) {
	d, _ := state.Initial()
	locked := Locked{Mutex: &sync.RWMutex{}, Durable: &d}
	number := state.ProposalNumber{Round: 2, Proposer: state.NewEndpoint(netip.MustParseAddrPort("127.0.0.1:3000"))}

	responses := []acceptor.AcceptResponse{
		{MinProposalNumber: number},
		{MinProposalNumber: number},
	}

	chosen, err := observeAcceptResponses(locked, func(state.Durable) error { return nil }, number, responses)
	require.NoError(t, err)
	assert.True(t, chosen)
}

func TestObserveAcceptResponsesPreemptionBumpsNextRound(t *testing.T) {
	d, _ := state.Initial()
	d.NextRound = 1
	locked := Locked{Mutex: &sync.RWMutex{}, Durable: &d}

	number := state.ProposalNumber{Round: 0, Proposer: state.NewEndpoint(netip.MustParseAddrPort("127.0.0.1:3000"))}
	higher := state.ProposalNumber{Round: 5, Proposer: state.NewEndpoint(netip.MustParseAddrPort("127.0.0.1:3001"))}

	var persistedRound uint64
	persist := func(s state.Durable) error {
		persistedRound = s.NextRound
		return nil
	}

	responses := []acceptor.AcceptResponse{
		{MinProposalNumber: higher},
		{MinProposalNumber: number},
	}

	chosen, err := observeAcceptResponses(locked, persist, number, responses)
	require.NoError(t, err)
	assert.False(t, chosen)
	assert.Equal(t, uint64(6), d.NextRound)
	assert.Equal(t, uint64(6), persistedRound)
}

func ptr(s string) *string { return &s }
