package acceptor

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/paxosnode/agent/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func pn(t *testing.T, round uint64, addr string) state.ProposalNumber {
	t.Helper()
	ap, err := netip.ParseAddrPort(addr)
	require.NoError(t, err)
	return state.ProposalNumber{Round: round, Proposer: state.NewEndpoint(ap)}
}

func newLocked() *Locked {
	d, v := state.Initial()
	return &Locked{Durable: &d, Volatile: &v}
}

func TestPrepareInitializesMinProposalNumber(t *testing.T) {
	s := newLocked()
	n := pn(t, 0, "127.0.0.1:8080")
	resp := Prepare(PrepareRequest{ProposalNumber: &n}, s)
	require.NotNil(t, s.Durable.MinProposalNumber)
	assert.Equal(t, 0, n.Compare(*s.Durable.MinProposalNumber))
	assert.Nil(t, resp.AcceptedProposal)
}

func TestPrepareIncreasesMinProposalNumber(t *testing.T) {
	s := newLocked()
	first := pn(t, 0, "127.0.0.1:8080")
	s.Durable.MinProposalNumber = &first

	second := pn(t, 1, "127.0.0.1:8080")
	Prepare(PrepareRequest{ProposalNumber: &second}, s)
	assert.Equal(t, 0, second.Compare(*s.Durable.MinProposalNumber))
}

func TestPrepareDoesNotDecreaseMinProposalNumber(t *testing.T) {
	s := newLocked()
	high := pn(t, 1, "127.0.0.1:8080")
	s.Durable.MinProposalNumber = &high

	low := pn(t, 0, "127.0.0.1:8080")
	Prepare(PrepareRequest{ProposalNumber: &low}, s)
	assert.Equal(t, 0, high.Compare(*s.Durable.MinProposalNumber))
}

func TestPrepareSkipsPromiseForDiagnosticPing(t *testing.T) {
	s := newLocked()
	Prepare(PrepareRequest{ProposalNumber: nil}, s)
	assert.Nil(t, s.Durable.MinProposalNumber)
}

func TestPrepareReturnsAcceptedProposal(t *testing.T) {
	s := newLocked()
	accepted := pn(t, 0, "127.0.0.1:8080")
	s.Durable.MinProposalNumber = &accepted
	s.Durable.AcceptedProposal = &state.AcceptedProposal{Number: accepted, Value: "foo"}

	higher := pn(t, 1, "127.0.0.1:8080")
	resp := Prepare(PrepareRequest{ProposalNumber: &higher}, s)
	require.NotNil(t, resp.AcceptedProposal)
	assert.Equal(t, "foo", resp.AcceptedProposal.Value)
}

func TestAcceptSuccess(t *testing.T) {
	s := newLocked()
	number := pn(t, 0, "127.0.0.1:8080")
	Prepare(PrepareRequest{ProposalNumber: &number}, s)

	resp := Accept(AcceptRequest{Number: number, Value: "foo"}, s)

	require.NotNil(t, s.Durable.AcceptedProposal)
	assert.Equal(t, "foo", s.Durable.AcceptedProposal.Value)
	assert.Equal(t, 0, number.Compare(resp.MinProposalNumber))
	assert.Equal(t, 0, number.Compare(*s.Durable.MinProposalNumber))
}

func TestAcceptFailure(t *testing.T) {
	s := newLocked()
	number0 := pn(t, 0, "127.0.0.1:8080")
	number1 := pn(t, 1, "127.0.0.1:8081")
	Prepare(PrepareRequest{ProposalNumber: &number0}, s)
	Prepare(PrepareRequest{ProposalNumber: &number1}, s)

	resp := Accept(AcceptRequest{Number: number0, Value: "bar"}, s)

	assert.Nil(t, s.Durable.AcceptedProposal)
	assert.Equal(t, 0, number1.Compare(resp.MinProposalNumber))
	assert.Equal(t, 0, number1.Compare(*s.Durable.MinProposalNumber))
}

func TestAcceptAtPromisedNumberSucceeds(t *testing.T) {
	s := newLocked()
	number := pn(t, 0, "127.0.0.1:8080")
	Prepare(PrepareRequest{ProposalNumber: &number}, s)

	resp := Accept(AcceptRequest{Number: number, Value: "equal-ok"}, s)
	assert.Equal(t, 0, number.Compare(resp.MinProposalNumber))
	require.NotNil(t, s.Durable.AcceptedProposal)
	assert.Equal(t, "equal-ok", s.Durable.AcceptedProposal.Value)
}

func TestChooseUpdatesStateAndEmitsOnce(t *testing.T) {
	s := newLocked()
	var sink bytes.Buffer

	Choose(ChooseRequest{Value: "foo"}, s, &sink, zap.NewNop())
	require.NotNil(t, s.Volatile.ChosenValue)
	assert.Equal(t, "foo", *s.Volatile.ChosenValue)
	assert.Equal(t, "foo\n", sink.String())

	Choose(ChooseRequest{Value: "bar"}, s, &sink, zap.NewNop())
	assert.Equal(t, "foo", *s.Volatile.ChosenValue)
	assert.Equal(t, "foo\n", sink.String())
}
