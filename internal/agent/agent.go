// Package agent wires the state store, acceptor core, RPC fabric, and
// proposer core together into one running process: the single locked
// state object shared by the acceptor's HTTP handlers and the proposer's
// retry loop, plus the HTTP server and status page.
package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/paxosnode/agent/internal/acceptor"
	"github.com/paxosnode/agent/internal/proposer"
	"github.com/paxosnode/agent/internal/rpc"
	"github.com/paxosnode/agent/internal/state"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Agent is one participant in the cluster: durable and volatile state
// behind a single read/write lock, the address it identifies itself with
// on the wire (self) and on disk (the data file path), and the cluster's
// full peer list (including self).
type Agent struct {
	mu       sync.RWMutex
	durable  state.Durable
	volatile state.Volatile

	self     netip.AddrPort
	peers    []netip.AddrPort
	dataFile string

	client *rpc.Client
	logger *zap.Logger
	sink   io.Writer
}

// Option customizes New; most callers only need the defaults.
type Option func(*Agent)

// WithLearnSink overrides the learn sink, which defaults to os.Stdout.
func WithLearnSink(sink io.Writer) Option {
	return func(a *Agent) { a.sink = sink }
}

// WithTransport overrides the HTTP transport used for outbound RPCs,
// which defaults to http.DefaultTransport. Tests use this to intercept
// or delay specific requests to force otherwise-unlikely interleavings.
func WithTransport(transport http.RoundTripper) Option {
	return func(a *Agent) { a.client = rpc.NewClientWithTransport(a.logger, transport) }
}

// New constructs an agent, loading any previously persisted durable
// state from dataFile (starting fresh if none exists).
func New(self netip.AddrPort, peers []netip.AddrPort, dataFile string, logger *zap.Logger, opts ...Option) (*Agent, error) {
	durable, volatile, err := loadOrInitial(dataFile)
	if err != nil {
		return nil, errors.Wrapf(err, "loading state from %s", dataFile)
	}

	a := &Agent{
		durable:  durable,
		volatile: volatile,
		self:     self,
		peers:    peers,
		dataFile: dataFile,
		client:   rpc.NewClient(logger),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func loadOrInitial(dataFile string) (state.Durable, state.Volatile, error) {
	durable, err := state.Load(dataFile)
	switch {
	case err == nil:
		_, volatile := state.Initial()
		return durable, volatile, nil
	case os.IsNotExist(err):
		return state.Initial()
	default:
		return state.Durable{}, state.Volatile{}, err
	}
}

// persist serializes a durable state snapshot to the agent's data file.
func (a *Agent) persist(durable state.Durable) error {
	if err := state.Persist(durable, a.dataFile); err != nil {
		return errors.Wrapf(err, "persisting state to %s", a.dataFile)
	}
	return nil
}

// Self returns the address this agent identifies itself with.
func (a *Agent) Self() netip.AddrPort { return a.self }

// Peers returns the full configured peer list, including self.
func (a *Agent) Peers() []netip.AddrPort { return a.peers }

// Propose drives value to consensus, returning once this agent has
// learned that a value (possibly not value, per the pick-up rule) was
// chosen, or once it has confirmed no value is yet chosen (probe mode).
func (a *Agent) Propose(ctx context.Context, value *string) error {
	locked := proposer.Locked{Mutex: &a.mu, Durable: &a.durable}
	return proposer.Propose(ctx, a.client, locked, a.persist, a.peers, a.self, value, a.logger)
}

// Handler returns the HTTP handler implementing /prepare, /accept,
// /choose, and the GET / status page.
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/prepare", a.handlePrepare)
	mux.HandleFunc("/accept", a.handleAccept)
	mux.HandleFunc("/choose", a.handleChoose)
	mux.HandleFunc("/", a.handleStatus)
	return mux
}

func (a *Agent) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req acceptor.PrepareRequest
	if !decodeBody(w, r, &req) {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	resp := acceptor.Prepare(req, a.locked())
	a.persistAndReply(w, resp)
}

func (a *Agent) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req acceptor.AcceptRequest
	if !decodeBody(w, r, &req) {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	resp := acceptor.Accept(req, a.locked())
	a.persistAndReply(w, resp)
}

func (a *Agent) handleChoose(w http.ResponseWriter, r *http.Request) {
	var req acceptor.ChooseRequest
	if !decodeBody(w, r, &req) {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Choose only mutates volatile state, so it skips persistence.
	resp := acceptor.Choose(req, a.locked(), a.learnSink(), a.logger)
	encodeReply(w, resp)
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	a.mu.RLock()
	durable := a.durable
	volatile := a.volatile
	a.mu.RUnlock()

	fmt.Fprintf(w, "System operational.\n\nDurable state:\n\n%+v\n\nVolatile state:\n\n%+v\n", durable, volatile)
}

// locked must only be called while a.mu is held.
func (a *Agent) locked() *acceptor.Locked {
	return &acceptor.Locked{Durable: &a.durable, Volatile: &a.volatile}
}

func (a *Agent) learnSink() io.Writer {
	if a.sink != nil {
		return a.sink
	}
	return os.Stdout
}

// persistAndReply persists the agent's durable state and, only if that
// succeeds, encodes resp to w — a response never reaches the wire ahead
// of the durable write it depends on. A persist failure means in-memory
// state has already diverged from disk, so it is fatal: the process logs
// and exits rather than keep serving requests on unreliable state.
func (a *Agent) persistAndReply(w http.ResponseWriter, resp any) {
	if err := a.persist(a.durable); err != nil {
		a.logger.Fatal("persist failed, agent cannot safely continue", zap.Error(err))
	}
	encodeReply(w, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := cbor.NewDecoder(r.Body).Decode(out); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return false
	}
	return true
}

func encodeReply(w http.ResponseWriter, resp any) {
	body, err := cbor.Marshal(resp)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(body)
}
