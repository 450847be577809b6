// Package rpc implements the asynchronous request/response fabric that
// carries prepare/accept/choose messages between agents: single
// round-trip sends, retrying sends with exponential backoff, and the
// quorum- and best-effort broadcast primitives the proposer is built on.
package rpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	backoffMin        = 75 * time.Millisecond
	backoffMax        = 2 * time.Second
	backoffMultiplier = 2
	tryTimeout        = 2 * time.Second
)

// Client issues RPCs to peer agents over HTTP, encoding bodies as CBOR.
type Client struct {
	http   *http.Client
	logger *zap.Logger
}

func NewClient(logger *zap.Logger) *Client {
	return &Client{
		http:   &http.Client{},
		logger: logger,
	}
}

// NewClientWithTransport is NewClient with a caller-supplied transport,
// letting tests intercept or delay outbound RPCs with a custom
// http.RoundTripper.
func NewClientWithTransport(logger *zap.Logger, transport http.RoundTripper) *Client {
	return &Client{
		http:   &http.Client{Transport: transport},
		logger: logger,
	}
}

// Result is the outcome of one peer's best-effort RPC.
type Result[Resp any] struct {
	Value Resp
	Err   error
}

// TrySend performs one round trip to peer's endpoint with no retries. It
// fails on connect failure, timeout, or a response body that doesn't
// decode as Resp.
func TrySend[Req any, Resp any](ctx context.Context, c *Client, peer netip.AddrPort, endpoint string, req Req) (Resp, error) {
	var zero Resp

	payload, err := cbor.Marshal(req)
	if err != nil {
		return zero, fmt.Errorf("rpc: encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, tryTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s%s", peer, endpoint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return zero, fmt.Errorf("rpc: build request: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return zero, fmt.Errorf("rpc: %s %s: %w", endpoint, peer, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return zero, fmt.Errorf("rpc: read body from %s: %w", peer, err)
	}

	if resp.StatusCode != http.StatusOK {
		return zero, fmt.Errorf("rpc: %s replied with status %d", peer, resp.StatusCode)
	}

	var out Resp
	if err := cbor.Unmarshal(body, &out); err != nil {
		return zero, fmt.Errorf("rpc: decode response from %s: %w", peer, err)
	}
	return out, nil
}

// Send loops TrySend with truncated binary exponential backoff until it
// succeeds. It only returns early if ctx is cancelled.
func Send[Req any, Resp any](ctx context.Context, c *Client, peer netip.AddrPort, endpoint string, req Req) (Resp, error) {
	delay := backoffMin
	for {
		resp, err := TrySend[Req, Resp](ctx, c, peer, endpoint, req)
		if err == nil {
			return resp, nil
		}

		if ctx.Err() != nil {
			var zero Resp
			return zero, ctx.Err()
		}

		c.logger.Warn("rpc send failed, retrying", zap.String("endpoint", endpoint), zap.Stringer("peer", peer), zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			var zero Resp
			return zero, ctx.Err()
		}

		delay *= backoffMultiplier
		if delay > backoffMax {
			delay = backoffMax
		}
	}
}

// BroadcastQuorum issues Send to every peer concurrently and returns the
// first floor(N/2)+1 responses. The remaining in-flight sends are
// cancelled once a quorum has been collected; acceptor handlers are
// idempotent under their own rules, so abandoning stragglers is safe. If
// ctx is done before a quorum has answered, it returns the responses
// collected so far, which may be fewer than a quorum.
func BroadcastQuorum[Req any, Resp any](ctx context.Context, c *Client, peers []netip.AddrPort, endpoint string, req Req) []Resp {
	quorum := len(peers)/2 + 1

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan Resp, len(peers))
	group, groupCtx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		peer := peer
		group.Go(func() error {
			resp, err := Send[Req, Resp](groupCtx, c, peer, endpoint, req)
			if err == nil {
				select {
				case results <- resp:
				case <-groupCtx.Done():
				}
			}
			return nil
		})
	}
	go func() {
		_ = group.Wait()
		close(results)
	}()

	collected := make([]Resp, 0, quorum)
	for resp := range results {
		collected = append(collected, resp)
		if len(collected) == quorum {
			cancel()
			break
		}
	}
	return collected
}

// TryBroadcastAll issues TrySend (no retries) to every peer concurrently
// and returns every outcome, success or failure, once all have settled.
func TryBroadcastAll[Req any, Resp any](ctx context.Context, c *Client, peers []netip.AddrPort, endpoint string, req Req) []Result[Resp] {
	results := make([]Result[Resp], len(peers))
	var wg sync.WaitGroup
	for i, peer := range peers {
		i, peer := i, peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := TrySend[Req, Resp](ctx, c, peer, endpoint, req)
			results[i] = Result[Resp]{Value: resp, Err: err}
		}()
	}
	wg.Wait()
	return results
}

// RandomJitter returns a uniformly random duration in [0, max), used by
// the proposer to break symmetry between competing proposers.
func RandomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}
