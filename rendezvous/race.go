// Package rendezvous implements the candidate-endpoint race used for NAT
// traversal: given a set of candidate endpoints for a peer (its public
// address plus whatever private/local addresses it reported), dial all of
// them concurrently from one shared local port and keep whichever
// completes its session handshake first, discarding the rest.
package rendezvous

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/bechat-go/corenet/channel"
	"github.com/bechat-go/corenet/endpoint"
)

// ErrNoCandidates is returned when the candidate list is empty.
var ErrNoCandidates = errors.New("rendezvous: no candidate endpoints")

// ErrRaceLost is returned by Race when every candidate failed or the
// context was cancelled before any handshake completed.
var ErrRaceLost = errors.New("rendezvous: no candidate completed its handshake")

// result pairs a finished attempt's channel with the error it produced.
type result struct {
	ch  *channel.Channel
	err error
}

// Race dials every candidate endpoint concurrently from a single bound,
// SO_REUSEADDR local port and returns the first Channel whose session
// handshake completes. Every losing attempt is cancelled and closed before
// Race returns. Candidates for the SAME underlying peer commonly include
// its relay-reported public address and one or more LAN addresses; the
// first one reachable wins regardless of which it is, giving NAT traversal
// without an external STUN/TURN relay service.
func Race(ctx context.Context, local endpoint.Endpoint, protocolID uint32, candidates []endpoint.Endpoint) (*channel.Channel, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan result, len(candidates))
	var wg sync.WaitGroup

	for _, candidate := range candidates {
		candidate := candidate
		wg.Add(1)
		go func() {
			defer wg.Done()

			ch, err := channel.Bind(local, channel.Config{
				ProtocolID: protocolID,
				WindowSize: channel.DefaultWindowSize,
				ReuseAddr:  true,
			})
			if err != nil {
				results <- result{nil, errors.Wrapf(err, "rendezvous: bind for candidate %s", candidate)}
				return
			}
			if err := ch.Connect(raceCtx, candidate); err != nil {
				ch.Close()
				results <- result{nil, errors.Wrapf(err, "rendezvous: candidate %s", candidate)}
				return
			}
			results <- result{ch, nil}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var winner *channel.Channel
	var losers []*channel.Channel
	remaining := len(candidates)

	for remaining > 0 {
		select {
		case r, ok := <-results:
			if !ok {
				remaining = 0
				break
			}
			remaining--
			if r.err != nil {
				continue
			}
			if winner == nil {
				winner = r.ch
				cancel() // stop every other candidate's handshake loop
			} else {
				losers = append(losers, r.ch)
			}
		case <-ctx.Done():
			remaining = 0
		}
	}

	// drain any attempts still landing after we stopped waiting.
	for r := range results {
		if r.err == nil {
			if winner == nil {
				winner = r.ch
			} else {
				losers = append(losers, r.ch)
			}
		}
	}

	for _, loser := range losers {
		loser.Close()
	}

	if winner == nil {
		return nil, ErrRaceLost
	}
	return winner, nil
}
