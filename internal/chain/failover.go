package chain

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

type endpoint struct {
	url string
	rpc *rpc.Client
	eth *ethclient.Client
}

// failover rotates to the next endpoint after failThreshold consecutive failures on the
// current one. A call that trips the threshold is retried on the next endpoint.
type failover struct {
	endpoints     []*endpoint
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

func dialFailover(ctx context.Context, urls []string, failThreshold int) (*failover, error) {
	list := sanitizeEndpoints(urls)
	if len(list) == 0 {
		return nil, errors.New("rpc endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	f := &failover{failThreshold: failThreshold}
	for _, u := range list {
		c, err := rpc.DialContext(ctx, u)
		if err != nil {
			f.close()
			return nil, err
		}
		f.endpoints = append(f.endpoints, &endpoint{url: u, rpc: c, eth: ethclient.NewClient(c)})
	}
	return f, nil
}

func (f *failover) do(ctx context.Context, fn func(ep *endpoint) error) error {
	var lastErr error
	for attempt := 0; attempt < len(f.endpoints); attempt++ {
		ep, idx := f.current()
		err := fn(ep)
		if err == nil {
			f.resetFailures(idx)
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}
		f.noteFailure(idx)
		if !f.shouldRotate() {
			break
		}
		f.rotate()
	}
	return lastErr
}

func (f *failover) current() (*endpoint, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endpoints[f.index], f.index
}

func (f *failover) resetFailures(idx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.index == idx {
		f.failCount = 0
	}
}

func (f *failover) noteFailure(idx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.index == idx {
		f.failCount++
	}
}

func (f *failover) shouldRotate() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failCount >= f.failThreshold
}

func (f *failover) rotate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.index = (f.index + 1) % len(f.endpoints)
	f.failCount = 0
}

func (f *failover) close() {
	for _, ep := range f.endpoints {
		ep.rpc.Close()
	}
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
