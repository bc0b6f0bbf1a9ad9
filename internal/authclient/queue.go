package authclient

import (
	"context"

	"github.com/florianilch/tokenrelay/internal/transport"
)

type result struct {
	resp *transport.Response
	err  error
}

// pendingRequest is a caller suspended behind an in-flight refresh.
// It holds the caller's builder, never a token.
type pendingRequest struct {
	ctx   context.Context
	build RequestBuilder
	done  chan result
}

func newPendingRequest(ctx context.Context, build RequestBuilder) *pendingRequest {
	return &pendingRequest{
		ctx:   ctx,
		build: build,
		done:  make(chan result, 1),
	}
}

// resolve and reject never block: done is buffered and settled once.
func (p *pendingRequest) resolve(resp *transport.Response) {
	p.done <- result{resp: resp}
}

func (p *pendingRequest) reject(err error) {
	p.done <- result{err: err}
}

// cancelled reports whether the waiting caller has given up.
func (p *pendingRequest) cancelled() bool {
	return p.ctx.Err() != nil
}

// wait blocks until the entry is settled or ctx ends.
func (p *pendingRequest) wait(ctx context.Context) (*transport.Response, error) {
	select {
	case r := <-p.done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pendingQueue is a FIFO of waiters for one refresh episode.
// Callers must hold Client.mu.
type pendingQueue struct {
	entries []*pendingRequest
}

func (q *pendingQueue) push(p *pendingRequest) {
	q.entries = append(q.entries, p)
}

// drain empties the queue and returns its entries in enqueue order.
func (q *pendingQueue) drain() []*pendingRequest {
	entries := q.entries
	q.entries = nil
	return entries
}

func (q *pendingQueue) len() int {
	return len(q.entries)
}
