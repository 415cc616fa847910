package stream

import (
	"context"
	"errors"
)

// ErrClosed is returned by a Prefetcher after Close.
var ErrClosed = errors.New("stream: prefetcher closed")

type result struct {
	batch Batch
	err   error
}

// Prefetcher reads ahead from a Source on a background goroutine. The
// wrapped Source is only touched by that goroutine until Close returns.
type Prefetcher struct {
	ch     chan result
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Prefetch starts reading up to depth batches ahead of the caller.
func Prefetch(ctx context.Context, src Source, depth int) *Prefetcher {
	if depth <= 0 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Prefetcher{
		ch:     make(chan result, depth),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(ctx, src)
	return p
}

func (p *Prefetcher) run(ctx context.Context, src Source) {
	defer close(p.done)
	defer close(p.ch)

	for {
		b, err := src.Next(ctx)
		select {
		case p.ch <- result{batch: b, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Next returns the next prefetched batch. Once the source fails, the same
// error is returned on every call.
func (p *Prefetcher) Next(ctx context.Context) (Batch, error) {
	if p.err != nil {
		return Batch{}, p.err
	}
	select {
	case r, ok := <-p.ch:
		if !ok {
			p.err = ErrClosed
			return Batch{}, p.err
		}
		if r.err != nil {
			p.err = r.err
		}
		return r.batch, r.err
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	}
}

// Close stops the background reader and waits for it to exit.
func (p *Prefetcher) Close() error {
	p.cancel()
	<-p.done
	return nil
}
