package certbot

import (
	"context"
	"sync"
)

// Outcome is the single-resolution future handed back by Submit. The first
// completion or failure wins; late events after terminal resolution are
// dropped.
type Outcome struct {
	once  sync.Once
	done  chan struct{}
	chain []byte
	err   error
}

func newOutcome() *Outcome {
	return &Outcome{done: make(chan struct{})}
}

func (o *Outcome) resolve(chain []byte, err error) {
	o.once.Do(func() {
		o.chain = chain
		o.err = err
		close(o.done)
	})
}

// Done is closed once the outcome is resolved.
func (o *Outcome) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the process resolves or the caller's deadline expires.
// Expiry does not cancel the server-side order; the process keeps running
// and other holders of this handle can still observe its result.
func (o *Outcome) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-o.done:
		return o.chain, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the resolved value without blocking. ok is false while the
// process is still in flight.
func (o *Outcome) Result() (chain []byte, err error, ok bool) {
	select {
	case <-o.done:
		return o.chain, o.err, true
	default:
		return nil, nil, false
	}
}
