package bridge

import (
	"context"
	"net/http"
	"sync"
)

// Decision is the outcome of an inbound CONNECT request.
type Decision struct {
	Status int
	// Header holds response headers, e.g. the negotiated "wt-protocol".
	Header map[string]string
}

// Accepted reports whether the decision establishes a session.
func (d Decision) Accepted() bool {
	return d.Status >= 200 && d.Status < 300
}

// AcceptPromise is a single-resolution future for a Decision. Continuations
// registered before resolution fire once at resolve time in registration
// order; those registered after fire immediately with the stored result.
type AcceptPromise struct {
	mu        sync.Mutex
	resolved  bool
	result    Decision
	callbacks []func(Decision)
	done      chan struct{}
}

func NewAcceptPromise() *AcceptPromise {
	return &AcceptPromise{done: make(chan struct{})}
}

// Resolve stores d and fires the pending continuations. Only the first call
// has any effect; it returns false for later calls.
func (p *AcceptPromise) Resolve(d Decision) bool {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return false
	}
	p.resolved = true
	p.result = d
	cbs := p.callbacks
	p.callbacks = nil
	close(p.done)
	p.mu.Unlock()

	for _, cb := range cbs {
		cb(d)
	}
	return true
}

// Finally registers cb to run exactly once with the result.
func (p *AcceptPromise) Finally(cb func(Decision)) {
	p.mu.Lock()
	if !p.resolved {
		p.callbacks = append(p.callbacks, cb)
		p.mu.Unlock()
		return
	}
	d := p.result
	p.mu.Unlock()
	cb(d)
}

// Result returns the decision and whether the promise is resolved.
func (p *AcceptPromise) Result() (Decision, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.resolved
}

// Done is closed at resolution.
func (p *AcceptPromise) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until resolution or ctx is done.
func (p *AcceptPromise) Wait(ctx context.Context) (Decision, error) {
	select {
	case <-p.done:
		d, _ := p.Result()
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// SessionRequest is an inbound CONNECT awaiting an accept/reject decision.
type SessionRequest struct {
	Header    map[string]string
	Path      string
	Authority string
	Origin    string
	// Protocols lists the subprotocols offered by the client in preference order.
	Protocols []string

	promise *AcceptPromise
}

// Promise returns the decision future.
func (r *SessionRequest) Promise() *AcceptPromise {
	return r.promise
}

// Accept resolves with 200, optionally selecting one of the offered subprotocols.
func (r *SessionRequest) Accept(subprotocol string) bool {
	d := Decision{Status: http.StatusOK}
	if subprotocol != "" {
		d.Header = map[string]string{"wt-protocol": subprotocol}
	}
	return r.promise.Resolve(d)
}

// Reject resolves with status.
func (r *SessionRequest) Reject(status int) bool {
	return r.promise.Resolve(Decision{Status: status})
}
