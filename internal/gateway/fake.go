package gateway

import (
	"context"
	"sync"
)

// Fake is an in-memory Gateway for tests. It records every Apply call
// and serves Lookup from scripted or recorded state.
type Fake struct {
	mu sync.Mutex

	// NextResult is returned by Apply when set; otherwise Apply
	// succeeds with a generated reference.
	NextResult *Result
	// NextErr makes Apply fail with a transport-style error.
	NextErr error
	// LookupStatus is returned by Lookup keyed by idempotency token.
	LookupStatus map[string]*Status
	// LookupErr makes Lookup fail.
	LookupErr error

	applied []appliedCall
}

type appliedCall struct {
	Operation string
	Req       Request
}

func NewFake() *Fake {
	return &Fake{LookupStatus: make(map[string]*Status)}
}

func (f *Fake) Apply(_ context.Context, operation string, req Request) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NextErr != nil {
		return nil, f.NextErr
	}
	f.applied = append(f.applied, appliedCall{Operation: operation, Req: req})
	if f.NextResult != nil {
		res := *f.NextResult
		return &res, nil
	}
	return &Result{Success: true, GatewayReference: "gw-" + req.PaymentID}, nil
}

func (f *Fake) Lookup(_ context.Context, token string) (*Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LookupErr != nil {
		return nil, f.LookupErr
	}
	if status, ok := f.LookupStatus[token]; ok {
		out := *status
		return &out, nil
	}
	return &Status{Found: false}, nil
}

// Calls returns the number of Apply calls seen so far.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

// LastCall returns the most recent Apply operation and request.
func (f *Fake) LastCall() (string, Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.applied) == 0 {
		return "", Request{}, false
	}
	last := f.applied[len(f.applied)-1]
	return last.Operation, last.Req, true
}
