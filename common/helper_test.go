package common

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	cdpruntime "github.com/chromedp/cdproto/runtime"

	"github.com/liuxd6825/tabpilot/tests/cdptest"
)

// fakeTransport counts attaches and closes per target and can hold either
// operation until a gate is closed.
type fakeTransport struct {
	mu          sync.Mutex
	attaches    map[TargetID]int
	closes      map[TargetID]int
	open        map[TargetID]bool
	maxOpen     int
	attachErr   map[TargetID]error
	attachGate  map[TargetID]chan struct{}
	closeGate   chan struct{}
	closeErr    error
	execs       map[TargetID]*cdptest.Executor
	attachStart chan TargetID
	closeStart  chan TargetID
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		attaches:    make(map[TargetID]int),
		closes:      make(map[TargetID]int),
		open:        make(map[TargetID]bool),
		attachErr:   make(map[TargetID]error),
		attachGate:  make(map[TargetID]chan struct{}),
		execs:       make(map[TargetID]*cdptest.Executor),
		attachStart: make(chan TargetID, 128),
		closeStart:  make(chan TargetID, 128),
	}
}

func (f *fakeTransport) AttachSession(ctx context.Context, target TargetID) (cdp.Executor, error) {
	f.mu.Lock()
	f.attaches[target]++
	gate := f.attachGate[target]
	f.mu.Unlock()

	notify(f.attachStart, target)
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.attachErr[target]; err != nil {
		return nil, err
	}
	f.open[target] = true
	if n := len(f.open); n > f.maxOpen {
		f.maxOpen = n
	}
	return f.executorLocked(target), nil
}

func (f *fakeTransport) CloseSession(ctx context.Context, target TargetID) error {
	notify(f.closeStart, target)
	f.mu.Lock()
	gate := f.closeGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.closes[target]++
	delete(f.open, target)
	return f.closeErr
}

func (f *fakeTransport) executor(target TargetID) *cdptest.Executor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executorLocked(target)
}

func (f *fakeTransport) executorLocked(target TargetID) *cdptest.Executor {
	e, ok := f.execs[target]
	if !ok {
		e = cdptest.NewExecutor()
		f.execs[target] = e
	}
	return e
}

func (f *fakeTransport) counts(target TargetID) (attaches, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attaches[target], f.closes[target]
}

func (f *fakeTransport) gateAttach(target TargetID) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.attachGate[target] = ch
	return ch
}

func (f *fakeTransport) failAttach(target TargetID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachErr[target] = err
}

func notify(ch chan TargetID, target TargetID) {
	select {
	case ch <- target:
	default:
	}
}

// queued returns the number of queued acquirers of target.
func queued(a *SessionArbiter, target TargetID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.queue {
		if e.target == target {
			return len(e.waiters)
		}
	}
	return 0
}

type acquireResult struct {
	h   *SessionHandle
	err error
}

func acquireAsync(ctx context.Context, a *SessionArbiter, target TargetID) <-chan acquireResult {
	ch := make(chan acquireResult, 1)
	go func() {
		h, err := a.Acquire(ctx, target)
		ch <- acquireResult{h, err}
	}()
	return ch
}

// scriptWorld answers Runtime.callFunctionOn for a set of fake execution
// contexts. Liveness checks and frame identity queries are answered from the
// context description; everything else goes to onCall.
type scriptWorld struct {
	mu       sync.Mutex
	contexts map[cdpruntime.ExecutionContextID]*fakeContext
	onCall   func(ctx context.Context, id cdpruntime.ExecutionContextID, fn string, args []json.RawMessage) (any, error)
	calls    []scriptCall
}

type fakeContext struct {
	dead bool
	name string
	url  string
}

type scriptCall struct {
	ContextID cdpruntime.ExecutionContextID
	Fn        string
	Args      []json.RawMessage
}

// thrown makes the fake world report a script exception.
type thrown string

func newScriptWorld(exec *cdptest.Executor) *scriptWorld {
	w := &scriptWorld{contexts: make(map[cdpruntime.ExecutionContextID]*fakeContext)}
	exec.Handle(cdpruntime.CommandCallFunctionOn, w.handle)
	return w
}

func (w *scriptWorld) setContext(id cdpruntime.ExecutionContextID, c *fakeContext) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.contexts[id] = c
}

func (w *scriptWorld) callsOf(fn string) []scriptCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []scriptCall
	for _, c := range w.calls {
		if c.Fn == fn {
			out = append(out, c)
		}
	}
	return out
}

func (w *scriptWorld) handle(ctx context.Context, params json.RawMessage) (any, error) {
	var p cdpruntime.CallFunctionOnParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	fn, _, _ := strings.Cut(p.FunctionDeclaration, "\n//# sourceURL=")
	args := make([]json.RawMessage, 0, len(p.Arguments))
	for _, a := range p.Arguments {
		args = append(args, json.RawMessage(a.Value))
	}

	w.mu.Lock()
	w.calls = append(w.calls, scriptCall{ContextID: p.ExecutionContextID, Fn: fn, Args: args})
	c, ok := w.contexts[p.ExecutionContextID]
	onCall := w.onCall
	w.mu.Unlock()

	if !ok || c.dead {
		return nil, &cdproto.Error{Code: devToolsServerErrorCode, Message: staleContextMessage}
	}

	var (
		v   any
		err error
	)
	switch {
	case fn == livenessFn:
		return &cdpruntime.CallFunctionOnReturns{Result: &cdpruntime.RemoteObject{Type: cdpruntime.TypeUndefined}}, nil
	case fn == frameIdentityFn:
		v = map[string]string{"name": c.name, "url": c.url}
	case onCall != nil:
		v, err = onCall(ctx, p.ExecutionContextID, fn, args)
	}
	if err != nil {
		return nil, err
	}
	if desc, ok := v.(thrown); ok {
		return &cdpruntime.CallFunctionOnReturns{
			Result: &cdpruntime.RemoteObject{Type: cdpruntime.TypeObject},
			ExceptionDetails: &cdpruntime.ExceptionDetails{
				Text:      "Uncaught",
				Exception: &cdpruntime.RemoteObject{Type: cdpruntime.TypeObject, Description: string(desc)},
			},
		}, nil
	}
	if v == nil {
		return &cdpruntime.CallFunctionOnReturns{Result: &cdpruntime.RemoteObject{Type: cdpruntime.TypeUndefined}}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &cdpruntime.CallFunctionOnReturns{Result: &cdpruntime.RemoteObject{Type: cdpruntime.TypeObject, Value: raw}}, nil
}

func contextCreated(id cdpruntime.ExecutionContextID, frameID string, isDefault bool) *cdpruntime.EventExecutionContextCreated {
	aux := fmt.Sprintf(`{"isDefault":%t,"type":"default","frameId":%q}`, isDefault, frameID)
	return &cdpruntime.EventExecutionContextCreated{
		Context: &cdpruntime.ExecutionContextDescription{
			ID:       id,
			UniqueID: fmt.Sprintf("unique-%d", id),
			Origin:   "https://example.com",
			AuxData:  []byte(aux),
		},
	}
}
