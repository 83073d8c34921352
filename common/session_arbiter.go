/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/google/uuid"
	"github.com/mailru/easyjson"

	"github.com/liuxd6825/tabpilot/log"
)

// attachRecord is the in-flight open of a target's session. Every acquirer
// of the target waits on the same record; done is closed exactly once,
// after exec and err are set.
type attachRecord struct {
	target TargetID
	done   chan struct{}
	exec   cdp.Executor
	err    error
}

// sessionSlot is the single open session of the process.
type sessionSlot struct {
	target  TargetID
	attach  *attachRecord
	holders map[string]*SessionHandle
	opened  bool
	closing bool
	evicted bool
}

type waiter struct {
	ready  chan struct{}
	handle *SessionHandle
	err    error
}

// waitEntry groups every queued acquirer of one target. The entry is granted
// as a whole when it reaches the head of the queue.
type waitEntry struct {
	target  TargetID
	waiters []*waiter
}

// SessionHandle is a lease on the open session of a target. It is valid
// from the moment Acquire returns it until it is released.
type SessionHandle struct {
	id       string
	target   TargetID
	slot     *sessionSlot
	arbiter  *SessionArbiter
	released bool
}

var _ cdp.Executor = &SessionHandle{}

// ID returns the unique acquisition id of the handle.
func (h *SessionHandle) ID() string { return h.id }

// Target returns the target the handle was acquired for.
func (h *SessionHandle) Target() TargetID { return h.target }

// Execute sends a command through the leased session.
func (h *SessionHandle) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	exec, err := h.arbiter.handleExecutor(h)
	if err != nil {
		return err
	}
	return exec.Execute(ctx, method, params, res)
}

// SessionArbiter hands out leases on the one debugging session the host
// allows at a time. Acquirers of the target whose session is open share it;
// acquirers of other targets queue in FIFO order of their target's first
// waiter.
type SessionArbiter struct {
	ctx       context.Context
	transport Transport
	logger    *log.Logger

	mu     sync.Mutex
	slot   *sessionSlot
	queue  []*waitEntry
	closed bool
}

// NewSessionArbiter returns an arbiter opening sessions through transport.
// Session opens and closes run under ctx, not under the context of the
// acquirer that triggered them, since their result is shared.
func NewSessionArbiter(ctx context.Context, transport Transport, logger *log.Logger) *SessionArbiter {
	return &SessionArbiter{
		ctx:       ctx,
		transport: transport,
		logger:    logger,
	}
}

// Acquire returns a lease on the session of target, opening it if needed
// and waiting for the slot when another target holds it.
func (a *SessionArbiter) Acquire(ctx context.Context, target TargetID) (*SessionHandle, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrArbiterClosed
	}

	switch s := a.slot; {
	case s == nil:
		h := a.openSlotLocked(target)
		a.mu.Unlock()
		a.logger.Debugf("SessionArbiter:Acquire", "tid:%s hid:%s opening", target, h.id)
		return a.awaitOpen(ctx, h)
	case s.target == target && !s.closing:
		h := a.newHandleLocked(s)
		a.mu.Unlock()
		a.logger.Debugf("SessionArbiter:Acquire", "tid:%s hid:%s sharing holders:%d", target, h.id, len(s.holders))
		return a.awaitOpen(ctx, h)
	}

	w := a.enqueueLocked(target)
	holder := a.slot.target
	a.mu.Unlock()
	a.logger.Debugf("SessionArbiter:Acquire", "tid:%s queued behind tid:%s", target, holder)

	select {
	case <-w.ready:
	case <-ctx.Done():
		if h := a.abandon(target, w); h != nil {
			_ = a.Release(h)
		}
		return nil, fmt.Errorf("acquiring session for target %s: %w", target, ctx.Err())
	}
	if w.err != nil {
		return nil, w.err
	}
	return a.awaitOpen(ctx, w.handle)
}

// Release returns the lease. Releasing the last lease of an open session
// closes it and promotes the next queued target.
func (a *SessionArbiter) Release(h *SessionHandle) error {
	a.mu.Lock()
	if h.released {
		a.mu.Unlock()
		return fmt.Errorf("releasing handle %s of target %s: %w", h.id, h.target, ErrSessionConflict)
	}
	h.released = true

	s := h.slot
	if a.slot != s {
		// evicted, failed to open or torn down already
		a.mu.Unlock()
		return nil
	}
	delete(s.holders, h.id)
	if len(s.holders) > 0 || !s.opened {
		// the open goroutine closes the slot once the attach settles
		a.mu.Unlock()
		return nil
	}
	s.closing = true
	a.mu.Unlock()

	a.closeSlot(s)
	return nil
}

// ForceEvictTarget forgets everything about a target that went away: its
// queued acquirers fail with ErrTargetClosed and, if it holds the slot, the
// slot is cleared without closing the session and the next target is
// promoted.
func (a *SessionArbiter) ForceEvictTarget(target TargetID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < len(a.queue); i++ {
		e := a.queue[i]
		if e.target != target {
			continue
		}
		a.queue = append(a.queue[:i], a.queue[i+1:]...)
		for _, w := range e.waiters {
			w.err = fmt.Errorf("acquiring session for target %s: %w", target, ErrTargetClosed)
			close(w.ready)
		}
		i--
	}

	s := a.slot
	if s == nil || s.target != target {
		return
	}
	a.logger.Debugf("SessionArbiter:ForceEvictTarget", "tid:%s holders:%d", target, len(s.holders))
	s.evicted = true
	a.slot = nil
	a.promoteLocked()
}

// WithSession runs fn while holding a lease on target's session.
func (a *SessionArbiter) WithSession(
	ctx context.Context, target TargetID, fn func(context.Context, *SessionHandle) error,
) (err error) {
	h, err := a.Acquire(ctx, target)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := a.Release(h); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	return fn(ctx, h)
}

// Executor returns an executor that sends commands through the session of
// target, as long as some lease on it is held. It lets per-target
// components issue commands without carrying a handle.
func (a *SessionArbiter) Executor(target TargetID) cdp.Executor {
	return &targetExecutor{arbiter: a, target: target}
}

// Holder returns the target owning the slot and the number of leases on it.
func (a *SessionArbiter) Holder() (TargetID, int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.slot == nil {
		return "", 0, false
	}
	return a.slot.target, len(a.slot.holders), true
}

// Close fails every queued acquirer and closes the open session, if any.
// Later acquirers get ErrArbiterClosed.
func (a *SessionArbiter) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	for _, e := range a.queue {
		for _, w := range e.waiters {
			w.err = ErrArbiterClosed
			close(w.ready)
		}
	}
	a.queue = nil
	s := a.slot
	a.slot = nil
	a.mu.Unlock()

	if s == nil || !s.opened || s.evicted {
		return nil
	}
	if err := a.transport.CloseSession(ctx, s.target); err != nil {
		return fmt.Errorf("closing session of target %s: %w", s.target, err)
	}
	return nil
}

func (a *SessionArbiter) openSlotLocked(target TargetID) *SessionHandle {
	s := &sessionSlot{
		target:  target,
		attach:  &attachRecord{target: target, done: make(chan struct{})},
		holders: make(map[string]*SessionHandle),
	}
	a.slot = s
	h := a.newHandleLocked(s)
	go a.open(s)
	return h
}

func (a *SessionArbiter) newHandleLocked(s *sessionSlot) *SessionHandle {
	h := &SessionHandle{
		id:      uuid.NewString(),
		target:  s.target,
		slot:    s,
		arbiter: a,
	}
	s.holders[h.id] = h
	return h
}

func (a *SessionArbiter) enqueueLocked(target TargetID) *waiter {
	w := &waiter{ready: make(chan struct{})}
	for _, e := range a.queue {
		if e.target == target {
			e.waiters = append(e.waiters, w)
			return w
		}
	}
	a.queue = append(a.queue, &waitEntry{target: target, waiters: []*waiter{w}})
	return w
}

// abandon removes a waiter whose context ended. If the waiter was granted
// in the meantime its handle is returned so the caller can release it.
func (a *SessionArbiter) abandon(target TargetID, w *waiter) *SessionHandle {
	a.mu.Lock()
	defer a.mu.Unlock()

	select {
	case <-w.ready:
		return w.handle
	default:
	}
	for i, e := range a.queue {
		if e.target != target {
			continue
		}
		for j, ww := range e.waiters {
			if ww == w {
				e.waiters = append(e.waiters[:j], e.waiters[j+1:]...)
				break
			}
		}
		if len(e.waiters) == 0 {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
		}
		break
	}
	return nil
}

// promoteLocked hands the empty slot to the first queued target, granting
// every waiter of that target a handle on the new session.
func (a *SessionArbiter) promoteLocked() {
	if a.slot != nil || a.closed {
		return
	}
	for len(a.queue) > 0 {
		e := a.queue[0]
		a.queue = a.queue[1:]
		if len(e.waiters) == 0 {
			continue
		}
		a.logger.Debugf("SessionArbiter:promote", "tid:%s waiters:%d", e.target, len(e.waiters))
		h := a.openSlotLocked(e.target)
		e.waiters[0].handle = h
		for _, w := range e.waiters[1:] {
			w.handle = a.newHandleLocked(a.slot)
		}
		for _, w := range e.waiters {
			close(w.ready)
		}
		return
	}
}

func (a *SessionArbiter) awaitOpen(ctx context.Context, h *SessionHandle) (*SessionHandle, error) {
	rec := h.slot.attach
	select {
	case <-rec.done:
	case <-ctx.Done():
		_ = a.Release(h)
		return nil, fmt.Errorf("acquiring session for target %s: %w", h.target, ctx.Err())
	}
	if rec.err != nil {
		return nil, rec.err
	}
	return h, nil
}

// open attaches the session of s and settles its record. A failed attach
// frees the slot for the next target.
func (a *SessionArbiter) open(s *sessionSlot) {
	exec, err := a.transport.AttachSession(a.ctx, s.target)
	attached := err == nil

	a.mu.Lock()
	switch {
	case s.evicted:
		err = fmt.Errorf("opening session for target %s: %w", s.target, ErrTargetClosed)
	case a.closed:
		err = fmt.Errorf("opening session for target %s: %w", s.target, ErrArbiterClosed)
	case err != nil:
		err = fmt.Errorf("opening session for target %s: %w", s.target, err)
	}
	rec := s.attach
	rec.exec, rec.err = exec, err
	close(rec.done)

	if s.evicted {
		a.mu.Unlock()
		return
	}
	if !attached {
		a.logger.Debugf("SessionArbiter:open", "tid:%s err:%v", s.target, err)
		if a.slot == s {
			a.slot = nil
			a.promoteLocked()
		}
		a.mu.Unlock()
		return
	}
	s.opened = true
	if err == nil && len(s.holders) > 0 {
		a.mu.Unlock()
		return
	}
	// every acquirer left while the attach was in flight, or the arbiter
	// was closed meanwhile
	s.closing = true
	a.mu.Unlock()

	a.closeSlot(s)
}

func (a *SessionArbiter) closeSlot(s *sessionSlot) {
	a.logger.Debugf("SessionArbiter:close", "tid:%s", s.target)
	if err := a.transport.CloseSession(a.ctx, s.target); err != nil {
		a.logger.Warnf("SessionArbiter:close", "tid:%s closing session: %v", s.target, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.slot == s {
		a.slot = nil
		a.promoteLocked()
	}
}

func (a *SessionArbiter) handleExecutor(h *SessionHandle) (cdp.Executor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case h.released:
		return nil, fmt.Errorf("using released handle %s of target %s: %w", h.id, h.target, ErrSessionConflict)
	case h.slot.evicted:
		return nil, fmt.Errorf("using handle %s: %w", h.id, ErrTargetClosed)
	case !h.slot.opened:
		return nil, fmt.Errorf("using handle %s before its session opened: %w", h.id, ErrSessionConflict)
	}
	return h.slot.attach.exec, nil
}

type targetExecutor struct {
	arbiter *SessionArbiter
	target  TargetID
}

func (e *targetExecutor) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	a := e.arbiter
	a.mu.Lock()
	s := a.slot
	if s == nil || s.target != e.target || !s.opened || s.closing || len(s.holders) == 0 {
		a.mu.Unlock()
		return fmt.Errorf("sending %s to target %s without an acquired session: %w", method, e.target, ErrSessionConflict)
	}
	exec := s.attach.exec
	a.mu.Unlock()

	return exec.Execute(ctx, method, params, res)
}
