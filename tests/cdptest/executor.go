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

// Package cdptest provides a scriptable in-memory protocol executor.
package cdptest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/mailru/easyjson"
)

// Call is one command received by the Executor.
type Call struct {
	Method string
	Params json.RawMessage
}

// Decode unmarshals the call parameters into v.
func (c Call) Decode(v any) error {
	return json.Unmarshal(c.Params, v)
}

// Handler produces the result of a command. A nil result leaves the
// response empty; an error is returned to the caller as is.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

var _ cdp.Executor = &Executor{}

// Executor records every command it executes and answers them with the
// registered handlers. Commands without a handler succeed with an empty
// result.
type Executor struct {
	mu       sync.Mutex
	calls    []Call
	handlers map[string]Handler
}

// NewExecutor returns an executor without handlers.
func NewExecutor() *Executor {
	return &Executor{handlers: make(map[string]Handler)}
}

// Handle registers h for method.
func (e *Executor) Handle(method string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[method] = h
}

// Execute implements cdp.Executor.
func (e *Executor) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	var raw json.RawMessage
	if params != nil {
		buf, err := easyjson.Marshal(params)
		if err != nil {
			return fmt.Errorf("cdptest: marshaling %s params: %w", method, err)
		}
		raw = buf
	}

	e.mu.Lock()
	e.calls = append(e.calls, Call{Method: method, Params: raw})
	h := e.handlers[method]
	e.mu.Unlock()

	if h == nil {
		return nil
	}
	out, err := h(ctx, raw)
	if err != nil {
		return err
	}
	if out == nil || res == nil {
		return nil
	}
	buf, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("cdptest: marshaling %s result: %w", method, err)
	}
	return easyjson.Unmarshal(buf, res)
}

// Calls returns the recorded calls, restricted to the given methods when any
// are passed.
func (e *Executor) Calls(methods ...string) []Call {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(methods) == 0 {
		return append([]Call(nil), e.calls...)
	}
	want := make(map[string]bool, len(methods))
	for _, m := range methods {
		want[m] = true
	}
	var out []Call
	for _, c := range e.calls {
		if want[c.Method] {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets the recorded calls.
func (e *Executor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}
