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

// Package dispatch maps remote command names onto the automation kernel
// and turns the outcome into a reply.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/liuxd6825/tabpilot/common"
	"github.com/liuxd6825/tabpilot/errext"
	"github.com/liuxd6825/tabpilot/errext/exitcodes"
	"github.com/liuxd6825/tabpilot/log"
)

// Command is one remote request. Params is a JSON object; its keys depend
// on the command name.
type Command struct {
	Name   string          `json:"name"`
	Target common.TargetID `json:"target"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Reply is the outcome of a command. Error is empty on success.
type Reply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Fields map[string]any  `json:"fields,omitempty"`
}

// HandlerFunc runs a command against the page of its target and returns a
// JSON encodable result.
type HandlerFunc func(ctx context.Context, p *common.Page, params gjson.Result) (any, error)

// Router runs commands through a controller.
type Router struct {
	controller *common.Controller
	logger     *log.Logger
	handlers   map[string]HandlerFunc
}

// NewRouter returns a router with every page command registered.
func NewRouter(controller *common.Controller, logger *log.Logger) *Router {
	r := &Router{
		controller: controller,
		logger:     logger,
		handlers:   make(map[string]HandlerFunc),
	}
	r.Register("page.evaluate", evaluate)
	r.Register("page.waitForSelector", waitForSelector)
	r.Register("page.click", click)
	r.Register("page.type", typeText)
	r.Register("page.goto", gotoURL)
	r.Register("page.keyboard.press", keyboardPress)
	r.Register("page.keyboard.type", keyboardType)
	r.Register("page.keyboard.down", keyboardDown)
	r.Register("page.keyboard.up", keyboardUp)
	r.Register("page.mouse.click", mouseClick)
	r.Register("page.mouse.dblclick", mouseDblClick)
	r.Register("page.mouse.down", mouseDown)
	r.Register("page.mouse.up", mouseUp)
	r.Register("page.mouse.move", mouseMove)
	r.Register("page.mouse.wheel", mouseWheel)
	r.Register("page.mouse.dragAndDrop", mouseDragAndDrop)
	r.Register("page.close", r.closePage)

	return r
}

// Register adds or replaces the handler of name.
func (r *Router) Register(name string, h HandlerFunc) {
	r.handlers[name] = h
}

// Commands returns the registered command names in order.
func (r *Router) Commands() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle runs cmd and renders the outcome as a reply.
func (r *Router) Handle(ctx context.Context, cmd Command) Reply {
	res, err := r.Do(ctx, cmd)
	if err != nil {
		msg, fields := errext.Format(err)
		return Reply{Error: msg, Fields: fields}
	}
	return Reply{Result: res}
}

// Do runs cmd and returns its JSON result. Returned errors carry the exit
// code matching their kind.
func (r *Router) Do(ctx context.Context, cmd Command) (json.RawMessage, error) {
	res, err := r.do(ctx, cmd)
	if err != nil {
		r.logger.Debugf("Router:Do", "cmd:%s tid:%v err:%v", cmd.Name, cmd.Target, err)
		return nil, errext.WithExitCodeIfNone(err, exitCode(err))
	}
	return res, nil
}

func (r *Router) do(ctx context.Context, cmd Command) (json.RawMessage, error) {
	h, ok := r.handlers[cmd.Name]
	if !ok {
		return nil, errext.WithHint(
			fmt.Errorf("%w: %q", common.ErrUnknownCommand, cmd.Name),
			"see the command list for the supported names",
		)
	}
	if cmd.Target == common.BrowserTarget {
		return nil, fmt.Errorf("%s: %w: target is required", cmd.Name, common.ErrInvalidCommandParam)
	}

	raw := cmd.Params
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%s: %w: params are not valid JSON", cmd.Name, common.ErrInvalidCommandParam)
	}
	params := gjson.ParseBytes(raw)
	if !params.IsObject() {
		return nil, fmt.Errorf("%s: %w: params must be an object", cmd.Name, common.ErrInvalidCommandParam)
	}

	r.logger.Debugf("Router:do", "cmd:%s tid:%v", cmd.Name, cmd.Target)

	res, err := h(ctx, r.controller.Page(cmd.Target), params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.Name, err)
	}
	return encodeResult(res)
}

func (r *Router) closePage(ctx context.Context, p *common.Page, _ gjson.Result) (any, error) {
	return nil, r.controller.ClosePage(ctx, p.Target())
}

func encodeResult(res any) (json.RawMessage, error) {
	switch v := res.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	buf, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return buf, nil
}

func exitCode(err error) exitcodes.ExitCode {
	var (
		enf *common.ElementNotFoundError
		te  *common.TimeoutError
	)
	switch {
	case errors.Is(err, common.ErrUnknownCommand):
		return exitcodes.UnknownCommand
	case errors.Is(err, common.ErrConnectionClosed):
		return exitcodes.ConnectionFailed
	case errors.As(err, &te):
		return exitcodes.OperationTimeout
	case errors.As(err, &enf):
		return exitcodes.ElementNotFound
	case errors.Is(err, common.ErrNotClickable):
		return exitcodes.ElementNotClickable
	case errors.Is(err, common.ErrInvalidCommandParam), errors.Is(err, common.ErrUnknownMouseButton):
		return exitcodes.InvalidCommandParam
	default:
		return exitcodes.CommandFailed
	}
}
