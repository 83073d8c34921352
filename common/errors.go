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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/input"
)

// devToolsServerErrorCode is the generic server error code the browser
// uses for failures that are not malformed requests.
const devToolsServerErrorCode = -32000

const staleContextMessage = "Cannot find context with specified id"

var (
	// ErrSessionConflict is returned when a session handle is used after it
	// was released, or input is sent to a target without an acquired session.
	ErrSessionConflict = errors.New("session conflict")

	// ErrStaleContext is returned when an execution context id no longer
	// exists in the target.
	ErrStaleContext = errors.New("execution context is stale")

	// ErrNotClickable is returned when none of the element boxes has an area
	// inside the viewport.
	ErrNotClickable = errors.New("element is not clickable")

	// ErrTargetClosed is returned to acquirers and handle users of a target
	// that went away.
	ErrTargetClosed = errors.New("target closed")

	// ErrArbiterClosed is returned by acquirers once the arbiter shut down.
	ErrArbiterClosed = errors.New("session arbiter closed")

	ErrUnknownKey          = errors.New("unknown key")
	ErrUnknownMouseButton  = errors.New("unsupported mouse button")
	ErrInvalidClickCount   = errors.New("click must occur a positive number of times")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrUnknownCommand      = errors.New("unknown command")
	ErrInvalidCommandParam = errors.New("invalid command parameter")
)

// ContextNotFoundError is returned when no live default execution context
// matches the requested frame selector.
type ContextNotFoundError struct {
	Selector string
}

func (e *ContextNotFoundError) Error() string {
	if e.Selector == "" {
		return "no default execution context found"
	}
	return fmt.Sprintf("no default execution context found for frame %s", e.Selector)
}

// ElementNotFoundError is returned when a selector matches nothing.
type ElementNotFoundError struct {
	Selector string
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("element %q not found", e.Selector)
}

// TimeoutError is returned when a bounded operation used up its budget.
type TimeoutError struct {
	Op     string
	Budget time.Duration
	// Err is the last error seen before the budget ran out, if any.
	Err error
}

func (e *TimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: timed out after %s: %v", e.Op, e.Budget, e.Err)
	}
	return fmt.Sprintf("%s: timed out after %s", e.Op, e.Budget)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// Fields reports the spent budget for replies and log entries.
func (e *TimeoutError) Fields() map[string]any {
	return map[string]any{
		"operation": e.Op,
		"budget":    e.Budget.String(),
	}
}

// ScriptException is returned when an evaluated function throws inside the
// target.
type ScriptException struct {
	Description string
}

func (e *ScriptException) Error() string {
	return fmt.Sprintf("script exception: %s", e.Description)
}

// MouseButtonStateError is returned when a button is pressed twice or
// released while up.
type MouseButtonStateError struct {
	Button  input.MouseButton
	Pressed bool
}

func (e *MouseButtonStateError) Error() string {
	if e.Pressed {
		return fmt.Sprintf("'%s' is already pressed.", e.Button)
	}
	return fmt.Sprintf("'%s' is not pressed.", e.Button)
}

// isStaleContextError reports whether err is the protocol error the browser
// returns for an execution context id it does not know anymore.
func isStaleContextError(err error) bool {
	var cdpe *cdproto.Error
	if !errors.As(err, &cdpe) {
		return false
	}
	return cdpe.Code == devToolsServerErrorCode && strings.Contains(cdpe.Message, staleContextMessage)
}
