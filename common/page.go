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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	cdppage "github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"

	"github.com/liuxd6825/tabpilot/common/js"
	"github.com/liuxd6825/tabpilot/keyboardlayout"
	"github.com/liuxd6825/tabpilot/log"
)

// Page bundles the per-target state of the automation kernel: the context
// registry, the input devices and the element locator. Every operation runs
// under a lease on the target's session.
type Page struct {
	target   TargetID
	arbiter  *SessionArbiter
	registry *ExecutionContextRegistry
	keyboard *Keyboard
	mouse    *Mouse
	locator  *ElementLocator
	timeouts *TimeoutSettings
	logger   *log.Logger
}

var _ EventListener = &Page{}

// NewPage returns the page of target. The main frame of a page target has
// the target's id until the first navigation reports otherwise.
func NewPage(
	target TargetID,
	arbiter *SessionArbiter,
	eval ScriptEvaluator,
	layout keyboardlayout.KeyboardLayout,
	ts *TimeoutSettings,
	logger *log.Logger,
) *Page {
	exec := arbiter.Executor(target)
	registry := NewExecutionContextRegistry(target, exec, eval, logger)
	registry.SetMainFrame(cdp.FrameID(target))
	keyboard := NewKeyboard(exec, layout, logger)
	mouse := NewMouse(exec, keyboard, ts, logger)

	return &Page{
		target:   target,
		arbiter:  arbiter,
		registry: registry,
		keyboard: keyboard,
		mouse:    mouse,
		locator:  NewElementLocator(registry, mouse, ts, logger),
		timeouts: ts,
		logger:   logger,
	}
}

// HandleEvent feeds the target's protocol events to the page's components.
func (p *Page) HandleEvent(ev Event) {
	switch data := ev.Data.(type) {
	case *cdpruntime.EventExecutionContextCreated,
		*cdpruntime.EventExecutionContextDestroyed,
		*cdpruntime.EventExecutionContextsCleared:
		p.registry.OnLifecycleEvent(data)
	case *cdppage.EventFrameNavigated:
		if data.Frame != nil && data.Frame.ParentID == "" {
			p.registry.SetMainFrame(data.Frame.ID)
		}
	case *input.EventDragIntercepted:
		p.mouse.OnDragIntercepted(data.Data)
	}
}

func (p *Page) Target() TargetID                    { return p.target }
func (p *Page) Keyboard() *Keyboard                 { return p.keyboard }
func (p *Page) Mouse() *Mouse                       { return p.mouse }
func (p *Page) Locator() *ElementLocator            { return p.locator }
func (p *Page) Registry() *ExecutionContextRegistry { return p.registry }
func (p *Page) Timeouts() *TimeoutSettings          { return p.timeouts }

// WithSession runs fn while holding a lease on the page's session.
func (p *Page) WithSession(ctx context.Context, fn func(context.Context) error) error {
	return p.arbiter.WithSession(ctx, p.target, func(ctx context.Context, _ *SessionHandle) error {
		return fn(ctx)
	})
}

// Evaluate runs the function declaration fn with args in the default
// context of the frame fs and returns its JSON result. It waits for the
// frame to have a live context first.
func (p *Page) Evaluate(ctx context.Context, fn string, fs *FrameSelector, args ...any) (easyjson.RawMessage, error) {
	var res easyjson.RawMessage
	err := p.WithSession(ctx, func(ctx context.Context) error {
		if err := p.waitReady(ctx, fs); err != nil {
			return err
		}
		var err error
		res, err = p.registry.Evaluate(ctx, fs, fn, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("evaluating in %s: %w", p.target, err)
	}
	return res, nil
}

// WaitForSelector polls until selector matches an element in the frame fs.
func (p *Page) WaitForSelector(ctx context.Context, selector string, fs *FrameSelector, opts *WaitForSelectorOptions) error {
	if opts == nil {
		opts = NewWaitForSelectorOptions()
	}
	budget, interval := p.timeouts.SelectorTimeout(), p.timeouts.SelectorInterval()
	if opts.Timeout > 0 {
		budget = time.Duration(opts.Timeout) * time.Millisecond
	}
	if opts.Interval > 0 {
		interval = time.Duration(opts.Interval) * time.Millisecond
	}

	return p.WithSession(ctx, func(ctx context.Context) error {
		op := fmt.Sprintf("waiting for selector %q", selector)
		return retry(ctx, op, budget, interval, func(ctx context.Context) (bool, error) {
			raw, err := p.registry.Evaluate(ctx, fs, js.QuerySelector, selector)
			var cnf *ContextNotFoundError
			if errors.As(err, &cnf) {
				return false, err
			}
			if err != nil {
				return true, err
			}
			var found bool
			if err := json.Unmarshal(raw, &found); err != nil || !found {
				return false, &ElementNotFoundError{Selector: selector}
			}
			return true, nil
		})
	})
}

// Type focuses the element matching selector and types text into it.
func (p *Page) Type(ctx context.Context, selector string, fs *FrameSelector, text string, opts *KeyboardOptions) error {
	return p.WithSession(ctx, func(ctx context.Context) error {
		if err := p.waitReady(ctx, fs); err != nil {
			return err
		}
		raw, err := p.registry.Evaluate(ctx, fs, js.Focus, selector)
		if err != nil {
			return fmt.Errorf("focusing %q: %w", selector, err)
		}
		var found bool
		if err := json.Unmarshal(raw, &found); err != nil || !found {
			return &ElementNotFoundError{Selector: selector}
		}
		return p.keyboard.Type(ctx, text, opts)
	})
}

// Click clicks the element matching selector.
func (p *Page) Click(ctx context.Context, selector string, fs *FrameSelector, opts *ElementClickOptions) error {
	return p.WithSession(ctx, func(ctx context.Context) error {
		if err := p.waitReady(ctx, fs); err != nil {
			return err
		}
		return p.locator.Click(ctx, selector, fs, opts)
	})
}

// Press presses a key or a combination such as "Control+A".
func (p *Page) Press(ctx context.Context, key string, opts *KeyboardOptions) error {
	return p.WithSession(ctx, func(ctx context.Context) error {
		return p.keyboard.Press(ctx, key, opts)
	})
}

// KeyboardType types text into whatever has focus.
func (p *Page) KeyboardType(ctx context.Context, text string, opts *KeyboardOptions) error {
	return p.WithSession(ctx, func(ctx context.Context) error {
		return p.keyboard.Type(ctx, text, opts)
	})
}

func (p *Page) KeyDown(ctx context.Context, key string) error {
	return p.WithSession(ctx, func(ctx context.Context) error {
		return p.keyboard.Down(ctx, key)
	})
}

func (p *Page) KeyUp(ctx context.Context, key string) error {
	return p.WithSession(ctx, func(ctx context.Context) error {
		return p.keyboard.Up(ctx, key)
	})
}

// MouseClick clicks at a viewport position.
func (p *Page) MouseClick(ctx context.Context, x, y float64, opts *MouseClickOptions) error {
	return p.WithSession(ctx, func(ctx context.Context) error {
		return p.mouse.Click(ctx, x, y, opts)
	})
}

func (p *Page) MouseMove(ctx context.Context, x, y float64, opts *MouseMoveOptions) error {
	return p.WithSession(ctx, func(ctx context.Context) error {
		return p.mouse.Move(ctx, x, y, opts)
	})
}

func (p *Page) MouseWheel(ctx context.Context, opts *MouseWheelOptions) error {
	return p.WithSession(ctx, func(ctx context.Context) error {
		return p.mouse.Wheel(ctx, opts)
	})
}

// Goto navigates the main frame to url and waits until its new document has
// a live context.
func (p *Page) Goto(ctx context.Context, url string) error {
	err := p.WithSession(ctx, func(ctx context.Context) error {
		frameID, _, errorText, err := cdppage.Navigate(url).Do(cdp.WithExecutor(ctx, p.arbiter.Executor(p.target)))
		if err != nil {
			return err
		}
		if errorText != "" {
			return errors.New(errorText)
		}
		p.registry.Reset()
		if frameID != "" {
			p.registry.SetMainFrame(frameID)
		}
		return p.waitReady(ctx, nil)
	})
	if err != nil {
		return fmt.Errorf("navigating %s to %q: %w", p.target, url, err)
	}
	return nil
}

// waitReady polls until the frame fs has a live default context. Right
// after a navigation the new document's context is not reported yet.
func (p *Page) waitReady(ctx context.Context, fs *FrameSelector) error {
	return retry(ctx, "waiting for navigation", p.timeouts.NavigationTimeout(), p.timeouts.NavigationInterval(),
		func(ctx context.Context) (bool, error) {
			_, err := p.registry.ResolveDefault(ctx, fs)
			var cnf *ContextNotFoundError
			if errors.As(err, &cnf) {
				return false, err
			}
			return true, err
		})
}
