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
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"golang.org/x/sync/errgroup"

	"github.com/liuxd6825/tabpilot/log"
)

// buttonBits maps the mouse buttons to their bit in the protocol's
// buttons field.
//
//nolint:gochecknoglobals
var buttonBits = map[input.MouseButton]int64{
	input.Left:    1,
	input.Right:   2,
	input.Middle:  4,
	input.Back:    8,
	input.Forward: 16,
}

// buttonOrder is the order in which a pressed button is reported when
// more than one is held.
//
//nolint:gochecknoglobals
var buttonOrder = []input.MouseButton{input.Left, input.Right, input.Middle, input.Back, input.Forward}

type mouseState struct {
	pos     Position
	buttons int64
}

// mouseTx is a pending change to the mouse state. It is visible to every
// operation started while it is pending and merged into the committed state
// only when its dispatch succeeded.
type mouseTx struct {
	pos     *Position
	press   int64
	release int64
}

func (tx *mouseTx) apply(s mouseState) mouseState {
	if tx.pos != nil {
		s.pos = *tx.pos
	}
	s.buttons = (s.buttons | tx.press) &^ tx.release
	return s
}

// Mouse synthesizes mouse and drag events for one target.
type Mouse struct {
	session  cdp.Executor
	keyboard *Keyboard
	timeouts *TimeoutSettings
	logger   *log.Logger

	// sleep pauses between the steps of a gesture.
	sleep func(context.Context, time.Duration) error

	mu        sync.Mutex
	committed mouseState
	pending   []*mouseTx
	dragWait  chan *input.DragData
}

// NewMouse returns a mouse at the origin with no button pressed. Modifiers
// are taken from keyboard.
func NewMouse(s cdp.Executor, keyboard *Keyboard, ts *TimeoutSettings, logger *log.Logger) *Mouse {
	return &Mouse{
		session:  s,
		keyboard: keyboard,
		timeouts: ts,
		logger:   logger,
		sleep:    wait,
	}
}

// Position returns the pointer position including pending moves.
func (m *Mouse) Position() Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked().pos
}

// Buttons returns the bit set of the pressed buttons including pending
// presses and releases.
func (m *Mouse) Buttons() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked().buttons
}

// Move moves the pointer to x, y in opts.Steps equal steps.
func (m *Mouse) Move(ctx context.Context, x, y float64, opts *MouseMoveOptions) error {
	if opts == nil {
		opts = NewMouseMoveOptions()
	}
	if err := m.move(ctx, x, y, opts.Steps); err != nil {
		return fmt.Errorf("moving mouse to %g,%g: %w", x, y, err)
	}
	return nil
}

// Down presses a button at the current position.
func (m *Mouse) Down(ctx context.Context, opts *MouseDownUpOptions) error {
	if opts == nil {
		opts = NewMouseDownUpOptions()
	}
	if err := m.down(ctx, opts.Button, opts.ClickCount); err != nil {
		return fmt.Errorf("pressing mouse button: %w", err)
	}
	return nil
}

// Up releases a button at the current position.
func (m *Mouse) Up(ctx context.Context, opts *MouseDownUpOptions) error {
	if opts == nil {
		opts = NewMouseDownUpOptions()
	}
	if err := m.up(ctx, opts.Button, opts.ClickCount); err != nil {
		return fmt.Errorf("releasing mouse button: %w", err)
	}
	return nil
}

// Click moves to x, y and clicks opts.ClickCount times. The button is
// released before Click returns, also when the delay between the last down
// and up is interrupted.
func (m *Mouse) Click(ctx context.Context, x, y float64, opts *MouseClickOptions) error {
	if opts == nil {
		opts = NewMouseClickOptions()
	}
	if err := m.click(ctx, x, y, opts); err != nil {
		return fmt.Errorf("clicking at %g,%g: %w", x, y, err)
	}
	return nil
}

// DblClick clicks twice at x, y.
func (m *Mouse) DblClick(ctx context.Context, x, y float64, opts *MouseDblClickOptions) error {
	if opts == nil {
		opts = NewMouseDblClickOptions()
	}
	if err := m.click(ctx, x, y, opts.ToMouseClickOptions()); err != nil {
		return fmt.Errorf("double clicking at %g,%g: %w", x, y, err)
	}
	return nil
}

// Wheel scrolls by the deltas at the current position.
func (m *Mouse) Wheel(ctx context.Context, opts *MouseWheelOptions) error {
	if opts == nil {
		opts = NewMouseWheelOptions()
	}
	err := m.transact(ctx, func(s mouseState) (*mouseTx, *input.DispatchMouseEventParams, error) {
		ev := input.DispatchMouseEvent(input.MouseWheel, s.pos.X, s.pos.Y).
			WithButtons(s.buttons).
			WithPointerType(input.Mouse).
			WithDeltaX(opts.DeltaX).
			WithDeltaY(opts.DeltaY)
		return &mouseTx{}, ev, nil
	})
	if err != nil {
		return fmt.Errorf("scrolling mouse wheel: %w", err)
	}
	return nil
}

// Reset releases every pressed button and moves the pointer back to the
// origin.
func (m *Mouse) Reset(ctx context.Context) error {
	m.mu.Lock()
	s := m.stateLocked()
	m.mu.Unlock()

	m.logger.Debugf("Mouse:Reset", "pos:%s buttons:%d", s.pos, s.buttons)

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range buttonOrder {
		if s.buttons&buttonBits[b] == 0 {
			continue
		}
		g.Go(func() error { return m.up(gctx, b, 1) })
	}
	if s.pos != (Position{}) {
		g.Go(func() error { return m.move(gctx, 0, 0, 1) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("resetting mouse: %w", err)
	}
	return nil
}

// Drag presses the left button at start and moves to target with drag
// interception enabled. It returns the drag data the browser reports for
// the gesture, to be passed to DragEnter, DragOver and Drop.
func (m *Mouse) Drag(ctx context.Context, start, target Position) (*input.DragData, error) {
	data, err := m.drag(ctx, start, target)
	if err != nil {
		return nil, fmt.Errorf("dragging from %s to %s: %w", start, target, err)
	}
	return data, nil
}

// DragEnter dispatches a drag enter event at pos.
func (m *Mouse) DragEnter(ctx context.Context, pos Position, data *input.DragData) error {
	return m.dispatchDrag(ctx, input.DragEnter, pos, data)
}

// DragOver dispatches a drag over event at pos.
func (m *Mouse) DragOver(ctx context.Context, pos Position, data *input.DragData) error {
	return m.dispatchDrag(ctx, input.DragOver, pos, data)
}

// Drop dispatches a drop event at pos.
func (m *Mouse) Drop(ctx context.Context, pos Position, data *input.DragData) error {
	return m.dispatchDrag(ctx, input.Drop, pos, data)
}

// DragAndDrop drags from start, drops at target and releases the left
// button.
func (m *Mouse) DragAndDrop(ctx context.Context, start, target Position, opts *MouseDragAndDropOptions) error {
	if opts == nil {
		opts = NewMouseDragAndDropOptions()
	}
	if err := m.dragAndDrop(ctx, start, target, opts); err != nil {
		return fmt.Errorf("dragging and dropping from %s to %s: %w", start, target, err)
	}
	return nil
}

// OnDragIntercepted delivers the data of an intercepted drag to a pending
// Drag call.
func (m *Mouse) OnDragIntercepted(data *input.DragData) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dragWait == nil {
		m.logger.Debugf("Mouse:OnDragIntercepted", "no drag in progress")
		return
	}
	select {
	case m.dragWait <- data:
	default:
	}
}

func (m *Mouse) move(ctx context.Context, x, y float64, steps int64) error {
	if steps < 1 {
		steps = 1
	}
	m.mu.Lock()
	from := m.stateLocked().pos
	m.mu.Unlock()

	for i := int64(1); i <= steps; i++ {
		ratio := float64(i) / float64(steps)
		to := Position{
			X: from.X + (x-from.X)*ratio,
			Y: from.Y + (y-from.Y)*ratio,
		}
		err := m.transact(ctx, func(s mouseState) (*mouseTx, *input.DispatchMouseEventParams, error) {
			ev := input.DispatchMouseEvent(input.MouseMoved, to.X, to.Y).
				WithButton(pressedButton(s.buttons)).
				WithButtons(s.buttons)
			return &mouseTx{pos: &to}, ev, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Mouse) down(ctx context.Context, button input.MouseButton, clickCount int64) error {
	bit, ok := buttonBits[button]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMouseButton, button)
	}
	return m.transact(ctx, func(s mouseState) (*mouseTx, *input.DispatchMouseEventParams, error) {
		if s.buttons&bit != 0 {
			return nil, nil, &MouseButtonStateError{Button: button, Pressed: true}
		}
		ev := input.DispatchMouseEvent(input.MousePressed, s.pos.X, s.pos.Y).
			WithButton(button).
			WithButtons(s.buttons | bit).
			WithClickCount(clickCount)
		return &mouseTx{press: bit}, ev, nil
	})
}

func (m *Mouse) up(ctx context.Context, button input.MouseButton, clickCount int64) error {
	bit, ok := buttonBits[button]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMouseButton, button)
	}
	return m.transact(ctx, func(s mouseState) (*mouseTx, *input.DispatchMouseEventParams, error) {
		if s.buttons&bit == 0 {
			return nil, nil, &MouseButtonStateError{Button: button, Pressed: false}
		}
		ev := input.DispatchMouseEvent(input.MouseReleased, s.pos.X, s.pos.Y).
			WithButton(button).
			WithButtons(s.buttons &^ bit).
			WithClickCount(clickCount)
		return &mouseTx{release: bit}, ev, nil
	})
}

func (m *Mouse) click(ctx context.Context, x, y float64, opts *MouseClickOptions) error {
	if opts.ClickCount < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidClickCount, opts.ClickCount)
	}
	m.logger.Debugf("Mouse:click", "x:%g y:%g button:%s count:%d", x, y, opts.Button, opts.ClickCount)

	if err := m.move(ctx, x, y, 1); err != nil {
		return err
	}
	for i := int64(1); i < opts.ClickCount; i++ {
		if err := m.down(ctx, opts.Button, i); err != nil {
			return err
		}
		if err := m.up(ctx, opts.Button, i); err != nil {
			return err
		}
	}
	if err := m.down(ctx, opts.Button, opts.ClickCount); err != nil {
		return err
	}
	if opts.Delay.Valid && opts.Delay.Int64 > 0 {
		if err := m.sleep(ctx, time.Duration(opts.Delay.Int64)*time.Millisecond); err != nil {
			upErr := m.up(context.WithoutCancel(ctx), opts.Button, opts.ClickCount)
			return errors.Join(err, upErr)
		}
	}
	return m.up(ctx, opts.Button, opts.ClickCount)
}

func (m *Mouse) drag(ctx context.Context, start, target Position) (*input.DragData, error) {
	dataCh := make(chan *input.DragData, 1)
	m.mu.Lock()
	if m.dragWait != nil {
		m.mu.Unlock()
		return nil, errors.New("another drag is in progress")
	}
	m.dragWait = dataCh
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.dragWait = nil
		m.mu.Unlock()
	}()

	cctx := cdp.WithExecutor(ctx, m.session)
	if err := input.SetInterceptDrags(true).Do(cctx); err != nil {
		return nil, fmt.Errorf("enabling drag interception: %w", err)
	}
	defer func() {
		if err := input.SetInterceptDrags(false).Do(cdp.WithExecutor(context.WithoutCancel(ctx), m.session)); err != nil {
			m.logger.Debugf("Mouse:drag", "disabling drag interception: %v", err)
		}
	}()

	if err := m.move(ctx, start.X, start.Y, 1); err != nil {
		return nil, err
	}
	if err := m.down(ctx, input.Left, 1); err != nil {
		return nil, err
	}
	if err := m.move(ctx, target.X, target.Y, 1); err != nil {
		return nil, m.abortDrag(ctx, err)
	}

	budget := m.timeouts.Timeout()
	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case data := <-dataCh:
		return data, nil
	case <-timer.C:
		return nil, m.abortDrag(ctx, &TimeoutError{Op: "waiting for drag data", Budget: budget})
	case <-ctx.Done():
		return nil, m.abortDrag(ctx, ctx.Err())
	}
}

// abortDrag releases the left button after a failed drag.
func (m *Mouse) abortDrag(ctx context.Context, err error) error {
	if upErr := m.up(context.WithoutCancel(ctx), input.Left, 1); upErr != nil {
		return errors.Join(err, upErr)
	}
	return err
}

func (m *Mouse) dragAndDrop(ctx context.Context, start, target Position, opts *MouseDragAndDropOptions) error {
	data, err := m.drag(ctx, start, target)
	if err != nil {
		return err
	}
	steps := []func() error{
		func() error { return m.DragEnter(ctx, target, data) },
		func() error { return m.DragOver(ctx, target, data) },
		func() error {
			if !opts.Delay.Valid {
				return nil
			}
			return m.sleep(ctx, time.Duration(opts.Delay.Int64)*time.Millisecond)
		},
		func() error { return m.Drop(ctx, target, data) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return m.abortDrag(ctx, err)
		}
	}
	return m.up(ctx, input.Left, 1)
}

func (m *Mouse) dispatchDrag(ctx context.Context, typ input.DispatchDragEventType, pos Position, data *input.DragData) error {
	ev := input.DispatchDragEvent(typ, pos.X, pos.Y, data).
		WithModifiers(input.Modifier(m.keyboard.Modifiers()))
	if err := ev.Do(cdp.WithExecutor(ctx, m.session)); err != nil {
		return fmt.Errorf("dispatching %s at %s: %w", typ, pos, err)
	}
	return nil
}

// transact runs one protocol step. prepare sees the committed state with
// every pending transaction applied and returns the change to make and the
// event that makes it. The change is pending while the event is in flight
// and is committed or dropped before transact returns.
func (m *Mouse) transact(
	ctx context.Context,
	prepare func(mouseState) (*mouseTx, *input.DispatchMouseEventParams, error),
) error {
	m.mu.Lock()
	tx, ev, err := prepare(m.stateLocked())
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.pending = append(m.pending, tx)
	m.mu.Unlock()

	ev = ev.WithModifiers(input.Modifier(m.keyboard.Modifiers()))
	m.logger.Tracef("Mouse:transact", "type:%s x:%g y:%g button:%s buttons:%d", ev.Type, ev.X, ev.Y, ev.Button, ev.Buttons)
	err = ev.Do(cdp.WithExecutor(ctx, m.session))

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.pending {
		if p == tx {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}
	if err != nil {
		return fmt.Errorf("dispatching %s: %w", ev.Type, err)
	}
	m.committed = tx.apply(m.committed)

	return nil
}

// stateLocked returns the committed state with the pending transactions
// applied in order. It must be called with m.mu held.
func (m *Mouse) stateLocked() mouseState {
	s := m.committed
	for _, tx := range m.pending {
		s = tx.apply(s)
	}
	return s
}

func pressedButton(buttons int64) input.MouseButton {
	for _, b := range buttonOrder {
		if buttons&buttonBits[b] != 0 {
			return b
		}
	}
	return input.None
}
