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
	"strings"

	"github.com/google/uuid"

	"github.com/liuxd6825/tabpilot/common/js"
	"github.com/liuxd6825/tabpilot/errext"
	"github.com/liuxd6825/tabpilot/log"
)

// handshakeTimeoutMessage is the rejection of the top document listener
// when no frame answered in time.
const handshakeTimeoutMessage = "frame handshake timed out"

type elementGeometry struct {
	Rects    []Rect `json:"rects"`
	Viewport Size   `json:"viewport"`
}

// ElementLocator finds the point to click for a selector and clicks it.
type ElementLocator struct {
	registry *ExecutionContextRegistry
	mouse    *Mouse
	timeouts *TimeoutSettings
	logger   *log.Logger
}

// NewElementLocator returns a locator that queries the page through
// registry and clicks with mouse.
func NewElementLocator(
	registry *ExecutionContextRegistry, mouse *Mouse, ts *TimeoutSettings, logger *log.Logger,
) *ElementLocator {
	return &ElementLocator{
		registry: registry,
		mouse:    mouse,
		timeouts: ts,
		logger:   logger,
	}
}

// Locate returns the viewport point to click for the first element matching
// selector in the frame fs. The point is the center of the element's first
// clickable box, or offset from the box's top left corner when offset is
// set. Elements in child frames are translated to the top-level viewport.
func (l *ElementLocator) Locate(
	ctx context.Context, selector string, fs *FrameSelector, offset *Position,
) (Position, error) {
	box, err := l.clickableBox(ctx, selector, fs)
	if err != nil {
		return Position{}, err
	}
	if offset != nil {
		return box.Origin().Add(*offset), nil
	}
	return box.Center(), nil
}

// Click scrolls the element into view if it is not fully visible and clicks
// it.
func (l *ElementLocator) Click(ctx context.Context, selector string, fs *FrameSelector, opts *ElementClickOptions) error {
	if opts == nil {
		opts = NewElementClickOptions()
	}
	if err := l.scrollIntoViewIfNeeded(ctx, selector, fs); err != nil {
		return err
	}
	p, err := l.Locate(ctx, selector, fs, opts.Position)
	if err != nil {
		return err
	}
	l.logger.Debugf("ElementLocator:Click", "selector:%q frame:%s point:%s", selector, fs, p)

	return l.mouse.Click(ctx, p.X, p.Y, &opts.MouseClickOptions)
}

func (l *ElementLocator) scrollIntoViewIfNeeded(ctx context.Context, selector string, fs *FrameSelector) error {
	raw, err := l.registry.Evaluate(ctx, fs, js.ScrollIntoViewIfNeeded, selector)
	if err != nil {
		return fmt.Errorf("scrolling %q into view: %w", selector, err)
	}
	var found bool
	if err := json.Unmarshal(raw, &found); err != nil || !found {
		return &ElementNotFoundError{Selector: selector}
	}
	return nil
}

func (l *ElementLocator) clickableBox(ctx context.Context, selector string, fs *FrameSelector) (Rect, error) {
	raw, err := l.registry.Evaluate(ctx, fs, js.ElementGeometry, selector)
	if err != nil {
		return Rect{}, fmt.Errorf("reading geometry of %q: %w", selector, err)
	}
	var geom *elementGeometry
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &geom); err != nil {
			return Rect{}, fmt.Errorf("decoding geometry of %q: %w", selector, err)
		}
	}
	if geom == nil {
		return Rect{}, &ElementNotFoundError{Selector: selector}
	}

	box, ok := firstClickableBox(geom.Rects, geom.Viewport)
	l.logger.Debugf("ElementLocator:clickableBox", "selector:%q rects:%d viewport:%s clickable:%t",
		selector, len(geom.Rects), geom.Viewport, ok)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrNotClickable, selector)
		return Rect{}, errext.WithHint(err, "the element has no visible area inside the viewport")
	}
	if fs.IsZero() {
		return box, nil
	}

	offset, err := l.frameOffset(ctx, fs)
	if err != nil {
		return Rect{}, err
	}
	return box.Translate(offset), nil
}

// frameOffset returns the position of the iframe holding the frame fs in
// the top-level viewport. The top document learns which iframe it is from a
// message the frame posts with a fresh token.
func (l *ElementLocator) frameOffset(ctx context.Context, fs *FrameSelector) (Position, error) {
	token := uuid.NewString()
	budget := l.timeouts.HandshakeTimeout()
	hctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	l.logger.Debugf("ElementLocator:frameOffset", "frame:%s token:%s budget:%s", fs, token, budget)

	offset, err := l.handshake(hctx, fs, token, budget.Milliseconds())
	if err == nil {
		return offset, nil
	}
	var se *ScriptException
	timedOut := errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	if timedOut || (errors.As(err, &se) && strings.Contains(se.Description, handshakeTimeoutMessage)) {
		return Position{}, &TimeoutError{Op: fmt.Sprintf("locating frame %s", fs), Budget: budget}
	}
	return Position{}, fmt.Errorf("locating frame %s: %w", fs, err)
}

func (l *ElementLocator) handshake(ctx context.Context, fs *FrameSelector, token string, budgetMs int64) (Position, error) {
	if _, err := l.registry.Evaluate(ctx, nil, js.FrameListen, token, budgetMs); err != nil {
		return Position{}, fmt.Errorf("installing frame listener: %w", err)
	}
	if _, err := l.registry.Evaluate(ctx, fs, js.FramePost, token); err != nil {
		return Position{}, fmt.Errorf("posting frame token: %w", err)
	}
	raw, err := l.registry.Evaluate(ctx, nil, js.FrameOffset, token)
	if err != nil {
		return Position{}, err
	}
	var p Position
	if err := json.Unmarshal(raw, &p); err != nil {
		return Position{}, fmt.Errorf("decoding frame offset: %w", err)
	}
	return p, nil
}
