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
	"fmt"
	"math"
)

// Position represents a position in viewport coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add returns the position translated by o.
func (p Position) Add(o Position) Position {
	return Position{X: p.X + o.X, Y: p.Y + o.Y}
}

func (p Position) String() string {
	return fmt.Sprintf("(%g,%g)", p.X, p.Y)
}

// Rect represents a rectangle in viewport coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the middle point of the rectangle.
func (r Rect) Center() Position {
	return Position{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// Origin returns the top left corner of the rectangle.
func (r Rect) Origin() Position {
	return Position{X: r.X, Y: r.Y}
}

// Translate returns the rectangle moved by offset.
func (r Rect) Translate(offset Position) Rect {
	r.X += offset.X
	r.Y += offset.Y
	return r
}

// IsClickable reports whether the rectangle covers at least one pixel in
// both directions.
func (r Rect) IsClickable() bool {
	return r.Width >= 1 && r.Height >= 1
}

// Size represents a size.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (s Size) String() string {
	return fmt.Sprintf("%gx%g", s.Width, s.Height)
}

// intersectBoundingBox clips box against a viewport of the given size.
// A box starting left of (or above) the viewport loses the overflowing part
// on the near edge and its origin moves onto that edge; a box reaching past
// the far edge is cut there. Width and height never go below zero.
func intersectBoundingBox(box Rect, width, height float64) Rect {
	return Rect{
		X:      math.Max(box.X, 0),
		Y:      math.Max(box.Y, 0),
		Width:  clipSpan(box.X, box.Width, width),
		Height: clipSpan(box.Y, box.Height, height),
	}
}

func clipSpan(start, span, limit float64) float64 {
	var v float64
	if start >= 0 {
		v = math.Min(limit-start, span)
	} else {
		v = math.Min(limit, span+start)
	}
	return math.Max(v, 0)
}

// firstClickableBox returns the first box that still has an area after
// clipping against the viewport.
func firstClickableBox(boxes []Rect, viewport Size) (Rect, bool) {
	for _, b := range boxes {
		b = intersectBoundingBox(b, viewport.Width, viewport.Height)
		if b.IsClickable() {
			return b, true
		}
	}
	return Rect{}, false
}
