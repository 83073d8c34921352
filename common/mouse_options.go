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

	"github.com/chromedp/cdproto/input"
	"github.com/tidwall/gjson"
	"gopkg.in/guregu/null.v3"
)

type MouseClickOptions struct {
	Button     input.MouseButton `json:"button"`
	ClickCount int64             `json:"clickCount"`
	// Delay is the pause between the last down and up, in milliseconds.
	Delay null.Int `json:"delay"`
}

type MouseDblClickOptions struct {
	Button input.MouseButton `json:"button"`
	Delay  null.Int          `json:"delay"`
}

type MouseDownUpOptions struct {
	Button     input.MouseButton `json:"button"`
	ClickCount int64             `json:"clickCount"`
}

type MouseMoveOptions struct {
	Steps int64 `json:"steps"`
}

type MouseWheelOptions struct {
	DeltaX float64 `json:"deltaX"`
	DeltaY float64 `json:"deltaY"`
}

type MouseDragAndDropOptions struct {
	// Delay is the pause between drag over and drop, in milliseconds.
	Delay null.Int `json:"delay"`
}

func NewMouseClickOptions() *MouseClickOptions {
	return &MouseClickOptions{
		Button:     input.Left,
		ClickCount: 1,
	}
}

func (o *MouseClickOptions) Parse(opts gjson.Result) error {
	p := *o
	err := parseOptions(opts, "mouse click", func(k string, v gjson.Result) error {
		var err error
		switch k {
		case "button":
			p.Button, err = parseMouseButton(v)
		case "clickCount":
			p.ClickCount, err = parseInt(k, v)
		case "delay":
			p.Delay, err = parseDelay(k, v)
		}
		return err
	})
	if err != nil {
		return err
	}
	*o = p
	return nil
}

func (o *MouseClickOptions) ToMouseDownUpOptions() *MouseDownUpOptions {
	o2 := NewMouseDownUpOptions()
	o2.Button = o.Button
	o2.ClickCount = o.ClickCount
	return o2
}

func NewMouseDblClickOptions() *MouseDblClickOptions {
	return &MouseDblClickOptions{
		Button: input.Left,
	}
}

func (o *MouseDblClickOptions) Parse(opts gjson.Result) error {
	p := *o
	err := parseOptions(opts, "mouse double click", func(k string, v gjson.Result) error {
		var err error
		switch k {
		case "button":
			p.Button, err = parseMouseButton(v)
		case "delay":
			p.Delay, err = parseDelay(k, v)
		}
		return err
	})
	if err != nil {
		return err
	}
	*o = p
	return nil
}

// ToMouseClickOptions returns the click with a count of two that a double
// click is made of.
func (o *MouseDblClickOptions) ToMouseClickOptions() *MouseClickOptions {
	o2 := NewMouseClickOptions()
	o2.Button = o.Button
	o2.ClickCount = 2
	o2.Delay = o.Delay
	return o2
}

func NewMouseDownUpOptions() *MouseDownUpOptions {
	return &MouseDownUpOptions{
		Button:     input.Left,
		ClickCount: 1,
	}
}

func (o *MouseDownUpOptions) Parse(opts gjson.Result) error {
	p := *o
	err := parseOptions(opts, "mouse down/up", func(k string, v gjson.Result) error {
		var err error
		switch k {
		case "button":
			p.Button, err = parseMouseButton(v)
		case "clickCount":
			p.ClickCount, err = parseInt(k, v)
		}
		return err
	})
	if err != nil {
		return err
	}
	*o = p
	return nil
}

func NewMouseMoveOptions() *MouseMoveOptions {
	return &MouseMoveOptions{
		Steps: 1,
	}
}

func (o *MouseMoveOptions) Parse(opts gjson.Result) error {
	p := *o
	err := parseOptions(opts, "mouse move", func(k string, v gjson.Result) error {
		if k != "steps" {
			return nil
		}
		steps, err := parseInt(k, v)
		if err != nil {
			return err
		}
		if steps < 1 {
			return fmt.Errorf("steps must be at least 1, got %d: %w", steps, ErrInvalidCommandParam)
		}
		p.Steps = steps
		return nil
	})
	if err != nil {
		return err
	}
	*o = p
	return nil
}

func NewMouseWheelOptions() *MouseWheelOptions {
	return &MouseWheelOptions{}
}

func (o *MouseWheelOptions) Parse(opts gjson.Result) error {
	p := *o
	err := parseOptions(opts, "mouse wheel", func(k string, v gjson.Result) error {
		switch k {
		case "deltaX", "deltaY":
			if v.Type != gjson.Number {
				return fmt.Errorf("%s must be a number, got %s: %w", k, v.Raw, ErrInvalidCommandParam)
			}
			if k == "deltaX" {
				p.DeltaX = v.Float()
			} else {
				p.DeltaY = v.Float()
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	*o = p
	return nil
}

func NewMouseDragAndDropOptions() *MouseDragAndDropOptions {
	return &MouseDragAndDropOptions{}
}

func (o *MouseDragAndDropOptions) Parse(opts gjson.Result) error {
	p := *o
	err := parseOptions(opts, "drag and drop", func(k string, v gjson.Result) error {
		var err error
		if k == "delay" {
			p.Delay, err = parseDelay(k, v)
		}
		return err
	})
	if err != nil {
		return err
	}
	*o = p
	return nil
}

// parseOptions calls fn for every member of the opts object. Missing or
// null options are skipped.
func parseOptions(opts gjson.Result, what string, fn func(k string, v gjson.Result) error) error {
	if !opts.Exists() || opts.Type == gjson.Null {
		return nil
	}
	if !opts.IsObject() {
		return fmt.Errorf("%s options must be an object: %w", what, ErrInvalidCommandParam)
	}
	var err error
	opts.ForEach(func(k, v gjson.Result) bool {
		err = fn(k.String(), v)
		return err == nil
	})
	if err != nil {
		return fmt.Errorf("parsing %s options: %w", what, err)
	}
	return nil
}

func parseMouseButton(v gjson.Result) (input.MouseButton, error) {
	switch b := input.MouseButton(v.String()); b {
	case input.Left, input.Right, input.Middle, input.Back, input.Forward:
		return b, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownMouseButton, v.Raw)
}

func parseInt(k string, v gjson.Result) (int64, error) {
	if v.Type != gjson.Number {
		return 0, fmt.Errorf("%s must be a number, got %s: %w", k, v.Raw, ErrInvalidCommandParam)
	}
	return v.Int(), nil
}

func parseDelay(k string, v gjson.Result) (null.Int, error) {
	if v.Type == gjson.Null {
		return null.Int{}, nil
	}
	d, err := parseInt(k, v)
	if err != nil {
		return null.Int{}, err
	}
	if d < 0 {
		return null.Int{}, fmt.Errorf("%s must not be negative, got %d: %w", k, d, ErrInvalidCommandParam)
	}
	return null.IntFrom(d), nil
}
