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

	"github.com/tidwall/gjson"
)

// ElementClickOptions are the options of a click on an element.
type ElementClickOptions struct {
	MouseClickOptions
	// Position is the point to click relative to the top left corner of
	// the element's clickable box. The center is used when it is nil.
	Position *Position `json:"position"`
}

func NewElementClickOptions() *ElementClickOptions {
	return &ElementClickOptions{MouseClickOptions: *NewMouseClickOptions()}
}

func (o *ElementClickOptions) Parse(opts gjson.Result) error {
	p := *o
	if err := p.MouseClickOptions.Parse(opts); err != nil {
		return err
	}
	if pos := opts.Get("position"); pos.Exists() && pos.Type != gjson.Null {
		x, y := pos.Get("x"), pos.Get("y")
		if !pos.IsObject() || x.Type != gjson.Number || y.Type != gjson.Number {
			return fmt.Errorf("position must be an object with numeric x and y, got %s: %w", pos.Raw, ErrInvalidCommandParam)
		}
		p.Position = &Position{X: x.Float(), Y: y.Float()}
	}
	*o = p
	return nil
}

// WaitForSelectorOptions bound a selector wait. Zero values use the page's
// timeout settings.
type WaitForSelectorOptions struct {
	Timeout  int64 `json:"timeout"`
	Interval int64 `json:"interval"`
}

func NewWaitForSelectorOptions() *WaitForSelectorOptions {
	return &WaitForSelectorOptions{}
}

func (o *WaitForSelectorOptions) Parse(opts gjson.Result) error {
	p := *o
	err := parseOptions(opts, "wait for selector", func(k string, v gjson.Result) error {
		var err error
		switch k {
		case "timeout":
			p.Timeout, err = parseMillis(k, v)
		case "interval":
			p.Interval, err = parseMillis(k, v)
		}
		return err
	})
	if err != nil {
		return err
	}
	*o = p
	return nil
}

func parseMillis(k string, v gjson.Result) (int64, error) {
	d, err := parseDelay(k, v)
	if err != nil {
		return 0, err
	}
	return d.Int64, nil
}
