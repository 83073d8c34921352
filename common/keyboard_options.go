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
	"github.com/tidwall/gjson"
)

// KeyboardOptions represents the options for the keyboard.
type KeyboardOptions struct {
	// Delay is the pause between key down and key up, in milliseconds.
	Delay int64 `json:"delay"`
}

// NewKeyboardOptions returns options without a delay.
func NewKeyboardOptions() *KeyboardOptions {
	return &KeyboardOptions{}
}

// Parse reads the options from a JSON object. Missing or null options keep
// the defaults.
func (o *KeyboardOptions) Parse(opts gjson.Result) error {
	p := *o
	err := parseOptions(opts, "keyboard", func(k string, v gjson.Result) error {
		if k != "delay" {
			return nil
		}
		d, err := parseDelay(k, v)
		if err != nil {
			return err
		}
		p.Delay = d.Int64
		return nil
	})
	if err != nil {
		return err
	}
	*o = p
	return nil
}
