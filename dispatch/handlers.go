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

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/liuxd6825/tabpilot/common"
)

func stringParam(params gjson.Result, key string) (string, error) {
	v := params.Get(key)
	if v.Type != gjson.String || v.String() == "" {
		return "", fmt.Errorf("%w: %q must be a non-empty string", common.ErrInvalidCommandParam, key)
	}
	return v.String(), nil
}

func numberParam(params gjson.Result, key string) (float64, error) {
	v := params.Get(key)
	if v.Type != gjson.Number {
		return 0, fmt.Errorf("%w: %q must be a number", common.ErrInvalidCommandParam, key)
	}
	return v.Float(), nil
}

func frameParam(params gjson.Result) (*common.FrameSelector, error) {
	v := params.Get("frame")
	if !v.Exists() || v.Type == gjson.Null {
		return nil, nil
	}
	if !v.IsObject() {
		return nil, fmt.Errorf("%w: \"frame\" must be an object", common.ErrInvalidCommandParam)
	}
	return &common.FrameSelector{
		Name: v.Get("name").String(),
		URL:  v.Get("url").String(),
	}, nil
}

// parser is implemented by the option types of the kernel.
type parser interface {
	Parse(opts gjson.Result) error
}

func optionsParam[T parser](params gjson.Result, opts T) (T, error) {
	if err := opts.Parse(params.Get("options")); err != nil {
		return opts, err
	}
	return opts, nil
}

func evaluate(ctx context.Context, p *common.Page, params gjson.Result) (any, error) {
	fn, err := stringParam(params, "fn")
	if err != nil {
		return nil, err
	}
	fs, err := frameParam(params)
	if err != nil {
		return nil, err
	}
	var args []any
	if a := params.Get("args"); a.Exists() {
		if !a.IsArray() {
			return nil, fmt.Errorf("%w: \"args\" must be an array", common.ErrInvalidCommandParam)
		}
		for _, v := range a.Array() {
			args = append(args, json.RawMessage(v.Raw))
		}
	}

	res, err := p.Evaluate(ctx, fn, fs, args...)
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(res), nil
}

func waitForSelector(ctx context.Context, p *common.Page, params gjson.Result) (any, error) {
	selector, err := stringParam(params, "selector")
	if err != nil {
		return nil, err
	}
	fs, err := frameParam(params)
	if err != nil {
		return nil, err
	}
	opts, err := optionsParam(params, common.NewWaitForSelectorOptions())
	if err != nil {
		return nil, err
	}
	return nil, p.WaitForSelector(ctx, selector, fs, opts)
}

func click(ctx context.Context, p *common.Page, params gjson.Result) (any, error) {
	selector, err := stringParam(params, "selector")
	if err != nil {
		return nil, err
	}
	fs, err := frameParam(params)
	if err != nil {
		return nil, err
	}
	opts, err := optionsParam(params, common.NewElementClickOptions())
	if err != nil {
		return nil, err
	}
	return nil, p.Click(ctx, selector, fs, opts)
}

func typeText(ctx context.Context, p *common.Page, params gjson.Result) (any, error) {
	selector, err := stringParam(params, "selector")
	if err != nil {
		return nil, err
	}
	fs, err := frameParam(params)
	if err != nil {
		return nil, err
	}
	text := params.Get("text")
	if text.Type != gjson.String {
		return nil, fmt.Errorf("%w: \"text\" must be a string", common.ErrInvalidCommandParam)
	}
	opts, err := optionsParam(params, common.NewKeyboardOptions())
	if err != nil {
		return nil, err
	}
	return nil, p.Type(ctx, selector, fs, text.String(), opts)
}

func gotoURL(ctx context.Context, p *common.Page, params gjson.Result) (any, error) {
	url, err := stringParam(params, "url")
	if err != nil {
		return nil, err
	}
	return nil, p.Goto(ctx, url)
}

func keyboardPress(ctx context.Context, p *common.Page, params gjson.Result) (any, error) {
	key, err := stringParam(params, "key")
	if err != nil {
		return nil, err
	}
	opts, err := optionsParam(params, common.NewKeyboardOptions())
	if err != nil {
		return nil, err
	}
	return nil, p.Press(ctx, key, opts)
}

func keyboardType(ctx context.Context, p *common.Page, params gjson.Result) (any, error) {
	text := params.Get("text")
	if text.Type != gjson.String {
		return nil, fmt.Errorf("%w: \"text\" must be a string", common.ErrInvalidCommandParam)
	}
	opts, err := optionsParam(params, common.NewKeyboardOptions())
	if err != nil {
		return nil, err
	}
	return nil, p.KeyboardType(ctx, text.String(), opts)
}

func keyboardDown(ctx context.Context, p *common.Page, params gjson.Result) (any, error) {
	key, err := stringParam(params, "key")
	if err != nil {
		return nil, err
	}
	return nil, p.KeyDown(ctx, key)
}

func keyboardUp(ctx context.Context, p *common.Page, params gjson.Result) (any, error) {
	key, err := stringParam(params, "key")
	if err != nil {
		return nil, err
	}
	return nil, p.KeyUp(ctx, key)
}

func position(params gjson.Result) (x, y float64, err error) {
	if x, err = numberParam(params, "x"); err != nil {
		return 0, 0, err
	}
	if y, err = numberParam(params, "y"); err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

func point(params gjson.Result, key string) (common.Position, error) {
	v := params.Get(key)
	if !v.IsObject() {
		return common.Position{}, fmt.Errorf("%w: %q must be an object with x and y", common.ErrInvalidCommandParam, key)
	}
	x, y, err := position(v)
	if err != nil {
		return common.Position{}, err
	}
	return common.Position{X: x, Y: y}, nil
}

func mouseClick(ctx context.Context, p *common.Page, params gjson.Result) (any, error) {
	x, y, err := position(params)
	if err != nil {
		return nil, err
	}
	opts, err := optionsParam(params, common.NewMouseClickOptions())
	if err != nil {
		return nil, err
	}
	return nil, p.MouseClick(ctx, x, y, opts)
}

func mouseDblClick(ctx context.Context, p *common.Page, params gjson.Result) (any, error) {
	x, y, err := position(params)
	if err != nil {
		return nil, err
	}
	opts, err := optionsParam(params, common.NewMouseDblClickOptions())
	if err != nil {
		return nil, err
	}
	return nil, p.MouseClick(ctx, x, y, opts.ToMouseClickOptions())
}

func mouseDown(ctx context.Context, p *common.Page, params gjson.Result) (any, error) {
	opts, err := optionsParam(params, common.NewMouseDownUpOptions())
	if err != nil {
		return nil, err
	}
	return nil, p.WithSession(ctx, func(ctx context.Context) error {
		return p.Mouse().Down(ctx, opts)
	})
}

func mouseUp(ctx context.Context, p *common.Page, params gjson.Result) (any, error) {
	opts, err := optionsParam(params, common.NewMouseDownUpOptions())
	if err != nil {
		return nil, err
	}
	return nil, p.WithSession(ctx, func(ctx context.Context) error {
		return p.Mouse().Up(ctx, opts)
	})
}

func mouseMove(ctx context.Context, p *common.Page, params gjson.Result) (any, error) {
	x, y, err := position(params)
	if err != nil {
		return nil, err
	}
	opts, err := optionsParam(params, common.NewMouseMoveOptions())
	if err != nil {
		return nil, err
	}
	return nil, p.MouseMove(ctx, x, y, opts)
}

func mouseWheel(ctx context.Context, p *common.Page, params gjson.Result) (any, error) {
	opts := common.NewMouseWheelOptions()
	if err := opts.Parse(params); err != nil {
		return nil, err
	}
	return nil, p.MouseWheel(ctx, opts)
}

func mouseDragAndDrop(ctx context.Context, p *common.Page, params gjson.Result) (any, error) {
	from, err := point(params, "from")
	if err != nil {
		return nil, err
	}
	to, err := point(params, "to")
	if err != nil {
		return nil, err
	}
	opts, err := optionsParam(params, common.NewMouseDragAndDropOptions())
	if err != nil {
		return nil, err
	}
	return nil, p.WithSession(ctx, func(ctx context.Context) error {
		return p.Mouse().DragAndDrop(ctx, from, to, opts)
	})
}
