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
	"fmt"
	"strings"
	"time"

	cdpruntime "github.com/chromedp/cdproto/runtime"
)

// convertArguments encodes Go values as by-value call arguments.
func convertArguments(args ...any) ([]*cdpruntime.CallArgument, error) {
	out := make([]*cdpruntime.CallArgument, 0, len(args))
	for i, a := range args {
		if raw, ok := a.(json.RawMessage); ok {
			out = append(out, &cdpruntime.CallArgument{Value: []byte(raw)})
			continue
		}
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshaling argument %d: %w", i, err)
		}
		out = append(out, &cdpruntime.CallArgument{Value: b})
	}
	return out, nil
}

// wait blocks for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !t.Stop() {
			<-t.C
		}
		return fmt.Errorf("%w", ctx.Err())
	case <-t.C:
	}

	return nil
}

// retry calls fn until it reports done, ctx ends or the budget is used up.
// Every unsuccessful attempt is followed by a pause of interval, which is
// subtracted from the remaining budget. The error of the last attempt is
// kept in the returned TimeoutError.
func retry(
	ctx context.Context, op string, budget, interval time.Duration, fn func(context.Context) (bool, error),
) error {
	remaining := budget
	for {
		done, err := fn(ctx)
		if done {
			return err
		}
		if remaining <= 0 {
			return &TimeoutError{Op: op, Budget: budget, Err: err}
		}
		if err := wait(ctx, interval); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		remaining -= interval
	}
}

// This splits the string on `+`.
// If `+` on it's own is passed, it will return ["+"].
// If `++` is passed in, it will return ["+", ""].
// If `+++` is passed in, it will return ["+", "+"].
func split(keys string) []string {
	var (
		kk = make([]string, 0)
		s  strings.Builder
	)
	for _, r := range keys {
		if r == '+' && s.Len() > 0 {
			kk = append(kk, s.String())
			s.Reset()
		} else {
			s.WriteRune(r)
		}
	}
	kk = append(kk, s.String())

	return kk
}
