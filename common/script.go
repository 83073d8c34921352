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

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"

	"github.com/liuxd6825/tabpilot/log"
)

const evaluationScriptURL = "__tabpilot_evaluation_script__"

// ScriptEvaluator runs a function declaration with by-value arguments in an
// execution context of the session behind exec. The result is the JSON
// value the function returned, or nil for undefined.
type ScriptEvaluator interface {
	Evaluate(
		ctx context.Context, exec cdp.Executor, id cdpruntime.ExecutionContextID, fn string, args ...any,
	) (easyjson.RawMessage, error)
}

type cdpScriptEvaluator struct {
	logger *log.Logger
}

// NewScriptEvaluator returns the evaluator that calls Runtime.callFunctionOn.
func NewScriptEvaluator(logger *log.Logger) ScriptEvaluator {
	return &cdpScriptEvaluator{logger: logger}
}

func (e *cdpScriptEvaluator) Evaluate(
	ctx context.Context, exec cdp.Executor, id cdpruntime.ExecutionContextID, fn string, args ...any,
) (easyjson.RawMessage, error) {
	arguments, err := convertArguments(args...)
	if err != nil {
		return nil, fmt.Errorf("evaluating in execution context %d: %w", id, err)
	}
	e.logger.Tracef("ScriptEvaluator:Evaluate", "ectxid:%d args:%d", id, len(arguments))

	action := cdpruntime.CallFunctionOn(fn + "\n//# sourceURL=" + evaluationScriptURL + "\n").
		WithExecutionContextID(id).
		WithArguments(arguments).
		WithReturnByValue(true).
		WithAwaitPromise(true).
		WithUserGesture(true)

	remoteObject, exceptionDetails, err := action.Do(cdp.WithExecutor(ctx, exec))
	if err != nil {
		if isStaleContextError(err) {
			return nil, fmt.Errorf("execution context %d: %w: %w", id, ErrStaleContext, err)
		}
		var cdpe *cdproto.Error
		if !errors.As(err, &cdpe) {
			e.logger.Debugf("ScriptEvaluator:Evaluate", "ectxid:%d err:%v", id, err)
		}
		return nil, err
	}
	if exceptionDetails != nil {
		return nil, &ScriptException{Description: exceptionDescription(exceptionDetails)}
	}
	if remoteObject == nil || len(remoteObject.Value) == 0 {
		return nil, nil
	}

	return remoteObject.Value, nil
}

func exceptionDescription(d *cdpruntime.ExceptionDetails) string {
	if d.Exception != nil && d.Exception.Description != "" {
		return d.Exception.Description
	}
	return d.Text
}
