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
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/tabpilot/log"
)

const (
	livenessFn      = `() => {}`
	frameIdentityFn = `() => ({ name: window.name, url: location.href })`
)

// ExecutionContextRecord describes one live script world of the target.
type ExecutionContextRecord struct {
	UniqueID  string
	ID        cdpruntime.ExecutionContextID
	FrameID   cdp.FrameID
	IsDefault bool
	Origin    string
	Name      string
}

// FrameSelector picks the frame whose default context a caller wants.
// Zero fields match anything; a nil or zero selector picks the main frame's
// default context, or the first live one when the main frame is unknown.
type FrameSelector struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// IsZero reports whether fs matches every frame.
func (fs *FrameSelector) IsZero() bool {
	return fs == nil || (fs.Name == "" && fs.URL == "")
}

func (fs *FrameSelector) String() string {
	if fs.IsZero() {
		return ""
	}
	var parts []string
	if fs.Name != "" {
		parts = append(parts, fmt.Sprintf("name=%q", fs.Name))
	}
	if fs.URL != "" {
		parts = append(parts, fmt.Sprintf("url=%q", fs.URL))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func (fs *FrameSelector) matches(identity []byte) bool {
	if fs.Name != "" && gjson.GetBytes(identity, "name").String() != fs.Name {
		return false
	}
	if fs.URL != "" && gjson.GetBytes(identity, "url").String() != fs.URL {
		return false
	}
	return true
}

// ExecutionContextRegistry tracks the execution contexts of one target from
// the runtime lifecycle events and resolves the default context of a frame.
type ExecutionContextRegistry struct {
	target TargetID
	exec   cdp.Executor
	eval   ScriptEvaluator
	logger *log.Logger

	mu        sync.Mutex
	records   map[string]*ExecutionContextRecord
	order     []string
	mainFrame cdp.FrameID
}

// NewExecutionContextRegistry returns an empty registry for target. exec
// must route commands through the target's session.
func NewExecutionContextRegistry(
	target TargetID, exec cdp.Executor, eval ScriptEvaluator, logger *log.Logger,
) *ExecutionContextRegistry {
	return &ExecutionContextRegistry{
		target:  target,
		exec:    exec,
		eval:    eval,
		logger:  logger,
		records: make(map[string]*ExecutionContextRecord),
	}
}

// OnLifecycleEvent applies a runtime context event. Other events are
// ignored.
func (r *ExecutionContextRegistry) OnLifecycleEvent(ev any) {
	switch ev := ev.(type) {
	case *cdpruntime.EventExecutionContextCreated:
		if ev.Context != nil {
			r.add(ev.Context)
		}
	case *cdpruntime.EventExecutionContextDestroyed:
		r.removeWhere(func(rec *ExecutionContextRecord) bool {
			if ev.ExecutionContextUniqueID != "" {
				return rec.UniqueID == ev.ExecutionContextUniqueID
			}
			return rec.ID == ev.ExecutionContextID
		})
	case *cdpruntime.EventExecutionContextsCleared:
		r.Reset()
	}
}

// Reset drops every record. Context ids do not survive a navigation and the
// browser does not always report the old ones as destroyed.
func (r *ExecutionContextRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Debugf("ExecutionContextRegistry:Reset", "tid:%s records:%d", r.target, len(r.order))
	r.records = make(map[string]*ExecutionContextRecord)
	r.order = nil
}

// SetMainFrame sets the top-level frame of the target. Its default context
// is tried first when no frame selector is given.
func (r *ExecutionContextRegistry) SetMainFrame(id cdp.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mainFrame = id
}

// Records returns a snapshot of the tracked contexts in creation order.
func (r *ExecutionContextRegistry) Records() []ExecutionContextRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ExecutionContextRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.records[id])
	}
	return out
}

// ResolveDefault returns the first default context that answers a liveness
// check and, when fs is set, whose frame matches it. Contexts found stale on the
// way are dropped.
func (r *ExecutionContextRegistry) ResolveDefault(ctx context.Context, fs *FrameSelector) (*ExecutionContextRecord, error) {
	for _, rec := range r.defaults() {
		if _, err := r.eval.Evaluate(ctx, r.exec, rec.ID, livenessFn); err != nil {
			if errors.Is(err, ErrStaleContext) {
				r.evict(rec)
				continue
			}
			return nil, fmt.Errorf("probing execution context %d: %w", rec.ID, err)
		}
		if fs.IsZero() {
			return rec, nil
		}
		identity, err := r.eval.Evaluate(ctx, r.exec, rec.ID, frameIdentityFn)
		if err != nil {
			if errors.Is(err, ErrStaleContext) {
				r.evict(rec)
				continue
			}
			return nil, fmt.Errorf("querying frame of execution context %d: %w", rec.ID, err)
		}
		if fs.matches(identity) {
			return rec, nil
		}
	}

	return nil, &ContextNotFoundError{Selector: fs.String()}
}

// Evaluate runs fn with args in the default context selected by fs.
func (r *ExecutionContextRegistry) Evaluate(
	ctx context.Context, fs *FrameSelector, fn string, args ...any,
) (easyjson.RawMessage, error) {
	rec, err := r.ResolveDefault(ctx, fs)
	if err != nil {
		return nil, err
	}
	r.logger.Debugf("ExecutionContextRegistry:Evaluate", "tid:%s ectxid:%d fid:%s", r.target, rec.ID, rec.FrameID)

	return r.eval.Evaluate(ctx, r.exec, rec.ID, fn, args...)
}

func (r *ExecutionContextRegistry) add(desc *cdpruntime.ExecutionContextDescription) {
	rec := &ExecutionContextRecord{
		UniqueID:  desc.UniqueID,
		ID:        desc.ID,
		Origin:    desc.Origin,
		Name:      desc.Name,
		IsDefault: gjson.GetBytes(desc.AuxData, "isDefault").Bool(),
		FrameID:   cdp.FrameID(gjson.GetBytes(desc.AuxData, "frameId").String()),
	}
	if rec.UniqueID == "" {
		rec.UniqueID = fmt.Sprintf("id:%d", desc.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[rec.UniqueID]; !ok {
		r.order = append(r.order, rec.UniqueID)
	}
	r.records[rec.UniqueID] = rec
	r.logger.Debugf("ExecutionContextRegistry:add", "tid:%s ectxid:%d fid:%s default:%t",
		r.target, rec.ID, rec.FrameID, rec.IsDefault)
}

func (r *ExecutionContextRegistry) evict(rec *ExecutionContextRecord) {
	r.logger.Debugf("ExecutionContextRegistry:evict", "tid:%s ectxid:%d stale", r.target, rec.ID)
	r.removeWhere(func(cur *ExecutionContextRecord) bool { return cur.UniqueID == rec.UniqueID })
}

func (r *ExecutionContextRegistry) removeWhere(match func(*ExecutionContextRecord) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.order[:0]
	for _, id := range r.order {
		if match(r.records[id]) {
			delete(r.records, id)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}

func (r *ExecutionContextRegistry) defaults() []*ExecutionContextRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var main, other []*ExecutionContextRecord
	for _, id := range r.order {
		rec := r.records[id]
		switch {
		case !rec.IsDefault:
		case r.mainFrame != "" && rec.FrameID == r.mainFrame:
			main = append(main, rec)
		default:
			other = append(other, rec)
		}
	}
	return append(main, other...)
}
