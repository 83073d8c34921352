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
	"fmt"
	"sort"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"

	"github.com/liuxd6825/tabpilot/keyboardlayout"
	"github.com/liuxd6825/tabpilot/log"
)

// TargetInfo describes a page the browser has open.
type TargetInfo struct {
	ID    TargetID `json:"id"`
	Title string   `json:"title"`
	URL   string   `json:"url"`
}

// Controller owns the automation kernel of one browser connection: the
// session arbiter and a Page for every target in use.
type Controller struct {
	browser  cdp.Executor
	demux    *EventDemux
	arbiter  *SessionArbiter
	eval     ScriptEvaluator
	layout   keyboardlayout.KeyboardLayout
	timeouts *TimeoutSettings
	logger   *log.Logger

	mu    sync.Mutex
	pages map[TargetID]*Page
}

// NewController returns a controller opening sessions through transport.
// browser executes browser-level commands, and demux must receive the
// events of the same connection.
func NewController(
	ctx context.Context,
	transport Transport,
	browser cdp.Executor,
	demux *EventDemux,
	layout keyboardlayout.KeyboardLayout,
	ts *TimeoutSettings,
	logger *log.Logger,
) *Controller {
	c := &Controller{
		browser:  browser,
		demux:    demux,
		arbiter:  NewSessionArbiter(ctx, transport, logger),
		eval:     NewScriptEvaluator(logger),
		layout:   layout,
		timeouts: ts,
		logger:   logger,
		pages:    make(map[TargetID]*Page),
	}
	demux.Subscribe(BrowserTarget, EventListenerFunc(c.onBrowserEvent))

	return c
}

func (c *Controller) onBrowserEvent(ev Event) {
	switch data := ev.Data.(type) {
	case *target.EventTargetDestroyed:
		c.RemoveTarget(TargetID(data.TargetID))
	case *TargetGone:
		c.RemoveTarget(data.Target)
	}
}

// Arbiter returns the session arbiter shared by the pages.
func (c *Controller) Arbiter() *SessionArbiter {
	return c.arbiter
}

// Page returns the page of id, creating it on first use.
func (c *Controller) Page(id TargetID) *Page {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pages[id]; ok {
		return p
	}
	c.logger.Debugf("Controller:Page", "tid:%s new page", id)
	p := NewPage(id, c.arbiter, c.eval, c.layout, NewTimeoutSettings(c.timeouts), c.logger)
	c.pages[id] = p
	c.demux.Subscribe(id, p)

	return p
}

// RemoveTarget forgets the page of id and evicts its session without
// closing it, as the target does not exist anymore.
func (c *Controller) RemoveTarget(id TargetID) {
	c.mu.Lock()
	_, ok := c.pages[id]
	delete(c.pages, id)
	c.mu.Unlock()

	c.logger.Debugf("Controller:RemoveTarget", "tid:%s known:%t", id, ok)
	c.demux.Unsubscribe(id)
	c.arbiter.ForceEvictTarget(id)
}

// ClosePage closes the tab of id and removes it.
func (c *Controller) ClosePage(ctx context.Context, id TargetID) error {
	if err := target.CloseTarget(target.ID(id)).Do(cdp.WithExecutor(ctx, c.browser)); err != nil {
		return fmt.Errorf("closing target %s: %w", id, err)
	}
	c.RemoveTarget(id)
	return nil
}

// Targets lists the page targets of the browser, sorted by id.
func (c *Controller) Targets(ctx context.Context) ([]TargetInfo, error) {
	infos, err := target.GetTargets().Do(cdp.WithExecutor(ctx, c.browser))
	if err != nil {
		return nil, fmt.Errorf("listing targets: %w", err)
	}
	var out []TargetInfo
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		out = append(out, TargetInfo{ID: TargetID(info.TargetID), Title: info.Title, URL: info.URL})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

// Close releases the session slot and stops routing events to the pages.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]TargetID, 0, len(c.pages))
	for id := range c.pages {
		ids = append(ids, id)
	}
	c.pages = make(map[TargetID]*Page)
	c.mu.Unlock()

	for _, id := range ids {
		c.demux.Unsubscribe(id)
	}
	c.demux.Unsubscribe(BrowserTarget)

	return c.arbiter.Close(ctx)
}
