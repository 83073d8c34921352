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

	"github.com/chromedp/cdproto/cdp"
)

// TargetID identifies the page a session is opened for. It is owned by the
// browser and stable for the target's lifetime.
type TargetID string

// BrowserTarget is the demux key of events that are not tied to a target
// session.
const BrowserTarget TargetID = ""

func (t TargetID) String() string {
	if t == BrowserTarget {
		return "<browser>"
	}
	return string(t)
}

// Transport opens and closes the debugging session of a target.
// At most one session per target is requested at a time.
type Transport interface {
	AttachSession(ctx context.Context, target TargetID) (cdp.Executor, error)
	CloseSession(ctx context.Context, target TargetID) error
}

// EventSink receives the decoded protocol events of every target.
type EventSink interface {
	Dispatch(target TargetID, ev Event)
}

// TargetGone is dispatched to BrowserTarget when the session of a target
// ended without CloseSession, for example because the tab was closed.
type TargetGone struct {
	Target TargetID
}
