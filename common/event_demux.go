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
	"sync"

	"github.com/chromedp/cdproto"

	"github.com/liuxd6825/tabpilot/log"
)

// Event is one decoded protocol event.
type Event struct {
	Method cdproto.MethodType
	Data   any
}

// EventListener handles the events of one target. It is called from the
// transport's read loop and must not block.
type EventListener interface {
	HandleEvent(ev Event)
}

// EventListenerFunc adapts a function to EventListener.
type EventListenerFunc func(ev Event)

func (f EventListenerFunc) HandleEvent(ev Event) { f(ev) }

var _ EventSink = &EventDemux{}

// EventDemux routes events to the single listener subscribed for their
// target. Events of targets without a listener are dropped.
type EventDemux struct {
	logger *log.Logger

	mu        sync.RWMutex
	listeners map[TargetID]EventListener
}

// NewEventDemux returns an empty demux.
func NewEventDemux(logger *log.Logger) *EventDemux {
	return &EventDemux{
		logger:    logger,
		listeners: make(map[TargetID]EventListener),
	}
}

// Subscribe sets the listener of target, replacing any previous one.
func (d *EventDemux) Subscribe(target TargetID, l EventListener) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.listeners[target]; ok {
		d.logger.Warnf("EventDemux:Subscribe", "tid:%s replacing listener", target)
	}
	d.listeners[target] = l
}

// Unsubscribe removes the listener of target.
func (d *EventDemux) Unsubscribe(target TargetID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.listeners, target)
}

// Dispatch delivers ev to the listener of target.
func (d *EventDemux) Dispatch(target TargetID, ev Event) {
	d.mu.RLock()
	l, ok := d.listeners[target]
	d.mu.RUnlock()

	if !ok {
		d.logger.Tracef("EventDemux:Dispatch", "tid:%s method:%s no listener", target, ev.Method)
		return
	}
	l.HandleEvent(ev)
}
