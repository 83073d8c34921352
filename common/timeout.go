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

import "time"

// Default budgets of the bounded operations.
const (
	DefaultTimeout            = 30 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultSelectorTimeout    = 5 * time.Second
	DefaultSelectorInterval   = 500 * time.Millisecond
	DefaultNavigationTimeout  = 30 * time.Second
	DefaultNavigationInterval = 100 * time.Millisecond
)

// TimeoutSettings holds the budgets of one page. Unset values fall back to
// the parent settings and then to the package defaults.
type TimeoutSettings struct {
	parent *TimeoutSettings

	defaultTimeout     *time.Duration
	handshakeTimeout   *time.Duration
	selectorTimeout    *time.Duration
	selectorInterval   *time.Duration
	navigationTimeout  *time.Duration
	navigationInterval *time.Duration
}

// NewTimeoutSettings creates settings that inherit from parent, which may
// be nil.
func NewTimeoutSettings(parent *TimeoutSettings) *TimeoutSettings {
	return &TimeoutSettings{parent: parent}
}

func (t *TimeoutSettings) SetDefaultTimeout(d time.Duration)     { t.defaultTimeout = &d }
func (t *TimeoutSettings) SetHandshakeTimeout(d time.Duration)   { t.handshakeTimeout = &d }
func (t *TimeoutSettings) SetSelectorTimeout(d time.Duration)    { t.selectorTimeout = &d }
func (t *TimeoutSettings) SetSelectorInterval(d time.Duration)   { t.selectorInterval = &d }
func (t *TimeoutSettings) SetNavigationTimeout(d time.Duration)  { t.navigationTimeout = &d }
func (t *TimeoutSettings) SetNavigationInterval(d time.Duration) { t.navigationInterval = &d }

// Timeout is the budget of input gestures and drag interception.
func (t *TimeoutSettings) Timeout() time.Duration {
	return t.lookup(func(s *TimeoutSettings) *time.Duration { return s.defaultTimeout }, DefaultTimeout)
}

// HandshakeTimeout is the budget of the frame coordinate handshake.
func (t *TimeoutSettings) HandshakeTimeout() time.Duration {
	return t.lookup(func(s *TimeoutSettings) *time.Duration { return s.handshakeTimeout }, DefaultHandshakeTimeout)
}

func (t *TimeoutSettings) SelectorTimeout() time.Duration {
	return t.lookup(func(s *TimeoutSettings) *time.Duration { return s.selectorTimeout }, DefaultSelectorTimeout)
}

func (t *TimeoutSettings) SelectorInterval() time.Duration {
	return t.lookup(func(s *TimeoutSettings) *time.Duration { return s.selectorInterval }, DefaultSelectorInterval)
}

// NavigationTimeout is the budget of the wait for a usable default
// execution context after a navigation.
func (t *TimeoutSettings) NavigationTimeout() time.Duration {
	if d := t.lookup(func(s *TimeoutSettings) *time.Duration { return s.navigationTimeout }, 0); d != 0 {
		return d
	}
	return t.lookup(func(s *TimeoutSettings) *time.Duration { return s.defaultTimeout }, DefaultNavigationTimeout)
}

func (t *TimeoutSettings) NavigationInterval() time.Duration {
	return t.lookup(func(s *TimeoutSettings) *time.Duration { return s.navigationInterval }, DefaultNavigationInterval)
}

func (t *TimeoutSettings) lookup(field func(*TimeoutSettings) *time.Duration, def time.Duration) time.Duration {
	for s := t; s != nil; s = s.parent {
		if d := field(s); d != nil {
			return *d
		}
	}
	return def
}
