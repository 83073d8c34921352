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

// Package tests holds helpers shared by the tests of several packages.
package tests

import (
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogCache implements the logrus.Hook interface and could be used to check
// if log messages were outputted
type LogCache struct {
	HookedLevels []logrus.Level

	mu      sync.RWMutex
	entries []logrus.Entry
}

var _ logrus.Hook = &LogCache{}

// Levels just returns whatever was stored in the HookedLevels slice
func (lc *LogCache) Levels() []logrus.Level {
	return lc.HookedLevels
}

// Fire saves whatever message the logrus library passed in the cache
func (lc *LogCache) Fire(e *logrus.Entry) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.entries = append(lc.entries, *e)
	return nil
}

// Contains returns true if msg is contained in any of the cached logged
// entries.
func (lc *LogCache) Contains(msg string) bool {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	for _, e := range lc.entries {
		if strings.Contains(e.Message, msg) {
			return true
		}
	}
	return false
}

// Categories returns the category field of every cached entry, in order.
func (lc *LogCache) Categories() []string {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	var out []string
	for _, e := range lc.entries {
		if c, ok := e.Data["category"].(string); ok {
			out = append(out, c)
		}
	}
	return out
}

// AttachLogCache sets logger to DebugLevel, attaches a LogCache hook and
// returns it.
func AttachLogCache(logger *logrus.Logger) *LogCache {
	lc := &LogCache{HookedLevels: []logrus.Level{logrus.DebugLevel, logrus.WarnLevel}}
	logger.SetLevel(logrus.DebugLevel)
	logger.AddHook(lc)
	logger.SetOutput(io.Discard)
	return lc
}
