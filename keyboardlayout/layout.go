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

// Package keyboardlayout maps key names and characters to the key
// definitions dispatched to the browser.
package keyboardlayout

import (
	"fmt"
	"sort"
	"sync"
)

// KeyInput is a key name ("Enter", "ArrowUp"), a code ("KeyA") or a
// single character ("a", "@").
type KeyInput string

// Location values of a KeyDefinition.
const (
	LocationStandard int64 = iota
	LocationLeft
	LocationRight
	LocationNumpad
)

type KeyDefinition struct {
	Code                   string
	Key                    string
	KeyCode                int64
	KeyCodeWithoutLocation int64
	ShiftKey               string
	ShiftKeyCode           int64
	Text                   string
	Location               int64
	// Aliases are further inputs that resolve to this key, e.g. "\n" for
	// Enter.
	Aliases []string
}

// KeyboardLayout holds the definitions of one layout. Keys is indexed by
// code; ValidKeys holds every input (code, key or shifted key) that the
// layout can resolve.
type KeyboardLayout struct {
	Name      string
	ValidKeys map[KeyInput]bool
	Keys      map[KeyInput]KeyDefinition

	byKey      map[string]KeyInput
	byShiftKey map[string]KeyInput
}

// KeyDefinition returns the definition whose code or key equals key.
func (kl KeyboardLayout) KeyDefinition(key KeyInput) (KeyDefinition, bool) {
	if d, ok := kl.Keys[key]; ok {
		return d, true
	}
	code, ok := kl.byKey[string(key)]
	if !ok {
		return KeyDefinition{}, false
	}
	return kl.Keys[code], true
}

// ShiftKeyDefinition returns the definition that produces key when shift is
// held, e.g. "Digit2" for "@".
func (kl KeyboardLayout) ShiftKeyDefinition(key KeyInput) (KeyDefinition, bool) {
	code, ok := kl.byShiftKey[string(key)]
	if !ok {
		return KeyDefinition{}, false
	}
	return kl.Keys[code], true
}

// IsValid reports whether key resolves in this layout.
func (kl KeyboardLayout) IsValid(key KeyInput) bool {
	return kl.ValidKeys[key]
}

//nolint:gochecknoglobals
var (
	kbdLayouts = make(map[string]KeyboardLayout)
	mx         sync.RWMutex
)

// GetKeyboardLayout returns the keyboard layout registered with name.
func GetKeyboardLayout(name string) (KeyboardLayout, bool) {
	mx.RLock()
	defer mx.RUnlock()
	kl, ok := kbdLayouts[name]
	return kl, ok
}

// Names returns the sorted names of the registered layouts.
func Names() []string {
	mx.RLock()
	defer mx.RUnlock()
	names := make([]string, 0, len(kbdLayouts))
	for n := range kbdLayouts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func init() {
	if err := Register("us", usKeys()); err != nil {
		panic(err)
	}
}

// Register adds a layout built from defs. The first definition that claims a
// key or shifted key wins, so the main block must be listed before the
// numpad duplicates.
func Register(name string, defs []KeyDefinition) error {
	kl := KeyboardLayout{
		Name:       name,
		ValidKeys:  make(map[KeyInput]bool, len(defs)*3),
		Keys:       make(map[KeyInput]KeyDefinition, len(defs)),
		byKey:      make(map[string]KeyInput, len(defs)),
		byShiftKey: make(map[string]KeyInput),
	}
	for _, d := range defs {
		if d.Code == "" {
			return fmt.Errorf("registering keyboard layout %q: key %q has no code", name, d.Key)
		}
		code := KeyInput(d.Code)
		if _, ok := kl.Keys[code]; ok {
			return fmt.Errorf("registering keyboard layout %q: duplicate code %q", name, d.Code)
		}
		if d.KeyCodeWithoutLocation == 0 {
			d.KeyCodeWithoutLocation = d.KeyCode
		}
		kl.Keys[code] = d
		kl.ValidKeys[code] = true
		if _, ok := kl.byKey[d.Key]; !ok && d.Key != "" {
			kl.byKey[d.Key] = code
			kl.ValidKeys[KeyInput(d.Key)] = true
		}
		if _, ok := kl.byShiftKey[d.ShiftKey]; !ok && d.ShiftKey != "" {
			kl.byShiftKey[d.ShiftKey] = code
			kl.ValidKeys[KeyInput(d.ShiftKey)] = true
		}
		for _, a := range d.Aliases {
			if _, ok := kl.byKey[a]; !ok && a != "" {
				kl.byKey[a] = code
				kl.ValidKeys[KeyInput(a)] = true
			}
		}
	}

	mx.Lock()
	defer mx.Unlock()

	if _, ok := kbdLayouts[name]; ok {
		return fmt.Errorf("keyboard layout already registered: %s", name)
	}
	kbdLayouts[name] = kl
	return nil
}
