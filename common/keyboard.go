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
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"

	"github.com/liuxd6825/tabpilot/keyboardlayout"
	"github.com/liuxd6825/tabpilot/log"
)

const (
	ModifierKeyAlt int64 = 1 << iota
	ModifierKeyControl
	ModifierKeyMeta
	ModifierKeyShift
)

// Keyboard synthesizes key events for one target. Modifier and pressed key
// state follows the down and up calls made through it.
type Keyboard struct {
	session cdp.Executor
	logger  *log.Logger
	goos    string

	mu          sync.Mutex
	modifiers   int64           // like shift, alt, ctrl, ...
	pressedKeys map[string]bool // codes held through down() and up()
	layout      keyboardlayout.KeyboardLayout
}

// NewKeyboard returns a keyboard using layout. s must route commands to the
// target's session.
func NewKeyboard(s cdp.Executor, layout keyboardlayout.KeyboardLayout, logger *log.Logger) *Keyboard {
	return &Keyboard{
		session:     s,
		logger:      logger,
		goos:        runtime.GOOS,
		pressedKeys: make(map[string]bool),
		layout:      layout,
	}
}

// Down sends a key down message to a session target. Pressing a key that
// is already down is reported as an auto repeat.
func (k *Keyboard) Down(ctx context.Context, key string) error {
	if err := k.down(ctx, key); err != nil {
		return fmt.Errorf("sending key down: %w", err)
	}
	return nil
}

// Up sends a key up message to a session target.
func (k *Keyboard) Up(ctx context.Context, key string) error {
	if err := k.up(ctx, key); err != nil {
		return fmt.Errorf("sending key up: %w", err)
	}
	return nil
}

// Press sends key down and key up messages, pausing for the Delay option in
// between. A combination such as "Control+Shift+A" presses the keys in
// order and releases them in reverse.
func (k *Keyboard) Press(ctx context.Context, key string, opts *KeyboardOptions) error {
	if err := k.comboPress(ctx, key, opts); err != nil {
		return fmt.Errorf("pressing key: %w", err)
	}
	return nil
}

// SendCharacter inserts char without dispatching key events.
func (k *Keyboard) SendCharacter(ctx context.Context, char string) error {
	if err := k.insertText(ctx, char); err != nil {
		return fmt.Errorf("sending character: %w", err)
	}
	return nil
}

// Type presses a key for each character of text that the layout knows and
// inserts the others directly. The Delay option applies to every character.
func (k *Keyboard) Type(ctx context.Context, text string, opts *KeyboardOptions) error {
	if err := k.typ(ctx, text, opts); err != nil {
		return fmt.Errorf("typing text: %w", err)
	}
	return nil
}

// Modifiers returns the bit set of the modifier keys currently down.
func (k *Keyboard) Modifiers() int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.modifiers
}

// PressedKeys returns the sorted codes of the keys currently down.
func (k *Keyboard) PressedKeys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()

	codes := make([]string, 0, len(k.pressedKeys))
	for c := range k.pressedKeys {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

func (k *Keyboard) down(ctx context.Context, key string) error {
	key = k.platformSpecificResolution(key)

	k.mu.Lock()
	keyDef, err := k.keyDefinitionFromKey(keyboardlayout.KeyInput(key))
	if err != nil {
		k.mu.Unlock()
		return err
	}
	k.modifiers |= modifierBitFromKeyName(keyDef.Key)
	autoRepeat := k.pressedKeys[keyDef.Code]
	k.pressedKeys[keyDef.Code] = true
	modifiers := k.modifiers
	k.mu.Unlock()

	text := keyDef.Text
	keyType := input.KeyDown
	if text == "" {
		keyType = input.KeyRawDown
	}
	k.logger.Debugf("Keyboard:down", "key:%q code:%s modifiers:%d autoRepeat:%t", keyDef.Key, keyDef.Code, modifiers, autoRepeat)

	action := input.DispatchKeyEvent(keyType).
		WithModifiers(input.Modifier(modifiers)).
		WithKey(keyDef.Key).
		WithWindowsVirtualKeyCode(keyDef.KeyCode).
		WithCode(keyDef.Code).
		WithLocation(keyDef.Location).
		WithIsKeypad(keyDef.Location == keyboardlayout.LocationNumpad).
		WithText(text).
		WithUnmodifiedText(text).
		WithAutoRepeat(autoRepeat)
	if err := action.Do(cdp.WithExecutor(ctx, k.session)); err != nil {
		return fmt.Errorf("dispatching key event down: %w", err)
	}

	return nil
}

func (k *Keyboard) up(ctx context.Context, key string) error {
	key = k.platformSpecificResolution(key)

	k.mu.Lock()
	keyDef, err := k.keyDefinitionFromKey(keyboardlayout.KeyInput(key))
	if err != nil {
		k.mu.Unlock()
		return err
	}
	k.modifiers &= ^modifierBitFromKeyName(keyDef.Key)
	delete(k.pressedKeys, keyDef.Code)
	modifiers := k.modifiers
	k.mu.Unlock()

	k.logger.Debugf("Keyboard:up", "key:%q code:%s modifiers:%d", keyDef.Key, keyDef.Code, modifiers)

	action := input.DispatchKeyEvent(input.KeyUp).
		WithModifiers(input.Modifier(modifiers)).
		WithKey(keyDef.Key).
		WithWindowsVirtualKeyCode(keyDef.KeyCode).
		WithCode(keyDef.Code).
		WithLocation(keyDef.Location)
	if err := action.Do(cdp.WithExecutor(ctx, k.session)); err != nil {
		return fmt.Errorf("dispatching key event up: %w", err)
	}

	return nil
}

func (k *Keyboard) insertText(ctx context.Context, text string) error {
	action := input.InsertText(text)
	if err := action.Do(cdp.WithExecutor(ctx, k.session)); err != nil {
		return fmt.Errorf("inserting text: %w", err)
	}
	return nil
}

// keyDefinitionFromKey resolves key against the layout and the current
// modifiers. It must be called with k.mu held.
func (k *Keyboard) keyDefinitionFromKey(key keyboardlayout.KeyInput) (keyboardlayout.KeyDefinition, error) {
	shift := k.modifiers & ModifierKeyShift

	srcKeyDef, ok := k.layout.KeyDefinition(key)
	// Characters on the shift layer, e.g. `@`, resolve to their key and
	// are typed with shift.
	var foundInShift bool
	if !ok {
		srcKeyDef, ok = k.layout.ShiftKeyDefinition(key)
		if !ok {
			return keyboardlayout.KeyDefinition{}, fmt.Errorf("%w: %q for layout %q", ErrUnknownKey, key, k.layout.Name)
		}
		shift = ModifierKeyShift
		foundInShift = true
	}

	keyDef := keyboardlayout.KeyDefinition{
		Code:     srcKeyDef.Code,
		Key:      srcKeyDef.Key,
		KeyCode:  srcKeyDef.KeyCode,
		Location: srcKeyDef.Location,
	}
	if len(srcKeyDef.Key) == 1 {
		keyDef.Text = srcKeyDef.Key
	}
	if srcKeyDef.Text != "" {
		keyDef.Text = srcKeyDef.Text
	}
	if shift != 0 && srcKeyDef.ShiftKeyCode != 0 {
		keyDef.KeyCode = srcKeyDef.ShiftKeyCode
	}
	// Shift only changes the produced character for letter codes (`KeyX`)
	// and for characters that live on the shift layer. Pressing `2` with
	// shift held still reports `2`.
	if (strings.HasPrefix(string(key), "Key") || foundInShift) && shift != 0 && srcKeyDef.ShiftKey != "" {
		keyDef.Key = srcKeyDef.ShiftKey
		keyDef.Text = srcKeyDef.ShiftKey
	}
	// If any modifiers besides shift are pressed, no text should be sent
	if k.modifiers&^ModifierKeyShift != 0 {
		keyDef.Text = ""
	}
	return keyDef, nil
}

func modifierBitFromKeyName(key string) int64 {
	switch key {
	case "Alt":
		return ModifierKeyAlt
	case "Control":
		return ModifierKeyControl
	case "Meta":
		return ModifierKeyMeta
	case "Shift":
		return ModifierKeyShift
	}
	return 0
}

func (k *Keyboard) platformSpecificResolution(key string) string {
	if key == "ControlOrMeta" {
		if k.goos == "darwin" {
			key = "Meta"
		} else {
			key = "Control"
		}
	}
	return key
}

func (k *Keyboard) comboPress(ctx context.Context, keys string, opts *KeyboardOptions) error {
	kk := split(keys)
	if len(kk) == 1 {
		return k.press(ctx, kk[0], opts)
	}

	for i, key := range kk {
		if err := k.down(ctx, key); err != nil {
			k.releaseAll(ctx, kk[:i])
			return fmt.Errorf("cannot do key down: %w", err)
		}
	}
	if opts != nil && opts.Delay > 0 {
		if err := wait(ctx, time.Duration(opts.Delay)*time.Millisecond); err != nil {
			k.releaseAll(ctx, kk)
			return err
		}
	}
	for i := range kk {
		key := kk[len(kk)-i-1]
		if err := k.up(ctx, key); err != nil {
			return fmt.Errorf("cannot do key up: %w", err)
		}
	}

	return nil
}

// releaseAll sends key up for keys in reverse order, ignoring failures. It
// keeps the modifier state in step after an aborted combination.
func (k *Keyboard) releaseAll(ctx context.Context, keys []string) {
	ctx = context.WithoutCancel(ctx)
	for i := len(keys) - 1; i >= 0; i-- {
		if err := k.up(ctx, keys[i]); err != nil {
			k.logger.Debugf("Keyboard:releaseAll", "key:%q err:%v", keys[i], err)
		}
	}
}

func (k *Keyboard) press(ctx context.Context, key string, opts *KeyboardOptions) error {
	if err := k.down(ctx, key); err != nil {
		return fmt.Errorf("key down: %w", err)
	}
	if opts != nil && opts.Delay > 0 {
		if err := wait(ctx, time.Duration(opts.Delay)*time.Millisecond); err != nil {
			_ = k.up(context.WithoutCancel(ctx), key)
			return err
		}
	}
	return k.up(ctx, key)
}

func (k *Keyboard) typ(ctx context.Context, text string, opts *KeyboardOptions) error {
	for _, c := range text {
		char := string(c)
		if k.layout.IsValid(keyboardlayout.KeyInput(char)) {
			if err := k.press(ctx, char, opts); err != nil {
				return fmt.Errorf("pressing key: %w", err)
			}
			continue
		}
		if opts != nil && opts.Delay > 0 {
			if err := wait(ctx, time.Duration(opts.Delay)*time.Millisecond); err != nil {
				return err
			}
		}
		if err := k.insertText(ctx, char); err != nil {
			return fmt.Errorf("inserting text: %w", err)
		}
	}
	return nil
}
