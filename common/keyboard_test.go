package common

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/tabpilot/keyboardlayout"
	"github.com/liuxd6825/tabpilot/log"
	"github.com/liuxd6825/tabpilot/tests/cdptest"
)

func newTestKeyboard(t *testing.T) (*Keyboard, *cdptest.Executor) {
	t.Helper()

	layout, ok := keyboardlayout.GetKeyboardLayout("us")
	require.True(t, ok)
	exec := cdptest.NewExecutor()
	return NewKeyboard(exec, layout, log.NewNullLogger()), exec
}

// keyEvent mirrors the recorded Input.dispatchKeyEvent params. Modifiers
// is a plain bitmask since cdproto only decodes single modifier values.
type keyEvent struct {
	Type                  input.KeyType `json:"type"`
	Modifiers             int64         `json:"modifiers"`
	Key                   string        `json:"key"`
	Code                  string        `json:"code"`
	Text                  string        `json:"text"`
	WindowsVirtualKeyCode int64         `json:"windowsVirtualKeyCode"`
	AutoRepeat            bool          `json:"autoRepeat"`
}

func keyEvents(t *testing.T, exec *cdptest.Executor) []keyEvent {
	t.Helper()

	var out []keyEvent
	for _, c := range exec.Calls(input.CommandDispatchKeyEvent) {
		var ev keyEvent
		require.NoError(t, c.Decode(&ev))
		out = append(out, ev)
	}
	return out
}

func TestKeyboardDownUp(t *testing.T) {
	t.Parallel()

	kb, exec := newTestKeyboard(t)
	ctx := context.Background()

	require.NoError(t, kb.Down(ctx, "a"))
	require.NoError(t, kb.Down(ctx, "a"))
	assert.Equal(t, []string{"KeyA"}, kb.PressedKeys())
	require.NoError(t, kb.Up(ctx, "a"))
	assert.Empty(t, kb.PressedKeys())

	evs := keyEvents(t, exec)
	require.Len(t, evs, 3)
	assert.Equal(t, input.KeyDown, evs[0].Type)
	assert.Equal(t, "a", evs[0].Text)
	assert.Equal(t, "KeyA", evs[0].Code)
	assert.Equal(t, int64(65), evs[0].WindowsVirtualKeyCode)
	assert.False(t, evs[0].AutoRepeat)
	assert.True(t, evs[1].AutoRepeat, "repeated down is an auto repeat")
	assert.Equal(t, input.KeyUp, evs[2].Type)
}

func TestKeyboardModifiers(t *testing.T) {
	t.Parallel()

	kb, exec := newTestKeyboard(t)
	ctx := context.Background()

	require.NoError(t, kb.Down(ctx, "Shift"))
	require.NoError(t, kb.Press(ctx, "KeyA", nil))
	require.NoError(t, kb.Up(ctx, "Shift"))

	require.NoError(t, kb.Down(ctx, "Control"))
	assert.Equal(t, ModifierKeyControl, kb.Modifiers())
	require.NoError(t, kb.Press(ctx, "b", nil))
	require.NoError(t, kb.Up(ctx, "Control"))
	assert.Zero(t, kb.Modifiers())

	evs := keyEvents(t, exec)
	require.Len(t, evs, 8)

	assert.Equal(t, input.KeyRawDown, evs[0].Type, "Shift has no text")
	assert.Equal(t, ModifierKeyShift, evs[0].Modifiers)
	assert.Equal(t, "A", evs[1].Key)
	assert.Equal(t, "A", evs[1].Text, "shift applies to letter codes")

	assert.Equal(t, ModifierKeyControl, evs[5].Modifiers)
	assert.Equal(t, input.KeyRawDown, evs[5].Type)
	assert.Empty(t, evs[5].Text, "no text while a non-shift modifier is held")
	assert.Zero(t, evs[7].Modifiers)
}

func TestKeyboardShiftLayer(t *testing.T) {
	t.Parallel()

	kb, exec := newTestKeyboard(t)
	require.NoError(t, kb.Press(context.Background(), "@", nil))

	evs := keyEvents(t, exec)
	require.Len(t, evs, 2)
	assert.Equal(t, "Digit2", evs[0].Code)
	assert.Equal(t, "@", evs[0].Key)
	assert.Equal(t, "@", evs[0].Text)
}

func TestKeyboardHeldShift(t *testing.T) {
	t.Parallel()

	tests := []struct {
		press, key, text string
	}{
		{press: "2", key: "2", text: "2"},
		{press: "Digit2", key: "2", text: "2"},
		{press: "a", key: "a", text: "a"},
		{press: "KeyA", key: "A", text: "A"},
		{press: "@", key: "@", text: "@"},
	}
	for _, tt := range tests {
		t.Run(tt.press, func(t *testing.T) {
			t.Parallel()

			kb, exec := newTestKeyboard(t)
			ctx := context.Background()
			require.NoError(t, kb.Down(ctx, "Shift"))
			require.NoError(t, kb.Press(ctx, tt.press, nil))

			evs := keyEvents(t, exec)
			require.Len(t, evs, 3)
			assert.Equal(t, ModifierKeyShift, evs[1].Modifiers)
			assert.Equal(t, tt.key, evs[1].Key)
			assert.Equal(t, tt.text, evs[1].Text)
		})
	}
}

func TestKeyboardUnknownKey(t *testing.T) {
	t.Parallel()

	kb, exec := newTestKeyboard(t)
	err := kb.Down(context.Background(), "NotAKey")
	assert.ErrorIs(t, err, ErrUnknownKey)
	assert.Empty(t, exec.Calls())
	assert.Empty(t, kb.PressedKeys())
}

func TestKeyboardComboPress(t *testing.T) {
	t.Parallel()

	kb, exec := newTestKeyboard(t)
	kb.goos = "darwin"
	require.NoError(t, kb.Press(context.Background(), "ControlOrMeta+Shift+a", nil))

	evs := keyEvents(t, exec)
	var seq []string
	for _, ev := range evs {
		seq = append(seq, string(ev.Type)+":"+ev.Code)
	}
	assert.Equal(t, []string{
		"rawKeyDown:MetaLeft",
		"rawKeyDown:ShiftLeft",
		"rawKeyDown:KeyA",
		"keyUp:KeyA",
		"keyUp:ShiftLeft",
		"keyUp:MetaLeft",
	}, seq)
	require.Len(t, evs, 6)
	assert.Equal(t, ModifierKeyMeta|ModifierKeyShift, evs[2].Modifiers, "combined modifiers are sent as one bitmask")
	assert.Equal(t, ModifierKeyMeta, evs[4].Modifiers)
	assert.Zero(t, kb.Modifiers())
	assert.Empty(t, kb.PressedKeys())
}

func TestKeyboardComboPressUnknownReleases(t *testing.T) {
	t.Parallel()

	kb, _ := newTestKeyboard(t)
	err := kb.Press(context.Background(), "Control+Nope", nil)
	assert.ErrorIs(t, err, ErrUnknownKey)
	assert.Zero(t, kb.Modifiers())
	assert.Empty(t, kb.PressedKeys())
}

func TestKeyboardType(t *testing.T) {
	t.Parallel()

	kb, exec := newTestKeyboard(t)
	require.NoError(t, kb.Type(context.Background(), "Hé!", nil))

	calls := exec.Calls()
	var methods []string
	for _, c := range calls {
		methods = append(methods, c.Method)
	}
	assert.Equal(t, []string{
		input.CommandDispatchKeyEvent, input.CommandDispatchKeyEvent, // H
		input.CommandInsertText,                                      // é
		input.CommandDispatchKeyEvent, input.CommandDispatchKeyEvent, // !
	}, methods)

	var p input.InsertTextParams
	require.NoError(t, calls[2].Decode(&p))
	assert.Equal(t, "é", p.Text)
}

func TestKeyboardTypeNewlines(t *testing.T) {
	t.Parallel()

	kb, exec := newTestKeyboard(t)
	require.NoError(t, kb.Type(context.Background(), "a\nb\r", nil))
	assert.Empty(t, exec.Calls(input.CommandInsertText), "line breaks are typed as Enter")

	evs := keyEvents(t, exec)
	require.Len(t, evs, 8)
	for _, i := range []int{2, 6} {
		assert.Equal(t, input.KeyDown, evs[i].Type)
		assert.Equal(t, "Enter", evs[i].Key)
		assert.Equal(t, "Enter", evs[i].Code)
		assert.Equal(t, "\r", evs[i].Text)
		assert.Equal(t, int64(13), evs[i].WindowsVirtualKeyCode)
		assert.Equal(t, input.KeyUp, evs[i+1].Type)
		assert.Equal(t, "Enter", evs[i+1].Code)
	}
	assert.Equal(t, "b", evs[4].Text)
	assert.Empty(t, kb.PressedKeys())
}

func TestKeyboardTypeDelay(t *testing.T) {
	t.Parallel()

	kb, _ := newTestKeyboard(t)
	start := time.Now()
	require.NoError(t, kb.Type(context.Background(), "ab", &KeyboardOptions{Delay: 20}))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := kb.Press(ctx, "a", &KeyboardOptions{Delay: 1000})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, kb.PressedKeys(), "an interrupted press releases the key")
}

func TestKeyboardSendCharacter(t *testing.T) {
	t.Parallel()

	kb, exec := newTestKeyboard(t)
	boom := errors.New("boom")
	require.NoError(t, kb.SendCharacter(context.Background(), "嗨"))
	exec.Handle(input.CommandInsertText, func(context.Context, json.RawMessage) (any, error) { return nil, boom })
	assert.ErrorIs(t, kb.SendCharacter(context.Background(), "x"), boom)
}

func TestKeyboardStateOnDispatchFailure(t *testing.T) {
	t.Parallel()

	kb, exec := newTestKeyboard(t)
	ctx := context.Background()
	boom := errors.New("boom")
	fail := true
	exec.Handle(input.CommandDispatchKeyEvent, func(context.Context, json.RawMessage) (any, error) {
		if fail {
			return nil, boom
		}
		return nil, nil
	})

	require.ErrorIs(t, kb.Down(ctx, "Shift"), boom)
	assert.Equal(t, []string{"ShiftLeft"}, kb.PressedKeys(), "state is recorded before dispatch")
	assert.Equal(t, ModifierKeyShift, kb.Modifiers())

	require.ErrorIs(t, kb.Up(ctx, "Shift"), boom)
	assert.Empty(t, kb.PressedKeys())
	assert.Zero(t, kb.Modifiers())

	assert.ErrorIs(t, kb.Down(ctx, "NoSuchKey"), ErrUnknownKey)
	assert.Empty(t, kb.PressedKeys(), "an unresolved key records nothing")

	fail = false
	require.NoError(t, kb.Down(ctx, "a"))
	assert.Equal(t, []string{"KeyA"}, kb.PressedKeys())
}

// For any sequence of down and up calls the pressed keys equal the parity
// model: down adds the code if absent, up removes it if present.
func TestKeyboardPressedKeysParity(t *testing.T) {
	t.Parallel()

	keys := []struct{ key, code string }{
		{"a", "KeyA"}, {"KeyB", "KeyB"}, {"Shift", "ShiftLeft"}, {"Control", "ControlLeft"},
		{"Alt", "AltLeft"}, {"Meta", "MetaLeft"}, {"Enter", "Enter"}, {"1", "Digit1"}, {"ArrowUp", "ArrowUp"},
	}
	bits := map[string]int64{
		"ShiftLeft": ModifierKeyShift, "ControlLeft": ModifierKeyControl,
		"AltLeft": ModifierKeyAlt, "MetaLeft": ModifierKeyMeta,
	}

	for seed := int64(0); seed < 50; seed++ {
		kb, _ := newTestKeyboard(t)
		rnd := rand.New(rand.NewSource(seed)) //nolint:gosec
		model := make(map[string]bool)

		for i := 0; i < 60; i++ {
			k := keys[rnd.Intn(len(keys))]
			if rnd.Intn(2) == 0 {
				require.NoError(t, kb.Down(context.Background(), k.key))
				model[k.code] = true
			} else {
				require.NoError(t, kb.Up(context.Background(), k.key))
				delete(model, k.code)
			}
		}

		want := make([]string, 0, len(model))
		var wantMods int64
		for c := range model {
			want = append(want, c)
			wantMods |= bits[c]
		}
		sort.Strings(want)
		assert.Equal(t, want, kb.PressedKeys(), "seed %d", seed)
		assert.Equal(t, wantMods, kb.Modifiers(), "seed %d", seed)
	}
}

func TestKeyboardOptionsParse(t *testing.T) {
	t.Parallel()

	o := NewKeyboardOptions()
	require.NoError(t, o.Parse(gjson.Parse(`{"delay": 25, "other": true}`)))
	assert.Equal(t, int64(25), o.Delay)

	require.NoError(t, o.Parse(gjson.Result{}))
	assert.Equal(t, int64(25), o.Delay)

	assert.ErrorIs(t, o.Parse(gjson.Parse(`{"delay": "slow"}`)), ErrInvalidCommandParam)
	assert.ErrorIs(t, o.Parse(gjson.Parse(`[1]`)), ErrInvalidCommandParam)
	assert.ErrorIs(t, o.Parse(gjson.Parse(`{"delay": -1}`)), ErrInvalidCommandParam)
}
