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

package keyboardlayout

func usKeys() []KeyDefinition {
	return []KeyDefinition{
		{Code: "Cancel", Key: "Cancel", KeyCode: 3},
		{Code: "Help", Key: "Help", KeyCode: 6},
		{Code: "Backspace", Key: "Backspace", KeyCode: 8},
		{Code: "Tab", Key: "Tab", KeyCode: 9},
		{Code: "Enter", Key: "Enter", KeyCode: 13, Text: "\r", Aliases: []string{"\r", "\n"}},
		{Code: "ShiftLeft", Key: "Shift", KeyCode: 16, Location: LocationLeft},
		{Code: "ShiftRight", Key: "Shift", KeyCode: 16, Location: LocationRight},
		{Code: "ControlLeft", Key: "Control", KeyCode: 17, Location: LocationLeft},
		{Code: "ControlRight", Key: "Control", KeyCode: 17, Location: LocationRight},
		{Code: "AltLeft", Key: "Alt", KeyCode: 18, Location: LocationLeft},
		{Code: "AltRight", Key: "Alt", KeyCode: 18, Location: LocationRight},
		{Code: "Pause", Key: "Pause", KeyCode: 19},
		{Code: "CapsLock", Key: "CapsLock", KeyCode: 20},
		{Code: "Escape", Key: "Escape", KeyCode: 27},
		{Code: "Convert", Key: "Convert", KeyCode: 28},
		{Code: "NonConvert", Key: "NonConvert", KeyCode: 29},
		{Code: "Space", Key: " ", KeyCode: 32},
		{Code: "PageUp", Key: "PageUp", KeyCode: 33},
		{Code: "PageDown", Key: "PageDown", KeyCode: 34},
		{Code: "End", Key: "End", KeyCode: 35},
		{Code: "Home", Key: "Home", KeyCode: 36},
		{Code: "ArrowLeft", Key: "ArrowLeft", KeyCode: 37},
		{Code: "ArrowUp", Key: "ArrowUp", KeyCode: 38},
		{Code: "ArrowRight", Key: "ArrowRight", KeyCode: 39},
		{Code: "ArrowDown", Key: "ArrowDown", KeyCode: 40},
		{Code: "Select", Key: "Select", KeyCode: 41},
		{Code: "Open", Key: "Execute", KeyCode: 43},
		{Code: "PrintScreen", Key: "PrintScreen", KeyCode: 44},
		{Code: "Insert", Key: "Insert", KeyCode: 45},
		{Code: "Delete", Key: "Delete", KeyCode: 46},
		{Code: "Digit0", Key: "0", KeyCode: 48, ShiftKey: ")"},
		{Code: "Digit1", Key: "1", KeyCode: 49, ShiftKey: "!"},
		{Code: "Digit2", Key: "2", KeyCode: 50, ShiftKey: "@"},
		{Code: "Digit3", Key: "3", KeyCode: 51, ShiftKey: "#"},
		{Code: "Digit4", Key: "4", KeyCode: 52, ShiftKey: "$"},
		{Code: "Digit5", Key: "5", KeyCode: 53, ShiftKey: "%"},
		{Code: "Digit6", Key: "6", KeyCode: 54, ShiftKey: "^"},
		{Code: "Digit7", Key: "7", KeyCode: 55, ShiftKey: "&"},
		{Code: "Digit8", Key: "8", KeyCode: 56, ShiftKey: "*"},
		{Code: "Digit9", Key: "9", KeyCode: 57, ShiftKey: "("},
		{Code: "KeyA", Key: "a", KeyCode: 65, ShiftKey: "A"},
		{Code: "KeyB", Key: "b", KeyCode: 66, ShiftKey: "B"},
		{Code: "KeyC", Key: "c", KeyCode: 67, ShiftKey: "C"},
		{Code: "KeyD", Key: "d", KeyCode: 68, ShiftKey: "D"},
		{Code: "KeyE", Key: "e", KeyCode: 69, ShiftKey: "E"},
		{Code: "KeyF", Key: "f", KeyCode: 70, ShiftKey: "F"},
		{Code: "KeyG", Key: "g", KeyCode: 71, ShiftKey: "G"},
		{Code: "KeyH", Key: "h", KeyCode: 72, ShiftKey: "H"},
		{Code: "KeyI", Key: "i", KeyCode: 73, ShiftKey: "I"},
		{Code: "KeyJ", Key: "j", KeyCode: 74, ShiftKey: "J"},
		{Code: "KeyK", Key: "k", KeyCode: 75, ShiftKey: "K"},
		{Code: "KeyL", Key: "l", KeyCode: 76, ShiftKey: "L"},
		{Code: "KeyM", Key: "m", KeyCode: 77, ShiftKey: "M"},
		{Code: "KeyN", Key: "n", KeyCode: 78, ShiftKey: "N"},
		{Code: "KeyO", Key: "o", KeyCode: 79, ShiftKey: "O"},
		{Code: "KeyP", Key: "p", KeyCode: 80, ShiftKey: "P"},
		{Code: "KeyQ", Key: "q", KeyCode: 81, ShiftKey: "Q"},
		{Code: "KeyR", Key: "r", KeyCode: 82, ShiftKey: "R"},
		{Code: "KeyS", Key: "s", KeyCode: 83, ShiftKey: "S"},
		{Code: "KeyT", Key: "t", KeyCode: 84, ShiftKey: "T"},
		{Code: "KeyU", Key: "u", KeyCode: 85, ShiftKey: "U"},
		{Code: "KeyV", Key: "v", KeyCode: 86, ShiftKey: "V"},
		{Code: "KeyW", Key: "w", KeyCode: 87, ShiftKey: "W"},
		{Code: "KeyX", Key: "x", KeyCode: 88, ShiftKey: "X"},
		{Code: "KeyY", Key: "y", KeyCode: 89, ShiftKey: "Y"},
		{Code: "KeyZ", Key: "z", KeyCode: 90, ShiftKey: "Z"},
		{Code: "MetaLeft", Key: "Meta", KeyCode: 91, Location: LocationLeft},
		{Code: "MetaRight", Key: "Meta", KeyCode: 92, Location: LocationRight},
		{Code: "ContextMenu", Key: "ContextMenu", KeyCode: 93},
		{Code: "F1", Key: "F1", KeyCode: 112},
		{Code: "F2", Key: "F2", KeyCode: 113},
		{Code: "F3", Key: "F3", KeyCode: 114},
		{Code: "F4", Key: "F4", KeyCode: 115},
		{Code: "F5", Key: "F5", KeyCode: 116},
		{Code: "F6", Key: "F6", KeyCode: 117},
		{Code: "F7", Key: "F7", KeyCode: 118},
		{Code: "F8", Key: "F8", KeyCode: 119},
		{Code: "F9", Key: "F9", KeyCode: 120},
		{Code: "F10", Key: "F10", KeyCode: 121},
		{Code: "F11", Key: "F11", KeyCode: 122},
		{Code: "F12", Key: "F12", KeyCode: 123},
		{Code: "NumLock", Key: "NumLock", KeyCode: 144},
		{Code: "ScrollLock", Key: "ScrollLock", KeyCode: 145},
		{Code: "Semicolon", Key: ";", KeyCode: 186, ShiftKey: ":"},
		{Code: "Equal", Key: "=", KeyCode: 187, ShiftKey: "+"},
		{Code: "Comma", Key: ",", KeyCode: 188, ShiftKey: "<"},
		{Code: "Minus", Key: "-", KeyCode: 189, ShiftKey: "_"},
		{Code: "Period", Key: ".", KeyCode: 190, ShiftKey: ">"},
		{Code: "Slash", Key: "/", KeyCode: 191, ShiftKey: "?"},
		{Code: "Backquote", Key: "`", KeyCode: 192, ShiftKey: "~"},
		{Code: "BracketLeft", Key: "[", KeyCode: 219, ShiftKey: "{"},
		{Code: "Backslash", Key: "\\", KeyCode: 220, ShiftKey: "|"},
		{Code: "BracketRight", Key: "]", KeyCode: 221, ShiftKey: "}"},
		{Code: "Quote", Key: "'", KeyCode: 222, ShiftKey: "\""},
		{Code: "Numpad0", Key: "0", KeyCode: 96, Location: LocationNumpad},
		{Code: "Numpad1", Key: "1", KeyCode: 97, Location: LocationNumpad},
		{Code: "Numpad2", Key: "2", KeyCode: 98, Location: LocationNumpad},
		{Code: "Numpad3", Key: "3", KeyCode: 99, Location: LocationNumpad},
		{Code: "Numpad4", Key: "4", KeyCode: 100, Location: LocationNumpad},
		{Code: "Numpad5", Key: "5", KeyCode: 101, Location: LocationNumpad},
		{Code: "Numpad6", Key: "6", KeyCode: 102, Location: LocationNumpad},
		{Code: "Numpad7", Key: "7", KeyCode: 103, Location: LocationNumpad},
		{Code: "Numpad8", Key: "8", KeyCode: 104, Location: LocationNumpad},
		{Code: "Numpad9", Key: "9", KeyCode: 105, Location: LocationNumpad},
		{Code: "NumpadMultiply", Key: "*", KeyCode: 106, Location: LocationNumpad},
		{Code: "NumpadAdd", Key: "+", KeyCode: 107, Location: LocationNumpad},
		{Code: "NumpadSubtract", Key: "-", KeyCode: 109, Location: LocationNumpad},
		{Code: "NumpadDecimal", Key: ".", KeyCode: 110, Location: LocationNumpad},
		{Code: "NumpadDivide", Key: "/", KeyCode: 111, Location: LocationNumpad},
		{Code: "NumpadEnter", Key: "Enter", KeyCode: 13, Text: "\r", Location: LocationNumpad},
		{Code: "AudioVolumeMute", Key: "AudioVolumeMute", KeyCode: 173},
		{Code: "AudioVolumeDown", Key: "AudioVolumeDown", KeyCode: 174},
		{Code: "AudioVolumeUp", Key: "AudioVolumeUp", KeyCode: 175},
		{Code: "MediaTrackNext", Key: "MediaTrackNext", KeyCode: 176},
		{Code: "MediaTrackPrevious", Key: "MediaTrackPrevious", KeyCode: 177},
		{Code: "MediaStop", Key: "MediaStop", KeyCode: 178},
		{Code: "MediaPlayPause", Key: "MediaPlayPause", KeyCode: 179},
	}
}
