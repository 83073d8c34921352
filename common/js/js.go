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

// Package js holds the functions evaluated inside the target's pages.
package js

import (
	_ "embed"
)

// ElementGeometry returns the client rectangles of the first element that
// matches a selector together with the size of the document's visible area,
// or null when nothing matches.
//
//go:embed element_geometry.js
var ElementGeometry string

// ScrollIntoViewIfNeeded scrolls the matched element to the center of the
// viewport unless it is fully visible. It returns false when nothing
// matches.
//
//go:embed scroll_into_view.js
var ScrollIntoViewIfNeeded string

// Focus focuses the matched element. It returns false when nothing matches
// and throws when the element cannot take focus.
//
//go:embed focus.js
var Focus string

// QuerySelector reports whether a selector matches an element.
//
//go:embed query_selector.js
var QuerySelector string

// FrameListen installs a listener in the top document that waits for a
// message carrying a token and records the offset of the iframe that sent
// it. The listener removes itself after the given number of milliseconds.
//
//go:embed frame_listen.js
var FrameListen string

// FramePost posts a token from a frame to the top window.
//
//go:embed frame_post.js
var FramePost string

// FrameOffset waits for the handshake installed by FrameListen and returns
// the offset of the matching iframe.
//
//go:embed frame_offset.js
var FrameOffset string
