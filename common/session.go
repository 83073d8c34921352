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
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
)

var _ cdp.Executor = &Session{}

// Session is a flat target session multiplexed over a Connection.
type Session struct {
	conn   *Connection
	id     target.SessionID
	target TargetID
}

// ID returns the browser assigned session id.
func (s *Session) ID() target.SessionID { return s.id }

// Target returns the target the session is attached to.
func (s *Session) Target() TargetID { return s.target }

// Execute sends a command to the session's target.
func (s *Session) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return s.conn.send(ctx, s.id, method, params, res)
}
