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

// Package ws provides a websocket server that stands in for a browser's
// debugging endpoint in tests.
package ws

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/mccutchen/go-httpbin/httpbin"
)

// Server can be used as a test alternative to a real CDP compatible browser.
type Server struct {
	t          testing.TB
	Mux        *http.ServeMux
	ServerHTTP *httptest.Server
}

// NewServer returns a fully configured and running WS test server.
func NewServer(t testing.TB, opts ...func(*Server)) *Server {
	t.Helper()

	// Create a http.ServeMux and set the httpbin handler as the default
	mux := http.NewServeMux()
	mux.Handle("/", httpbin.New().Handler())

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	s := &Server{
		t:          t,
		Mux:        mux,
		ServerHTTP: server,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WSURL returns the websocket URL of path on the server.
func (s *Server) WSURL(path string) string {
	return "ws" + strings.TrimPrefix(s.ServerHTTP.URL, "http") + path
}

// WithClosureAbnormalHandler attaches an abnormal closure behavior to Server.
func WithClosureAbnormalHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		// This forces a connection closure without a proper WS close message exchange
		_ = conn.Close()
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// WithEchoHandler attaches an echo handler to Server.
func WithEchoHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		messageType, r, err := conn.NextReader()
		if err != nil {
			return
		}
		wc, err := conn.NextWriter(messageType)
		if err != nil {
			return
		}
		if _, err = io.Copy(wc, r); err != nil {
			return
		}
		if err = wc.Close(); err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(10*time.Second),
		)
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// CDPHandler answers one message read from the client. Replies and events
// are sent on writeCh.
type CDPHandler func(msg *cdproto.Message, writeCh chan<- cdproto.Message)

// CommandLog records the methods of the commands a CDP handler received.
type CommandLog struct {
	mu      sync.Mutex
	methods []cdproto.MethodType
}

func (l *CommandLog) add(m cdproto.MethodType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.methods = append(l.methods, m)
}

// Methods returns the received methods in order.
func (l *CommandLog) Methods() []cdproto.MethodType {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]cdproto.MethodType(nil), l.methods...)
}

// WithCDPHandler attaches a custom CDP handler function to Server. Every
// received command is recorded in cmds when it is not nil.
func WithCDPHandler(path string, fn CDPHandler, cmds *CommandLog) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		done := make(chan struct{})
		writeCh := make(chan cdproto.Message)
		defer func() {
			_ = conn.Close()
			// Unblock the handler until the reader stops.
			for {
				select {
				case <-writeCh:
				case <-done:
					return
				}
			}
		}()

		go func() {
			defer close(done)
			for {
				_, buf, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var msg cdproto.Message
				decoder := jlexer.Lexer{Data: buf}
				msg.UnmarshalEasyJSON(&decoder)
				if err := decoder.Error(); err != nil {
					return
				}
				if msg.Method != "" && cmds != nil {
					cmds.add(msg.Method)
				}
				fn(&msg, writeCh)
			}
		}()

		for {
			select {
			case msg := <-writeCh:
				encoder := jwriter.Writer{}
				msg.MarshalEasyJSON(&encoder)
				if encoder.Error != nil {
					return
				}
				writer, err := conn.NextWriter(websocket.TextMessage)
				if err != nil {
					return
				}
				if _, err := encoder.DumpTo(writer); err != nil {
					return
				}
				if err := writer.Close(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// SessionID returns the session id CDPDefaultHandler assigns to a target.
func SessionID(targetID string) string {
	return "session-" + targetID
}

// CDPDefaultHandler attaches flat sessions named after their target,
// answers detaches with a detached event and every other command with an
// empty result.
func CDPDefaultHandler(msg *cdproto.Message, writeCh chan<- cdproto.Message) {
	if msg.Method == "" {
		return
	}
	if msg.SessionID != "" {
		writeCh <- cdproto.Message{ID: msg.ID, SessionID: msg.SessionID, Result: easyjson.RawMessage(`{}`)}
		return
	}

	switch msg.Method {
	case cdproto.CommandTargetAttachToTarget:
		var p struct {
			TargetID string `json:"targetId"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		sid := SessionID(p.TargetID)
		writeCh <- cdproto.Message{
			Method: cdproto.EventTargetAttachedToTarget,
			Params: easyjson.RawMessage(fmt.Sprintf(
				`{"sessionId":%q,"targetInfo":{"targetId":%q,"type":"page","title":"","url":"about:blank","attached":true},"waitingForDebugger":false}`,
				sid, p.TargetID)),
		}
		writeCh <- cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(fmt.Sprintf(`{"sessionId":%q}`, sid))}
	case cdproto.CommandTargetDetachFromTarget:
		var p struct {
			SessionID string `json:"sessionId"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		writeCh <- cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(`{}`)}
		writeCh <- cdproto.Message{
			Method: cdproto.EventTargetDetachedFromTarget,
			Params: easyjson.RawMessage(fmt.Sprintf(`{"sessionId":%q}`, p.SessionID)),
		}
	default:
		writeCh <- cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(`{}`)}
	}
}
