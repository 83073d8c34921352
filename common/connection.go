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
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	cdppage "github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"

	"github.com/liuxd6825/tabpilot/log"
)

const wsWriteBufferSize = 1 << 20

var (
	_ cdp.Executor = &Connection{}
	_ Transport    = &Connection{}
)

// Connection is the websocket connection to the browser's debugging
// endpoint. Commands without a session go to the browser itself; target
// sessions are multiplexed over it in flat mode.
type Connection struct {
	ctx    context.Context
	wsURL  string
	logger *log.Logger
	sink   EventSink

	conn         *websocket.Conn
	sendCh       chan *cdproto.Message
	done         chan struct{}
	shutdownOnce sync.Once
	closeErr     error
	msgID        int64

	pendingMu sync.Mutex
	pending   map[int64]chan *cdproto.Message

	sessionsMu sync.RWMutex
	sessions   map[target.SessionID]*Session
	byTarget   map[TargetID]*Session

	// Reuse the easyjson structs to avoid allocs per Read/Write.
	decoder jlexer.Lexer
	encoder jwriter.Writer
}

// NewConnection dials wsURL and starts the read and write loops. Decoded
// events are handed to sink keyed by the target of their session.
func NewConnection(ctx context.Context, wsURL string, sink EventSink, logger *log.Logger) (*Connection, error) {
	wsd := websocket.Dialer{
		HandshakeTimeout: time.Second * 60,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}

	conn, _, err := wsd.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to %q: %w", wsURL, err)
	}

	c := &Connection{
		ctx:      ctx,
		wsURL:    wsURL,
		logger:   logger,
		sink:     sink,
		conn:     conn,
		sendCh:   make(chan *cdproto.Message, 32), // Avoid blocking in Execute
		done:     make(chan struct{}),
		pending:  make(map[int64]chan *cdproto.Message),
		sessions: make(map[target.SessionID]*Session),
		byTarget: make(map[TargetID]*Session),
	}

	go c.recvLoop()
	go c.sendLoop()

	return c, nil
}

// Done is closed once the connection shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection shut down, nil while it is open or after a
// clean close.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// shutdown stops both loops and fails every command still waiting for a
// reply. Only the first call has an effect.
func (c *Connection) shutdown(cause error) {
	c.shutdownOnce.Do(func() {
		c.closeErr = cause
		_ = c.conn.Close()
		close(c.done)

		c.sessionsMu.Lock()
		c.sessions = make(map[target.SessionID]*Session)
		c.byTarget = make(map[TargetID]*Session)
		c.sessionsMu.Unlock()

		if cause != nil {
			c.logger.Debugf("Connection:shutdown", "wsURL:%q err:%v", c.wsURL, cause)
		}
	})
}

// Close sends a close frame and shuts the connection down.
func (c *Connection) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(10*time.Second),
	)
	c.shutdown(nil)
	return err
}

func (c *Connection) closedError() error {
	if c.closeErr != nil {
		return fmt.Errorf("%w: %w", ErrConnectionClosed, c.closeErr)
	}
	return ErrConnectionClosed
}

func (c *Connection) handleIOError(err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.shutdown(nil)
		return
	}
	c.shutdown(err)
}

func (c *Connection) recvLoop() {
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			c.handleIOError(err)
			return
		}

		c.logger.Tracef("cdp:recv", "<- %s", buf)

		var msg cdproto.Message
		c.decoder = jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&c.decoder)
		if err := c.decoder.Error(); err != nil {
			c.logger.Errorf("cdp:recv", "decoding message: %v", err)
			continue
		}

		if msg.ID != 0 {
			c.deliver(&msg)
			continue
		}
		if msg.Method != "" {
			c.route(&msg)
		}
	}
}

func (c *Connection) deliver(msg *cdproto.Message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Debugf("cdp:recv", "reply to unknown command id:%d", msg.ID)
		return
	}
	ch <- msg
}

// route hands an event to the sink. Session events go to the session's
// target; events of sessions the connection does not know are dropped.
func (c *Connection) route(msg *cdproto.Message) {
	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		if !errors.Is(err, cdp.ErrUnknownCommandOrEvent(msg.Method)) {
			c.logger.Errorf("cdp:recv", "decoding event %q: %v", msg.Method, err)
		}
		return
	}

	if msg.SessionID != "" {
		s := c.getSession(msg.SessionID)
		if s == nil {
			c.logger.Tracef("cdp:recv", "dropping %q for unknown session %q", msg.Method, msg.SessionID)
			return
		}
		c.sink.Dispatch(s.target, Event{Method: msg.Method, Data: ev})
		return
	}

	if d, ok := ev.(*target.EventDetachedFromTarget); ok {
		if s := c.forgetSession(d.SessionID); s != nil {
			c.logger.Debugf("Connection:route", "sid:%v tid:%v detached unexpectedly", s.id, s.target)
			c.sink.Dispatch(BrowserTarget, Event{Method: msg.Method, Data: &TargetGone{Target: s.target}})
		}
	}
	c.sink.Dispatch(BrowserTarget, Event{Method: msg.Method, Data: ev})
}

func (c *Connection) sendLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			c.encoder = jwriter.Writer{}
			msg.MarshalEasyJSON(&c.encoder)
			if err := c.encoder.Error; err != nil {
				c.fail(msg.ID, fmt.Errorf("encoding %s: %w", msg.Method, err))
				continue
			}
			buf, _ := c.encoder.BuildBytes()
			c.logger.Tracef("cdp:send", "-> %s", buf)
			writer, err := c.conn.NextWriter(websocket.TextMessage)
			if err == nil {
				_, err = writer.Write(buf)
				if cerr := writer.Close(); err == nil {
					err = cerr
				}
			}
			if err != nil {
				c.handleIOError(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) fail(id int64, err error) {
	c.deliver(&cdproto.Message{ID: id, Error: &cdproto.Error{Code: devToolsServerErrorCode, Message: err.Error()}})
}

// Execute sends a browser level command and waits for its reply.
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return c.send(ctx, "", method, params, res)
}

// send implements Execute for the browser and for every session. Protocol
// errors are returned as the *cdproto.Error the browser replied with.
func (c *Connection) send(
	ctx context.Context, sid target.SessionID,
	method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	var buf []byte
	if params != nil {
		var err error
		if buf, err = easyjson.Marshal(params); err != nil {
			return fmt.Errorf("encoding %s params: %w", method, err)
		}
	}

	id := atomic.AddInt64(&c.msgID, 1)
	replyCh := make(chan *cdproto.Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = replyCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	msg := &cdproto.Message{
		ID:        id,
		SessionID: sid,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}
	select {
	case c.sendCh <- msg:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closedError()
	}

	select {
	case reply := <-replyCh:
		if reply.Error != nil {
			return reply.Error
		}
		if res != nil && reply.Result != nil {
			return easyjson.Unmarshal(reply.Result, res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closedError()
	}
}

func (c *Connection) getSession(id target.SessionID) *Session {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()
	return c.sessions[id]
}

func (c *Connection) forgetSession(id target.SessionID) *Session {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil
	}
	delete(c.sessions, id)
	if c.byTarget[s.target] == s {
		delete(c.byTarget, s.target)
	}
	return s
}

// AttachSession attaches a flat session to the target and enables the
// runtime and page domains on it. Events of the session are routed from
// the moment the attach reply arrives.
func (c *Connection) AttachSession(ctx context.Context, tid TargetID) (cdp.Executor, error) {
	c.logger.Debugf("Connection:AttachSession", "tid:%v", tid)

	action := target.AttachToTarget(target.ID(tid)).WithFlatten(true)
	sid, err := action.Do(cdp.WithExecutor(ctx, c))
	if err != nil {
		return nil, fmt.Errorf("attaching to target %v: %w", tid, err)
	}

	s := &Session{conn: c, id: sid, target: tid}
	c.sessionsMu.Lock()
	c.sessions[sid] = s
	c.byTarget[tid] = s
	c.sessionsMu.Unlock()

	sctx := cdp.WithExecutor(ctx, s)
	if err := cdpruntime.Enable().Do(sctx); err != nil {
		return nil, errors.Join(fmt.Errorf("enabling runtime of %v: %w", tid, err), c.CloseSession(ctx, tid))
	}
	if err := cdppage.Enable().Do(sctx); err != nil {
		return nil, errors.Join(fmt.Errorf("enabling page of %v: %w", tid, err), c.CloseSession(ctx, tid))
	}

	return s, nil
}

// CloseSession detaches the session of the target. The detach is not
// reported as TargetGone.
func (c *Connection) CloseSession(ctx context.Context, tid TargetID) error {
	c.sessionsMu.Lock()
	s, ok := c.byTarget[tid]
	if ok {
		delete(c.byTarget, tid)
		delete(c.sessions, s.id)
	}
	c.sessionsMu.Unlock()
	if !ok {
		return nil
	}

	c.logger.Debugf("Connection:CloseSession", "sid:%v tid:%v", s.id, tid)

	err := target.DetachFromTarget().WithSessionID(s.id).Do(cdp.WithExecutor(ctx, c))
	if err != nil {
		return fmt.Errorf("detaching from target %v: %w", tid, err)
	}
	return nil
}
