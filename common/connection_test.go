package common

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/liuxd6825/tabpilot/log"
	"github.com/liuxd6825/tabpilot/tests/ws"
)

type sinkEvent struct {
	target TargetID
	ev     Event
}

type chanSink chan sinkEvent

func (s chanSink) Dispatch(target TargetID, ev Event) {
	s <- sinkEvent{target, ev}
}

// nextEvent returns the next event matching method.
func (s chanSink) nextEvent(t *testing.T, method cdproto.MethodType) sinkEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-s:
			if e.ev.Method == method {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", method)
		}
	}
}

// newTestConnection connects to a CDP server answering with handler. The
// connection is closed and checked for leaked goroutines at cleanup.
func newTestConnection(t *testing.T, handler ws.CDPHandler, cmds *ws.CommandLog) (*Connection, chanSink) {
	t.Helper()

	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler, cmds))
	sink := make(chanSink, 64)
	conn, err := NewConnection(context.Background(), server.WSURL("/cdp"), sink, log.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn, sink
}

func TestConnectionClosureAbnormal(t *testing.T) {
	server := ws.NewServer(t, ws.WithClosureAbnormalHandler("/closure-abnormal"))
	conn, err := NewConnection(context.Background(), server.WSURL("/closure-abnormal"), make(chanSink, 1), log.NewNullLogger())
	require.NoError(t, err)

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not shut down")
	}
	require.ErrorContains(t, conn.Err(), "websocket: close 1006 (abnormal closure): unexpected EOF")

	err = conn.Execute(context.Background(), target.CommandGetTargets, nil, nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConnectionSendRecv(t *testing.T) {
	handler := func(msg *cdproto.Message, writeCh chan<- cdproto.Message) {
		switch msg.Method {
		case cdproto.CommandTargetGetTargets:
			writeCh <- cdproto.Message{
				ID:     msg.ID,
				Result: easyjson.RawMessage(`{"targetInfos":[{"targetId":"T1","type":"page","title":"one","url":"about:blank","attached":false,"canAccessOpener":false}]}`),
			}
		case cdproto.CommandTargetCloseTarget:
			writeCh <- cdproto.Message{
				ID:    msg.ID,
				Error: &cdproto.Error{Code: -32602, Message: "No target with given id found"},
			}
		}
	}
	conn, _ := newTestConnection(t, handler, nil)

	infos, err := target.GetTargets().Do(cdp.WithExecutor(context.Background(), conn))
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, target.ID("T1"), infos[0].TargetID)
	assert.Equal(t, "one", infos[0].Title)

	err = target.CloseTarget("T9").Do(cdp.WithExecutor(context.Background(), conn))
	var perr *cdproto.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, int64(-32602), perr.Code)
	assert.Equal(t, "No target with given id found", perr.Message)
}

func TestConnectionExecuteCanceled(t *testing.T) {
	// Never replies.
	handler := func(*cdproto.Message, chan<- cdproto.Message) {}
	conn, _ := newTestConnection(t, handler, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := conn.Execute(ctx, target.CommandGetTargets, nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnectionAttachSession(t *testing.T) {
	var cmds ws.CommandLog
	handler := func(msg *cdproto.Message, writeCh chan<- cdproto.Message) {
		if msg.Method == cdproto.CommandRuntimeEnable {
			writeCh <- cdproto.Message{
				SessionID: msg.SessionID,
				Method:    cdproto.EventRuntimeExecutionContextCreated,
				Params: easyjson.RawMessage(`{"context":{"id":3,"origin":"","name":"",` +
					`"uniqueId":"u3","auxData":{"frameId":"T1","isDefault":true,"type":"default"}}}`),
			}
		}
		ws.CDPDefaultHandler(msg, writeCh)
	}
	conn, sink := newTestConnection(t, handler, &cmds)

	exec, err := conn.AttachSession(context.Background(), "T1")
	require.NoError(t, err)
	require.IsType(t, &Session{}, exec)
	s := exec.(*Session) //nolint:forcetypeassert
	assert.Equal(t, target.SessionID(ws.SessionID("T1")), s.ID())
	assert.Equal(t, TargetID("T1"), s.Target())

	e := sink.nextEvent(t, cdproto.EventRuntimeExecutionContextCreated)
	assert.Equal(t, TargetID("T1"), e.target)
	created, ok := e.ev.Data.(*cdpruntime.EventExecutionContextCreated)
	require.True(t, ok)
	assert.Equal(t, cdpruntime.ExecutionContextID(3), created.Context.ID)

	assert.Equal(t, []cdproto.MethodType{
		cdproto.CommandTargetAttachToTarget,
		cdproto.CommandRuntimeEnable,
		cdproto.CommandPageEnable,
	}, cmds.Methods())
}

func TestConnectionCloseSession(t *testing.T) {
	var cmds ws.CommandLog
	conn, sink := newTestConnection(t, ws.CDPDefaultHandler, &cmds)

	_, err := conn.AttachSession(context.Background(), "T1")
	require.NoError(t, err)
	require.NoError(t, conn.CloseSession(context.Background(), "T1"))
	// Closing again is a no-op.
	require.NoError(t, conn.CloseSession(context.Background(), "T1"))

	e := sink.nextEvent(t, cdproto.EventTargetDetachedFromTarget)
	assert.Equal(t, BrowserTarget, e.target)
	assert.IsType(t, &target.EventDetachedFromTarget{}, e.ev.Data)

	assert.Equal(t, cdproto.MethodType(cdproto.CommandTargetDetachFromTarget), cmds.Methods()[3])
}

func TestConnectionTargetGone(t *testing.T) {
	handler := func(msg *cdproto.Message, writeCh chan<- cdproto.Message) {
		ws.CDPDefaultHandler(msg, writeCh)
		if msg.Method == cdproto.CommandPageEnable {
			// The tab goes away right after the attach.
			writeCh <- cdproto.Message{
				Method: cdproto.EventTargetDetachedFromTarget,
				Params: easyjson.RawMessage(`{"sessionId":"` + string(msg.SessionID) + `"}`),
			}
		}
	}
	conn, sink := newTestConnection(t, handler, nil)

	_, err := conn.AttachSession(context.Background(), "T1")
	require.NoError(t, err)

	e := sink.nextEvent(t, cdproto.EventTargetDetachedFromTarget)
	assert.Equal(t, BrowserTarget, e.target)
	assert.Equal(t, &TargetGone{Target: "T1"}, e.ev.Data)

	e = sink.nextEvent(t, cdproto.EventTargetDetachedFromTarget)
	assert.IsType(t, &target.EventDetachedFromTarget{}, e.ev.Data)

	// The session is already forgotten.
	require.NoError(t, conn.CloseSession(context.Background(), "T1"))
}

func TestConnectionClose(t *testing.T) {
	conn, _ := newTestConnection(t, ws.CDPDefaultHandler, nil)

	require.NoError(t, conn.Close())
	<-conn.Done()
	assert.NoError(t, conn.Err())

	err := conn.Execute(context.Background(), target.CommandGetTargets, nil, nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.NoError(t, conn.Close())
}
