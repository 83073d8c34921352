package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/liuxd6825/tabpilot/common"
	"github.com/liuxd6825/tabpilot/common/js"
	"github.com/liuxd6825/tabpilot/errext/exitcodes"
	"github.com/liuxd6825/tabpilot/keyboardlayout"
	"github.com/liuxd6825/tabpilot/log"
	"github.com/liuxd6825/tabpilot/tests/ws"
)

const sourceURLMarker = "\n//# sourceURL="

// fakeBrowser answers like a browser with a single document per target in
// which only "#ok" exists.
type fakeBrowser struct {
	cmds ws.CommandLog
}

func contextCreated(sid string, id int, frameID string) cdproto.Message {
	return cdproto.Message{
		SessionID: target.SessionID(sid),
		Method:    cdproto.EventRuntimeExecutionContextCreated,
		Params: easyjson.RawMessage(fmt.Sprintf(
			`{"context":{"id":%d,"origin":"","name":"","uniqueId":"u%d","auxData":{"frameId":%q,"isDefault":true,"type":"default"}}}`,
			id, id, frameID)),
	}
}

func reply(msg *cdproto.Message, result string) cdproto.Message {
	return cdproto.Message{ID: msg.ID, SessionID: msg.SessionID, Result: easyjson.RawMessage(result)}
}

func (b *fakeBrowser) handle(msg *cdproto.Message, writeCh chan<- cdproto.Message) {
	tid := strings.TrimPrefix(string(msg.SessionID), ws.SessionID(""))

	switch msg.Method {
	case cdproto.CommandRuntimeEnable:
		writeCh <- contextCreated(string(msg.SessionID), 1, tid)
	case cdproto.CommandRuntimeCallFunctionOn:
		writeCh <- reply(msg, b.call(msg.Params))
		return
	case cdproto.CommandPageNavigate:
		writeCh <- reply(msg, fmt.Sprintf(`{"frameId":%q,"loaderId":"L1"}`, tid))
		sid := string(msg.SessionID)
		go func() {
			time.Sleep(30 * time.Millisecond)
			writeCh <- contextCreated(sid, 2, tid)
		}()
		return
	case cdproto.CommandTargetGetTargets:
		writeCh <- reply(msg, `{"targetInfos":[`+
			`{"targetId":"T2","type":"page","title":"two","url":"about:blank","attached":false,"canAccessOpener":false},`+
			`{"targetId":"W1","type":"service_worker","title":"","url":"","attached":false,"canAccessOpener":false},`+
			`{"targetId":"T1","type":"page","title":"one","url":"about:blank","attached":false,"canAccessOpener":false}]}`)
		return
	}
	ws.CDPDefaultHandler(msg, writeCh)
}

func (b *fakeBrowser) call(params easyjson.RawMessage) string {
	var p struct {
		FunctionDeclaration string            `json:"functionDeclaration"`
		Arguments           []json.RawMessage `json:"arguments"`
	}
	_ = json.Unmarshal(params, &p)
	fn, _, _ := strings.Cut(p.FunctionDeclaration, sourceURLMarker)

	var args []string
	for _, a := range p.Arguments {
		var arg struct {
			Value json.RawMessage `json:"value"`
		}
		_ = json.Unmarshal(a, &arg)
		args = append(args, string(arg.Value))
	}

	value := func(v string) string { return `{"result":{"type":"object","value":` + v + `}}` }
	switch fn {
	case js.ScrollIntoViewIfNeeded, js.Focus:
		return value(`true`)
	case js.QuerySelector:
		return value(fmt.Sprint(args[0] == `"#ok"`))
	case js.ElementGeometry:
		return value(`{"rects":[{"x":10,"y":20,"width":100,"height":40}],"viewport":{"width":800,"height":600}}`)
	case "(a, b) => a + b":
		var x, y int
		_ = json.Unmarshal([]byte(args[0]), &x)
		_ = json.Unmarshal([]byte(args[1]), &y)
		return value(fmt.Sprint(x + y))
	case "() => { throw new Error('boom') }":
		return `{"result":{"type":"object"},"exceptionDetails":{"exceptionId":1,"text":"Uncaught","lineNumber":0,"columnNumber":0,` +
			`"exception":{"type":"object","description":"Error: boom"}}}`
	}
	return `{"result":{"type":"undefined"}}`
}

func (b *fakeBrowser) count(method cdproto.MethodType) int {
	n := 0
	for _, m := range b.cmds.Methods() {
		if m == method {
			n++
		}
	}
	return n
}

type routerFixture struct {
	browser *fakeBrowser
	router  *Router
}

// newRouterFixture wires a router to a fake browser over a real
// connection. Goroutine leaks are checked at cleanup.
func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	b := &fakeBrowser{}
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", b.handle, &b.cmds))

	logger := log.NewNullLogger()
	demux := common.NewEventDemux(logger)
	conn, err := common.NewConnection(context.Background(), server.WSURL("/cdp"), demux, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	layout, ok := keyboardlayout.GetKeyboardLayout("us")
	require.True(t, ok)
	ts := common.NewTimeoutSettings(nil)
	ts.SetNavigationInterval(10 * time.Millisecond)
	controller := common.NewController(context.Background(), conn, conn, demux, layout, ts, logger)
	t.Cleanup(func() { _ = controller.Close(context.Background()) })

	return &routerFixture{browser: b, router: NewRouter(controller, logger)}
}

func (f *routerFixture) handle(t *testing.T, name, params string) Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return f.router.Handle(ctx, Command{Name: name, Target: "T1", Params: json.RawMessage(params)})
}

func TestRouterEvaluate(t *testing.T) {
	f := newRouterFixture(t)

	r := f.handle(t, "page.evaluate", `{"fn":"(a, b) => a + b","args":[2,3]}`)
	require.Empty(t, r.Error)
	assert.JSONEq(t, `5`, string(r.Result))

	r = f.handle(t, "page.evaluate", `{"fn":"() => 1"}`)
	require.Empty(t, r.Error)
	assert.JSONEq(t, `null`, string(r.Result))

	// the session closes with its last lease, so each command attaches anew
	assert.Equal(t, 2, f.browser.count(cdproto.CommandTargetAttachToTarget))
	assert.Equal(t, 2, f.browser.count(cdproto.CommandTargetDetachFromTarget))
}

func TestRouterClick(t *testing.T) {
	f := newRouterFixture(t)

	r := f.handle(t, "page.click", `{"selector":"#ok","options":{"clickCount":2}}`)
	require.Empty(t, r.Error)
	assert.Nil(t, r.Result)

	// move, then down and up twice
	assert.Equal(t, 5, f.browser.count(cdproto.CommandInputDispatchMouseEvent))
}

func TestRouterInput(t *testing.T) {
	f := newRouterFixture(t)

	for _, c := range []struct{ name, params string }{
		{"page.type", `{"selector":"#ok","text":"hi"}`},
		{"page.keyboard.press", `{"key":"Shift+a"}`},
		{"page.keyboard.down", `{"key":"b"}`},
		{"page.keyboard.up", `{"key":"b"}`},
		{"page.keyboard.type", `{"text":"c"}`},
		{"page.mouse.move", `{"x":5,"y":6,"options":{"steps":2}}`},
		{"page.mouse.click", `{"x":5,"y":6}`},
		{"page.mouse.dblclick", `{"x":5,"y":6}`},
		{"page.mouse.down", `{"options":{"button":"right"}}`},
		{"page.mouse.up", `{"options":{"button":"right"}}`},
		{"page.mouse.wheel", `{"deltaY":120}`},
	} {
		r := f.handle(t, c.name, c.params)
		require.Emptyf(t, r.Error, "%s", c.name)
	}

	// h and i, Shift+a, b, then c; each a down and an up
	assert.Equal(t, 12, f.browser.count(cdproto.CommandInputDispatchKeyEvent))
	// steps 2, click 3, dblclick 5, down, up, wheel
	assert.Equal(t, 13, f.browser.count(cdproto.CommandInputDispatchMouseEvent))
}

func TestRouterGoto(t *testing.T) {
	f := newRouterFixture(t)

	r := f.handle(t, "page.goto", `{"url":"https://example.com/"}`)
	require.Empty(t, r.Error)

	r = f.handle(t, "page.waitForSelector", `{"selector":"#ok"}`)
	require.Empty(t, r.Error)
	assert.Equal(t, 1, f.browser.count(cdproto.CommandPageNavigate))
}

func TestRouterClosePage(t *testing.T) {
	f := newRouterFixture(t)

	r := f.handle(t, "page.close", `{}`)
	require.Empty(t, r.Error)
	assert.Equal(t, 1, f.browser.count(cdproto.CommandTargetCloseTarget))
}

func TestRouterErrors(t *testing.T) {
	f := newRouterFixture(t)

	tests := []struct {
		name, cmd, params string
		wantErr           string
		wantCode          exitcodes.ExitCode
		wantFields        []string
	}{
		{
			name:       "unknown_command",
			cmd:        "page.scroll",
			params:     `{}`,
			wantErr:    `unknown command: "page.scroll"`,
			wantCode:   exitcodes.UnknownCommand,
			wantFields: []string{"hint"},
		},
		{
			name:     "params_not_object",
			cmd:      "page.click",
			params:   `[1]`,
			wantErr:  "params must be an object",
			wantCode: exitcodes.InvalidCommandParam,
		},
		{
			name:     "missing_selector",
			cmd:      "page.click",
			params:   `{}`,
			wantErr:  `"selector" must be a non-empty string`,
			wantCode: exitcodes.InvalidCommandParam,
		},
		{
			name:     "bad_button",
			cmd:      "page.mouse.click",
			params:   `{"x":1,"y":1,"options":{"button":"thumb"}}`,
			wantErr:  "unsupported mouse button",
			wantCode: exitcodes.InvalidCommandParam,
		},
		{
			name:     "drag_missing_point",
			cmd:      "page.mouse.dragAndDrop",
			params:   `{"from":{"x":1,"y":2}}`,
			wantErr:  `"to" must be an object with x and y`,
			wantCode: exitcodes.InvalidCommandParam,
		},
		{
			name:     "unknown_key",
			cmd:      "page.keyboard.press",
			params:   `{"key":"NoSuchKey"}`,
			wantErr:  "unknown key",
			wantCode: exitcodes.CommandFailed,
		},
		{
			name:     "script_exception",
			cmd:      "page.evaluate",
			params:   `{"fn":"() => { throw new Error('boom') }"}`,
			wantErr:  "Error: boom",
			wantCode: exitcodes.CommandFailed,
		},
		{
			name:       "selector_timeout",
			cmd:        "page.waitForSelector",
			params:     `{"selector":"#missing","options":{"timeout":100,"interval":20}}`,
			wantErr:    "timed out after 100ms",
			wantCode:   exitcodes.OperationTimeout,
			wantFields: []string{"budget", "operation"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := f.handle(t, tt.cmd, tt.params)
			assert.Nil(t, r.Result)
			assert.Contains(t, r.Error, tt.wantErr)
			assert.Equal(t, int(tt.wantCode), r.Fields["exit_code"])
			for _, k := range tt.wantFields {
				assert.Contains(t, r.Fields, k)
			}
		})
	}
}

func TestRouterRequiresTarget(t *testing.T) {
	f := newRouterFixture(t)

	_, err := f.router.Do(context.Background(), Command{Name: "page.goto", Params: json.RawMessage(`{"url":"about:blank"}`)})
	require.ErrorIs(t, err, common.ErrInvalidCommandParam)
	assert.Equal(t, 0, f.browser.count(cdproto.CommandTargetAttachToTarget))
}

func TestRouterCommands(t *testing.T) {
	f := newRouterFixture(t)

	names := f.router.Commands()
	assert.Contains(t, names, "page.evaluate")
	assert.Contains(t, names, "page.close")
	assert.Contains(t, names, "page.mouse.dragAndDrop")
	assert.IsIncreasing(t, names)
}
