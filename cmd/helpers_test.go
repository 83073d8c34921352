package cmd

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/mailru/easyjson"
	"github.com/spf13/afero"

	"github.com/liuxd6825/tabpilot/tests/ws"
	"github.com/liuxd6825/tabpilot/ui/console"
)

type testOSFileW struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *testOSFileW) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *testOSFileW) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (*testOSFileW) Fd() uintptr { return ^uintptr(0) }

type globalTestState struct {
	*globalState
	stdOut, stdErr *testOSFileW
}

func newGlobalTestState(t *testing.T) *globalTestState {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	stdOut, stdErr := &testOSFileW{}, &testOSFileW{}
	con := console.New(stdOut, stdErr, false, "")
	defaultFlags := getDefaultFlags("/home/test/.config")

	return &globalTestState{
		globalState: &globalState{
			ctx:          ctx,
			fs:           afero.NewMemMapFs(),
			envVars:      map[string]string{},
			defaultFlags: defaultFlags,
			flags:        defaultFlags,
			stdOut:       stdOut,
			stdErr:       stdErr,
			console:      con,
			logger:       con.GetLogger(),
			osExit:       func(int) { t.Fatal("os.Exit called") },
		},
		stdOut: stdOut,
		stdErr: stdErr,
	}
}

// run executes the command line args and returns the exit code.
func (ts *globalTestState) run(args ...string) int {
	c := newRootCommand(ts.globalState)
	c.cmd.SetArgs(args)
	return c.execute()
}

// fakeBrowser serves one page target, T1, whose functions all return 42.
func fakeBrowser(t *testing.T, pages ...string) *ws.Server {
	t.Helper()

	handler := func(msg *cdproto.Message, writeCh chan<- cdproto.Message) {
		switch msg.Method {
		case cdproto.CommandTargetGetTargets:
			infos := make([]string, 0, len(pages))
			for _, p := range pages {
				infos = append(infos, fmt.Sprintf(
					`{"targetId":%q,"type":"page","title":"title of %s","url":"about:blank","attached":false,"canAccessOpener":false}`, p, p))
			}
			writeCh <- cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(`{"targetInfos":[` + strings.Join(infos, ",") + `]}`)}
			return
		case cdproto.CommandRuntimeEnable:
			tid := strings.TrimPrefix(string(msg.SessionID), ws.SessionID(""))
			writeCh <- cdproto.Message{
				SessionID: msg.SessionID,
				Method:    cdproto.EventRuntimeExecutionContextCreated,
				Params: easyjson.RawMessage(fmt.Sprintf(
					`{"context":{"id":1,"origin":"","name":"","uniqueId":"u1","auxData":{"frameId":%q,"isDefault":true,"type":"default"}}}`, tid)),
			}
		case cdproto.CommandRuntimeCallFunctionOn:
			writeCh <- cdproto.Message{
				ID:        msg.ID,
				SessionID: msg.SessionID,
				Result:    easyjson.RawMessage(`{"result":{"type":"number","value":42}}`),
			}
			return
		}
		ws.CDPDefaultHandler(msg, writeCh)
	}
	return ws.NewServer(t, ws.WithCDPHandler("/devtools/browser/b1", handler, nil))
}
