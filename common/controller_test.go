package common

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControllerPageIsReused(t *testing.T) {
	t.Parallel()

	f := newPageFixture(t)
	p1 := f.controller.Page("T1")
	assert.Same(t, p1, f.controller.Page("T1"))
	assert.NotSame(t, p1, f.controller.Page("T2"))

	f.contextCreated("T1", 4, "T1")
	require.Len(t, p1.Registry().Records(), 1, "events of the target reach its page")
	assert.Empty(t, f.controller.Page("T2").Registry().Records())
}

func TestControllerTargetDestroyed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ev   Event
	}{
		{
			name: "destroyed",
			ev: Event{
				Method: cdproto.EventTargetTargetDestroyed,
				Data:   &target.EventTargetDestroyed{TargetID: "T1"},
			},
		},
		{
			name: "gone",
			ev: Event{
				Method: cdproto.EventTargetDetachedFromTarget,
				Data:   &TargetGone{Target: "T1"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newPageFixture(t)
			p := f.controller.Page("T1")
			h, err := f.controller.Arbiter().Acquire(context.Background(), "T1")
			require.NoError(t, err)

			f.demux.Dispatch(BrowserTarget, tt.ev)

			assert.ErrorIs(t, p.Keyboard().Down(context.Background(), "a"), ErrSessionConflict)
			assert.ErrorIs(t, h.Execute(context.Background(), "Page.enable", nil, nil), ErrTargetClosed)
			assert.NotSame(t, p, f.controller.Page("T1"), "a new page replaces the removed one")
			_, closes := f.transport.counts("T1")
			assert.Zero(t, closes, "a gone target is not closed")
			require.NoError(t, f.controller.Arbiter().Release(h))
		})
	}
}

func TestControllerTargets(t *testing.T) {
	t.Parallel()

	f := newPageFixture(t)
	f.browser.Handle(target.CommandGetTargets, func(context.Context, json.RawMessage) (any, error) {
		return map[string]any{
			"targetInfos": []map[string]any{
				{"targetId": "B", "type": "page", "title": "b", "url": "https://b.example/"},
				{"targetId": "SW", "type": "service_worker", "title": "sw", "url": "https://b.example/sw.js"},
				{"targetId": "A", "type": "page", "title": "a", "url": "https://a.example/"},
			},
		}, nil
	})

	infos, err := f.controller.Targets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []TargetInfo{
		{ID: "A", Title: "a", URL: "https://a.example/"},
		{ID: "B", Title: "b", URL: "https://b.example/"},
	}, infos)
}

func TestControllerClosePage(t *testing.T) {
	t.Parallel()

	f := newPageFixture(t)
	p := f.controller.Page("T1")
	require.NoError(t, f.controller.ClosePage(context.Background(), "T1"))

	calls := f.browser.Calls(target.CommandCloseTarget)
	require.Len(t, calls, 1)
	var params target.CloseTargetParams
	require.NoError(t, calls[0].Decode(&params))
	assert.Equal(t, target.ID("T1"), params.TargetID)
	assert.NotSame(t, p, f.controller.Page("T1"))
}

func TestControllerClose(t *testing.T) {
	t.Parallel()

	f := newPageFixture(t)
	p := f.controller.Page("T1")
	require.NoError(t, f.controller.Close(context.Background()))

	err := p.Press(context.Background(), "a", nil)
	assert.ErrorIs(t, err, ErrArbiterClosed)
	require.NoError(t, f.controller.Close(context.Background()), "closing twice is fine")
}
