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

package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/liuxd6825/tabpilot/common"
	"github.com/liuxd6825/tabpilot/dispatch"
	"github.com/liuxd6825/tabpilot/errext"
	"github.com/liuxd6825/tabpilot/errext/exitcodes"
	"github.com/liuxd6825/tabpilot/keyboardlayout"
	"github.com/liuxd6825/tabpilot/log"
)

const versionEndpointTimeout = 10 * time.Second

// browserConn is the connection and kernel of one CLI invocation.
type browserConn struct {
	conn       *common.Connection
	controller *common.Controller
	router     *dispatch.Router
	logger     *log.Logger
}

func newLogger(gs *globalState, conf Config) (*log.Logger, error) {
	logger := log.New(gs.logger, false, nil)
	if err := logger.SetLevel(conf.LogLevel.String); err != nil {
		return nil, err
	}
	if err := logger.SetCategoryFilter(conf.LogCategoryFilter.String); err != nil {
		return nil, err
	}
	return logger, nil
}

// connect dials the browser and builds the controller and the router on
// top of the connection.
func connect(gs *globalState, conf Config) (*browserConn, error) {
	logger, err := newLogger(gs, conf)
	if err != nil {
		return nil, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}

	wsURL, err := resolveWSURL(gs.ctx, conf.WSURL.String)
	if err != nil {
		return nil, errext.WithExitCodeIfNone(err, exitcodes.ConnectionFailed)
	}
	logger.Debugf("cmd:connect", "wsURL:%q", wsURL)

	demux := common.NewEventDemux(logger)
	conn, err := common.NewConnection(gs.ctx, wsURL, demux, logger)
	if err != nil {
		return nil, errext.WithExitCodeIfNone(
			errext.WithHint(err, "start the browser with --remote-debugging-port and check the url"),
			exitcodes.ConnectionFailed,
		)
	}

	layout, _ := keyboardlayout.GetKeyboardLayout(conf.KeyboardLayout.String)
	controller := common.NewController(gs.ctx, conn, conn, demux, layout, conf.TimeoutSettings(), logger)

	return &browserConn{
		conn:       conn,
		controller: controller,
		router:     dispatch.NewRouter(controller, logger),
		logger:     logger,
	}, nil
}

func (b *browserConn) close(ctx context.Context) {
	if err := b.controller.Close(ctx); err != nil {
		b.logger.Warnf("cmd:close", "closing controller: %v", err)
	}
	if err := b.conn.Close(); err != nil {
		b.logger.Debugf("cmd:close", "closing connection: %v", err)
	}
}

// target returns the configured target, or the first page of the browser.
func (b *browserConn) target(ctx context.Context, conf Config) (common.TargetID, error) {
	if conf.Target.String != "" {
		return common.TargetID(conf.Target.String), nil
	}
	targets, err := b.controller.Targets(ctx)
	if err != nil {
		return "", fmt.Errorf("listing targets: %w", err)
	}
	if len(targets) == 0 {
		return "", errext.WithHint(
			fmt.Errorf("%w: the browser has no page target", common.ErrInvalidCommandParam),
			"open a tab or pass --target",
		)
	}
	return targets[0].ID, nil
}

// resolveWSURL returns raw when it is a websocket url. For an http url the
// browser's websocket endpoint is read from /json/version.
func resolveWSURL(ctx context.Context, raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing browser url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return raw, nil
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported browser url scheme %q", u.Scheme)
	}

	ctx, cancel := context.WithTimeout(ctx, versionEndpointTimeout)
	defer cancel()

	endpoint := strings.TrimSuffix(raw, "/") + "/json/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("reading %s: unexpected status %s", endpoint, resp.Status)
	}
	wsURL := gjson.GetBytes(body, "webSocketDebuggerUrl").String()
	if wsURL == "" {
		return "", fmt.Errorf("reading %s: no webSocketDebuggerUrl in response", endpoint)
	}
	return wsURL, nil
}
