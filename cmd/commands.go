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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/liuxd6825/tabpilot/dispatch"
	"github.com/liuxd6825/tabpilot/errext"
	"github.com/liuxd6825/tabpilot/errext/exitcodes"
)

// runPageCommand sends one command to the page target and prints its
// result, if any, as JSON.
func runPageCommand(gs *globalState, cmd *cobra.Command, name string, params map[string]any) error {
	conf, err := getConsolidatedConfig(gs, cmd.Flags())
	if err != nil {
		return err
	}

	b, err := connect(gs, conf)
	if err != nil {
		return err
	}
	defer b.close(gs.ctx)

	tid, err := b.target(gs.ctx, conf)
	if err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.CommandFailed)
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	res, err := b.router.Do(gs.ctx, dispatch.Command{Name: name, Target: tid, Params: raw})
	if err != nil {
		return err
	}
	if len(res) > 0 {
		gs.console.Print(string(res) + "\n")
	}
	return nil
}

func frameFlags(flags *pflag.FlagSet) {
	flags.String("frame-name", "", "run in the frame with this window name")
	flags.String("frame-url", "", "run in the frame with this url")
}

// withFrame adds the frame selector of the frame flags to params.
func withFrame(flags *pflag.FlagSet, params map[string]any) map[string]any {
	frame := map[string]any{}
	if v, _ := flags.GetString("frame-name"); v != "" {
		frame["name"] = v
	}
	if v, _ := flags.GetString("frame-url"); v != "" {
		frame["url"] = v
	}
	if len(frame) > 0 {
		params["frame"] = frame
	}
	return params
}

// changedOptions collects the changed flags of keys into an options object.
func changedOptions(flags *pflag.FlagSet, keys map[string]string) map[string]any {
	opts := map[string]any{}
	for flag, key := range keys {
		if !flags.Changed(flag) {
			continue
		}
		f := flags.Lookup(flag)
		switch f.Value.Type() {
		case "int64":
			opts[key] = getNullInt64(flags, flag).Int64
		default:
			opts[key] = f.Value.String()
		}
	}
	return opts
}

func getEvalCmd(gs *globalState) *cobra.Command {
	evalCmd := &cobra.Command{
		Use:   "eval <function> [json-args...]",
		Short: "Evaluate a function in the page",
		Long: `Evaluate a function declaration in the default context of the page,
or of one of its frames, and print the JSON result.`,
		Example: `  tabpilot eval '() => document.title'
  tabpilot eval '(a, b) => a + b' 2 3`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fnArgs := make([]json.RawMessage, 0, len(args)-1)
			for _, a := range args[1:] {
				if !json.Valid([]byte(a)) {
					return errext.WithExitCodeIfNone(
						fmt.Errorf("argument %q is not valid JSON", a), exitcodes.InvalidCommandParam)
				}
				fnArgs = append(fnArgs, json.RawMessage(a))
			}
			params := withFrame(cmd.Flags(), map[string]any{"fn": args[0], "args": fnArgs})
			return runPageCommand(gs, cmd, "page.evaluate", params)
		},
	}
	frameFlags(evalCmd.Flags())
	return evalCmd
}

func getClickCmd(gs *globalState) *cobra.Command {
	clickCmd := &cobra.Command{
		Use:   "click <selector>",
		Short: "Click an element",
		Args:  exactArgsWithMsg(1, "arg should be the selector of the element"),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := withFrame(cmd.Flags(), map[string]any{"selector": args[0]})
			params["options"] = changedOptions(cmd.Flags(), map[string]string{
				"button": "button",
				"count":  "clickCount",
				"delay":  "delay",
			})
			return runPageCommand(gs, cmd, "page.click", params)
		},
	}
	flags := clickCmd.Flags()
	flags.String("button", "left", "mouse button: left, right, middle, back or forward")
	flags.Int64("count", 1, "number of clicks")
	flags.Int64("delay", 0, "milliseconds between the button press and release")
	frameFlags(flags)
	return clickCmd
}

func getTypeCmd(gs *globalState) *cobra.Command {
	typeCmd := &cobra.Command{
		Use:   "type <selector> <text>",
		Short: "Focus an element and type text into it",
		Args:  exactArgsWithMsg(2, "args should be the selector of the element and the text"),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := withFrame(cmd.Flags(), map[string]any{"selector": args[0], "text": args[1]})
			params["options"] = changedOptions(cmd.Flags(), map[string]string{"delay": "delay"})
			return runPageCommand(gs, cmd, "page.type", params)
		},
	}
	typeCmd.Flags().Int64("delay", 0, "milliseconds between key press and release")
	frameFlags(typeCmd.Flags())
	return typeCmd
}

func getPressCmd(gs *globalState) *cobra.Command {
	pressCmd := &cobra.Command{
		Use:   "press <key>",
		Short: "Press a key or a key combination",
		Example: `  tabpilot press Enter
  tabpilot press ControlOrMeta+A`,
		Args: exactArgsWithMsg(1, "arg should be the key"),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{
				"key":     args[0],
				"options": changedOptions(cmd.Flags(), map[string]string{"delay": "delay"}),
			}
			return runPageCommand(gs, cmd, "page.keyboard.press", params)
		},
	}
	pressCmd.Flags().Int64("delay", 0, "milliseconds between key press and release")
	return pressCmd
}

func getWaitCmd(gs *globalState) *cobra.Command {
	waitCmd := &cobra.Command{
		Use:   "wait <selector>",
		Short: "Wait until a selector matches an element",
		Args:  exactArgsWithMsg(1, "arg should be the selector of the element"),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := withFrame(cmd.Flags(), map[string]any{"selector": args[0]})
			params["options"] = changedOptions(cmd.Flags(), map[string]string{
				"timeout":  "timeout",
				"interval": "interval",
			})
			return runPageCommand(gs, cmd, "page.waitForSelector", params)
		},
	}
	waitCmd.Flags().Int64("timeout", 0, "budget in milliseconds, the selector timeout when unset")
	waitCmd.Flags().Int64("interval", 0, "polling interval in milliseconds")
	frameFlags(waitCmd.Flags())
	return waitCmd
}

func getGotoCmd(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "goto <url>",
		Short: "Navigate the page and wait for the new document",
		Args:  exactArgsWithMsg(1, "arg should be the url"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPageCommand(gs, cmd, "page.goto", map[string]any{"url": args[0]})
		},
	}
}
