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

// Package cmd is the tabpilot command line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/liuxd6825/tabpilot/errext"
	"github.com/liuxd6825/tabpilot/errext/exitcodes"
	"github.com/liuxd6825/tabpilot/ui/console"
)

// This is to keep all fields needed for the main/root command
type rootCommand struct {
	globalState *globalState

	cmd *cobra.Command
}

func newRootCommand(gs *globalState) *rootCommand {
	c := &rootCommand{
		globalState: gs,
	}
	// the base command when called without any subcommands.
	rootCmd := &cobra.Command{
		Use:               "tabpilot",
		Short:             "remote control for a browser tab",
		Long:              "\n" + gs.console.Banner(),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}

	rootCmd.PersistentFlags().AddFlagSet(rootCmdPersistentFlagSet(gs))
	rootCmd.PersistentFlags().AddFlagSet(configFlagSet())
	rootCmd.SetOut(gs.console.Stdout)
	rootCmd.SetErr(gs.console.Stderr)

	rootCmd.AddCommand(
		getEvalCmd(gs),
		getClickCmd(gs),
		getTypeCmd(gs),
		getPressCmd(gs),
		getWaitCmd(gs),
		getGotoCmd(gs),
		getTargetsCmd(gs),
	)

	c.cmd = rootCmd
	return c
}

func (c *rootCommand) persistentPreRunE(_ *cobra.Command, _ []string) error {
	gs := c.globalState
	if gs.flags.noColor {
		gs.console = console.New(gs.stdOut, gs.stdErr, false, gs.envVars["TERM"])
		gs.logger.SetOutput(gs.console.Stderr)
		gs.logger.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	}
	if gs.flags.verbose {
		gs.logger.SetLevel(logrus.DebugLevel)
	}

	switch gs.flags.logFormat {
	case "raw":
		gs.logger.SetFormatter(&RawFormatter{})
	case "json":
		gs.logger.SetFormatter(&logrus.JSONFormatter{})
	case "":
	default:
		return errext.WithExitCodeIfNone(
			fmt.Errorf("unsupported log format %q", gs.flags.logFormat), exitcodes.InvalidConfig)
	}
	gs.logger.Debugf("config file: %s", gs.flags.configFilePath)
	return nil
}

// execute runs the command line and returns the process exit code.
func (c *rootCommand) execute() int {
	err := c.cmd.ExecuteContext(c.globalState.ctx)
	if err == nil {
		return 0
	}

	msg, fields := errext.Format(err)
	c.globalState.logger.WithFields(logrus.Fields(fields)).Error(msg)

	code := exitcodes.GenericError
	var ecerr errext.HasExitCode
	if errors.As(err, &ecerr) {
		code = ecerr.ExitCode()
	}
	return int(code)
}

// Execute adds all child commands to the root command sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gs := newGlobalState(ctx)
	code := newRootCommand(gs).execute()
	cancel()
	gs.osExit(code)
}

func rootCmdPersistentFlagSet(gs *globalState) *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.BoolVarP(&gs.flags.verbose, "verbose", "v", gs.defaultFlags.verbose, "enable debug logging")
	flags.BoolVar(&gs.flags.noColor, "no-color", gs.flags.noColor, "disable colored output")
	flags.StringVar(&gs.flags.logFormat, "log-format", gs.flags.logFormat, "log output format: text, raw or json")

	// This default value is needed so both CLI flags and environment variables work
	flags.StringVarP(&gs.flags.configFilePath, "config", "c", gs.flags.configFilePath, "YAML config file")
	// And we also need to explicitly set the default value for the usage message here, so things
	// like `TABPILOT_CONFIG="blah" tabpilot eval -h` don't produce a weird usage message
	flags.Lookup("config").DefValue = gs.defaultFlags.configFilePath
	must(cobra.MarkFlagFilename(flags, "config"))
	return flags
}

// RawFormatter it does nothing with the message just prints it
type RawFormatter struct{}

// Format renders a single log entry
func (f RawFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return append([]byte(entry.Message), '\n'), nil
}
