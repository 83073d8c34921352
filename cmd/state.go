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
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/liuxd6825/tabpilot/ui/console"
)

const defaultConfigFileName = "config.yaml"

// globalFlags contains the flags that apply to every sub-command.
type globalFlags struct {
	configFilePath string
	noColor        bool
	verbose        bool
	logFormat      string
}

// globalState holds everything a command touches outside of its own
// arguments, so tests can swap the file system, the environment and the
// standard outputs.
type globalState struct {
	ctx context.Context

	fs      afero.Fs
	envVars map[string]string

	defaultFlags, flags globalFlags

	stdOut, stdErr console.OSFileW
	console        *console.Console
	logger         *logrus.Logger

	osExit func(int)
}

func newGlobalState(ctx context.Context) *globalState {
	env := buildEnvMap(os.Environ())
	confDir, err := os.UserConfigDir()
	if err != nil {
		confDir = ".config"
	}
	defaultFlags := getDefaultFlags(confDir)
	flags := consolidateGlobalFlags(defaultFlags, env)
	con := console.New(os.Stdout, os.Stderr, !flags.noColor, env["TERM"])

	return &globalState{
		ctx:          ctx,
		fs:           afero.NewOsFs(),
		envVars:      env,
		defaultFlags: defaultFlags,
		flags:        flags,
		stdOut:       os.Stdout,
		stdErr:       os.Stderr,
		console:      con,
		logger:       con.GetLogger(),
		osExit:       os.Exit,
	}
}

func getDefaultFlags(confDir string) globalFlags {
	return globalFlags{
		configFilePath: filepath.Join(confDir, "tabpilot", defaultConfigFileName),
	}
}

func consolidateGlobalFlags(defaultFlags globalFlags, env map[string]string) globalFlags {
	result := defaultFlags

	if val, ok := env["TABPILOT_CONFIG"]; ok {
		result.configFilePath = val
	}
	if val, ok := env["TABPILOT_LOG_FORMAT"]; ok {
		result.logFormat = val
	}
	if env["TABPILOT_NO_COLOR"] != "" {
		result.noColor = true
	}
	// Support https://no-color.org/, even an empty value should disable the
	// color output.
	if _, ok := env["NO_COLOR"]; ok {
		result.noColor = true
	}
	return result
}

func buildEnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return env
}
