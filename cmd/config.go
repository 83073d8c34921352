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
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"time"

	"github.com/mstoykov/envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"gopkg.in/guregu/null.v3"
	"gopkg.in/yaml.v3"

	"github.com/liuxd6825/tabpilot/common"
	"github.com/liuxd6825/tabpilot/errext"
	"github.com/liuxd6825/tabpilot/errext/exitcodes"
	"github.com/liuxd6825/tabpilot/keyboardlayout"
	"github.com/liuxd6825/tabpilot/lib/types"
)

// Config is the configuration of a CLI invocation. Unset values fall
// through to the next lower layer: flags, environment, config file and
// defaults.
type Config struct {
	WSURL             null.String `json:"wsURL" envconfig:"TABPILOT_WS_URL"`
	Target            null.String `json:"target" envconfig:"TABPILOT_TARGET"`
	LogLevel          null.String `json:"logLevel" envconfig:"TABPILOT_LOG_LEVEL"`
	LogCategoryFilter null.String `json:"logCategoryFilter" envconfig:"TABPILOT_LOG_CATEGORY_FILTER"`
	NoColor           null.Bool   `json:"noColor" envconfig:"TABPILOT_NO_COLOR"`
	KeyboardLayout    null.String `json:"keyboardLayout" envconfig:"TABPILOT_KEYBOARD_LAYOUT"`

	ActionTimeout      types.NullDuration `json:"actionTimeout" envconfig:"TABPILOT_ACTION_TIMEOUT"`
	HandshakeTimeout   types.NullDuration `json:"handshakeTimeout" envconfig:"TABPILOT_HANDSHAKE_TIMEOUT"`
	SelectorTimeout    types.NullDuration `json:"selectorTimeout" envconfig:"TABPILOT_SELECTOR_TIMEOUT"`
	SelectorInterval   types.NullDuration `json:"selectorInterval" envconfig:"TABPILOT_SELECTOR_INTERVAL"`
	NavigationTimeout  types.NullDuration `json:"navigationTimeout" envconfig:"TABPILOT_NAVIGATION_TIMEOUT"`
	NavigationInterval types.NullDuration `json:"navigationInterval" envconfig:"TABPILOT_NAVIGATION_INTERVAL"`
}

func defaultConfig() Config {
	return Config{
		WSURL:          null.NewString("http://127.0.0.1:9222", false),
		LogLevel:       null.NewString("info", false),
		KeyboardLayout: null.NewString("us", false),
	}
}

// Apply returns c overridden by every valid value of cfg.
func (c Config) Apply(cfg Config) Config {
	if cfg.WSURL.Valid {
		c.WSURL = cfg.WSURL
	}
	if cfg.Target.Valid {
		c.Target = cfg.Target
	}
	if cfg.LogLevel.Valid {
		c.LogLevel = cfg.LogLevel
	}
	if cfg.LogCategoryFilter.Valid {
		c.LogCategoryFilter = cfg.LogCategoryFilter
	}
	if cfg.NoColor.Valid {
		c.NoColor = cfg.NoColor
	}
	if cfg.KeyboardLayout.Valid {
		c.KeyboardLayout = cfg.KeyboardLayout
	}
	if cfg.ActionTimeout.Valid {
		c.ActionTimeout = cfg.ActionTimeout
	}
	if cfg.HandshakeTimeout.Valid {
		c.HandshakeTimeout = cfg.HandshakeTimeout
	}
	if cfg.SelectorTimeout.Valid {
		c.SelectorTimeout = cfg.SelectorTimeout
	}
	if cfg.SelectorInterval.Valid {
		c.SelectorInterval = cfg.SelectorInterval
	}
	if cfg.NavigationTimeout.Valid {
		c.NavigationTimeout = cfg.NavigationTimeout
	}
	if cfg.NavigationInterval.Valid {
		c.NavigationInterval = cfg.NavigationInterval
	}
	return c
}

// TimeoutSettings returns the root timeout settings of the configured
// values. Unset values keep the built-in defaults.
func (c Config) TimeoutSettings() *common.TimeoutSettings {
	ts := common.NewTimeoutSettings(nil)
	set := func(d types.NullDuration, fn func(time.Duration)) {
		if d.Valid {
			fn(d.TimeDuration())
		}
	}
	set(c.ActionTimeout, ts.SetDefaultTimeout)
	set(c.HandshakeTimeout, ts.SetHandshakeTimeout)
	set(c.SelectorTimeout, ts.SetSelectorTimeout)
	set(c.SelectorInterval, ts.SetSelectorInterval)
	set(c.NavigationTimeout, ts.SetNavigationTimeout)
	set(c.NavigationInterval, ts.SetNavigationInterval)
	return ts
}

func configFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.String("ws-url", "", "browser debugging `url`, a ws:// endpoint or the http:// address serving /json/version")
	flags.StringP("target", "t", "", "`id` of the page target, the first page when unset")
	flags.String("log-level", "", "log level: trace, debug, info, warn or error")
	flags.String("log-category-filter", "", "only log entries whose category matches this `regexp`")
	flags.String("keyboard-layout", "", "keyboard layout used to resolve keys")
	flags.Duration("action-timeout", 0, "default budget of bounded operations")
	flags.Duration("handshake-timeout", 0, "budget of the iframe coordinate handshake")
	flags.Duration("selector-timeout", 0, "budget of selector waits")
	flags.Duration("selector-interval", 0, "polling interval of selector waits")
	flags.Duration("navigation-timeout", 0, "budget of the wait for a navigated document")
	flags.Duration("navigation-interval", 0, "polling interval of the wait for a navigated document")
	return flags
}

// Gets configuration from CLI flags.
func getConfig(flags *pflag.FlagSet) Config {
	conf := Config{
		WSURL:              getNullString(flags, "ws-url"),
		Target:             getNullString(flags, "target"),
		LogLevel:           getNullString(flags, "log-level"),
		LogCategoryFilter:  getNullString(flags, "log-category-filter"),
		KeyboardLayout:     getNullString(flags, "keyboard-layout"),
		ActionTimeout:      getNullDuration(flags, "action-timeout"),
		HandshakeTimeout:   getNullDuration(flags, "handshake-timeout"),
		SelectorTimeout:    getNullDuration(flags, "selector-timeout"),
		SelectorInterval:   getNullDuration(flags, "selector-interval"),
		NavigationTimeout:  getNullDuration(flags, "navigation-timeout"),
		NavigationInterval: getNullDuration(flags, "navigation-interval"),
	}
	if flags.Lookup("no-color") != nil && flags.Changed("no-color") {
		conf.NoColor = getNullBool(flags, "no-color")
	}
	if flags.Lookup("verbose") != nil && flags.Changed("verbose") {
		if v, _ := flags.GetBool("verbose"); v {
			conf.LogLevel = null.StringFrom("debug")
		}
	}
	return conf
}

// readDiskConfig reads a YAML (or JSON) configuration file. A missing file
// is only an error when its path was given explicitly.
func readDiskConfig(afs afero.Fs, path string, explicit bool) (Config, error) {
	data, err := afero.ReadFile(afs, path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("reading config file %q: %w", path, err)
	}

	// Decode through a generic document so the JSON decoders of the null
	// types handle the values.
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	var conf Config
	if err := json.Unmarshal(raw, &conf); err != nil {
		return Config{}, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	return conf, nil
}

// Reads configuration variables from the environment.
func readEnvConfig(env map[string]string) (Config, error) {
	var conf Config
	err := envconfig.Process("", &conf, func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	if err != nil {
		return Config{}, fmt.Errorf("reading environment config: %w", err)
	}
	return conf, nil
}

// getConsolidatedConfig merges the defaults, the config file, the
// environment and the CLI flags, in increasing order of precedence.
func getConsolidatedConfig(gs *globalState, flags *pflag.FlagSet) (Config, error) {
	explicit := gs.flags.configFilePath != gs.defaultFlags.configFilePath
	fileConf, err := readDiskConfig(gs.fs, gs.flags.configFilePath, explicit)
	if err != nil {
		return Config{}, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	envConf, err := readEnvConfig(gs.envVars)
	if err != nil {
		return Config{}, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}

	conf := defaultConfig().Apply(fileConf).Apply(envConf).Apply(getConfig(flags))
	if err := validateConfig(conf); err != nil {
		return Config{}, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	return conf, nil
}

func validateConfig(conf Config) error {
	var errs []error
	if conf.WSURL.String == "" {
		errs = append(errs, errors.New("the browser url must not be empty"))
	}
	if _, ok := keyboardlayout.GetKeyboardLayout(conf.KeyboardLayout.String); !ok {
		errs = append(errs, fmt.Errorf("unknown keyboard layout %q, available: %v",
			conf.KeyboardLayout.String, keyboardlayout.Names()))
	}
	if _, err := logrus.ParseLevel(conf.LogLevel.String); err != nil {
		errs = append(errs, err)
	}
	if _, err := regexp.Compile(conf.LogCategoryFilter.String); err != nil {
		errs = append(errs, fmt.Errorf("invalid log category filter: %w", err))
	}
	for name, d := range map[string]types.NullDuration{
		"selector interval":   conf.SelectorInterval,
		"navigation interval": conf.NavigationInterval,
	} {
		if d.Valid && d.TimeDuration() <= 0 {
			errs = append(errs, fmt.Errorf("the %s must be positive", name))
		}
	}
	if len(errs) > 0 {
		return errext.WithHint(
			fmt.Errorf("invalid configuration: %w", errors.Join(errs...)),
			"check the config file, the TABPILOT_* environment variables and the flags",
		)
	}
	return nil
}
