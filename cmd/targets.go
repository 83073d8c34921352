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
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/liuxd6825/tabpilot/errext"
	"github.com/liuxd6825/tabpilot/errext/exitcodes"
)

func getTargetsCmd(gs *globalState) *cobra.Command {
	var asYAML bool
	targetsCmd := &cobra.Command{
		Use:   "targets",
		Short: "List the page targets of the browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := getConsolidatedConfig(gs, cmd.Flags())
			if err != nil {
				return err
			}
			b, err := connect(gs, conf)
			if err != nil {
				return err
			}
			defer b.close(gs.ctx)

			targets, err := b.controller.Targets(gs.ctx)
			if err != nil {
				return errext.WithExitCodeIfNone(err, exitcodes.CommandFailed)
			}
			if asYAML {
				return gs.console.PrintYAML(targets)
			}

			w := tabwriter.NewWriter(gs.console.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tURL")
			for _, t := range targets {
				fmt.Fprintf(w, "%s\t%s\t%s\n", gs.console.ApplyTheme(string(t.ID)), t.Title, t.URL)
			}
			return w.Flush()
		},
	}
	targetsCmd.Flags().BoolVar(&asYAML, "yaml", false, "print the targets as YAML")
	return targetsCmd
}
