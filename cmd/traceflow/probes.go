// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/traceflow/traceflow/config"
	"github.com/traceflow/traceflow/probe"
)

const defaultProbesDir = "probes"

func newProbesCmd(c *cli) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "probes",
		Short: "List and show probe definitions",
	}
	cmd.PersistentFlags().StringVar(&dir, "probes", defaultProbesDir, "Directory of probe documents")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the probes defined in the probe directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defs, err := config.LoadDir(dir)
			if err != nil && defs == nil {
				return err
			}
			if err != nil {
				c.logger.Warn("some probe documents could not be decoded", "error", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATUS\tTYPE\tTARGETS\tMETRICS\tFILTERS")
			for _, d := range defs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n",
					d.Name, status(d), d.NodeType(), len(d.Targets), len(d.Metrics), len(d.Filters))
			}
			return w.Flush()
		},
	}

	show := &cobra.Command{
		Use:   "show NAME",
		Short: "Print the definition of one probe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := config.LoadDir(dir)
			if err != nil {
				c.logger.Warn("some probe documents could not be decoded", "error", err)
			}
			for _, d := range defs {
				if d.Name == args[0] {
					if e := probe.Validate(d); e != nil {
						c.logger.Warn("probe is invalid", "probe", d.Name, "error", e)
					}
					return probe.Encode(cmd.OutOrStdout(), d)
				}
			}
			return fmt.Errorf("probe %q not found in %s", args[0], dir)
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func status(d probe.Definition) string {
	if !d.IsEnabled() {
		return "disabled"
	}
	if probe.Validate(d) != nil {
		return "invalid"
	}
	return "ok"
}
