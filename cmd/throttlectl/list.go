package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/throttle"
)

const listTimeLayout = "2006-01-02T15:04Z07:00"

func newListCmd() *cobra.Command {
	var activeOnly bool
	var at string
	cmd := &cobra.Command{
		Use:   "list FILE",
		Short: "List the exceptions in a rules file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseAt(at)
			if err != nil {
				return err
			}
			rs, err := loadFile(args[0])
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TICKET\tFROM\tTO\tVALUE\tIP\tRANGE\tDBNAME\tSTATE")
			for _, r := range rs.Rules {
				if activeOnly && !r.ActiveAt(t) {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
					orDash(r.Ticket),
					r.From.UTC().Format(listTimeLayout),
					r.To.UTC().Format(listTimeLayout),
					r.Limit(),
					joinOrAny(r.IPList()),
					joinOrAny(r.RangeList()),
					joinOrAny(r.ProjectList()),
					ruleState(r, t),
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only rules whose window contains --at")
	cmd.Flags().StringVar(&at, "at", "", "reference time for --active and STATE (default now)")
	return cmd
}

func ruleState(r *throttle.Rule, t time.Time) string {
	switch {
	case r.ActiveAt(t):
		return "active"
	case r.Expired(t):
		return "expired"
	default:
		return "pending"
	}
}

func joinOrAny(items []string) string {
	if items == nil {
		return "*"
	}
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ",")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
