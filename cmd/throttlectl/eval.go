package main

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/rules"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/throttle"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/xerrors"
)

func newEvalCmd() *cobra.Command {
	var project, ip, at string
	cmd := &cobra.Command{
		Use:   "eval FILE",
		Short: "Evaluate a rules file for one request",
		Long: `Run the evaluator over FILE for --project and --ip at --at (default now).
Prints the applied settings as JSON, or "no match".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if net.ParseIP(ip) == nil {
				return xerrors.Newf("--ip %q is not an IP address", ip)
			}
			t, err := parseAt(at)
			if err != nil {
				return err
			}
			rs, err := loadFile(args[0])
			if err != nil {
				return err
			}
			rules.LogProblems(cmd.Context(), cliLogger(cmd), rs.Problems)

			res, matched := throttle.Evaluate(rs.Rules, throttle.Context{Now: t, Project: project, IP: ip})
			out := cmd.OutOrStdout()
			if !matched {
				fmt.Fprintln(out, "no match")
				return nil
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project (dbname) of the request")
	cmd.Flags().StringVar(&ip, "ip", "", "client IP of the request")
	cmd.Flags().StringVar(&at, "at", "", `evaluation time, e.g. "2017-04-06T12:00 UTC" (default now)`)
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("ip")
	return cmd
}
