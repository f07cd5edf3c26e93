package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/rules"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/xerrors"
)

type checkReport struct {
	File     string         `json:"file"`
	Version  string         `json:"version,omitempty"`
	SHA256   string         `json:"sha256"`
	Entries  int            `json:"entries"`
	Rules    int            `json:"rules"`
	Problems []problemEntry `json:"problems"`
}

type problemEntry struct {
	rules.Problem
	Message string `json:"message"`
}

func newCheckCmd() *cobra.Command {
	var asJSON bool
	var strict bool
	cmd := &cobra.Command{
		Use:   "check FILE",
		Short: "Validate a rules file",
		Long: `Parse and compile FILE the way the server does and report every problem.
Exits non-zero when any exception would be dropped at load.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := loadFile(args[0])
			if err != nil {
				return err
			}
			report := checkReport{
				File:     args[0],
				Version:  rs.Meta.Version,
				SHA256:   rs.Meta.SHA256,
				Entries:  rs.Entries,
				Rules:    len(rs.Rules),
				Problems: make([]problemEntry, 0, len(rs.Problems)),
			}
			for _, p := range rs.Problems {
				report.Problems = append(report.Problems, problemEntry{Problem: p, Message: p.Message()})
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				for _, p := range rs.Problems {
					fmt.Fprintln(out, p.Error())
				}
				fmt.Fprintf(out, "%s: %d of %d exceptions compiled (version %q, sha256 %s)\n",
					args[0], len(rs.Rules), rs.Entries, rs.Meta.Version, shortHash(rs.Meta.SHA256))
			}

			if n := rules.CountErrors(rs.Problems); n > 0 {
				return xerrors.Newf("%d exceptions rejected", n)
			}
			if strict && len(rs.Problems) > 0 {
				return xerrors.Newf("%d warnings", len(rs.Problems))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as failures")
	return cmd
}
