package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/log"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/rules"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/throttle"
	v "github.com/keithlinneman/linnemanlabs-throttle/internal/version"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/xerrors"
)

// now is replaced in tests.
var now = time.Now

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "throttlectl",
		Short: "Work with account-creation throttle exception files",
		Long: `throttlectl validates throttle exception files before they are deployed,
evaluates them for a given project, IP and time, and lists what they contain.`,
		Version:       v.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Bool("verbose", false, "log rule problems to stderr")
	root.AddCommand(newCheckCmd(), newEvalCmd(), newListCmd(), newFmtCmd(), newVersionCmd())
	return root
}

// cliLogger writes text records to stderr when --verbose is set.
func cliLogger(cmd *cobra.Command) log.Logger {
	if f := cmd.Flag("verbose"); f == nil || f.Value.String() != "true" {
		return log.Nop()
	}
	L, err := log.New(log.Options{App: "throttlectl", Level: "debug", Writer: cmd.ErrOrStderr()})
	if err != nil {
		return log.Nop()
	}
	return L
}

// loadFile builds a rule set from path. Dropped entries come back as
// problems, not as an error.
func loadFile(path string) (*rules.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read %s", path)
	}
	rs, _, err := rules.Build(data, rules.Meta{Source: rules.SourceFile, Path: path})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// parseAt reads --at, defaulting to the current time.
func parseAt(raw string) (time.Time, error) {
	if raw == "" {
		return now(), nil
	}
	t, err := throttle.ParseTime(raw)
	if err != nil {
		return time.Time{}, xerrors.Wrap(err, "--at")
	}
	return t, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
