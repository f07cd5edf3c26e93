package main

import (
	"bytes"
	"os"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/rules"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/xerrors"
)

func newFmtCmd() *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "fmt FILE",
		Short: "Rewrite a rules file in normalized form",
		Long: `Decode FILE and print it back with scalar ip/range/dbname values
expanded to lists and the IP alias folded into ip. With -w the file is
replaced when the output differs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return xerrors.Wrapf(err, "read %s", path)
			}
			doc, err := rules.Parse(data)
			if err != nil {
				return err
			}
			out, err := rules.Marshal(doc)
			if err != nil {
				return err
			}
			if !write {
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			if bytes.Equal(data, out) {
				return nil
			}
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			// temp file and rename so a watching server never reads a partial file
			tmp := path + ".tmp"
			if err := os.WriteFile(tmp, out, info.Mode().Perm()); err != nil {
				return xerrors.Wrapf(err, "write %s", tmp)
			}
			return os.Rename(tmp, path)
		},
	}
	cmd.Flags().BoolVarP(&write, "write", "w", false, "write the result back to FILE")
	return cmd
}
