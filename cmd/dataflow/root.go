package main

import (
	"io"

	"github.com/spf13/cobra"
)

func newRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	rc := &cobra.Command{
		Use:   "dataflow",
		Short: "Incremental datalog queries over a stream of timestamped facts",
		Long: `
Dataflow keeps registered datalog queries up to date as facts arrive.
Facts are ingested at logical times; once a time is closed with advance,
every query reports what it gained and lost at that time.
`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rc.PersistentFlags().BoolP("verbose", "v", false, "print engine events")
	rc.SetIn(stdin)
	rc.SetOut(stdout)
	rc.SetErr(stderr)

	rc.AddCommand(newServeCommand(stdout, stderr))
	rc.AddCommand(newReplCommand(stdin, stdout, stderr))
	return rc
}
