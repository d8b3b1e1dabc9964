package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/saturnino-fabrica-de-software/netra/internal/config"
)

// Build metadata, set by -ldflags at compile time.
var (
	CommitSHA = "unknown"
	BuildDate = "unknown"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "netra %s\n", config.Version)
			fmt.Fprintf(out, "  Commit: %s\n", CommitSHA)
			fmt.Fprintf(out, "  Built:  %s\n", BuildDate)
			fmt.Fprintf(out, "  Go:     %s\n", runtime.Version())
		},
	}
}
