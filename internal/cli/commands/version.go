package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is the esmflow version handed to diagnostic scripts. The root
// command sets it from the build information.
var Version = "dev"

// BuildInfo describes the binary.
type BuildInfo struct {
	Version   string
	BuildDate string
	GitCommit string
}

// NewVersionCommand creates the version command.
func NewVersionCommand(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display the esmflow version, the commit it was built from and the Go runtime.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "esmflow v%s\n", info.Version)
			_, _ = fmt.Fprintln(w, "Climate model evaluation recipe engine")
			if info.GitCommit != "" && info.GitCommit != "unknown" {
				_, _ = fmt.Fprintf(w, "commit %s, built %s\n", info.GitCommit, info.BuildDate)
			}
			_, _ = fmt.Fprintf(w, "%s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
