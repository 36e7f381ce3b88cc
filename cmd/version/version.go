package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sidkik/peersync/pkg/version"
)

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of peersync.",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("peersync version: %s\n", version.Version)
		},
	}
}
