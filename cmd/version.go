// File: cmd/version.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/malmo-go/malmo/internal/mission"
)

// newVersionCmd reports the platform and schema versions. The schema
// version is what executors check MissionInit documents against.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the platform and mission schema versions",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "malmo %s (schema %s)\n", mission.Version, mission.SchemaVersion)
		},
	}
}
