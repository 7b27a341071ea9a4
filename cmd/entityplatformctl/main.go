// Command entityplatformctl is the operator/admin surface for the entity
// platform core (SPEC_FULL "CLI / admin surface"): compiling and
// publishing schema versions, draining the audit outbox, and running the
// audit partition lifecycle by hand outside the normal service process.
// One cobra.Command var per subcommand file, registered onto rootCmd
// from each file's init().
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/entityplatform/core/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "entityplatformctl",
	Short: "Operator CLI for the entity platform core",
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return config.Initialize()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
