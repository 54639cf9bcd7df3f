// Command blufio is the Blufio daemon and its management CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "blufio",
		Short:         "Blufio is a self-hosted personal-assistant agent runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "blufio.yaml", "path to the configuration file")

	root.AddCommand(
		newServeCommand(),
		newShellCommand(),
		newDoctorCommand(),
		newBackupCommand(),
		newRestoreCommand(),
		newConfigCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
