// zonecastctl is a small operational CLI for the zonecastd admin API:
// dumping config, binding/unbinding a zone's output, forcing playback
// commands, and listing discovered renderers. It is not the
// house-automation protocol surface zonecastd's own collaborator
// endpoints describe — just a maintenance tool, the ambient-CLI
// equivalent of the teacher shipping no CLI beyond its daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var baseURL string

func main() {
	rootCmd := &cobra.Command{
		Use:   "zonecastctl",
		Short: "zonecastctl — operational CLI for a running zonecastd",
	}
	rootCmd.PersistentFlags().StringVar(&baseURL, "addr", "http://127.0.0.1:8000", "zonecastd admin API base URL")

	rootCmd.AddCommand(
		configCmd(),
		transportsCmd(),
		devicesCmd(),
		zoneCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
