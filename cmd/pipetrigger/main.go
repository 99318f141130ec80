// Command pipetrigger runs the blob-triggered pipeline handler.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "pipetrigger",
		Short:         "Launch Azure ML pipelines when blobs are created",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), listenCmd(), runCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pipetrigger:", err)
		os.Exit(1)
	}
}
