// Command framepipe runs a frame pipeline on the noop GPU backend.
//
// It generates a test picture, queues it as bitmap input for the
// requested number of frames and prints what happens to every frame:
//
//	framepipe run --frames 60 --fps 30 --overlay --depth 2
//	framepipe run --config framepipe.toml --watch
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gogpu/framepipe"
)

func main() {
	root := &cobra.Command{
		Use:           "framepipe",
		Short:         "GPU frame pipeline runner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), &cobra.Command{
		Use:   "version",
		Short: "Print the library version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "framepipe", framepipe.Version)
		},
	})
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "framepipe:", err)
		os.Exit(1)
	}
}
