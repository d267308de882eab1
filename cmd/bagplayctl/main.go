package main

import (
	"log"

	"github.com/spf13/cobra"

	playcli "github.com/Ayrton2718/rosbag-rviz-panel/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "bagplayctl",
		Short:         "bag playback CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// Attach all playback commands from pkg/cli for reuse in services
	playcli.AddAll(root)
	return root
}
