// handshake is a tiny helper baked into build support images. It implements
// the marker-file protocol used to order containers within one builder pod:
// "wait" blocks until a marker appears (bounded), "signal" creates one.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/openshift/cluster-builds/pkg/sidecar"
)

func main() {
	var dir string
	var budget time.Duration

	root := &cobra.Command{
		Use:          "handshake",
		Short:        "Marker-file coordination between build pod containers",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&dir, "dir", sidecar.MountPath, "Marker directory")

	wait := &cobra.Command{
		Use:   "wait MARKER",
		Short: "Block until a marker exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sidecar.Wait(context.Background(), sidecar.NewDir(dir), args[0], budget)
		},
	}
	wait.Flags().DurationVar(&budget, "budget", 10*time.Minute, "How long to wait before giving up")

	signal := &cobra.Command{
		Use:   "signal MARKER",
		Short: "Create a marker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sidecar.Signal(sidecar.NewDir(dir), args[0])
		},
	}

	root.AddCommand(wait, signal)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
