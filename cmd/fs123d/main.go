// Command fs123d is the fs123 origin server: it exports a local
// directory tree over the fs123 wire protocol (spec.md §4.4), wiring
// the secret store, content codec, protocol parser, origin handler,
// and peer overlay into a single HTTP listener.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fs123d",
		Short: "Serve a local directory tree over the fs123 protocol",
	}
	cmd.AddCommand(newServeCmd())
	return cmd
}
