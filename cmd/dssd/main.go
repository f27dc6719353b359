// Command dssd runs the dynamic stream server: it loads configuration,
// wires every package under internal/ into a suture supervision tree, and
// blocks until interrupted.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := RootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// RootCommand builds the dssd CLI: a single "serve" action with a
// --config flag, cobra's minimal idiom for a service that has no other
// subcommands yet.
func RootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "dssd",
		Short: "Dynamic stream server daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML/JSON/TOML, viper-detected)")
	return root
}
