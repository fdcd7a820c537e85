package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sandboxd",
		Short: "sandboxd runs the isolated code-execution sandbox manager",
	}
	root.AddCommand(newServerCmd())
	return root
}
