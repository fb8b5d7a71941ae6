// Command pegasus is the notebook client: a terminal editor, a headless
// runner and thin commands for notebooks and workspace files.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	baseURL    string
	username   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pegasus: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "pegasus",
		Short:         "Pegasus notebook client",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "directory containing config.yaml")
	root.PersistentFlags().StringVar(&flags.baseURL, "url", "", "backend API base URL (overrides client.baseUrl)")
	root.PersistentFlags().StringVarP(&flags.username, "username", "u", "", "login name (overrides client.username)")

	tui := newTUICmd(flags)
	root.RunE = tui.RunE
	root.Args = tui.Args

	root.AddCommand(tui)
	root.AddCommand(newRunCmd(flags))
	root.AddCommand(newNotebooksCmd(flags))
	root.AddCommand(newFilesCmd(flags))
	return root
}
