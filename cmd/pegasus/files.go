package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pegasus-notebook/pegasus/internal/session/controller"
)

func newFilesCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Manage the kernel's workspace files",
	}

	// withWorkspace runs f against a logged-in workspace.
	withWorkspace := func(cmd *cobra.Command, f func(w *controller.Workspace) error) error {
		s, err := startSession(cmd, flags, sessionOptions{})
		if err != nil {
			return err
		}
		defer s.Close()
		return f(controller.NewWorkspace(s.ctrl, nil, s.log))
	}

	var output string
	download := &cobra.Command{
		Use:   "download <name>",
		Short: "Download a workspace file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, func(w *controller.Workspace) error {
				dest := output
				if dest == "" {
					dest = filepath.Base(args[0])
				}
				return writeTo(cmd, dest, func(out io.Writer) error {
					return w.Download(cmd.Context(), args[0], out)
				})
			})
		},
	}
	download.Flags().StringVarP(&output, "output", "o", "", `destination file, "-" for stdout (default: the file name)`)

	cmd.AddCommand(
		&cobra.Command{
			Use:   "ls",
			Short: "List workspace files",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withWorkspace(cmd, func(w *controller.Workspace) error {
					list, err := w.Refresh(cmd.Context())
					if err != nil {
						return err
					}
					tw := newTabWriter(cmd.OutOrStdout())
					_, _ = fmt.Fprintln(tw, "NAME\tSIZE (KB)")
					for _, f := range list {
						_, _ = fmt.Fprintf(tw, "%s\t%.2f\n", f.Filename, f.SizeKB)
					}
					return tw.Flush()
				})
			},
		},
		&cobra.Command{
			Use:   "upload <path>",
			Short: "Upload a local file into the workspace",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				src, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer src.Close()
				return withWorkspace(cmd, func(w *controller.Workspace) error {
					info, err := w.Upload(cmd.Context(), filepath.Base(args[0]), src)
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s\n", info.Filename)
					return nil
				})
			},
		},
		download,
		&cobra.Command{
			Use:   "rm <name>",
			Short: "Delete a workspace file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withWorkspace(cmd, func(w *controller.Workspace) error {
					return w.Delete(cmd.Context(), args[0])
				})
			},
		},
	)
	return cmd
}
