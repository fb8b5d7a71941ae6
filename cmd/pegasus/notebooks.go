package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pegasus-notebook/pegasus/internal/session/controller"
)

func newNotebooksCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "notebooks",
		Aliases: []string{"nb"},
		Short:   "Manage notebooks stored on the server",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "ls",
			Short: "List notebooks",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := startSession(cmd, flags, sessionOptions{})
				if err != nil {
					return err
				}
				defer s.Close()

				list, err := s.ctrl.ListNotebooks(cmd.Context())
				if err != nil {
					return err
				}
				for _, nb := range list {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), nb.Filename)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "new <name>",
			Short: "Create an empty notebook",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := startSession(cmd, flags, sessionOptions{})
				if err != nil {
					return err
				}
				defer s.Close()
				if err := s.ctrl.New(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", controller.NotebookFilename(args[0]))
				return nil
			},
		},
		&cobra.Command{
			Use:   "rm <name>",
			Short: "Delete a notebook",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := startSession(cmd, flags, sessionOptions{})
				if err != nil {
					return err
				}
				defer s.Close()
				return s.ctrl.DeleteNotebook(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "rename <name> <new-name>",
			Short: "Rename a notebook",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := startSession(cmd, flags, sessionOptions{})
				if err != nil {
					return err
				}
				defer s.Close()
				return s.ctrl.RenameNotebook(cmd.Context(), args[0], args[1])
			},
		},
		newNotebookDownloadCmd(flags),
	)
	return cmd
}

func newNotebookDownloadCmd(flags *rootFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "download <name>",
		Short: "Download a notebook as .ipynb",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := startSession(cmd, flags, sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			name := controller.NotebookFilename(args[0])
			if output == "" {
				output = name
			}
			return writeTo(cmd, output, func(w io.Writer) error {
				return s.ctrl.DownloadNotebook(cmd.Context(), name, w)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", `destination file, "-" for stdout (default: the notebook name)`)
	return cmd
}

// writeTo streams into path, or stdout for "-". A failed download leaves no
// partial file behind.
func writeTo(cmd *cobra.Command, path string, fill func(io.Writer) error) error {
	if path == "-" {
		return fill(cmd.OutOrStdout())
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fill(f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
