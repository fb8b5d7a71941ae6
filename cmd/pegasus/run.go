package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pegasus-notebook/pegasus/internal/notebook/models"
)

const defaultKernelWait = 30 * time.Second

func newRunCmd(flags *rootFlags) *cobra.Command {
	var (
		noSave     bool
		kernelWait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <notebook>",
		Short: "Run every code cell of a notebook and print the outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := startSession(cmd, flags, sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			waitCtx, cancel := context.WithTimeout(ctx, kernelWait)
			defer cancel()
			if err := s.ctrl.AwaitKernel(waitCtx); err != nil {
				return fmt.Errorf("kernel unavailable: %w", err)
			}
			if err := s.ctrl.Open(ctx, args[0]); err != nil {
				return err
			}

			runErr := s.ctrl.RunAll(ctx)
			printOutputs(cmd.OutOrStdout(), s.ctrl.Snapshot().Document)

			if !noSave {
				if err := s.ctrl.Save(context.WithoutCancel(ctx)); err != nil {
					return fmt.Errorf("save: %w", err)
				}
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&noSave, "no-save", false, "do not write outputs back to the server")
	cmd.Flags().DurationVar(&kernelWait, "kernel-wait", defaultKernelWait, "how long to wait for the kernel connection")
	return cmd
}

// printOutputs writes each code cell followed by its output.
func printOutputs(w io.Writer, doc *models.Document) {
	if doc == nil {
		return
	}
	for i, cell := range doc.Cells {
		if !cell.IsCode() {
			continue
		}
		_, _ = fmt.Fprintf(w, "In [%d]:\n%s\n", i+1, indent(cell.Text()))
		out, ok := cell.Output()
		if !ok {
			_, _ = fmt.Fprintln(w)
			continue
		}
		label := "Out"
		if out.Type == models.OutputStderr {
			label = "Err"
		}
		_, _ = fmt.Fprintf(w, "%s [%d]:\n%s\n\n", label, i+1, indent(strings.TrimRight(out.Content, "\n")))
	}
}

func indent(text string) string {
	if text == "" {
		return ""
	}
	return "    " + strings.ReplaceAll(text, "\n", "\n    ")
}
