package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pegasus-notebook/pegasus/internal/api"
	"github.com/pegasus-notebook/pegasus/internal/session/controller"
	"github.com/pegasus-notebook/pegasus/internal/tui"
)

const defaultNotebook = "Untitled"

func newTUICmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tui [notebook]",
		Short: "Open a notebook in the terminal editor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := defaultNotebook
			if len(args) == 1 {
				name = args[0]
			}

			confirmer := tui.NewConfirmer()
			s, err := startSession(cmd, flags, sessionOptions{confirmer: confirmer, logToFile: true})
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			if err := openOrCreate(ctx, s.ctrl, name); err != nil {
				return err
			}

			workspace := controller.NewWorkspace(s.ctrl, nil, s.log)
			workspace.OnChange(func(files []api.FileInfo) {
				s.log.Debug("workspace changed", zap.Int("files", len(files)))
			})
			if err := workspace.Start(); err != nil {
				s.log.Warn("workspace refresh disabled", zap.Error(err))
			}
			defer workspace.Stop()

			model := tui.New(ctx, s.ctrl, confirmer)
			defer model.Close()
			if _, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return fmt.Errorf("terminal editor: %w", err)
			}

			// Flush edits made inside the autosave window.
			if s.ctrl.Snapshot().Dirty {
				if err := s.ctrl.Save(context.WithoutCancel(ctx)); err != nil {
					return fmt.Errorf("save on exit: %w", err)
				}
			}
			return nil
		},
	}
}

// openOrCreate opens name, creating it when the server does not have it.
func openOrCreate(ctx context.Context, ctrl *controller.Controller, name string) error {
	err := ctrl.Open(ctx, name)
	if api.IsStatus(err, http.StatusNotFound) {
		return ctrl.New(ctx, name)
	}
	return err
}
