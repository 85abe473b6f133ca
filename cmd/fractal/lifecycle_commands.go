package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fractal/internal/api"
)

func newToggleCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle",
		Short: "Start, pause, resume or abort training",
		Long: "Toggle applies the single control action: start from inactive, " +
			"abort while waiting for admission, pause while training, resume while paused.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := client.Toggle(cmd.Context())
			if err != nil {
				return fmt.Errorf("toggle: %w", err)
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Transition: %s\n", resp.Transition)
			fmt.Fprint(out, renderState(resp.State, shouldColorize(out)))
			return nil
		},
	}
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Stop the active session from any state",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := client.Cancel(cmd.Context())
			if err != nil {
				return fmt.Errorf("cancel: %w", err)
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}
			out := cmd.OutOrStdout()
			if resp.Cancelled {
				fmt.Fprintln(out, "Session cancelled")
			} else {
				fmt.Fprintln(out, "No active session")
			}
			fmt.Fprint(out, renderState(resp.State, shouldColorize(out)))
			return nil
		},
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current training state",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			state, err := client.State(cmd.Context())
			if err != nil {
				return fmt.Errorf("fetch state: %w", err)
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, state)
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, renderState(*state, shouldColorize(out)))
			return nil
		},
	}
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var untilIdle bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream state changes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			watchCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			seenActive := false
			err = client.Watch(watchCtx, func(state api.State) error {
				if ctx.jsonOutput() {
					if err := writeJSON(cmd, state); err != nil {
						return err
					}
				} else {
					fmt.Fprint(out, renderState(state, colorize))
				}
				if state.Active {
					seenActive = true
				}
				if untilIdle && seenActive && !state.Active {
					stop()
				}
				return nil
			})
			if untilIdle && seenActive && watchCtx.Err() != nil && cmd.Context().Err() == nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&untilIdle, "until-idle", false, "Exit once an observed session ends")
	return cmd
}

func newConditionsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "conditions",
		Short: "Show device conditions and the admission verdict",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			cond, err := client.Conditions(cmd.Context())
			if err != nil {
				return fmt.Errorf("fetch conditions: %w", err)
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, cond)
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, renderConditions(*cond, shouldColorize(out)))
			return nil
		},
	}
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent training sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := client.History(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("fetch history: %w", err)
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}
			out := cmd.OutOrStdout()
			if len(resp.Sessions) == 0 {
				fmt.Fprintln(out, "No sessions recorded")
				return nil
			}
			fmt.Fprintln(out, renderHistory(resp.Sessions))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of sessions to list")
	return cmd
}

func renderHistory(sessions []api.Session) string {
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		detail := s.Inference
		if s.Error != "" {
			detail = s.Error
		}
		rows = append(rows, []string{
			shortID(s.ID),
			s.StartedAt,
			titleCaser.String(s.Outcome),
			fmt.Sprintf("%d%%", s.Progress),
			s.Epochs,
			s.Performance,
			detail,
		})
	}
	return renderTable(
		[]string{"Session", "Started", "Outcome", "Progress", "Epochs", "Performance", "Detail"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
	)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
