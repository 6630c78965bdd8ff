package cli

import (
	"github.com/spf13/cobra"
)

func newRunsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect pipeline runs",
	}

	var (
		status string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			runs, err := a.client().ListRuns(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			return p.Runs(runs)
		},
	}
	list.Flags().StringVar(&status, "status", "", "only runs in this status (e.g. AwaitingApproval)")
	list.Flags().IntVar(&limit, "limit", 0, "maximum number of runs (server default 50)")

	get := &cobra.Command{
		Use:   "get RUN_ID",
		Short: "Show a run and its stage history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			run, err := a.client().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return p.Run(run)
		},
	}

	events := &cobra.Command{
		Use:   "events RUN_ID",
		Short: "Show the lifecycle events recorded for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			evs, err := a.client().RunEvents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return p.Events(evs)
		},
	}

	cmd.AddCommand(list, get, events)
	return cmd
}

func newTriggerCmd(a *app) *cobra.Command {
	var branch, commit string
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Start a run for the tracked branch",
		Long: `Start a pipeline run. Without flags the head of the tracked branch is
built. A run waiting at Approval is superseded by the new run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			run, err := a.client().Trigger(cmd.Context(), branch, commit)
			if err != nil {
				return err
			}
			return p.Run(run)
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "branch to build (default: tracked branch)")
	cmd.Flags().StringVar(&commit, "commit", "", "commit to build (default: branch head)")
	return cmd
}

func newApproveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "approve RUN_ID",
		Short: "Approve a run waiting at the Approval stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			run, err := a.client().Approve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return p.Run(run)
		},
	}
}

func newRejectCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject RUN_ID",
		Short: "Reject a run waiting at the Approval stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			run, err := a.client().Reject(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return p.Run(run)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the Approval stage")
	return cmd
}

func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel a run that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			run, err := a.client().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return p.Run(run)
		},
	}
}
