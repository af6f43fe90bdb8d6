package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/loadgrid/loadgrid/internal/common/lgcontext"
	"github.com/loadgrid/loadgrid/internal/controller"
	"github.com/loadgrid/loadgrid/internal/controller/model"
)

func approveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <scenarioId>",
		Short: "Moves a scenario through the approval workflow",
		Long: `Moves a scenario to the given approval status. Drafts are submitted with --status PENDING,
pending scenarios are approved or rejected, and rejected scenarios may be returned to DRAFT.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := cmd.Flags().GetString("status")
			if err != nil {
				return errors.WithStack(err)
			}
			actor, err := cmd.Flags().GetString("actor")
			if err != nil {
				return errors.WithStack(err)
			}
			comment, err := cmd.Flags().GetString("comment")
			if err != nil {
				return errors.WithStack(err)
			}
			target := model.ApprovalStatus(strings.ToUpper(status))
			if !target.Valid() {
				return errors.Errorf("%s is not a valid approval status", status)
			}
			return withServices(cmd, func(ctx *lgcontext.Context, services *controller.Services) error {
				scenario, err := services.Approval.Transition(ctx, args[0], target, actor, comment)
				if err != nil {
					return err
				}
				return printJson(cmd.OutOrStdout(), scenario)
			})
		},
	}
	cmd.Flags().String("status", string(model.ApprovalApproved), "Target status: DRAFT, PENDING, APPROVED or REJECTED")
	cmd.Flags().String("actor", "", "Who is making the change")
	cmd.Flags().String("comment", "", "Comment recorded with the change")
	return cmd
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <scenarioId>",
		Short: "Starts an execution of an approved scenario",
		Long: `Starts an execution of an approved scenario and prints its id. The execution is stopped by
a running controller once its duration has passed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx *lgcontext.Context, services *controller.Services) error {
				executionId, err := services.Orchestrator.StartScenario(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), executionId)
				return errors.WithStack(err)
			})
		},
	}
	return cmd
}

func stopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <executionId>",
		Short: "Stops an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx *lgcontext.Context, services *controller.Services) error {
				if err := services.Orchestrator.StopScenario(ctx, args[0]); err != nil {
					return err
				}
				execution, err := services.Engine.Execution(ctx, args[0])
				if err != nil {
					return err
				}
				return printJson(cmd.OutOrStdout(), execution)
			})
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <executionId>",
		Short: "Prints the stats of an execution, or the live stats of a scenario with --scenario",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scenarioId, err := cmd.Flags().GetString("scenario")
			if err != nil {
				return errors.WithStack(err)
			}
			window, err := cmd.Flags().GetDuration("window")
			if err != nil {
				return errors.WithStack(err)
			}
			if (scenarioId == "") == (len(args) == 0) {
				return errors.New("specify either an execution id or --scenario")
			}
			return withServices(cmd, func(ctx *lgcontext.Context, services *controller.Services) error {
				var stats *model.ScenarioStats
				var err error
				if scenarioId != "" {
					stats, err = services.Engine.RealTimeStats(ctx, scenarioId, window)
				} else {
					stats, err = services.Engine.ExecutionStats(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printJson(cmd.OutOrStdout(), stats)
			})
		},
	}
	cmd.Flags().String("scenario", "", "Scenario to report live stats for")
	cmd.Flags().Duration("window", 30*time.Second, "Window of the live stats")
	return cmd
}
