package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/loadgrid/loadgrid/internal/common/lgcontext"
	"github.com/loadgrid/loadgrid/internal/controller"
	"github.com/loadgrid/loadgrid/internal/controller/model"
	"github.com/loadgrid/loadgrid/internal/controller/schedule"
)

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manages scheduled tests",
	}
	cmd.AddCommand(
		scheduleCreateCmd(),
		scheduleListCmd(),
		scheduleEnableCmd(true),
		scheduleEnableCmd(false),
		scheduleDeleteCmd(),
	)
	return cmd
}

func scheduleCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <scenarioId> <cronExpression>",
		Short: "Runs a scenario whenever the cron expression fires",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := cmd.Flags().GetString("name")
			if err != nil {
				return errors.WithStack(err)
			}
			owner, err := cmd.Flags().GetString("owner")
			if err != nil {
				return errors.WithStack(err)
			}
			return withServices(cmd, func(ctx *lgcontext.Context, services *controller.Services) error {
				scenario, err := services.Scenarios.GetScenario(ctx, args[0])
				if err != nil {
					return err
				}
				test, err := services.Scheduled.Create(ctx, &model.ScheduledTest{
					Name:           name,
					Owner:          owner,
					Tenant:         scenario.Tenant,
					ScenarioId:     scenario.Id,
					CronExpression: args[1],
					Enabled:        true,
				})
				if err != nil {
					return err
				}
				return printJson(cmd.OutOrStdout(), test)
			})
		},
	}
	cmd.Flags().String("name", "", "Name of the scheduled test")
	cmd.Flags().String("owner", "", "Owner of the scheduled test")
	return cmd
}

func scheduleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <owner>",
		Short: "Lists the scheduled tests of an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx *lgcontext.Context, services *controller.Services) error {
				tests, err := services.Scheduled.ListByOwner(ctx, args[0])
				if err != nil {
					return err
				}
				return printJson(cmd.OutOrStdout(), tests)
			})
		},
	}
	return cmd
}

func scheduleEnableCmd(enabled bool) *cobra.Command {
	use, short := "enable <scheduledTestId>", "Enables a scheduled test"
	if !enabled {
		use, short = "disable <scheduledTestId>", "Disables a scheduled test"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx *lgcontext.Context, services *controller.Services) error {
				test, err := services.Scheduled.Update(ctx, args[0], schedule.Update{Enabled: &enabled})
				if err != nil {
					return err
				}
				return printJson(cmd.OutOrStdout(), test)
			})
		},
	}
	return cmd
}

func scheduleDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <scheduledTestId>",
		Short: "Deletes a scheduled test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx *lgcontext.Context, services *controller.Services) error {
				return services.Scheduled.Delete(ctx, args[0])
			})
		},
	}
	return cmd
}
