package cmd

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/loadgrid/loadgrid/internal/common/lgcontext"
	"github.com/loadgrid/loadgrid/internal/controller"
)

func versionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions <scenarioId>",
		Short: "Lists the config versions of a scenario, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx *lgcontext.Context, services *controller.Services) error {
				versions, err := services.Versioning.Versions(ctx, args[0])
				if err != nil {
					return err
				}
				return printJson(cmd.OutOrStdout(), versions)
			})
		},
	}
	return cmd
}

func rollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <scenarioId> <version>",
		Short: "Restores an earlier config of a scenario as a new version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseVersion(args[1])
			if err != nil {
				return err
			}
			return withServices(cmd, func(ctx *lgcontext.Context, services *controller.Services) error {
				_, version, err := services.Versioning.Rollback(ctx, args[0], target)
				if err != nil {
					return err
				}
				return printJson(cmd.OutOrStdout(), version)
			})
		},
	}
	return cmd
}

func diffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff <scenarioId> <fromVersion> <toVersion>",
		Short: "Shows the fields that differ between two config versions",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseVersion(args[1])
			if err != nil {
				return err
			}
			to, err := parseVersion(args[2])
			if err != nil {
				return err
			}
			return withServices(cmd, func(ctx *lgcontext.Context, services *controller.Services) error {
				changes, err := services.Versioning.DiffVersions(ctx, args[0], from, to)
				if err != nil {
					return err
				}
				return printJson(cmd.OutOrStdout(), changes)
			})
		},
	}
	return cmd
}

func parseVersion(s string) (int, error) {
	version, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Errorf("%s is not a valid version", s)
	}
	return version, nil
}
