package cmd

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loadgrid/loadgrid/internal/common/lgcontext"
	"github.com/loadgrid/loadgrid/internal/controller"
	"github.com/loadgrid/loadgrid/internal/controller/model"
)

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Creates a draft scenario from a yaml scenario file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := cmd.Flags().GetString("owner")
			if err != nil {
				return errors.WithStack(err)
			}
			tenant, err := cmd.Flags().GetString("tenant")
			if err != nil {
				return errors.WithStack(err)
			}
			config, err := readScenarioFile(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd, func(ctx *lgcontext.Context, services *controller.Services) error {
				scenario, err := services.Versioning.CreateScenario(ctx, owner, tenant, config)
				if err != nil {
					return err
				}
				return printJson(cmd.OutOrStdout(), scenario)
			})
		},
	}
	cmd.Flags().String("owner", "", "Owner of the new scenario")
	cmd.Flags().String("tenant", "", "Tenant the scenario runs on behalf of")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

// readScenarioFile decodes a scenario config, rejecting fields the config doesn't have.
func readScenarioFile(path string) (model.ScenarioConfig, error) {
	var config model.ScenarioConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return config, errors.WithStack(err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return config, errors.Wrapf(err, "error parsing scenario file %s", path)
	}
	return config, nil
}
