package cmd

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/loadgrid/loadgrid/internal/common/app"
	commonconfig "github.com/loadgrid/loadgrid/internal/common/config"
	"github.com/loadgrid/loadgrid/internal/common/lgcontext"
	"github.com/loadgrid/loadgrid/internal/common/logging"
	"github.com/loadgrid/loadgrid/internal/common/util"
	"github.com/loadgrid/loadgrid/internal/controller"
	"github.com/loadgrid/loadgrid/internal/controller/configuration"
)

const (
	CustomConfigLocation string = "config"
	defaultConfigPath    string = "./config/controller"
	envPrefix            string = "LOADGRID"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "controller",
		SilenceUsage: true,
		Short:        "The loadgrid load test controller",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		runCmd(),
		importCmd(),
		approveCmd(),
		startCmd(),
		stopCmd(),
		statsCmd(),
		versionsCmd(),
		rollbackCmd(),
		diffCmd(),
		scheduleCmd(),
	)

	return cmd
}

func loadConfig(cmd *cobra.Command) (configuration.ControllerConfig, error) {
	var config configuration.ControllerConfig
	userSpecifiedConfigs, err := cmd.Flags().GetStringSlice(CustomConfigLocation)
	if err != nil {
		return config, errors.WithStack(err)
	}
	if _, err := commonconfig.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs, envPrefix); err != nil {
		return config, err
	}
	if err := config.Validate(); err != nil {
		commonconfig.LogValidationErrors(err)
		return config, err
	}
	if err := logging.ApplyConfig(config.Logging); err != nil {
		return config, err
	}
	return config, nil
}

// withServices runs action against controller components connected to the configured store.
// Commands run this way share state with a running controller through redis only.
func withServices(cmd *cobra.Command, action func(ctx *lgcontext.Context, services *controller.Services) error) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	db := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
	defer util.CloseResource("redis client", db)

	services, err := controller.NewServices(config, db, nil)
	if err != nil {
		return err
	}
	defer util.CloseResource("controller services", services)
	return action(app.CreateContextWithShutdown(), services)
}

func printJson(out io.Writer, v interface{}) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return errors.WithStack(encoder.Encode(v))
}
