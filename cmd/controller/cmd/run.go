package cmd

import (
	"github.com/spf13/cobra"

	"github.com/loadgrid/loadgrid/internal/controller"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the controller",
		RunE:  runController,
	}
	return cmd
}

func runController(cmd *cobra.Command, _ []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return controller.Run(config)
}
