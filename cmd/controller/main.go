package main

import (
	"os"

	"github.com/loadgrid/loadgrid/cmd/controller/cmd"
	"github.com/loadgrid/loadgrid/internal/common/logging"
)

func main() {
	logging.ConfigureLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
