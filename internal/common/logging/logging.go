package logging

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	// One of panic, fatal, error, warn, info, debug, trace
	Level string `validate:"omitempty,oneof=panic fatal error warn info debug trace"`
	// Either text or json
	Format string `validate:"omitempty,oneof=text json"`
}

// ConfigureLogging sets up the standard logrus logger. It should be called once at app startup.
func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

// ApplyConfig reconfigures the standard logger once the application config has been loaded.
func ApplyConfig(config Config) error {
	if config.Level != "" {
		level, err := log.ParseLevel(config.Level)
		if err != nil {
			return errors.WithStack(err)
		}
		log.SetLevel(level)
	}
	if config.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	return nil
}
