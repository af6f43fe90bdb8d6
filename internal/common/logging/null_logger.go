package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// NullLogger discards everything. Handy in tests that exercise noisy code paths.
var NullLogger = &logrus.Logger{
	Out:       io.Discard,
	Formatter: new(logrus.TextFormatter),
	Hooks:     make(logrus.LevelHooks),
	Level:     logrus.PanicLevel,
}
