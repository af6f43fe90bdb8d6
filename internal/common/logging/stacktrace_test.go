package logging

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestExtractStack(t *testing.T) {
	assert.Nil(t, ExtractStack(fmt.Errorf("plain")))
	assert.NotNil(t, ExtractStack(errors.New("with stack")))
	assert.NotNil(t, ExtractStack(errors.WithMessage(errors.New("inner"), "outer")))
}

func TestWithStacktrace(t *testing.T) {
	entry := logrus.NewEntry(NullLogger)

	withStack := WithStacktrace(entry, errors.New("boom"))
	assert.Contains(t, withStack.Data, logrus.ErrorKey)
	assert.Contains(t, withStack.Data, Stacktrace)

	withoutStack := WithStacktrace(entry, fmt.Errorf("boom"))
	assert.Contains(t, withoutStack.Data, logrus.ErrorKey)
	assert.NotContains(t, withoutStack.Data, Stacktrace)
}

func TestApplyConfig(t *testing.T) {
	defer logrus.SetLevel(logrus.InfoLevel)
	defer logrus.SetFormatter(&logrus.TextFormatter{})

	assert.NoError(t, ApplyConfig(Config{Level: "debug"}))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	assert.Error(t, ApplyConfig(Config{Level: "loud"}))
}
