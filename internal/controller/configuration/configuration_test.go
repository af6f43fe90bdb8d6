package configuration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadgrid/loadgrid/internal/common/config"
)

func loadDefault(t *testing.T) ControllerConfig {
	var c ControllerConfig
	_, err := config.LoadConfig(&c, "../../../config/controller", nil, "LOADGRID")
	require.NoError(t, err)
	return c
}

func TestDefaultConfigIsValid(t *testing.T) {
	c := loadDefault(t)
	require.NoError(t, c.Validate())
	assert.Equal(t, ShortfallFail, c.WorkerShortfallPolicy)
	assert.Equal(t, []string{"redis:6379"}, c.Redis.Addrs)
	assert.Equal(t, 500*time.Millisecond, c.Aggregation.IngestInterval)
	assert.Equal(t, uint(3), c.Admission.MaxAttempts)
	assert.Equal(t, "redis", c.Push.Sink)
	assert.Equal(t, 30*time.Second, c.Dispatch.HeartbeatTtl)
}

func TestEnvironmentOverridesDefault(t *testing.T) {
	t.Setenv("LOADGRID_WORKERSHORTFALLPOLICY", "warn")
	t.Setenv("LOADGRID_PUSH_SINK", "nats")
	c := loadDefault(t)
	require.NoError(t, c.Validate())
	assert.Equal(t, ShortfallWarn, c.WorkerShortfallPolicy)
	assert.Equal(t, "nats", c.Push.Sink)
}

func TestValidate(t *testing.T) {
	tests := map[string]func(c *ControllerConfig){
		"unknown shortfall policy": func(c *ControllerConfig) { c.WorkerShortfallPolicy = "ignore" },
		"unknown sink":             func(c *ControllerConfig) { c.Push.Sink = "kafka" },
		"no admission address":     func(c *ControllerConfig) { c.Admission.Address = "" },
		"zero batch size":          func(c *ControllerConfig) { c.Aggregation.BatchSize = 0 },
		"no retry attempts":        func(c *ControllerConfig) { c.StoreRetry.Attempts = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := loadDefault(t)
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
