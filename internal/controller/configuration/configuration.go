package configuration

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/loadgrid/loadgrid/internal/common/config"
	"github.com/loadgrid/loadgrid/internal/common/logging"
	"github.com/loadgrid/loadgrid/internal/common/util"
)

type WorkerShortfallPolicy string

const (
	// ShortfallFail rejects a start when fewer workers are active than the scenario asks for.
	ShortfallFail WorkerShortfallPolicy = "fail"
	// ShortfallWarn logs the shortfall and starts anyway.
	ShortfallWarn WorkerShortfallPolicy = "warn"
)

type ControllerConfig struct {
	Logging logging.Config
	Redis   config.RedisConfig
	// Port on which prometheus metrics and the health endpoint are served.
	HttpPort    uint16 `validate:"required"`
	Admission   AdmissionConfig
	Dispatch    DispatchConfig
	Aggregation AggregationConfig
	Push        PushConfig
	Schedule    ScheduleConfig
	// Policy applied when fewer workers are active than a scenario's numWorkers.
	WorkerShortfallPolicy WorkerShortfallPolicy `validate:"required,oneof=fail warn"`
	// Retry policy applied to transient store failures at the call site.
	StoreRetry util.RetryConfig
	// How long background tasks are given to finish on shutdown.
	ShutdownTimeout time.Duration `validate:"required"`
}

func (c ControllerConfig) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

type AdmissionConfig struct {
	// host:port of the admission service.
	Address string `validate:"required"`
	// Timeout of a single decision call.
	AttemptTimeout time.Duration `validate:"required"`
	// Total number of attempts per decision, including the first.
	MaxAttempts uint `validate:"gte=1"`
	// Base delay of the exponential backoff between attempts.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// The circuit breaker opens after this many consecutive failed decision calls.
	BreakerFailureThreshold uint32 `validate:"gte=1"`
	// How long the breaker stays open before letting a probe call through.
	BreakerOpenTimeout time.Duration `validate:"required"`
	// Outbound decision calls per second, and the burst allowed on top of that.
	RateLimit float64 `validate:"gt=0"`
	RateBurst int     `validate:"gte=1"`
}

type DispatchConfig struct {
	// How long a heartbeat keeps a worker active.
	HeartbeatTtl time.Duration `validate:"required"`
}

type AggregationConfig struct {
	// Maximum number of results taken off the result queue per ingestion sweep.
	BatchSize int `validate:"gte=1"`
	// How long an ingestion sweep waits on an empty queue.
	PollTimeout time.Duration
	// How often the result queue is drained.
	IngestInterval time.Duration `validate:"required"`
	// Metrics older than this are pruned on ingestion.
	Retention time.Duration `validate:"required"`
	// Window used for the live stats pushed to subscribers.
	LiveWindow time.Duration `validate:"required"`
}

type PushConfig struct {
	// One of redis or nats.
	Sink string `validate:"required,oneof=redis nats"`
	// Only used by the nats sink.
	NatsUrl              string
	MetricsInterval      time.Duration `validate:"required"`
	WorkerStatusInterval time.Duration `validate:"required"`
}

type ScheduleConfig struct {
	CheckInterval    time.Duration `validate:"required"`
	DeadlineInterval time.Duration `validate:"required"`
}
