// Package controller wires the controller's components together and runs them.
package controller

import (
	"net/http"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/weaveworks/promrus"
	"google.golang.org/grpc"
	"k8s.io/utils/clock"

	"github.com/loadgrid/loadgrid/internal/common/app"
	"github.com/loadgrid/loadgrid/internal/common/health"
	"github.com/loadgrid/loadgrid/internal/common/lgcontext"
	"github.com/loadgrid/loadgrid/internal/common/serve"
	"github.com/loadgrid/loadgrid/internal/common/task"
	"github.com/loadgrid/loadgrid/internal/common/util"
	"github.com/loadgrid/loadgrid/internal/controller/admission"
	"github.com/loadgrid/loadgrid/internal/controller/aggregation"
	"github.com/loadgrid/loadgrid/internal/controller/approval"
	"github.com/loadgrid/loadgrid/internal/controller/configuration"
	"github.com/loadgrid/loadgrid/internal/controller/dispatch"
	"github.com/loadgrid/loadgrid/internal/controller/metrics"
	"github.com/loadgrid/loadgrid/internal/controller/orchestrator"
	"github.com/loadgrid/loadgrid/internal/controller/push"
	"github.com/loadgrid/loadgrid/internal/controller/repository"
	"github.com/loadgrid/loadgrid/internal/controller/schedule"
	"github.com/loadgrid/loadgrid/internal/controller/versioning"
)

const redisHealthTimeout = 2 * time.Second

// Services holds every controller component, wired to a single redis client.
type Services struct {
	Metrics      *metrics.Metrics
	Scenarios    repository.ScenarioRepository
	Approval     *approval.Service
	Versioning   *versioning.Service
	Registry     *dispatch.Registry
	Engine       *aggregation.Engine
	Active       *push.ActiveSet
	Streamer     *push.Streamer
	Gate         *admission.Gate
	Orchestrator *orchestrator.Orchestrator
	Timers       *schedule.StopTimers
	Scheduled    *schedule.Service
	Cron         *schedule.CronSweeper
	Deadlines    *schedule.DeadlineSweeper

	publisher *push.Publisher
	decider   *admission.GrpcDecider
}

// NewServices builds the controller components. Metrics are registered with registerer, which may be nil.
func NewServices(config configuration.ControllerConfig, db redis.UniversalClient, registerer prometheus.Registerer) (*Services, error) {
	sink, err := newSink(config.Push, db)
	if err != nil {
		return nil, err
	}
	decider, err := admission.NewGrpcDecider(
		config.Admission.Address,
		grpc.WithChainUnaryInterceptor(grpc_prometheus.UnaryClientInterceptor),
	)
	if err != nil {
		util.CloseResource("push sink", sink)
		return nil, err
	}

	realClock := clock.RealClock{}
	m := metrics.NewMetrics(metrics.MetricsPrefix, registerer)
	publisher := push.NewPublisher(sink, m)

	scenarios := repository.NewRedisScenarioRepository(db)
	queues := repository.NewRedisQueueRepository(db)
	scheduledTests := repository.NewRedisScheduledTestRepository(db)

	registry := dispatch.NewRegistry(
		queues,
		repository.NewRedisHeartbeatRepository(db),
		realClock,
		config.Dispatch.HeartbeatTtl,
		config.StoreRetry,
	)
	engine := aggregation.NewEngine(
		queues,
		repository.NewRedisMetricRepository(db),
		repository.NewRedisExecutionRepository(db),
		publisher,
		realClock,
		config.Aggregation,
		config.StoreRetry,
		m,
	)
	active := push.NewActiveSet()
	gate := admission.NewGate(decider, config.Admission, m)
	timers := schedule.NewStopTimers(realClock)
	orch := orchestrator.New(scenarios, gate, registry, engine, active, timers, realClock, config.WorkerShortfallPolicy, m)

	return &Services{
		Metrics:      m,
		Scenarios:    scenarios,
		Approval:     approval.NewService(repository.NewRedisApprovalRepository(db), realClock),
		Versioning:   versioning.NewService(scenarios, repository.NewRedisVersionRepository(db), realClock),
		Registry:     registry,
		Engine:       engine,
		Active:       active,
		Streamer:     push.NewStreamer(active, engine, registry, publisher, config.Aggregation.LiveWindow, realClock, m),
		Gate:         gate,
		Orchestrator: orch,
		Timers:       timers,
		Scheduled:    schedule.NewService(scheduledTests, realClock),
		Cron:         schedule.NewCronSweeper(scheduledTests, orch, realClock, m),
		Deadlines:    schedule.NewDeadlineSweeper(scenarios, orch, realClock),
		publisher:    publisher,
		decider:      decider,
	}, nil
}

// Close cancels pending stop timers and releases the push sink and the admission connection.
func (s *Services) Close() error {
	s.Timers.CancelAll()
	var result *multierror.Error
	if err := s.publisher.Close(); err != nil {
		result = multierror.Append(result, errors.WithMessage(err, "error closing push sink"))
	}
	if err := s.decider.Close(); err != nil {
		result = multierror.Append(result, errors.WithMessage(err, "error closing admission client"))
	}
	return result.ErrorOrNil()
}

func newSink(config configuration.PushConfig, db redis.UniversalClient) (push.Sink, error) {
	switch config.Sink {
	case "redis":
		return push.NewRedisSink(db), nil
	case "nats":
		return push.NewNatsSink(config.NatsUrl)
	default:
		return nil, errors.Errorf("%s is not a valid push sink", config.Sink)
	}
}

// Run sets up the controller and runs it until a SIGTERM is received
func Run(config configuration.ControllerConfig) error {
	g, ctx := lgcontext.ErrGroup(app.CreateContextWithShutdown())

	//////////////////////////////////////////////////////////////////////////
	// Redis
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Setting up redis connection")
	db := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
	defer util.CloseResource("redis client", db)

	services, err := NewServices(config, db, prometheus.DefaultRegisterer)
	if err != nil {
		return errors.WithMessage(err, "error creating controller services")
	}
	defer util.CloseResource("controller services", services)
	log.AddHook(promrus.MustNewPrometheusHook())

	//////////////////////////////////////////////////////////////////////////
	// Health Checks and Metrics
	//////////////////////////////////////////////////////////////////////////
	mux := http.NewServeMux()
	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck, health.NewRedisChecker(db, redisHealthTimeout))
	health.SetupHttpMux(mux, healthChecks)
	mux.Handle("/metrics", promhttp.Handler())
	g.Go(func() error {
		return serve.ListenAndServe(ctx, config.HttpPort, mux)
	})

	//////////////////////////////////////////////////////////////////////////
	// Background Tasks
	//////////////////////////////////////////////////////////////////////////
	taskManager := task.NewBackgroundTaskManager(metrics.MetricsPrefix, prometheus.DefaultRegisterer)
	taskManager.Register(ctx, services.Engine.IngestBatch, config.Aggregation.IngestInterval, "ingest_results")
	taskManager.Register(ctx, services.Streamer.PushMetrics, config.Push.MetricsInterval, "push_metrics")
	taskManager.Register(ctx, services.Streamer.PushWorkerStatus, config.Push.WorkerStatusInterval, "push_worker_status")
	taskManager.Register(ctx, services.Cron.CheckScheduledTests, config.Schedule.CheckInterval, "check_scheduled_tests")
	taskManager.Register(ctx, services.Deadlines.EnforceDeadlines, config.Schedule.DeadlineInterval, "enforce_deadlines")
	taskManager.Register(ctx, services.Orchestrator.SyncActive, config.Schedule.DeadlineInterval, "sync_active_scenarios")
	g.Go(func() error {
		<-ctx.Done()
		if !taskManager.StopAll(config.ShutdownTimeout) {
			log.Warnf("Background tasks did not stop within %s", config.ShutdownTimeout)
		}
		return nil
	})

	// Mark startup as complete, will allow the health check to return healthy
	startupCompleteCheck.MarkComplete()
	log.Info("Controller started")

	return g.Wait()
}
