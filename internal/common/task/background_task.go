package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loadgrid/loadgrid/internal/common/lgcontext"
	"github.com/loadgrid/loadgrid/internal/common/logging"
)

type task struct {
	function    func(ctx *lgcontext.Context) error
	interval    time.Duration
	name        string
	stopChannel chan struct{}
}

// BackgroundTaskManager runs each registered function on its own goroutine and timer, so a slow
// task never delays another. Register and StopAll are not threadsafe; call them from a single goroutine.
type BackgroundTaskManager struct {
	tasks      []*task
	wg         *sync.WaitGroup
	durations  *prometheus.HistogramVec
	iterations *prometheus.CounterVec
}

func NewBackgroundTaskManager(metricsPrefix string, registerer prometheus.Registerer) *BackgroundTaskManager {
	durations := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    metricsPrefix + "background_task_latency_seconds",
			Help:    "Background task latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"task"})
	iterations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricsPrefix + "background_task_iterations_total",
			Help: "Background task iterations by outcome",
		}, []string{"task", "outcome"})
	if registerer != nil {
		registerer.MustRegister(durations, iterations)
	}
	return &BackgroundTaskManager{
		tasks:      []*task{},
		wg:         &sync.WaitGroup{},
		durations:  durations,
		iterations: iterations,
	}
}

// Register starts backgroundTask immediately and then every interval until StopAll is called.
// Errors and panics are logged and the task carries on with its next iteration.
func (m *BackgroundTaskManager) Register(ctx *lgcontext.Context, backgroundTask func(ctx *lgcontext.Context) error, interval time.Duration, name string) {
	t := &task{
		function:    backgroundTask,
		interval:    interval,
		name:        name,
		stopChannel: make(chan struct{}),
	}
	m.startBackgroundTask(lgcontext.WithLogField(ctx, "task", name), t)
	m.tasks = append(m.tasks, t)
}

// StopAll stops every task and waits up to timeout for in-flight iterations. Returns true on timeout.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopTasks()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(ctx *lgcontext.Context, t *task) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runOnce(ctx, t)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
			case <-t.stopChannel:
				return
			case <-ctx.Done():
				return
			}
			m.runOnce(ctx, t)
		}
	}()
}

func (m *BackgroundTaskManager) runOnce(ctx *lgcontext.Context, t *task) {
	start := time.Now()
	outcome := "success"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			ctx.Log.Errorf("background task panicked: %v", r)
		}
		m.durations.WithLabelValues(t.name).Observe(time.Since(start).Seconds())
		m.iterations.WithLabelValues(t.name, outcome).Inc()
	}()
	if err := t.function(ctx); err != nil {
		outcome = "error"
		logging.WithStacktrace(ctx.Log, err).Warn(fmt.Sprintf("background task %s failed", t.name))
	}
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}

func (m *BackgroundTaskManager) stopTasks() {
	for _, t := range m.tasks {
		close(t.stopChannel)
	}
	m.tasks = nil
}
