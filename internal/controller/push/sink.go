package push

import (
	"context"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	WorkerStatusTopic = "/topic/workers/status"
)

func MetricsTopic(scenarioId string) string {
	return "/topic/metrics/" + scenarioId
}

func ResultsTopic(taskId string) string {
	return "/topic/results/" + taskId
}

func ExecutionTopic(executionId string) string {
	return "/topic/executions/" + executionId
}

// Sink delivers an encoded event to whatever transport fans it out to clients.
type Sink interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// RedisSink publishes events on Redis pub/sub channels named after the topic.
type RedisSink struct {
	db redis.UniversalClient
}

func NewRedisSink(db redis.UniversalClient) *RedisSink {
	return &RedisSink{db: db}
}

func (s *RedisSink) Publish(ctx context.Context, topic string, payload []byte) error {
	return errors.WithStack(s.db.Publish(ctx, topic, payload).Err())
}

// Close is a no-op: the client is owned by the caller.
func (s *RedisSink) Close() error {
	return nil
}

// NatsSink publishes events on NATS subjects derived from the topic,
// e.g. /topic/metrics/abc becomes topic.metrics.abc.
type NatsSink struct {
	conn *nats.Conn
}

func NewNatsSink(url string, opts ...nats.Option) (*NatsSink, error) {
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "error connecting to nats at %s", url)
	}
	return &NatsSink{conn: conn}, nil
}

func NatsSubject(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

func (s *NatsSink) Publish(_ context.Context, topic string, payload []byte) error {
	return errors.WithStack(s.conn.Publish(NatsSubject(topic), payload))
}

func (s *NatsSink) Close() error {
	return errors.WithStack(s.conn.Drain())
}
