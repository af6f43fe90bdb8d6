package repository

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/loadgrid/loadgrid/internal/controller/model"
)

type ApprovalRepository interface {
	// ApplyTransition runs transition against the stored scenario and then persists the mutated
	// scenario together with the returned event in one transaction: either both land or neither does.
	ApplyTransition(ctx context.Context, scenarioId string, transition func(*model.Scenario) (*model.ApprovalEvent, error)) (*model.Scenario, error)
	// GetApprovalEvents returns the audit trail of a scenario, newest first.
	GetApprovalEvents(ctx context.Context, scenarioId string) ([]*model.ApprovalEvent, error)
}

type RedisApprovalRepository struct {
	db redis.UniversalClient
}

func NewRedisApprovalRepository(db redis.UniversalClient) *RedisApprovalRepository {
	return &RedisApprovalRepository{db: db}
}

func (r *RedisApprovalRepository) ApplyTransition(
	ctx context.Context,
	scenarioId string,
	transition func(*model.Scenario) (*model.ApprovalEvent, error),
) (*model.Scenario, error) {
	var event *model.ApprovalEvent
	return updateScenario(ctx, r.db, scenarioId,
		func(scenario *model.Scenario) error {
			var err error
			event, err = transition(scenario)
			return err
		},
		func(pipe redis.Pipeliner, _ *model.Scenario) error {
			data, err := encode(event)
			if err != nil {
				return err
			}
			// LPUSH keeps the list newest first.
			pipe.LPush(ctx, approvalPrefix+scenarioId, data)
			return nil
		})
}

func (r *RedisApprovalRepository) GetApprovalEvents(ctx context.Context, scenarioId string) ([]*model.ApprovalEvent, error) {
	values, err := r.db.LRange(ctx, approvalPrefix+scenarioId, 0, -1).Result()
	if err != nil {
		return nil, transient("reading approval events", err)
	}
	events := make([]*model.ApprovalEvent, 0, len(values))
	for _, v := range values {
		event, err := decode[model.ApprovalEvent]([]byte(v), "approval event")
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}
