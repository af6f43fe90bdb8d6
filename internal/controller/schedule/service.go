package schedule

import (
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/loadgrid/loadgrid/internal/common/lgcontext"
	"github.com/loadgrid/loadgrid/internal/common/lgerrors"
	"github.com/loadgrid/loadgrid/internal/controller/model"
	"github.com/loadgrid/loadgrid/internal/controller/repository"
)

// Service manages scheduled tests.
type Service struct {
	tests repository.ScheduledTestRepository
	clock clock.PassiveClock
}

func NewService(tests repository.ScheduledTestRepository, clock clock.PassiveClock) *Service {
	return &Service{tests: tests, clock: clock}
}

// Update holds the fields of a scheduled test that may be changed. Nil fields are left alone.
type Update struct {
	Name           *string
	CronExpression *string
	Enabled        *bool
}

func (s *Service) Create(ctx *lgcontext.Context, test *model.ScheduledTest) (*model.ScheduledTest, error) {
	if test.ScenarioId == "" {
		return nil, lgerrors.ErrInvalidArgument("scenarioId", test.ScenarioId, "must not be empty")
	}
	now := s.clock.Now()
	next, err := NextRun(test.CronExpression, now)
	if err != nil {
		return nil, err
	}
	if test.Id == "" {
		test.Id = uuid.NewString()
	}
	test.NextRunAt = &next
	test.CreatedAt = now
	if err := s.tests.CreateScheduledTest(ctx, test); err != nil {
		return nil, err
	}
	return test, nil
}

// Update changes a scheduled test. A new cron expression also recomputes the next run time.
func (s *Service) Update(ctx *lgcontext.Context, id string, update Update) (*model.ScheduledTest, error) {
	var next *time.Time
	if update.CronExpression != nil {
		nextRun, err := NextRun(*update.CronExpression, s.clock.Now())
		if err != nil {
			return nil, err
		}
		next = &nextRun
	}
	return s.tests.UpdateScheduledTest(ctx, id, func(test *model.ScheduledTest) error {
		if update.Name != nil {
			test.Name = *update.Name
		}
		if update.CronExpression != nil {
			test.CronExpression = *update.CronExpression
			test.NextRunAt = next
		}
		if update.Enabled != nil {
			test.Enabled = *update.Enabled
		}
		return nil
	})
}

func (s *Service) Get(ctx *lgcontext.Context, id string) (*model.ScheduledTest, error) {
	return s.tests.GetScheduledTest(ctx, id)
}

func (s *Service) Delete(ctx *lgcontext.Context, id string) error {
	if _, err := s.tests.GetScheduledTest(ctx, id); err != nil {
		return err
	}
	return s.tests.DeleteScheduledTest(ctx, id)
}

func (s *Service) ListByOwner(ctx *lgcontext.Context, owner string) ([]*model.ScheduledTest, error) {
	tests, err := s.tests.GetAllScheduledTests(ctx)
	if err != nil {
		return nil, err
	}
	owned := make([]*model.ScheduledTest, 0, len(tests))
	for _, test := range tests {
		if test.Owner == owner {
			owned = append(owned, test)
		}
	}
	return owned, nil
}
