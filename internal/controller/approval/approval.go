// Package approval implements the approval workflow a scenario must pass before it can be started.
package approval

import (
	"strings"

	"k8s.io/utils/clock"

	"github.com/loadgrid/loadgrid/internal/common/lgcontext"
	"github.com/loadgrid/loadgrid/internal/common/lgerrors"
	"github.com/loadgrid/loadgrid/internal/controller/model"
	"github.com/loadgrid/loadgrid/internal/controller/repository"
)

const systemActor = "system"

// allowedTransitions lists, for each status, the statuses it may move to.
// An approved scenario can never go straight back to draft.
var allowedTransitions = map[model.ApprovalStatus]map[model.ApprovalStatus]bool{
	model.ApprovalDraft: {
		model.ApprovalPending: true,
	},
	model.ApprovalPending: {
		model.ApprovalDraft:    true,
		model.ApprovalApproved: true,
		model.ApprovalRejected: true,
	},
	model.ApprovalApproved: {
		model.ApprovalPending:  true,
		model.ApprovalRejected: true,
	},
	model.ApprovalRejected: {
		model.ApprovalDraft:   true,
		model.ApprovalPending: true,
	},
}

// CanTransition reports whether a scenario in status from may be moved to status to.
func CanTransition(from model.ApprovalStatus, to model.ApprovalStatus) bool {
	return allowedTransitions[from][to]
}

type Service struct {
	repository repository.ApprovalRepository
	clock      clock.PassiveClock
}

func NewService(repository repository.ApprovalRepository, clock clock.PassiveClock) *Service {
	return &Service{repository: repository, clock: clock}
}

// Transition moves a scenario to target and records who did it. The status change and the audit
// event are committed together.
func (s *Service) Transition(ctx *lgcontext.Context, scenarioId string, target model.ApprovalStatus, actor string, comment string) (*model.Scenario, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = systemActor
	}
	scenario, err := s.repository.ApplyTransition(ctx, scenarioId, func(scenario *model.Scenario) (*model.ApprovalEvent, error) {
		from := scenario.ApprovalStatus
		if !CanTransition(from, target) {
			return nil, lgerrors.ErrInvalidTransition(string(from), string(target))
		}
		now := s.clock.Now()
		scenario.ApprovalStatus = target
		scenario.ApprovalComment = comment
		scenario.UpdatedAt = now
		if target == model.ApprovalApproved {
			scenario.ApprovedBy = actor
		} else {
			scenario.ApprovedBy = ""
		}
		return &model.ApprovalEvent{
			ScenarioId: scenarioId,
			FromStatus: from,
			ToStatus:   target,
			Actor:      actor,
			Comment:    comment,
			Timestamp:  now,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	ctx.Log.
		WithField("scenarioId", scenarioId).
		WithField("actor", actor).
		Infof("scenario moved to %s", target)
	return scenario, nil
}

// Events returns the approval history of a scenario, newest first.
func (s *Service) Events(ctx *lgcontext.Context, scenarioId string) ([]*model.ApprovalEvent, error) {
	return s.repository.GetApprovalEvents(ctx, scenarioId)
}
