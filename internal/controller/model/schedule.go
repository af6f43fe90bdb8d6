package model

import "time"

type RunStatus string

const (
	RunStarted RunStatus = "STARTED"
	RunFailed  RunStatus = "FAILED"
)

// ScheduledTest triggers an execution of ScenarioId whenever its cron expression fires.
type ScheduledTest struct {
	Id                 string     `json:"id"`
	Name               string     `json:"name"`
	Owner              string     `json:"owner"`
	Tenant             string     `json:"tenant"`
	ScenarioId         string     `json:"scenarioId"`
	CronExpression     string     `json:"cronExpression"`
	Enabled            bool       `json:"enabled"`
	NextRunAt          *time.Time `json:"nextRunAt,omitempty"`
	LastRunAt          *time.Time `json:"lastRunAt,omitempty"`
	LastRunStatus      RunStatus  `json:"lastRunStatus,omitempty"`
	LastRunError       string     `json:"lastRunError,omitempty"`
	LastRunScenarioId  string     `json:"lastRunScenarioId,omitempty"`
	LastRunExecutionId string     `json:"lastRunExecutionId,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// Due reports whether the test should run at now. A test that has never been scheduled is due.
func (s *ScheduledTest) Due(now time.Time) bool {
	if !s.Enabled {
		return false
	}
	return s.NextRunAt == nil || !s.NextRunAt.After(now)
}
