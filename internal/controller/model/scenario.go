package model

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

type ApprovalStatus string

const (
	ApprovalDraft    ApprovalStatus = "DRAFT"
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

func (s ApprovalStatus) Valid() bool {
	switch s {
	case ApprovalDraft, ApprovalPending, ApprovalApproved, ApprovalRejected:
		return true
	}
	return false
}

type HttpMethod string

const (
	MethodGet    HttpMethod = "GET"
	MethodPost   HttpMethod = "POST"
	MethodPut    HttpMethod = "PUT"
	MethodDelete HttpMethod = "DELETE"
	MethodPatch  HttpMethod = "PATCH"
)

type ProfileType string

const (
	ProfileConstant ProfileType = "CONSTANT"
	ProfileRamp     ProfileType = "RAMP"
	ProfileBurst    ProfileType = "BURST"
	ProfileSpike    ProfileType = "SPIKE"
	ProfileStep     ProfileType = "STEP"
)

type TargetSpec struct {
	Url     string            `json:"url" yaml:"url" validate:"required,url"`
	Method  HttpMethod        `json:"method" yaml:"method" validate:"required,oneof=GET POST PUT DELETE PATCH"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers"`
	Body    string            `json:"body,omitempty" yaml:"body"`
}

type BurstWindow struct {
	StartSecond     int `json:"startSecond" yaml:"startSecond" validate:"gte=0"`
	DurationSeconds int `json:"durationSeconds" yaml:"durationSeconds" validate:"gt=0"`
	Rps             int `json:"rps" yaml:"rps" validate:"gte=0"`
}

type ThinkTime struct {
	MinMs int `json:"minMs" yaml:"minMs" validate:"gte=0"`
	MaxMs int `json:"maxMs" yaml:"maxMs" validate:"gtefield=MinMs"`
}

type ConnectionPool struct {
	MaxConnections     int `json:"maxConnections" yaml:"maxConnections" validate:"gte=0"`
	IdleTimeoutSeconds int `json:"idleTimeoutSeconds" yaml:"idleTimeoutSeconds" validate:"gte=0"`
}

type RetryPolicy struct {
	MaxAttempts int `json:"maxAttempts" yaml:"maxAttempts" validate:"gte=0"`
	BackoffMs   int `json:"backoffMs" yaml:"backoffMs" validate:"gte=0"`
}

type LoadProfile struct {
	Type           ProfileType     `json:"type" yaml:"type" validate:"required,oneof=CONSTANT RAMP BURST SPIKE STEP"`
	InitialRps     int             `json:"initialRps" yaml:"initialRps" validate:"gte=0"`
	TargetRps      int             `json:"targetRps" yaml:"targetRps" validate:"gte=0"`
	RampSeconds    int             `json:"rampSeconds" yaml:"rampSeconds" validate:"gte=0"`
	Bursts         []BurstWindow   `json:"bursts,omitempty" yaml:"bursts" validate:"dive"`
	ThinkTime      *ThinkTime      `json:"thinkTime,omitempty" yaml:"thinkTime"`
	ConnectionPool *ConnectionPool `json:"connectionPool,omitempty" yaml:"connectionPool"`
	Retry          *RetryPolicy    `json:"retry,omitempty" yaml:"retry"`
}

// ScenarioConfig is the versioned part of a scenario. Its JSON encoding is what gets snapshotted.
type ScenarioConfig struct {
	Name            string      `json:"name" yaml:"name" validate:"required"`
	Target          TargetSpec  `json:"target" yaml:"target"`
	LoadProfile     LoadProfile `json:"loadProfile" yaml:"loadProfile"`
	DurationSeconds int         `json:"durationSeconds" yaml:"durationSeconds" validate:"gt=0"`
	NumWorkers      int         `json:"numWorkers" yaml:"numWorkers" validate:"gt=0"`
}

type Scenario struct {
	Id              string         `json:"id"`
	Owner           string         `json:"owner"`
	Tenant          string         `json:"tenant"`
	Config          ScenarioConfig `json:"config"`
	ApprovalStatus  ApprovalStatus `json:"approvalStatus"`
	ApprovedBy      string         `json:"approvedBy,omitempty"`
	ApprovalComment string         `json:"approvalComment,omitempty"`
	Running         bool           `json:"running"`
	LastExecutionId string         `json:"lastExecutionId,omitempty"`
	LastExecutedAt  *time.Time     `json:"lastExecutedAt,omitempty"`
	Version         int            `json:"version"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// ConfigJson returns the canonical JSON snapshot of the scenario's config.
func (s *Scenario) ConfigJson() (string, error) {
	data, err := json.Marshal(s.Config)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return string(data), nil
}

// ParseConfig decodes a snapshot produced by ConfigJson.
func ParseConfig(configJson string) (ScenarioConfig, error) {
	var config ScenarioConfig
	if err := json.Unmarshal([]byte(configJson), &config); err != nil {
		return ScenarioConfig{}, errors.WithStack(err)
	}
	return config, nil
}

// DeadlineAt is when the current execution should be stopped, if the scenario is running.
func (s *Scenario) DeadlineAt() (time.Time, bool) {
	if !s.Running || s.LastExecutedAt == nil {
		return time.Time{}, false
	}
	return s.LastExecutedAt.Add(time.Duration(s.Config.DurationSeconds) * time.Second), true
}

type ApprovalEvent struct {
	ScenarioId string         `json:"scenarioId"`
	FromStatus ApprovalStatus `json:"fromStatus"`
	ToStatus   ApprovalStatus `json:"toStatus"`
	Actor      string         `json:"actor"`
	Comment    string         `json:"comment,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

type ScenarioVersion struct {
	ScenarioId string    `json:"scenarioId"`
	Version    int       `json:"version"`
	ConfigJson string    `json:"configJson"`
	CreatedAt  time.Time `json:"createdAt"`
	Rollback   bool      `json:"rollback"`
	// Version the snapshot was restored from; only set when Rollback is true.
	RolledBackFrom int `json:"rolledBackFrom,omitempty"`
}
