package domain

import "time"

// AlertKind identifies a derived operational alert.
type AlertKind string

const (
	AlertKindBacklog      AlertKind = "backlog"
	AlertKindFailureRatio AlertKind = "failure_ratio"
)

// Alert is a derived condition, recomputed each evaluation cycle. It is
// not authoritative state; only "currently active" matters.
type Alert struct {
	Kind          AlertKind `json:"kind"`
	ObservedValue float64   `json:"observedValue"`
	Threshold     float64   `json:"threshold"`
	RaisedAt      time.Time `json:"raisedAt"`
}

// AlertSeverity grades alert events for the admin surface.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertEvent is a notable one-off occurrence (dead-letter, kill switch,
// poll failure) kept in a bounded in-process ring for operators.
type AlertEvent struct {
	ID         string            `json:"id"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Severity   AlertSeverity     `json:"severity"`
	Details    map[string]string `json:"details,omitempty"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// Alert event codes.
const (
	AlertCodeDeadLetter       = "VOICE_DEAD_LETTER"
	AlertCodeKillSwitchActive = "VOICE_KILL_SWITCH_ACTIVE"
	AlertCodePollFailed       = "VOICE_POLL_FAILED"
	AlertCodeBacklog          = "VOICE_BACKLOG"
	AlertCodeFailureRatio     = "VOICE_FAILURE_RATIO"
)
