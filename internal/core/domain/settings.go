package domain

import (
	"fmt"
	"time"
)

// Settings are the runtime guardrail knobs. A single row lives in the
// settings store; the admin surface reads and patches it with validation.
type Settings struct {
	Enabled               bool            `json:"enabled"`
	KillSwitch            bool            `json:"killSwitch"`
	AbandonmentThreshold  time.Duration   `json:"abandonmentThreshold"`
	MaxAttemptsPerCart    int             `json:"maxAttemptsPerCart"`
	MaxCallsPerDay        int             `json:"maxCallsPerDay"`
	MaxCallsPerUserPerDay int             `json:"maxCallsPerUserPerDay"`
	DailyBudgetUSD        float64         `json:"dailyBudgetUsd"`
	EstimatedCostPerCall  float64         `json:"estimatedCostPerCallUsd"`
	QuietHoursStart       int             `json:"quietHoursStart"`
	QuietHoursEnd         int             `json:"quietHoursEnd"`
	DefaultTimezone       string          `json:"defaultTimezone"`
	BackoffSchedule       []time.Duration `json:"backoffSchedule"`
	CallbackTimeout       time.Duration   `json:"callbackTimeout"`
	ScriptVersion         string          `json:"scriptVersion"`
	AssistantID           string          `json:"assistantId"`
	FromPhoneNumber       string          `json:"fromPhoneNumber"`
}

// DefaultSettings returns the settings used until an operator changes
// them. Conservative caps; calling disabled until explicitly enabled.
func DefaultSettings() Settings {
	return Settings{
		Enabled:               false,
		KillSwitch:            false,
		AbandonmentThreshold:  30 * time.Minute,
		MaxAttemptsPerCart:    3,
		MaxCallsPerDay:        200,
		MaxCallsPerUserPerDay: 2,
		DailyBudgetUSD:        50,
		EstimatedCostPerCall:  0.35,
		QuietHoursStart:       21,
		QuietHoursEnd:         8,
		DefaultTimezone:       "UTC",
		BackoffSchedule:       []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second},
		CallbackTimeout:       10 * time.Minute,
		ScriptVersion:         "v1",
	}
}

// ConfigError marks an invalid settings update. Rejected synchronously;
// nothing is applied.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid setting %s: %s", e.Field, e.Msg)
}

// Validate checks the settings for internal consistency.
func (s Settings) Validate() error {
	if s.AbandonmentThreshold <= 0 {
		return &ConfigError{Field: "abandonmentThreshold", Msg: "must be positive"}
	}
	if s.MaxAttemptsPerCart < 1 {
		return &ConfigError{Field: "maxAttemptsPerCart", Msg: "must be at least 1"}
	}
	if s.MaxCallsPerDay < 0 {
		return &ConfigError{Field: "maxCallsPerDay", Msg: "must be non-negative"}
	}
	if s.MaxCallsPerUserPerDay < 0 {
		return &ConfigError{Field: "maxCallsPerUserPerDay", Msg: "must be non-negative"}
	}
	if s.DailyBudgetUSD < 0 {
		return &ConfigError{Field: "dailyBudgetUsd", Msg: "must be non-negative"}
	}
	if s.EstimatedCostPerCall < 0 {
		return &ConfigError{Field: "estimatedCostPerCallUsd", Msg: "must be non-negative"}
	}
	if s.QuietHoursStart < 0 || s.QuietHoursStart > 23 {
		return &ConfigError{Field: "quietHoursStart", Msg: "must be an hour 0-23"}
	}
	if s.QuietHoursEnd < 0 || s.QuietHoursEnd > 23 {
		return &ConfigError{Field: "quietHoursEnd", Msg: "must be an hour 0-23"}
	}
	if len(s.BackoffSchedule) == 0 {
		return &ConfigError{Field: "backoffSchedule", Msg: "must have at least one delay"}
	}
	for i, d := range s.BackoffSchedule {
		if d <= 0 {
			return &ConfigError{Field: "backoffSchedule", Msg: fmt.Sprintf("delay %d must be positive", i)}
		}
	}
	if s.CallbackTimeout <= 0 {
		return &ConfigError{Field: "callbackTimeout", Msg: "must be positive"}
	}
	if _, err := time.LoadLocation(s.DefaultTimezone); err != nil {
		return &ConfigError{Field: "defaultTimezone", Msg: "unknown timezone"}
	}
	return nil
}

// SettingsPatch is a partial settings update. Nil fields are untouched.
type SettingsPatch struct {
	Enabled               *bool    `json:"enabled"`
	KillSwitch            *bool    `json:"killSwitch"`
	AbandonmentMinutes    *int     `json:"abandonmentMinutes"`
	MaxAttemptsPerCart    *int     `json:"maxAttemptsPerCart"`
	MaxCallsPerDay        *int     `json:"maxCallsPerDay"`
	MaxCallsPerUserPerDay *int     `json:"maxCallsPerUserPerDay"`
	DailyBudgetUSD        *float64 `json:"dailyBudgetUsd"`
	EstimatedCostPerCall  *float64 `json:"estimatedCostPerCallUsd"`
	QuietHoursStart       *int     `json:"quietHoursStart"`
	QuietHoursEnd         *int     `json:"quietHoursEnd"`
	DefaultTimezone       *string  `json:"defaultTimezone"`
	BackoffSeconds        []int    `json:"backoffSeconds"`
	CallbackTimeoutSec    *int     `json:"callbackTimeoutSeconds"`
	ScriptVersion         *string  `json:"scriptVersion"`
	AssistantID           *string  `json:"assistantId"`
	FromPhoneNumber       *string  `json:"fromPhoneNumber"`
}

// Apply returns a copy of s with the patch applied. The result is not
// validated; callers validate before persisting.
func (p SettingsPatch) Apply(s Settings) Settings {
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	if p.KillSwitch != nil {
		s.KillSwitch = *p.KillSwitch
	}
	if p.AbandonmentMinutes != nil {
		s.AbandonmentThreshold = time.Duration(*p.AbandonmentMinutes) * time.Minute
	}
	if p.MaxAttemptsPerCart != nil {
		s.MaxAttemptsPerCart = *p.MaxAttemptsPerCart
	}
	if p.MaxCallsPerDay != nil {
		s.MaxCallsPerDay = *p.MaxCallsPerDay
	}
	if p.MaxCallsPerUserPerDay != nil {
		s.MaxCallsPerUserPerDay = *p.MaxCallsPerUserPerDay
	}
	if p.DailyBudgetUSD != nil {
		s.DailyBudgetUSD = *p.DailyBudgetUSD
	}
	if p.EstimatedCostPerCall != nil {
		s.EstimatedCostPerCall = *p.EstimatedCostPerCall
	}
	if p.QuietHoursStart != nil {
		s.QuietHoursStart = *p.QuietHoursStart
	}
	if p.QuietHoursEnd != nil {
		s.QuietHoursEnd = *p.QuietHoursEnd
	}
	if p.DefaultTimezone != nil {
		s.DefaultTimezone = *p.DefaultTimezone
	}
	if len(p.BackoffSeconds) > 0 {
		schedule := make([]time.Duration, 0, len(p.BackoffSeconds))
		for _, sec := range p.BackoffSeconds {
			schedule = append(schedule, time.Duration(sec)*time.Second)
		}
		s.BackoffSchedule = schedule
	}
	if p.CallbackTimeoutSec != nil {
		s.CallbackTimeout = time.Duration(*p.CallbackTimeoutSec) * time.Second
	}
	if p.ScriptVersion != nil {
		s.ScriptVersion = *p.ScriptVersion
	}
	if p.AssistantID != nil {
		s.AssistantID = *p.AssistantID
	}
	if p.FromPhoneNumber != nil {
		s.FromPhoneNumber = *p.FromPhoneNumber
	}
	return s
}
