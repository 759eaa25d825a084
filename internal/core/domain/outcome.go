package domain

import "strings"

// CallOutcome is the closed set of outcomes a placed call can end with.
type CallOutcome string

const (
	OutcomeSuccess  CallOutcome = "success"
	OutcomeNoAnswer CallOutcome = "no_answer"
	OutcomeOptOut   CallOutcome = "opt_out"
	OutcomeBusy     CallOutcome = "busy"
	OutcomeError    CallOutcome = "error"
)

// Retryable reports whether the outcome consumes an attempt and leaves
// the job eligible for another dispatch.
func (o CallOutcome) Retryable() bool {
	switch o {
	case OutcomeNoAnswer, OutcomeBusy, OutcomeError:
		return true
	}
	return false
}

// ParseOutcome normalizes a provider status/outcome pair into the closed
// variant set. Providers report free-form strings; anything unrecognized
// on a failed call maps to OutcomeError.
func ParseOutcome(status, outcome string) CallOutcome {
	switch strings.ToLower(strings.TrimSpace(outcome)) {
	case "opt_out", "opt-out", "opted_out", "do_not_call", "dnc":
		return OutcomeOptOut
	case "no_answer", "no-answer", "noanswer", "voicemail":
		return OutcomeNoAnswer
	case "busy":
		return OutcomeBusy
	}

	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "success":
		return OutcomeSuccess
	case "no_answer", "no-answer":
		return OutcomeNoAnswer
	case "busy":
		return OutcomeBusy
	}
	return OutcomeError
}
