package domain

import "time"

// SuppressionEntry excludes a user from all recovery calling. Presence
// of an entry blocks new enqueues and terminates live jobs for the user.
type SuppressionEntry struct {
	UserID    string    `json:"userId"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

// Well-known suppression reasons. Free-form reasons are also accepted
// through the admin surface.
const (
	SuppressionReasonOptOut = "call_opt_out"
	SuppressionReasonManual = "manual_suppression"
)
