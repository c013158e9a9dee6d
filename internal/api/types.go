package api

import (
	"github.com/mattjoyce/crunchy/internal/crunchy"
	"github.com/mattjoyce/crunchy/internal/ledger"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	LedgerEnabled bool   `json:"ledger_enabled"`
}

// UnitStatusResponse is returned by GET /v1/units/status. LastSubmission is
// omitted when no ledger is configured or the unit was never submitted.
type UnitStatusResponse struct {
	crunchy.State
	LastSubmission *ledger.Entry `json:"last_submission,omitempty"`
}

// SubmissionsResponse is returned by GET /v1/submissions.
type SubmissionsResponse struct {
	Submissions []ledger.Entry `json:"submissions"`
	Count       int            `json:"count"`
}
