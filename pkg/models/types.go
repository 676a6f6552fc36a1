// Package models contains the wire types shared by the aggregation
// endpoints, the dispatcher, and the backend callback contract.
package models

// Callback statuses as they appear on the wire. A backend reports "ok"
// with a payload; everything else is synthesized by the gateway or sent
// by a backend as a terminal non-result.
const (
	StatusOK               = "ok"
	StatusRejected         = "REJECTED"
	StatusTimeout          = "TIMEOUT"
	StatusConnectionClosed = "CONNECTION_CLOSED"
	StatusError            = "ERROR"
	StatusComplete         = "COMPLETE"
)

// SummarySource identifies the gateway itself as the source of the
// terminal summary event.
const SummarySource = "AGGREGATOR"

// Aggregation strategies accepted by POST /aggregate/journals.
const (
	StrategySSE             = "SSE"
	StrategyWaitForEveryone = "WAIT_FOR_EVERYONE"
)

// JournalRequest is the client request that starts an aggregation run.
// Delays is a comma-separated list of per-backend delays in milliseconds;
// it exists so the demo backends can simulate slow or rejecting resources.
type JournalRequest struct {
	PatientID string `json:"patientId"`
	Delays    string `json:"delays"`
	TimeoutMs *int64 `json:"timeoutMs,omitempty"`
	Strategy  string `json:"strategy,omitempty"`
}

// JournalResponse is the immediate response for the SSE strategy.
// Respondents is always 0 here; the true count arrives on the stream.
type JournalResponse struct {
	Respondents   int    `json:"respondents"`
	CorrelationID string `json:"correlationId"`
	Strategy      string `json:"strategy,omitempty"`
}

// JournalNote is a single journal entry returned by a backend.
type JournalNote struct {
	Date        string `json:"date"`
	Note        string `json:"note"`
	PatientID   string `json:"patientId"`
	DoctorID    string `json:"doctorId"`
	CaregiverID string `json:"caregiverId"`
}

// CallbackEvent carries one backend outcome for a correlation. It is both
// the body of POST /aggregate/callback and the message format on the SSE
// stream. Notes is nil unless Status is "ok". Respondents and Errors are
// populated only on the COMPLETE summary.
type CallbackEvent struct {
	Source        string        `json:"source"`
	PatientID     string        `json:"patientId"`
	CorrelationID string        `json:"correlationId"`
	Status        string        `json:"status"`
	Notes         []JournalNote `json:"notes,omitempty"`
	Respondents   int           `json:"respondents,omitempty"`
	Errors        int           `json:"errors,omitempty"`
}

// IsTechnicalFailure reports whether the status counts toward the error
// tally. REJECTED is a business outcome, not an error.
func IsTechnicalFailure(status string) bool {
	switch status {
	case StatusTimeout, StatusConnectionClosed, StatusError:
		return true
	}
	return false
}

// NewSummary builds the terminal COMPLETE event for a correlation.
func NewSummary(correlationID string, respondents, errors int) *CallbackEvent {
	return &CallbackEvent{
		Source:        SummarySource,
		CorrelationID: correlationID,
		Status:        StatusComplete,
		Respondents:   respondents,
		Errors:        errors,
	}
}

// JournalCommand is the dispatch request sent to a backend. The backend
// either accepts it (2xx, callback later) or rejects it outright.
type JournalCommand struct {
	PatientID     string `json:"patientId"`
	Delay         int    `json:"delay"`
	CallbackURL   string `json:"callbackUrl"`
	CorrelationID string `json:"correlationId"`
}

// DirectJournalRequest is the synchronous variant used by the
// WAIT_FOR_EVERYONE strategy against POST {backend}/journals/direct.
type DirectJournalRequest struct {
	PatientID string `json:"patientId"`
	Delay     int    `json:"delay"`
}

// AggregatedJournalResponse is the blocking response for WAIT_FOR_EVERYONE:
// all backend results merged into a single payload.
type AggregatedJournalResponse struct {
	PatientID   string        `json:"patientId"`
	Respondents int           `json:"respondents"`
	Errors      int           `json:"errors"`
	Notes       []JournalNote `json:"notes"`
}
