package models

// CandidateKind identifies one unsubscribe mechanism, in priority order
type CandidateKind int

const (
	OneClickPost CandidateKind = iota
	HeaderLink
	BodyLink
)

func (k CandidateKind) String() string {
	switch k {
	case OneClickPost:
		return "one-click-post"
	case HeaderLink:
		return "header-link"
	case BodyLink:
		return "body-link"
	}
	return "unknown"
}

// OutcomeStatus represents the terminal result of a resolver run
type OutcomeStatus int

const (
	StatusFailed OutcomeStatus = iota
	StatusSucceeded
	StatusRequiresManualAction
	StatusPlanned
)

func (s OutcomeStatus) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusRequiresManualAction:
		return "requires-manual-action"
	case StatusPlanned:
		return "planned"
	}
	return "failed"
}

// Outcome is the single terminal result of one resolver invocation.
// URL names the candidate attempted (or planned) so a human can finish
// the job when automation cannot.
type Outcome struct {
	Status OutcomeStatus
	Via    CandidateKind
	URL    string
	Method string
	Reason string
}
