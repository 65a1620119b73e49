package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/linkpulse/linkpulse/internal/probe"
)

// IssueType classifies a detected destination problem.
type IssueType string

const (
	IssueBrokenLink IssueType = "broken_link"
	IssueOutOfStock IssueType = "out_of_stock"
	IssueRedirect   IssueType = "redirect_error"
	IssueMissingTag IssueType = "affiliate_tag_missing"
)

// Severity ranks how much revenue an issue type threatens.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// ResolutionType records how an issue was closed.
type ResolutionType string

const (
	ResolutionManual        ResolutionType = "manual"
	ResolutionAutoFallback  ResolutionType = "auto_fallback"
	ResolutionAutoRecovered ResolutionType = "auto_recovered"
)

// Issue is the durable ledger entry for one detected destination problem.
// Issues are never deleted, only resolved; revenue-loss history depends
// on the full ledger.
type Issue struct {
	ID            uuid.UUID
	AccountID     uuid.UUID
	LinkID        uuid.UUID
	DestinationID uuid.UUID
	Type          IssueType
	Severity      Severity
	DetectedAt    time.Time
	ResolvedAt    *time.Time
	Resolution    ResolutionType // empty until resolved
	LossLow       float64
	LossHigh      float64
}

// Open reports whether the issue is still unresolved.
func (i Issue) Open() bool { return i.ResolvedAt == nil }

// classifyOutcome maps a non-healthy probe outcome to an issue type and
// severity. Returns false for healthy outcomes.
func classifyOutcome(out probe.Outcome) (IssueType, Severity, bool) {
	switch out.Status {
	case probe.StatusBroken:
		return IssueBrokenLink, SeverityCritical, true
	case probe.StatusOutOfStock:
		return IssueOutOfStock, SeverityCritical, true
	case probe.StatusRedirectError:
		return IssueRedirect, SeverityWarning, true
	case probe.StatusMissingTag:
		return IssueMissingTag, SeverityWarning, true
	default:
		return "", "", false
	}
}
