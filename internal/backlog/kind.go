// Package backlog maintains the change-request tree: Epics, Features, and
// the backlog items, bugs, and change requests beneath them.
package backlog

import (
	"fmt"
)

// Kind is the closed set of change-request node kinds.
type Kind string

const (
	KindEpic          Kind = "epic"
	KindFeature       Kind = "feature"
	KindBacklogItem   Kind = "backlog_item"
	KindBugReport     Kind = "bug_report"
	KindChangeRequest Kind = "change_request"
)

// ValidKinds returns all valid kind values.
func ValidKinds() []Kind {
	return []Kind{KindEpic, KindFeature, KindBacklogItem, KindBugReport, KindChangeRequest}
}

// IsValidKind returns true if k is a known kind.
func IsValidKind(k Kind) bool {
	switch k {
	case KindEpic, KindFeature, KindBacklogItem, KindBugReport, KindChangeRequest:
		return true
	}
	return false
}

// ParseKind converts a stored or user-supplied value to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !IsValidKind(k) {
		return "", fmt.Errorf("unknown change request kind %q", s)
	}
	return k, nil
}

// parentKinds lists the legal parent kinds per child kind. A nil entry in
// the slice stands for "no parent".
var parentKinds = map[Kind][]*Kind{
	KindEpic:          {nil},
	KindFeature:       {nil, ptr(KindEpic)},
	KindBacklogItem:   {ptr(KindFeature)},
	KindBugReport:     {ptr(KindFeature)},
	KindChangeRequest: {nil, ptr(KindFeature)},
}

func ptr(k Kind) *Kind { return &k }

// CanParent reports whether a node of kind child may sit under a parent of
// kind parent. A nil parent means the node is a root.
func CanParent(parent *Kind, child Kind) bool {
	for _, allowed := range parentKinds[child] {
		if allowed == nil && parent == nil {
			return true
		}
		if allowed != nil && parent != nil && *allowed == *parent {
			return true
		}
	}
	return false
}

// describeParents renders the legal parents of a kind for error messages.
func describeParents(child Kind) string {
	var out string
	for i, allowed := range parentKinds[child] {
		if i > 0 {
			out += " or "
		}
		if allowed == nil {
			out += "no parent"
		} else {
			out += string(*allowed)
		}
	}
	return out
}

// SprintEligible reports whether nodes of kind k can be scheduled in a sprint.
func (k Kind) SprintEligible() bool {
	switch k {
	case KindBacklogItem, KindBugReport, KindChangeRequest:
		return true
	}
	return false
}

// SprintEligibleKinds returns the kinds that can be linked to a sprint.
func SprintEligibleKinds() []Kind {
	return []Kind{KindBacklogItem, KindBugReport, KindChangeRequest}
}

// Status is the closed set of change-request statuses.
type Status string

const (
	StatusNew                      Status = "new"
	StatusRaised                   Status = "raised"
	StatusImpactAnalyzed           Status = "impact_analyzed"
	StatusTechnicalPreviewComplete Status = "technical_preview_complete"
	StatusApproved                 Status = "approved"
	StatusImplementationInProgress Status = "implementation_in_progress"
	StatusCompleted                Status = "completed"
	StatusKnownIssue               Status = "known_issue"
	StatusCancelled                Status = "cancelled"
)

// ValidStatuses returns all valid status values.
func ValidStatuses() []Status {
	return []Status{
		StatusNew, StatusRaised, StatusImpactAnalyzed, StatusTechnicalPreviewComplete, StatusApproved,
		StatusImplementationInProgress, StatusCompleted, StatusKnownIssue, StatusCancelled,
	}
}

// IsValidStatus returns true if s is a known status.
func IsValidStatus(s Status) bool {
	for _, v := range ValidStatuses() {
		if v == s {
			return true
		}
	}
	return false
}

// ParseStatus converts a stored or user-supplied value to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !IsValidStatus(st) {
		return "", fmt.Errorf("unknown change request status %q", s)
	}
	return st, nil
}

// Locks reports whether a node in this status locks itself and its subtree.
func (s Status) Locks() bool {
	return s == StatusImplementationInProgress
}

// initialStatus is the status a freshly added node starts in.
func initialStatus(k Kind) Status {
	if k == KindBugReport {
		return StatusRaised
	}
	return StatusNew
}

// Complexity is the size estimate the sprint scope guardrail compares
// against its ceiling.
type Complexity string

const (
	ComplexitySmall  Complexity = "small"
	ComplexityMedium Complexity = "medium"
	ComplexityLarge  Complexity = "large"
	ComplexityXLarge Complexity = "xlarge"
)

// ValidComplexities returns all complexity values, smallest first.
func ValidComplexities() []Complexity {
	return []Complexity{ComplexitySmall, ComplexityMedium, ComplexityLarge, ComplexityXLarge}
}

// Rank orders complexities; unknown values rank 0.
func (c Complexity) Rank() int {
	for i, v := range ValidComplexities() {
		if v == c {
			return i + 1
		}
	}
	return 0
}

// IsValidComplexity returns true if c is a known complexity.
func IsValidComplexity(c Complexity) bool {
	return c.Rank() > 0
}
