package impact

import (
	"github.com/randalmurphal/klyve/internal/db"
)

// Reason explains why a node needs (re-)analysis.
type Reason string

const (
	ReasonFresh         Reason = ""
	ReasonNeverAnalyzed Reason = "never_analyzed"
	ReasonStale         Reason = "stale"
)

// StaleItem is a node whose analysis cannot be trusted at the current version.
type StaleItem struct {
	ID              int64  `json:"id"`
	Title           string `json:"title"`
	Reason          Reason `json:"reason"`
	AnalyzedAgainst *int64 `json:"analyzed_against,omitempty"`
	CurrentVersion  int64  `json:"current_version"`
}

// Staleness classifies a node against the project's current context
// version. It reads only stored fields and never calls an agent.
func Staleness(cr *db.ChangeRequest, current int64) Reason {
	if cr.AnalyzedAgainstVersion == nil {
		return ReasonNeverAnalyzed
	}
	if *cr.AnalyzedAgainstVersion != current {
		return ReasonStale
	}
	return ReasonFresh
}

// IsStale reports whether a previously analyzed node's analysis no longer
// matches the current version. Never-analyzed nodes are not stale.
func IsStale(cr *db.ChangeRequest, current int64) bool {
	return Staleness(cr, current) == ReasonStale
}

// NeedsAnalysis filters nodes down to those that are stale or never analyzed.
func NeedsAnalysis(nodes []db.ChangeRequest, current int64) []StaleItem {
	var out []StaleItem
	for i := range nodes {
		n := &nodes[i]
		reason := Staleness(n, current)
		if reason == ReasonFresh {
			continue
		}
		out = append(out, StaleItem{
			ID:              n.ID,
			Title:           n.Title,
			Reason:          reason,
			AnalyzedAgainst: n.AnalyzedAgainstVersion,
			CurrentVersion:  current,
		})
	}
	return out
}
