package jira

import (
	"strings"

	"github.com/randalmurphal/klyve/internal/backlog"
)

// KindFor maps a Jira issue type to a backlog node kind. Unknown types
// become backlog items.
func KindFor(is Issue) backlog.Kind {
	if is.IsSubtask {
		return backlog.KindBacklogItem
	}
	switch strings.ToLower(is.IssueType) {
	case "epic":
		return backlog.KindEpic
	case "story":
		return backlog.KindFeature
	case "bug":
		return backlog.KindBugReport
	default:
		return backlog.KindBacklogItem
	}
}

// fields builds the node attributes owned by Jira.
func fields(is Issue) backlog.Fields {
	title := strings.TrimSpace(is.Summary)
	if title == "" {
		title = is.Key
	}
	return backlog.Fields{
		Title:       title,
		Description: is.Description,
		Priority:    priority(is.Priority),
		ExternalID:  is.Key,
		ExternalURL: is.URL,
	}
}

// priority folds Jira's five levels onto the backlog's high/medium/low.
func priority(p string) string {
	switch strings.ToLower(p) {
	case "highest", "high":
		return "high"
	case "low", "lowest":
		return "low"
	case "":
		return ""
	default:
		return "medium"
	}
}

// rank orders kinds so parents are created before their children.
func rank(k backlog.Kind) int {
	switch k {
	case backlog.KindEpic:
		return 0
	case backlog.KindFeature:
		return 1
	default:
		return 2
	}
}
