// Package jira imports Jira Cloud issues into a project's backlog tree.
// Issues are fetched through the REST API v3 and become change-request
// nodes carrying the issue key and browse URL as their external id.
package jira

import "time"

// Issue is the subset of a Jira issue the importer maps.
type Issue struct {
	Key         string
	URL         string
	Summary     string
	Description string // Markdown rendered from ADF
	IssueType   string // "Epic", "Story", "Task", "Bug", "Sub-task", ...
	IsSubtask   bool
	Status      string
	StatusKey   string // status category: "new", "indeterminate", "done"
	Priority    string
	Labels      []string
	ParentKey   string
	Created     time.Time
	Updated     time.Time
}

// Result summarizes one import run.
type Result struct {
	Created int
	Updated int
	// Unchanged counts issues already imported with identical fields.
	Unchanged int
	// Orphaned counts nodes placed under the Imported feature because
	// their Jira parent was missing or could not hold them.
	Orphaned int
	Errors   []ImportError
}

// ImportError records a failure to import one issue.
type ImportError struct {
	Key string
	Err error
}

func (e ImportError) Error() string {
	return e.Key + ": " + e.Err.Error()
}

func (e ImportError) Unwrap() error { return e.Err }
