package jira

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/klyve/internal/backlog"
	"github.com/randalmurphal/klyve/internal/db"
)

type fakeSearch struct {
	issues []Issue
	err    error
	jql    string
}

func (f *fakeSearch) Search(_ context.Context, jql string) ([]Issue, error) {
	f.jql = jql
	out := make([]Issue, len(f.issues))
	copy(out, f.issues)
	return out, f.err
}

func issue(key, typ, summary, parent string) Issue {
	return Issue{
		Key:       key,
		URL:       "https://acme.atlassian.net/browse/" + key,
		Summary:   summary,
		IssueType: typ,
		IsSubtask: typ == "Sub-task",
		ParentKey: parent,
		StatusKey: "new",
	}
}

type importFixture struct {
	ctx  context.Context
	pdb  *db.ProjectDB
	bm   *backlog.Manager
	proj *db.Project
}

func newImportFixture(t *testing.T) *importFixture {
	t.Helper()
	pdb := db.NewTestProjectDB(t)
	return &importFixture{
		ctx:  context.Background(),
		pdb:  pdb,
		bm:   backlog.NewManager(pdb),
		proj: db.NewTestProject(t, pdb, "demo"),
	}
}

func (f *importFixture) node(t *testing.T, key string) *db.ChangeRequest {
	t.Helper()
	cr, err := f.pdb.GetChangeRequestByExternalID(f.ctx, f.proj.ID, key)
	require.NoError(t, err)
	require.NotNil(t, cr, "node for %s", key)
	return cr
}

func TestImport_BuildsTree(t *testing.T) {
	f := newImportFixture(t)
	// children listed before parents on purpose
	search := &fakeSearch{issues: []Issue{
		issue("P-5", "Sub-task", "validate email", "P-3"),
		issue("P-3", "Task", "login form", "P-2"),
		issue("P-4", "Bug", "crash on submit", "P-2"),
		issue("P-2", "Story", "login", "P-1"),
		issue("P-1", "Epic", "accounts", ""),
	}}
	imp := NewImporter(search, f.pdb, f.bm, nil)

	res, err := imp.Import(f.ctx, f.proj.ID, "project = P")
	require.NoError(t, err)
	assert.Equal(t, "project = P", search.jql)
	assert.Equal(t, 5, res.Created)
	assert.Empty(t, res.Errors)
	assert.Zero(t, res.Orphaned)

	epic := f.node(t, "P-1")
	story := f.node(t, "P-2")
	task := f.node(t, "P-3")
	bug := f.node(t, "P-4")
	sub := f.node(t, "P-5")

	assert.Equal(t, string(backlog.KindEpic), epic.Kind)
	assert.Nil(t, epic.ParentID)
	assert.Equal(t, string(backlog.KindFeature), story.Kind)
	assert.Equal(t, epic.ID, *story.ParentID)
	assert.Equal(t, string(backlog.KindBacklogItem), task.Kind)
	assert.Equal(t, story.ID, *task.ParentID)
	assert.Equal(t, string(backlog.KindBugReport), bug.Kind)
	assert.Equal(t, story.ID, *bug.ParentID)
	assert.Equal(t, string(backlog.KindBacklogItem), sub.Kind)
	assert.Equal(t, story.ID, *sub.ParentID, "a sub-task of a task lands beside it")
	assert.Equal(t, "https://acme.atlassian.net/browse/P-4", bug.ExternalURL)
}

func TestImport_Orphans(t *testing.T) {
	f := newImportFixture(t)
	search := &fakeSearch{issues: []Issue{
		issue("Q-1", "Task", "no parent", ""),
		issue("Q-2", "Bug", "parent not fetched", "Q-99"),
		issue("Q-3", "Story", "root story", ""),
	}}
	imp := NewImporter(search, f.pdb, f.bm, nil)

	res, err := imp.Import(f.ctx, f.proj.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, 2, res.Orphaned)

	imported := f.node(t, ImportedExternalID)
	assert.Equal(t, importedTitle, imported.Title)
	assert.Equal(t, string(backlog.KindFeature), imported.Kind)
	assert.Equal(t, imported.ID, *f.node(t, "Q-1").ParentID)
	assert.Equal(t, imported.ID, *f.node(t, "Q-2").ParentID)
	assert.Nil(t, f.node(t, "Q-3").ParentID)

	// the Imported feature is reused on the next run
	search.issues = append(search.issues, issue("Q-4", "Task", "another orphan", ""))
	_, err = imp.Import(f.ctx, f.proj.ID, "")
	require.NoError(t, err)
	assert.Equal(t, imported.ID, *f.node(t, "Q-4").ParentID)
	n, err := f.pdb.CountChangeRequests(f.ctx, f.proj.ID, string(backlog.KindFeature))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestImport_Idempotent(t *testing.T) {
	f := newImportFixture(t)
	search := &fakeSearch{issues: []Issue{
		issue("R-1", "Story", "checkout", ""),
		issue("R-2", "Task", "cart total", "R-1"),
	}}
	imp := NewImporter(search, f.pdb, f.bm, nil)

	_, err := imp.Import(f.ctx, f.proj.ID, "")
	require.NoError(t, err)
	before, err := f.pdb.ListChangeRequests(f.ctx, f.proj.ID)
	require.NoError(t, err)

	res, err := imp.Import(f.ctx, f.proj.ID, "")
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	assert.Equal(t, 2, res.Unchanged)

	search.issues[1].Summary = "cart total with tax"
	res, err = imp.Import(f.ctx, f.proj.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Unchanged)

	after, err := f.pdb.ListChangeRequests(f.ctx, f.proj.ID)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
	assert.Equal(t, "cart total with tax", f.node(t, "R-2").Title)
}

func TestImport_DoneIssuesComplete(t *testing.T) {
	f := newImportFixture(t)
	done := issue("S-2", "Task", "shipped", "S-1")
	done.StatusKey = "done"
	imp := NewImporter(&fakeSearch{issues: []Issue{issue("S-1", "Story", "s", ""), done}}, f.pdb, f.bm, nil)

	_, err := imp.Import(f.ctx, f.proj.ID, "")
	require.NoError(t, err)
	assert.Equal(t, string(backlog.StatusCompleted), f.node(t, "S-2").Status)
	assert.Equal(t, string(backlog.StatusNew), f.node(t, "S-1").Status)
}

func TestImport_Errors(t *testing.T) {
	f := newImportFixture(t)
	imp := NewImporter(&fakeSearch{err: errors.New("boom")}, f.pdb, f.bm, nil)
	_, err := imp.Import(f.ctx, f.proj.ID, "")
	assert.ErrorContains(t, err, "boom")

	imp = NewImporter(&fakeSearch{issues: []Issue{{Summary: "keyless"}, issue("T-1", "Epic", "ok", "")}}, f.pdb, f.bm, nil)
	res, err := imp.Import(f.ctx, f.proj.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	require.Len(t, res.Errors, 1)
}

func TestKindFor(t *testing.T) {
	tests := []struct {
		typ  string
		sub  bool
		want backlog.Kind
	}{
		{"Epic", false, backlog.KindEpic},
		{"Story", false, backlog.KindFeature},
		{"Task", false, backlog.KindBacklogItem},
		{"Sub-task", true, backlog.KindBacklogItem},
		{"Bug", false, backlog.KindBugReport},
		{"Improvement", false, backlog.KindBacklogItem},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindFor(Issue{IssueType: tt.typ, IsSubtask: tt.sub}), tt.typ)
	}
}

func TestFields(t *testing.T) {
	f := fields(Issue{Key: "K-1", Summary: "  ", Priority: "Highest", URL: "u"})
	assert.Equal(t, "K-1", f.Title, "blank summaries fall back to the key")
	assert.Equal(t, "high", f.Priority)
	assert.Equal(t, "K-1", f.ExternalID)
	assert.Equal(t, "u", f.ExternalURL)
	assert.Equal(t, "low", priority("Lowest"))
	assert.Equal(t, "medium", priority("Medium"))
}
