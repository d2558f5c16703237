package phase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/klyve/internal/backlog"
	"github.com/randalmurphal/klyve/internal/db"
	kerrors "github.com/randalmurphal/klyve/internal/errors"
)

func TestParse(t *testing.T) {
	for _, p := range All() {
		got, err := Parse(string(p))
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	got, err := Parse(" Planning ")
	require.NoError(t, err)
	assert.Equal(t, Planning, got)

	_, err = Parse("deploy")
	assert.Error(t, err)
}

func TestCheck(t *testing.T) {
	full := Facts{
		ProjectID:        "p",
		RootPath:         "/src",
		HasFinalSpec:     true,
		HasTechSpec:      true,
		EligibleBacklog:  3,
		ActiveSprintID:   "s",
		ActiveSprintPlan: true,
	}
	for _, p := range All() {
		assert.NoError(t, Check(p, full), "phase %s with full facts", p)
	}

	tests := []struct {
		phase  Phase
		facts  func(f *Facts)
		reject bool
	}{
		{Idle, func(f *Facts) { *f = Facts{} }, false},
		{ViewingHistory, func(f *Facts) { *f = Facts{} }, false},
		{EnvSetup, func(f *Facts) { f.ProjectID = "" }, true},
		{StopExport, func(f *Facts) { f.ProjectID = "" }, true},
		{SpecElaboration, func(f *Facts) { f.RootPath = "" }, true},
		{Planning, func(f *Facts) { f.HasFinalSpec = false }, true},
		{RaisingChangeRequest, func(f *Facts) { f.HasFinalSpec = false }, true},
		{BacklogGeneration, func(f *Facts) { f.HasTechSpec = false }, true},
		{SprintPlanning, func(f *Facts) { f.EligibleBacklog = 0 }, true},
		{SprintExecution, func(f *Facts) { f.ActiveSprintID = "" }, true},
		{SprintExecution, func(f *Facts) { f.ActiveSprintPlan = false }, true},
		{Planning, func(f *Facts) { f.HasTechSpec = false }, false},
	}
	for _, tt := range tests {
		facts := full
		tt.facts(&facts)
		err := Check(tt.phase, facts)
		if tt.reject {
			assert.ErrorIs(t, err, kerrors.ErrPreconditionFailed, "phase %s", tt.phase)
		} else {
			assert.NoError(t, err, "phase %s", tt.phase)
		}
	}

	assert.ErrorIs(t, Check("bogus", full), kerrors.ErrPreconditionFailed)
}

func TestLoadFacts(t *testing.T) {
	ctx := context.Background()
	pdb := db.NewTestProjectDB(t)
	proj := db.NewTestProject(t, pdb, "demo")

	f, err := LoadFacts(ctx, pdb, proj.ID)
	require.NoError(t, err)
	assert.Equal(t, proj.ID, f.ProjectID)
	assert.False(t, f.HasFinalSpec)
	assert.Zero(t, f.EligibleBacklog)
	assert.ErrorIs(t, Check(Planning, f), kerrors.ErrPreconditionFailed)

	_, err = pdb.SaveDocument(ctx, proj.ID, db.DocFinalSpec, "spec")
	require.NoError(t, err)
	bm := backlog.NewManager(pdb)
	feat, err := bm.AddNode(ctx, proj.ID, backlog.KindFeature, nil, backlog.Fields{Title: "f"})
	require.NoError(t, err)
	_, err = bm.AddNode(ctx, proj.ID, backlog.KindBacklogItem, &feat.ID, backlog.Fields{Title: "b"})
	require.NoError(t, err)

	f, err = LoadFacts(ctx, pdb, proj.ID)
	require.NoError(t, err)
	assert.True(t, f.HasFinalSpec)
	assert.Equal(t, 1, f.EligibleBacklog, "features do not count")
	assert.NoError(t, Check(Planning, f))
	assert.NoError(t, Check(SprintPlanning, f))
	assert.ErrorIs(t, Check(SprintExecution, f), kerrors.ErrPreconditionFailed)

	empty, err := LoadFacts(ctx, pdb, "")
	require.NoError(t, err)
	assert.Equal(t, Facts{}, empty)

	_, err = LoadFacts(ctx, pdb, "missing")
	assert.ErrorIs(t, err, kerrors.ErrNotFound)
}
