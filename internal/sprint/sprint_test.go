package sprint

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/klyve/internal/agent"
	"github.com/randalmurphal/klyve/internal/backlog"
	"github.com/randalmurphal/klyve/internal/db"
	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/impact"
	"github.com/randalmurphal/klyve/internal/runner"
)

type fixture struct {
	ctx     context.Context
	pdb     *db.ProjectDB
	bm      *backlog.Manager
	an      *impact.Analyzer
	m       *Manager
	proj    *db.Project
	feature *db.ChangeRequest
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	pdb := db.NewTestProjectDB(t)
	f := &fixture{
		ctx:  ctx,
		pdb:  pdb,
		bm:   backlog.NewManager(pdb),
		an:   impact.NewAnalyzer(pdb),
		m:    NewManager(pdb),
		proj: db.NewTestProject(t, pdb, "demo"),
	}
	var err error
	f.feature, err = f.bm.AddNode(ctx, f.proj.ID, backlog.KindFeature, nil, backlog.Fields{Title: "feature"})
	require.NoError(t, err)
	return f
}

func (f *fixture) item(t *testing.T, title string, c backlog.Complexity) int64 {
	t.Helper()
	cr, err := f.bm.AddNode(f.ctx, f.proj.ID, backlog.KindBacklogItem, &f.feature.ID, backlog.Fields{Title: title, Complexity: c})
	require.NoError(t, err)
	return cr.ID
}

func (f *fixture) analyze(t *testing.T, id int64, r impact.Rating) {
	t.Helper()
	v, err := f.pdb.ContextVersion(f.ctx, f.proj.ID)
	require.NoError(t, err)
	_, err = f.an.AnalyzeImpact(f.ctx, id, v, impact.Analysis{Rating: r, Details: "analysis"})
	require.NoError(t, err)
}

func (f *fixture) status(t *testing.T, id int64) backlog.Status {
	t.Helper()
	cr, err := f.pdb.GetChangeRequest(f.ctx, id)
	require.NoError(t, err)
	return backlog.Status(cr.Status)
}

func (f *fixture) sprintRows(t *testing.T) (sprints, links int) {
	t.Helper()
	require.NoError(t, f.pdb.QueryRowContext(f.ctx, `SELECT COUNT(*) FROM sprints`).Scan(&sprints))
	require.NoError(t, f.pdb.QueryRowContext(f.ctx, `SELECT COUNT(*) FROM sprint_items`).Scan(&links))
	return sprints, links
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	a := f.item(t, "a", backlog.ComplexitySmall)
	b := f.item(t, "b", backlog.ComplexitySmall)

	s, err := f.m.Create(f.ctx, f.proj.ID, "ship login", "", []int64{a, b})
	require.NoError(t, err)
	assert.Equal(t, string(StatusInProgress), s.Status)

	got, err := f.m.Get(f.ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "ship login", got.Goal)
	assert.ElementsMatch(t, []int64{a, b}, got.ItemIDs)
	assert.Nil(t, got.EndTS)

	active, err := f.m.Active(f.ctx, f.proj.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, s.ID, active.ID)

	c := f.item(t, "c", backlog.ComplexitySmall)
	_, err = f.m.Create(f.ctx, f.proj.ID, "second", "", []int64{c})
	assert.ErrorIs(t, err, kerrors.ErrPreconditionFailed, "one sprint in progress at a time")
}

func TestCreate_Atomic(t *testing.T) {
	f := newFixture(t)
	var ids []int64
	for i := 0; i < 10; i++ {
		ids = append(ids, f.item(t, fmt.Sprintf("item %d", i), backlog.ComplexitySmall))
	}
	ids = append(ids[:5], append([]int64{424242}, ids[5:]...)...)

	_, err := f.m.Create(f.ctx, f.proj.ID, "goal", "", ids)
	require.Error(t, err)
	assert.ErrorIs(t, err, kerrors.ErrPreconditionFailed)

	sprints, links := f.sprintRows(t)
	assert.Zero(t, sprints)
	assert.Zero(t, links)
}

func TestCreate_Rejected(t *testing.T) {
	f := newFixture(t)
	a := f.item(t, "a", backlog.ComplexitySmall)
	other := db.NewTestProject(t, f.pdb, "other")
	otherFeature, err := f.bm.AddNode(f.ctx, other.ID, backlog.KindFeature, nil, backlog.Fields{Title: "x"})
	require.NoError(t, err)
	foreign, err := f.bm.AddNode(f.ctx, other.ID, backlog.KindBacklogItem, &otherFeature.ID, backlog.Fields{Title: "y"})
	require.NoError(t, err)

	tests := []struct {
		name  string
		goal  string
		items []int64
	}{
		{"no goal", "", []int64{a}},
		{"no items", "g", nil},
		{"duplicate", "g", []int64{a, a}},
		{"foreign item", "g", []int64{a, foreign.ID}},
		{"feature not eligible", "g", []int64{f.feature.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.m.Create(f.ctx, f.proj.ID, tt.goal, "", tt.items)
			assert.ErrorIs(t, err, kerrors.ErrPreconditionFailed)
		})
	}
	sprints, links := f.sprintRows(t)
	assert.Zero(t, sprints)
	assert.Zero(t, links)
}

func TestGate_StaleAndRiskScenario(t *testing.T) {
	f := newFixture(t)
	b1 := f.item(t, "B1", backlog.ComplexitySmall)
	b2 := f.item(t, "B2", backlog.ComplexitySmall)
	f.analyze(t, b1, impact.RatingLow)

	_, err := f.pdb.SaveDocument(f.ctx, f.proj.ID, db.DocTechSpec, "new tech spec")
	require.NoError(t, err)
	f.analyze(t, b2, impact.RatingHigh)

	s, err := f.m.Create(f.ctx, f.proj.ID, "goal", "", []int64{b1, b2})
	require.NoError(t, err)

	rep, err := f.m.RunPreExecutionChecks(f.ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, rep.Scope.Pass)
	assert.False(t, rep.Stale.Pass)
	assert.Equal(t, []int64{b1}, rep.StaleIDs())
	assert.False(t, rep.Risk.Pass)
	assert.Equal(t, []int64{b2}, rep.Risk.ItemIDs)
	assert.Equal(t, impact.RatingHigh, rep.AggregateRisk)
	assert.True(t, rep.Blocked())
	assert.False(t, rep.CanProceed())

	// re-running without re-analysis reports the same stale set
	again, err := f.m.RunPreExecutionChecks(f.ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, rep.StaleIDs(), again.StaleIDs())

	_, err = f.m.Proceed(f.ctx, s.ID)
	assert.ErrorIs(t, err, kerrors.ErrPreconditionFailed)
	assert.Equal(t, backlog.StatusImpactAnalyzed, f.status(t, b1))
	assert.Equal(t, backlog.StatusImpactAnalyzed, f.status(t, b2))
}

func TestProceed_StaleItemsAreActionable(t *testing.T) {
	f := newFixture(t)
	b1 := f.item(t, "B1", backlog.ComplexityMedium)
	b2 := f.item(t, "B2", backlog.ComplexityMedium)
	f.analyze(t, b1, impact.RatingLow)
	f.analyze(t, b2, impact.RatingLow)
	_, err := f.pdb.SaveDocument(f.ctx, f.proj.ID, db.DocFinalSpec, "changed")
	require.NoError(t, err)
	f.analyze(t, b2, impact.RatingLow)

	s, err := f.m.Create(f.ctx, f.proj.ID, "goal", "", []int64{b1, b2})
	require.NoError(t, err)

	rep, err := f.m.Proceed(f.ctx, s.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, kerrors.ErrConcurrencyConflict)
	ke := kerrors.AsKlyveError(err)
	require.NotNil(t, ke)
	assert.Equal(t, []int64{b1}, ke.Details)
	require.NotNil(t, rep)
	assert.Equal(t, []int64{b1}, rep.StaleIDs())

	// re-analyze exactly the stale item and proceed
	f.analyze(t, b1, impact.RatingMedium)
	rep, err = f.m.Proceed(f.ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, rep.CanProceed())
	assert.Equal(t, backlog.StatusImplementationInProgress, f.status(t, b1))
	assert.Equal(t, backlog.StatusImplementationInProgress, f.status(t, b2))

	err = f.bm.MoveNode(f.ctx, b1, &f.feature.ID, 1)
	assert.ErrorIs(t, err, kerrors.ErrPreconditionFailed, "proceeding locks items")
}

func TestGate_Scope(t *testing.T) {
	f := newFixture(t)
	big := f.item(t, "big", backlog.ComplexityXLarge)
	f.analyze(t, big, impact.RatingLow)
	s, err := f.m.Create(f.ctx, f.proj.ID, "goal", "", []int64{big})
	require.NoError(t, err)

	rep, err := f.m.RunPreExecutionChecks(f.ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, rep.Scope.Pass)
	assert.Equal(t, []int64{big}, rep.Scope.ItemIDs)
	assert.True(t, rep.Stale.Pass)
	assert.True(t, rep.Risk.Pass)

	lenient := NewManager(f.pdb, WithGate(GateConfig{ScopeCeiling: backlog.ComplexityXLarge, RiskThreshold: impact.RatingCritical}))
	rep, err = lenient.RunPreExecutionChecks(f.ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, rep.CanProceed())
}

func TestEvaluate_Pure(t *testing.T) {
	v1 := int64(1)
	items := []db.ChangeRequest{
		{ID: 1, Complexity: "small", ImpactRating: "low", AnalyzedAgainstVersion: &v1},
		{ID: 2, Complexity: "bogus", ImpactRating: "medium", AnalyzedAgainstVersion: &v1},
		{ID: 3, Complexity: "medium"},
	}
	rep := Evaluate("s", items, 1, DefaultGateConfig())
	assert.Equal(t, []int64{2}, rep.Scope.ItemIDs, "unknown complexity fails scope")
	assert.Equal(t, []int64{3}, rep.StaleIDs())
	assert.Equal(t, impact.ReasonNeverAnalyzed, rep.StaleItems[0].Reason)
	assert.True(t, rep.Risk.Pass)
	assert.Equal(t, impact.RatingMedium, rep.AggregateRisk)
	assert.Len(t, rep.Checks(), 3)
}

func TestGateConfigValidate(t *testing.T) {
	require.NoError(t, DefaultGateConfig().Validate())
	err := GateConfig{ScopeCeiling: "huge", RiskThreshold: impact.RatingLow}.Validate()
	assert.True(t, kerrors.HasCode(err, kerrors.CodeConfigInvalid))
	err = GateConfig{ScopeCeiling: backlog.ComplexitySmall, RiskThreshold: "scary"}.Validate()
	assert.True(t, kerrors.HasCode(err, kerrors.CodeConfigInvalid))
}

func TestCompleteAndAbandon(t *testing.T) {
	f := newFixture(t)
	a := f.item(t, "a", backlog.ComplexitySmall)
	b := f.item(t, "b", backlog.ComplexitySmall)
	f.analyze(t, a, impact.RatingLow)
	f.analyze(t, b, impact.RatingLow)

	s, err := f.m.Create(f.ctx, f.proj.ID, "first", "", []int64{a})
	require.NoError(t, err)
	_, err = f.m.Proceed(f.ctx, s.ID)
	require.NoError(t, err)

	done, err := f.m.Complete(f.ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusCompleted), done.Status)
	assert.NotNil(t, done.EndTS)
	assert.Equal(t, backlog.StatusCompleted, f.status(t, a))

	_, err = f.m.Complete(f.ctx, s.ID)
	assert.ErrorIs(t, err, kerrors.ErrPreconditionFailed, "never reopened")
	_, err = f.m.Abandon(f.ctx, s.ID)
	assert.ErrorIs(t, err, kerrors.ErrPreconditionFailed)

	s2, err := f.m.Create(f.ctx, f.proj.ID, "second", "", []int64{b})
	require.NoError(t, err)
	_, err = f.m.Proceed(f.ctx, s2.ID)
	require.NoError(t, err)
	ab, err := f.m.Abandon(f.ctx, s2.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusAbandoned), ab.Status)
	assert.Equal(t, backlog.StatusImpactAnalyzed, f.status(t, b))
	assert.Equal(t, []int64{b}, ab.ItemIDs, "links are kept")

	_, err = f.m.Proceed(f.ctx, s2.ID)
	assert.ErrorIs(t, err, kerrors.ErrPreconditionFailed)

	_, err = f.m.Complete(f.ctx, "missing")
	assert.ErrorIs(t, err, kerrors.ErrNotFound)
}

func TestPlanStorage(t *testing.T) {
	f := newFixture(t)
	a := f.item(t, "a", backlog.ComplexitySmall)
	s, err := f.m.Create(f.ctx, f.proj.ID, "goal", "", []int64{a})
	require.NoError(t, err)

	tasks, err := f.m.Plan(f.ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, tasks)

	want := []agent.PlanTask{{MicroSpecID: "MS-1", TaskDescription: "do", ComponentFilePath: "a.go"}}
	require.NoError(t, f.m.SavePlan(f.ctx, s.ID, want))
	got, err := f.m.Plan(f.ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	assert.ErrorIs(t, f.m.SavePlan(f.ctx, s.ID, nil), kerrors.ErrPreconditionFailed)
}

func TestPlanTask(t *testing.T) {
	f := newFixture(t)
	a := f.item(t, "login", backlog.ComplexitySmall)
	f.analyze(t, a, impact.RatingLow)
	s, err := f.m.Create(f.ctx, f.proj.ID, "goal", "", []int64{a})
	require.NoError(t, err)

	gen := agent.GeneratorFunc(func(ctx context.Context, prompt string, c agent.Complexity) (string, error) {
		if !assert.Contains(t, prompt, "login") {
			return "", fmt.Errorf("item missing from prompt")
		}
		return `{"development_plan":[{"micro_spec_id":"MS-1","task_description":"form","component_file_path":"login.go"}]}`, nil
	})

	r := runner.New()
	defer func() { _ = r.Close(context.Background()) }()
	h, err := r.Submit(f.m.PlanTask(s.ID, gen))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(f.ctx, 5*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	require.NoError(t, err)
	require.True(t, res.OK(), "err: %v", res.Err)

	tasks, err := f.m.Plan(f.ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "login.go", tasks[0].ComponentFilePath)
}

func TestPlanTask_RefusesBlockedGate(t *testing.T) {
	f := newFixture(t)
	a := f.item(t, "a", backlog.ComplexitySmall)
	s, err := f.m.Create(f.ctx, f.proj.ID, "goal", "", []int64{a})
	require.NoError(t, err)

	called := false
	gen := agent.GeneratorFunc(func(ctx context.Context, prompt string, c agent.Complexity) (string, error) {
		called = true
		return "", nil
	})
	r := runner.New()
	defer func() { _ = r.Close(context.Background()) }()
	h, err := r.Submit(f.m.PlanTask(s.ID, gen))
	require.NoError(t, err)
	res, err := h.Wait(f.ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, kerrors.ErrConcurrencyConflict)
	assert.False(t, called)
}
