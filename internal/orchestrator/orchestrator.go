// Package orchestrator holds the phase state machine: the one place the
// current phase of a project changes, the checkpoint it resumes from, and
// the development-plan loop that feeds failures into escalation.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/klyve/internal/agent"
	"github.com/randalmurphal/klyve/internal/backlog"
	"github.com/randalmurphal/klyve/internal/config"
	"github.com/randalmurphal/klyve/internal/db"
	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/escalation"
	"github.com/randalmurphal/klyve/internal/events"
	"github.com/randalmurphal/klyve/internal/impact"
	"github.com/randalmurphal/klyve/internal/phase"
	"github.com/randalmurphal/klyve/internal/runner"
	"github.com/randalmurphal/klyve/internal/sprint"
	"github.com/randalmurphal/klyve/internal/telemetry"
)

const scopeName = "github.com/randalmurphal/klyve/internal/orchestrator"

// Context is the explicit state every orchestrator operation works
// against. There are no package-level sessions.
type Context struct {
	// ProjectID is the active project, empty when none is open.
	ProjectID string
	Store     *db.ProjectDB
	Config    *config.Config
	// StoreDir is the .klyve directory; archives default to StoreDir/archive.
	StoreDir string
}

// Details is the opaque payload stored with the checkpoint. It carries
// everything needed to continue mid-phase after a restart.
type Details struct {
	// PriorPhase is where work resumes after an escalation is resolved.
	PriorPhase phase.Phase `json:"prior_phase,omitempty"`
	// SprintID and Cursor locate the next development-plan task.
	SprintID   string                 `json:"sprint_id,omitempty"`
	Cursor     int                    `json:"cursor"`
	Escalation *escalation.Controller `json:"escalation,omitempty"`
	// PendingApproval is shown again at the PM checkpoint after a restart.
	PendingApproval json.RawMessage `json:"pending_approval,omitempty"`
}

func (d Details) clone() Details {
	out := d
	if d.Escalation != nil {
		c := *d.Escalation
		out.Escalation = &c
	}
	if d.PendingApproval != nil {
		out.PendingApproval = append(json.RawMessage(nil), d.PendingApproval...)
	}
	return out
}

// Status is a read-only snapshot for display and polling.
type Status struct {
	ProjectID   string           `json:"project_id"`
	ProjectName string           `json:"project_name"`
	Phase       phase.Phase      `json:"phase"`
	Step        string           `json:"step"`
	SprintID    string           `json:"sprint_id,omitempty"`
	Cursor      int              `json:"cursor"`
	Escalation  escalation.State `json:"escalation,omitempty"`
	Attempts    int              `json:"attempts,omitempty"`
	MaxAttempts int              `json:"max_attempts,omitempty"`
}

// Orchestrator owns the current phase of one open project.
type Orchestrator struct {
	octx       Context
	logger     *slog.Logger
	publisher  events.Publisher
	events     *events.PublishHelper
	runner     *runner.Runner
	executor   Executor
	gen        agent.Generator
	archiveDir string

	backlog *backlog.Manager
	sprints *sprint.Manager
	impact  *impact.Analyzer

	tracer      trace.Tracer
	transitions metric.Int64Counter
	escalations metric.Int64Counter

	mu          sync.Mutex
	projectName string
	phase       phase.Phase
	step        string
	details     Details
}

// New creates an orchestrator in the idle phase. When octx names a
// project, its checkpoint is restored.
func New(ctx context.Context, octx Context, opts ...Option) (*Orchestrator, error) {
	if octx.Store == nil {
		return nil, fmt.Errorf("orchestrator requires a store")
	}
	if octx.Config == nil {
		octx.Config = config.Default()
	}
	o := &Orchestrator{octx: octx, phase: phase.Idle}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.events = events.NewPublishHelper(o.publisher)
	if o.archiveDir == "" && octx.StoreDir != "" {
		o.archiveDir = filepath.Join(octx.StoreDir, "archive")
	}

	o.backlog = backlog.NewManager(octx.Store, backlog.WithLogger(o.logger), backlog.WithPublisher(o.publisher))
	o.sprints = sprint.NewManager(octx.Store, sprint.WithLogger(o.logger), sprint.WithPublisher(o.publisher),
		sprint.WithGate(octx.Config.Gate()))
	o.impact = impact.NewAnalyzer(octx.Store, impact.WithLogger(o.logger), impact.WithPublisher(o.publisher))

	o.tracer = telemetry.Tracer(scopeName)
	m := telemetry.Meter(scopeName)
	o.transitions = newCounter(o.logger, m, "klyve.phase.transitions", "Committed phase transitions")
	o.escalations = newCounter(o.logger, m, "klyve.escalations", "Debug-escalation events, by kind")

	if octx.ProjectID != "" {
		id := octx.ProjectID
		o.octx.ProjectID = ""
		if _, err := o.OpenProject(ctx, id); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Context returns the orchestrator's current context.
func (o *Orchestrator) Context() Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.octx
}

// Backlog returns the hierarchy manager bound to the store.
func (o *Orchestrator) Backlog() *backlog.Manager { return o.backlog }

// Sprints returns the sprint manager configured with the gate thresholds.
func (o *Orchestrator) Sprints() *sprint.Manager { return o.sprints }

// Impact returns the impact analyzer.
func (o *Orchestrator) Impact() *impact.Analyzer { return o.impact }

// Runner returns the background runner, or nil when none was configured.
func (o *Orchestrator) Runner() *runner.Runner { return o.runner }

// Generator returns the agent collaborator, or nil.
func (o *Orchestrator) Generator() agent.Generator { return o.gen }

// Status returns a snapshot of the current position. It never touches the
// store.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Status{
		ProjectID:   o.octx.ProjectID,
		ProjectName: o.projectName,
		Phase:       o.phase,
		Step:        o.step,
		SprintID:    o.details.SprintID,
		Cursor:      o.details.Cursor,
	}
	if c := o.details.Escalation; c != nil {
		s.Escalation = c.State
		s.Attempts = c.Attempts
		s.MaxAttempts = c.Max
	}
	return s
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() phase.Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// SetPhase is the only way the current phase changes. The new phase is
// persisted before it becomes current; setting the current phase again is
// a no-op. Unmet preconditions fail with PRECONDITION_FAILED.
func (o *Orchestrator) SetPhase(ctx context.Context, p phase.Phase) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.set_phase",
		trace.WithAttributes(attribute.String("klyve.phase", string(p))))
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.setPhaseLocked(ctx, p, o.details); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// setPhaseLocked checks preconditions, persists (p, "", next) and only
// then updates memory. Callers hold o.mu.
func (o *Orchestrator) setPhaseLocked(ctx context.Context, p phase.Phase, next Details) error {
	if !phase.IsValid(p) {
		return kerrors.ErrPrecondition(fmt.Sprintf("enter phase %q", p), "unknown phase")
	}
	if p == o.phase {
		return nil
	}
	facts, err := phase.LoadFacts(ctx, o.octx.Store, o.octx.ProjectID)
	if err != nil {
		return err
	}
	if err := phase.Check(p, facts); err != nil {
		return err
	}
	return o.commitLocked(ctx, p, "", next)
}

// commitLocked persists a new position and then adopts it. On a store
// failure the in-memory position is unchanged.
func (o *Orchestrator) commitLocked(ctx context.Context, p phase.Phase, step string, next Details) error {
	if err := o.persistLocked(ctx, p, step, next); err != nil {
		return err
	}
	from := o.phase
	o.phase, o.step, o.details = p, step, next
	if from != p {
		o.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(from)), attribute.String("to", string(p))))
		o.logger.Info("phase changed", "project", o.octx.ProjectID, "from", from, "to", p)
		o.events.Phase(o.octx.ProjectID, string(from), string(p), step)
	}
	return nil
}

// persistLocked writes the checkpoint. Without a project (idle, viewing
// history) the position lives in memory only.
func (o *Orchestrator) persistLocked(ctx context.Context, p phase.Phase, step string, d Details) error {
	if o.octx.ProjectID == "" {
		return nil
	}
	state, err := checkpoint(o.octx.ProjectID, p, step, d)
	if err != nil {
		return err
	}
	if err := o.octx.Store.SaveOrchestrationState(ctx, state); err != nil {
		return kerrors.ErrPersistence("save orchestration state", err)
	}
	return nil
}

func checkpoint(projectID string, p phase.Phase, step string, d Details) (*db.OrchestrationState, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, kerrors.ErrPersistence("encode orchestration details", err)
	}
	return &db.OrchestrationState{ProjectID: projectID, Phase: string(p), Step: step, Details: string(raw)}, nil
}

// SetStep records a sub-state within the current phase.
func (o *Orchestrator) SetStep(ctx context.Context, step string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if step == o.step {
		return nil
	}
	return o.commitLocked(ctx, o.phase, step, o.details)
}

// SetPendingApproval stores a payload awaiting a PM decision so it survives
// a restart. A nil payload clears it.
func (o *Orchestrator) SetPendingApproval(ctx context.Context, payload any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	next := o.details.clone()
	next.PendingApproval = nil
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode pending approval: %w", err)
		}
		next.PendingApproval = raw
	}
	return o.commitLocked(ctx, o.phase, o.step, next)
}

// PendingApproval returns the stored approval payload, if any.
func (o *Orchestrator) PendingApproval() json.RawMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append(json.RawMessage(nil), o.details.PendingApproval...)
}

// SaveDocument stores a specification text on the active project.
func (o *Orchestrator) SaveDocument(ctx context.Context, doc db.Document, text string) (int64, error) {
	id, err := o.activeProject()
	if err != nil {
		return 0, err
	}
	v, err := o.octx.Store.SaveDocument(ctx, id, doc, text)
	if err != nil {
		return 0, kerrors.ErrPersistence(fmt.Sprintf("save %s", doc), err)
	}
	return v, nil
}

func (o *Orchestrator) activeProject() (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.octx.ProjectID == "" {
		return "", kerrors.ErrNoProject()
	}
	return o.octx.ProjectID, nil
}

// newCounter creates a counter on m. A failed creation still returns a
// usable instrument, so the error is only logged.
func newCounter(logger *slog.Logger, m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		logger.Debug("create metric", "name", name, "error", err)
	}
	return c
}
