package impact

import (
	"context"
	"fmt"
	"strings"

	"github.com/randalmurphal/klyve/internal/agent"
	"github.com/randalmurphal/klyve/internal/db"
	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/runner"
)

// Progress tags reported by the analysis tasks.
const (
	TagAnalyzing  = "analyzing"
	TagPreviewing = "previewing"
	TagRecorded   = "recorded"
)

// AnalyzeTask builds a background task that runs impact analysis on each
// node in turn. The context version is captured before the agent call, so a
// spec change during the call leaves the node stale rather than falsely fresh.
// The task's value is the number of nodes recorded.
func (a *Analyzer) AnalyzeTask(projectID string, nodeIDs []int64, gen agent.Generator) runner.Task {
	return runner.Task{
		Name:      "impact-analysis",
		ProjectID: projectID,
		Run: func(ctx context.Context, c *runner.Control) (any, error) {
			done := 0
			for i, id := range nodeIDs {
				if err := c.Checkpoint(ctx); err != nil {
					return done, err
				}
				c.Report(TagAnalyzing, map[string]any{"id": id, "current": i + 1, "total": len(nodeIDs)})

				snap, err := a.snapshot(ctx, projectID, id)
				if err != nil {
					return done, err
				}
				raw, err := gen.Generate(ctx, BuildImpactPrompt(snap), agent.ComplexityComplex)
				if err != nil {
					return done, fmt.Errorf("impact analysis of node %d: %w", id, err)
				}
				report, err := agent.ParseImpact(raw, func(s string) bool { return IsValidRating(Rating(s)) })
				if err != nil {
					return done, err
				}
				if _, err := a.AnalyzeImpact(ctx, id, snap.version, Analysis{
					Rating:      Rating(report.Rating),
					Details:     report.Summary,
					ArtifactIDs: report.ImpactedArtifactIDs,
				}); err != nil {
					return done, err
				}
				done++
				c.Report(TagRecorded, map[string]any{"id": id, "rating": report.Rating})
			}
			return done, nil
		},
	}
}

// PreviewTask builds a background task that generates and records a
// technical preview for one analyzed node.
func (a *Analyzer) PreviewTask(projectID string, nodeID int64, gen agent.Generator) runner.Task {
	return runner.Task{
		Name:      "technical-preview",
		ProjectID: projectID,
		Run: func(ctx context.Context, c *runner.Control) (any, error) {
			if err := c.Checkpoint(ctx); err != nil {
				return nil, err
			}
			c.Report(TagPreviewing, map[string]any{"id": nodeID})

			snap, err := a.snapshot(ctx, projectID, nodeID)
			if err != nil {
				return nil, err
			}
			raw, err := gen.Generate(ctx, BuildPreviewPrompt(snap), agent.ComplexitySimple)
			if err != nil {
				return nil, fmt.Errorf("technical preview of node %d: %w", nodeID, err)
			}
			text, err := agent.RequireText("technical preview", raw)
			if err != nil {
				return nil, err
			}
			cr, err := a.RecordPreview(ctx, nodeID, text)
			if err != nil {
				return nil, err
			}
			c.Report(TagRecorded, map[string]any{"id": nodeID})
			return cr, nil
		},
	}
}

// Snapshot is the context an agent sees when analyzing one node.
type Snapshot struct {
	Node      db.ChangeRequest
	FinalSpec string
	TechSpec  string
	Artifacts []db.Artifact
	version   int64
}

func (a *Analyzer) snapshot(ctx context.Context, projectID string, nodeID int64) (*Snapshot, error) {
	proj, err := a.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, kerrors.ErrPersistence("load project", err)
	}
	if proj == nil {
		return nil, kerrors.ErrEntityNotFound("project", projectID)
	}
	cr, err := a.store.GetChangeRequest(ctx, nodeID)
	if err != nil {
		return nil, kerrors.ErrPersistence("load change request", err)
	}
	if cr == nil || cr.ProjectID != projectID {
		return nil, kerrors.ErrEntityNotFound("change request", fmt.Sprint(nodeID))
	}
	arts, err := a.store.ListArtifacts(ctx, projectID)
	if err != nil {
		return nil, kerrors.ErrPersistence("list artifacts", err)
	}
	return &Snapshot{
		Node:      *cr,
		FinalSpec: proj.FinalSpec,
		TechSpec:  proj.TechSpec,
		Artifacts: arts,
		version:   proj.ContextVersion,
	}, nil
}

// BuildImpactPrompt renders the impact-analysis request for one node.
func BuildImpactPrompt(s *Snapshot) string {
	var b strings.Builder
	b.WriteString("Assess the impact of the following change on the existing project.\n\n")
	writeNode(&b, &s.Node)
	writeSection(&b, "Final specification", s.FinalSpec)
	writeSection(&b, "Technical specification", s.TechSpec)
	if len(s.Artifacts) > 0 {
		b.WriteString("## Artifacts\n")
		for _, art := range s.Artifacts {
			fmt.Fprintf(&b, "- %s %s v%d", art.ID, art.FilePath, art.Version)
			if art.Summary != "" {
				fmt.Fprintf(&b, ": %s", art.Summary)
			}
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "Respond with a JSON object with keys impact_rating (one of %s), impact_summary, and impacted_artifact_ids (array of artifact ids).\n",
		joinRatings())
	return b.String()
}

// BuildPreviewPrompt renders the technical-preview request for one node.
func BuildPreviewPrompt(s *Snapshot) string {
	var b strings.Builder
	b.WriteString("Write a short technical preview describing how to implement this change.\n\n")
	writeNode(&b, &s.Node)
	if s.Node.ImpactDetails != "" {
		writeSection(&b, "Impact analysis", s.Node.ImpactDetails)
	}
	writeSection(&b, "Technical specification", s.TechSpec)
	return b.String()
}

func writeNode(b *strings.Builder, cr *db.ChangeRequest) {
	fmt.Fprintf(b, "## %s #%d: %s\n", cr.Kind, cr.ID, cr.Title)
	if cr.Description != "" {
		b.WriteString(cr.Description)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
}

func writeSection(b *strings.Builder, title, body string) {
	if strings.TrimSpace(body) == "" {
		return
	}
	fmt.Fprintf(b, "## %s\n%s\n\n", title, body)
}

func joinRatings() string {
	rs := ValidRatings()
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = string(r)
	}
	return strings.Join(out, ", ")
}
