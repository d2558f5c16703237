package agent

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	kerrors "github.com/randalmurphal/klyve/internal/errors"
)

// PlanTask is one entry of a development plan. MicroSpecID is stable across
// regenerations and links produced artifacts back to the plan.
type PlanTask struct {
	MicroSpecID       string `json:"micro_spec_id" yaml:"micro_spec_id"`
	TaskDescription   string `json:"task_description" yaml:"task_description"`
	ComponentName     string `json:"component_name" yaml:"component_name"`
	ComponentType     string `json:"component_type" yaml:"component_type"`
	ComponentFilePath string `json:"component_file_path" yaml:"component_file_path"`
}

// ImpactReport is the structured result of an impact analysis call.
type ImpactReport struct {
	Rating              string
	Summary             string
	ImpactedArtifactIDs []string
}

// CleanJSON strips markdown code fences and surrounding prose so that the
// first JSON object or array in s can be parsed.
func CleanJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		s = strings.TrimSpace(rest)
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}

// ParsePlan validates a development-plan document and returns its tasks.
// Every task needs a micro_spec_id, a description, and a file path, and
// micro_spec_ids must be unique.
func ParsePlan(raw string) ([]PlanTask, error) {
	const agentName = "plan generator"
	doc := CleanJSON(raw)
	if doc == "" {
		return nil, kerrors.ErrAgentOutput(agentName, "empty response")
	}
	if !gjson.Valid(doc) {
		return nil, kerrors.ErrAgentOutput(agentName, fmt.Sprintf("not valid JSON: %q", truncateForError(doc, 120)))
	}
	plan := gjson.Get(doc, "development_plan")
	if !plan.IsArray() {
		return nil, kerrors.ErrAgentOutput(agentName, "missing development_plan array")
	}

	var tasks []PlanTask
	seen := map[string]bool{}
	var verr error
	plan.ForEach(func(key, value gjson.Result) bool {
		if !value.IsObject() {
			verr = kerrors.ErrAgentOutput(agentName, fmt.Sprintf("task %d is not an object", key.Int()))
			return false
		}
		t := PlanTask{
			MicroSpecID:       value.Get("micro_spec_id").String(),
			TaskDescription:   value.Get("task_description").String(),
			ComponentName:     value.Get("component_name").String(),
			ComponentType:     value.Get("component_type").String(),
			ComponentFilePath: value.Get("component_file_path").String(),
		}
		switch {
		case t.MicroSpecID == "":
			verr = kerrors.ErrAgentOutput(agentName, fmt.Sprintf("task %d has no micro_spec_id", key.Int()))
		case seen[t.MicroSpecID]:
			verr = kerrors.ErrAgentOutput(agentName, fmt.Sprintf("duplicate micro_spec_id %q", t.MicroSpecID))
		case t.TaskDescription == "":
			verr = kerrors.ErrAgentOutput(agentName, fmt.Sprintf("task %s has no task_description", t.MicroSpecID))
		case t.ComponentFilePath == "":
			verr = kerrors.ErrAgentOutput(agentName, fmt.Sprintf("task %s has no component_file_path", t.MicroSpecID))
		}
		if verr != nil {
			return false
		}
		seen[t.MicroSpecID] = true
		tasks = append(tasks, t)
		return true
	})
	if verr != nil {
		return nil, verr
	}
	if len(tasks) == 0 {
		return nil, kerrors.ErrAgentOutput(agentName, "development_plan is empty")
	}
	return tasks, nil
}

// ParseImpact validates an impact-analysis document. validRating reports
// whether a rating value is acceptable.
func ParseImpact(raw string, validRating func(string) bool) (*ImpactReport, error) {
	const agentName = "impact analyzer"
	doc := CleanJSON(raw)
	if !gjson.Valid(doc) {
		return nil, kerrors.ErrAgentOutput(agentName, fmt.Sprintf("not valid JSON: %q", truncateForError(doc, 120)))
	}
	res := gjson.GetMany(doc, "impact_rating", "impact_summary", "impacted_artifact_ids")
	rating, summary, ids := res[0], res[1], res[2]

	if rating.Type != gjson.String || rating.String() == "" {
		return nil, kerrors.ErrAgentOutput(agentName, "missing impact_rating")
	}
	r := strings.ToLower(rating.String())
	if validRating != nil && !validRating(r) {
		return nil, kerrors.ErrAgentOutput(agentName, fmt.Sprintf("unknown impact_rating %q", rating.String()))
	}
	if summary.String() == "" {
		return nil, kerrors.ErrAgentOutput(agentName, "missing impact_summary")
	}

	report := &ImpactReport{Rating: r, Summary: summary.String()}
	if ids.Exists() {
		if !ids.IsArray() {
			return nil, kerrors.ErrAgentOutput(agentName, "impacted_artifact_ids is not an array")
		}
		for _, id := range ids.Array() {
			report.ImpactedArtifactIDs = append(report.ImpactedArtifactIDs, id.String())
		}
	}
	return report, nil
}

// RequireText rejects empty or whitespace-only plain-text output.
func RequireText(agentName, raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", kerrors.ErrAgentOutput(agentName, "empty response")
	}
	return text, nil
}
