package agent

import (
	"context"
	"os/exec"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/randalmurphal/klyve/internal/errors"
)

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"prose", "Here you go:\n{\"a\":1}\nThanks!", `{"a":1}`},
		{"array", "result: [1,2]", `[1,2]`},
		{"no json", "nothing", "nothing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanJSON(tt.in))
		})
	}
}

func TestParsePlan(t *testing.T) {
	raw := "```json\n" + `{"development_plan":[
		{"micro_spec_id":"MS-1","task_description":"add store","component_name":"Store","component_type":"module","component_file_path":"store.go"},
		{"micro_spec_id":"MS-2","task_description":"add api","component_name":"API","component_type":"module","component_file_path":"api.go"}
	]}` + "\n```"

	tasks, err := ParsePlan(raw)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "MS-1", tasks[0].MicroSpecID)
	assert.Equal(t, "api.go", tasks[1].ComponentFilePath)
}

func TestParsePlan_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"not json", "I could not do it"},
		{"missing array", `{"plan":[]}`},
		{"empty array", `{"development_plan":[]}`},
		{"non object", `{"development_plan":["x"]}`},
		{"missing id", `{"development_plan":[{"task_description":"x","component_file_path":"a.go"}]}`},
		{"missing path", `{"development_plan":[{"micro_spec_id":"1","task_description":"x"}]}`},
		{"duplicate id", `{"development_plan":[
			{"micro_spec_id":"1","task_description":"x","component_file_path":"a.go"},
			{"micro_spec_id":"1","task_description":"y","component_file_path":"b.go"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan(tt.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, kerrors.ErrAgentInvalidOutput)
		})
	}
}

func TestParseImpact(t *testing.T) {
	valid := func(s string) bool { return s == "low" || s == "high" }

	rep, err := ParseImpact(`{"impact_rating":"High","impact_summary":"touches auth","impacted_artifact_ids":["a1","a2"]}`, valid)
	require.NoError(t, err)
	assert.Equal(t, "high", rep.Rating)
	assert.Equal(t, []string{"a1", "a2"}, rep.ImpactedArtifactIDs)

	for _, raw := range []string{
		`{"impact_summary":"x"}`,
		`{"impact_rating":"extreme","impact_summary":"x"}`,
		`{"impact_rating":"low"}`,
		`{"impact_rating":"low","impact_summary":"x","impacted_artifact_ids":"a1"}`,
		`nope`,
	} {
		_, err := ParseImpact(raw, valid)
		assert.ErrorIs(t, err, kerrors.ErrAgentInvalidOutput, raw)
	}
}

func TestRequireText(t *testing.T) {
	_, err := RequireText("preview", "  \n")
	assert.ErrorIs(t, err, kerrors.ErrAgentInvalidOutput)
	got, err := RequireText("preview", " ok ")
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestCLIGenerator(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx := context.Background()

	g := NewCLIGenerator("sh", []string{"-c", `printf '%s:' "$KLYVE_COMPLEXITY"; cat`}, time.Second, nil)
	out, err := g.Generate(ctx, "hello", ComplexityComplex)
	require.NoError(t, err)
	assert.Equal(t, "complex:hello", out)

	failing := NewCLIGenerator("sh", []string{"-c", "echo bad >&2; exit 3"}, time.Second, nil)
	_, err = failing.Generate(ctx, "x", ComplexitySimple)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")

	_, err = NewCLIGenerator("", nil, 0, nil).Generate(ctx, "x", ComplexitySimple)
	assert.True(t, kerrors.HasCode(err, kerrors.CodeConfigInvalid))
}

func TestGeneratorFunc(t *testing.T) {
	var g Generator = GeneratorFunc(func(ctx context.Context, prompt string, c Complexity) (string, error) {
		return prompt + string(c), nil
	})
	out, err := g.Generate(context.Background(), "p-", ComplexitySimple)
	require.NoError(t, err)
	assert.Equal(t, "p-simple", out)
}

func TestTruncateForError(t *testing.T) {
	assert.Equal(t, "short", truncateForError("short", 10))
	assert.Equal(t, "abc...[truncated]", truncateForError("abcdef", 3))

	// "é" is two bytes; a cut inside it backs off to the rune start
	got := truncateForError("aé-bbbb", 2)
	assert.Equal(t, "a...[truncated]", got)
	assert.True(t, utf8.ValidString(got))
}
