package jira

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/randalmurphal/klyve/internal/errors"
)

func TestNewClient_Validation(t *testing.T) {
	for _, cfg := range []ClientConfig{
		{Email: "a@b.com", APIToken: "tok"},
		{BaseURL: "https://x.atlassian.net", APIToken: "tok"},
		{BaseURL: "https://x.atlassian.net", Email: "a@b.com"},
	} {
		_, err := NewClient(cfg)
		assert.True(t, kerrors.HasCode(err, kerrors.CodeConfigInvalid), "%+v", cfg)
	}

	c, err := NewClient(ClientConfig{BaseURL: "https://x.atlassian.net/", Email: "a@b.com", APIToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "https://x.atlassian.net/browse/X-1", c.BrowseURL("X-1"))
}

func searchPage(issues []map[string]any, next string) []byte {
	b, _ := json.Marshal(map[string]any{"issues": issues, "nextPageToken": next})
	return b
}

func TestSearch_PagesAndRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/search") {
			http.NotFound(w, r)
			return
		}
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "a@b.com", user)

		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case n == 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case r.URL.Query().Get("nextPageToken") == "":
			_, _ = w.Write(searchPage([]map[string]any{{
				"key": "P-1",
				"fields": map[string]any{
					"summary":   "accounts",
					"issuetype": map[string]any{"name": "Epic"},
					"status":    map[string]any{"name": "To Do", "statusCategory": map[string]any{"key": "new"}},
				},
			}}, "page2"))
		default:
			_, _ = w.Write(searchPage([]map[string]any{{
				"key": "P-2",
				"fields": map[string]any{
					"summary":   "login",
					"issuetype": map[string]any{"name": "Sub-task", "subtask": true},
					"parent":    map[string]any{"key": "P-1"},
					"priority":  map[string]any{"name": "High"},
				},
			}}, ""))
		}
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{BaseURL: srv.URL, Email: "a@b.com", APIToken: "tok", HTTPClient: srv.Client()})
	require.NoError(t, err)

	issues, err := c.Search(context.Background(), "project = P")
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.EqualValues(t, 3, calls.Load(), "one retry after the 503, then two pages")

	assert.Equal(t, "P-1", issues[0].Key)
	assert.Equal(t, "Epic", issues[0].IssueType)
	assert.Equal(t, "new", issues[0].StatusKey)
	assert.Equal(t, srv.URL+"/browse/P-1", issues[0].URL)

	assert.True(t, issues[1].IsSubtask)
	assert.Equal(t, "P-1", issues[1].ParentKey)
	assert.Equal(t, "High", issues[1].Priority)
}

func TestSearch_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{BaseURL: srv.URL, Email: "a@b.com", APIToken: "tok", HTTPClient: srv.Client()})
	require.NoError(t, err)
	_, err = c.Search(context.Background(), "bad jql")
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestConvert_NilFields(t *testing.T) {
	c := &Client{baseURL: "https://x"}
	assert.Equal(t, Issue{}, c.convert(nil))
	got := c.convert(&models.IssueScheme{Key: "P-1"})
	assert.Equal(t, "P-1", got.Key)
	assert.Empty(t, got.Summary)
}

func TestADFToMarkdown(t *testing.T) {
	text := func(s string, marks ...string) *models.CommentNodeScheme {
		n := &models.CommentNodeScheme{Type: "text", Text: s}
		for _, m := range marks {
			n.Marks = append(n.Marks, &models.MarkScheme{Type: m})
		}
		return n
	}
	para := func(c ...*models.CommentNodeScheme) *models.CommentNodeScheme {
		return &models.CommentNodeScheme{Type: "paragraph", Content: c}
	}
	item := func(s string) *models.CommentNodeScheme {
		return &models.CommentNodeScheme{Type: "listItem", Content: []*models.CommentNodeScheme{para(text(s))}}
	}
	doc := &models.CommentNodeScheme{Type: "doc", Content: []*models.CommentNodeScheme{
		{Type: "heading", Attrs: map[string]interface{}{"level": float64(2)}, Content: []*models.CommentNodeScheme{text("Goal")}},
		para(text("Users "), text("must", "strong"), text(" log in.")),
		{Type: "bulletList", Content: []*models.CommentNodeScheme{item("email"), item("password")}},
		{Type: "codeBlock", Attrs: map[string]interface{}{"language": "go"}, Content: []*models.CommentNodeScheme{text("x := 1")}},
	}}

	want := "## Goal\n\nUsers **must** log in.\n\n- email\n- password\n\n```go\nx := 1\n```"
	assert.Equal(t, want, ADFToMarkdown(doc))
	assert.Empty(t, ADFToMarkdown(nil))
}
