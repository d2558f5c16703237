package jira

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	v3 "github.com/ctreminiom/go-atlassian/v2/jira/v3"
	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"

	kerrors "github.com/randalmurphal/klyve/internal/errors"
)

// ClientConfig holds the connection settings for a Jira Cloud site.
type ClientConfig struct {
	BaseURL  string
	Email    string
	APIToken string
	// HTTPClient overrides the default client with a 30s timeout.
	HTTPClient *http.Client
	// Retries bounds attempts per page on 429 and 5xx responses.
	Retries int
}

// Client wraps the go-atlassian v3 client.
type Client struct {
	jira    *v3.Client
	baseURL string
	retries int
}

// NewClient creates a client with basic auth. Missing settings fail with
// CONFIG_INVALID.
func NewClient(cfg ClientConfig) (*Client, error) {
	switch {
	case cfg.BaseURL == "":
		return nil, kerrors.ErrConfigInvalid("jira.base_url", "a Jira base URL is required")
	case cfg.Email == "":
		return nil, kerrors.ErrConfigInvalid("jira.email", "a Jira account email is required")
	case cfg.APIToken == "":
		return nil, kerrors.ErrConfigInvalid("jira.api_token", "a Jira API token is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	client, err := v3.New(hc, base)
	if err != nil {
		return nil, fmt.Errorf("create jira client: %w", err)
	}
	client.Auth.SetBasicAuth(cfg.Email, cfg.APIToken)
	client.Auth.SetUserAgent("klyve-jira-import/1.0")

	retries := cfg.Retries
	if retries < 1 {
		retries = 3
	}
	return &Client{jira: client, baseURL: base, retries: retries}, nil
}

var searchFields = []string{
	"summary", "description", "issuetype", "status", "priority",
	"labels", "parent", "created", "updated",
}

const pageSize = 50

// Search fetches every issue matching jql, following page tokens.
func (c *Client) Search(ctx context.Context, jql string) ([]Issue, error) {
	var all []Issue
	token := ""
	for {
		var (
			issues []*models.IssueScheme
			next   string
		)
		fetch := func() error {
			res, resp, err := c.jira.Issue.Search.SearchJQL(ctx, jql, searchFields, nil, pageSize, token)
			if err != nil {
				if resp != nil && !retryable(resp.StatusCode) {
					return backoff.Permanent(fmt.Errorf("jira search (status %d): %w", resp.StatusCode, err))
				}
				return fmt.Errorf("jira search: %w", err)
			}
			issues, next = res.Issues, res.NextPageToken
			return nil
		}
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 500 * time.Millisecond
		policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.retries-1)), ctx)
		if err := backoff.Retry(fetch, policy); err != nil {
			return nil, err
		}

		for _, is := range issues {
			all = append(all, c.convert(is))
		}
		if next == "" || len(issues) == 0 {
			return all, nil
		}
		token = next
	}
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// CheckAuth verifies the credentials.
func (c *Client) CheckAuth(ctx context.Context) error {
	_, resp, err := c.jira.MySelf.Details(ctx, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("jira auth check (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("jira auth check: %w", err)
	}
	return nil
}

// BrowseURL returns the human-facing URL of an issue.
func (c *Client) BrowseURL(key string) string {
	return c.baseURL + "/browse/" + key
}

func (c *Client) convert(is *models.IssueScheme) Issue {
	if is == nil {
		return Issue{}
	}
	out := Issue{Key: is.Key, URL: c.BrowseURL(is.Key)}
	f := is.Fields
	if f == nil {
		return out
	}
	out.Summary = f.Summary
	out.Description = ADFToMarkdown(f.Description)
	out.Labels = f.Labels
	if f.IssueType != nil {
		out.IssueType = f.IssueType.Name
		out.IsSubtask = f.IssueType.Subtask
	}
	if f.Status != nil {
		out.Status = f.Status.Name
		if f.Status.StatusCategory != nil {
			out.StatusKey = f.Status.StatusCategory.Key
		}
	}
	if f.Priority != nil {
		out.Priority = f.Priority.Name
	}
	if f.Parent != nil {
		out.ParentKey = f.Parent.Key
	}
	if f.Created != nil {
		out.Created = time.Time(*f.Created)
	}
	if f.Updated != nil {
		out.Updated = time.Time(*f.Updated)
	}
	return out
}
