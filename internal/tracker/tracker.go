// Package tracker is the REST gateway to the issue tracker. It owns
// authentication, the REST endpoints, and retry classification; callers get
// typed results and never see transport details.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forumbridge/forumbridge/internal/retry"
)

const (
	acceptDefault   = "application/vnd.github.v3+json"
	acceptReactions = "application/vnd.github.squirrel-girl-preview+json"
	userAgent       = "forumbridge"
)

// ErrDisabled is returned by every operation on a client built without
// credentials. No network request is made; callers treat it as "sync off"
// rather than a transport failure.
var ErrDisabled = errors.New("tracker sync disabled")

// Issue is a tracker issue as seen by the rest of the engine.
type Issue struct {
	Number  int      `json:"number"`
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	State   string   `json:"state"`
	HTMLURL string   `json:"html_url"`
	Labels  []string `json:"-"`
}

// Comment is a tracker issue comment.
type Comment struct {
	ID      int64  `json:"id"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
}

// Reaction is one emoji reaction on an issue or comment.
type Reaction struct {
	ID      int64  `json:"id"`
	Content string `json:"content"`
	User    string `json:"-"`
}

// TargetType selects whether a reaction operation addresses an issue or a
// comment.
type TargetType string

const (
	TargetIssue   TargetType = "issue"
	TargetComment TargetType = "comment"
)

// ReactionTarget identifies the entity a reaction is attached to. ID is the
// issue number for issues and the comment ID for comments.
type ReactionTarget struct {
	Type TargetType
	ID   int64
}

// Client talks to one repository on one tracker instance.
type Client struct {
	token   string
	repo    string // owner/name
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
	retryCf retry.RetryConfig

	loginMu sync.Mutex
	login   string
}

// NewClient builds a gateway for the given repository. An empty token or
// repository yields a disabled client; callers check Enabled before syncing.
func NewClient(token, repository, baseURL string, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &Client{
		token:   token,
		repo:    repository,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
		retryCf: retry.TrackerRetryConfig(),
	}
}

// Enabled reports whether the client has credentials to sync with.
func (c *Client) Enabled() bool {
	return c.token != "" && c.repo != ""
}

// Repository returns the owner/name this client is bound to.
func (c *Client) Repository() string {
	return c.repo
}

func (c *Client) do(ctx context.Context, method, path, accept string, body, out interface{}, wantStatus ...int) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	for _, want := range wantStatus {
		if resp.StatusCode == want {
			if out != nil && resp.StatusCode != http.StatusNoContent {
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
				}
			}
			return resp.StatusCode, nil
		}
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return resp.StatusCode, fmt.Errorf("tracker %s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
}

// doRetry runs do under the tracker retry policy. The status code of the
// final attempt is returned even on failure so callers can special-case 404.
func (c *Client) doRetry(ctx context.Context, method, path, accept string, body, out interface{}, wantStatus ...int) (int, error) {
	var status int
	var lastErr error
	result := retry.RetryWithBackoff(ctx, c.retryCf, func() error {
		status, lastErr = c.do(ctx, method, path, accept, body, out, wantStatus...)
		return lastErr
	}, c.logger)
	if result.Success {
		return status, nil
	}
	return status, result.LastError
}

// CreateIssue opens a new issue with the given title, body and labels.
func (c *Client) CreateIssue(ctx context.Context, title, body string, labels []string) (*Issue, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	payload := map[string]interface{}{
		"title":  title,
		"body":   body,
		"labels": labels,
	}
	var issue apiIssue
	if _, err := c.doRetry(ctx, "POST", "/repos/"+c.repo+"/issues", acceptDefault, payload, &issue, http.StatusCreated); err != nil {
		return nil, err
	}
	c.logger.Info().Int("issue", issue.Number).Str("title", title).Msg("issue created")
	return issue.toIssue(), nil
}

// SearchIssues runs an issue search query scoped however the caller built it.
func (c *Client) SearchIssues(ctx context.Context, query string) ([]*Issue, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	path := "/search/issues?q=" + url.QueryEscape(query) + "&per_page=30"
	var result struct {
		Items []apiIssue `json:"items"`
	}
	if _, err := c.doRetry(ctx, "GET", path, acceptDefault, nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	issues := make([]*Issue, 0, len(result.Items))
	for _, it := range result.Items {
		issues = append(issues, it.toIssue())
	}
	return issues, nil
}

// GetIssue fetches one issue by number.
func (c *Client) GetIssue(ctx context.Context, number int) (*Issue, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	var issue apiIssue
	if _, err := c.doRetry(ctx, "GET", fmt.Sprintf("/repos/%s/issues/%d", c.repo, number), acceptDefault, nil, &issue, http.StatusOK); err != nil {
		return nil, err
	}
	return issue.toIssue(), nil
}

// CloseIssue closes an issue. When reason is non-empty it is posted as a
// comment first so the audit trail on the tracker side says why.
func (c *Client) CloseIssue(ctx context.Context, number int, reason string) error {
	return c.setIssueState(ctx, number, "closed", reason)
}

// ReopenIssue reopens a closed issue, optionally posting the reason first.
func (c *Client) ReopenIssue(ctx context.Context, number int, reason string) error {
	return c.setIssueState(ctx, number, "open", reason)
}

func (c *Client) setIssueState(ctx context.Context, number int, state, reason string) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	if reason != "" {
		if _, err := c.CreateComment(ctx, number, reason); err != nil {
			c.logger.Warn().Int("issue", number).Err(err).Msg("state-change comment failed")
		}
	}
	payload := map[string]string{"state": state}
	if _, err := c.doRetry(ctx, "PATCH", fmt.Sprintf("/repos/%s/issues/%d", c.repo, number), acceptDefault, payload, nil, http.StatusOK); err != nil {
		return err
	}
	c.logger.Info().Int("issue", number).Str("state", state).Msg("issue state updated")
	return nil
}

// CreateComment posts a comment on an issue.
func (c *Client) CreateComment(ctx context.Context, number int, body string) (*Comment, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	payload := map[string]string{"body": body}
	var comment Comment
	if _, err := c.doRetry(ctx, "POST", fmt.Sprintf("/repos/%s/issues/%d/comments", c.repo, number), acceptDefault, payload, &comment, http.StatusCreated); err != nil {
		return nil, err
	}
	return &comment, nil
}

// DeleteComment removes a comment. A 404 counts as success: the comment is
// gone either way, and the caller should clear its mapping.
func (c *Client) DeleteComment(ctx context.Context, commentID int64) (bool, error) {
	if !c.Enabled() {
		return false, ErrDisabled
	}
	status, err := c.doRetry(ctx, "DELETE", fmt.Sprintf("/repos/%s/issues/comments/%d", c.repo, commentID), acceptDefault, nil, nil, http.StatusNoContent)
	if err != nil {
		if status == http.StatusNotFound {
			c.logger.Debug().Int64("comment", commentID).Msg("comment already deleted")
			return true, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Client) reactionPath(target ReactionTarget) string {
	if target.Type == TargetComment {
		return fmt.Sprintf("/repos/%s/issues/comments/%d/reactions", c.repo, target.ID)
	}
	return fmt.Sprintf("/repos/%s/issues/%d/reactions", c.repo, target.ID)
}

// ListReactions returns the reactions on an issue or comment.
func (c *Client) ListReactions(ctx context.Context, target ReactionTarget) ([]*Reaction, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	var raw []struct {
		ID      int64  `json:"id"`
		Content string `json:"content"`
		User    struct {
			Login string `json:"login"`
		} `json:"user"`
	}
	if _, err := c.doRetry(ctx, "GET", c.reactionPath(target), acceptReactions, nil, &raw, http.StatusOK); err != nil {
		return nil, err
	}
	reactions := make([]*Reaction, 0, len(raw))
	for _, r := range raw {
		reactions = append(reactions, &Reaction{ID: r.ID, Content: r.Content, User: r.User.Login})
	}
	return reactions, nil
}

// AddReaction adds a reaction with the given tracker content name. The
// tracker deduplicates, so re-adding an existing reaction succeeds.
func (c *Client) AddReaction(ctx context.Context, target ReactionTarget, content string) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	payload := map[string]string{"content": content}
	_, err := c.doRetry(ctx, "POST", c.reactionPath(target), acceptReactions, payload, nil, http.StatusCreated, http.StatusOK)
	return err
}

// RemoveReaction deletes a reaction by its ID.
func (c *Client) RemoveReaction(ctx context.Context, target ReactionTarget, reactionID int64) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	path := c.reactionPath(target) + fmt.Sprintf("/%d", reactionID)
	_, err := c.doRetry(ctx, "DELETE", path, acceptReactions, nil, nil, http.StatusNoContent)
	return err
}

// CurrentUser returns the authenticated login, fetching it once and caching.
func (c *Client) CurrentUser(ctx context.Context) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	if c.login != "" {
		return c.login, nil
	}
	var user struct {
		Login string `json:"login"`
	}
	if _, err := c.doRetry(ctx, "GET", "/user", acceptDefault, nil, &user, http.StatusOK); err != nil {
		return "", err
	}
	c.login = user.Login
	return c.login, nil
}

// TestConnection verifies the token can see the configured repository.
func (c *Client) TestConnection(ctx context.Context) error {
	if !c.Enabled() {
		return fmt.Errorf("tracker sync disabled: missing token or repository")
	}
	var repo struct {
		FullName string `json:"full_name"`
	}
	if _, err := c.doRetry(ctx, "GET", "/repos/"+c.repo, acceptDefault, nil, &repo, http.StatusOK); err != nil {
		return fmt.Errorf("tracker connection check failed: %w", err)
	}
	c.logger.Info().Str("repository", repo.FullName).Msg("tracker connection verified")
	return nil
}

// apiIssue is the wire shape of an issue; labels arrive as objects.
type apiIssue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	Labels  []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

func (a apiIssue) toIssue() *Issue {
	labels := make([]string, 0, len(a.Labels))
	for _, l := range a.Labels {
		labels = append(labels, l.Name)
	}
	return &Issue{
		Number:  a.Number,
		Title:   a.Title,
		Body:    a.Body,
		State:   a.State,
		HTMLURL: a.HTMLURL,
		Labels:  labels,
	}
}
