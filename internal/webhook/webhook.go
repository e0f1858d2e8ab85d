// Package webhook routes inbound tracker webhooks back into the chat
// platform. Events pass a guard chain before anything is posted; everything
// rejected is reported with a reason rather than an error.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/forumbridge/forumbridge/internal/mapping"
	"github.com/forumbridge/forumbridge/internal/resolver"
)

// payload covers the fields used from issues and issue_comment events.
type payload struct {
	Action string `json:"action"`
	Issue  struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		State   string `json:"state"`
		HTMLURL string `json:"html_url"`
		Labels  []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"issue"`
	Label *struct {
		Name string `json:"name"`
	} `json:"label"`
	Comment *struct {
		ID      int64  `json:"id"`
		Body    string `json:"body"`
		HTMLURL string `json:"html_url"`
		User    struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"comment"`
	Repository *struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

func (p *payload) hasSyncLabel() bool {
	for _, l := range p.Issue.Labels {
		if l.Name == resolver.SyncLabel {
			return true
		}
	}
	return false
}

var issueActions = map[string]bool{
	"closed": true, "reopened": true, "labeled": true, "unlabeled": true,
}

var commentActions = map[string]bool{
	"created": true, "edited": true, "deleted": true,
}

// Router turns raw webhook deliveries into chat notifications.
type Router struct {
	maps       *mapping.Store
	dispatcher *Dispatcher
	logger     zerolog.Logger
}

// NewRouter builds a router over the mapping store and dispatcher.
func NewRouter(maps *mapping.Store, dispatcher *Dispatcher, logger zerolog.Logger) *Router {
	return &Router{maps: maps, dispatcher: dispatcher, logger: logger}
}

// Handle processes one delivery. It returns whether the event resulted in a
// chat notification, plus the rejection reason when it did not. Malformed
// JSON is the only error case.
func (r *Router) Handle(ctx context.Context, event string, body []byte) (bool, string, error) {
	switch event {
	case "ping":
		return true, "pong", nil
	case "issues", "issue_comment":
	default:
		r.logger.Debug().Str("event", event).Msg("unsupported webhook event")
		return false, "unsupported event: " + event, nil
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return false, "", fmt.Errorf("parsing webhook payload: %w", err)
	}

	if p.Action == "" || p.Repository == nil {
		r.logger.Debug().Str("event", event).Msg("webhook payload missing action or repository")
		return false, "malformed payload: action and repository required", nil
	}

	if !p.hasSyncLabel() {
		r.logger.Debug().Int("issue", p.Issue.Number).Msg("issue not managed by sync")
		return false, "issue not labeled " + resolver.SyncLabel, nil
	}

	threadID, ok := r.maps.ThreadForIssue(p.Issue.Number)
	if !ok {
		r.logger.Debug().Int("issue", p.Issue.Number).Msg("no thread mapped to issue")
		return false, fmt.Sprintf("no thread mapped to issue %d", p.Issue.Number), nil
	}

	if event == "issues" {
		return r.handleIssue(ctx, threadID, &p)
	}
	return r.handleComment(ctx, threadID, &p)
}

func (r *Router) handleIssue(ctx context.Context, threadID string, p *payload) (bool, string, error) {
	if !issueActions[p.Action] {
		return false, "ignored issue action: " + p.Action, nil
	}
	if err := r.dispatcher.IssueChanged(ctx, threadID, p); err != nil {
		r.logger.Error().Str("thread", threadID).Err(err).Msg("issue notification failed")
		return false, "notification failed", nil
	}
	return true, "", nil
}

func (r *Router) handleComment(ctx context.Context, threadID string, p *payload) (bool, string, error) {
	if !commentActions[p.Action] {
		return false, "ignored comment action: " + p.Action, nil
	}
	if p.Comment == nil {
		return false, "comment payload missing", nil
	}
	// Comments the engine itself wrote carry the sync marker and come back
	// around through the webhook. Posting those into the thread again would
	// ping-pong forever.
	if strings.Contains(p.Comment.Body, resolver.SyncMarker) {
		r.logger.Debug().Int64("comment", p.Comment.ID).Msg("skipping own comment echo")
		return false, "own comment echo", nil
	}
	if err := r.dispatcher.CommentChanged(ctx, threadID, p); err != nil {
		r.logger.Error().Str("thread", threadID).Err(err).Msg("comment notification failed")
		return false, "notification failed", nil
	}
	return true, "", nil
}

// VerifySignature checks a GitHub-style X-Hub-Signature-256 header against
// the shared secret. An empty secret disables verification.
func VerifySignature(secret string, body []byte, header string) bool {
	if secret == "" {
		return true
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.TrimPrefix(header, prefix)))
}
