package webhook

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/forumbridge/forumbridge/internal/chat"
)

// excerptLimit caps how much of a comment body is quoted into the thread.
const excerptLimit = 1000

// resolvedEmoji marks a thread's first message when its issue gets closed.
const resolvedEmoji = "✅"

// Dispatcher formats tracker-side changes into chat notifications.
type Dispatcher struct {
	messenger chat.Messenger
	fetcher   chat.MessageFetcher
	logger    zerolog.Logger
}

// NewDispatcher builds a dispatcher. fetcher may be nil; the closed-issue
// indicator reaction is skipped without it.
func NewDispatcher(messenger chat.Messenger, fetcher chat.MessageFetcher, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{messenger: messenger, fetcher: fetcher, logger: logger}
}

// IssueChanged posts a state or label change summary into the thread.
func (d *Dispatcher) IssueChanged(ctx context.Context, threadID string, p *payload) error {
	n := chat.Notification{
		Actor: p.Sender.Login,
		Link:  p.Issue.HTMLURL,
	}
	switch p.Action {
	case "closed":
		n.Title = fmt.Sprintf("Issue #%d closed", p.Issue.Number)
		n.Body = "This post's issue was closed on the tracker."
	case "reopened":
		n.Title = fmt.Sprintf("Issue #%d reopened", p.Issue.Number)
		n.Body = "This post's issue was reopened on the tracker."
	case "labeled", "unlabeled":
		label := ""
		if p.Label != nil {
			label = p.Label.Name
		}
		verb := "added to"
		if p.Action == "unlabeled" {
			verb = "removed from"
		}
		n.Title = fmt.Sprintf("Issue #%d labels changed", p.Issue.Number)
		n.Body = fmt.Sprintf("Label `%s` was %s the issue.", label, verb)
	}

	if err := d.messenger.SendNotification(ctx, threadID, n); err != nil {
		return fmt.Errorf("sending issue notification: %w", err)
	}

	if p.Action == "closed" {
		d.markResolved(ctx, threadID)
	}
	return nil
}

// CommentChanged posts a comment create/edit/delete summary into the thread.
func (d *Dispatcher) CommentChanged(ctx context.Context, threadID string, p *payload) error {
	verb := map[string]string{
		"created": "commented on",
		"edited":  "edited a comment on",
		"deleted": "deleted a comment on",
	}[p.Action]

	n := chat.Notification{
		Title: fmt.Sprintf("%s %s issue #%d", p.Comment.User.Login, verb, p.Issue.Number),
		Actor: p.Comment.User.Login,
		Link:  p.Comment.HTMLURL,
	}
	if p.Action != "deleted" {
		n.Body = excerpt(p.Comment.Body)
	}

	if err := d.messenger.SendNotification(ctx, threadID, n); err != nil {
		return fmt.Errorf("sending comment notification: %w", err)
	}
	return nil
}

// markResolved reacts on the thread's first message so the resolution is
// visible without opening the tracker. Best effort.
func (d *Dispatcher) markResolved(ctx context.Context, threadID string) {
	if d.fetcher == nil {
		return
	}
	first, err := d.fetcher.FirstMessage(ctx, threadID)
	if err != nil || first == nil {
		if err != nil {
			d.logger.Debug().Str("thread", threadID).Err(err).Msg("first message lookup failed")
		}
		return
	}
	if err := d.messenger.React(ctx, threadID, first.ID, resolvedEmoji); err != nil {
		d.logger.Debug().Str("thread", threadID).Err(err).Msg("resolved reaction failed")
	}
}

func excerpt(body string) string {
	runes := []rune(body)
	if len(runes) > excerptLimit {
		return string(runes[:excerptLimit]) + "..."
	}
	return body
}
