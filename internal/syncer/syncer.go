// Package syncer is the forum-to-tracker direction of the engine. It turns
// chat events into tracker operations, keeps the mapping store current, and
// mirrors content into the relational store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/forumbridge/forumbridge/internal/chat"
	"github.com/forumbridge/forumbridge/internal/config"
	"github.com/forumbridge/forumbridge/internal/mapping"
	"github.com/forumbridge/forumbridge/internal/resolver"
	"github.com/forumbridge/forumbridge/internal/store"
	"github.com/forumbridge/forumbridge/internal/tracker"
)

const (
	closeReason  = "Post closed."
	reopenReason = "Post reopened."

	// syncedEmoji is added to a thread's first message once its issue exists.
	syncedEmoji = "🔗"
)

// emojiToReaction maps chat emoji to the tracker's reaction vocabulary.
// Unlisted emoji are not synchronized.
var emojiToReaction = map[string]string{
	"👍": "+1", "✅": "+1",
	"👎": "-1", "❌": "-1",
	"😄": "laugh", "😂": "laugh",
	"🎉": "hooray", "💯": "hooray", "👏": "hooray",
	"😕": "confused", "😭": "confused",
	"❤️": "heart", "😍": "heart", "💖": "heart", "💜": "heart",
	"💙": "heart", "💚": "heart", "💛": "heart", "🧡": "heart",
	"🚀": "rocket", "🔥": "rocket",
	"👀": "eyes",
}

// ReactionFor returns the tracker reaction name for a chat emoji.
func ReactionFor(emoji string) (string, bool) {
	content, ok := emojiToReaction[emoji]
	return content, ok
}

// Orchestrator consumes chat events and drives the tracker gateway.
type Orchestrator struct {
	cfg       *config.Config
	maps      *mapping.Store
	gw        *tracker.Client
	res       *resolver.Resolver
	fetcher   chat.MessageFetcher
	messenger chat.Messenger
	mirror    store.MirrorStore
	botUserID string
	logger    zerolog.Logger
}

// New builds the orchestrator. fetcher and messenger may be nil in contexts
// that only process events carrying their own payloads.
func New(cfg *config.Config, maps *mapping.Store, gw *tracker.Client, res *resolver.Resolver,
	fetcher chat.MessageFetcher, messenger chat.Messenger, mirror store.MirrorStore,
	botUserID string, logger zerolog.Logger) *Orchestrator {
	if mirror == nil {
		mirror = store.NopStore{}
	}
	return &Orchestrator{
		cfg:       cfg,
		maps:      maps,
		gw:        gw,
		res:       res,
		fetcher:   fetcher,
		messenger: messenger,
		mirror:    mirror,
		botUserID: botUserID,
		logger:    logger,
	}
}

func (o *Orchestrator) trackerEnabled(forum config.ForumChannel) bool {
	return o.cfg.Tracker.Enabled && o.gw.Enabled() && forum.TrackerSync
}

// syncableBotMessage reports whether a bot-authored message should still be
// mirrored to the tracker. Task announcements and the engine's own
// close/reopen notices qualify; everything else from bots is dropped.
func syncableBotMessage(content string) bool {
	if strings.Contains(content, "task_name:") &&
		strings.Contains(content, "complexity:") &&
		strings.Contains(content, "due_date:") {
		return true
	}
	return strings.Contains(content, closeReason) || strings.Contains(content, reopenReason)
}

// HandleMessageCreate mirrors a new chat message as an issue comment.
func (o *Orchestrator) HandleMessageCreate(ctx context.Context, ev chat.MessageEvent) error {
	forum, ok := o.cfg.ForumByID(ev.Thread.ParentID)
	if !ok {
		return nil
	}

	if !ev.Message.Author.Bot {
		o.mirrorMessage(ctx, ev, forum)
	}

	if !o.trackerEnabled(forum) {
		return nil
	}

	// A message carrying the sync marker originated on the tracker side and
	// was echoed back here. Syncing it again would loop forever.
	if strings.Contains(ev.Message.Content, resolver.SyncMarker) {
		o.logger.Debug().Str("message", ev.Message.ID).Msg("skipping marker echo")
		return nil
	}

	if ev.Message.Author.Bot && !syncableBotMessage(ev.Message.Content) {
		o.logger.Debug().Str("message", ev.Message.ID).Msg("skipping bot message")
		return nil
	}

	firstMsg := o.firstMessage(ctx, ev.Thread.ID, &ev.Message)
	num, created, err := o.res.EnsureIssue(ctx, ev.Thread, forum.Name, firstMsg)
	if err != nil {
		return fmt.Errorf("resolving issue for thread %s: %w", ev.Thread.ID, err)
	}

	// The first message becomes the issue body on creation; commenting it
	// too would duplicate the content.
	if created && firstMsg != nil && firstMsg.ID == ev.Message.ID {
		return nil
	}

	return o.commentMessage(ctx, ev.Message, num)
}

// HandleMessageDelete removes the mapped issue comment for a deleted
// message. Unmapped deletions are ignored.
func (o *Orchestrator) HandleMessageDelete(ctx context.Context, ev chat.MessageEvent) error {
	if err := o.mirror.DeleteMessage(ctx, ev.Message.ID); err != nil {
		o.logger.Warn().Str("message", ev.Message.ID).Err(err).Msg("mirror delete failed")
	}

	commentID, ok := o.maps.CommentForMessage(ev.Message.ID)
	if !ok {
		o.logger.Debug().Str("message", ev.Message.ID).Msg("deleted message had no comment mapping")
		return nil
	}

	id, err := strconv.ParseInt(commentID, 10, 64)
	if err != nil {
		o.maps.Delete(mapping.KindComment, ev.Message.ID)
		return fmt.Errorf("corrupt comment mapping for message %s: %w", ev.Message.ID, err)
	}

	deleted, err := o.gw.DeleteComment(ctx, id)
	if errors.Is(err, tracker.ErrDisabled) {
		o.logger.Debug().Str("message", ev.Message.ID).Msg("tracker disabled, comment left in place")
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting comment %s: %w", commentID, err)
	}
	if deleted {
		o.maps.Delete(mapping.KindComment, ev.Message.ID)
	}
	return nil
}

// HandleThreadCreate waits for the first message to land, then makes sure
// the thread has a backing issue.
func (o *Orchestrator) HandleThreadCreate(ctx context.Context, ev chat.ThreadEvent) error {
	forum, ok := o.cfg.ForumByID(ev.New.ParentID)
	if !ok {
		return nil
	}

	if err := o.mirror.SavePost(ctx, store.Post{
		ThreadID:  ev.New.ID,
		ChannelID: ev.New.ParentID,
		Title:     ev.New.Name,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		o.logger.Warn().Str("thread", ev.New.ID).Err(err).Msg("mirror post failed")
	}

	if !o.trackerEnabled(forum) {
		return nil
	}

	// The platform fires thread creation before the starter message is
	// readable; give it a moment.
	delay := time.Duration(o.cfg.Settings.CheckDelayMS) * time.Millisecond
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	firstMsg := o.firstMessage(ctx, ev.New.ID, nil)
	num, created, err := o.res.EnsureIssue(ctx, ev.New, forum.Name, firstMsg)
	if err != nil {
		return fmt.Errorf("ensuring issue for thread %s: %w", ev.New.ID, err)
	}

	if created {
		o.replayFollowups(ctx, ev.New.ID, firstMsg, num)
		if o.messenger != nil && firstMsg != nil {
			if err := o.messenger.React(ctx, ev.New.ID, firstMsg.ID, syncedEmoji); err != nil {
				o.logger.Debug().Str("thread", ev.New.ID).Err(err).Msg("sync indicator reaction failed")
			}
		}
	}
	return nil
}

// HandleThreadUpdate closes or reopens the backing issue when the thread's
// archived or locked state flips.
func (o *Orchestrator) HandleThreadUpdate(ctx context.Context, ev chat.ThreadEvent) error {
	forum, ok := o.cfg.ForumByID(ev.New.ParentID)
	if !ok || !o.trackerEnabled(forum) {
		return nil
	}

	wasClosed := ev.Old.Archived || ev.Old.Locked
	isClosed := ev.New.Archived || ev.New.Locked
	if wasClosed == isClosed {
		return nil
	}

	num, found, err := o.res.Resolve(ctx, ev.New.ID, ev.New.Name)
	if err != nil {
		return fmt.Errorf("resolving issue for thread %s: %w", ev.New.ID, err)
	}
	if !found {
		o.logger.Debug().Str("thread", ev.New.ID).Msg("state change on unmapped thread")
		return nil
	}

	if isClosed {
		return o.gw.CloseIssue(ctx, num, closeReason)
	}
	return o.gw.ReopenIssue(ctx, num, reopenReason)
}

// HandleReaction mirrors a reaction add or remove onto the mapped comment,
// falling back to the issue itself for the thread's first message.
func (o *Orchestrator) HandleReaction(ctx context.Context, ev chat.ReactionEvent) error {
	if ev.ActorID != "" && ev.ActorID == o.botUserID {
		return nil
	}

	content, ok := ReactionFor(ev.Emoji)
	if !ok {
		o.logger.Debug().Str("emoji", ev.Emoji).Msg("emoji has no tracker reaction")
		return nil
	}

	if !o.cfg.Tracker.Enabled || !o.gw.Enabled() {
		return nil
	}

	target, ok := o.reactionTarget(ev)
	if !ok {
		o.logger.Debug().Str("message", ev.MessageID).Msg("reaction on unmapped message")
		return nil
	}

	if ev.Added {
		return o.gw.AddReaction(ctx, target, content)
	}
	return o.removeReaction(ctx, target, content)
}

func (o *Orchestrator) reactionTarget(ev chat.ReactionEvent) (tracker.ReactionTarget, bool) {
	if commentID, ok := o.maps.CommentForMessage(ev.MessageID); ok {
		if id, err := strconv.ParseInt(commentID, 10, 64); err == nil {
			return tracker.ReactionTarget{Type: tracker.TargetComment, ID: id}, true
		}
	}
	if num, ok := o.maps.IssueForThread(ev.ThreadID); ok {
		return tracker.ReactionTarget{Type: tracker.TargetIssue, ID: int64(num)}, true
	}
	return tracker.ReactionTarget{}, false
}

// removeReaction finds the gateway identity's reaction with the given
// content and deletes it. No matching reaction is a no-op.
func (o *Orchestrator) removeReaction(ctx context.Context, target tracker.ReactionTarget, content string) error {
	login, err := o.gw.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("looking up gateway identity: %w", err)
	}
	reactions, err := o.gw.ListReactions(ctx, target)
	if err != nil {
		return fmt.Errorf("listing reactions: %w", err)
	}
	for _, r := range reactions {
		if r.User == login && r.Content == content {
			return o.gw.RemoveReaction(ctx, target, r.ID)
		}
	}
	return nil
}

// SyncMessage mirrors one already-existing message as an issue comment.
// Backfill and the thread-create replay both use it.
func (o *Orchestrator) SyncMessage(ctx context.Context, msg chat.Message, issueNumber int) error {
	if _, ok := o.maps.CommentForMessage(msg.ID); ok {
		return nil
	}
	if strings.Contains(msg.Content, resolver.SyncMarker) {
		return nil
	}
	if msg.Author.Bot && !syncableBotMessage(msg.Content) {
		return nil
	}
	return o.commentMessage(ctx, msg, issueNumber)
}

func (o *Orchestrator) commentMessage(ctx context.Context, msg chat.Message, issueNumber int) error {
	comment, err := o.gw.CreateComment(ctx, issueNumber, o.formatComment(msg))
	if err != nil {
		return fmt.Errorf("creating comment on issue %d: %w", issueNumber, err)
	}
	o.maps.SetComment(msg.ID, strconv.FormatInt(comment.ID, 10))
	o.logger.Debug().
		Str("message", msg.ID).
		Int("issue", issueNumber).
		Int64("comment", comment.ID).
		Msg("message synced")
	return nil
}

func (o *Orchestrator) formatComment(msg chat.Message) string {
	content := msg.Content
	if max := o.cfg.Settings.MaxMessageLength; max > 0 {
		runes := []rune(content)
		if len(runes) > max {
			content = string(runes[:max]) + "..."
		}
	}
	// The marker makes the engine's own comments recognizable when they
	// echo back through the webhook.
	return fmt.Sprintf("**%s**: %s\n\n[View in Discord](%s)\n\n%s",
		msg.Author.Name(), content, msg.Link(), resolver.SyncMarker)
}

// replayFollowups comments any messages that were posted before the issue
// existed, skipping the first message that already became the body.
func (o *Orchestrator) replayFollowups(ctx context.Context, threadID string, firstMsg *chat.Message, issueNumber int) {
	if o.fetcher == nil {
		return
	}
	msgs, err := o.fetcher.FetchMessages(ctx, threadID, 100, "")
	if err != nil {
		o.logger.Warn().Str("thread", threadID).Err(err).Msg("followup fetch failed")
		return
	}
	// Native order is newest first; replay oldest first.
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		if firstMsg != nil && msg.ID == firstMsg.ID {
			continue
		}
		if err := o.SyncMessage(ctx, msg, issueNumber); err != nil {
			o.logger.Warn().Str("message", msg.ID).Err(err).Msg("followup sync failed")
		}
	}
}

func (o *Orchestrator) firstMessage(ctx context.Context, threadID string, fallback *chat.Message) *chat.Message {
	if o.fetcher == nil {
		return fallback
	}
	msg, err := o.fetcher.FirstMessage(ctx, threadID)
	if err != nil || msg == nil {
		if err != nil {
			o.logger.Debug().Str("thread", threadID).Err(err).Msg("first message fetch failed")
		}
		return fallback
	}
	return msg
}

func (o *Orchestrator) mirrorMessage(ctx context.Context, ev chat.MessageEvent, forum config.ForumChannel) {
	err := o.mirror.SaveMessage(ctx, store.Message{
		ID:         ev.Message.ID,
		ThreadID:   ev.Thread.ID,
		ChannelID:  ev.Thread.ParentID,
		AuthorID:   ev.Message.Author.ID,
		AuthorName: ev.Message.Author.Name(),
		Content:    ev.Message.Content,
		CreatedAt:  ev.Message.CreatedAt,
	})
	if err != nil {
		o.logger.Warn().Str("message", ev.Message.ID).Err(err).Msg("mirror save failed")
		return
	}
	if forum.Score > 0 {
		if err := o.mirror.AddScore(ctx, ev.Message.Author.ID, ev.Message.Author.Name(), forum.Score); err != nil {
			o.logger.Warn().Str("user", ev.Message.Author.ID).Err(err).Msg("score update failed")
		}
	}
}
