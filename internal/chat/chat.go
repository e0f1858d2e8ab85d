// Package chat defines the types and interfaces through which the sync engine
// talks to the chat platform. The platform client itself (gateway connection,
// event subscription) lives outside this module; anything implementing these
// interfaces can drive the engine.
package chat

import (
	"context"
	"fmt"
	"time"
)

// Author identifies the writer of a message.
type Author struct {
	ID          string
	Username    string
	DisplayName string
	Bot         bool
}

// Name returns the display name when set, falling back to the username.
func (a Author) Name() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Username
}

// Thread is a forum post: a sub-conversation under a forum channel.
type Thread struct {
	ID       string
	Name     string
	GuildID  string
	ParentID string
	Locked   bool
	Archived bool
}

// Link returns the platform URL for the thread.
func (t Thread) Link() string {
	return fmt.Sprintf("https://discord.com/channels/%s/%s", t.GuildID, t.ID)
}

// Message is a single message inside a thread.
type Message struct {
	ID        string
	ThreadID  string
	GuildID   string
	Content   string
	Author    Author
	CreatedAt time.Time
}

// Link returns the platform URL for the message.
func (m Message) Link() string {
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", m.GuildID, m.ThreadID, m.ID)
}

// MessageEvent is delivered for message creation and deletion.
type MessageEvent struct {
	Message   Message
	Thread    Thread
	ForumName string
}

// ThreadEvent is delivered for thread creation and updates. Old is the
// zero value for creation events.
type ThreadEvent struct {
	Old       Thread
	New       Thread
	ForumName string
}

// ReactionEvent is delivered for reaction add/remove. It is ephemeral and
// never persisted.
type ReactionEvent struct {
	MessageID  string
	ThreadID   string
	ThreadName string
	Emoji      string
	ActorID    string
	ActorName  string
	Added      bool
}

// ThreadLister enumerates the threads of a forum channel.
type ThreadLister interface {
	ActiveThreads(ctx context.Context, channelID string) ([]Thread, error)
	ArchivedThreads(ctx context.Context, channelID string) ([]Thread, error)
	ChannelName(ctx context.Context, channelID string) (string, error)
}

// MessageFetcher reads historical messages from a thread. FetchMessages
// returns up to limit messages older than beforeID, newest first (the
// platform's native order); beforeID == "" starts from the newest message.
type MessageFetcher interface {
	FetchMessages(ctx context.Context, threadID string, limit int, beforeID string) ([]Message, error)
	FirstMessage(ctx context.Context, threadID string) (*Message, error)
}

// Notification is a formatted summary posted back into a thread when the
// tracker side changes.
type Notification struct {
	Title  string
	Body   string
	Actor  string
	Link   string
	Footer string
}

// Messenger posts notifications and reactions into threads.
type Messenger interface {
	SendNotification(ctx context.Context, threadID string, n Notification) error
	React(ctx context.Context, threadID, messageID, emoji string) error
}
