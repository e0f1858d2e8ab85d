// Package store mirrors forum content into Postgres and keeps per-user
// participation scores. Mirroring is best effort; the tracker sync paths
// never block on it.
package store

import (
	"context"
	"time"
)

// Message is a mirrored chat message.
type Message struct {
	ID         string
	ThreadID   string
	ChannelID  string
	AuthorID   string
	AuthorName string
	Content    string
	CreatedAt  time.Time
}

// Post is a mirrored forum post (the thread itself).
type Post struct {
	ThreadID  string
	ChannelID string
	Title     string
	AuthorID  string
	CreatedAt time.Time
}

// MirrorStore persists mirrored content and scores.
type MirrorStore interface {
	SaveMessage(ctx context.Context, m Message) error
	DeleteMessage(ctx context.Context, messageID string) error
	SavePost(ctx context.Context, p Post) error
	AddScore(ctx context.Context, userID, username string, points int) error
	Close()
}

// NopStore is the MirrorStore used when no database is configured.
type NopStore struct{}

func (NopStore) SaveMessage(context.Context, Message) error          { return nil }
func (NopStore) DeleteMessage(context.Context, string) error         { return nil }
func (NopStore) SavePost(context.Context, Post) error                { return nil }
func (NopStore) AddScore(context.Context, string, string, int) error { return nil }
func (NopStore) Close()                                              {}
