package chat

import (
	"context"

	"github.com/rs/zerolog"
)

// NopMessenger logs notifications instead of delivering them. It stands in
// until a real platform client is wired through the Messenger interface.
type NopMessenger struct {
	Logger zerolog.Logger
}

func (m NopMessenger) SendNotification(ctx context.Context, threadID string, n Notification) error {
	m.Logger.Warn().
		Str("thread", threadID).
		Str("title", n.Title).
		Msg("no platform client wired, notification dropped")
	return nil
}

func (m NopMessenger) React(ctx context.Context, threadID, messageID, emoji string) error {
	m.Logger.Warn().
		Str("thread", threadID).
		Str("message", messageID).
		Msg("no platform client wired, reaction dropped")
	return nil
}

// NopPlatform is a ThreadLister and MessageFetcher that sees an empty
// platform. Backfill over it completes with zero work.
type NopPlatform struct{}

func (NopPlatform) ActiveThreads(ctx context.Context, channelID string) ([]Thread, error) {
	return nil, nil
}

func (NopPlatform) ArchivedThreads(ctx context.Context, channelID string) ([]Thread, error) {
	return nil, nil
}

func (NopPlatform) ChannelName(ctx context.Context, channelID string) (string, error) {
	return "", nil
}

func (NopPlatform) FetchMessages(ctx context.Context, threadID string, limit int, beforeID string) ([]Message, error) {
	return nil, nil
}

func (NopPlatform) FirstMessage(ctx context.Context, threadID string) (*Message, error) {
	return nil, nil
}
