// Package discord wraps the Discord REST API behind a small capability
// interface so the scraper and job managers can be tested without network
// access.
package discord

import (
	"context"
	"errors"

	"github.com/perihelia/guildvault/pkg/model"
)

// ErrNoToken is returned by Login when no credential is configured.
var ErrNoToken = errors.New("discord: no token provided")

// MessagePageLimit is the largest page the message history endpoint serves.
const MessagePageLimit = 100

// FetchedMessage is one message from the history endpoint together with
// everything the archive stores about it.
type FetchedMessage struct {
	Message     model.Message
	Author      model.User
	Attachments []model.Attachment
	Reactions   []model.Reaction
}

// Client is the surface of the Discord API the archiver depends on.
// Implementations must be safe for use from a single goroutine; the
// scraper never calls a client concurrently.
type Client interface {
	// Guild fetches guild metadata, including an approximate member count.
	Guild(ctx context.Context, guildID model.Snowflake) (*model.Guild, error)

	// GuildChannels lists every channel in the guild, categories included.
	GuildChannels(ctx context.Context, guildID model.Snowflake) ([]model.Channel, error)

	// Channel fetches a single channel or thread by id.
	Channel(ctx context.Context, channelID model.Snowflake) (*model.Channel, error)

	// Messages fetches up to limit messages from a channel. A non-zero
	// before returns messages older than that id (newest first); a
	// non-zero after returns messages newer than that id (oldest first).
	Messages(ctx context.Context, channelID model.Snowflake, limit int, before, after model.Snowflake) ([]FetchedMessage, error)

	// ActiveThreads lists the guild's currently active threads.
	ActiveThreads(ctx context.Context, guildID model.Snowflake) ([]model.Channel, error)

	// ArchivedThreads lists a channel's archived threads, following the
	// archive-timestamp cursor until the listing is exhausted.
	ArchivedThreads(ctx context.Context, channelID model.Snowflake, private bool) ([]model.Channel, error)

	// Close releases the underlying session.
	Close() error
}
