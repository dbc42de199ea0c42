package discord

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/perihelia/guildvault/pkg/model"
)

// threadPageLimit is the page size for archived thread listings.
const threadPageLimit = 100

// Session implements Client on top of a discordgo REST session. No gateway
// connection is opened; every call goes straight to the HTTP API, and 429
// responses are retried by discordgo itself.
type Session struct {
	raw *discordgo.Session
}

// Login builds a REST session from a bot token. The "Bot " prefix is added
// when the token does not already carry one.
func Login(token string) (*Session, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrNoToken
	}
	if !strings.HasPrefix(token, "Bot ") && !strings.HasPrefix(token, "Bearer ") {
		token = "Bot " + token
	}

	s, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.ShouldRetryOnRateLimit = true

	return &Session{raw: s}, nil
}

func (s *Session) Guild(ctx context.Context, guildID model.Snowflake) (*model.Guild, error) {
	g, err := s.raw.GuildWithCounts(guildID.String(), discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch guild %s: %w", guildID, err)
	}
	return guildFromDiscord(g), nil
}

func (s *Session) GuildChannels(ctx context.Context, guildID model.Snowflake) ([]model.Channel, error) {
	raw, err := s.raw.GuildChannels(guildID.String(), discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list channels of guild %s: %w", guildID, err)
	}

	channels := make([]model.Channel, 0, len(raw))
	for _, ch := range raw {
		channels = append(channels, *channelFromDiscord(ch))
	}
	return channels, nil
}

func (s *Session) Channel(ctx context.Context, channelID model.Snowflake) (*model.Channel, error) {
	ch, err := s.raw.Channel(channelID.String(), discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch channel %s: %w", channelID, err)
	}
	return channelFromDiscord(ch), nil
}

func (s *Session) Messages(ctx context.Context, channelID model.Snowflake, limit int, before, after model.Snowflake) ([]FetchedMessage, error) {
	if limit <= 0 || limit > MessagePageLimit {
		limit = MessagePageLimit
	}

	var beforeID, afterID string
	if !before.IsZero() {
		beforeID = before.String()
	}
	if !after.IsZero() {
		afterID = after.String()
	}

	raw, err := s.raw.ChannelMessages(channelID.String(), limit, beforeID, afterID, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch messages of channel %s: %w", channelID, err)
	}

	page := make([]FetchedMessage, 0, len(raw))
	for _, m := range raw {
		page = append(page, messageFromDiscord(channelID, m))
	}
	return page, nil
}

func (s *Session) ActiveThreads(ctx context.Context, guildID model.Snowflake) ([]model.Channel, error) {
	list, err := s.raw.GuildThreadsActive(guildID.String(), discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list active threads of guild %s: %w", guildID, err)
	}

	threads := make([]model.Channel, 0, len(list.Threads))
	for _, th := range list.Threads {
		threads = append(threads, *channelFromDiscord(th))
	}
	return threads, nil
}

func (s *Session) ArchivedThreads(ctx context.Context, channelID model.Snowflake, private bool) ([]model.Channel, error) {
	var (
		threads []model.Channel
		before  *time.Time
	)
	for {
		var (
			list *discordgo.ThreadsList
			err  error
		)
		if private {
			list, err = s.raw.ThreadsPrivateArchived(channelID.String(), before, threadPageLimit, discordgo.WithContext(ctx))
		} else {
			list, err = s.raw.ThreadsArchived(channelID.String(), before, threadPageLimit, discordgo.WithContext(ctx))
		}
		if err != nil {
			return threads, fmt.Errorf("list archived threads of channel %s: %w", channelID, err)
		}

		for _, th := range list.Threads {
			threads = append(threads, *channelFromDiscord(th))
		}
		if !list.HasMore || len(list.Threads) == 0 {
			return threads, nil
		}

		// The listing is ordered by archive timestamp, newest first; the
		// oldest entry of the page is the cursor for the next one.
		cursor := archiveCursor(list.Threads[len(list.Threads)-1])
		before = &cursor
	}
}

func (s *Session) Close() error {
	return s.raw.Close()
}

// archiveCursor picks the pagination cursor for an archived thread: its
// archive timestamp when known, the thread's creation time otherwise.
func archiveCursor(th *discordgo.Channel) time.Time {
	if th.ThreadMetadata != nil && !th.ThreadMetadata.ArchiveTimestamp.IsZero() {
		return th.ThreadMetadata.ArchiveTimestamp
	}
	if id, err := model.ParseSnowflake(th.ID); err == nil {
		return id.Time()
	}
	return time.Now().UTC()
}
