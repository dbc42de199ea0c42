// Package scraper walks a guild through the Discord history API and merges
// everything it finds into an archive store. Runs are incremental: each
// channel remembers the newest archived message id and later runs only pull
// what came after it.
package scraper

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/perihelia/guildvault/pkg/database"
	"github.com/perihelia/guildvault/pkg/discord"
	"github.com/perihelia/guildvault/pkg/model"
)

const (
	// DefaultBatchSize is how many messages one transaction flushes.
	DefaultBatchSize = 1000
	// DefaultRequestDelay paces history requests against the API.
	DefaultRequestDelay = 500 * time.Millisecond
)

// Options tune a scrape run. Zero values fall back to the defaults.
type Options struct {
	BatchSize    int
	RequestDelay time.Duration
}

// Progress is a point-in-time view of a running scrape, reported after
// every flushed batch and at channel boundaries.
type Progress struct {
	ChannelID        model.Snowflake `json:"channel_id"`
	CurrentChannel   string          `json:"current_channel"`
	ChannelsDone     int             `json:"channels_done"`
	ChannelsTotal    int             `json:"channels_total"`
	MessagesScraped  int             `json:"messages_scraped"`
	AttachmentsFound int             `json:"attachments_found"`
	Errors           []string        `json:"errors,omitempty"`
}

// ProgressFunc observes scrape progress. May be nil.
type ProgressFunc func(Progress)

// Summary is the outcome of one scrape run. Errors carries the per-channel
// and per-reaction failures that did not stop the run.
type Summary struct {
	GuildID          model.Snowflake `json:"guild_id"`
	ChannelsScraped  int             `json:"channels_scraped"`
	MessagesAdded    int             `json:"messages_added"`
	AttachmentsAdded int             `json:"attachments_added"`
	Errors           []string        `json:"errors,omitempty"`
}

// Scraper archives one guild at a time into a single store.
type Scraper struct {
	client  discord.Client
	store   *database.Store
	opts    Options
	limiter *rate.Limiter
	log     *logrus.Entry
}

// New builds a scraper over an authenticated client and the store the run
// should write to.
func New(client discord.Client, store *database.Store, opts Options) *Scraper {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.RequestDelay <= 0 {
		opts.RequestDelay = DefaultRequestDelay
	}
	return &Scraper{
		client:  client,
		store:   store,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.RequestDelay), 1),
		log:     logrus.WithField("component", "scraper"),
	}
}

// ScrapeGuild archives guildID. A nil channelIDs visits every scrapeable
// channel in the guild; otherwise only the given channels are visited. The
// returned summary is valid even when err is non-nil; err matches
// context.Canceled when the run was cancelled mid-flight, in which case
// every batch flushed so far stays committed.
func (s *Scraper) ScrapeGuild(ctx context.Context, guildID model.Snowflake, channelIDs []model.Snowflake, progress ProgressFunc) (*Summary, error) {
	summary := &Summary{GuildID: guildID}
	repos := s.store.Repos()

	if err := s.limiter.Wait(ctx); err != nil {
		return summary, err
	}
	guild, err := s.client.Guild(ctx, guildID)
	if err != nil {
		return summary, fmt.Errorf("fetch guild: %w", err)
	}
	if err := s.upsertGuild(ctx, repos, guild); err != nil {
		return summary, err
	}

	worklist, err := s.buildWorklist(ctx, guildID, channelIDs, summary)
	if err != nil {
		return summary, err
	}
	s.log.WithFields(logrus.Fields{
		"guild":    guildID,
		"channels": len(worklist),
	}).Info("starting guild scrape")

	for i := range worklist {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		ch := &worklist[i]
		if err := s.scrapeChannel(ctx, ch, i, len(worklist), summary, progress); err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			s.recordError(summary, fmt.Sprintf("channel %s (%s): %v", ch.Name, ch.ID, err))
			continue
		}
		summary.ChannelsScraped++
	}

	if err := s.finishGuild(ctx, repos, guild); err != nil {
		return summary, err
	}

	s.log.WithFields(logrus.Fields{
		"guild":       guildID,
		"channels":    summary.ChannelsScraped,
		"messages":    summary.MessagesAdded,
		"attachments": summary.AttachmentsAdded,
		"errors":      len(summary.Errors),
	}).Info("guild scrape finished")
	return summary, nil
}

// upsertGuild refreshes guild metadata while keeping the scrape counters
// from the stored row. first_scraped_at is set exactly once.
func (s *Scraper) upsertGuild(ctx context.Context, repos *database.Repos, guild *model.Guild) error {
	existing, err := repos.Guilds.Get(ctx, guild.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		guild.FirstScrapedAt = existing.FirstScrapedAt
		guild.LastScrapedAt = existing.LastScrapedAt
		guild.ScrapeCount = existing.ScrapeCount
	}
	if guild.FirstScrapedAt == nil {
		now := time.Now().UnixMilli()
		guild.FirstScrapedAt = &now
	}
	return repos.Guilds.Upsert(ctx, guild)
}

func (s *Scraper) finishGuild(ctx context.Context, repos *database.Repos, guild *model.Guild) error {
	now := time.Now().UnixMilli()
	guild.LastScrapedAt = &now
	guild.ScrapeCount++
	return repos.Guilds.Upsert(ctx, guild)
}

// buildWorklist resolves the set of channels to visit: the guild's full
// scrapeable listing or the caller's channel selection, followed by each
// channel's threads (active, then archived public, then archived private),
// deduplicated across sources.
func (s *Scraper) buildWorklist(ctx context.Context, guildID model.Snowflake, channelIDs []model.Snowflake, summary *Summary) ([]model.Channel, error) {
	var parents []model.Channel
	if channelIDs == nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		channels, err := s.client.GuildChannels(ctx, guildID)
		if err != nil {
			return nil, fmt.Errorf("list channels: %w", err)
		}
		for _, ch := range channels {
			if ch.Kind.Scrapeable() {
				parents = append(parents, ch)
			}
		}
	} else {
		for _, id := range channelIDs {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			ch, err := s.client.Channel(ctx, id)
			if err != nil {
				s.recordError(summary, fmt.Sprintf("channel %s: %v", id, err))
				continue
			}
			if !ch.Kind.Scrapeable() {
				continue
			}
			parents = append(parents, *ch)
		}
	}

	seen := make(map[model.Snowflake]bool, len(parents))
	for _, ch := range parents {
		seen[ch.ID] = true
	}
	worklist := parents

	owners := 0
	for _, ch := range parents {
		if ch.Kind.HasThreads() {
			owners++
		}
	}
	if owners == 0 {
		return worklist, nil
	}

	// Active threads come from one guild-level listing; archived ones are
	// paged per channel.
	activeByParent := make(map[model.Snowflake][]model.Channel)
	if err := s.limiter.Wait(ctx); err != nil {
		return worklist, err
	}
	active, err := s.client.ActiveThreads(ctx, guildID)
	if err != nil {
		s.recordError(summary, fmt.Sprintf("active threads: %v", err))
	}
	for _, th := range active {
		if th.ParentID == nil {
			continue
		}
		activeByParent[*th.ParentID] = append(activeByParent[*th.ParentID], th)
	}

	for _, parent := range parents {
		if !parent.Kind.HasThreads() {
			continue
		}
		for _, th := range activeByParent[parent.ID] {
			if seen[th.ID] {
				continue
			}
			seen[th.ID] = true
			worklist = append(worklist, th)
		}
		for _, private := range []bool{false, true} {
			if err := s.limiter.Wait(ctx); err != nil {
				return worklist, err
			}
			archived, err := s.client.ArchivedThreads(ctx, parent.ID, private)
			if err != nil {
				if ctx.Err() != nil {
					return worklist, ctx.Err()
				}
				s.recordError(summary, fmt.Sprintf("archived threads of %s (%s): %v", parent.Name, parent.ID, err))
				continue
			}
			for _, th := range archived {
				if seen[th.ID] {
					continue
				}
				seen[th.ID] = true
				worklist = append(worklist, th)
			}
		}
	}
	return worklist, nil
}

// scrapeChannel pulls a channel's history into the store. With a stored
// cursor it pages forward from it, oldest first; without one it pages
// backward from the newest message. Each batch commits in one transaction.
func (s *Scraper) scrapeChannel(ctx context.Context, live *model.Channel, index, total int, summary *Summary, progress ProgressFunc) error {
	repos := s.store.Repos()

	existing, err := repos.Channels.Get(ctx, live.ID)
	if err != nil {
		return err
	}

	// The stored cursor and counters only ever advance from archived
	// messages; the live listing's last-message pointer never touches them.
	ch := *live
	ch.LastMessageID = nil
	ch.MessageCount = 0
	ch.LastScrapedAt = nil
	if existing != nil {
		ch.MessageCount = existing.MessageCount
		ch.LastScrapedAt = existing.LastScrapedAt
		ch.LastMessageID = existing.LastMessageID
	}
	if err := repos.Channels.Upsert(ctx, &ch); err != nil {
		return err
	}

	var after model.Snowflake
	if ch.LastMessageID != nil {
		after = *ch.LastMessageID
	}
	backward := after.IsZero()

	report := func(done int) {
		if progress != nil {
			progress(Progress{
				ChannelID:        ch.ID,
				CurrentChannel:   ch.Name,
				ChannelsDone:     done,
				ChannelsTotal:    total,
				MessagesScraped:  summary.MessagesAdded,
				AttachmentsFound: summary.AttachmentsAdded,
				Errors:           append([]string(nil), summary.Errors...),
			})
		}
	}

	var (
		before       model.Snowflake
		pending      []discord.FetchedMessage
		newCount     int
		minID, maxID model.Snowflake
	)
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		var page []discord.FetchedMessage
		if backward {
			page, err = s.client.Messages(ctx, ch.ID, discord.MessagePageLimit, before, 0)
		} else {
			page, err = s.client.Messages(ctx, ch.ID, discord.MessagePageLimit, 0, after)
		}
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}

		for _, fm := range page {
			if fm.Message.ID > maxID {
				maxID = fm.Message.ID
			}
			if minID.IsZero() || fm.Message.ID < minID {
				minID = fm.Message.ID
			}
		}
		// Backward pages run newest to oldest, forward pages oldest to
		// newest; either way the last element is the next cursor.
		if backward {
			before = page[len(page)-1].Message.ID
		} else {
			after = page[len(page)-1].Message.ID
		}

		pending = append(pending, page...)
		if len(pending) >= s.opts.BatchSize {
			flushed, att, err := s.flush(ctx, pending, summary)
			newCount += flushed
			summary.MessagesAdded += flushed
			summary.AttachmentsAdded += att
			pending = pending[:0]
			if err != nil {
				return err
			}
			report(index)
		}

		if len(page) < discord.MessagePageLimit {
			break
		}
	}

	if len(pending) > 0 {
		flushed, att, err := s.flush(ctx, pending, summary)
		newCount += flushed
		summary.MessagesAdded += flushed
		summary.AttachmentsAdded += att
		if err != nil {
			return err
		}
	}
	// The closing report counts this channel as done.
	report(index + 1)

	s.log.WithFields(logrus.Fields{
		"channel": ch.ID,
		"new":     newCount,
		"min_id":  minID,
		"max_id":  maxID,
	}).Debug("channel scraped")

	if newCount == 0 {
		return repos.Channels.MarkScraped(ctx, ch.ID)
	}

	now := time.Now().UnixMilli()
	ch.MessageCount += int64(newCount)
	ch.LastScrapedAt = &now
	if ch.LastMessageID == nil || maxID > *ch.LastMessageID {
		cursor := maxID
		ch.LastMessageID = &cursor
	}
	return repos.Channels.Upsert(ctx, &ch)
}

// flush writes one batch in a single transaction: authors first, then
// messages, then attachments, then reactions. A failing reaction rolls back
// to its savepoint and is recorded; the rest of the batch still commits.
func (s *Scraper) flush(ctx context.Context, batch []discord.FetchedMessage, summary *Summary) (int, int, error) {
	var written, attachments int
	err := s.store.Tx(ctx, func(tx *sqlx.Tx) error {
		repos := database.NewRepos(tx)
		authors := make(map[model.Snowflake]bool)

		for i := range batch {
			fm := &batch[i]
			if fm.Author.ID.IsZero() {
				continue
			}

			if !authors[fm.Author.ID] {
				author := fm.Author
				if err := repos.Users.Upsert(ctx, &author); err != nil {
					return err
				}
				authors[fm.Author.ID] = true
			}

			msg := fm.Message
			if err := repos.Messages.Upsert(ctx, &msg); err != nil {
				return err
			}

			for _, a := range fm.Attachments {
				att := a
				prev, err := repos.Attachments.Get(ctx, att.ID)
				if err != nil {
					return err
				}
				if prev != nil {
					att.LocalPath = prev.LocalPath
					att.DownloadState = prev.DownloadState
				}
				if err := repos.Attachments.Upsert(ctx, &att); err != nil {
					return err
				}
				attachments++
			}

			for _, r := range fm.Reactions {
				reaction := r
				if err := database.Savepoint(ctx, tx, "reaction_unit"); err != nil {
					return err
				}
				if err := repos.Reactions.Upsert(ctx, &reaction); err != nil {
					if rbErr := database.RollbackTo(ctx, tx, "reaction_unit"); rbErr != nil {
						return rbErr
					}
					s.recordError(summary, fmt.Sprintf("reaction %q on message %s: %v", reaction.EmojiName, msg.ID, err))
					continue
				}
				if err := database.Release(ctx, tx, "reaction_unit"); err != nil {
					return err
				}
			}

			written++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return written, attachments, nil
}

func (s *Scraper) recordError(summary *Summary, msg string) {
	summary.Errors = append(summary.Errors, msg)
	s.log.Warn(msg)
}
