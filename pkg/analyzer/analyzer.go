// Package analyzer compares a guild's archive against its live channel
// listing and reports which channels still need scraping.
package analyzer

import (
	"context"
	"sort"

	"github.com/perihelia/guildvault/pkg/database"
	"github.com/perihelia/guildvault/pkg/model"
)

// ChannelStatus classifies one channel's archive freshness.
type ChannelStatus string

const (
	// StatusNew marks a live channel with no archive row at all.
	StatusNew ChannelStatus = "new"
	// StatusNeverScraped marks an archived channel no run has visited.
	StatusNeverScraped ChannelStatus = "never_scraped"
	// StatusHasNew marks a channel whose live tip is ahead of the archive.
	StatusHasNew ChannelStatus = "has_new_messages"
	// StatusUpToDate marks a fully archived channel.
	StatusUpToDate ChannelStatus = "up_to_date"
)

// ChannelReport is one channel's row in the analysis output.
type ChannelReport struct {
	ChannelID            model.Snowflake   `json:"channel_id"`
	Name                 string            `json:"name"`
	Kind                 model.ChannelKind `json:"kind"`
	ParentName           string            `json:"parent_name,omitempty"`
	Position             int               `json:"position"`
	Status               ChannelStatus     `json:"status"`
	ArchivedMessageCount int64             `json:"archived_message_count"`
	LastScrapedAt        *int64            `json:"last_scraped_at,omitempty"`
}

// Histogram counts channels per status.
type Histogram struct {
	New          int `json:"new"`
	NeverScraped int `json:"never_scraped"`
	HasNew       int `json:"has_new_messages"`
	UpToDate     int `json:"up_to_date"`
}

// Report is the outcome of analyzing one guild.
type Report struct {
	GuildID   model.Snowflake `json:"guild_id"`
	GuildName string          `json:"guild_name,omitempty"`
	Channels  []ChannelReport `json:"channels"`
	Summary   Histogram       `json:"summary"`
	// LiveComparison is false when no live listing was available and the
	// classification ran on archive data alone.
	LiveComparison bool `json:"live_comparison"`
}

// Analyze classifies every channel of the guild. live is the guild's
// current channel listing; pass nil when Discord is unreachable and the
// report will cover the archive side only. Rows are ordered by position,
// then id.
func Analyze(ctx context.Context, store *database.Store, guildID model.Snowflake, live []model.Channel) (*Report, error) {
	repos := store.Repos()

	report := &Report{GuildID: guildID, LiveComparison: live != nil}
	if guild, err := repos.Guilds.Get(ctx, guildID); err != nil {
		return nil, err
	} else if guild != nil {
		report.GuildName = guild.Name
	}

	persisted, err := repos.Channels.ListByGuild(ctx, guildID)
	if err != nil {
		return nil, err
	}
	archived := make(map[model.Snowflake]*model.Channel, len(persisted))
	for i := range persisted {
		archived[persisted[i].ID] = &persisted[i]
	}

	// Parent names resolve from the live listing first since categories
	// are never archived.
	names := make(map[model.Snowflake]string, len(live)+len(persisted))
	for _, ch := range persisted {
		names[ch.ID] = ch.Name
	}
	for _, ch := range live {
		names[ch.ID] = ch.Name
	}
	parentName := func(parent *model.Snowflake) string {
		if parent == nil {
			return ""
		}
		return names[*parent]
	}

	for _, ch := range live {
		if !ch.Kind.Scrapeable() {
			continue
		}
		row := ChannelReport{
			ChannelID:  ch.ID,
			Name:       ch.Name,
			Kind:       ch.Kind,
			ParentName: parentName(ch.ParentID),
			Position:   ch.Position,
		}

		stored, ok := archived[ch.ID]
		switch {
		case !ok:
			row.Status = StatusNew
		case stored.LastScrapedAt == nil:
			row.Status = StatusNeverScraped
		case behindLive(stored, &ch):
			row.Status = StatusHasNew
		default:
			row.Status = StatusUpToDate
		}
		if ok {
			row.ArchivedMessageCount = stored.MessageCount
			row.LastScrapedAt = stored.LastScrapedAt
			delete(archived, ch.ID)
		}
		report.Channels = append(report.Channels, row)
	}

	// Whatever is left exists only in the archive: channels deleted on
	// Discord, threads absent from the listing, or the whole guild when no
	// live listing was available.
	for _, stored := range archived {
		row := ChannelReport{
			ChannelID:            stored.ID,
			Name:                 stored.Name,
			Kind:                 stored.Kind,
			ParentName:           parentName(stored.ParentID),
			Position:             stored.Position,
			ArchivedMessageCount: stored.MessageCount,
			LastScrapedAt:        stored.LastScrapedAt,
		}
		if stored.LastScrapedAt == nil {
			row.Status = StatusNeverScraped
		} else {
			row.Status = StatusUpToDate
		}
		report.Channels = append(report.Channels, row)
	}

	sort.Slice(report.Channels, func(i, j int) bool {
		a, b := report.Channels[i], report.Channels[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.ChannelID < b.ChannelID
	})

	for _, row := range report.Channels {
		switch row.Status {
		case StatusNew:
			report.Summary.New++
		case StatusNeverScraped:
			report.Summary.NeverScraped++
		case StatusHasNew:
			report.Summary.HasNew++
		case StatusUpToDate:
			report.Summary.UpToDate++
		}
	}
	return report, nil
}

// behindLive reports whether the live channel tip is ahead of the archived
// cursor. Channels with no live messages are never behind.
func behindLive(stored, live *model.Channel) bool {
	if live.LastMessageID == nil {
		return false
	}
	return stored.LastMessageID == nil || *stored.LastMessageID < *live.LastMessageID
}
