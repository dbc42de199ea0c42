package jobs

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perihelia/guildvault/pkg/database"
	"github.com/perihelia/guildvault/pkg/discord"
	"github.com/perihelia/guildvault/pkg/model"
	"github.com/perihelia/guildvault/pkg/scraper"
)

// stubClient serves a fixed guild out of memory. When gate is non-nil,
// Messages blocks until the gate closes or the context ends, which lets
// tests hold a job in the running state.
type stubClient struct {
	channels []model.Channel
	history  map[model.Snowflake][]discord.FetchedMessage
	gate     chan struct{}
}

func (c *stubClient) Guild(ctx context.Context, id model.Snowflake) (*model.Guild, error) {
	return &model.Guild{ID: id, Name: "stub", MemberCount: 3}, nil
}

func (c *stubClient) GuildChannels(ctx context.Context, id model.Snowflake) ([]model.Channel, error) {
	return append([]model.Channel(nil), c.channels...), nil
}

func (c *stubClient) Channel(ctx context.Context, id model.Snowflake) (*model.Channel, error) {
	for _, ch := range c.channels {
		if ch.ID == id {
			out := ch
			return &out, nil
		}
	}
	return nil, fmt.Errorf("unknown channel %s", id)
}

func (c *stubClient) Messages(ctx context.Context, channelID model.Snowflake, limit int, before, after model.Snowflake) ([]discord.FetchedMessage, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	hist := c.history[channelID]
	var out []discord.FetchedMessage
	switch {
	case !after.IsZero():
		for _, fm := range hist {
			if fm.Message.ID > after && len(out) < limit {
				out = append(out, fm)
			}
		}
	default:
		for i := len(hist) - 1; i >= 0 && len(out) < limit; i-- {
			if before.IsZero() || hist[i].Message.ID < before {
				out = append(out, hist[i])
			}
		}
	}
	return out, nil
}

func (c *stubClient) ActiveThreads(ctx context.Context, guildID model.Snowflake) ([]model.Channel, error) {
	return nil, nil
}

func (c *stubClient) ArchivedThreads(ctx context.Context, channelID model.Snowflake, private bool) ([]model.Channel, error) {
	return nil, nil
}

func (c *stubClient) Close() error { return nil }

func stubHistory(channelID model.Snowflake, n int) map[model.Snowflake][]discord.FetchedMessage {
	author := model.User{ID: 50, Username: "alice"}
	var hist []discord.FetchedMessage
	for i := 1; i <= n; i++ {
		hist = append(hist, discord.FetchedMessage{
			Message: model.Message{
				ID: model.Snowflake(i), ChannelID: channelID, AuthorID: author.ID,
				Content: fmt.Sprintf("m%d", i), SentAt: int64(i), Embeds: "[]",
			},
			Author: author,
		})
	}
	return map[model.Snowflake][]discord.FetchedMessage{channelID: hist}
}

func newTestRegistry(t *testing.T) *database.Registry {
	t.Helper()
	registry := database.NewRegistry()
	if _, err := registry.Register("sqlite", filepath.Join(t.TempDir(), "archive.db")); err != nil {
		t.Fatalf("register store: %v", err)
	}
	if err := registry.ConnectAll(context.Background()); err != nil {
		t.Fatalf("connect stores: %v", err)
	}
	t.Cleanup(func() { registry.CloseAll() })
	return registry
}

func newScrapeManager(t *testing.T, registry *database.Registry, client discord.Client) *ScrapeManager {
	t.Helper()
	m := NewScrapeManager(registry, "stub-token", scraper.Options{BatchSize: 50, RequestDelay: time.Nanosecond})
	m.connect = func(string) (discord.Client, error) { return client, nil }
	return m
}

func waitTerminal[T any](t *testing.T, status func() *T, terminal func(*T) bool) *T {
	t.Helper()
	var job *T
	require.Eventually(t, func() bool {
		job = status()
		return job != nil && terminal(job)
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func waitScrape(t *testing.T, m *ScrapeManager) *ScrapeJob {
	return waitTerminal(t, m.Status, func(j *ScrapeJob) bool { return j.Status.Terminal() })
}

func TestScrapeManagerRunsToCompletion(t *testing.T) {
	registry := newTestRegistry(t)
	client := &stubClient{
		channels: []model.Channel{{ID: 20, GuildID: 1, Name: "general", Kind: model.ChannelText}},
		history:  stubHistory(20, 5),
	}
	m := newScrapeManager(t, registry, client)
	assert.True(t, m.HasToken())

	job, err := m.Start(1, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, ScopeGuild, job.Scope)
	assert.Equal(t, "sqlite", job.Datasource)

	done := waitScrape(t, m)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.Result)
	assert.Equal(t, 5, done.Result.MessagesAdded)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	assert.Empty(t, done.Error)

	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, job.ID, history[0].ID)

	store, err := registry.Active()
	require.NoError(t, err)
	count, err := store.Repos().Messages.CountByChannel(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

func TestScrapeManagerSelectiveScope(t *testing.T) {
	registry := newTestRegistry(t)
	channels := make([]model.Channel, 0, 5)
	for i, name := range []string{"general", "random", "media", "dev", "lounge"} {
		channels = append(channels, model.Channel{
			ID: model.Snowflake(10 + i), GuildID: 1, Name: name, Kind: model.ChannelText,
		})
	}
	client := &stubClient{channels: channels, history: stubHistory(10, 4)}
	m := newScrapeManager(t, registry, client)

	job, err := m.Start(1, []model.Snowflake{10, 11})
	require.NoError(t, err)
	assert.Equal(t, ScopeChannels, job.Scope)

	done := waitScrape(t, m)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 2, done.Progress.ChannelsTotal)
	assert.Equal(t, 2, done.Progress.ChannelsDone)
	require.NotNil(t, done.Result)
	assert.Equal(t, 2, done.Result.ChannelsScraped)
	assert.Equal(t, 4, done.Result.MessagesAdded)

	store, err := registry.Active()
	require.NoError(t, err)
	repos := store.Repos()
	ctx := context.Background()
	for _, id := range []model.Snowflake{10, 11} {
		ch, err := repos.Channels.Get(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, ch)
	}
	for _, id := range []model.Snowflake{12, 13, 14} {
		ch, err := repos.Channels.Get(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, ch, "unselected channels stay untouched")
	}
}

func TestScrapeManagerValidation(t *testing.T) {
	registry := newTestRegistry(t)
	m := newScrapeManager(t, registry, &stubClient{})

	_, err := m.Start(0, nil)
	assert.Error(t, err)

	_, err = m.Start(1, []model.Snowflake{})
	assert.ErrorIs(t, err, ErrEmptyChannels)
}

func TestScrapeManagerRejectsConcurrentJobs(t *testing.T) {
	registry := newTestRegistry(t)
	client := &stubClient{
		channels: []model.Channel{{ID: 20, GuildID: 1, Name: "general", Kind: model.ChannelText}},
		history:  stubHistory(20, 3),
		gate:     make(chan struct{}),
	}
	m := newScrapeManager(t, registry, client)

	_, err := m.Start(1, nil)
	require.NoError(t, err)
	require.Eventually(t, m.Busy, time.Second, time.Millisecond)

	_, err = m.Start(1, nil)
	assert.ErrorIs(t, err, ErrBusy)

	close(client.gate)
	done := waitScrape(t, m)
	assert.Equal(t, StatusCompleted, done.Status)

	// A finished manager accepts the next job.
	_, err = m.Start(1, nil)
	require.NoError(t, err)
	waitScrape(t, m)
}

func TestScrapeManagerCancel(t *testing.T) {
	registry := newTestRegistry(t)
	client := &stubClient{
		channels: []model.Channel{{ID: 20, GuildID: 1, Name: "general", Kind: model.ChannelText}},
		history:  stubHistory(20, 3),
		gate:     make(chan struct{}),
	}
	m := newScrapeManager(t, registry, client)

	assert.False(t, m.Cancel(), "nothing to cancel yet")

	_, err := m.Start(1, nil)
	require.NoError(t, err)
	require.Eventually(t, m.Busy, time.Second, time.Millisecond)

	assert.True(t, m.Cancel())
	done := waitScrape(t, m)
	assert.Equal(t, StatusCancelled, done.Status)
	assert.False(t, m.Cancel(), "terminal jobs cannot be cancelled")
}

func TestScrapeManagerFailsWhenLoginFails(t *testing.T) {
	registry := newTestRegistry(t)
	m := NewScrapeManager(registry, "", scraper.Options{})
	m.connect = func(string) (discord.Client, error) { return nil, discord.ErrNoToken }
	assert.False(t, m.HasToken())

	_, err := m.Start(1, nil)
	require.NoError(t, err)

	done := waitScrape(t, m)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.Error, "no token")
}

func TestScrapeManagerHistoryBounded(t *testing.T) {
	registry := newTestRegistry(t)
	m := newScrapeManager(t, registry, &stubClient{})

	for i := 0; i < historyLimit+5; i++ {
		m.finish(&ScrapeJob{ID: fmt.Sprintf("job-%d", i)}, nil, nil)
	}

	history := m.History()
	require.Len(t, history, historyLimit)
	assert.Equal(t, fmt.Sprintf("job-%d", historyLimit+4), history[0].ID, "newest first")
}

func TestScrapeManagerLiveChannels(t *testing.T) {
	registry := newTestRegistry(t)
	client := &stubClient{
		channels: []model.Channel{{ID: 20, GuildID: 1, Name: "general", Kind: model.ChannelText}},
	}
	m := newScrapeManager(t, registry, client)

	live := m.LiveChannels(context.Background(), 1)
	require.Len(t, live, 1)
	assert.Equal(t, model.Snowflake(20), live[0].ID)

	m.connect = func(string) (discord.Client, error) { return nil, discord.ErrNoToken }
	assert.Nil(t, m.LiveChannels(context.Background(), 1))
}
