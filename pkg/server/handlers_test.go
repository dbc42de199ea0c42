package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perihelia/guildvault/pkg/database"
	"github.com/perihelia/guildvault/pkg/discord"
	"github.com/perihelia/guildvault/pkg/jobs"
	"github.com/perihelia/guildvault/pkg/model"
	"github.com/perihelia/guildvault/pkg/scraper"
)

// fakeClient serves a fixed guild out of memory. When gate is non-nil,
// Messages blocks until the gate closes or the context ends, which lets
// tests hold a scrape in the running state.
type fakeClient struct {
	channels []model.Channel
	history  map[model.Snowflake][]discord.FetchedMessage
	gate     chan struct{}
}

func (c *fakeClient) Guild(ctx context.Context, id model.Snowflake) (*model.Guild, error) {
	return &model.Guild{ID: id, Name: "fake", MemberCount: 2}, nil
}

func (c *fakeClient) GuildChannels(ctx context.Context, id model.Snowflake) ([]model.Channel, error) {
	return append([]model.Channel(nil), c.channels...), nil
}

func (c *fakeClient) Channel(ctx context.Context, id model.Snowflake) (*model.Channel, error) {
	for _, ch := range c.channels {
		if ch.ID == id {
			out := ch
			return &out, nil
		}
	}
	return nil, fmt.Errorf("unknown channel %s", id)
}

func (c *fakeClient) Messages(ctx context.Context, channelID model.Snowflake, limit int, before, after model.Snowflake) ([]discord.FetchedMessage, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	hist := c.history[channelID]
	var out []discord.FetchedMessage
	for i := len(hist) - 1; i >= 0 && len(out) < limit; i-- {
		if before.IsZero() || hist[i].Message.ID < before {
			out = append(out, hist[i])
		}
	}
	if !after.IsZero() {
		out = nil
		for _, fm := range hist {
			if fm.Message.ID > after && len(out) < limit {
				out = append(out, fm)
			}
		}
	}
	return out, nil
}

func (c *fakeClient) ActiveThreads(ctx context.Context, guildID model.Snowflake) ([]model.Channel, error) {
	return nil, nil
}

func (c *fakeClient) ArchivedThreads(ctx context.Context, channelID model.Snowflake, private bool) ([]model.Channel, error) {
	return nil, nil
}

func (c *fakeClient) Close() error { return nil }

// testServer assembles a server over a temp sqlite store. Metrics stay nil
// so repeated tests don't trip duplicate Prometheus registration.
func testServer(t *testing.T) (*Server, *database.Store) {
	t.Helper()

	registry := database.NewRegistry()
	store, err := registry.Register("sqlite", filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	require.NoError(t, registry.ConnectAll(context.Background()))
	t.Cleanup(func() { registry.CloseAll() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	srv := &Server{
		config:    DefaultConfig(),
		registry:  registry,
		scrapes:   jobs.NewScrapeManager(registry, "", scraper.Options{BatchSize: 50, RequestDelay: time.Nanosecond}),
		downloads: jobs.NewDownloadManager(registry, t.TempDir()),
		transfers: jobs.NewTransferManager(registry),
		metrics:   nil,
		log:       log,
		startTime: time.Now(),
		shutdown:  make(chan struct{}),
	}
	return srv, store
}

// do runs one request through the full middleware + mux stack.
func do(t *testing.T, srv *Server, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.routes().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst))
}

// waitIdle polls until the manager's job reaches a terminal state.
func waitIdle(t *testing.T, busy func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !busy() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not finish in time")
}

// seedArchive writes one guild with a channel, two users, five messages,
// and one downloaded image attachment.
func seedArchive(t *testing.T, store *database.Store) {
	t.Helper()
	ctx := context.Background()
	repos := store.Repos()

	require.NoError(t, repos.Guilds.Upsert(ctx, &model.Guild{ID: 700, Name: "testguild", OwnerID: 50, MemberCount: 2}))
	require.NoError(t, repos.Channels.Upsert(ctx, &model.Channel{ID: 710, GuildID: 700, Name: "general", Kind: model.ChannelText}))
	require.NoError(t, repos.Users.Upsert(ctx, &model.User{ID: 50, Username: "alice"}))
	require.NoError(t, repos.Users.Upsert(ctx, &model.User{ID: 51, Username: "bob"}))
	for i := 1; i <= 5; i++ {
		author := model.Snowflake(50)
		if i%2 == 0 {
			author = 51
		}
		require.NoError(t, repos.Messages.Upsert(ctx, &model.Message{
			ID: model.Snowflake(i), ChannelID: 710, AuthorID: author,
			Content: fmt.Sprintf("message %d", i), SentAt: int64(i) * 1000,
		}))
	}
	require.NoError(t, repos.Attachments.Upsert(ctx, &model.Attachment{
		ID: 900, MessageID: 3, Filename: "cat.png", ContentType: "image/png",
		Size: 512, RemoteURL: "https://cdn.example/cat.png",
	}))
	local := "710/900.png"
	require.NoError(t, repos.Attachments.SetDownloadState(ctx, 900, model.DownloadDownloaded, &local))
}

func TestScrapeStartRequiresGuildID(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodPost, "/scrape/start", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestScrapeStartRejectsEmptyChannelList(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodPost, "/scrape/start", map[string]interface{}{
		"guild_id":    "700",
		"channel_ids": []string{},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]string
	decodeBody(t, w, &body)
	assert.Contains(t, body["error"], "must not be empty")
}

func TestScrapeStartConflictWhileRunning(t *testing.T) {
	srv, _ := testServer(t)
	gate := make(chan struct{})
	client := &fakeClient{
		channels: []model.Channel{{ID: 710, GuildID: 700, Name: "general", Kind: model.ChannelText}},
		history:  map[model.Snowflake][]discord.FetchedMessage{},
		gate:     gate,
	}
	srv.scrapes.SetClientFactory(func(string) (discord.Client, error) { return client, nil })

	w := do(t, srv, http.MethodPost, "/scrape/start", map[string]interface{}{"guild_id": "700"})
	require.Equal(t, http.StatusOK, w.Code)

	var job jobs.ScrapeJob
	decodeBody(t, w, &job)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.Snowflake(700), job.GuildID)

	w = do(t, srv, http.MethodPost, "/scrape/start", map[string]interface{}{"guild_id": "700"})
	assert.Equal(t, http.StatusConflict, w.Code)

	close(gate)
	srv.scrapes.Shutdown()
}

func TestScrapeStatusIdle(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodGet, "/scrape/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Busy       bool            `json:"busy"`
		CurrentJob *jobs.ScrapeJob `json:"current_job"`
		HasToken   bool            `json:"has_token"`
	}
	decodeBody(t, w, &body)
	assert.False(t, body.Busy)
	assert.Nil(t, body.CurrentJob)
	assert.False(t, body.HasToken)
}

func TestScrapeCancelWithoutJob(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodPost, "/scrape/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestScrapeRunAppearsInHistory(t *testing.T) {
	srv, _ := testServer(t)
	client := &fakeClient{
		channels: []model.Channel{{ID: 710, GuildID: 700, Name: "general", Kind: model.ChannelText}},
		history: map[model.Snowflake][]discord.FetchedMessage{
			710: {
				{
					Message: model.Message{ID: 1, ChannelID: 710, AuthorID: 50, Content: "hi", SentAt: 1000},
					Author:  model.User{ID: 50, Username: "alice"},
				},
			},
		},
	}
	srv.scrapes.SetClientFactory(func(string) (discord.Client, error) { return client, nil })

	w := do(t, srv, http.MethodPost, "/scrape/start", map[string]interface{}{"guild_id": "700"})
	require.Equal(t, http.StatusOK, w.Code)
	waitIdle(t, srv.scrapes.Busy)

	w = do(t, srv, http.MethodGet, "/scrape/history", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Jobs []jobs.ScrapeJob `json:"jobs"`
	}
	decodeBody(t, w, &body)
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, jobs.StatusCompleted, body.Jobs[0].Status)
	require.NotNil(t, body.Jobs[0].Result)
	assert.Equal(t, 1, body.Jobs[0].Result.MessagesAdded)
}

func TestScrapeGuildChannelsReadsArchiveOnly(t *testing.T) {
	srv, store := testServer(t)
	seedArchive(t, store)

	w := do(t, srv, http.MethodGet, "/scrape/guilds/700/channels", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		GuildID   model.Snowflake `json:"guild_id"`
		GuildName string          `json:"guild_name"`
		Channels  []model.Channel `json:"channels"`
		Total     int             `json:"total"`
	}
	decodeBody(t, w, &body)
	assert.Equal(t, model.Snowflake(700), body.GuildID)
	assert.Equal(t, "testguild", body.GuildName)
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "general", body.Channels[0].Name)
}

func TestScrapeAnalyzeWithoutToken(t *testing.T) {
	srv, store := testServer(t)
	seedArchive(t, store)

	w := do(t, srv, http.MethodGet, "/scrape/analyze/700", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		GuildID        model.Snowflake `json:"guild_id"`
		LiveComparison bool            `json:"live_comparison"`
		Channels       []struct {
			Status string `json:"status"`
		} `json:"channels"`
	}
	decodeBody(t, w, &body)
	assert.Equal(t, model.Snowflake(700), body.GuildID)
	// No token configured, so the report covers the archive side only.
	assert.False(t, body.LiveComparison)
	require.Len(t, body.Channels, 1)
	assert.Equal(t, "never_scraped", body.Channels[0].Status)
}

func TestDownloadEndpointsIdleAndRun(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodGet, "/downloads/job", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var idle map[string]string
	decodeBody(t, w, &idle)
	assert.Equal(t, "idle", idle["status"])

	w = do(t, srv, http.MethodPost, "/downloads/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Nothing pending: the job completes immediately with zero items.
	w = do(t, srv, http.MethodPost, "/downloads/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	waitIdle(t, srv.downloads.Busy)

	w = do(t, srv, http.MethodGet, "/downloads/job", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var job jobs.DownloadJob
	decodeBody(t, w, &job)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
}

func TestTransferNeedsBothDatasources(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodPost, "/transfer/start", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTransferCopiesArchive(t *testing.T) {
	srv, store := testServer(t)
	seedArchive(t, store)

	// Second store registered under the postgres slot; sqlite-backed so the
	// test runs without a server.
	target, err := srv.registry.Register("postgres", filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	require.NoError(t, target.Connect(context.Background()))

	w := do(t, srv, http.MethodPost, "/transfer/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	waitIdle(t, srv.transfers.Busy)

	w = do(t, srv, http.MethodGet, "/transfer/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var job jobs.TransferJob
	decodeBody(t, w, &job)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, "sqlite", job.Source)
	assert.Equal(t, "postgres", job.Target)

	guilds, err := target.Repos().Guilds.List(context.Background())
	require.NoError(t, err)
	require.Len(t, guilds, 1)
	assert.Equal(t, "testguild", guilds[0].Name)

	n, err := target.Repos().Messages.CountByChannel(context.Background(), 710)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestTransferCancelWithoutJob(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodPost, "/transfer/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDatasourceSwitching(t *testing.T) {
	srv, _ := testServer(t)
	target, err := srv.registry.Register("postgres", filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	require.NoError(t, target.Connect(context.Background()))

	w := do(t, srv, http.MethodGet, "/datasource", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Active  string `json:"active"`
		Sources map[string]struct {
			Label     string `json:"label"`
			Detail    string `json:"detail"`
			Available bool   `json:"available"`
		} `json:"sources"`
	}
	decodeBody(t, w, &body)
	assert.Equal(t, "sqlite", body.Active)
	require.Len(t, body.Sources, 2)
	assert.True(t, body.Sources["sqlite"].Available)
	assert.True(t, body.Sources["postgres"].Available)

	w = do(t, srv, http.MethodPut, "/datasource", map[string]string{"active": "nonsense"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, http.MethodPut, "/datasource", map[string]string{"active": "postgres"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "postgres", srv.registry.ActiveName())
}

func TestGuildReadSurface(t *testing.T) {
	srv, store := testServer(t)
	seedArchive(t, store)

	w := do(t, srv, http.MethodGet, "/guilds", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Guilds []model.Guild `json:"guilds"`
		Total  int           `json:"total"`
	}
	decodeBody(t, w, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "testguild", list.Guilds[0].Name)

	w = do(t, srv, http.MethodGet, "/guilds/700", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var guild model.Guild
	decodeBody(t, w, &guild)
	assert.Equal(t, model.Snowflake(700), guild.ID)

	w = do(t, srv, http.MethodGet, "/guilds/999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, srv, http.MethodGet, "/guilds/700/channels", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var channels struct {
		Channels []model.Channel `json:"channels"`
		Total    int             `json:"total"`
	}
	decodeBody(t, w, &channels)
	assert.Equal(t, 1, channels.Total)

	w = do(t, srv, http.MethodGet, "/users/50", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var user model.User
	decodeBody(t, w, &user)
	assert.Equal(t, "alice", user.Username)

	w = do(t, srv, http.MethodGet, "/users/999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChannelMessagePaging(t *testing.T) {
	srv, store := testServer(t)
	seedArchive(t, store)

	w := do(t, srv, http.MethodGet, "/channels/710/messages?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Messages []model.Message `json:"messages"`
		Total    int             `json:"total"`
	}
	decodeBody(t, w, &page)
	require.Equal(t, 2, page.Total)
	assert.Equal(t, model.Snowflake(1), page.Messages[0].ID)
	assert.Equal(t, model.Snowflake(2), page.Messages[1].ID)

	w = do(t, srv, http.MethodGet, "/channels/710/messages?after=3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &page)
	require.Equal(t, 2, page.Total)
	assert.Equal(t, model.Snowflake(4), page.Messages[0].ID)

	w = do(t, srv, http.MethodGet, "/channels/710/messages?before=3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &page)
	require.Equal(t, 2, page.Total)
	assert.Equal(t, model.Snowflake(1), page.Messages[0].ID)
	assert.Equal(t, model.Snowflake(2), page.Messages[1].ID)

	w = do(t, srv, http.MethodGet, "/channels/710/messages?before=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGuildGalleryAndStats(t *testing.T) {
	srv, store := testServer(t)
	seedArchive(t, store)

	w := do(t, srv, http.MethodGet, "/guilds/700/gallery", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var gallery struct {
		Images []database.GalleryImage `json:"images"`
		Total  int                     `json:"total"`
	}
	decodeBody(t, w, &gallery)
	require.Equal(t, 1, gallery.Total)
	assert.Equal(t, "cat.png", gallery.Images[0].Filename)
	assert.Equal(t, "general", gallery.Images[0].ChannelName)
	assert.Equal(t, "710/900.png", gallery.Images[0].LocalPath)

	w = do(t, srv, http.MethodGet, "/guilds/700/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats database.GuildStats
	decodeBody(t, w, &stats)
	assert.Equal(t, int64(1), stats.Channels)
	assert.Equal(t, int64(5), stats.Messages)
	assert.Equal(t, int64(2), stats.Authors)
	assert.Equal(t, int64(1), stats.Attachments)
	require.Len(t, stats.TopChannels, 1)
	assert.Equal(t, int64(5), stats.TopChannels[0].Messages)
}

func TestSearchMessages(t *testing.T) {
	srv, store := testServer(t)
	seedArchive(t, store)

	w := do(t, srv, http.MethodGet, "/search?guild_id=700&q=message+3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var results struct {
		Results []database.SearchResult `json:"results"`
		Total   int                     `json:"total"`
	}
	decodeBody(t, w, &results)
	require.Equal(t, 1, results.Total)
	assert.Equal(t, model.Snowflake(3), results.Results[0].ID)
	assert.Equal(t, "alice", results.Results[0].AuthorName)

	// LIKE wildcards match literally.
	w = do(t, srv, http.MethodGet, "/search?guild_id=700&q=%25", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &results)
	assert.Equal(t, 0, results.Total)

	w = do(t, srv, http.MethodGet, "/search?guild_id=700", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, http.MethodGet, "/search?q=hello", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
