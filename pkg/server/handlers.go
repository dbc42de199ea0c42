package server

import (
	"errors"
	"net/http"

	"github.com/perihelia/guildvault/pkg/analyzer"
	"github.com/perihelia/guildvault/pkg/jobs"
	"github.com/perihelia/guildvault/pkg/model"
)

// transferSource and transferTarget fix the copy direction: the local
// sqlite archive feeds the postgres mirror.
const (
	transferSource = "sqlite"
	transferTarget = "postgres"
)

type scrapeStartRequest struct {
	GuildID model.Snowflake `json:"guild_id"`
	// ChannelIDs distinguishes absent (nil, scrape the whole guild) from
	// explicitly empty (rejected).
	ChannelIDs []model.Snowflake `json:"channel_ids"`
}

// handleScrapeStart launches a scrape job
func (s *Server) handleScrapeStart(w http.ResponseWriter, r *http.Request) {
	var req scrapeStartRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	job, err := s.scrapes.Start(req.GuildID, req.ChannelIDs)
	switch {
	case errors.Is(err, jobs.ErrBusy):
		respondError(w, http.StatusConflict, "a scrape job is already running")
		return
	case err != nil:
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// handleScrapeStatus reports the latest scrape job
func (s *Server) handleScrapeStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"busy":        s.scrapes.Busy(),
		"current_job": s.scrapes.Status(),
		"has_token":   s.scrapes.HasToken(),
	})
}

// handleScrapeCancel cancels the running scrape job
func (s *Server) handleScrapeCancel(w http.ResponseWriter, r *http.Request) {
	if !s.scrapes.Cancel() {
		respondError(w, http.StatusNotFound, "no scrape job is running")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "cancellation requested"})
}

// handleScrapeHistory lists finished scrape jobs, newest first
func (s *Server) handleScrapeHistory(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": s.scrapes.History(),
	})
}

// handleScrapeGuildChannels lists a guild's archived channels without
// touching Discord
func (s *Server) handleScrapeGuildChannels(w http.ResponseWriter, r *http.Request) {
	guildID, err := pathSnowflake(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	store, err := s.registry.Active()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	repos := store.Repos()

	guildName := ""
	if guild, err := repos.Guilds.Get(r.Context(), guildID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	} else if guild != nil {
		guildName = guild.Name
	}

	channels, err := repos.Channels.ListByGuild(r.Context(), guildID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"guild_id":   guildID,
		"guild_name": guildName,
		"channels":   channels,
		"total":      len(channels),
	})
}

// handleScrapeAnalyze compares a guild's archive against its live channel
// listing. Without a working token the report covers archive data only.
func (s *Server) handleScrapeAnalyze(w http.ResponseWriter, r *http.Request) {
	guildID, err := pathSnowflake(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	store, err := s.registry.Active()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	var live []model.Channel
	if s.scrapes.HasToken() {
		live = s.scrapes.LiveChannels(r.Context(), guildID)
	}

	report, err := analyzer.Analyze(r.Context(), store, guildID, live)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// handleDownloadStart launches an attachment download job
func (s *Server) handleDownloadStart(w http.ResponseWriter, r *http.Request) {
	job, err := s.downloads.Start()
	switch {
	case errors.Is(err, jobs.ErrBusy):
		respondError(w, http.StatusConflict, "a download job is already running")
		return
	case err != nil:
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// handleDownloadJob reports the latest download job
func (s *Server) handleDownloadJob(w http.ResponseWriter, r *http.Request) {
	job := s.downloads.Status()
	if job == nil {
		respondJSON(w, http.StatusOK, map[string]string{"status": "idle"})
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// handleDownloadCancel cancels the running download job
func (s *Server) handleDownloadCancel(w http.ResponseWriter, r *http.Request) {
	if !s.downloads.Cancel() {
		respondError(w, http.StatusNotFound, "no download job is running")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "cancellation requested"})
}

// handleTransferStart launches a sqlite-to-postgres copy job
func (s *Server) handleTransferStart(w http.ResponseWriter, r *http.Request) {
	if s.registry.Len() < 2 {
		respondError(w, http.StatusBadRequest, "transfer needs both datasources configured")
		return
	}
	job, err := s.transfers.Start(transferSource, transferTarget)
	switch {
	case errors.Is(err, jobs.ErrBusy):
		respondError(w, http.StatusConflict, "a transfer job is already running")
		return
	case err != nil:
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// handleTransferStatus reports the latest transfer job
func (s *Server) handleTransferStatus(w http.ResponseWriter, r *http.Request) {
	job := s.transfers.Status()
	if job == nil {
		respondJSON(w, http.StatusOK, map[string]string{"status": "idle"})
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// handleTransferCancel cancels the running transfer job
func (s *Server) handleTransferCancel(w http.ResponseWriter, r *http.Request) {
	if !s.transfers.Cancel() {
		respondError(w, http.StatusNotFound, "no transfer job is running")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "cancellation requested"})
}

// handleDatasourceGet describes the registered datasources
func (s *Server) handleDatasourceGet(w http.ResponseWriter, r *http.Request) {
	sources := make(map[string]interface{})
	for _, name := range s.registry.Sources() {
		store, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		sources[name] = map[string]interface{}{
			"label":     store.Label(),
			"detail":    store.Detail(),
			"available": store.Available(r.Context()),
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"active":  s.registry.ActiveName(),
		"sources": sources,
	})
}

type datasourceRequest struct {
	Active string `json:"active"`
}

// handleDatasourcePut switches the active datasource
func (s *Server) handleDatasourcePut(w http.ResponseWriter, r *http.Request) {
	var req datasourceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := s.registry.SetActive(req.Active); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.log != nil {
		s.log.WithField("datasource", req.Active).Info("active datasource switched")
	}
	respondJSON(w, http.StatusOK, map[string]string{"active": req.Active})
}
