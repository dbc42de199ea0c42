package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/perihelia/guildvault/pkg/database"
	"github.com/perihelia/guildvault/pkg/model"
)

// handleListGuilds lists every archived guild
func (s *Server) handleListGuilds(w http.ResponseWriter, r *http.Request) {
	repos, ok := s.activeRepos(w)
	if !ok {
		return
	}
	guilds, err := repos.Guilds.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"guilds": guilds,
		"total":  len(guilds),
	})
}

// handleGetGuild returns one archived guild
func (s *Server) handleGetGuild(w http.ResponseWriter, r *http.Request) {
	guildID, err := pathSnowflake(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	repos, ok := s.activeRepos(w)
	if !ok {
		return
	}
	guild, err := repos.Guilds.Get(r.Context(), guildID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if guild == nil {
		respondError(w, http.StatusNotFound, "guild not found")
		return
	}
	respondJSON(w, http.StatusOK, guild)
}

// handleGuildChannels lists a guild's archived channels
func (s *Server) handleGuildChannels(w http.ResponseWriter, r *http.Request) {
	guildID, err := pathSnowflake(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	repos, ok := s.activeRepos(w)
	if !ok {
		return
	}
	channels, err := repos.Channels.ListByGuild(r.Context(), guildID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"channels": channels,
		"total":    len(channels),
	})
}

// handleChannelMessages pages a channel's archived messages. before/after
// are exclusive snowflake cursors; limit caps at 200.
func (s *Server) handleChannelMessages(w http.ResponseWriter, r *http.Request) {
	channelID, err := pathSnowflake(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts := database.ListOptions{Limit: queryInt(r, "limit", 0)}
	if v := r.URL.Query().Get("before"); v != "" {
		cursor, err := model.ParseSnowflake(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.Before = cursor
	}
	if v := r.URL.Query().Get("after"); v != "" {
		cursor, err := model.ParseSnowflake(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.After = cursor
	}

	repos, ok := s.activeRepos(w)
	if !ok {
		return
	}
	messages, err := repos.Messages.ListByChannel(r.Context(), channelID, opts)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
		"total":    len(messages),
	})
}

// handleGetUser returns one archived user
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID, err := pathSnowflake(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	repos, ok := s.activeRepos(w)
	if !ok {
		return
	}
	user, err := repos.Users.Get(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if user == nil {
		respondError(w, http.StatusNotFound, "user not found")
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// handleGuildGallery pages a guild's downloaded images
func (s *Server) handleGuildGallery(w http.ResponseWriter, r *http.Request) {
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
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	images, err := store.Gallery(r.Context(), guildID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"images": images,
		"total":  len(images),
	})
}

// handleGuildStats aggregates a guild's archive footprint
func (s *Server) handleGuildStats(w http.ResponseWriter, r *http.Request) {
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
	stats, err := store.GuildStats(r.Context(), guildID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// handleSearch finds messages containing the query substring
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	guildID, err := model.ParseSnowflake(r.URL.Query().Get("guild_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "guild_id is required: "+err.Error())
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		respondError(w, http.StatusBadRequest, "q is required")
		return
	}
	store, err := s.registry.Active()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	results, err := store.SearchMessages(r.Context(), guildID, q, queryInt(r, "limit", 0))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"total":   len(results),
	})
}

// handleHealth serves health check status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"datasource":     s.registry.ActiveName(),
	}

	if store, err := s.registry.Active(); err != nil {
		health["status"] = "degraded"
		health["datasource_available"] = false
	} else {
		available := store.Available(r.Context())
		health["datasource_available"] = available
		if !available {
			health["status"] = "degraded"
		}
	}

	respondJSON(w, http.StatusOK, health)
}

// activeRepos resolves the active store's repositories, answering 503 when
// no datasource is usable.
func (s *Server) activeRepos(w http.ResponseWriter) (*database.Repos, bool) {
	store, err := s.registry.Active()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return nil, false
	}
	return store.Repos(), true
}
