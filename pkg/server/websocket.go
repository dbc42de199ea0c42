package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/perihelia/guildvault/pkg/jobs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The control plane is CORS-open; the socket matches.
		return true
	},
}

// jobsSnapshot is one status frame pushed to connected UI clients.
type jobsSnapshot struct {
	Scrape   *jobs.ScrapeJob   `json:"scrape"`
	Download *jobs.DownloadJob `json:"download"`
	Transfer *jobs.TransferJob `json:"transfer"`
	SentAt   time.Time         `json:"sent_at"`
}

func (s *Server) snapshot() jobsSnapshot {
	return jobsSnapshot{
		Scrape:   s.scrapes.Status(),
		Download: s.downloads.Status(),
		Transfer: s.transfers.Status(),
		SentAt:   time.Now().UTC(),
	}
}

const wsWriteTimeout = 5 * time.Second

// handleJobsSocket upgrades the connection and pushes a job-status
// snapshot once per second until the client or the server goes away.
func (s *Server) handleJobsSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.log != nil {
			s.log.WithError(err).Warn("websocket upgrade failed")
		}
		return
	}
	defer ws.Close()

	if s.metrics != nil {
		s.metrics.RecordWSConnect()
		defer s.metrics.RecordWSDisconnect()
	}

	// Drain client frames so close and ping frames are processed; closing
	// the done channel ends the push loop.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	push := func() error {
		ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return ws.WriteJSON(s.snapshot())
	}

	// First frame immediately, then one per tick.
	if err := push(); err != nil {
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-done:
			return
		case <-ticker.C:
			if err := push(); err != nil {
				return
			}
		}
	}
}
