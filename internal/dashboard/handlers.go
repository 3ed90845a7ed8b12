package dashboard

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/chronologos/gpstrack/internal/catchup"
)

// userView is a user as listed on the dashboard. Password material never
// leaves the store.
type userView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	ClientID uint32 `json:"client_id"`
}

// coordinateView is one coordinate on the /ws stream and in /history. Seq
// increases by one per stored record.
type coordinateView struct {
	Type      string    `json:"type"` // "coordinate"
	Seq       uint64    `json:"seq"`
	UserID    string    `json:"user_id"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
}

// gapView opens a resumed stream whose since is older than the journal
// reaches. Records after Since and before OldestSeq are gone.
type gapView struct {
	Type      string `json:"type"` // "gap"
	Since     uint64 `json:"since"`
	OldestSeq uint64 `json:"oldest_seq"`
}

// parseSince reads the ?since= sequence number, returning def when absent.
func parseSince(r *http.Request, def uint64) (uint64, error) {
	v := r.URL.Query().Get("since")
	if v == "" {
		return def, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

func (d *Dashboard) handleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := d.cfg.Store.Users(r.Context())
	if err != nil {
		d.log.Error("list users", "err", err, "request_id", middleware.GetReqID(r.Context()))
		http.Error(w, "failed to list users", http.StatusInternalServerError)
		return
	}

	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, userView{ID: u.ID, Name: u.Name, Username: u.Username, ClientID: u.ClientID})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		d.log.Warn("write users", "err", err)
	}
}

// liveOnly as since skips the backlog.
const liveOnly = uint64(math.MaxUint64)

// handleStream upgrades to a websocket and forwards every coordinate record
// stored after the upgrade. A viewer resuming after a disconnect passes the
// last seq it saw as ?since= and first receives what it missed, as far back
// as the journal reaches. The stream ends when the viewer closes, a write
// fails, or the dashboard shuts down.
func (d *Dashboard) handleStream(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r, liveOnly)
	if err != nil {
		http.Error(w, "since must be a sequence number", http.StatusBadRequest)
		return
	}

	// Subscribe before the handshake completes so nothing journaled after
	// the viewer sees the upgrade response is missed.
	backlog, live, cancel := d.journal.SubscribeSince(since)
	defer cancel()

	// The backlog is taken atomically with the subscription, so its first
	// entry is exactly where the journal resumes.
	var gap *gapView
	if since != liveOnly && len(backlog) > 0 && backlog[0].Seq > since+1 {
		gap = &gapView{Type: "gap", Since: since, OldestSeq: backlog[0].Seq}
	}

	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.log.Warn("websocket upgrade", "err", err)
		return
	}
	defer conn.Close()
	log := d.log.With("remote", r.RemoteAddr)
	log.Info("viewer connected", "backlog", len(backlog))

	// Viewers only send control frames; the reader exists to process close
	// and to notice a vanished peer.
	viewerGone := make(chan struct{})
	go func() {
		defer close(viewerGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(v any) bool {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(v); err != nil {
			log.Warn("websocket write", "err", err)
			return false
		}
		return true
	}

	if gap != nil {
		log.Info("viewer missed records", "since", gap.Since, "oldest_seq", gap.OldestSeq)
		if !send(gap) {
			return
		}
	}
	for _, e := range backlog {
		if !send(toView(e)) {
			return
		}
	}
	for {
		select {
		case e, ok := <-live:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"),
					time.Now().Add(time.Second))
				return
			}
			if !send(toView(e)) {
				return
			}
		case <-viewerGone:
			log.Info("viewer disconnected")
			return
		case <-r.Context().Done():
			return
		}
	}
}

// handleHistory returns the journaled coordinates after ?since= (default 0)
// as a JSON array, for viewers that poll instead of streaming. The
// Journal-Oldest-Seq and Journal-Newest-Seq headers bound what the journal
// held when the request was served; 0 means empty.
func (d *Dashboard) handleHistory(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r, 0)
	if err != nil {
		http.Error(w, "since must be a sequence number", http.StatusBadRequest)
		return
	}
	w.Header().Set("Journal-Oldest-Seq", strconv.FormatUint(d.journal.OldestSeq(), 10))
	w.Header().Set("Journal-Newest-Seq", strconv.FormatUint(d.journal.NewestSeq(), 10))
	entries := d.journal.ReplaySince(since)
	out := make([]coordinateView, 0, len(entries))
	for _, e := range entries {
		out = append(out, toView(e))
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		d.log.Warn("write history", "err", err)
	}
}

func toView(e catchup.Entry) coordinateView {
	return coordinateView{
		Type:      "coordinate",
		Seq:       e.Seq,
		UserID:    e.Record.UserID,
		Lat:       e.Record.Latitude,
		Lon:       e.Record.Longitude,
		Timestamp: e.Record.Timestamp,
	}
}
