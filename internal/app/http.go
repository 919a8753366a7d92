package app

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"pulse/internal/chat"
	"pulse/internal/realtime"
	"pulse/internal/social"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	dbEnabled bool,
	ws *realtime.Gateway,
	chatSvc *chat.Service,
	socialSvc *social.Service,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbEnabled && dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", promhttp.Handler())

	// Read-side REST surface. History lives here, not on the socket: a fresh
	// page after reconnect reconciles anything dropped while offline.
	mux.HandleFunc("GET /api/history", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		convID := q.Get("conversation_id")
		if convID == "" {
			http.Error(w, "missing conversation_id", http.StatusBadRequest)
			return
		}

		in := chat.HistoryInput{ConversationID: convID, Limit: queryInt(q.Get("limit"), 50)}
		if raw := q.Get("before"); raw != "" {
			ts, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				http.Error(w, "bad before timestamp", http.StatusBadRequest)
				return
			}
			in.Before = &ts
		}

		res, err := chatSvc.History(r.Context(), in)
		if err != nil {
			http.Error(w, "history fetch failed", http.StatusInternalServerError)
			log.Warn("history.fail", "conversation_id", convID, "err", err)
			return
		}
		writeJSON(w, res)
	})

	mux.HandleFunc("GET /api/notifications", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		userID := q.Get("user_id")
		if userID == "" {
			http.Error(w, "missing user_id", http.StatusBadRequest)
			return
		}

		notifs, err := socialSvc.Notifications(r.Context(), userID, queryInt(q.Get("limit"), 20))
		if err != nil {
			http.Error(w, "notification fetch failed", http.StatusInternalServerError)
			log.Warn("notifications.fail", "user_id", userID, "err", err)
			return
		}

		unread, err := socialSvc.UnreadNotifications(r.Context(), userID)
		if err != nil {
			log.Warn("notifications.unread.fail", "user_id", userID, "err", err)
		}

		writeJSON(w, struct {
			Notifications []social.Notification `json:"notifications"`
			Unread        int                   `json:"unread"`
		}{Notifications: notifs, Unread: unread})
	})

	mux.HandleFunc("/ws", ws.HandleWS)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
