package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"conversation-orchestrator/pkg/channel"
	"conversation-orchestrator/pkg/models"
	"conversation-orchestrator/pkg/session"
)

const maxWebhookBody = 1 << 20

// Submitter queues parsed webhook events for processing.
type Submitter interface {
	Submit(ctx context.Context, event channel.Event) error
}

// EpisodeCloser ends an open handover episode.
type EpisodeCloser interface {
	CloseEpisode(ctx context.Context, key models.SessionKey) (*models.ConversationSession, error)
}

// TicketReader looks up stored tickets.
type TicketReader interface {
	Get(ctx context.Context, id string) (*models.SupportTicket, error)
}

// Notifier pushes events to the supervisory dashboard.
type Notifier interface {
	Notify(ctx context.Context, event models.DashboardEvent) error
}

// Dashboard serves the supervisor websocket.
type Dashboard interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	Clients() int
}

type Options struct {
	PodID       string
	Channel     string
	AppSecret   string
	VerifyToken string
}

type Handler struct {
	dispatcher Submitter
	store      session.Store
	closer     EpisodeCloser
	tickets    TicketReader
	dashboard  Dashboard
	notifier   Notifier
	opts       Options
	logger     *logrus.Logger
}

func NewHandler(dispatcher Submitter, store session.Store, closer EpisodeCloser, tickets TicketReader, dashboard Dashboard, notifier Notifier, opts Options, logger *logrus.Logger) *Handler {
	if opts.Channel == "" {
		opts.Channel = "messenger"
	}
	return &Handler{
		dispatcher: dispatcher,
		store:      store,
		closer:     closer,
		tickets:    tickets,
		dashboard:  dashboard,
		notifier:   notifier,
		opts:       opts,
		logger:     logger,
	}
}

// VerifyWebhook answers the platform's subscription challenge.
func (h *Handler) VerifyWebhook(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("hub.mode") != "subscribe" || h.opts.VerifyToken == "" || query.Get("hub.verify_token") != h.opts.VerifyToken {
		http.Error(w, "Verification failed", http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, query.Get("hub.challenge"))
	h.logger.Info("Webhook subscription verified")
}

// Webhook accepts a signed event delivery and queues its events. It answers
// as soon as the events are queued; replies go out asynchronously.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if h.opts.AppSecret != "" {
		if err := channel.VerifySignature(h.opts.AppSecret, r.Header.Get(channel.SignatureHeader), body); err != nil {
			h.logger.WithError(err).WithField("remote", r.RemoteAddr).Warn("Rejected webhook with bad signature")
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
			return
		}
	}

	events, err := channel.ParseWebhook(body, h.opts.Channel)
	if err != nil {
		h.logger.WithError(err).Warn("Rejected malformed webhook")
		http.Error(w, "Malformed event", http.StatusBadRequest)
		return
	}

	queued := 0
	for _, event := range events {
		if err := h.dispatcher.Submit(r.Context(), event); err != nil {
			h.logger.WithError(err).WithField("sender_id", event.Message.SenderID).Error("Failed to queue webhook event")
			http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
			return
		}
		queued++
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"queued":  queued,
	})

	h.logger.WithField("queued", queued).Debug("Queued webhook events")
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}

	sess, err := h.store.Get(r.Context(), key)
	if err != nil {
		h.storeError(w, err, key)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// CloseHandover ends the open handover episode, for agents whose inbox does
// not pass thread control back.
func (h *Handler) CloseHandover(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}

	sess, err := h.closer.CloseEpisode(r.Context(), key)
	if err != nil {
		if errors.Is(err, models.ErrIllegalTransition) {
			http.Error(w, "No open handover", http.StatusConflict)
			return
		}
		h.storeError(w, err, key)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"session_id": sess.ID,
		"status":     sess.Status,
		"episode":    sess.Episode,
	})
}

func (h *Handler) ArchiveSession(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}

	sess, err := h.store.Get(r.Context(), key)
	if err != nil {
		h.storeError(w, err, key)
		return
	}
	if err := h.store.Archive(r.Context(), key); err != nil {
		h.storeError(w, err, key)
		return
	}

	now := time.Now()
	if h.notifier != nil {
		if err := h.notifier.Notify(r.Context(), models.DashboardEvent{
			Type:      models.EventSessionArchived,
			SessionID: sess.ID,
			Channel:   key.Channel,
			UserID:    key.UserID,
			At:        now,
		}); err != nil {
			h.logger.WithError(err).WithField("session_id", sess.ID).Warn("Failed to notify dashboard of archive")
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"session_id":  sess.ID,
		"archived_at": now,
	})
}

func (h *Handler) GetTicket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, "Missing ticket ID", http.StatusBadRequest)
		return
	}

	ticket, err := h.tickets.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrTicketNotFound) {
			http.Error(w, "Ticket not found", http.StatusNotFound)
			return
		}
		h.logger.WithError(err).WithField("ticket_id", id).Error("Failed to load ticket")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) DashboardWS(w http.ResponseWriter, r *http.Request) {
	h.dashboard.ServeWS(w, r)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.Count(r.Context())
	if err != nil {
		http.Error(w, "Health check failed", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"pod_id":    h.opts.PodID,
		"sessions":  count,
		"timestamp": time.Now(),
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.Count(r.Context())
	if err != nil {
		http.Error(w, "Failed to get status", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pod_id":            h.opts.PodID,
		"sessions":          count,
		"dashboard_clients": h.dashboard.Clients(),
		"timestamp":         time.Now(),
	})
}

func (h *Handler) storeError(w http.ResponseWriter, err error, key models.SessionKey) {
	if errors.Is(err, models.ErrSessionNotFound) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	h.logger.WithError(err).WithField("session", key.String()).Error("Session store request failed")
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func sessionKey(w http.ResponseWriter, r *http.Request) (models.SessionKey, bool) {
	vars := mux.Vars(r)
	key := models.SessionKey{Channel: vars["channel"], UserID: vars["user"]}
	if key.Channel == "" || key.UserID == "" {
		http.Error(w, "Missing session key", http.StatusBadRequest)
		return key, false
	}
	return key, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
