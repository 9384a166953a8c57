package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"tourbot/internal/dedup"
	"tourbot/internal/metrics"
	"tourbot/internal/task"
	"tourbot/internal/timing"
)

const maxWebhookBody = 1 << 20

// Webhook receives WhatsApp Cloud API events and hands text messages to
// background processing. POST deliveries are always acknowledged with 200
// once authenticated, so the platform never retries events we have already
// accepted; processing outcomes are reported to the user directly.
type Webhook struct {
	VerifyToken string
	AppSecret   string
	Production  bool
	Path        string

	Dedup   *dedup.Deduplicator
	Tasks   *task.Manager
	Tracker *DeliveryTracker
	Replies *ReplyCatalog
	Client  *WhatsAppClient
	Metrics *metrics.Collector
	Process ProcessFunc
	Logger  *slog.Logger
}

// Routes mounts the webhook, health and metrics endpoints.
func (h *Webhook) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+h.Path, h.handleVerification)
	mux.HandleFunc("POST "+h.Path, h.handleEvent)
	mux.HandleFunc("GET /health", h.handleHealth)
	if h.Metrics != nil {
		mux.HandleFunc("GET /metrics", h.Metrics.Handler())
	}
	return mux
}

// handleVerification answers the Meta webhook subscription handshake.
func (h *Webhook) handleVerification(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token == h.VerifyToken {
		h.Logger.Info("webhook verified")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, html.EscapeString(challenge))
		return
	}

	h.Logger.Warn("webhook verification failed", "mode", mode)
	http.Error(w, "Forbidden", http.StatusForbidden)
}

func (h *Webhook) handleEvent(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			h.Logger.Error("panic in webhook handler", "panic", rec)
			writeJSON(w, http.StatusOK, map[string]string{"status": "error"})
		}
	}()

	if h.Metrics != nil {
		h.Metrics.WebhookRequests.Inc()
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil || len(body) == 0 {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	sig := r.Header.Get("X-Hub-Signature-256")
	if !VerifySignature(body, sig, h.AppSecret, h.Production, h.Logger) {
		h.Logger.Warn("invalid webhook signature", "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var payload waPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.Logger.Warn("malformed webhook payload", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			h.handleChange(r, change.Value)
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Webhook) handleChange(r *http.Request, value waValue) {
	profileNames := make(map[string]string, len(value.Contacts))
	for _, c := range value.Contacts {
		if c.Profile != nil {
			profileNames[c.WaID] = c.Profile.Name
		}
	}

	for _, status := range value.Statuses {
		h.handleStatus(status)
	}

	for _, msg := range value.Messages {
		h.handleMessage(r, msg, profileNames[msg.From])
	}
}

// handleStatus resolves delivery latency for messages we sent earlier.
func (h *Webhook) handleStatus(status waStatus) {
	if status.Status != "delivered" || h.Tracker == nil {
		return
	}
	elapsed, ok := h.Tracker.Consume(status.ID)
	if !ok {
		return
	}
	h.Logger.Info("delivery confirmed",
		"message_id", status.ID, "latency_ms", elapsed.Milliseconds())
	if h.Metrics != nil {
		h.Metrics.DeliveryLatency.Observe(elapsed.Seconds())
	}
}

func (h *Webhook) handleMessage(r *http.Request, msg waMessage, profileName string) {
	logger := h.Logger.With("message_id", msg.ID, "from", msg.From)

	if msg.Type != "text" || msg.Text == nil {
		logger.Info("unsupported message type", "type", msg.Type)
		// Answered synchronously, no conversation state is involved.
		if _, err := h.Client.SendText(r.Context(), msg.From, h.Replies.UnsupportedType); err != nil {
			logger.Warn("unsupported-type reply failed", "error", err)
		}
		return
	}

	if h.Dedup.IsDuplicate(msg.ID) {
		logger.Info("duplicate delivery skipped")
		if h.Metrics != nil {
			h.Metrics.DuplicatesSkipped.Inc()
		}
		return
	}

	// Best effort, the read receipt is cosmetic.
	if err := h.Client.MarkRead(r.Context(), msg.ID, true); err != nil {
		logger.Debug("mark read failed", "error", err)
	}

	correlationID := uuid.NewString()
	in := InboundText{
		MessageID:     msg.ID,
		From:          msg.From,
		Text:          msg.Text.Body,
		ProfileName:   profileName,
		CorrelationID: correlationID,
		Timing:        timing.NewContext(correlationID),
	}

	_, err := h.Tasks.Submit(correlationID, func(ctx context.Context) {
		h.Process(ctx, in)
	})
	if err != nil {
		// Undo the dedup mark so the platform's redelivery is admitted
		// once capacity frees up.
		h.Dedup.Forget(msg.ID)
		logger.Warn("task rejected, awaiting redelivery", "error", err)
		if h.Metrics != nil {
			h.Metrics.TasksRejected.Inc()
		}
		return
	}

	logger.Info("message accepted", "correlation_id", correlationID, "text_len", len(msg.Text.Body))
	if h.Metrics != nil {
		h.Metrics.MessagesProcessed.Inc()
	}
}

func (h *Webhook) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"active_tasks": h.Tasks.ActiveCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// --- Cloud API webhook payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Contacts         []waContact `json:"contacts"`
	Messages         []waMessage `json:"messages"`
	Statuses         []waStatus  `json:"statuses"`
}

type waContact struct {
	WaID    string     `json:"wa_id"`
	Profile *waProfile `json:"profile,omitempty"`
}

type waProfile struct {
	Name string `json:"name"`
}

type waMessage struct {
	From string  `json:"from"`
	ID   string  `json:"id"`
	Type string  `json:"type"`
	Text *waText `json:"text,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	RecipientID string `json:"recipient_id"`
}
