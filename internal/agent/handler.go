package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tourbot/internal/channel"
	"tourbot/internal/domain"
	"tourbot/internal/metrics"
	"tourbot/internal/provider"
)

// Handler processes one inbound text message: it loads the conversation,
// asks the backend and sends the answer. Failures at any step produce an
// apology to the user rather than silence, since the webhook was already
// acknowledged.
type Handler struct {
	Loader   *ConversationLoader
	Store    domain.ConversationStore
	QueryLog domain.QueryLogger
	Backend  *provider.Client
	Client   *channel.WhatsAppClient
	Tracker  *channel.DeliveryTracker
	Replies  *channel.ReplyCatalog
	Metrics  *metrics.Collector
	Logger   *slog.Logger

	// convLocks serializes processing per conversation so two messages
	// from the same user cannot interleave their history appends.
	convMu    sync.Mutex
	convLocks map[string]*sync.Mutex
}

func (h *Handler) lockConversation(id string) *sync.Mutex {
	h.convMu.Lock()
	defer h.convMu.Unlock()
	if h.convLocks == nil {
		h.convLocks = make(map[string]*sync.Mutex)
	}
	mu, ok := h.convLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		h.convLocks[id] = mu
	}
	return mu
}

// Process handles one message. It never returns an error; every failure
// path ends in a user-facing apology and a log entry.
func (h *Handler) Process(ctx context.Context, in channel.InboundText) {
	logger := h.Logger.With(
		"correlation_id", in.CorrelationID,
		"message_id", in.MessageID,
		"from", in.From,
	)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("panic while processing message", "panic", rec)
			h.apologize(in.From, h.Replies.ProcessingFailed, logger)
		}
	}()

	if h.Metrics != nil {
		h.Metrics.ActiveTasks.Inc()
		defer h.Metrics.ActiveTasks.Dec()
	}

	phone := channel.NormalizePhone(in.From)
	convID := h.Loader.ConversationID(phone)

	mu := h.lockConversation(convID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := h.Loader.LoadOrCreate(ctx, phone, in.ProfileName)
	if err != nil {
		logger.Error("conversation load failed", "error", err)
		h.apologize(in.From, h.Replies.LoadFailed, logger)
		return
	}
	in.Timing.Mark("conversation_loaded")

	if h.Replies.IsResetCommand(in.Text) {
		h.handleReset(ctx, phone, in, logger)
		return
	}

	userMsg := domain.Message{Role: "user", Content: in.Text}
	if err := h.Store.AddMessage(ctx, conv.ID, userMsg); err != nil {
		logger.Error("user message persist failed", "error", err)
		h.apologize(in.From, h.Replies.SaveFailed, logger)
		return
	}
	in.Timing.Mark("user_message_saved")

	backendStart := time.Now()
	result, err := h.Backend.Ask(ctx, provider.QARequest{
		ConversationID: conv.ID,
		Area:           conv.Area,
		Site:           conv.Site,
		Query:          in.Text,
	})
	in.Timing.Mark("backend_answered")
	if h.Metrics != nil {
		h.Metrics.BackendLatency.Observe(time.Since(backendStart).Seconds())
	}
	if err != nil {
		logger.Error("backend request failed", "error", err)
		h.apologize(in.From, h.Replies.ProcessingFailed, logger)
		h.logQuery(conv, in, provider.QAResult{}, err.Error())
		return
	}

	responseText := result.ResponseText
	switch {
	case result.Error != "":
		logger.Warn("backend returned error", "backend_error", result.Error)
		responseText = h.Replies.ServerError
		result.ShouldIncludeImages = false
	case responseText == "":
		responseText = h.Replies.NoAnswer
		result.ShouldIncludeImages = false
	}

	// Only the first image is forwarded; the rest stay in the backend
	// answer so the persisted turn matches what the user actually got.
	var sentImages []domain.Image
	if result.ShouldIncludeImages && len(result.Images) > 0 && result.Images[0].URI != "" {
		sentImages = result.Images[:1]
	}

	sentID, err := h.Client.SendText(ctx, in.From, responseText)
	in.Timing.Mark("reply_sent")
	if err != nil {
		logger.Error("reply send failed", "error", err)
		if h.Metrics != nil {
			h.Metrics.SendErrors.Inc()
		}
		h.apologize(in.From, h.Replies.SendFailed, logger)
		h.logQuery(conv, in, result, "send failed: "+err.Error())
		return
	}
	if h.Tracker != nil {
		h.Tracker.Register(sentID)
	}

	assistantMsg := domain.Message{
		Role:      "assistant",
		Content:   responseText,
		Citations: result.Citations,
		Images:    sentImages,
	}
	if err := h.Store.AddMessage(ctx, conv.ID, assistantMsg); err != nil {
		// The user already has the answer, only history is short one turn.
		logger.Error("assistant message persist failed", "error", err)
	}
	in.Timing.Mark("assistant_message_saved")

	if len(sentImages) > 0 {
		imgID, err := h.Client.SendImage(ctx, in.From, sentImages[0].URI, sentImages[0].Caption)
		in.Timing.Mark("image_sent")
		if err != nil {
			logger.Warn("follow-up image send failed", "error", err, "uri", sentImages[0].URI)
		} else if h.Tracker != nil {
			h.Tracker.Register(imgID)
		}
	}

	h.logQuery(conv, in, result, "")
	logger.Info("message processed",
		"conversation_id", conv.ID,
		"total_ms", in.Timing.TotalElapsed(),
		"breakdown", in.Timing.Breakdown(),
	)
}

func (h *Handler) handleReset(ctx context.Context, phone string, in channel.InboundText, logger *slog.Logger) {
	if err := h.Loader.Reset(ctx, phone); err != nil {
		logger.Error("conversation reset failed", "error", err)
		h.apologize(in.From, h.Replies.ResetFailed, logger)
		return
	}
	// Recreate immediately so the next message starts from a fresh
	// conversation without a create round-trip.
	if _, err := h.Loader.LoadOrCreate(ctx, phone, in.ProfileName); err != nil {
		logger.Warn("conversation recreate after reset failed", "error", err)
	}
	h.apologize(in.From, h.Replies.ResetDone, logger)
}

// apologize sends a canned text, best effort. Used on failure paths and
// for command acknowledgements where a send failure has no further
// recourse.
func (h *Handler) apologize(to, text string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := h.Client.SendText(ctx, to, text); err != nil {
		logger.Error("apology send failed", "error", err)
	}
}

func (h *Handler) logQuery(conv *domain.Conversation, in channel.InboundText, result provider.QAResult, errText string) {
	if h.QueryLog == nil {
		return
	}
	rec := domain.QueryRecord{
		CorrelationID:       in.CorrelationID,
		ConversationID:      conv.ID,
		Phone:               channel.NormalizePhone(in.From),
		MessageID:           in.MessageID,
		Area:                conv.Area,
		Site:                conv.Site,
		Query:               in.Text,
		ResponseText:        result.ResponseText,
		CitationsCount:      len(result.Citations),
		ImagesCount:         len(result.Images),
		ShouldIncludeImages: result.ShouldIncludeImages,
		LatencyMs:           in.Timing.TotalElapsed(),
		Timing:              in.Timing.Breakdown(),
		Error:               errText,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.QueryLog.LogQuery(ctx, rec); err != nil {
		h.Logger.Warn("query log write failed", "correlation_id", in.CorrelationID, "error", err)
	}
}
