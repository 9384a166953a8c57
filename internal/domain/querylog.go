package domain

import (
	"context"
	"time"
)

// QueryLogger records one processed interaction for offline analysis.
// Logging is best-effort observability: implementations may fail without
// affecting message processing.
type QueryLogger interface {
	LogQuery(ctx context.Context, rec QueryRecord) error
}

// QueryRecord captures a single question/answer round-trip including the
// timing breakdown collected along the pipeline (checkpoint name to
// milliseconds since the request started).
type QueryRecord struct {
	CorrelationID       string           `json:"correlation_id"`
	ConversationID      string           `json:"conversation_id"`
	Phone               string           `json:"phone"`
	MessageID           string           `json:"message_id"`
	Area                string           `json:"area"`
	Site                string           `json:"site"`
	Query               string           `json:"query"`
	ResponseText        string           `json:"response_text"`
	CitationsCount      int              `json:"citations_count"`
	ImagesCount         int              `json:"images_count"`
	ShouldIncludeImages bool             `json:"should_include_images"`
	LatencyMs           int64            `json:"latency_ms"`
	Timing              map[string]int64 `json:"timing,omitempty"`
	Error               string           `json:"error,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
}
