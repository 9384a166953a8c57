// Package channel implements the WhatsApp Cloud API surface: the webhook
// endpoint receiving events and the outbound client sending replies.
package channel

import (
	"context"

	"tourbot/internal/timing"
)

// InboundText is one user text message extracted from a webhook delivery.
type InboundText struct {
	MessageID     string
	From          string // sender phone in wa_id form
	Text          string
	ProfileName   string // from the contacts block, may be empty
	CorrelationID string
	Timing        *timing.Context
}

// ProcessFunc handles one inbound message in the background. The context
// carries the per-task deadline.
type ProcessFunc func(ctx context.Context, in InboundText)
