package domain

import (
	"context"
	"time"
)

// ConversationStore handles persistent storage of conversations and their
// message history. Implementations must provide per-call atomicity but are
// not required to support cross-call transactions; callers serialize
// concurrent writers to the same conversation themselves.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateProfileName(ctx context.Context, id, profileName string) error
	DeleteConversation(ctx context.Context, id string) error

	AddMessage(ctx context.Context, convID string, msg Message) error
	GetMessages(ctx context.Context, convID string, limit int) ([]Message, error)

	Close() error
}

// Conversation is the ordered message history for one end user. For the
// WhatsApp channel the ID is a pure function of the sender's phone number
// ("whatsapp_" + normalized phone), so there is no separate session table.
type Conversation struct {
	ID          string    `json:"id"`
	Area        string    `json:"area"`
	Site        string    `json:"site"`
	ProfileName string    `json:"profile_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Message is a single conversation turn. An assistant message carries only
// the images that were actually transmitted to the user, never the full
// candidate list returned by the backend.
type Message struct {
	ID             int64      `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Role           string     `json:"role"` // user | assistant
	Content        string     `json:"content"`
	Citations      []Citation `json:"citations,omitempty"`
	Images         []Image    `json:"images,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Citation references a source document used to ground an answer.
type Citation struct {
	Title  string `json:"title,omitempty"`
	Source string `json:"source,omitempty"`
}

// Image is a backend-provided image candidate (signed URL plus caption).
type Image struct {
	URI     string `json:"uri"`
	Caption string `json:"caption,omitempty"`
}
