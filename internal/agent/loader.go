// Package agent orchestrates one inbound message end to end: conversation
// state, the QA backend call and the outbound reply.
package agent

import (
	"context"
	"fmt"
	"log/slog"

	"tourbot/internal/domain"
)

// ConversationLoader maps phone numbers to persisted conversations,
// creating them on first contact.
type ConversationLoader struct {
	store       domain.ConversationStore
	defaultArea string
	defaultSite string
	logger      *slog.Logger
}

func NewConversationLoader(store domain.ConversationStore, area, site string, logger *slog.Logger) *ConversationLoader {
	return &ConversationLoader{
		store:       store,
		defaultArea: area,
		defaultSite: site,
		logger:      logger,
	}
}

// ConversationID derives the stable conversation id for a phone number.
func (l *ConversationLoader) ConversationID(phone string) string {
	return "whatsapp_" + phone
}

// LoadOrCreate returns the conversation for phone, creating it with the
// configured area and site on first contact. A non-empty profileName
// refreshes the stored one.
func (l *ConversationLoader) LoadOrCreate(ctx context.Context, phone, profileName string) (*domain.Conversation, error) {
	id := l.ConversationID(phone)

	conv, err := l.store.GetConversation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	if conv == nil {
		conv = &domain.Conversation{
			ID:          id,
			Area:        l.defaultArea,
			Site:        l.defaultSite,
			ProfileName: profileName,
		}
		if err := l.store.CreateConversation(ctx, *conv); err != nil {
			return nil, fmt.Errorf("create conversation %s: %w", id, err)
		}
		l.logger.Info("conversation created", "conversation_id", id)
		return conv, nil
	}

	if profileName != "" && profileName != conv.ProfileName {
		if err := l.store.UpdateProfileName(ctx, id, profileName); err != nil {
			l.logger.Warn("profile name update failed", "conversation_id", id, "error", err)
		} else {
			conv.ProfileName = profileName
		}
	}
	return conv, nil
}

// Reset deletes the conversation history for phone.
func (l *ConversationLoader) Reset(ctx context.Context, phone string) error {
	id := l.ConversationID(phone)
	if err := l.store.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("reset conversation %s: %w", id, err)
	}
	l.logger.Info("conversation reset", "conversation_id", id)
	return nil
}
