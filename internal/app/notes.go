package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/aikidochris/NEST-sub000/internal/store"
	"github.com/aikidochris/NEST-sub000/internal/util"
)

const maxNoteLen = 2000

// LeaveWaitingNote records a one-way note on an unclaimed property. Notes
// are capped per property and deduplicated per sender inside a rolling
// window so a popular unclaimed terrace does not fill up with spam.
func (s *Service) LeaveWaitingNote(ctx context.Context, propertyID, senderID, body string) (map[string]any, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Note body is required", nil)
	}
	if len([]rune(body)) > maxNoteLen {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("Note body must be at most %d characters", maxNoteLen), nil)
	}

	p, err := s.store.GetProperty(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	if p.Claimed() {
		if *p.OwnerUserID == senderID {
			return nil, domainError(http.StatusUnprocessableEntity, "SELF_MESSAGE", "You cannot leave a note on your own property", nil)
		}
		return nil, domainError(http.StatusConflict, "PROPERTY_ALREADY_CLAIMED", "This property is claimed, start a conversation instead", nil)
	}

	quota := s.noteQuota()
	count, err := s.store.CountOpenNotes(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	if count >= quota {
		return nil, domainError(http.StatusConflict, "NOTE_QUOTA_EXCEEDED", "This property has reached its waiting note limit", map[string]any{"quota": quota})
	}

	since := time.Now().Add(-s.noteDedupeWindow())
	recent, err := s.store.HasRecentNote(ctx, propertyID, senderID, since)
	if err != nil {
		return nil, err
	}
	if recent {
		return nil, domainError(http.StatusConflict, "DUPLICATE_NOTE", "You already left a note here recently", nil)
	}

	note, err := s.store.InsertWaitingNote(ctx, store.WaitingNote{
		ID:           util.NewID("note"),
		PropertyID:   propertyID,
		SenderUserID: senderID,
		Body:         body,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"note": s.noteView(ctx, note, senderID)}, nil
}

// ListPropertyNotes shows the owner every open note on their property, and
// a visitor only their own.
func (s *Service) ListPropertyNotes(ctx context.Context, propertyID, callerID string) (map[string]any, error) {
	p, err := s.store.GetProperty(ctx, propertyID)
	if err != nil {
		return nil, err
	}

	var notes []store.WaitingNote
	if p.OwnerUserID != nil && *p.OwnerUserID == callerID {
		notes, err = s.store.ListOpenNotesByProperty(ctx, propertyID)
	} else {
		notes, err = s.store.ListOpenNotesBySender(ctx, propertyID, callerID)
	}
	if err != nil {
		return nil, err
	}

	views := make([]map[string]any, 0, len(notes))
	for _, note := range notes {
		views = append(views, s.noteView(ctx, note, callerID))
	}
	return map[string]any{"notes": views, "quota": s.noteQuota()}, nil
}

// ReplyToWaitingNote promotes a note into a conversation. The pipeline runs
// in a fixed order: resolve or create the thread, then record the reply,
// then mark the note handled. Only the final stage may fail without
// aborting; a note that stays open after its reply landed is re-marked on
// the next reply, whereas a consumed note with no thread would strand the
// visitor.
func (s *Service) ReplyToWaitingNote(ctx context.Context, noteID, callerID, body string) (map[string]any, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Reply body is required", nil)
	}
	if len([]rune(body)) > maxMessageLen {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("Reply body must be at most %d characters", maxMessageLen), nil)
	}

	note, err := s.store.GetWaitingNote(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if !note.Open() {
		details := map[string]any{}
		if note.HandledConversationID != nil {
			details["conversationId"] = *note.HandledConversationID
		}
		return nil, domainError(http.StatusConflict, "NOTE_ALREADY_HANDLED", "This note has already been answered", details)
	}

	p, err := s.store.GetProperty(ctx, note.PropertyID)
	if err != nil {
		return nil, err
	}
	if !p.Claimed() {
		return nil, domainError(http.StatusConflict, "PROPERTY_NOT_CLAIMED", "Claim the property before replying to its notes", nil)
	}
	if *p.OwnerUserID != callerID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can reply to waiting notes", nil)
	}
	if note.SenderUserID == callerID {
		return nil, domainError(http.StatusUnprocessableEntity, "SELF_REPLY", "You cannot reply to your own note", nil)
	}

	conv, _, err := s.resolveOrCreate(ctx, p, callerID, note.SenderUserID, false)
	if err != nil {
		return nil, fmt.Errorf("promote note %s: resolve: %w", note.ID, err)
	}

	msg, err := s.store.InsertMessage(ctx, store.Message{
		ID:             util.NewID("msg"),
		ConversationID: conv.ID,
		SenderUserID:   callerID,
		Body:           body,
	})
	if err != nil {
		return nil, fmt.Errorf("promote note %s: reply: %w", note.ID, err)
	}
	s.indexMessage(ctx, conv, msg)

	if err := s.store.MarkNoteHandled(ctx, note.ID, conv.ID); err != nil {
		log.Printf("notes: mark-handled failed note=%s conversation=%s: %v", note.ID, conv.ID, err)
	}

	return map[string]any{
		"conversationId": conv.ID,
		"message":        messageView(msg, callerID),
		"quotedNote": map[string]any{
			"body":   note.Body,
			"sentAt": note.CreatedAt.UTC().Format(time.RFC3339),
		},
	}, nil
}

func (s *Service) noteView(ctx context.Context, note store.WaitingNote, callerID string) map[string]any {
	view := map[string]any{
		"id":         note.ID,
		"propertyId": note.PropertyID,
		"senderId":   note.SenderUserID,
		"mine":       note.SenderUserID == callerID,
		"body":       note.Body,
		"sentAt":     note.CreatedAt.UTC().Format(time.RFC3339),
		"open":       note.Open(),
	}
	if user, err := s.store.GetUserByID(ctx, note.SenderUserID); err == nil {
		view["senderName"] = user.Name
		view["senderInitials"] = initials(user.Name)
	} else {
		view["senderName"] = "Former neighbour"
	}
	if note.HandledConversationID != nil {
		view["conversationId"] = *note.HandledConversationID
	}
	return view
}
