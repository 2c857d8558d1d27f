package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aikidochris/NEST-sub000/internal/convrole"
	"github.com/aikidochris/NEST-sub000/internal/export"
	"github.com/aikidochris/NEST-sub000/internal/search"
	"github.com/aikidochris/NEST-sub000/internal/status"
	"github.com/aikidochris/NEST-sub000/internal/store"
	"github.com/aikidochris/NEST-sub000/internal/stream"
	"github.com/aikidochris/NEST-sub000/internal/util"
)

const maxMessageLen = 4000

// GetOrCreateConversation handles a visitor pressing Message on a claimed
// property. Repeat presses land on the same thread.
func (s *Service) GetOrCreateConversation(ctx context.Context, propertyID, callerID string) (map[string]any, error) {
	p, err := s.store.GetProperty(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	if !p.Claimed() {
		return nil, domainError(http.StatusConflict, "PROPERTY_NOT_CLAIMED", "Nobody has claimed this property yet, leave a waiting note instead", nil)
	}
	if *p.OwnerUserID == callerID {
		return nil, domainError(http.StatusUnprocessableEntity, "SELF_MESSAGE", "You cannot start a conversation about your own property", nil)
	}
	conv, created, err := s.resolveOrCreate(ctx, p, *p.OwnerUserID, callerID, true)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"conversation": conversationSummaryView(conv),
		"created":      created,
	}, nil
}

// resolveOrCreate is the single path through which every conversation comes
// into being: direct starts and note promotions both land here. Resolution
// runs before any gate, so an existing thread keeps working whatever the
// property's status is today; the status gate applies only to creating a
// fresh one.
func (s *Service) resolveOrCreate(ctx context.Context, p store.Property, ownerID, counterpartyID string, gated bool) (store.Conversation, bool, error) {
	if id, ok := s.cachedConversation(ctx, p.ID, counterpartyID); ok {
		conv, err := s.store.GetConversation(ctx, id)
		if err == nil {
			return conv, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return store.Conversation{}, false, err
		}
		s.forgetConversation(ctx, p.ID, counterpartyID)
	}

	conv, found, err := s.findConversation(ctx, p.ID, ownerID, counterpartyID)
	if err != nil {
		return store.Conversation{}, false, err
	}
	if found {
		s.cacheConversation(ctx, p.ID, counterpartyID, conv.ID)
		return conv, false, nil
	}

	if gated {
		st := propertyStatus(p)
		if !status.CanStartConversation(st) {
			return store.Conversation{}, false, domainError(http.StatusConflict, "CONVERSATION_NOT_AVAILABLE",
				fmt.Sprintf("The owner is not taking messages while the property is %s", st), nil)
		}
	}

	created, err := s.store.CreateConversation(ctx, store.Conversation{
		ID:              util.NewID("conv"),
		PropertyID:      p.ID,
		OwnerUserID:     ownerID,
		CreatedByUserID: counterpartyID,
	})
	if err != nil {
		return store.Conversation{}, false, err
	}
	if err := s.store.InsertParticipantPair(ctx, created.ID, ownerID, counterpartyID); err != nil {
		log.Printf("conversations: participant insert failed conversation=%s: %v", created.ID, err)
	}
	s.cacheConversation(ctx, p.ID, counterpartyID, created.ID)
	return created, true, nil
}

// findConversation picks the canonical thread for a (property, owner,
// counterparty) pair. Historical bugs created duplicate threads for the same
// pair, so when several match, the most recently updated one wins and the
// rest are logged and left in place.
func (s *Service) findConversation(ctx context.Context, propertyID, ownerID, counterpartyID string) (store.Conversation, bool, error) {
	candidates, err := s.store.ListConversationsByProperty(ctx, propertyID)
	if err != nil {
		return store.Conversation{}, false, err
	}
	matched := make([]store.ConversationWithParticipants, 0, 1)
	for _, c := range candidates {
		if participantSetMatches(c, ownerID, counterpartyID) {
			matched = append(matched, c)
		}
	}
	if len(matched) == 0 {
		return store.Conversation{}, false, nil
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})
	if len(matched) > 1 {
		discarded := make([]string, 0, len(matched)-1)
		for _, c := range matched[1:] {
			discarded = append(discarded, c.ID)
		}
		log.Printf("conversations: duplicates collapsed property=%s kept=%s discarded=%s", propertyID, matched[0].ID, strings.Join(discarded, ","))
	}
	return matched[0].Conversation, true, nil
}

// participantSetMatches reports whether the thread belongs to exactly this
// owner/counterparty pair. Threads whose participant rows never landed are
// matched on the conversation columns instead, so they stay resolvable
// rather than spawning a duplicate on every retry.
func participantSetMatches(c store.ConversationWithParticipants, ownerID, counterpartyID string) bool {
	if len(c.Participants) == 0 {
		return c.OwnerUserID == ownerID && c.CreatedByUserID == counterpartyID
	}
	if len(c.Participants) != 2 {
		return false
	}
	want := map[string]bool{ownerID: false, counterpartyID: false}
	for _, p := range c.Participants {
		seen, ok := want[p.UserID]
		if !ok || seen {
			return false
		}
		want[p.UserID] = true
	}
	return want[ownerID] && want[counterpartyID]
}

func (s *Service) cachedConversation(ctx context.Context, propertyID, counterpartyID string) (string, bool) {
	if s.pairs == nil {
		return "", false
	}
	id, ok, err := s.pairs.Get(ctx, propertyID, counterpartyID)
	if err != nil {
		log.Printf("paircache: get %s/%s: %v", propertyID, counterpartyID, err)
		return "", false
	}
	return id, ok
}

func (s *Service) cacheConversation(ctx context.Context, propertyID, counterpartyID, conversationID string) {
	if s.pairs == nil {
		return
	}
	if err := s.pairs.Put(ctx, propertyID, counterpartyID, conversationID); err != nil {
		log.Printf("paircache: put %s/%s: %v", propertyID, counterpartyID, err)
	}
}

func (s *Service) forgetConversation(ctx context.Context, propertyID, counterpartyID string) {
	if s.pairs == nil {
		return
	}
	if err := s.pairs.Forget(ctx, propertyID, counterpartyID); err != nil {
		log.Printf("paircache: forget %s/%s: %v", propertyID, counterpartyID, err)
	}
}

func (s *Service) SendMessage(ctx context.Context, conversationID, senderID, body string) (map[string]any, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Message body is required", nil)
	}
	if len([]rune(body)) > maxMessageLen {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("Message body must be at most %d characters", maxMessageLen), nil)
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireParticipant(ctx, conv, senderID, convrole.ActionMessage); err != nil {
		return nil, err
	}
	msg, err := s.store.InsertMessage(ctx, store.Message{
		ID:             util.NewID("msg"),
		ConversationID: conv.ID,
		SenderUserID:   senderID,
		Body:           body,
	})
	if err != nil {
		return nil, err
	}
	s.indexMessage(ctx, conv, msg)
	return map[string]any{"message": messageView(msg, senderID)}, nil
}

// requireParticipant resolves the caller's role in the conversation and
// checks the action against it. Threads with missing participant rows fall
// back to the conversation columns so they stay usable.
func (s *Service) requireParticipant(ctx context.Context, conv store.Conversation, userID string, action convrole.Action) (convrole.Role, error) {
	var role convrole.Role
	participant, err := s.store.GetParticipant(ctx, conv.ID, userID)
	switch {
	case err == nil:
		role = convrole.Normalize(participant.Role)
	case errors.Is(err, sql.ErrNoRows):
		switch userID {
		case conv.OwnerUserID:
			role = convrole.RoleOwner
		case conv.CreatedByUserID:
			role = convrole.RoleViewer
		default:
			return "", domainError(http.StatusForbidden, "FORBIDDEN", "You are not part of this conversation", nil)
		}
	default:
		return "", err
	}
	if !convrole.Can(role, action) {
		return "", domainError(http.StatusForbidden, "FORBIDDEN", "Your role does not allow this action", nil)
	}
	return role, nil
}

func (s *Service) indexMessage(ctx context.Context, conv store.Conversation, msg store.Message) {
	if s.search == nil {
		return
	}
	label := ""
	if p, err := s.store.GetProperty(ctx, conv.PropertyID); err == nil {
		label = p.Label
	}
	s.search.IndexMessage(search.MessageRecord{
		ID:             msg.ID,
		Body:           msg.Body,
		ConversationID: conv.ID,
		PropertyID:     conv.PropertyID,
		PropertyLabel:  label,
		ParticipantIDs: []string{conv.OwnerUserID, conv.CreatedByUserID},
		CreatedAt:      msg.CreatedAt.Unix(),
	})
}

// GetConversation renders the full thread: the merged message and unlock
// stream, participants, album visibility, and the quoted waiting note when
// the thread was opened by promoting one.
func (s *Service) GetConversation(ctx context.Context, conversationID, callerID string) (map[string]any, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	role, err := s.requireParticipant(ctx, conv, callerID, convrole.ActionRead)
	if err != nil {
		return nil, err
	}

	items, unlocks, err := s.conversationStream(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	names := s.participantNames(ctx, conv)

	streamViews := make([]map[string]any, 0, len(items))
	for _, item := range items {
		streamViews = append(streamViews, streamItemView(item, callerID, names))
	}

	view := conversationSummaryView(conv)
	view["role"] = string(role)

	if p, err := s.store.GetProperty(ctx, conv.PropertyID); err == nil {
		view["property"] = propertySummaryView(p)
	} else {
		log.Printf("conversations: property %s missing for %s: %v", conv.PropertyID, conv.ID, err)
		view["property"] = map[string]any{"id": conv.PropertyID, "label": unlistedLabel}
	}

	view["participants"] = s.participantViews(ctx, conv, names)

	if albums, err := s.conversationAlbums(ctx, conv, callerID, unlocks); err != nil {
		log.Printf("albums: list for conversation %s: %v", conv.ID, err)
	} else {
		view["albums"] = albums
	}

	if note, ok := s.promotedNote(ctx, conv.ID); ok {
		view["waitingNote"] = map[string]any{
			"body":   note.Body,
			"sentAt": note.CreatedAt.UTC().Format(time.RFC3339),
			"sentBy": names[note.SenderUserID],
		}
	}

	view["stream"] = streamViews
	return map[string]any{"conversation": view}, nil
}

func (s *Service) conversationStream(ctx context.Context, conversationID string) ([]stream.Item, []store.AlbumUnlock, error) {
	messages, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	unlocks, err := s.store.ListAlbumUnlocks(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}

	streamMsgs := make([]stream.Message, 0, len(messages))
	for _, m := range messages {
		streamMsgs = append(streamMsgs, stream.Message{
			ID:           m.ID,
			SenderUserID: m.SenderUserID,
			Body:         m.Body,
			At:           m.CreatedAt,
		})
	}
	streamUnlocks := make([]stream.Unlock, 0, len(unlocks))
	for _, u := range unlocks {
		streamUnlocks = append(streamUnlocks, stream.Unlock{
			ID:               u.ID,
			AlbumKey:         u.AlbumKey,
			UnlockedByUserID: u.UnlockedByUserID,
			At:               u.UnlockedAt,
		})
	}
	return stream.Build(streamMsgs, streamUnlocks), unlocks, nil
}

// participantNames resolves display names for both parties. A deleted
// account keeps the thread readable under a placeholder name.
func (s *Service) participantNames(ctx context.Context, conv store.Conversation) map[string]string {
	names := make(map[string]string, 2)
	for _, id := range []string{conv.OwnerUserID, conv.CreatedByUserID} {
		if id == "" {
			continue
		}
		user, err := s.store.GetUserByID(ctx, id)
		if err != nil {
			names[id] = "Former neighbour"
			continue
		}
		names[id] = user.Name
	}
	return names
}

func (s *Service) participantViews(ctx context.Context, conv store.Conversation, names map[string]string) []map[string]any {
	rows, err := s.store.ListParticipants(ctx, conv.ID)
	if err != nil || len(rows) == 0 {
		if err != nil {
			log.Printf("conversations: list participants %s: %v", conv.ID, err)
		}
		rows = []store.Participant{
			{ConversationID: conv.ID, UserID: conv.OwnerUserID, Role: string(convrole.RoleOwner)},
			{ConversationID: conv.ID, UserID: conv.CreatedByUserID, Role: string(convrole.RoleViewer)},
		}
	}
	views := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		name := names[row.UserID]
		views = append(views, map[string]any{
			"userId":   row.UserID,
			"role":     row.Role,
			"name":     name,
			"initials": initials(name),
		})
	}
	return views
}

func (s *Service) promotedNote(ctx context.Context, conversationID string) (store.WaitingNote, bool) {
	note, err := s.store.GetNoteByConversation(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Printf("notes: lookup by conversation %s: %v", conversationID, err)
		}
		return store.WaitingNote{}, false
	}
	return note, true
}

func streamItemView(item stream.Item, callerID string, names map[string]string) map[string]any {
	view := map[string]any{
		"kind": string(item.Kind),
		"at":   item.At.UTC().Format(time.RFC3339),
	}
	switch item.Kind {
	case stream.KindMessage:
		view["message"] = map[string]any{
			"id":         item.Message.ID,
			"senderId":   item.Message.SenderUserID,
			"senderName": names[item.Message.SenderUserID],
			"mine":       item.Message.SenderUserID == callerID,
			"body":       item.Message.Body,
		}
	case stream.KindAlbumUnlocked:
		view["unlock"] = map[string]any{
			"id":         item.Unlock.ID,
			"albumKey":   item.Unlock.AlbumKey,
			"unlockedBy": names[item.Unlock.UnlockedByUserID],
		}
	}
	return view
}

func messageView(m store.Message, callerID string) map[string]any {
	return map[string]any{
		"id":             m.ID,
		"conversationId": m.ConversationID,
		"senderId":       m.SenderUserID,
		"mine":           m.SenderUserID == callerID,
		"body":           m.Body,
		"sentAt":         m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func conversationSummaryView(c store.Conversation) map[string]any {
	return map[string]any{
		"id":         c.ID,
		"propertyId": c.PropertyID,
		"ownerId":    c.OwnerUserID,
		"viewerId":   c.CreatedByUserID,
		"createdAt":  c.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":  c.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// ExportConversation renders the thread to PDF or DOCX for dispute records
// and solicitor handoffs.
func (s *Service) ExportConversation(ctx context.Context, conversationID, callerID, format string) (*export.Result, error) {
	var f export.Format
	switch format {
	case "", "pdf":
		f = export.FormatPDF
	case "docx":
		f = export.FormatDOCX
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be pdf or docx", nil)
	}
	if s.export == nil {
		return nil, domainError(http.StatusConflict, "EXPORT_UNAVAILABLE", "Transcript export is not available on this server", nil)
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireParticipant(ctx, conv, callerID, convrole.ActionExport); err != nil {
		return nil, err
	}

	items, _, err := s.conversationStream(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	names := s.participantNames(ctx, conv)

	label := unlistedLabel
	if p, err := s.store.GetProperty(ctx, conv.PropertyID); err == nil {
		label = p.Label
	}

	albumTitles := make(map[string]string)
	if albums, err := s.store.ListAlbumsByProperty(ctx, conv.PropertyID); err == nil {
		for _, a := range albums {
			albumTitles[a.Key] = a.Title
		}
	}

	t := export.Transcript{
		ConversationID: conv.ID,
		PropertyLabel:  label,
		OwnerName:      names[conv.OwnerUserID],
		ViewerName:     names[conv.CreatedByUserID],
		CreatedAt:      conv.CreatedAt,
	}
	if note, ok := s.promotedNote(ctx, conv.ID); ok {
		t.HasNote = true
		t.NoteBody = note.Body
		t.NoteAt = note.CreatedAt
	}
	for _, item := range items {
		switch item.Kind {
		case stream.KindMessage:
			t.Items = append(t.Items, export.Item{
				Kind:       "message",
				AuthorName: names[item.Message.SenderUserID],
				Body:       item.Message.Body,
				At:         item.At,
			})
		case stream.KindAlbumUnlocked:
			title := albumTitles[item.Unlock.AlbumKey]
			if title == "" {
				title = item.Unlock.AlbumKey
			}
			t.Items = append(t.Items, export.Item{
				Kind:       "album_unlocked",
				AuthorName: names[item.Unlock.UnlockedByUserID],
				Body:       title,
				At:         item.At,
			})
		}
	}

	result, err := s.export.Export(ctx, t, f)
	if err != nil {
		if errors.Is(err, export.ErrChromeNotInstalled) || errors.Is(err, export.ErrPandocNotInstalled) {
			return nil, domainError(http.StatusConflict, "EXPORT_UNAVAILABLE", "Transcript export is not available on this server", nil)
		}
		return nil, err
	}
	return result, nil
}
