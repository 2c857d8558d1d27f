package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aikidochris/NEST-sub000/internal/store"
)

func unclaimedProperty() store.Property {
	return store.Property{
		ID:    "prop_1",
		Label: "22 Percy Park, Tynemouth",
		Lat:   55.0151,
		Lon:   -1.4302,
	}
}

func TestLeaveWaitingNoteRecordsNote(t *testing.T) {
	var inserted *store.WaitingNote
	fs := &fakeStore{
		getPropertyFn: func(context.Context, string) (store.Property, error) {
			return unclaimedProperty(), nil
		},
		getUserByIDFn: func(_ context.Context, id string) (store.User, error) {
			return store.User{ID: id, Name: "Tom Price"}, nil
		},
		insertWaitingNoteFn: func(_ context.Context, n store.WaitingNote) (store.WaitingNote, error) {
			n.CreatedAt = time.Now()
			inserted = &n
			return n, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.LeaveWaitingNote(context.Background(), "prop_1", "usr_visitor", "  Hi, is this for sale?  ")
	if err != nil {
		t.Fatalf("leave note: %v", err)
	}
	if inserted == nil || inserted.Body != "Hi, is this for sale?" {
		t.Fatalf("expected trimmed note body, got %+v", inserted)
	}
	note := payload["note"].(map[string]any)
	if note["open"] != true || note["mine"] != true {
		t.Fatalf("unexpected note view: %+v", note)
	}
	if note["senderName"] != "Tom Price" {
		t.Fatalf("expected sender name, got %v", note["senderName"])
	}
}

func TestLeaveWaitingNoteEnforcesQuota(t *testing.T) {
	fs := &fakeStore{
		getPropertyFn: func(context.Context, string) (store.Property, error) {
			return unclaimedProperty(), nil
		},
		countOpenNotesFn: func(context.Context, string) (int, error) { return 5, nil },
	}
	svc := newTestService(fs)

	_, err := svc.LeaveWaitingNote(context.Background(), "prop_1", "usr_visitor", "Hello")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "NOTE_QUOTA_EXCEEDED" {
		t.Fatalf("expected NOTE_QUOTA_EXCEEDED, got %s", domainErr.Code)
	}
	details := domainErr.Details.(map[string]any)
	if details["quota"] != 5 {
		t.Fatalf("expected quota 5 in details, got %v", details["quota"])
	}
}

func TestLeaveWaitingNoteDeduplicatesSender(t *testing.T) {
	var gotSince time.Time
	fs := &fakeStore{
		getPropertyFn: func(context.Context, string) (store.Property, error) {
			return unclaimedProperty(), nil
		},
		hasRecentNoteFn: func(_ context.Context, _, _ string, since time.Time) (bool, error) {
			gotSince = since
			return true, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.LeaveWaitingNote(context.Background(), "prop_1", "usr_visitor", "Hello again")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "DUPLICATE_NOTE" {
		t.Fatalf("expected DUPLICATE_NOTE, got %s", domainErr.Code)
	}
	window := time.Since(gotSince)
	if window < 23*time.Hour || window > 25*time.Hour {
		t.Fatalf("expected a 24h dedupe window, got %v", window)
	}
}

func TestLeaveWaitingNoteOnClaimedProperty(t *testing.T) {
	fs := &fakeStore{
		getPropertyFn: func(context.Context, string) (store.Property, error) {
			return claimedProperty("usr_owner"), nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.LeaveWaitingNote(context.Background(), "prop_1", "usr_visitor", "Hello")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "PROPERTY_ALREADY_CLAIMED" {
		t.Fatalf("expected PROPERTY_ALREADY_CLAIMED, got %s", domainErr.Code)
	}

	_, err = svc.LeaveWaitingNote(context.Background(), "prop_1", "usr_owner", "Note to self")
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "SELF_MESSAGE" {
		t.Fatalf("expected SELF_MESSAGE for the owner, got %s", domainErr.Code)
	}
}

func TestListPropertyNotesScopesToCaller(t *testing.T) {
	ownerListed := false
	senderListed := ""
	fs := &fakeStore{
		getPropertyFn: func(context.Context, string) (store.Property, error) {
			return claimedProperty("usr_owner"), nil
		},
		listOpenNotesByPropertyFn: func(context.Context, string) ([]store.WaitingNote, error) {
			ownerListed = true
			return nil, nil
		},
		listOpenNotesBySenderFn: func(_ context.Context, _, senderID string) ([]store.WaitingNote, error) {
			senderListed = senderID
			return nil, nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.ListPropertyNotes(context.Background(), "prop_1", "usr_owner"); err != nil {
		t.Fatalf("owner list: %v", err)
	}
	if !ownerListed {
		t.Fatalf("expected the owner to see all open notes")
	}

	if _, err := svc.ListPropertyNotes(context.Background(), "prop_1", "usr_visitor"); err != nil {
		t.Fatalf("visitor list: %v", err)
	}
	if senderListed != "usr_visitor" {
		t.Fatalf("expected a visitor to see only their own notes, got %q", senderListed)
	}
}

func openNote() store.WaitingNote {
	return store.WaitingNote{
		ID:           "note_1",
		PropertyID:   "prop_1",
		SenderUserID: "usr_visitor",
		Body:         "Hi, is this for sale?",
		CreatedAt:    time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestReplyPromotesNoteIntoConversation(t *testing.T) {
	property := claimedProperty("usr_owner")
	property.SoftListing = false
	property.ForSale = true

	var createdConv *store.Conversation
	var insertedMsg *store.Message
	var handledNote, handledConv string
	fs := &fakeStore{
		getWaitingNoteFn: func(context.Context, string) (store.WaitingNote, error) {
			return openNote(), nil
		},
		getPropertyFn: func(context.Context, string) (store.Property, error) {
			return property, nil
		},
		createConversationFn: func(_ context.Context, c store.Conversation) (store.Conversation, error) {
			now := time.Now()
			c.CreatedAt = now
			c.UpdatedAt = now
			createdConv = &c
			return c, nil
		},
		insertMessageFn: func(_ context.Context, m store.Message) (store.Message, error) {
			m.CreatedAt = time.Now()
			insertedMsg = &m
			return m, nil
		},
		markNoteHandledFn: func(_ context.Context, noteID, conversationID string) error {
			handledNote, handledConv = noteID, conversationID
			return nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ReplyToWaitingNote(context.Background(), "note_1", "usr_owner", "Yes, asking £300k")
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if createdConv == nil {
		t.Fatalf("expected a conversation to be created")
	}
	if createdConv.CreatedByUserID != "usr_visitor" {
		t.Fatalf("expected the note author as the viewer party, got %s", createdConv.CreatedByUserID)
	}
	if insertedMsg == nil || insertedMsg.SenderUserID != "usr_owner" {
		t.Fatalf("expected the reply message from the owner, got %+v", insertedMsg)
	}
	if handledNote != "note_1" || handledConv != createdConv.ID {
		t.Fatalf("expected note_1 marked handled against %s, got %s/%s", createdConv.ID, handledNote, handledConv)
	}
	if payload["conversationId"] != createdConv.ID {
		t.Fatalf("expected conversationId %s, got %v", createdConv.ID, payload["conversationId"])
	}
	quoted := payload["quotedNote"].(map[string]any)
	if quoted["body"] != "Hi, is this for sale?" {
		t.Fatalf("expected the quoted note body, got %v", quoted["body"])
	}
}

func TestReplyPromotesDespiteSettledStatus(t *testing.T) {
	// The status gate applies to visitors starting threads, not to an owner
	// answering a note that predates the status change.
	property := claimedProperty("usr_owner")
	property.SoftListing = false
	property.Settled = true
	fs := &fakeStore{
		getWaitingNoteFn: func(context.Context, string) (store.WaitingNote, error) {
			return openNote(), nil
		},
		getPropertyFn: func(context.Context, string) (store.Property, error) {
			return property, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ReplyToWaitingNote(context.Background(), "note_1", "usr_owner", "Sorry, we've settled in, but thanks for the note")
	if err != nil {
		t.Fatalf("expected promotion to bypass the status gate, got %v", err)
	}
	if payload["conversationId"] == "" {
		t.Fatalf("expected a conversation id")
	}
}

func TestReplyToHandledNoteReturnsConflict(t *testing.T) {
	handledAt := time.Now().Add(-time.Hour)
	fs := &fakeStore{
		getWaitingNoteFn: func(context.Context, string) (store.WaitingNote, error) {
			note := openNote()
			note.HandledAt = &handledAt
			note.HandledConversationID = strPtr("conv_9")
			return note, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.ReplyToWaitingNote(context.Background(), "note_1", "usr_owner", "Hello again")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "NOTE_ALREADY_HANDLED" {
		t.Fatalf("expected NOTE_ALREADY_HANDLED, got %s", domainErr.Code)
	}
	details := domainErr.Details.(map[string]any)
	if details["conversationId"] != "conv_9" {
		t.Fatalf("expected the handling conversation in details, got %v", details["conversationId"])
	}
}

func TestReplyRequiresOwner(t *testing.T) {
	fs := &fakeStore{
		getWaitingNoteFn: func(context.Context, string) (store.WaitingNote, error) {
			return openNote(), nil
		},
		getPropertyFn: func(context.Context, string) (store.Property, error) {
			return claimedProperty("usr_owner"), nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.ReplyToWaitingNote(context.Background(), "note_1", "usr_neighbour", "I can answer that")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", domainErr.Code)
	}
}

func TestReplyRequiresClaimedProperty(t *testing.T) {
	fs := &fakeStore{
		getWaitingNoteFn: func(context.Context, string) (store.WaitingNote, error) {
			return openNote(), nil
		},
		getPropertyFn: func(context.Context, string) (store.Property, error) {
			return unclaimedProperty(), nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.ReplyToWaitingNote(context.Background(), "note_1", "usr_owner", "Replying anyway")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "PROPERTY_NOT_CLAIMED" {
		t.Fatalf("expected PROPERTY_NOT_CLAIMED, got %s", domainErr.Code)
	}
}

func TestReplyRejectsOwnNote(t *testing.T) {
	// The owner left a note before claiming, then claimed and tried to
	// answer themselves.
	fs := &fakeStore{
		getWaitingNoteFn: func(context.Context, string) (store.WaitingNote, error) {
			note := openNote()
			note.SenderUserID = "usr_owner"
			return note, nil
		},
		getPropertyFn: func(context.Context, string) (store.Property, error) {
			return claimedProperty("usr_owner"), nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.ReplyToWaitingNote(context.Background(), "note_1", "usr_owner", "Talking to myself")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "SELF_REPLY" {
		t.Fatalf("expected SELF_REPLY, got %s", domainErr.Code)
	}
}

func TestReplySucceedsWhenMarkHandledFails(t *testing.T) {
	fs := &fakeStore{
		getWaitingNoteFn: func(context.Context, string) (store.WaitingNote, error) {
			return openNote(), nil
		},
		getPropertyFn: func(context.Context, string) (store.Property, error) {
			return claimedProperty("usr_owner"), nil
		},
		markNoteHandledFn: func(context.Context, string, string) error {
			return errors.New("connection reset")
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ReplyToWaitingNote(context.Background(), "note_1", "usr_owner", "Yes, asking £300k")
	if err != nil {
		t.Fatalf("expected the reply to land even when mark-handled fails, got %v", err)
	}
	if payload["conversationId"] == "" {
		t.Fatalf("expected a conversation id in the response")
	}
}

func TestReplyAbortsWhenMessageInsertFails(t *testing.T) {
	handled := false
	fs := &fakeStore{
		getWaitingNoteFn: func(context.Context, string) (store.WaitingNote, error) {
			return openNote(), nil
		},
		getPropertyFn: func(context.Context, string) (store.Property, error) {
			return claimedProperty("usr_owner"), nil
		},
		insertMessageFn: func(context.Context, store.Message) (store.Message, error) {
			return store.Message{}, errors.New("disk full")
		},
		markNoteHandledFn: func(context.Context, string, string) error {
			handled = true
			return nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.ReplyToWaitingNote(context.Background(), "note_1", "usr_owner", "Yes"); err == nil {
		t.Fatalf("expected the reply to fail when the message insert fails")
	}
	if handled {
		t.Fatalf("expected the note to stay open when the reply never landed")
	}
}
