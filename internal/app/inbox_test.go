package app

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/aikidochris/NEST-sub000/internal/store"
)

func inboxRow(id, propertyID, ownerID, viewerID, role string, updatedAt time.Time) store.ConversationListRow {
	return store.ConversationListRow{
		Conversation: store.Conversation{
			ID:              id,
			PropertyID:      propertyID,
			OwnerUserID:     ownerID,
			CreatedByUserID: viewerID,
			CreatedAt:       updatedAt.Add(-time.Hour),
			UpdatedAt:       updatedAt,
		},
		Role: role,
	}
}

func TestInboxCollapsesDuplicatePairs(t *testing.T) {
	now := time.Now()
	fs := &fakeStore{
		listConversationsForUserFn: func(context.Context, string) ([]store.ConversationListRow, error) {
			// Rows arrive newest first, matching the store's ordering.
			return []store.ConversationListRow{
				inboxRow("conv_new", "prop_1", "usr_me", "usr_visitor", "owner", now),
				inboxRow("conv_old", "prop_1", "usr_me", "usr_visitor", "owner", now.Add(-72*time.Hour)),
			}, nil
		},
		getPropertyFn: func(context.Context, string) (store.Property, error) {
			return claimedProperty("usr_me"), nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ListInbox(context.Background(), "usr_me")
	if err != nil {
		t.Fatalf("list inbox: %v", err)
	}
	if payload["count"] != 1 {
		t.Fatalf("expected duplicates collapsed to one entry, got %v", payload["count"])
	}
	views := payload["conversations"].([]map[string]any)
	if views[0]["id"] != "conv_new" {
		t.Fatalf("expected the newest thread to represent the pair, got %v", views[0]["id"])
	}
}

func TestInboxSeparatesDistinctPairs(t *testing.T) {
	now := time.Now()
	fs := &fakeStore{
		listConversationsForUserFn: func(context.Context, string) ([]store.ConversationListRow, error) {
			return []store.ConversationListRow{
				inboxRow("conv_1", "prop_1", "usr_me", "usr_visitor", "owner", now),
				inboxRow("conv_2", "prop_2", "usr_me", "usr_visitor", "owner", now.Add(-time.Hour)),
				inboxRow("conv_3", "prop_1", "usr_me", "usr_other", "owner", now.Add(-2*time.Hour)),
			}, nil
		},
		getPropertyFn: func(context.Context, string) (store.Property, error) {
			return claimedProperty("usr_me"), nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ListInbox(context.Background(), "usr_me")
	if err != nil {
		t.Fatalf("list inbox: %v", err)
	}
	if payload["count"] != 3 {
		t.Fatalf("expected three distinct pairs, got %v", payload["count"])
	}
}

func TestInboxCounterpartyFollowsRole(t *testing.T) {
	now := time.Now()
	users := map[string]store.User{
		"usr_owner":   {ID: "usr_owner", Name: "Meera Shah"},
		"usr_visitor": {ID: "usr_visitor", Name: "Tom Price"},
	}
	fs := &fakeStore{
		listConversationsForUserFn: func(_ context.Context, userID string) ([]store.ConversationListRow, error) {
			role := "owner"
			if userID == "usr_visitor" {
				role = "viewer"
			}
			return []store.ConversationListRow{
				inboxRow("conv_1", "prop_1", "usr_owner", "usr_visitor", role, now),
			}, nil
		},
		getUserByIDFn: func(_ context.Context, id string) (store.User, error) {
			if u, ok := users[id]; ok {
				return u, nil
			}
			return store.User{}, sql.ErrNoRows
		},
		getPropertyFn: func(context.Context, string) (store.Property, error) {
			return claimedProperty("usr_owner"), nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ListInbox(context.Background(), "usr_owner")
	if err != nil {
		t.Fatalf("owner inbox: %v", err)
	}
	entry := payload["conversations"].([]map[string]any)[0]
	counterparty := entry["counterparty"].(map[string]any)
	if counterparty["name"] != "Tom Price" {
		t.Fatalf("expected the owner to see the visitor, got %v", counterparty["name"])
	}

	payload, err = svc.ListInbox(context.Background(), "usr_visitor")
	if err != nil {
		t.Fatalf("visitor inbox: %v", err)
	}
	entry = payload["conversations"].([]map[string]any)[0]
	counterparty = entry["counterparty"].(map[string]any)
	if counterparty["name"] != "Meera Shah" {
		t.Fatalf("expected the visitor to see the owner, got %v", counterparty["name"])
	}
}

func TestInboxKeepsVanishedProperty(t *testing.T) {
	fs := &fakeStore{
		listConversationsForUserFn: func(context.Context, string) ([]store.ConversationListRow, error) {
			return []store.ConversationListRow{
				inboxRow("conv_1", "prop_gone", "usr_me", "usr_visitor", "owner", time.Now()),
			}, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ListInbox(context.Background(), "usr_me")
	if err != nil {
		t.Fatalf("list inbox: %v", err)
	}
	entry := payload["conversations"].([]map[string]any)[0]
	property := entry["property"].(map[string]any)
	if property["label"] != unlistedLabel {
		t.Fatalf("expected placeholder label, got %v", property["label"])
	}
}

func TestInboxUsesLatestMessageForActivity(t *testing.T) {
	rowAt := time.Now().Add(-48 * time.Hour)
	msgAt := time.Now().Add(-30 * time.Minute)
	fs := &fakeStore{
		listConversationsForUserFn: func(context.Context, string) ([]store.ConversationListRow, error) {
			return []store.ConversationListRow{
				inboxRow("conv_1", "prop_1", "usr_me", "usr_visitor", "owner", rowAt),
			}, nil
		},
		getPropertyFn: func(context.Context, string) (store.Property, error) {
			return claimedProperty("usr_me"), nil
		},
		getLatestMessageFn: func(context.Context, string) (*store.Message, error) {
			return &store.Message{
				ID:             "msg_9",
				ConversationID: "conv_1",
				SenderUserID:   "usr_me",
				Body:           "Yes, asking £300k",
				CreatedAt:      msgAt,
			}, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ListInbox(context.Background(), "usr_me")
	if err != nil {
		t.Fatalf("list inbox: %v", err)
	}
	entry := payload["conversations"].([]map[string]any)[0]
	last := entry["lastMessage"].(map[string]any)
	if last["mine"] != true {
		t.Fatalf("expected the owner's own message flagged mine, got %v", last["mine"])
	}
	if last["body"] != "Yes, asking £300k" {
		t.Fatalf("unexpected preview: %v", last["body"])
	}
	if entry["lastActivityAt"] != msgAt.UTC().Format(time.RFC3339) {
		t.Fatalf("expected activity to follow the latest message, got %v", entry["lastActivityAt"])
	}
}

func TestInboxFallsBackToThreadTimestamp(t *testing.T) {
	rowAt := time.Now().Add(-3 * time.Hour)
	fs := &fakeStore{
		listConversationsForUserFn: func(context.Context, string) ([]store.ConversationListRow, error) {
			return []store.ConversationListRow{
				inboxRow("conv_1", "prop_1", "usr_me", "usr_visitor", "owner", rowAt),
			}, nil
		},
		getPropertyFn: func(context.Context, string) (store.Property, error) {
			return claimedProperty("usr_me"), nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ListInbox(context.Background(), "usr_me")
	if err != nil {
		t.Fatalf("list inbox: %v", err)
	}
	entry := payload["conversations"].([]map[string]any)[0]
	if _, ok := entry["lastMessage"]; ok {
		t.Fatalf("expected no lastMessage on an empty thread")
	}
	if entry["lastActivityAt"] != rowAt.UTC().Format(time.RFC3339) {
		t.Fatalf("expected activity to fall back to the thread timestamp, got %v", entry["lastActivityAt"])
	}
	if entry["lastActivityAgo"] != "3h ago" {
		t.Fatalf("expected 3h ago, got %v", entry["lastActivityAgo"])
	}
}

func TestInboxSortsByActivityDesc(t *testing.T) {
	now := time.Now()
	fs := &fakeStore{
		listConversationsForUserFn: func(context.Context, string) ([]store.ConversationListRow, error) {
			return []store.ConversationListRow{
				inboxRow("conv_quiet", "prop_1", "usr_me", "usr_visitor", "owner", now.Add(-time.Hour)),
				inboxRow("conv_busy", "prop_2", "usr_me", "usr_other", "owner", now.Add(-2*time.Hour)),
			}, nil
		},
		getPropertyFn: func(context.Context, string) (store.Property, error) {
			return claimedProperty("usr_me"), nil
		},
		getLatestMessageFn: func(_ context.Context, conversationID string) (*store.Message, error) {
			if conversationID == "conv_busy" {
				return &store.Message{
					ID:             "msg_1",
					ConversationID: conversationID,
					SenderUserID:   "usr_other",
					Body:           "Just sent the documents over",
					CreatedAt:      now.Add(-time.Minute),
				}, nil
			}
			return nil, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ListInbox(context.Background(), "usr_me")
	if err != nil {
		t.Fatalf("list inbox: %v", err)
	}
	views := payload["conversations"].([]map[string]any)
	if len(views) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(views))
	}
	if views[0]["id"] != "conv_busy" {
		t.Fatalf("expected the thread with the fresher message first, got %v", views[0]["id"])
	}
}
