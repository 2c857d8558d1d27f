package app

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/aikidochris/NEST-sub000/internal/store"
)

// unlistedLabel stands in for a property that can no longer be loaded. The
// inbox never drops a conversation just because its property vanished.
const unlistedLabel = "(unlisted property)"

type inboxEntry struct {
	at   time.Time
	view map[string]any
}

// ListInbox aggregates every conversation the user takes part in, across
// all properties, one entry per (property, counterparty) pair. When
// historical duplicates exist for a pair, the most recently updated thread
// represents it and the rest are logged.
func (s *Service) ListInbox(ctx context.Context, userID string) (map[string]any, error) {
	rows, err := s.store.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	type pairKey struct {
		propertyID     string
		counterpartyID string
	}
	seen := make(map[pairKey]string, len(rows))
	entries := make([]inboxEntry, 0, len(rows))
	for _, row := range rows {
		counterparty := row.OwnerUserID
		if row.Role == "owner" {
			counterparty = row.CreatedByUserID
		}
		key := pairKey{propertyID: row.PropertyID, counterpartyID: counterparty}
		if keptID, dup := seen[key]; dup {
			log.Printf("conversations: duplicates collapsed property=%s kept=%s discarded=%s", row.PropertyID, keptID, row.ID)
			continue
		}
		seen[key] = row.ID
		entries = append(entries, s.inboxEntry(ctx, row, counterparty))
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].at.After(entries[j].at)
	})

	views := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		views = append(views, entry.view)
	}
	return map[string]any{"conversations": views, "count": len(views)}, nil
}

// inboxEntry builds one inbox row: counterparty, property context, and a
// preview of the latest message. Last activity falls back to the thread's
// updated-at when no message has been sent yet.
func (s *Service) inboxEntry(ctx context.Context, row store.ConversationListRow, counterpartyID string) inboxEntry {
	view := map[string]any{
		"id":         row.ID,
		"propertyId": row.PropertyID,
		"role":       row.Role,
	}

	counterpartyName := "Former neighbour"
	if user, err := s.store.GetUserByID(ctx, counterpartyID); err == nil {
		counterpartyName = user.Name
	}
	view["counterparty"] = map[string]any{
		"id":       counterpartyID,
		"name":     counterpartyName,
		"initials": initials(counterpartyName),
	}

	if p, err := s.store.GetProperty(ctx, row.PropertyID); err == nil {
		view["property"] = map[string]any{
			"id":    p.ID,
			"label": p.Label,
			"lat":   p.Lat,
			"lon":   p.Lon,
		}
	} else {
		log.Printf("inbox: property %s missing for %s: %v", row.PropertyID, row.ID, err)
		view["property"] = map[string]any{
			"id":    row.PropertyID,
			"label": unlistedLabel,
		}
	}

	lastActivity := row.UpdatedAt
	msg, err := s.store.GetLatestMessage(ctx, row.ID)
	if err != nil {
		log.Printf("inbox: latest message for %s: %v", row.ID, err)
	} else if msg != nil {
		view["lastMessage"] = map[string]any{
			"body":     preview(msg.Body),
			"senderId": msg.SenderUserID,
			"mine":     msg.SenderUserID != counterpartyID,
			"at":       msg.CreatedAt.UTC().Format(time.RFC3339),
		}
		lastActivity = msg.CreatedAt
	}

	view["lastActivityAt"] = lastActivity.UTC().Format(time.RFC3339)
	view["lastActivityAgo"] = relative(lastActivity)

	return inboxEntry{at: lastActivity, view: view}
}
