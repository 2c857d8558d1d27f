// Package stream merges a conversation's messages and album-unlock events
// into one chronological feed. It is pure and re-runnable; both the HTTP
// read path and transcript export render from it.
package stream

import (
	"sort"
	"time"
)

type Kind string

const (
	KindMessage       Kind = "message"
	KindAlbumUnlocked Kind = "album_unlocked"
)

type Message struct {
	ID           string
	SenderUserID string
	Body         string
	At           time.Time
}

type Unlock struct {
	ID               string
	AlbumKey         string
	UnlockedByUserID string
	At               time.Time
}

// Item is one entry of the merged feed. Exactly one of Message or Unlock is
// set, matching Kind.
type Item struct {
	Kind    Kind
	At      time.Time
	Message *Message
	Unlock  *Unlock
}

// Build merges both collections ascending by timestamp. An unlock with the
// same timestamp as a message sorts after the message: unlocks are a
// consequence of the exchange, not part of it.
func Build(messages []Message, unlocks []Unlock) []Item {
	msgs := make([]Message, len(messages))
	copy(msgs, messages)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].At.Before(msgs[j].At) })

	uls := make([]Unlock, len(unlocks))
	copy(uls, unlocks)
	sort.SliceStable(uls, func(i, j int) bool { return uls[i].At.Before(uls[j].At) })

	out := make([]Item, 0, len(msgs)+len(uls))
	i, j := 0, 0
	for i < len(msgs) || j < len(uls) {
		if j >= len(uls) || (i < len(msgs) && !msgs[i].At.After(uls[j].At)) {
			m := msgs[i]
			out = append(out, Item{Kind: KindMessage, At: m.At, Message: &m})
			i++
			continue
		}
		u := uls[j]
		out = append(out, Item{Kind: KindAlbumUnlocked, At: u.At, Unlock: &u})
		j++
	}
	return out
}
