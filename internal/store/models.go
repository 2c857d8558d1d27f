package store

import "time"

type User struct {
	ID              string
	Name            string
	Email           string
	PasswordHash    string
	IsEmailVerified bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AuthToken backs email verification and password reset flows. Value is
// stored hashed.
type AuthToken struct {
	ID        string
	UserID    string
	Purpose   string // verify_email or password_reset
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Session is the Postgres fallback for refresh tokens when Redis is not
// configured.
type Session struct {
	ID               string
	UserID           string
	RefreshTokenHash string
	ExpiresAt        time.Time
	RevokedAt        *time.Time
	CreatedAt        time.Time
}

type Property struct {
	ID          string
	ExternalID  *string
	Label       string
	Lat         float64
	Lon         float64
	Geohash     string
	Height      *float64
	OwnerUserID *string
	SoftListing bool
	ForSale     bool
	ForRent     bool
	Settled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (p Property) Claimed() bool {
	return p.OwnerUserID != nil && *p.OwnerUserID != ""
}

// PropertyUpsert is one row of a bulk import. ID is used only when the row
// turns out to be new. Claim state and intent flags are never touched by
// imports.
type PropertyUpsert struct {
	ID         string
	ExternalID string
	Label      string
	Lat        float64
	Lon        float64
	Height     *float64
}

// Conversation is one owner/viewer thread about a property. CreatedByUserID
// is always the viewer party: when a waiting note is promoted, the note's
// author is recorded here even though the owner's reply opened the thread.
type Conversation struct {
	ID              string
	PropertyID      string
	OwnerUserID     string
	CreatedByUserID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Participant struct {
	ConversationID string
	UserID         string
	Role           string // owner or viewer
	CreatedAt      time.Time
}

// ConversationWithParticipants is the join shape the identity resolver
// works over.
type ConversationWithParticipants struct {
	Conversation
	Participants []Participant
}

type Message struct {
	ID             string
	ConversationID string
	SenderUserID   string
	Body           string
	CreatedAt      time.Time
}

type WaitingNote struct {
	ID                    string
	PropertyID            string
	SenderUserID          string
	Body                  string
	CreatedAt             time.Time
	HandledAt             *time.Time
	HandledConversationID *string
}

func (n WaitingNote) Open() bool {
	return n.HandledAt == nil
}

type Album struct {
	ID         string
	PropertyID string
	Key        string
	Title      string
	Position   int
	CreatedAt  time.Time
}

type AlbumUnlock struct {
	ID               string
	ConversationID   string
	PropertyID       string
	AlbumKey         string
	UnlockedByUserID string
	UnlockedAt       time.Time
}

// ConversationListRow is one conversation as seen by a specific user: the
// row plus that user's participant role. Input to the inbox aggregator.
type ConversationListRow struct {
	Conversation
	Role string
}
