package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mmcloughlin/geohash"
)

// geohashPrecision is the cell size used for proximity grouping. Five
// characters is roughly a 5km x 5km cell, enough for neighbourhood browsing.
const geohashPrecision = 5

// ErrAlbumExists is returned when an album key is already taken for a
// property.
var ErrAlbumExists = errors.New("album key already exists for property")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Geohash exposes the cell encoding used for property rows so browse
// queries and imports agree on the precision.
func Geohash(lat, lon float64) string {
	return geohash.EncodeWithPrecision(lat, lon, geohashPrecision)
}

// ---- users ----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, is_email_verified)
		VALUES ($1, $2, LOWER($3), $4, $5)
	`, user.ID, user.Name, user.Email, user.PasswordHash, user.IsEmailVerified)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, is_email_verified, created_at, updated_at
		FROM users
		WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.IsEmailVerified, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, is_email_verified, created_at, updated_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.IsEmailVerified, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkUserEmailVerified(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_email_verified=TRUE, updated_at=NOW() WHERE id=$1
	`, userID)
	if err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	return nil
}

// ---- auth tokens (email verification, password reset) ----

func (s *PostgresStore) CreateAuthToken(ctx context.Context, token AuthToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_tokens (id, user_id, purpose, token_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, token.ID, token.UserID, token.Purpose, token.TokenHash, token.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create auth token: %w", err)
	}
	return nil
}

// ConsumeAuthToken marks a live token used and returns it. A second consume
// of the same token misses the WHERE clause and reports sql.ErrNoRows.
func (s *PostgresStore) ConsumeAuthToken(ctx context.Context, purpose, tokenHash string) (AuthToken, error) {
	var token AuthToken
	err := s.db.QueryRowContext(ctx, `
		UPDATE auth_tokens
		SET used_at=NOW()
		WHERE purpose=$1 AND token_hash=$2 AND used_at IS NULL AND expires_at > NOW()
		RETURNING id, user_id, purpose, token_hash, expires_at, used_at, created_at
	`, purpose, tokenHash).Scan(&token.ID, &token.UserID, &token.Purpose, &token.TokenHash, &token.ExpiresAt, &token.UsedAt, &token.CreatedAt)
	if err != nil {
		return AuthToken{}, err
	}
	return token, nil
}

// ---- refresh sessions (Postgres fallback when Redis is unconfigured) ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id
		FROM refresh_sessions
		WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// ---- properties ----

const propertyColumns = `id, external_id, label, lat, lon, geohash, height, owner_user_id, soft_listing, for_sale, for_rent, settled, created_at, updated_at`

func scanProperty(row interface{ Scan(...any) error }) (Property, error) {
	var p Property
	err := row.Scan(&p.ID, &p.ExternalID, &p.Label, &p.Lat, &p.Lon, &p.Geohash, &p.Height, &p.OwnerUserID,
		&p.SoftListing, &p.ForSale, &p.ForRent, &p.Settled, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Property{}, err
	}
	return p, nil
}

func (s *PostgresStore) GetProperty(ctx context.Context, propertyID string) (Property, error) {
	return scanProperty(s.db.QueryRowContext(ctx, `
		SELECT `+propertyColumns+` FROM properties WHERE id=$1
	`, propertyID))
}

func (s *PostgresStore) InsertProperty(ctx context.Context, p Property) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO properties (id, external_id, label, lat, lon, geohash, height, owner_user_id, soft_listing, for_sale, for_rent, settled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, p.ID, p.ExternalID, p.Label, p.Lat, p.Lon, Geohash(p.Lat, p.Lon), p.Height, p.OwnerUserID,
		p.SoftListing, p.ForSale, p.ForRent, p.Settled)
	if err != nil {
		return fmt.Errorf("insert property: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPropertiesByBBox(ctx context.Context, minLat, minLon, maxLat, maxLon float64, limit int) ([]Property, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+propertyColumns+`
		FROM properties
		WHERE lat BETWEEN $1 AND $3 AND lon BETWEEN $2 AND $4
		ORDER BY label ASC
		LIMIT $5
	`, minLat, minLon, maxLat, maxLon, limit)
	if err != nil {
		return nil, fmt.Errorf("list properties by bbox: %w", err)
	}
	defer rows.Close()

	items := make([]Property, 0)
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, fmt.Errorf("scan property: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate properties: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListPropertiesByGeohash(ctx context.Context, prefix string, limit int) ([]Property, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+propertyColumns+`
		FROM properties
		WHERE geohash LIKE $1 || '%'
		ORDER BY label ASC
		LIMIT $2
	`, prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("list properties by geohash: %w", err)
	}
	defer rows.Close()

	items := make([]Property, 0)
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, fmt.Errorf("scan property: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate properties: %w", err)
	}
	return items, nil
}

// ClaimProperty assigns the owner only when the row is still unclaimed.
// sql.ErrNoRows means the property is missing or somebody else won; callers
// re-read the row to tell the two apart.
func (s *PostgresStore) ClaimProperty(ctx context.Context, propertyID, userID string) (Property, error) {
	return scanProperty(s.db.QueryRowContext(ctx, `
		UPDATE properties
		SET owner_user_id=$2, updated_at=NOW()
		WHERE id=$1 AND owner_user_id IS NULL
		RETURNING `+propertyColumns+`
	`, propertyID, userID))
}

func (s *PostgresStore) UpdatePropertyFlags(ctx context.Context, propertyID string, softListing, forSale, forRent, settled bool) (Property, error) {
	return scanProperty(s.db.QueryRowContext(ctx, `
		UPDATE properties
		SET soft_listing=$2, for_sale=$3, for_rent=$4, settled=$5, updated_at=NOW()
		WHERE id=$1
		RETURNING `+propertyColumns+`
	`, propertyID, softListing, forSale, forRent, settled))
}

// UpsertPropertiesByExternalID applies one import batch. Inserted vs updated
// is distinguished via xmax: a freshly inserted row has no prior version.
func (s *PostgresStore) UpsertPropertiesByExternalID(ctx context.Context, batch []PropertyUpsert) (inserted, updated int, err error) {
	const upsert = `
		INSERT INTO properties (id, external_id, label, lat, lon, geohash, height)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (external_id) DO UPDATE
		SET label=EXCLUDED.label, lat=EXCLUDED.lat, lon=EXCLUDED.lon,
		    geohash=EXCLUDED.geohash, height=EXCLUDED.height, updated_at=NOW()
		RETURNING (xmax = 0)
	`
	for _, row := range batch {
		var fresh bool
		if err := s.db.QueryRowContext(ctx, upsert,
			row.ID, row.ExternalID, row.Label, row.Lat, row.Lon, Geohash(row.Lat, row.Lon), row.Height,
		).Scan(&fresh); err != nil {
			return inserted, updated, fmt.Errorf("upsert property %s: %w", row.ExternalID, err)
		}
		if fresh {
			inserted++
		} else {
			updated++
		}
	}
	return inserted, updated, nil
}

func (s *PostgresStore) CountProperties(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM properties`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count properties: %w", err)
	}
	return count, nil
}

// ---- conversations ----

func (s *PostgresStore) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, property_id, owner_user_id, created_by_user_id)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, c.ID, c.PropertyID, c.OwnerUserID, c.CreatedByUserID).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, property_id, owner_user_id, created_by_user_id, created_at, updated_at
		FROM conversations
		WHERE id=$1
	`, conversationID).Scan(&c.ID, &c.PropertyID, &c.OwnerUserID, &c.CreatedByUserID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// ListConversationsByProperty returns every conversation for a property with
// its participant rows. Conversations whose participant inserts failed come
// back with an empty participant list rather than disappearing.
func (s *PostgresStore) ListConversationsByProperty(ctx context.Context, propertyID string) ([]ConversationWithParticipants, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.property_id, c.owner_user_id, c.created_by_user_id, c.created_at, c.updated_at,
		       cp.user_id, cp.role, cp.created_at
		FROM conversations c
		LEFT JOIN conversation_participants cp ON cp.conversation_id = c.id
		WHERE c.property_id=$1
		ORDER BY c.id ASC, cp.role ASC
	`, propertyID)
	if err != nil {
		return nil, fmt.Errorf("list conversations by property: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*ConversationWithParticipants)
	order := make([]string, 0)
	for rows.Next() {
		var c Conversation
		var userID, role sql.NullString
		var joinedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.PropertyID, &c.OwnerUserID, &c.CreatedByUserID, &c.CreatedAt, &c.UpdatedAt,
			&userID, &role, &joinedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		entry, ok := byID[c.ID]
		if !ok {
			entry = &ConversationWithParticipants{Conversation: c}
			byID[c.ID] = entry
			order = append(order, c.ID)
		}
		if userID.Valid {
			entry.Participants = append(entry.Participants, Participant{
				ConversationID: c.ID,
				UserID:         userID.String,
				Role:           role.String,
				CreatedAt:      joinedAt.Time,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	items := make([]ConversationWithParticipants, 0, len(order))
	for _, id := range order {
		items = append(items, *byID[id])
	}
	return items, nil
}

// InsertParticipantPair writes both participant rows in one statement. It is
// a plain insert: a fresh conversation cannot have participants yet, so a
// duplicate here is a real fault and should surface.
func (s *PostgresStore) InsertParticipantPair(ctx context.Context, conversationID, ownerUserID, viewerUserID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_participants (conversation_id, user_id, role)
		VALUES ($1, $2, 'owner'), ($1, $3, 'viewer')
	`, conversationID, ownerUserID, viewerUserID)
	if err != nil {
		return fmt.Errorf("insert participants: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetParticipant(ctx context.Context, conversationID, userID string) (Participant, error) {
	var p Participant
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, user_id, role, created_at
		FROM conversation_participants
		WHERE conversation_id=$1 AND user_id=$2
	`, conversationID, userID).Scan(&p.ConversationID, &p.UserID, &p.Role, &p.CreatedAt)
	if err != nil {
		return Participant{}, err
	}
	return p, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, conversationID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, user_id, role, created_at
		FROM conversation_participants
		WHERE conversation_id=$1
		ORDER BY role ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	items := make([]Participant, 0, 2)
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.Role, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListConversationsForUser(ctx context.Context, userID string) ([]ConversationListRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.property_id, c.owner_user_id, c.created_by_user_id, c.created_at, c.updated_at, cp.role
		FROM conversations c
		JOIN conversation_participants cp ON cp.conversation_id = c.id
		WHERE cp.user_id=$1
		ORDER BY c.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations for user: %w", err)
	}
	defer rows.Close()

	items := make([]ConversationListRow, 0)
	for rows.Next() {
		var row ConversationListRow
		if err := rows.Scan(&row.ID, &row.PropertyID, &row.OwnerUserID, &row.CreatedByUserID, &row.CreatedAt, &row.UpdatedAt, &row.Role); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return items, nil
}

// ---- messages ----

// InsertMessage writes the message and bumps the conversation's updated_at
// to the message timestamp in the same statement, so inbox ordering and the
// identity resolver's newest-wins rule see every send.
func (s *PostgresStore) InsertMessage(ctx context.Context, m Message) (Message, error) {
	var out Message
	err := s.db.QueryRowContext(ctx, `
		WITH new_message AS (
			INSERT INTO messages (id, conversation_id, sender_user_id, body)
			VALUES ($1, $2, $3, $4)
			RETURNING id, conversation_id, sender_user_id, body, created_at
		), bump AS (
			UPDATE conversations
			SET updated_at = (SELECT created_at FROM new_message)
			WHERE id = $2
		)
		SELECT id, conversation_id, sender_user_id, body, created_at FROM new_message
	`, m.ID, m.ConversationID, m.SenderUserID, m.Body).Scan(&out.ID, &out.ConversationID, &out.SenderUserID, &out.Body, &out.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_user_id, body, created_at
		FROM messages
		WHERE conversation_id=$1
		ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderUserID, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetLatestMessage(ctx context.Context, conversationID string) (*Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_user_id, body, created_at
		FROM messages
		WHERE conversation_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, conversationID).Scan(&m.ID, &m.ConversationID, &m.SenderUserID, &m.Body, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest message: %w", err)
	}
	return &m, nil
}

// ---- waiting notes ----

func (s *PostgresStore) InsertWaitingNote(ctx context.Context, n WaitingNote) (WaitingNote, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO waiting_notes (id, property_id, sender_user_id, body)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, n.ID, n.PropertyID, n.SenderUserID, n.Body).Scan(&n.CreatedAt)
	if err != nil {
		return WaitingNote{}, fmt.Errorf("insert waiting note: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) GetWaitingNote(ctx context.Context, noteID string) (WaitingNote, error) {
	var n WaitingNote
	err := s.db.QueryRowContext(ctx, `
		SELECT id, property_id, sender_user_id, body, created_at, handled_at, handled_conversation_id
		FROM waiting_notes
		WHERE id=$1
	`, noteID).Scan(&n.ID, &n.PropertyID, &n.SenderUserID, &n.Body, &n.CreatedAt, &n.HandledAt, &n.HandledConversationID)
	if err != nil {
		return WaitingNote{}, err
	}
	return n, nil
}

// GetNoteByConversation returns the waiting note that was promoted into the
// given conversation, when there is one. The read path uses it to render the
// quoted note context at the top of a thread.
func (s *PostgresStore) GetNoteByConversation(ctx context.Context, conversationID string) (WaitingNote, error) {
	var n WaitingNote
	err := s.db.QueryRowContext(ctx, `
		SELECT id, property_id, sender_user_id, body, created_at, handled_at, handled_conversation_id
		FROM waiting_notes
		WHERE handled_conversation_id=$1
		ORDER BY handled_at ASC
		LIMIT 1
	`, conversationID).Scan(&n.ID, &n.PropertyID, &n.SenderUserID, &n.Body, &n.CreatedAt, &n.HandledAt, &n.HandledConversationID)
	if err != nil {
		return WaitingNote{}, err
	}
	return n, nil
}

func (s *PostgresStore) ListOpenNotesByProperty(ctx context.Context, propertyID string) ([]WaitingNote, error) {
	return s.listNotes(ctx, `
		SELECT id, property_id, sender_user_id, body, created_at, handled_at, handled_conversation_id
		FROM waiting_notes
		WHERE property_id=$1 AND handled_at IS NULL
		ORDER BY created_at ASC
	`, propertyID)
}

func (s *PostgresStore) ListOpenNotesBySender(ctx context.Context, propertyID, senderUserID string) ([]WaitingNote, error) {
	return s.listNotes(ctx, `
		SELECT id, property_id, sender_user_id, body, created_at, handled_at, handled_conversation_id
		FROM waiting_notes
		WHERE property_id=$1 AND sender_user_id=$2 AND handled_at IS NULL
		ORDER BY created_at ASC
	`, propertyID, senderUserID)
}

func (s *PostgresStore) listNotes(ctx context.Context, query string, args ...any) ([]WaitingNote, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list waiting notes: %w", err)
	}
	defer rows.Close()

	items := make([]WaitingNote, 0)
	for rows.Next() {
		var n WaitingNote
		if err := rows.Scan(&n.ID, &n.PropertyID, &n.SenderUserID, &n.Body, &n.CreatedAt, &n.HandledAt, &n.HandledConversationID); err != nil {
			return nil, fmt.Errorf("scan waiting note: %w", err)
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate waiting notes: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountOpenNotes(ctx context.Context, propertyID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM waiting_notes WHERE property_id=$1 AND handled_at IS NULL
	`, propertyID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count open notes: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) HasRecentNote(ctx context.Context, propertyID, senderUserID string, since time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM waiting_notes
			WHERE property_id=$1 AND sender_user_id=$2 AND created_at > $3
		)
	`, propertyID, senderUserID, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check recent note: %w", err)
	}
	return exists, nil
}

// MarkNoteHandled is monotonic: the guard on handled_at means a repeat call
// changes nothing.
func (s *PostgresStore) MarkNoteHandled(ctx context.Context, noteID, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE waiting_notes
		SET handled_at=NOW(), handled_conversation_id=$2
		WHERE id=$1 AND handled_at IS NULL
	`, noteID, conversationID)
	if err != nil {
		return fmt.Errorf("mark note handled: %w", err)
	}
	return nil
}

// ---- albums and unlocks ----

func (s *PostgresStore) CreateAlbum(ctx context.Context, a Album) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO albums (id, property_id, key, title, position)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (property_id, key) DO NOTHING
	`, a.ID, a.PropertyID, a.Key, a.Title, a.Position)
	if err != nil {
		return fmt.Errorf("create album: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create album result: %w", err)
	}
	if affected == 0 {
		return ErrAlbumExists
	}
	return nil
}

func (s *PostgresStore) ListAlbumsByProperty(ctx context.Context, propertyID string) ([]Album, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, property_id, key, title, position, created_at
		FROM albums
		WHERE property_id=$1
		ORDER BY position ASC, key ASC
	`, propertyID)
	if err != nil {
		return nil, fmt.Errorf("list albums: %w", err)
	}
	defer rows.Close()

	items := make([]Album, 0)
	for rows.Next() {
		var a Album
		if err := rows.Scan(&a.ID, &a.PropertyID, &a.Key, &a.Title, &a.Position, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan album: %w", err)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate albums: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetAlbum(ctx context.Context, albumID string) (Album, error) {
	var a Album
	err := s.db.QueryRowContext(ctx, `
		SELECT id, property_id, key, title, position, created_at
		FROM albums
		WHERE id=$1
	`, albumID).Scan(&a.ID, &a.PropertyID, &a.Key, &a.Title, &a.Position, &a.CreatedAt)
	if err != nil {
		return Album{}, err
	}
	return a, nil
}

func (s *PostgresStore) GetAlbumByKey(ctx context.Context, propertyID, key string) (Album, error) {
	var a Album
	err := s.db.QueryRowContext(ctx, `
		SELECT id, property_id, key, title, position, created_at
		FROM albums
		WHERE property_id=$1 AND key=$2
	`, propertyID, key).Scan(&a.ID, &a.PropertyID, &a.Key, &a.Title, &a.Position, &a.CreatedAt)
	if err != nil {
		return Album{}, err
	}
	return a, nil
}

// UpsertAlbumUnlock records a reveal once per (conversation, album key). A
// repeat unlock hits the conflict clause and the read-back returns the
// original record, which is what makes the operation idempotent for callers.
func (s *PostgresStore) UpsertAlbumUnlock(ctx context.Context, u AlbumUnlock) (AlbumUnlock, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO album_unlocks (id, conversation_id, property_id, album_key, unlocked_by_user_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (conversation_id, album_key) DO NOTHING
	`, u.ID, u.ConversationID, u.PropertyID, u.AlbumKey, u.UnlockedByUserID)
	if err != nil {
		return AlbumUnlock{}, fmt.Errorf("insert album unlock: %w", err)
	}

	var out AlbumUnlock
	err = s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, property_id, album_key, unlocked_by_user_id, unlocked_at
		FROM album_unlocks
		WHERE conversation_id=$1 AND album_key=$2
	`, u.ConversationID, u.AlbumKey).Scan(&out.ID, &out.ConversationID, &out.PropertyID, &out.AlbumKey, &out.UnlockedByUserID, &out.UnlockedAt)
	if err != nil {
		return AlbumUnlock{}, fmt.Errorf("read album unlock: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListAlbumUnlocks(ctx context.Context, conversationID string) ([]AlbumUnlock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, property_id, album_key, unlocked_by_user_id, unlocked_at
		FROM album_unlocks
		WHERE conversation_id=$1
		ORDER BY unlocked_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list album unlocks: %w", err)
	}
	defer rows.Close()

	items := make([]AlbumUnlock, 0)
	for rows.Next() {
		var u AlbumUnlock
		if err := rows.Scan(&u.ID, &u.ConversationID, &u.PropertyID, &u.AlbumKey, &u.UnlockedByUserID, &u.UnlockedAt); err != nil {
			return nil, fmt.Errorf("scan album unlock: %w", err)
		}
		items = append(items, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate album unlocks: %w", err)
	}
	return items, nil
}
