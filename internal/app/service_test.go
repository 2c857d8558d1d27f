package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aikidochris/NEST-sub000/internal/auth"
	"github.com/aikidochris/NEST-sub000/internal/config"
	"github.com/aikidochris/NEST-sub000/internal/store"
)

type fakeStore struct {
	createUserFn            func(context.Context, store.User) error
	getUserByEmailFn        func(context.Context, string) (store.User, error)
	getUserByIDFn           func(context.Context, string) (store.User, error)
	markUserEmailVerifiedFn func(context.Context, string) error
	updateUserPasswordFn    func(context.Context, string, string) error
	createAuthTokenFn       func(context.Context, store.AuthToken) error
	consumeAuthTokenFn      func(context.Context, string, string) (store.AuthToken, error)

	getPropertyFn             func(context.Context, string) (store.Property, error)
	insertPropertyFn          func(context.Context, store.Property) error
	listPropertiesByBBoxFn    func(context.Context, float64, float64, float64, float64, int) ([]store.Property, error)
	listPropertiesByGeohashFn func(context.Context, string, int) ([]store.Property, error)
	claimPropertyFn           func(context.Context, string, string) (store.Property, error)
	updatePropertyFlagsFn     func(context.Context, string, bool, bool, bool, bool) (store.Property, error)
	upsertPropertiesFn        func(context.Context, []store.PropertyUpsert) (int, int, error)
	countPropertiesFn         func(context.Context) (int, error)

	createConversationFn          func(context.Context, store.Conversation) (store.Conversation, error)
	getConversationFn             func(context.Context, string) (store.Conversation, error)
	listConversationsByPropertyFn func(context.Context, string) ([]store.ConversationWithParticipants, error)
	listConversationsForUserFn    func(context.Context, string) ([]store.ConversationListRow, error)
	insertParticipantPairFn       func(context.Context, string, string, string) error
	getParticipantFn              func(context.Context, string, string) (store.Participant, error)
	listParticipantsFn            func(context.Context, string) ([]store.Participant, error)

	insertMessageFn    func(context.Context, store.Message) (store.Message, error)
	listMessagesFn     func(context.Context, string) ([]store.Message, error)
	getLatestMessageFn func(context.Context, string) (*store.Message, error)

	insertWaitingNoteFn       func(context.Context, store.WaitingNote) (store.WaitingNote, error)
	getWaitingNoteFn          func(context.Context, string) (store.WaitingNote, error)
	getNoteByConversationFn   func(context.Context, string) (store.WaitingNote, error)
	listOpenNotesByPropertyFn func(context.Context, string) ([]store.WaitingNote, error)
	listOpenNotesBySenderFn   func(context.Context, string, string) ([]store.WaitingNote, error)
	countOpenNotesFn          func(context.Context, string) (int, error)
	hasRecentNoteFn           func(context.Context, string, string, time.Time) (bool, error)
	markNoteHandledFn         func(context.Context, string, string) error

	createAlbumFn          func(context.Context, store.Album) error
	getAlbumFn             func(context.Context, string) (store.Album, error)
	getAlbumByKeyFn        func(context.Context, string, string) (store.Album, error)
	listAlbumsByPropertyFn func(context.Context, string) ([]store.Album, error)
	upsertAlbumUnlockFn    func(context.Context, store.AlbumUnlock) (store.AlbumUnlock, error)
	listAlbumUnlocksFn     func(context.Context, string) ([]store.AlbumUnlock, error)

	saveRefreshSessionFn   func(context.Context, string, string, time.Time) error
	lookupRefreshSessionFn func(context.Context, string) (string, error)
	revokeRefreshSessionFn func(context.Context, string) error

	pingFn func(context.Context) error
}

func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	return nil
}
func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, id)
	}
	return store.User{ID: id}, nil
}
func (f *fakeStore) MarkUserEmailVerified(ctx context.Context, userID string) error {
	if f.markUserEmailVerifiedFn != nil {
		return f.markUserEmailVerifiedFn(ctx, userID)
	}
	return nil
}
func (f *fakeStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	if f.updateUserPasswordFn != nil {
		return f.updateUserPasswordFn(ctx, userID, passwordHash)
	}
	return nil
}
func (f *fakeStore) CreateAuthToken(ctx context.Context, token store.AuthToken) error {
	if f.createAuthTokenFn != nil {
		return f.createAuthTokenFn(ctx, token)
	}
	return nil
}
func (f *fakeStore) ConsumeAuthToken(ctx context.Context, purpose, tokenHash string) (store.AuthToken, error) {
	if f.consumeAuthTokenFn != nil {
		return f.consumeAuthTokenFn(ctx, purpose, tokenHash)
	}
	return store.AuthToken{}, sql.ErrNoRows
}

func (f *fakeStore) GetProperty(ctx context.Context, id string) (store.Property, error) {
	if f.getPropertyFn != nil {
		return f.getPropertyFn(ctx, id)
	}
	return store.Property{}, sql.ErrNoRows
}
func (f *fakeStore) InsertProperty(ctx context.Context, p store.Property) error {
	if f.insertPropertyFn != nil {
		return f.insertPropertyFn(ctx, p)
	}
	return nil
}
func (f *fakeStore) ListPropertiesByBBox(ctx context.Context, minLat, minLon, maxLat, maxLon float64, limit int) ([]store.Property, error) {
	if f.listPropertiesByBBoxFn != nil {
		return f.listPropertiesByBBoxFn(ctx, minLat, minLon, maxLat, maxLon, limit)
	}
	return nil, nil
}
func (f *fakeStore) ListPropertiesByGeohash(ctx context.Context, prefix string, limit int) ([]store.Property, error) {
	if f.listPropertiesByGeohashFn != nil {
		return f.listPropertiesByGeohashFn(ctx, prefix, limit)
	}
	return nil, nil
}
func (f *fakeStore) ClaimProperty(ctx context.Context, propertyID, userID string) (store.Property, error) {
	if f.claimPropertyFn != nil {
		return f.claimPropertyFn(ctx, propertyID, userID)
	}
	return store.Property{}, sql.ErrNoRows
}
func (f *fakeStore) UpdatePropertyFlags(ctx context.Context, id string, soft, sale, rent, settled bool) (store.Property, error) {
	if f.updatePropertyFlagsFn != nil {
		return f.updatePropertyFlagsFn(ctx, id, soft, sale, rent, settled)
	}
	return store.Property{}, nil
}
func (f *fakeStore) UpsertPropertiesByExternalID(ctx context.Context, batch []store.PropertyUpsert) (int, int, error) {
	if f.upsertPropertiesFn != nil {
		return f.upsertPropertiesFn(ctx, batch)
	}
	return 0, 0, nil
}
func (f *fakeStore) CountProperties(ctx context.Context) (int, error) {
	if f.countPropertiesFn != nil {
		return f.countPropertiesFn(ctx)
	}
	return 0, nil
}

func (f *fakeStore) CreateConversation(ctx context.Context, conv store.Conversation) (store.Conversation, error) {
	if f.createConversationFn != nil {
		return f.createConversationFn(ctx, conv)
	}
	now := time.Now()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	return conv, nil
}
func (f *fakeStore) GetConversation(ctx context.Context, id string) (store.Conversation, error) {
	if f.getConversationFn != nil {
		return f.getConversationFn(ctx, id)
	}
	return store.Conversation{}, sql.ErrNoRows
}
func (f *fakeStore) ListConversationsByProperty(ctx context.Context, propertyID string) ([]store.ConversationWithParticipants, error) {
	if f.listConversationsByPropertyFn != nil {
		return f.listConversationsByPropertyFn(ctx, propertyID)
	}
	return nil, nil
}
func (f *fakeStore) ListConversationsForUser(ctx context.Context, userID string) ([]store.ConversationListRow, error) {
	if f.listConversationsForUserFn != nil {
		return f.listConversationsForUserFn(ctx, userID)
	}
	return nil, nil
}
func (f *fakeStore) InsertParticipantPair(ctx context.Context, conversationID, ownerID, viewerID string) error {
	if f.insertParticipantPairFn != nil {
		return f.insertParticipantPairFn(ctx, conversationID, ownerID, viewerID)
	}
	return nil
}
func (f *fakeStore) GetParticipant(ctx context.Context, conversationID, userID string) (store.Participant, error) {
	if f.getParticipantFn != nil {
		return f.getParticipantFn(ctx, conversationID, userID)
	}
	return store.Participant{}, sql.ErrNoRows
}
func (f *fakeStore) ListParticipants(ctx context.Context, conversationID string) ([]store.Participant, error) {
	if f.listParticipantsFn != nil {
		return f.listParticipantsFn(ctx, conversationID)
	}
	return nil, nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	if f.insertMessageFn != nil {
		return f.insertMessageFn(ctx, msg)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	return msg, nil
}
func (f *fakeStore) ListMessages(ctx context.Context, conversationID string) ([]store.Message, error) {
	if f.listMessagesFn != nil {
		return f.listMessagesFn(ctx, conversationID)
	}
	return nil, nil
}
func (f *fakeStore) GetLatestMessage(ctx context.Context, conversationID string) (*store.Message, error) {
	if f.getLatestMessageFn != nil {
		return f.getLatestMessageFn(ctx, conversationID)
	}
	return nil, nil
}

func (f *fakeStore) InsertWaitingNote(ctx context.Context, note store.WaitingNote) (store.WaitingNote, error) {
	if f.insertWaitingNoteFn != nil {
		return f.insertWaitingNoteFn(ctx, note)
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now()
	}
	return note, nil
}
func (f *fakeStore) GetWaitingNote(ctx context.Context, id string) (store.WaitingNote, error) {
	if f.getWaitingNoteFn != nil {
		return f.getWaitingNoteFn(ctx, id)
	}
	return store.WaitingNote{}, sql.ErrNoRows
}
func (f *fakeStore) GetNoteByConversation(ctx context.Context, conversationID string) (store.WaitingNote, error) {
	if f.getNoteByConversationFn != nil {
		return f.getNoteByConversationFn(ctx, conversationID)
	}
	return store.WaitingNote{}, sql.ErrNoRows
}
func (f *fakeStore) ListOpenNotesByProperty(ctx context.Context, propertyID string) ([]store.WaitingNote, error) {
	if f.listOpenNotesByPropertyFn != nil {
		return f.listOpenNotesByPropertyFn(ctx, propertyID)
	}
	return nil, nil
}
func (f *fakeStore) ListOpenNotesBySender(ctx context.Context, propertyID, senderID string) ([]store.WaitingNote, error) {
	if f.listOpenNotesBySenderFn != nil {
		return f.listOpenNotesBySenderFn(ctx, propertyID, senderID)
	}
	return nil, nil
}
func (f *fakeStore) CountOpenNotes(ctx context.Context, propertyID string) (int, error) {
	if f.countOpenNotesFn != nil {
		return f.countOpenNotesFn(ctx, propertyID)
	}
	return 0, nil
}
func (f *fakeStore) HasRecentNote(ctx context.Context, propertyID, senderID string, since time.Time) (bool, error) {
	if f.hasRecentNoteFn != nil {
		return f.hasRecentNoteFn(ctx, propertyID, senderID, since)
	}
	return false, nil
}
func (f *fakeStore) MarkNoteHandled(ctx context.Context, noteID, conversationID string) error {
	if f.markNoteHandledFn != nil {
		return f.markNoteHandledFn(ctx, noteID, conversationID)
	}
	return nil
}

func (f *fakeStore) CreateAlbum(ctx context.Context, album store.Album) error {
	if f.createAlbumFn != nil {
		return f.createAlbumFn(ctx, album)
	}
	return nil
}
func (f *fakeStore) GetAlbum(ctx context.Context, id string) (store.Album, error) {
	if f.getAlbumFn != nil {
		return f.getAlbumFn(ctx, id)
	}
	return store.Album{}, sql.ErrNoRows
}
func (f *fakeStore) GetAlbumByKey(ctx context.Context, propertyID, key string) (store.Album, error) {
	if f.getAlbumByKeyFn != nil {
		return f.getAlbumByKeyFn(ctx, propertyID, key)
	}
	return store.Album{}, sql.ErrNoRows
}
func (f *fakeStore) ListAlbumsByProperty(ctx context.Context, propertyID string) ([]store.Album, error) {
	if f.listAlbumsByPropertyFn != nil {
		return f.listAlbumsByPropertyFn(ctx, propertyID)
	}
	return nil, nil
}
func (f *fakeStore) UpsertAlbumUnlock(ctx context.Context, unlock store.AlbumUnlock) (store.AlbumUnlock, error) {
	if f.upsertAlbumUnlockFn != nil {
		return f.upsertAlbumUnlockFn(ctx, unlock)
	}
	if unlock.UnlockedAt.IsZero() {
		unlock.UnlockedAt = time.Now()
	}
	return unlock, nil
}
func (f *fakeStore) ListAlbumUnlocks(ctx context.Context, conversationID string) ([]store.AlbumUnlock, error) {
	if f.listAlbumUnlocksFn != nil {
		return f.listAlbumUnlocksFn(ctx, conversationID)
	}
	return nil, nil
}

func (f *fakeStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	if f.saveRefreshSessionFn != nil {
		return f.saveRefreshSessionFn(ctx, tokenHash, userID, expiresAt)
	}
	return nil
}
func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	if f.lookupRefreshSessionFn != nil {
		return f.lookupRefreshSessionFn(ctx, tokenHash)
	}
	return "", sql.ErrNoRows
}
func (f *fakeStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if f.revokeRefreshSessionFn != nil {
		return f.revokeRefreshSessionFn(ctx, tokenHash)
	}
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			TokenSecret: "test-secret",
			AccessTTL:   time.Hour,
			RefreshTTL:  24 * time.Hour,
		},
		store:    fs,
		sessions: fs,
	}
}

func strPtr(s string) *string { return &s }

func TestRefreshRotatesToken(t *testing.T) {
	sessions := map[string]string{}
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, id string) (store.User, error) {
			return store.User{ID: id, Name: "Avery Dodd"}, nil
		},
		saveRefreshSessionFn: func(_ context.Context, hash, userID string, _ time.Time) error {
			sessions[hash] = userID
			return nil
		},
		lookupRefreshSessionFn: func(_ context.Context, hash string) (string, error) {
			userID, ok := sessions[hash]
			if !ok {
				return "", sql.ErrNoRows
			}
			return userID, nil
		},
		revokeRefreshSessionFn: func(_ context.Context, hash string) error {
			delete(sessions, hash)
			return nil
		},
	}
	svc := newTestService(fs)

	first, err := svc.CreateSession(context.Background(), "usr_1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	second, err := svc.Refresh(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatalf("expected refresh to rotate the token")
	}
	if second.UserID != "usr_1" {
		t.Fatalf("expected session for usr_1, got %s", second.UserID)
	}

	if _, err := svc.Refresh(context.Background(), first.RefreshToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected replayed refresh token to be rejected, got %v", err)
	}
}

func TestRefreshRejectsUnknownToken(t *testing.T) {
	svc := newTestService(&fakeStore{})
	if _, err := svc.Refresh(context.Background(), "rft_never_issued"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := svc.Refresh(context.Background(), "  "); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for blank token, got %v", err)
	}
}

func TestBootstrapSeedsPilotPropertiesOnce(t *testing.T) {
	count := 0
	var inserted []store.Property
	fs := &fakeStore{
		countPropertiesFn: func(context.Context) (int, error) { return count, nil },
		insertPropertyFn: func(_ context.Context, p store.Property) error {
			inserted = append(inserted, p)
			count++
			return nil
		},
	}
	svc := newTestService(fs)

	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if len(inserted) == 0 {
		t.Fatalf("expected pilot properties to be seeded")
	}
	for _, p := range inserted {
		if p.Geohash == "" {
			t.Fatalf("expected geohash on seeded property %q", p.Label)
		}
		if p.Claimed() {
			t.Fatalf("expected seeded property %q to start unclaimed", p.Label)
		}
	}

	before := len(inserted)
	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	if len(inserted) != before {
		t.Fatalf("expected second bootstrap to seed nothing, inserted %d more", len(inserted)-before)
	}
}

func TestBootstrapCreatesAdminWhenConfigured(t *testing.T) {
	var created *store.User
	fs := &fakeStore{
		countPropertiesFn: func(context.Context) (int, error) { return 8, nil },
		createUserFn: func(_ context.Context, u store.User) error {
			created = &u
			return nil
		},
	}
	svc := newTestService(fs)
	svc.cfg.AdminEmail = "Admin@Example.org"

	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if created == nil {
		t.Fatalf("expected admin user to be created")
	}
	if created.Email != "admin@example.org" {
		t.Fatalf("expected lowercased admin email, got %q", created.Email)
	}
	if !created.IsEmailVerified {
		t.Fatalf("expected admin to be created verified")
	}
}

func TestListPropertiesRequiresBBoxOrNear(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.ListProperties(context.Background(), "", "", 0)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}
}

func TestListPropertiesRejectsInvertedBBox(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.ListProperties(context.Background(), "55.1,-1.4,54.9,-1.7", "", 0)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}
	if !strings.Contains(domainErr.Message, "south-west") {
		t.Fatalf("unexpected message: %s", domainErr.Message)
	}
}

func TestListPropertiesParsesBBox(t *testing.T) {
	var got [4]float64
	var gotLimit int
	fs := &fakeStore{
		listPropertiesByBBoxFn: func(_ context.Context, minLat, minLon, maxLat, maxLon float64, limit int) ([]store.Property, error) {
			got = [4]float64{minLat, minLon, maxLat, maxLon}
			gotLimit = limit
			return []store.Property{{ID: "prop_1", Label: "12 Grey Street", Lat: 54.9715, Lon: -1.6123}}, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ListProperties(context.Background(), "54.9, -1.7, 55.1, -1.4", "", 0)
	if err != nil {
		t.Fatalf("list properties: %v", err)
	}
	want := [4]float64{54.9, -1.7, 55.1, -1.4}
	if got != want {
		t.Fatalf("expected bbox %v, got %v", want, got)
	}
	if gotLimit != 200 {
		t.Fatalf("expected default limit 200, got %d", gotLimit)
	}
	if payload["count"] != 1 {
		t.Fatalf("expected count 1, got %v", payload["count"])
	}
}

func TestListPropertiesLowercasesGeohashPrefix(t *testing.T) {
	var gotPrefix string
	fs := &fakeStore{
		listPropertiesByGeohashFn: func(_ context.Context, prefix string, _ int) ([]store.Property, error) {
			gotPrefix = prefix
			return nil, nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.ListProperties(context.Background(), "", " GCYZ ", 0); err != nil {
		t.Fatalf("list properties: %v", err)
	}
	if gotPrefix != "gcyz" {
		t.Fatalf("expected lowercased trimmed prefix gcyz, got %q", gotPrefix)
	}
}

func TestClaimPropertyReportsExistingOwner(t *testing.T) {
	fs := &fakeStore{
		claimPropertyFn: func(context.Context, string, string) (store.Property, error) {
			return store.Property{}, sql.ErrNoRows
		},
		getPropertyFn: func(context.Context, string) (store.Property, error) {
			return store.Property{ID: "prop_1", OwnerUserID: strPtr("usr_other")}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.ClaimProperty(context.Background(), "prop_1", "usr_me")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "PROPERTY_ALREADY_CLAIMED" {
		t.Fatalf("expected PROPERTY_ALREADY_CLAIMED, got %s", domainErr.Code)
	}
}

func TestClaimPropertyIsIdempotentForOwner(t *testing.T) {
	fs := &fakeStore{
		claimPropertyFn: func(context.Context, string, string) (store.Property, error) {
			return store.Property{}, sql.ErrNoRows
		},
		getPropertyFn: func(context.Context, string) (store.Property, error) {
			return store.Property{ID: "prop_1", OwnerUserID: strPtr("usr_me")}, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ClaimProperty(context.Background(), "prop_1", "usr_me")
	if err != nil {
		t.Fatalf("re-claim by owner: %v", err)
	}
	if payload["claimed"] != false {
		t.Fatalf("expected claimed false on repeat claim, got %v", payload["claimed"])
	}
}

func TestUpdatePropertyFlagsRequiresClaim(t *testing.T) {
	fs := &fakeStore{
		getPropertyFn: func(context.Context, string) (store.Property, error) {
			return store.Property{ID: "prop_1"}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.UpdatePropertyFlags(context.Background(), "prop_1", "usr_me", PropertyFlagsInput{ForSale: true})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "PROPERTY_NOT_CLAIMED" {
		t.Fatalf("expected PROPERTY_NOT_CLAIMED, got %s", domainErr.Code)
	}
}

func TestUpdatePropertyFlagsRequiresOwner(t *testing.T) {
	fs := &fakeStore{
		getPropertyFn: func(context.Context, string) (store.Property, error) {
			return store.Property{ID: "prop_1", OwnerUserID: strPtr("usr_other")}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.UpdatePropertyFlags(context.Background(), "prop_1", "usr_me", PropertyFlagsInput{Settled: true})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", domainErr.Code)
	}
}

func TestUpdatePropertyFlagsResolvesStatus(t *testing.T) {
	fs := &fakeStore{
		getPropertyFn: func(context.Context, string) (store.Property, error) {
			return store.Property{ID: "prop_1", OwnerUserID: strPtr("usr_me")}, nil
		},
		updatePropertyFlagsFn: func(_ context.Context, id string, soft, sale, rent, settled bool) (store.Property, error) {
			return store.Property{
				ID:          id,
				OwnerUserID: strPtr("usr_me"),
				SoftListing: soft,
				ForSale:     sale,
				ForRent:     rent,
				Settled:     settled,
			}, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.UpdatePropertyFlags(context.Background(), "prop_1", "usr_me", PropertyFlagsInput{ForSale: true, SoftListing: true})
	if err != nil {
		t.Fatalf("update flags: %v", err)
	}
	property := payload["property"].(map[string]any)
	if property["status"] != "for_sale" {
		t.Fatalf("expected for_sale to outrank open_to_talking, got %v", property["status"])
	}
}

func TestImportPropertiesRejectsBadRows(t *testing.T) {
	var batch []store.PropertyUpsert
	fs := &fakeStore{
		upsertPropertiesFn: func(_ context.Context, rows []store.PropertyUpsert) (int, int, error) {
			batch = rows
			return 1, 0, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ImportProperties(context.Background(), []ImportRow{
		{ExternalID: "osm-101", Label: "9 Front Street, Tynemouth", Lat: 55.0174, Lon: -1.4234},
		{ExternalID: "", Label: "Missing ID", Lat: 55.0, Lon: -1.5},
		{ExternalID: "osm-102", Label: "Reykjavik Terrace", Lat: 64.13, Lon: -21.9},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(batch) != 1 || batch[0].ExternalID != "osm-101" {
		t.Fatalf("expected only the valid row in the upsert batch, got %+v", batch)
	}
	if payload["imported"] != 1 {
		t.Fatalf("expected imported 1, got %v", payload["imported"])
	}
	rejected := payload["rejected"].([]map[string]any)
	if len(rejected) != 2 {
		t.Fatalf("expected 2 rejected rows, got %d", len(rejected))
	}
	if rejected[1]["reason"] != "coordinates outside the UK" {
		t.Fatalf("unexpected rejection reason: %v", rejected[1]["reason"])
	}
}

func TestSearchValidatesScope(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.Search(context.Background(), "grey street", "gardens", "usr_1", 20, 0)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}

	if _, err := svc.Search(context.Background(), "  ", "properties", "usr_1", 20, 0); !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError for empty query, got %v", err)
	}
}

func TestSearchDegradesWhenDisabled(t *testing.T) {
	svc := newTestService(&fakeStore{})

	payload, err := svc.Search(context.Background(), "grey street", "properties", "usr_1", 20, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if payload["total"] != 0 {
		t.Fatalf("expected empty result set, got total %v", payload["total"])
	}
	if svc.SearchMode() != "disabled" {
		t.Fatalf("expected search mode disabled, got %s", svc.SearchMode())
	}
}

func TestInitials(t *testing.T) {
	cases := map[string]string{
		"Avery Dodd":             "AD",
		"Meera":                  "ME",
		"":                       "NA",
		"Anna-Lise van der Berg": "AB",
	}
	for name, want := range cases {
		if got := initials(name); got != want {
			t.Errorf("initials(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestPreviewTruncatesLongBodies(t *testing.T) {
	short := "Is the garden south facing?"
	if got := preview(short); got != short {
		t.Fatalf("expected short body unchanged, got %q", got)
	}
	long := strings.Repeat("a", 200)
	got := preview(long)
	if len([]rune(got)) != 143 {
		t.Fatalf("expected 140 runes plus ellipsis, got %d", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected ellipsis suffix, got %q", got)
	}
}
