package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aikidochris/NEST-sub000/internal/auth"
	"github.com/aikidochris/NEST-sub000/internal/authpw"
	"github.com/aikidochris/NEST-sub000/internal/config"
	"github.com/aikidochris/NEST-sub000/internal/email"
	"github.com/aikidochris/NEST-sub000/internal/export"
	"github.com/aikidochris/NEST-sub000/internal/media"
	"github.com/aikidochris/NEST-sub000/internal/search"
	"github.com/aikidochris/NEST-sub000/internal/session"
	"github.com/aikidochris/NEST-sub000/internal/status"
	"github.com/aikidochris/NEST-sub000/internal/store"
	"github.com/aikidochris/NEST-sub000/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type PropertyFlagsInput struct {
	SoftListing bool `json:"softListing"`
	ForSale     bool `json:"forSale"`
	ForRent     bool `json:"forRent"`
	Settled     bool `json:"settled"`
}

type ImportRow struct {
	ExternalID string   `json:"externalId"`
	Label      string   `json:"label"`
	Lat        float64  `json:"lat"`
	Lon        float64  `json:"lon"`
	Height     *float64 `json:"height,omitempty"`
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)

	GetProperty(context.Context, string) (store.Property, error)
	InsertProperty(context.Context, store.Property) error
	ListPropertiesByBBox(context.Context, float64, float64, float64, float64, int) ([]store.Property, error)
	ListPropertiesByGeohash(context.Context, string, int) ([]store.Property, error)
	ClaimProperty(context.Context, string, string) (store.Property, error)
	UpdatePropertyFlags(context.Context, string, bool, bool, bool, bool) (store.Property, error)
	UpsertPropertiesByExternalID(context.Context, []store.PropertyUpsert) (int, int, error)
	CountProperties(context.Context) (int, error)

	CreateConversation(context.Context, store.Conversation) (store.Conversation, error)
	GetConversation(context.Context, string) (store.Conversation, error)
	ListConversationsByProperty(context.Context, string) ([]store.ConversationWithParticipants, error)
	ListConversationsForUser(context.Context, string) ([]store.ConversationListRow, error)
	InsertParticipantPair(context.Context, string, string, string) error
	GetParticipant(context.Context, string, string) (store.Participant, error)
	ListParticipants(context.Context, string) ([]store.Participant, error)

	InsertMessage(context.Context, store.Message) (store.Message, error)
	ListMessages(context.Context, string) ([]store.Message, error)
	GetLatestMessage(context.Context, string) (*store.Message, error)

	InsertWaitingNote(context.Context, store.WaitingNote) (store.WaitingNote, error)
	GetWaitingNote(context.Context, string) (store.WaitingNote, error)
	GetNoteByConversation(context.Context, string) (store.WaitingNote, error)
	ListOpenNotesByProperty(context.Context, string) ([]store.WaitingNote, error)
	ListOpenNotesBySender(context.Context, string, string) ([]store.WaitingNote, error)
	CountOpenNotes(context.Context, string) (int, error)
	HasRecentNote(context.Context, string, string, time.Time) (bool, error)
	MarkNoteHandled(context.Context, string, string) error

	CreateAlbum(context.Context, store.Album) error
	GetAlbum(context.Context, string) (store.Album, error)
	GetAlbumByKey(context.Context, string, string) (store.Album, error)
	ListAlbumsByProperty(context.Context, string) ([]store.Album, error)
	UpsertAlbumUnlock(context.Context, store.AlbumUnlock) (store.AlbumUnlock, error)
	ListAlbumUnlocks(context.Context, string) ([]store.AlbumUnlock, error)

	Ping(ctx context.Context) error
}

// sessionStore holds refresh tokens. Both the Redis store and the Postgres
// store satisfy it, so deployments without Redis still work.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (string, error)
	RevokeRefreshSession(context.Context, string) error
}

// pairCache remembers which conversation serves a (property, counterparty)
// pair. It is advisory only; cache hits are re-validated against Postgres.
type pairCache interface {
	Get(context.Context, string, string) (string, bool, error)
	Put(context.Context, string, string, string) error
	Forget(context.Context, string, string) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	pairs     pairCache
	search    *search.Service
	media     *media.Service
	email     *email.Service
	export    *export.Service
	passwords *authpw.Service
}

// New wires a Service whose refresh sessions live in Postgres. Deployments
// with Redis should use NewWithSessionStore instead.
func New(cfg config.Config, dataStore *store.PostgresStore, searchService *search.Service, mediaService *media.Service, emailService *email.Service, exportService *export.Service, passwordService *authpw.Service) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  dataStore,
		search:    searchService,
		media:     mediaService,
		email:     emailService,
		export:    exportService,
		passwords: passwordService,
	}
}

// NewWithSessionStore is New with refresh sessions and the conversation pair
// cache held in Redis.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, pairs pairCache, searchService *search.Service, mediaService *media.Service, emailService *email.Service, exportService *export.Service, passwordService *authpw.Service) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		pairs:     pairs,
		search:    searchService,
		media:     mediaService,
		email:     emailService,
		export:    exportService,
		passwords: passwordService,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SearchMode reports which backend currently answers queries. Readiness
// surfaces it so a Meilisearch outage is visible without failing the probe.
func (s *Service) SearchMode() string {
	if s.search == nil {
		return "disabled"
	}
	return s.search.Mode()
}

var seedProperties = []struct {
	Label string
	Lat   float64
	Lon   float64
}{
	{"12 Grey Street, Newcastle upon Tyne", 54.9715, -1.6123},
	{"3 Leazes Terrace, Newcastle upon Tyne", 54.9772, -1.6222},
	{"41 Osborne Road, Jesmond", 54.9901, -1.6005},
	{"7 Heaton Park View, Heaton", 54.9812, -1.5760},
	{"9 Front Street, Tynemouth", 55.0174, -1.4234},
	{"22 Percy Park, Tynemouth", 55.0151, -1.4302},
	{"5 Marine Avenue, Whitley Bay", 55.0441, -1.4503},
	{"18 Howard Street, North Shields", 55.0097, -1.4441},
}

// Bootstrap seeds the pilot map when the properties table is empty and
// ensures the configured admin account exists. It is safe to run on every
// start.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountProperties(ctx)
	if err != nil {
		return err
	}
	if count == 0 {
		for _, seed := range seedProperties {
			p := store.Property{
				ID:      util.NewID("prop"),
				Label:   seed.Label,
				Lat:     seed.Lat,
				Lon:     seed.Lon,
				Geohash: store.Geohash(seed.Lat, seed.Lon),
			}
			if err := s.store.InsertProperty(ctx, p); err != nil {
				return err
			}
		}
		log.Printf("bootstrap: seeded %d pilot properties", len(seedProperties))
	}

	adminEmail := strings.TrimSpace(s.cfg.AdminEmail)
	if adminEmail == "" {
		return nil
	}
	if _, err := s.store.GetUserByEmail(ctx, adminEmail); err == nil {
		return nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	admin := store.User{
		ID:              util.NewID("usr"),
		Name:            "Nest Admin",
		Email:           strings.ToLower(adminEmail),
		IsEmailVerified: true,
	}
	if err := s.store.CreateUser(ctx, admin); err != nil {
		return err
	}
	log.Printf("bootstrap: created admin %s with no password, use the reset flow to set one", admin.Email)
	return nil
}

// Sessions

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued, so a replayed token fails on its second use.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.Name,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Name,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Logout revokes the refresh token. Access tokens are short lived and are
// left to expire on their own.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Password auth plumbing

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.passwords
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

// SendVerificationMail emails a verification link without blocking the
// signup response. When SMTP is not configured the caller falls back to the
// dev token bypass instead.
func (s *Service) SendVerificationMail(user store.User, token string) {
	if !s.SMTPConfigured() || token == "" {
		return
	}
	verifyURL := fmt.Sprintf("%s/verify-email?token=%s", strings.TrimRight(s.cfg.PublicURL, "/"), token)
	go func() {
		if err := s.email.SendVerificationEmail(user.Email, user.Name, verifyURL); err != nil {
			log.Printf("email: verification to %s: %v", user.Email, err)
		}
	}()
}

// SendPasswordResetMail looks the account up synchronously so the goroutine
// never touches the request context, then sends in the background.
func (s *Service) SendPasswordResetMail(ctx context.Context, emailAddr, token string) {
	if !s.SMTPConfigured() || token == "" {
		return
	}
	user, err := s.store.GetUserByEmail(ctx, emailAddr)
	if err != nil {
		return
	}
	resetURL := fmt.Sprintf("%s/reset-password?token=%s", strings.TrimRight(s.cfg.PublicURL, "/"), token)
	go func() {
		if err := s.email.SendPasswordResetEmail(user.Email, user.Name, resetURL); err != nil {
			log.Printf("email: password reset to %s: %v", user.Email, err)
		}
	}()
}

func (s *Service) CurrentUser(ctx context.Context, userID string) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"user": map[string]any{
			"id":            user.ID,
			"name":          user.Name,
			"email":         user.Email,
			"emailVerified": user.IsEmailVerified,
			"initials":      initials(user.Name),
		},
	}, nil
}

// Properties

// ListProperties returns map pins for either a bounding box or a geohash
// neighbourhood prefix. Exactly one of bbox and near must be supplied.
func (s *Service) ListProperties(ctx context.Context, bbox, near string, limit int) (map[string]any, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}

	var (
		properties []store.Property
		err        error
	)
	switch {
	case strings.TrimSpace(bbox) != "":
		var minLat, minLon, maxLat, maxLon float64
		minLat, minLon, maxLat, maxLon, err = parseBBox(bbox)
		if err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		}
		properties, err = s.store.ListPropertiesByBBox(ctx, minLat, minLon, maxLat, maxLon, limit)
	case strings.TrimSpace(near) != "":
		prefix := strings.ToLower(strings.TrimSpace(near))
		if len(prefix) > 12 {
			prefix = prefix[:12]
		}
		properties, err = s.store.ListPropertiesByGeohash(ctx, prefix, limit)
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "bbox or near is required", nil)
	}
	if err != nil {
		return nil, err
	}

	views := make([]map[string]any, 0, len(properties))
	for _, p := range properties {
		views = append(views, propertySummaryView(p))
	}
	return map[string]any{"properties": views, "count": len(views)}, nil
}

func (s *Service) GetProperty(ctx context.Context, propertyID, viewerID string) (map[string]any, error) {
	p, err := s.store.GetProperty(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	view := propertyView(p, viewerID)
	openNotes, err := s.store.CountOpenNotes(ctx, propertyID)
	if err != nil {
		log.Printf("properties: count open notes for %s: %v", propertyID, err)
	} else {
		view["openWaitingNotes"] = openNotes
	}
	return map[string]any{"property": view}, nil
}

// ClaimProperty attaches the caller as owner. The claim is a single guarded
// update so two simultaneous claimants cannot both win; the loser reads the
// row back to find out who did.
func (s *Service) ClaimProperty(ctx context.Context, propertyID, userID string) (map[string]any, error) {
	claimed, err := s.store.ClaimProperty(ctx, propertyID, userID)
	if err == nil {
		s.indexProperty(claimed)
		return map[string]any{"property": propertyView(claimed, userID), "claimed": true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	p, err := s.store.GetProperty(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	if p.OwnerUserID != nil && *p.OwnerUserID == userID {
		return map[string]any{"property": propertyView(p, userID), "claimed": false}, nil
	}
	if p.Claimed() {
		return nil, domainError(http.StatusConflict, "PROPERTY_ALREADY_CLAIMED", "This property has already been claimed", nil)
	}
	return nil, fmt.Errorf("claim property %s: update matched no rows", propertyID)
}

func (s *Service) UpdatePropertyFlags(ctx context.Context, propertyID, userID string, input PropertyFlagsInput) (map[string]any, error) {
	p, err := s.store.GetProperty(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	if !p.Claimed() {
		return nil, domainError(http.StatusConflict, "PROPERTY_NOT_CLAIMED", "Claim the property before setting its status", nil)
	}
	if *p.OwnerUserID != userID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can set property status", nil)
	}
	updated, err := s.store.UpdatePropertyFlags(ctx, propertyID, input.SoftListing, input.ForSale, input.ForRent, input.Settled)
	if err != nil {
		return nil, err
	}
	s.indexProperty(updated)
	return map[string]any{"property": propertyView(updated, userID)}, nil
}

func (s *Service) indexProperty(p store.Property) {
	if s.search == nil {
		return
	}
	s.search.IndexProperty(search.PropertyRecord{
		ID:     p.ID,
		Label:  p.Label,
		Status: string(propertyStatus(p)),
		Lat:    p.Lat,
		Lon:    p.Lon,
	})
}

func propertyStatus(p store.Property) status.Status {
	return status.Resolve(p.Claimed(), status.Flags{
		SoftListing: p.SoftListing,
		ForSale:     p.ForSale,
		ForRent:     p.ForRent,
		Settled:     p.Settled,
	})
}

func propertySummaryView(p store.Property) map[string]any {
	return map[string]any{
		"id":      p.ID,
		"label":   p.Label,
		"lat":     p.Lat,
		"lon":     p.Lon,
		"geohash": p.Geohash,
		"status":  string(propertyStatus(p)),
	}
}

func propertyView(p store.Property, viewerID string) map[string]any {
	st := propertyStatus(p)
	isOwner := p.OwnerUserID != nil && *p.OwnerUserID == viewerID
	view := propertySummaryView(p)
	view["claimed"] = p.Claimed()
	view["isOwner"] = isOwner
	view["canStartConversation"] = status.CanStartConversation(st) && !isOwner
	view["flags"] = map[string]any{
		"softListing": p.SoftListing,
		"forSale":     p.ForSale,
		"forRent":     p.ForRent,
		"settled":     p.Settled,
	}
	if p.Height != nil {
		view["height"] = *p.Height
	}
	view["updatedAt"] = p.UpdatedAt.UTC().Format(time.RFC3339)
	return view
}

// Search

func (s *Service) Search(ctx context.Context, text, scope, viewerID string, limit, offset int) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
	}
	var filter search.ResultType
	switch scope {
	case "", "all":
	case "properties":
		filter = search.ResultProperty
	case "messages":
		filter = search.ResultMessage
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "scope must be properties or messages", nil)
	}
	if s.search == nil {
		return map[string]any{"results": []any{}, "total": 0, "query": text}, nil
	}
	resp := s.search.Search(search.Query{
		Text:         text,
		FilterType:   filter,
		ViewerUserID: viewerID,
		Limit:        limit,
		Offset:       offset,
	})
	return map[string]any{"results": resp.Results, "total": resp.Total, "query": resp.Query}, nil
}

// Property import

const (
	ukMinLat = 49.8
	ukMaxLat = 60.9
	ukMinLon = -8.7
	ukMaxLon = 1.8
)

// ImportProperties upserts a survey batch keyed by external id. Rows that
// fail validation are reported per index and do not abort the rest of the
// batch.
func (s *Service) ImportProperties(ctx context.Context, rows []ImportRow) (map[string]any, error) {
	batch := make([]store.PropertyUpsert, 0, len(rows))
	rejected := make([]map[string]any, 0)
	for i, row := range rows {
		reason := ""
		switch {
		case strings.TrimSpace(row.ExternalID) == "":
			reason = "externalId is required"
		case strings.TrimSpace(row.Label) == "":
			reason = "label is required"
		case row.Lat < ukMinLat || row.Lat > ukMaxLat || row.Lon < ukMinLon || row.Lon > ukMaxLon:
			reason = "coordinates outside the UK"
		}
		if reason != "" {
			rejected = append(rejected, map[string]any{
				"index":      i,
				"externalId": row.ExternalID,
				"reason":     reason,
			})
			continue
		}
		batch = append(batch, store.PropertyUpsert{
			ID:         util.NewID("prop"),
			ExternalID: strings.TrimSpace(row.ExternalID),
			Label:      strings.TrimSpace(row.Label),
			Lat:        row.Lat,
			Lon:        row.Lon,
			Height:     row.Height,
		})
	}

	inserted, updated := 0, 0
	if len(batch) > 0 {
		var err error
		inserted, updated, err = s.store.UpsertPropertiesByExternalID(ctx, batch)
		if err != nil {
			return nil, err
		}
	}
	if s.search != nil && inserted+updated > 0 {
		go s.search.ReindexAllFromPG(context.Background())
	}
	log.Printf("import: %d inserted, %d updated, %d rejected", inserted, updated, len(rejected))
	return map[string]any{
		"imported": inserted,
		"updated":  updated,
		"rejected": rejected,
	}, nil
}

// Config accessors with pilot defaults.

func (s *Service) noteQuota() int {
	if s.cfg.NoteQuota > 0 {
		return s.cfg.NoteQuota
	}
	return 5
}

func (s *Service) noteDedupeWindow() time.Duration {
	if s.cfg.NoteDedupeHours > 0 {
		return time.Duration(s.cfg.NoteDedupeHours) * time.Hour
	}
	return 24 * time.Hour
}

// Helpers

func parseBBox(raw string) (minLat, minLon, maxLat, maxLon float64, err error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("bbox must be minLat,minLon,maxLat,maxLon")
	}
	vals := make([]float64, 4)
	for i, part := range parts {
		vals[i], err = strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return 0, 0, 0, 0, fmt.Errorf("bbox must be four numbers")
		}
	}
	if vals[0] > vals[2] || vals[1] > vals[3] {
		return 0, 0, 0, 0, fmt.Errorf("bbox min corner must be south-west of max corner")
	}
	return vals[0], vals[1], vals[2], vals[3], nil
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func preview(value string) string {
	trimmed := strings.TrimSpace(value)
	runes := []rune(trimmed)
	if len(runes) <= 140 {
		return trimmed
	}
	return string(runes[:140]) + "..."
}

func relative(value time.Time) string {
	minutes := int(time.Since(value).Minutes())
	if minutes < 1 {
		minutes = 1
	}
	if minutes < 60 {
		return fmt.Sprintf("%dm ago", minutes)
	}
	hours := minutes / 60
	if hours < 24 {
		return fmt.Sprintf("%dh ago", hours)
	}
	days := hours / 24
	return fmt.Sprintf("%dd ago", days)
}

func initials(name string) string {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return "NA"
	}
	if len(parts) == 1 {
		r := []rune(parts[0])
		if len(r) == 1 {
			return strings.ToUpper(string(r[0]))
		}
		return strings.ToUpper(string(r[0]) + string(r[1]))
	}
	return strings.ToUpper(string([]rune(parts[0])[0]) + string([]rune(parts[len(parts)-1])[0]))
}
