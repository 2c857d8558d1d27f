package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/aikidochris/NEST-sub000/internal/convrole"
	"github.com/aikidochris/NEST-sub000/internal/store"
	"github.com/aikidochris/NEST-sub000/internal/util"
)

// CreateAlbum adds a named photo album to a property the caller owns. Keys
// are stable slugs like "garden" or "loft-conversion"; the unlock ledger
// references them, so a key can never be reused within a property.
func (s *Service) CreateAlbum(ctx context.Context, propertyID, callerID, key, title string, position int) (map[string]any, error) {
	key = normalizeAlbumKey(key)
	if key == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Album key must be lowercase letters, digits and hyphens", nil)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Album title is required", nil)
	}

	p, err := s.store.GetProperty(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	if p.OwnerUserID == nil || *p.OwnerUserID != callerID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can manage albums", nil)
	}

	album := store.Album{
		ID:         util.NewID("alb"),
		PropertyID: propertyID,
		Key:        key,
		Title:      title,
		Position:   position,
	}
	if err := s.store.CreateAlbum(ctx, album); err != nil {
		if errors.Is(err, store.ErrAlbumExists) {
			return nil, domainError(http.StatusConflict, "ALBUM_EXISTS", "An album with this key already exists", map[string]any{"key": key})
		}
		return nil, err
	}
	return map[string]any{"album": albumView(album, false, nil)}, nil
}

// UploadAlbumPhoto streams one photo into object storage under the album's
// prefix. Only ever called by the owner; visitors see photos through the
// unlock path.
func (s *Service) UploadAlbumPhoto(ctx context.Context, albumID, callerID string, r io.Reader, size int64, contentType string) (map[string]any, error) {
	if s.media == nil {
		return nil, domainError(http.StatusConflict, "MEDIA_UNAVAILABLE", "Photo storage is not configured on this server", nil)
	}

	album, err := s.store.GetAlbum(ctx, albumID)
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetProperty(ctx, album.PropertyID)
	if err != nil {
		return nil, err
	}
	if p.OwnerUserID == nil || *p.OwnerUserID != callerID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can manage albums", nil)
	}

	photoID := util.NewID("pho")
	key, err := s.media.UploadPhoto(ctx, album.PropertyID, album.Key, photoID, r, size, contentType)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"photoId": photoID,
		"key":     key,
		"albumId": album.ID,
	}, nil
}

// UnlockAlbum shares one album into one conversation. The grant is recorded
// in a ledger keyed by (conversation, album key), so repeating the unlock is
// a no-op rather than an error.
func (s *Service) UnlockAlbum(ctx context.Context, conversationID, callerID, albumKey string) (map[string]any, error) {
	albumKey = normalizeAlbumKey(albumKey)
	if albumKey == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Album key is required", nil)
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireParticipant(ctx, conv, callerID, convrole.ActionUnlock); err != nil {
		return nil, err
	}

	if _, err := s.store.GetAlbumByKey(ctx, conv.PropertyID, albumKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "No such album on this property", nil)
		}
		return nil, err
	}

	unlock, err := s.store.UpsertAlbumUnlock(ctx, store.AlbumUnlock{
		ID:               util.NewID("unl"),
		ConversationID:   conv.ID,
		PropertyID:       conv.PropertyID,
		AlbumKey:         albumKey,
		UnlockedByUserID: callerID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"unlock": map[string]any{
			"id":         unlock.ID,
			"albumKey":   unlock.AlbumKey,
			"unlockedAt": unlock.UnlockedAt.UTC().Format(time.RFC3339),
		},
	}, nil
}

func (s *Service) ListConversationAlbums(ctx context.Context, conversationID, callerID string) (map[string]any, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireParticipant(ctx, conv, callerID, convrole.ActionRead); err != nil {
		return nil, err
	}
	unlocks, err := s.store.ListAlbumUnlocks(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	views, err := s.conversationAlbums(ctx, conv, callerID, unlocks)
	if err != nil {
		return nil, err
	}
	return map[string]any{"albums": views}, nil
}

// conversationAlbums renders the property's albums as this caller may see
// them in this thread: the owner sees everything, the viewer sees photo
// contents only for albums unlocked here.
func (s *Service) conversationAlbums(ctx context.Context, conv store.Conversation, callerID string, unlocks []store.AlbumUnlock) ([]map[string]any, error) {
	albums, err := s.store.ListAlbumsByProperty(ctx, conv.PropertyID)
	if err != nil {
		return nil, err
	}

	unlocked := make(map[string]bool, len(unlocks))
	for _, u := range unlocks {
		unlocked[u.AlbumKey] = true
	}
	isOwner := callerID == conv.OwnerUserID

	views := make([]map[string]any, 0, len(albums))
	for _, album := range albums {
		visible := isOwner || unlocked[album.Key]
		var photos []map[string]any
		if visible && s.media != nil {
			photos = s.albumPhotos(ctx, album)
		}
		views = append(views, albumView(album, !visible, photos))
	}
	return views, nil
}

// albumPhotos lists the album's stored objects with short-lived download
// URLs. Failures degrade to an empty list; the album itself still renders.
func (s *Service) albumPhotos(ctx context.Context, album store.Album) []map[string]any {
	keys, err := s.media.ListPhotoKeys(ctx, album.PropertyID, album.Key)
	if err != nil {
		log.Printf("media: list photos %s/%s: %v", album.PropertyID, album.Key, err)
		return nil
	}
	photos := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		url, err := s.media.PresignGet(ctx, key)
		if err != nil {
			log.Printf("media: presign %s: %v", key, err)
			continue
		}
		photos = append(photos, map[string]any{"key": key, "url": url})
	}
	return photos
}

func albumView(album store.Album, locked bool, photos []map[string]any) map[string]any {
	view := map[string]any{
		"id":       album.ID,
		"key":      album.Key,
		"title":    album.Title,
		"position": album.Position,
		"locked":   locked,
	}
	if photos != nil {
		view["photos"] = photos
	}
	return view
}

// normalizeAlbumKey lowercases and validates a key slug. Anything outside
// [a-z0-9-] makes the key invalid, returned as "".
func normalizeAlbumKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return ""
	}
	for _, r := range key {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return ""
		}
	}
	return key
}
