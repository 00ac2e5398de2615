package voters

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/canvasslabs/canvass/internal/auth"
	"gorm.io/gorm"
)

const anonymousProvider = "anonymous"

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("voters: invalid identity")

// ServiceConfig describes the dependencies required for voter identity resolution.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
}

// Service manages canonical voter identifiers for the polls core.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider IDProvider
	cache      sync.Map
}

// NewService constructs the voter identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("voters: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		idProvider: idProvider,
	}, nil
}

// RegisterAnonymous mints a fresh canonical voter id and records it. Used when
// a caller requests a session without bringing an external identity.
func (s *Service) RegisterAnonymous(displayName string) (string, error) {
	userID, err := s.idProvider.NewID()
	if err != nil {
		return "", err
	}

	identity := Identity{
		Provider:    anonymousProvider,
		Subject:     userID,
		UserID:      userID,
		DisplayName: normalize(displayName),
		LastSeenAt:  s.now(),
	}
	if err := s.db.Create(&identity).Error; err != nil {
		return "", err
	}

	s.cache.Store(anonymousProvider+":"+userID, userID)
	return userID, nil
}

// ResolveCanonicalUserID returns the canonical voter id for validated session
// claims, creating the identity mapping the first time a subject is seen.
func (s *Service) ResolveCanonicalUserID(claims auth.SessionClaims) (string, error) {
	subject := normalize(claims.UserID)
	if subject == "" {
		return "", ErrInvalidIdentity
	}
	provider := anonymousProvider

	cacheKey := provider + ":" + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		if canonicalIdentifier, ok := cachedIdentifier.(string); ok {
			return canonicalIdentifier, nil
		}
	}

	var identity Identity
	err := s.db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			DisplayName: normalize(claims.DisplayName),
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if display := normalize(claims.DisplayName); display != "" && display != identity.DisplayName {
			updates["display_name"] = display
		}
		_ = s.db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}
