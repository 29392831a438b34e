package identity

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/easel-labs/easel/backend/internal/auth"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("identity: invalid identity")

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves token claims into canonical principals.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("identity: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Resolve returns the principal for the provided claims, creating the
// identity mapping when the provider+subject pair has not been seen before.
// Only the canonical id is cached; the display name is re-read so a renamed
// user is reflected on their next connection.
func (s *Service) Resolve(claims auth.Claims) (Principal, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Principal{}, ErrInvalidIdentity
	}

	displayName := normalize(claims.UserDisplayName)

	cacheKey := provider + ":" + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		canonicalIdentifier, ok := cachedIdentifier.(string)
		if ok {
			return s.principalFor(provider, subject, canonicalIdentifier, displayName), nil
		}
	}

	var record Identity
	err := s.db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&record).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			DisplayName: displayName,
			LastSeenAt:  s.now(),
		}
		if record.UserID == "" {
			return Principal{}, ErrInvalidIdentity
		}
		if err := s.db.Create(&record).Error; err != nil {
			return Principal{}, err
		}
	} else if err != nil {
		return Principal{}, err
	} else {
		updates := map[string]interface{}{}
		if displayName != "" && displayName != record.DisplayName {
			updates["user_display_name"] = displayName
			record.DisplayName = displayName
		}
		updates["last_seen_at"] = s.now()
		if len(updates) > 0 {
			_ = s.db.Model(&Identity{}).
				Where("provider = ? AND subject = ?", provider, subject).
				Updates(updates).
				Error
		}
	}

	s.cache.Store(cacheKey, record.UserID)
	return s.principalFor(provider, subject, record.UserID, displayName), nil
}

func (s *Service) principalFor(provider, subject, canonicalID, displayName string) Principal {
	if displayName == "" {
		var record Identity
		err := s.db.
			Where("provider = ? AND subject = ?", provider, subject).
			First(&record).
			Error
		if err == nil {
			displayName = record.DisplayName
		}
	}
	if displayName == "" {
		displayName = canonicalID
	}
	return Principal{ID: canonicalID, DisplayName: displayName}
}

func deriveProviderSubject(claims auth.Claims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else {
			subject = raw
		}
	}

	return provider, subject
}
