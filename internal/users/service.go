package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/recount/internal/auth"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for profile resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves session claims into operator profiles and serves display
// names to the export.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// ResolveProfile returns the profile for the session, creating it on first use.
// The returned Role is the effective one: a role carried by the claims wins
// over the stored role and is persisted.
func (s *Service) ResolveProfile(ctx context.Context, claims auth.SessionClaims) (Profile, error) {
	userID := canonicalUserID(claims)
	if userID == "" {
		return Profile{}, ErrInvalidIdentity
	}
	email := normalize(claims.UserEmail)
	displayName := normalize(claims.UserDisplayName)
	claimedRole, hasClaimedRole := auth.RoleFromClaims(claims)

	if cached, ok := s.cache.Load(userID); ok {
		if profile, ok := cached.(Profile); ok && !profileDrifted(profile, email, displayName, claimedRole, hasClaimedRole) {
			return profile, nil
		}
	}

	db := s.db.WithContext(ctx)
	var profile Profile
	err := db.Where("user_id = ?", userID).First(&profile).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		profile = Profile{
			UserID:      userID,
			Email:       email,
			DisplayName: displayName,
			Role:        auth.RoleOperator.String(),
			LastSeenAt:  s.now().UTC(),
		}
		if profile.DisplayName == "" {
			profile.DisplayName = email
		}
		if hasClaimedRole {
			profile.Role = claimedRole.String()
		}
		if err := db.Create(&profile).Error; err != nil {
			return Profile{}, err
		}
	case err != nil:
		return Profile{}, err
	default:
		updates := map[string]interface{}{}
		if email != "" && email != profile.Email {
			updates["user_email"] = email
			profile.Email = email
		}
		if displayName != "" && displayName != profile.DisplayName {
			updates["user_display_name"] = displayName
			profile.DisplayName = displayName
		}
		if hasClaimedRole && claimedRole.String() != profile.Role {
			updates["role"] = claimedRole.String()
			profile.Role = claimedRole.String()
		}
		profile.LastSeenAt = s.now().UTC()
		updates["last_seen_at"] = profile.LastSeenAt
		if err := db.Model(&Profile{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
			return Profile{}, err
		}
	}

	if _, err := auth.ParseRole(profile.Role); err != nil {
		profile.Role = auth.RoleOperator.String()
	}
	s.cache.Store(userID, profile)
	return profile, nil
}

// DisplayNames maps each known user id to its profile name. Unknown ids and
// profiles without a name are omitted.
func (s *Service) DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return names, nil
	}
	var profiles []Profile
	if err := s.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&profiles).Error; err != nil {
		return nil, err
	}
	for _, profile := range profiles {
		if name := profile.Name(); name != "" {
			names[profile.UserID] = name
		}
	}
	return names, nil
}

func profileDrifted(profile Profile, email, displayName string, role auth.Role, hasRole bool) bool {
	if email != "" && email != profile.Email {
		return true
	}
	if displayName != "" && displayName != profile.DisplayName {
		return true
	}
	return hasRole && role.String() != profile.Role
}

// canonicalUserID strips a provider prefix such as "google:" from the user id
// and falls back to the subject and then the email.
func canonicalUserID(claims auth.SessionClaims) string {
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				return normalize(segments[1])
			}
		}
		return raw
	}
	if subject != "" {
		return subject
	}
	return normalize(claims.UserEmail)
}
