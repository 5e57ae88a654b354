package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/apperr"
	"github.com/MarcoPoloResearchLab/courier/internal/ident"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	minimumSearchTermLength = 2
	defaultSearchLimit      = 10

	// prefixSentinel closes the half-open display-name range scan; every
	// name extending the prefix sorts strictly below it.
	prefixSentinel = "\uf8ff"
)

const (
	opServiceNew    = "users.service.new"
	opEnsureUser    = "users.ensure_user"
	opUpdateProfile = "users.update_profile"
	opUpdateAvatar  = "users.update_avatar"
	opGetUser       = "users.get_user"
	opSearch        = "users.search_by_prefix"
	opSetOnline     = "users.set_online_state"
)

var errMissingDatabase = errors.New("database handle is required")

// ServiceConfig describes the dependencies for user profile management.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages chat user profiles and display-name prefix search.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// EnsureUser creates the profile row for a first-time user and returns the
// stored record. Existing rows are returned unchanged apart from freshened
// profile fields supplied by the identity provider.
func (s *Service) EnsureUser(ctx context.Context, userID ident.UserID, profile Profile) (User, error) {
	var existing User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record := User{
			UserID:      userID.String(),
			DisplayName: firstNonEmpty(strings.TrimSpace(profile.DisplayName), "User"),
			Email:       strings.TrimSpace(profile.Email),
			AvatarURL:   strings.TrimSpace(profile.AvatarURL),
			Bio:         firstNonEmpty(strings.TrimSpace(profile.Bio), defaultBio),
			Phone:       strings.TrimSpace(profile.Phone),
			IsOnline:    true,
			LastSeenAt:  s.clock().UTC(),
		}
		if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
			s.logError(opEnsureUser, "create_failed", err, zap.String("user_id", userID.String()))
			return User{}, err
		}
		return record, nil
	}
	if err != nil {
		s.logError(opEnsureUser, "select_failed", err, zap.String("user_id", userID.String()))
		return User{}, err
	}

	updates := map[string]interface{}{}
	if name := strings.TrimSpace(profile.DisplayName); name != "" && name != existing.DisplayName {
		updates["display_name"] = name
		existing.DisplayName = name
	}
	if avatar := strings.TrimSpace(profile.AvatarURL); avatar != "" && avatar != existing.AvatarURL {
		updates["avatar_url"] = avatar
		existing.AvatarURL = avatar
	}
	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(&User{}).Where("user_id = ?", userID.String()).Updates(updates).Error; err != nil {
			s.logError(opEnsureUser, "update_failed", err, zap.String("user_id", userID.String()))
		}
	}
	return existing, nil
}

// UpdateProfile overwrites the editable profile fields of an existing user.
func (s *Service) UpdateProfile(ctx context.Context, userID ident.UserID, profile Profile) (User, error) {
	var existing User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, apperr.NotFound("user does not exist")
	}
	if err != nil {
		s.logError(opUpdateProfile, "select_failed", err, zap.String("user_id", userID.String()))
		return User{}, err
	}

	if name := strings.TrimSpace(profile.DisplayName); name != "" {
		existing.DisplayName = name
	}
	existing.Bio = firstNonEmpty(strings.TrimSpace(profile.Bio), existing.Bio)
	existing.Phone = firstNonEmpty(strings.TrimSpace(profile.Phone), existing.Phone)
	if avatar := strings.TrimSpace(profile.AvatarURL); avatar != "" {
		existing.AvatarURL = avatar
	}

	if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
		s.logError(opUpdateProfile, "save_failed", err, zap.String("user_id", userID.String()))
		return User{}, err
	}
	return existing, nil
}

// UpdateAvatar stores the location of a freshly uploaded profile image. The
// upload itself, including image validation and the size ceiling, happens in
// the attachment pipeline before this is called.
func (s *Service) UpdateAvatar(ctx context.Context, userID ident.UserID, avatarURL string) (User, error) {
	trimmed := strings.TrimSpace(avatarURL)
	if trimmed == "" {
		return User{}, apperr.InvalidArgument("avatar url must not be empty")
	}

	var existing User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, apperr.NotFound("user does not exist")
	}
	if err != nil {
		s.logError(opUpdateAvatar, "select_failed", err, zap.String("user_id", userID.String()))
		return User{}, err
	}

	existing.AvatarURL = trimmed
	if err := s.db.WithContext(ctx).Model(&User{}).
		Where("user_id = ?", userID.String()).
		Update("avatar_url", trimmed).Error; err != nil {
		s.logError(opUpdateAvatar, "update_failed", err, zap.String("user_id", userID.String()))
		return User{}, err
	}
	return existing, nil
}

// GetUser loads a single profile.
func (s *Service) GetUser(ctx context.Context, userID ident.UserID) (User, error) {
	var record User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, apperr.NotFound("user does not exist")
	}
	if err != nil {
		s.logError(opGetUser, "select_failed", err, zap.String("user_id", userID.String()))
		return User{}, err
	}
	return record, nil
}

// SearchByPrefix returns users whose display name starts with the term,
// ordered by display name. Terms shorter than two characters return nothing.
func (s *Service) SearchByPrefix(ctx context.Context, term string, limit int) ([]User, error) {
	trimmed := strings.TrimSpace(term)
	if len(trimmed) < minimumSearchTermLength {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	var results []User
	err := s.db.WithContext(ctx).
		Where("display_name >= ? AND display_name < ?", trimmed, trimmed+prefixSentinel).
		Order("display_name ASC").
		Limit(limit).
		Find(&results).Error
	if err != nil {
		s.logError(opSearch, "query_failed", err, zap.String("term", trimmed))
		return nil, err
	}
	return results, nil
}

// SetOnlineState persists the online flag and last-seen timestamp. The
// presence tracker is the only caller; debouncing happens there.
func (s *Service) SetOnlineState(ctx context.Context, userID ident.UserID, online bool, lastSeen time.Time) error {
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]interface{}{
			"is_online":    online,
			"last_seen_at": lastSeen.UTC(),
		})
	if result.Error != nil {
		s.logError(opSetOnline, "update_failed", result.Error, zap.String("user_id", userID.String()))
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apperr.NotFound("user does not exist")
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("users service error", attrs...)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
