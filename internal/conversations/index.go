package conversations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/apperr"
	"github.com/MarcoPoloResearchLab/courier/internal/feed"
	"github.com/MarcoPoloResearchLab/courier/internal/ident"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opIndexNew       = "conversations.index.new"
	opGetOrCreate    = "conversations.get_or_create"
	opListForUser    = "conversations.list_for_user"
	opGet            = "conversations.get"
	opRefreshSummary = "conversations.refresh_summary"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// IndexConfig describes the dependencies of the conversation index.
type IndexConfig struct {
	Database   *gorm.DB
	IDProvider ident.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Index maintains the per-user ordered view of conversations and the
// idempotent pair-to-conversation mapping.
type Index struct {
	db     *gorm.DB
	ids    ident.IDProvider
	clock  func() time.Time
	logger *zap.Logger
	bus    *feed.Bus[Event]
}

// NewIndex constructs the conversation index.
func NewIndex(cfg IndexConfig) (*Index, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: %w", opIndexNew, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("%s: %w", opIndexNew, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		db:     cfg.Database,
		ids:    cfg.IDProvider,
		clock:  clock,
		logger: logger,
		bus:    feed.NewBus[Event](),
	}, nil
}

// GetOrCreate returns the single conversation for the unordered participant
// pair, creating it when the pair has never exchanged messages. Concurrent
// calls for the same pair converge on one row through the unique pair index.
func (i *Index) GetOrCreate(ctx context.Context, participantA, participantB ident.UserID) (Conversation, error) {
	if participantA == participantB {
		return Conversation{}, apperr.InvalidArgument("a conversation requires two distinct participants")
	}
	low, high := sortPair(participantA.String(), participantB.String())

	var existing Conversation
	err := i.db.WithContext(ctx).
		Where("participant_low = ? AND participant_high = ?", low, high).
		Take(&existing).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		i.logError(opGetOrCreate, "select_failed", err)
		return Conversation{}, err
	}

	conversationID, err := i.ids.NewID()
	if err != nil {
		i.logError(opGetOrCreate, "id_generation_failed", err)
		return Conversation{}, err
	}
	record := Conversation{
		ConversationID:  conversationID,
		ParticipantLow:  low,
		ParticipantHigh: high,
		LastMessageAt:   i.clock().UTC(),
	}
	createErr := i.db.WithContext(ctx).Create(&record).Error
	if createErr != nil {
		if isUniqueViolation(createErr) {
			// lost the race: the other writer's row is the conversation.
			err := i.db.WithContext(ctx).
				Where("participant_low = ? AND participant_high = ?", low, high).
				Take(&existing).Error
			if err != nil {
				i.logError(opGetOrCreate, "reselect_failed", err)
				return Conversation{}, err
			}
			return existing, nil
		}
		i.logError(opGetOrCreate, "create_failed", createErr)
		return Conversation{}, createErr
	}

	i.publish(record)
	return record, nil
}

// Get loads a conversation by identifier.
func (i *Index) Get(ctx context.Context, conversationID ident.ConversationID) (Conversation, error) {
	var record Conversation
	err := i.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, apperr.NotFound("conversation does not exist")
	}
	if err != nil {
		i.logError(opGet, "select_failed", err, zap.String("conversation_id", conversationID.String()))
		return Conversation{}, err
	}
	return record, nil
}

// ListForUser returns the user's conversations ordered newest activity first.
func (i *Index) ListForUser(ctx context.Context, userID ident.UserID) ([]Conversation, error) {
	var records []Conversation
	err := i.db.WithContext(ctx).
		Where("participant_low = ? OR participant_high = ?", userID.String(), userID.String()).
		Order("last_message_at DESC").
		Find(&records).Error
	if err != nil {
		i.logError(opListForUser, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, err
	}
	return records, nil
}

// SubscribeForUser streams conversation change events for every conversation
// the user participates in. Consumers re-sort their local view on each event.
func (i *Index) SubscribeForUser(ctx context.Context, userID ident.UserID) (<-chan Event, func()) {
	return i.bus.Subscribe(ctx, userID.String())
}

// RefreshSummary overwrites the denormalized last-message summary. Writing
// the same summary twice is a no-op in effect; a zero timestamp keeps the
// stored activity time (soft-delete of an already summarized message).
func (i *Index) RefreshSummary(ctx context.Context, conversationID ident.ConversationID, summaryText string, at time.Time) error {
	updates := map[string]interface{}{"last_message_text": summaryText}
	if !at.IsZero() {
		updates["last_message_at"] = at.UTC()
	}
	result := i.db.WithContext(ctx).Model(&Conversation{}).
		Where("conversation_id = ?", conversationID.String()).
		Updates(updates)
	if result.Error != nil {
		i.logError(opRefreshSummary, "update_failed", result.Error, zap.String("conversation_id", conversationID.String()))
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apperr.NotFound("conversation does not exist")
	}

	record, err := i.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	i.publish(record)
	return nil
}

func (i *Index) publish(record Conversation) {
	event := Event{Conversation: record}
	i.bus.Publish(record.ParticipantLow, event)
	i.bus.Publish(record.ParticipantHigh, event)
}

func (i *Index) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	i.logger.Error("conversation index error", attrs...)
}

func sortPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(strings.ToUpper(err.Error()), "UNIQUE")
}
