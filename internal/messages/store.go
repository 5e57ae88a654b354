package messages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/apperr"
	"github.com/MarcoPoloResearchLab/courier/internal/conversations"
	"github.com/MarcoPoloResearchLab/courier/internal/feed"
	"github.com/MarcoPoloResearchLab/courier/internal/ident"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// sequenceAttempts bounds the optimistic retry loop for sequence
	// assignment before the append surfaces CONFLICT.
	sequenceAttempts = 3

	replySnippetLimit = 120
)

const (
	opStoreNew      = "messages.store.new"
	opAppend        = "messages.append"
	opSoftDelete    = "messages.soft_delete"
	opListSince     = "messages.list_since"
	opListVisible   = "messages.list_visible"
	opMarkDelivered = "messages.mark_delivered"
	opMarkRead      = "messages.mark_read"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIndex      = errors.New("conversation index is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// AppendRequest carries the caller supplied fields of a new message.
type AppendRequest struct {
	ConversationID ident.ConversationID
	SenderID       ident.UserID
	Content        string
	Kind           Kind
	Attachment     AttachmentRef
	ReplyTo        string
}

// StoreConfig describes the dependencies of the message store.
type StoreConfig struct {
	Database   *gorm.DB
	Index      *conversations.Index
	IDProvider ident.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Store is the append-only per-conversation message log. It assigns the
// total order, fans change events out per conversation, and keeps the
// conversation index summary fresh.
type Store struct {
	db     *gorm.DB
	index  *conversations.Index
	ids    ident.IDProvider
	clock  func() time.Time
	logger *zap.Logger
	bus    *feed.Bus[Event]
}

// NewStore constructs the message store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: %w", opStoreNew, errMissingDatabase)
	}
	if cfg.Index == nil {
		return nil, fmt.Errorf("%s: %w", opStoreNew, errMissingIndex)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("%s: %w", opStoreNew, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     cfg.Database,
		index:  cfg.Index,
		ids:    cfg.IDProvider,
		clock:  clock,
		logger: logger,
		bus:    feed.NewBus[Event](),
	}, nil
}

// Append validates and persists a new message, assigning the next sequence
// number for the conversation. Write-write races on the sequence are resolved
// by a bounded optimistic retry; exhaustion surfaces CONFLICT and the caller
// may resend (a fresh attempt takes a fresh sequence).
func (s *Store) Append(ctx context.Context, request AppendRequest) (Message, error) {
	content := strings.TrimSpace(request.Content)
	if content == "" && request.Attachment.IsZero() {
		return Message{}, apperr.InvalidArgument("a message requires content or an attachment")
	}
	switch request.Kind {
	case KindText:
		if !request.Attachment.IsZero() {
			return Message{}, apperr.InvalidArgument("text messages cannot carry an attachment")
		}
	case KindImage, KindFile:
		if request.Attachment.IsZero() {
			return Message{}, apperr.InvalidArgument("image and file messages require an attachment")
		}
	default:
		return Message{}, apperr.InvalidArgument("unknown message kind")
	}

	if err := s.requireParticipant(ctx, request.ConversationID, request.SenderID); err != nil {
		if apperr.HasCode(err, apperr.CodeNotFound) {
			return Message{}, apperr.InvalidArgument("conversation does not exist")
		}
		return Message{}, err
	}

	replyRef, err := s.resolveReply(ctx, request)
	if err != nil {
		return Message{}, err
	}

	messageID, err := s.ids.NewID()
	if err != nil {
		s.logError(opAppend, "id_generation_failed", err)
		return Message{}, err
	}

	record := Message{
		MessageID:        messageID,
		ConversationID:   request.ConversationID.String(),
		SenderID:         request.SenderID.String(),
		Content:          content,
		Kind:             request.Kind,
		AttachmentURL:    request.Attachment.URL,
		AttachmentName:   request.Attachment.FileName,
		AttachmentSize:   request.Attachment.Size,
		Status:           StatusSent,
		SentAt:           s.clock().UTC(),
		ReplyToMessageID: replyRef.MessageID,
		ReplyToSnippet:   replyRef.Snippet,
	}

	var appendErr error
	for attempt := 0; attempt < sequenceAttempts; attempt++ {
		appendErr = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var currentMax int64
			row := tx.Model(&Message{}).
				Where("conversation_id = ?", record.ConversationID).
				Select("COALESCE(MAX(sequence), 0)").
				Row()
			if err := row.Scan(&currentMax); err != nil {
				return err
			}
			record.Sequence = currentMax + 1
			return tx.Create(&record).Error
		})
		if appendErr == nil {
			break
		}
		if !isUniqueViolation(appendErr) {
			s.logError(opAppend, "insert_failed", appendErr,
				zap.String("conversation_id", record.ConversationID))
			return Message{}, appendErr
		}
	}
	if appendErr != nil {
		return Message{}, apperr.Conflict("sequence assignment lost repeated races, resend the message")
	}

	if err := s.index.RefreshSummary(ctx, request.ConversationID, SummaryText(record), record.SentAt); err != nil {
		// the summary is eventually consistent; the message itself is durable.
		s.logError(opAppend, "summary_refresh_failed", err,
			zap.String("conversation_id", record.ConversationID))
	}

	s.bus.Publish(record.ConversationID, Event{Kind: EventKindCreated, Message: record})
	return record, nil
}

// SoftDelete flags a message as removed. Only the sender may delete; the
// sequence slot and storage record survive, and the conversation summary is
// recomputed from the latest still-visible message.
func (s *Store) SoftDelete(ctx context.Context, messageID ident.MessageID, requesterID ident.UserID) error {
	var record Message
	err := s.db.WithContext(ctx).Where("message_id = ?", messageID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound("message does not exist")
	}
	if err != nil {
		s.logError(opSoftDelete, "select_failed", err, zap.String("message_id", messageID.String()))
		return err
	}
	if record.SenderID != requesterID.String() {
		return apperr.Forbidden("only the sender may delete a message")
	}
	if record.IsDeleted {
		return nil
	}

	if err := s.db.WithContext(ctx).Model(&Message{}).
		Where("message_id = ?", record.MessageID).
		Update("is_deleted", true).Error; err != nil {
		s.logError(opSoftDelete, "update_failed", err, zap.String("message_id", record.MessageID))
		return err
	}
	record.IsDeleted = true

	conversationID, err := ident.NewConversationID(record.ConversationID)
	if err == nil {
		if err := s.recomputeSummary(ctx, conversationID); err != nil {
			s.logError(opSoftDelete, "summary_refresh_failed", err,
				zap.String("conversation_id", record.ConversationID))
		}
	}

	s.bus.Publish(record.ConversationID, Event{Kind: EventKindDeleted, Message: record})
	return nil
}

// ListSince returns every message of the conversation with a sequence number
// strictly greater than sinceSequence, in sequence order. Soft-deleted rows
// are included so resuming subscribers can reconcile removals.
func (s *Store) ListSince(ctx context.Context, conversationID ident.ConversationID, sinceSequence int64) ([]Message, error) {
	var records []Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND sequence > ?", conversationID.String(), sinceSequence).
		Order("sequence ASC").
		Find(&records).Error
	if err != nil {
		s.logError(opListSince, "query_failed", err, zap.String("conversation_id", conversationID.String()))
		return nil, err
	}
	return records, nil
}

// ListVisible returns the non-deleted messages of a conversation in order.
// Only participants may read the log.
func (s *Store) ListVisible(ctx context.Context, conversationID ident.ConversationID, requesterID ident.UserID) ([]Message, error) {
	if err := s.requireParticipant(ctx, conversationID, requesterID); err != nil {
		return nil, err
	}
	return s.listVisible(ctx, conversationID)
}

func (s *Store) listVisible(ctx context.Context, conversationID ident.ConversationID) ([]Message, error) {
	var records []Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND is_deleted = ?", conversationID.String(), false).
		Order("sequence ASC").
		Find(&records).Error
	if err != nil {
		s.logError(opListVisible, "query_failed", err, zap.String("conversation_id", conversationID.String()))
		return nil, err
	}
	return records, nil
}

// MarkDelivered advances sent messages of the conversation that the reader
// did not author to the delivered state.
func (s *Store) MarkDelivered(ctx context.Context, conversationID ident.ConversationID, readerID ident.UserID, upToSequence int64) error {
	return s.advanceStatus(ctx, opMarkDelivered, conversationID, readerID, upToSequence, StatusSent, StatusDelivered)
}

// MarkRead advances messages of the conversation that the reader did not
// author to the read state.
func (s *Store) MarkRead(ctx context.Context, conversationID ident.ConversationID, readerID ident.UserID, upToSequence int64) error {
	return s.advanceStatus(ctx, opMarkRead, conversationID, readerID, upToSequence, "", StatusRead)
}

func (s *Store) advanceStatus(ctx context.Context, operation string, conversationID ident.ConversationID, readerID ident.UserID, upToSequence int64, from, to Status) error {
	if err := s.requireParticipant(ctx, conversationID, readerID); err != nil {
		return err
	}

	query := s.db.WithContext(ctx).Model(&Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND sequence <= ? AND is_deleted = ?",
			conversationID.String(), readerID.String(), upToSequence, false).
		Where("status <> ?", to)
	if from != "" {
		query = query.Where("status = ?", from)
	}
	if err := query.Update("status", to).Error; err != nil {
		s.logError(operation, "update_failed", err, zap.String("conversation_id", conversationID.String()))
		return err
	}

	// fan the status change out so the sender's open conversation updates.
	records, err := s.listVisible(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, record := range records {
		if record.SenderID != readerID.String() && record.Sequence <= upToSequence && record.Status == to {
			s.bus.Publish(conversationID.String(), Event{Kind: EventKindUpdated, Message: record})
		}
	}
	return nil
}

func (s *Store) recomputeSummary(ctx context.Context, conversationID ident.ConversationID) error {
	var latest Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND is_deleted = ?", conversationID.String(), false).
		Order("sequence DESC").
		Take(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.index.RefreshSummary(ctx, conversationID, "", time.Time{})
	}
	if err != nil {
		return err
	}
	return s.index.RefreshSummary(ctx, conversationID, SummaryText(latest), time.Time{})
}

func (s *Store) resolveReply(ctx context.Context, request AppendRequest) (ReplyRef, error) {
	if strings.TrimSpace(request.ReplyTo) == "" {
		return ReplyRef{}, nil
	}
	var original Message
	err := s.db.WithContext(ctx).
		Where("message_id = ? AND conversation_id = ?", request.ReplyTo, request.ConversationID.String()).
		Take(&original).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ReplyRef{}, apperr.NotFound("replied-to message does not exist in the conversation")
	}
	if err != nil {
		return ReplyRef{}, err
	}
	snippet := SummaryText(original)
	// truncate on a rune boundary so multi-byte content survives intact.
	if runes := []rune(snippet); len(runes) > replySnippetLimit {
		snippet = string(runes[:replySnippetLimit])
	}
	return ReplyRef{MessageID: original.MessageID, Snippet: snippet}, nil
}

// requireParticipant gates per-conversation reads and status writes on
// membership; outsiders learn nothing beyond the rejection itself.
func (s *Store) requireParticipant(ctx context.Context, conversationID ident.ConversationID, userID ident.UserID) error {
	conversation, err := s.index.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conversation.HasParticipant(userID.String()) {
		return apperr.Forbidden("requester is not a participant of the conversation")
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("message store error", attrs...)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(strings.ToUpper(err.Error()), "UNIQUE")
}
