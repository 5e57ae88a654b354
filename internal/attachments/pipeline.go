package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/apperr"
	"github.com/MarcoPoloResearchLab/courier/internal/blob"
	"github.com/MarcoPoloResearchLab/courier/internal/conversations"
	"github.com/MarcoPoloResearchLab/courier/internal/ident"
	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	"go.uber.org/zap"
)

const (
	// DefaultMaxImageBytes caps image attachments at 2 MB.
	DefaultMaxImageBytes int64 = 2 * 1024 * 1024
	// DefaultMaxFileBytes caps document attachments at 10 MB.
	DefaultMaxFileBytes int64 = 10 * 1024 * 1024

	storagePrefix = "chat-files"
	avatarPrefix  = "avatars"
)

const (
	opPipelineNew = "attachments.pipeline.new"
	opTransfer    = "attachments.transfer"
	opAbandon     = "attachments.abandon"
	opAvatar      = "attachments.upload_avatar"
)

var (
	errMissingBlobs    = errors.New("blob store is required")
	errMissingMessages = errors.New("message store is required")
	errMissingConvs    = errors.New("conversation index is required")
)

// UploadRequest describes a file the user selected, before any bytes move.
type UploadRequest struct {
	ConversationID ident.ConversationID
	SenderID       ident.UserID
	FileName       string
	ContentType    string
	Size           int64
	Kind           messages.Kind
}

// Upload is the handle for one attachment moving through the pipeline.
type Upload struct {
	State          State
	ConversationID ident.ConversationID
	SenderID       ident.UserID
	FileName       string
	ContentType    string
	Size           int64
	Kind           messages.Kind
	StorageKey     string
	URL            string
}

// PipelineConfig describes the dependencies of the attachment pipeline.
type PipelineConfig struct {
	Blobs         blob.Store
	Messages      *messages.Store
	Conversations *conversations.Index
	Clock         func() time.Time
	Logger        *zap.Logger
	MaxImageBytes int64
	MaxFileBytes  int64
}

// Pipeline validates attachments before any bytes transfer, streams them to
// object storage with progress, and turns finished uploads into messages.
type Pipeline struct {
	blobs         blob.Store
	messages      *messages.Store
	conversations *conversations.Index
	clock         func() time.Time
	logger        *zap.Logger
	maxImageBytes int64
	maxFileBytes  int64
}

// NewPipeline constructs the attachment pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("%s: %w", opPipelineNew, errMissingBlobs)
	}
	if cfg.Messages == nil {
		return nil, fmt.Errorf("%s: %w", opPipelineNew, errMissingMessages)
	}
	if cfg.Conversations == nil {
		return nil, fmt.Errorf("%s: %w", opPipelineNew, errMissingConvs)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxImage := cfg.MaxImageBytes
	if maxImage <= 0 {
		maxImage = DefaultMaxImageBytes
	}
	maxFile := cfg.MaxFileBytes
	if maxFile <= 0 {
		maxFile = DefaultMaxFileBytes
	}
	return &Pipeline{
		blobs:         cfg.Blobs,
		messages:      cfg.Messages,
		conversations: cfg.Conversations,
		clock:         clock,
		logger:        logger,
		maxImageBytes: maxImage,
		maxFileBytes:  maxFile,
	}, nil
}

// BeginUpload runs every check that can fail before a single byte moves:
// kind, content type, size ceiling, and conversation membership. A rejected
// request never reaches object storage.
func (p *Pipeline) BeginUpload(ctx context.Context, request UploadRequest) (*Upload, error) {
	if request.Size <= 0 {
		return nil, apperr.InvalidArgument("attachment size must be positive")
	}

	switch request.Kind {
	case messages.KindImage:
		if !IsImageContentType(request.ContentType) {
			return nil, apperr.InvalidArgument(fmt.Sprintf("content type %q is not an accepted image type", request.ContentType))
		}
		if request.Size > p.maxImageBytes {
			return nil, apperr.SizeExceeded(fmt.Sprintf("image of %d bytes exceeds the %d byte ceiling", request.Size, p.maxImageBytes))
		}
	case messages.KindFile:
		if request.Size > p.maxFileBytes {
			return nil, apperr.SizeExceeded(fmt.Sprintf("file of %d bytes exceeds the %d byte ceiling", request.Size, p.maxFileBytes))
		}
	default:
		return nil, apperr.InvalidArgument("attachments must be images or files")
	}

	conversation, err := p.conversations.Get(ctx, request.ConversationID)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeNotFound) {
			return nil, apperr.InvalidArgument("conversation does not exist")
		}
		return nil, err
	}
	if !conversation.HasParticipant(request.SenderID.String()) {
		return nil, apperr.Forbidden("sender is not a participant of the conversation")
	}

	fileName := SanitizeFileName(request.FileName)
	key := fmt.Sprintf("%s/%s/%d_%s",
		storagePrefix, request.ConversationID.String(), p.clock().UTC().UnixMilli(), fileName)

	return &Upload{
		State:          StateSelected,
		ConversationID: request.ConversationID,
		SenderID:       request.SenderID,
		FileName:       fileName,
		ContentType:    request.ContentType,
		Size:           request.Size,
		Kind:           request.Kind,
		StorageKey:     key,
	}, nil
}

// Transfer streams the payload to object storage. The progress callback may
// be nil. Storage failures surface UPLOAD_FAILED and leave the upload
// eligible for retry or abandonment.
func (p *Pipeline) Transfer(ctx context.Context, upload *Upload, body io.Reader, progress blob.ProgressFunc) error {
	if upload.State != StateSelected && upload.State != StateUploading {
		return apperr.InvalidArgument(fmt.Sprintf("cannot transfer an upload in state %q", upload.State))
	}
	upload.State = StateUploading

	url, err := p.blobs.Put(ctx, upload.StorageKey, upload.ContentType, upload.Size, body, progress)
	if err != nil {
		p.logError(opTransfer, "storage_write_failed", err,
			zap.String("storage_key", upload.StorageKey))
		return apperr.UploadFailed("attachment upload failed", err)
	}

	upload.URL = url
	upload.State = StateUploaded
	return nil
}

// Attach appends the uploaded attachment as a message. The optional caption
// becomes the message content alongside the attachment reference.
func (p *Pipeline) Attach(ctx context.Context, upload *Upload, caption string) (messages.Message, error) {
	if upload.State != StateUploaded {
		return messages.Message{}, apperr.InvalidArgument(fmt.Sprintf("cannot attach an upload in state %q", upload.State))
	}

	record, err := p.messages.Append(ctx, messages.AppendRequest{
		ConversationID: upload.ConversationID,
		SenderID:       upload.SenderID,
		Content:        caption,
		Kind:           upload.Kind,
		Attachment: messages.AttachmentRef{
			URL:      upload.URL,
			FileName: upload.FileName,
			Size:     upload.Size,
		},
	})
	if err != nil {
		return messages.Message{}, err
	}

	upload.State = StateAttached
	return record, nil
}

// AvatarRequest describes a profile image upload.
type AvatarRequest struct {
	FileName    string
	ContentType string
	Size        int64
}

// UploadAvatar validates and stores a profile image, returning its public
// URL. Avatars follow the same rules as image attachments: accepted content
// types only and the image size ceiling.
func (p *Pipeline) UploadAvatar(ctx context.Context, userID ident.UserID, request AvatarRequest, body io.Reader, progress blob.ProgressFunc) (string, error) {
	if request.Size <= 0 {
		return "", apperr.InvalidArgument("avatar size must be positive")
	}
	if !IsImageContentType(request.ContentType) {
		return "", apperr.InvalidArgument(fmt.Sprintf("content type %q is not an accepted image type", request.ContentType))
	}
	if request.Size > p.maxImageBytes {
		return "", apperr.SizeExceeded(fmt.Sprintf("avatar of %d bytes exceeds the %d byte ceiling", request.Size, p.maxImageBytes))
	}

	fileName := SanitizeFileName(request.FileName)
	key := fmt.Sprintf("%s/%s/%d_%s",
		avatarPrefix, userID.String(), p.clock().UTC().UnixMilli(), fileName)

	url, err := p.blobs.Put(ctx, key, request.ContentType, request.Size, body, progress)
	if err != nil {
		p.logError(opAvatar, "storage_write_failed", err, zap.String("storage_key", key))
		return "", apperr.UploadFailed("avatar upload failed", err)
	}
	return url, nil
}

// Abandon ends an upload that will never be attached. An already uploaded
// payload is removed from storage so it does not leak.
func (p *Pipeline) Abandon(ctx context.Context, upload *Upload) error {
	switch upload.State {
	case StateAttached:
		return apperr.InvalidArgument("cannot abandon an attached upload")
	case StateAbandoned:
		return nil
	}

	if upload.State == StateUploaded {
		if err := p.blobs.Delete(ctx, upload.StorageKey); err != nil {
			p.logError(opAbandon, "storage_delete_failed", err,
				zap.String("storage_key", upload.StorageKey))
			return err
		}
	}
	upload.State = StateAbandoned
	return nil
}

func (p *Pipeline) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	p.logger.Error("attachment pipeline error", attrs...)
}
