package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/apperr"
	"github.com/MarcoPoloResearchLab/courier/internal/attachments"
	"github.com/MarcoPoloResearchLab/courier/internal/auth"
	"github.com/MarcoPoloResearchLab/courier/internal/conversations"
	"github.com/MarcoPoloResearchLab/courier/internal/ident"
	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	"github.com/MarcoPoloResearchLab/courier/internal/presence"
	"github.com/MarcoPoloResearchLab/courier/internal/sync"
	"github.com/MarcoPoloResearchLab/courier/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "courier_user_id"

var (
	errMissingTokenIssuer   = errors.New("token issuer dependency required")
	errMissingAuthenticator = errors.New("request authenticator dependency required")
	errMissingUsersService  = errors.New("users service dependency required")
	errMissingIndex         = errors.New("conversation index dependency required")
	errMissingMessageStore  = errors.New("message store dependency required")
	errMissingPresence      = errors.New("presence tracker dependency required")
	errMissingAttachments   = errors.New("attachment pipeline dependency required")
	errMissingGateway       = errors.New("sync gateway dependency required")
	errInvalidAuthorization = errors.New("authorization token missing or invalid")
)

// Dependencies wires every subsystem into the HTTP surface.
type Dependencies struct {
	Tokens        *auth.TokenIssuer
	Authenticator *auth.RequestAuthenticator
	Users         *users.Service
	Conversations *conversations.Index
	Messages      *messages.Store
	Presence      *presence.Tracker
	Attachments   *attachments.Pipeline
	Gateway       *sync.Gateway
	Logger        *zap.Logger
}

// NewHTTPHandler builds the gin router for the chat API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Users == nil {
		return nil, errMissingUsersService
	}
	if deps.Conversations == nil {
		return nil, errMissingIndex
	}
	if deps.Messages == nil {
		return nil, errMissingMessageStore
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}
	if deps.Attachments == nil {
		return nil, errMissingAttachments
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:        deps.Tokens,
		authenticator: deps.Authenticator,
		users:         deps.Users,
		conversations: deps.Conversations,
		messages:      deps.Messages,
		presence:      deps.Presence,
		attachments:   deps.Attachments,
		gateway:       deps.Gateway,
		logger:        logger,
	}

	router.POST("/auth/session", handler.handleCreateSession)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/users/me", handler.handleGetProfile)
	protected.PUT("/users/me", handler.handleUpdateProfile)
	protected.POST("/users/me/avatar", handler.handleUploadAvatar)
	protected.GET("/users/search", handler.handleSearchUsers)
	protected.GET("/users/:id/presence", handler.handleGetPresence)
	protected.POST("/conversations", handler.handleCreateConversation)
	protected.GET("/conversations", handler.handleListConversations)
	protected.GET("/conversations/:id/messages", handler.handleListMessages)
	protected.POST("/conversations/:id/messages", handler.handleSendMessage)
	protected.POST("/conversations/:id/attachments", handler.handleUploadAttachment)
	protected.POST("/conversations/:id/read", handler.handleMarkRead)
	protected.POST("/conversations/:id/typing", handler.handleTyping)
	protected.DELETE("/messages/:id", handler.handleDeleteMessage)
	protected.GET("/sync/stream", handler.handleSyncStream)

	return router, nil
}

type httpHandler struct {
	tokens        *auth.TokenIssuer
	authenticator *auth.RequestAuthenticator
	users         *users.Service
	conversations *conversations.Index
	messages      *messages.Store
	presence      *presence.Tracker
	attachments   *attachments.Pipeline
	gateway       *sync.Gateway
	logger        *zap.Logger
}

type sessionRequestPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	AvatarURL   string `json:"avatar_url"`
}

type sessionResponsePayload struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   int64       `json:"expires_in"`
	TokenType   string      `json:"token_type"`
	Profile     userPayload `json:"profile"`
}

type userPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Bio         string `json:"bio,omitempty"`
	Phone       string `json:"phone,omitempty"`
	IsOnline    bool   `json:"is_online"`
	LastSeenAtS int64  `json:"last_seen_at_s"`
}

func toUserPayload(record users.User) userPayload {
	return userPayload{
		UserID:      record.UserID,
		DisplayName: record.DisplayName,
		Email:       record.Email,
		AvatarURL:   record.AvatarURL,
		Bio:         record.Bio,
		Phone:       record.Phone,
		IsOnline:    record.IsOnline,
		LastSeenAtS: record.LastSeenAt.UTC().Unix(),
	}
}

// handleCreateSession establishes the chat session once the identity provider
// in front of this service has authenticated the user.
func (h *httpHandler) handleCreateSession(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID, err := ident.NewUserID(request.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}

	record, err := h.users.EnsureUser(c.Request.Context(), userID, users.Profile{
		DisplayName: request.DisplayName,
		Email:       request.Email,
		AvatarURL:   request.AvatarURL,
	})
	if err != nil {
		h.respondError(c, err, "session_create_failed")
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), auth.Claims{
		Subject:     record.UserID,
		DisplayName: record.DisplayName,
		Email:       record.Email,
		AvatarURL:   record.AvatarURL,
	})
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		Profile:     toUserPayload(record),
	})
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	record, err := h.users.GetUser(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err, "profile_load_failed")
		return
	}
	c.JSON(http.StatusOK, toUserPayload(record))
}

type profileUpdatePayload struct {
	DisplayName string `json:"display_name"`
	Bio         string `json:"bio"`
	Phone       string `json:"phone"`
	AvatarURL   string `json:"avatar_url"`
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	var request profileUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.users.UpdateProfile(c.Request.Context(), userID, users.Profile{
		DisplayName: request.DisplayName,
		Bio:         request.Bio,
		Phone:       request.Phone,
		AvatarURL:   request.AvatarURL,
	})
	if err != nil {
		h.respondError(c, err, "profile_update_failed")
		return
	}
	c.JSON(http.StatusOK, toUserPayload(record))
}

// handleUploadAvatar accepts a profile image under the same validation rules
// as image attachments and stores the resulting URL on the profile.
func (h *httpHandler) handleUploadAvatar(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_file"})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_file"})
		return
	}
	defer file.Close()

	avatarURL, err := h.attachments.UploadAvatar(c.Request.Context(), userID, attachments.AvatarRequest{
		FileName:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Size:        fileHeader.Size,
	}, file, nil)
	if err != nil {
		h.respondError(c, err, "avatar_upload_failed")
		return
	}

	record, err := h.users.UpdateAvatar(c.Request.Context(), userID, avatarURL)
	if err != nil {
		h.respondError(c, err, "avatar_update_failed")
		return
	}
	c.JSON(http.StatusOK, toUserPayload(record))
}

func (h *httpHandler) handleSearchUsers(c *gin.Context) {
	if _, ok := h.requestUserID(c); !ok {
		return
	}
	term := c.Query("q")
	results, err := h.users.SearchByPrefix(c.Request.Context(), term, 0)
	if err != nil {
		h.respondError(c, err, "search_failed")
		return
	}
	payload := make([]userPayload, 0, len(results))
	for _, record := range results {
		payload = append(payload, toUserPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"users": payload})
}

func (h *httpHandler) handleGetPresence(c *gin.Context) {
	if _, ok := h.requestUserID(c); !ok {
		return
	}
	subjectID, err := ident.NewUserID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}
	record := h.presence.Get(subjectID)
	c.JSON(http.StatusOK, gin.H{
		"user_id":      subjectID.String(),
		"online":       record.Online,
		"last_seen_s":  record.LastSeenAt.UTC().Unix(),
		"typing_in":    record.TypingConversationID,
		"typing_until": record.TypingExpiresAt.UTC().Unix(),
	})
}

type conversationRequestPayload struct {
	PeerID string `json:"peer_id"`
}

type conversationPayload struct {
	ConversationID  string `json:"conversation_id"`
	PeerID          string `json:"peer_id"`
	LastMessageText string `json:"last_message_text"`
	LastMessageAtS  int64  `json:"last_message_at_s"`
}

func toConversationPayload(record conversations.Conversation, viewerID string) conversationPayload {
	return conversationPayload{
		ConversationID:  record.ConversationID,
		PeerID:          record.PeerOf(viewerID),
		LastMessageText: record.LastMessageText,
		LastMessageAtS:  record.LastMessageAt.UTC().Unix(),
	}
}

func (h *httpHandler) handleCreateConversation(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	var request conversationRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	peerID, err := ident.NewUserID(request.PeerID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_peer_id"})
		return
	}

	record, err := h.conversations.GetOrCreate(c.Request.Context(), userID, peerID)
	if err != nil {
		h.respondError(c, err, "conversation_create_failed")
		return
	}
	c.JSON(http.StatusOK, toConversationPayload(record, userID.String()))
}

func (h *httpHandler) handleListConversations(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	records, err := h.conversations.ListForUser(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err, "conversation_list_failed")
		return
	}
	payload := make([]conversationPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, toConversationPayload(record, userID.String()))
	}
	c.JSON(http.StatusOK, gin.H{"conversations": payload})
}

type messagePayload struct {
	MessageID        string `json:"message_id"`
	ConversationID   string `json:"conversation_id"`
	SenderID         string `json:"sender_id"`
	Content          string `json:"content"`
	Kind             string `json:"kind"`
	AttachmentURL    string `json:"attachment_url,omitempty"`
	AttachmentName   string `json:"attachment_name,omitempty"`
	AttachmentSize   int64  `json:"attachment_size,omitempty"`
	Status           string `json:"status"`
	Sequence         int64  `json:"sequence"`
	SentAtS          int64  `json:"sent_at_s"`
	IsDeleted        bool   `json:"is_deleted"`
	ReplyToMessageID string `json:"reply_to_message_id,omitempty"`
	ReplyToSnippet   string `json:"reply_to_snippet,omitempty"`
}

func toMessagePayload(record messages.Message) messagePayload {
	return messagePayload{
		MessageID:        record.MessageID,
		ConversationID:   record.ConversationID,
		SenderID:         record.SenderID,
		Content:          record.Content,
		Kind:             string(record.Kind),
		AttachmentURL:    record.AttachmentURL,
		AttachmentName:   record.AttachmentName,
		AttachmentSize:   record.AttachmentSize,
		Status:           string(record.Status),
		Sequence:         record.Sequence,
		SentAtS:          record.SentAt.UTC().Unix(),
		IsDeleted:        record.IsDeleted,
		ReplyToMessageID: record.ReplyToMessageID,
		ReplyToSnippet:   record.ReplyToSnippet,
	}
}

type sendMessagePayload struct {
	Content string `json:"content"`
	ReplyTo string `json:"reply_to,omitempty"`
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	conversationID, err := ident.NewConversationID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_conversation_id"})
		return
	}
	var request sendMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.messages.Append(c.Request.Context(), messages.AppendRequest{
		ConversationID: conversationID,
		SenderID:       userID,
		Content:        request.Content,
		Kind:           messages.KindText,
		ReplyTo:        request.ReplyTo,
	})
	if err != nil {
		h.respondError(c, err, "message_send_failed")
		return
	}
	c.JSON(http.StatusOK, toMessagePayload(record))
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	conversationID, err := ident.NewConversationID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_conversation_id"})
		return
	}
	records, err := h.messages.ListVisible(c.Request.Context(), conversationID, userID)
	if err != nil {
		h.respondError(c, err, "message_list_failed")
		return
	}
	payload := make([]messagePayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, toMessagePayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"messages": payload})
}

func (h *httpHandler) handleUploadAttachment(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	conversationID, err := ident.NewConversationID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_conversation_id"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_file"})
		return
	}
	kind, ok := messages.ParseKind(c.PostForm("kind"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}

	upload, err := h.attachments.BeginUpload(c.Request.Context(), attachments.UploadRequest{
		ConversationID: conversationID,
		SenderID:       userID,
		FileName:       fileHeader.Filename,
		ContentType:    fileHeader.Header.Get("Content-Type"),
		Size:           fileHeader.Size,
		Kind:           kind,
	})
	if err != nil {
		h.respondError(c, err, "attachment_rejected")
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_file"})
		return
	}
	defer file.Close()

	if err := h.attachments.Transfer(c.Request.Context(), upload, file, nil); err != nil {
		h.respondError(c, err, "attachment_upload_failed")
		return
	}

	record, err := h.attachments.Attach(c.Request.Context(), upload, c.PostForm("caption"))
	if err != nil {
		if abandonErr := h.attachments.Abandon(c.Request.Context(), upload); abandonErr != nil {
			h.logger.Warn("failed to abandon orphaned upload", zap.Error(abandonErr))
		}
		h.respondError(c, err, "attachment_attach_failed")
		return
	}
	c.JSON(http.StatusOK, toMessagePayload(record))
}

type markReadPayload struct {
	UpToSequence int64 `json:"up_to_sequence"`
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	conversationID, err := ident.NewConversationID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_conversation_id"})
		return
	}
	var request markReadPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.messages.MarkRead(c.Request.Context(), conversationID, userID, request.UpToSequence); err != nil {
		h.respondError(c, err, "mark_read_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleTyping(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	conversationID, err := ident.NewConversationID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_conversation_id"})
		return
	}
	if !h.authorizeConversation(c, conversationID, userID) {
		return
	}
	h.presence.SetTyping(userID, conversationID)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authorizeConversation rejects requests that name a conversation the caller
// does not belong to.
func (h *httpHandler) authorizeConversation(c *gin.Context, conversationID ident.ConversationID, userID ident.UserID) bool {
	conversation, err := h.conversations.Get(c.Request.Context(), conversationID)
	if err != nil {
		h.respondError(c, err, "conversation_load_failed")
		return false
	}
	if !conversation.HasParticipant(userID.String()) {
		h.respondError(c, apperr.Forbidden("requester is not a participant of the conversation"), "conversation_access_denied")
		return false
	}
	return true
}

func (h *httpHandler) handleDeleteMessage(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	messageID, err := ident.NewMessageID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message_id"})
		return
	}
	if err := h.messages.SoftDelete(c.Request.Context(), messageID, userID); err != nil {
		h.respondError(c, err, "message_delete_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.authenticator.Authenticate(c.Request)
	if err != nil {
		h.logger.Warn("request authentication failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	c.Set(userIDContextKey, claims.Subject)
	c.Next()
}

func (h *httpHandler) requestUserID(c *gin.Context) (ident.UserID, bool) {
	raw := c.GetString(userIDContextKey)
	userID, err := ident.NewUserID(raw)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

// respondError maps application error codes onto HTTP statuses.
func (h *httpHandler) respondError(c *gin.Context, err error, fallback string) {
	code := apperr.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperr.CodeInvalidArgument:
		status = http.StatusBadRequest
	case apperr.CodeSizeExceeded:
		status = http.StatusRequestEntityTooLarge
	case apperr.CodePermissionDenied:
		status = http.StatusForbidden
	case apperr.CodeNotFound:
		status = http.StatusNotFound
	case apperr.CodeConflict:
		status = http.StatusConflict
	case apperr.CodeUploadFailed:
		status = http.StatusBadGateway
	case apperr.CodeUnavailable:
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("handler", fallback), zap.Error(err))
		c.JSON(status, gin.H{"error": fallback})
		return
	}

	message := err.Error()
	var appError *apperr.AppError
	if errors.As(err, &appError) {
		message = appError.Message
	}
	c.JSON(status, gin.H{"error": strings.ToLower(string(code)), "message": message})
}
