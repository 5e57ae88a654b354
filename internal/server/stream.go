package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/ident"
	"github.com/MarcoPoloResearchLab/courier/internal/sync"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	StreamEventConversation = "conversation-change"
	StreamEventMessage      = "message"
	StreamEventState        = "stream-state"
	streamEventHeartbeat    = "heartbeat"

	heartbeatInterval = 15 * time.Second
)

type streamStatePayload struct {
	ConversationID string `json:"conversation_id"`
	State          string `json:"state"`
	RetryInMs      int64  `json:"retry_in_ms,omitempty"`
}

type streamMessagePayload struct {
	Kind    string         `json:"kind"`
	Message messagePayload `json:"message"`
}

// handleSyncStream is the SSE endpoint behind the live chat UI. One stream
// carries the caller's conversation list updates plus, when conversation_id
// is supplied, the event feed of that conversation starting after since.
func (h *httpHandler) handleSyncStream(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	var openConversation ident.ConversationID
	if rawConversation := c.Query("conversation_id"); rawConversation != "" {
		conversationID, err := ident.NewConversationID(rawConversation)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_conversation_id"})
			return
		}
		if !h.authorizeConversation(c, conversationID, userID) {
			return
		}
		openConversation = conversationID
	}

	session, err := h.gateway.Connect(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err, "stream_connect_failed")
		return
	}
	defer func() {
		if err := h.gateway.Disconnect(c.Request.Context(), session); err != nil {
			h.logger.Warn("session teardown failed", zap.Error(err))
		}
	}()

	if openConversation != "" {
		sinceSequence, _ := strconv.ParseInt(c.Query("since"), 10, 64)
		session.OpenConversation(openConversation, sinceSequence)
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(c.Writer, "event: %s\ndata: {}\n\n", streamEventHeartbeat)
			flusher.Flush()
		case event, open := <-session.Events():
			if !open {
				return
			}
			if err := writeStreamEvent(c.Writer, event, userID.String()); err != nil {
				h.logger.Warn("stream write failed", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeStreamEvent(writer gin.ResponseWriter, event sync.Event, viewerID string) error {
	switch event.Type {
	case sync.EventConversation:
		return writeSSE(writer, StreamEventConversation, toConversationPayload(event.Conversation, viewerID))
	case sync.EventMessage:
		return writeSSE(writer, StreamEventMessage, streamMessagePayload{
			Kind:    string(event.Message.Kind),
			Message: toMessagePayload(event.Message.Message),
		})
	case sync.EventStream:
		return writeSSE(writer, StreamEventState, streamStatePayload{
			ConversationID: event.ConversationID,
			State:          string(event.StreamState),
			RetryInMs:      event.RetryIn.Milliseconds(),
		})
	default:
		return nil
	}
}

func writeSSE(writer gin.ResponseWriter, eventName string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(writer, "event: %s\ndata: %s\n\n", eventName, data)
	return err
}
