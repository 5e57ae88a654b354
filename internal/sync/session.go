package sync

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/apperr"
	"github.com/MarcoPoloResearchLab/courier/internal/conversations"
	"github.com/MarcoPoloResearchLab/courier/internal/ident"
	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	"go.uber.org/zap"
)

const sessionBuffer = 64

// StreamState is the lifecycle of the open conversation stream as the client
// observes it.
type StreamState string

const (
	StreamConnecting StreamState = "connecting"
	StreamLive       StreamState = "live"
	StreamRetrying   StreamState = "retrying"
	StreamClosed     StreamState = "closed"
)

// EventType tags the variants of the unified session event channel.
type EventType string

const (
	// EventConversation carries a conversation index update (new
	// conversation, refreshed summary, reordered recency).
	EventConversation EventType = "conversation"
	// EventMessage carries a message event from the open conversation.
	EventMessage EventType = "message"
	// EventStream reports a state change of the open conversation stream.
	EventStream EventType = "stream"
)

// Event is one item on a session's unified channel.
type Event struct {
	Type           EventType
	Conversation   conversations.Conversation
	Message        messages.Event
	ConversationID string
	StreamState    StreamState
	RetryIn        time.Duration
}

// Session is one device's connection. At most one conversation stream is
// open at a time; opening another closes the current one first.
type Session struct {
	id      string
	userID  ident.UserID
	gateway *Gateway
	ctx     context.Context
	cancel  context.CancelFunc
	events  chan Event

	releaseIndex func()

	mu   sync.Mutex
	open *conversationStream
}

type conversationStream struct {
	conversationID ident.ConversationID
	cancel         context.CancelFunc
	done           chan struct{}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the connected user.
func (s *Session) UserID() ident.UserID { return s.userID }

// Events is the unified stream of conversation index updates, message events,
// and stream state changes for this session.
func (s *Session) Events() <-chan Event { return s.events }

// OpenConversation switches the session's message stream to the given
// conversation, closing the previous stream first so events from the old
// conversation can never interleave with the new one. Delivery resumes after
// sinceSequence; pass the last sequence already rendered, or 0 for the full
// history.
func (s *Session) OpenConversation(conversationID ident.ConversationID, sinceSequence int64) {
	s.CloseConversation()

	streamCtx, cancelStream := context.WithCancel(s.ctx)
	stream := &conversationStream{
		conversationID: conversationID,
		cancel:         cancelStream,
		done:           make(chan struct{}),
	}

	s.mu.Lock()
	s.open = stream
	s.mu.Unlock()

	go s.runStream(streamCtx, stream, sinceSequence)
}

// CloseConversation stops the open message stream, if any, and waits for its
// final events to flush.
func (s *Session) CloseConversation() {
	s.mu.Lock()
	stream := s.open
	s.open = nil
	s.mu.Unlock()
	if stream == nil {
		return
	}
	stream.cancel()
	<-stream.done
}

// runStream drives one conversation stream through its lifecycle: connect,
// go live, and on failure retry forever with exponential backoff. Sequence
// continuity survives retries because every delivered message advances
// sinceSequence before the next attempt.
func (s *Session) runStream(ctx context.Context, stream *conversationStream, sinceSequence int64) {
	defer close(stream.done)
	conversationID := stream.conversationID

	delay := time.Duration(0)
	for {
		if !s.emitState(ctx, conversationID, StreamConnecting, 0) {
			s.emitClosed(conversationID)
			return
		}

		source, release, err := s.gateway.messages.Subscribe(ctx, conversationID, s.userID, sinceSequence)
		if err != nil {
			// retrying cannot cure a rejected subscription.
			if apperr.HasCode(err, apperr.CodePermissionDenied) || apperr.HasCode(err, apperr.CodeNotFound) {
				s.gateway.logError(opConnect, "stream_rejected", err,
					zap.String("conversation_id", conversationID.String()))
				s.emitClosed(conversationID)
				return
			}
			delay = s.gateway.nextDelay(delay)
			s.gateway.logError(opConnect, "stream_open_failed", err,
				zap.String("conversation_id", conversationID.String()),
				zap.Duration("retry_in", delay))
			if !s.emitState(ctx, conversationID, StreamRetrying, delay) {
				s.emitClosed(conversationID)
				return
			}
			if !sleep(ctx, delay) {
				s.emitClosed(conversationID)
				return
			}
			continue
		}

		if !s.emitState(ctx, conversationID, StreamLive, 0) {
			release()
			s.emitClosed(conversationID)
			return
		}
		delay = 0

		lost := false
		for !lost {
			select {
			case <-ctx.Done():
				release()
				s.emitClosed(conversationID)
				return
			case event, ok := <-source:
				if !ok {
					// the source closed on its own: a query failure mid
					// stream. Resubscribe from the last delivered sequence.
					lost = true
					break
				}
				if !s.emit(ctx, Event{
					Type:           EventMessage,
					Message:        event,
					ConversationID: conversationID.String(),
				}) {
					release()
					s.emitClosed(conversationID)
					return
				}
				if event.Message.Sequence > sinceSequence {
					sinceSequence = event.Message.Sequence
				}
			}
		}
		release()

		delay = s.gateway.nextDelay(delay)
		if !s.emitState(ctx, conversationID, StreamRetrying, delay) {
			s.emitClosed(conversationID)
			return
		}
		if !sleep(ctx, delay) {
			s.emitClosed(conversationID)
			return
		}
	}
}

// forwardIndexEvents pushes conversation index updates onto the session
// channel for as long as the session lives.
func (s *Session) forwardIndexEvents(source <-chan conversations.Event) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case event, ok := <-source:
			if !ok {
				return
			}
			if !s.emit(s.ctx, Event{
				Type:           EventConversation,
				Conversation:   event.Conversation,
				ConversationID: event.Conversation.ConversationID,
			}) {
				return
			}
		}
	}
}

func (s *Session) emitState(ctx context.Context, conversationID ident.ConversationID, state StreamState, retryIn time.Duration) bool {
	return s.emit(ctx, Event{
		Type:           EventStream,
		ConversationID: conversationID.String(),
		StreamState:    state,
		RetryIn:        retryIn,
	})
}

// emitClosed is best effort: when the session itself is going away nobody
// may be left to read the final state.
func (s *Session) emitClosed(conversationID ident.ConversationID) {
	select {
	case s.events <- Event{
		Type:           EventStream,
		ConversationID: conversationID.String(),
		StreamState:    StreamClosed,
	}:
	default:
	}
}

func (s *Session) emit(ctx context.Context, event Event) bool {
	select {
	case s.events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleep(ctx context.Context, duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
