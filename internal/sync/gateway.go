package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/conversations"
	"github.com/MarcoPoloResearchLab/courier/internal/ident"
	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	"go.uber.org/zap"
)

const (
	// DefaultBaseDelay is the first reconnect delay after a stream failure.
	DefaultBaseDelay = 500 * time.Millisecond
	// DefaultMaxDelay caps the exponential reconnect delay. Retries continue
	// indefinitely at this cadence.
	DefaultMaxDelay = 30 * time.Second
)

const (
	opGatewayNew = "sync.gateway.new"
	opConnect    = "sync.connect"
	opDisconnect = "sync.disconnect"
)

var (
	errMissingMessages      = errors.New("message source is required")
	errMissingPresence      = errors.New("presence marker is required")
	errMissingConversations = errors.New("conversation feed is required")
	errMissingIDProvider    = errors.New("id provider is required")
)

// MessageSource opens resumable per-conversation event streams for a
// participant.
type MessageSource interface {
	Subscribe(ctx context.Context, conversationID ident.ConversationID, requesterID ident.UserID, sinceSequence int64) (<-chan messages.Event, func(), error)
}

// PresenceMarker flips the connected user's online flag.
type PresenceMarker interface {
	SetOnline(ctx context.Context, userID ident.UserID, online bool) error
}

// ConversationFeed streams conversation index changes for one user.
type ConversationFeed interface {
	SubscribeForUser(ctx context.Context, userID ident.UserID) (<-chan conversations.Event, func())
}

// GatewayConfig describes the dependencies of the sync gateway.
type GatewayConfig struct {
	Messages      MessageSource
	Presence      PresenceMarker
	Conversations ConversationFeed
	IDProvider    ident.IDProvider
	Logger        *zap.Logger
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// Gateway owns the client-facing sync sessions. Each connected device gets
// its own session; all sessions of a user share the underlying stores, so a
// message sent from one device reaches the others through the same fan-out
// as everybody else.
type Gateway struct {
	messages      MessageSource
	presence      PresenceMarker
	conversations ConversationFeed
	ids           ident.IDProvider
	logger        *zap.Logger
	baseDelay     time.Duration
	maxDelay      time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewGateway constructs the sync gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Messages == nil {
		return nil, fmt.Errorf("%s: %w", opGatewayNew, errMissingMessages)
	}
	if cfg.Presence == nil {
		return nil, fmt.Errorf("%s: %w", opGatewayNew, errMissingPresence)
	}
	if cfg.Conversations == nil {
		return nil, fmt.Errorf("%s: %w", opGatewayNew, errMissingConversations)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("%s: %w", opGatewayNew, errMissingIDProvider)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	return &Gateway{
		messages:      cfg.Messages,
		presence:      cfg.Presence,
		conversations: cfg.Conversations,
		ids:           cfg.IDProvider,
		logger:        logger,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		sessions:      make(map[string]*Session),
	}, nil
}

// Connect opens a session for one device: the user goes online and the
// session starts receiving conversation index updates. No message stream is
// open until the client opens a conversation.
func (g *Gateway) Connect(ctx context.Context, userID ident.UserID) (*Session, error) {
	sessionID, err := g.ids.NewID()
	if err != nil {
		g.logError(opConnect, "id_generation_failed", err)
		return nil, err
	}

	if err := g.presence.SetOnline(ctx, userID, true); err != nil {
		return nil, err
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	session := &Session{
		id:      sessionID,
		userID:  userID,
		gateway: g,
		ctx:     sessionCtx,
		cancel:  cancel,
		events:  make(chan Event, sessionBuffer),
	}

	indexEvents, releaseIndex := g.conversations.SubscribeForUser(sessionCtx, userID)
	session.releaseIndex = releaseIndex
	go session.forwardIndexEvents(indexEvents)

	g.mu.Lock()
	g.sessions[sessionID] = session
	g.mu.Unlock()

	return session, nil
}

// Disconnect tears the session down: the open conversation stream closes,
// index updates stop, and the user goes offline with a fresh last-seen
// timestamp. Disconnecting twice is harmless.
func (g *Gateway) Disconnect(ctx context.Context, session *Session) error {
	g.mu.Lock()
	_, active := g.sessions[session.id]
	delete(g.sessions, session.id)
	g.mu.Unlock()
	if !active {
		return nil
	}

	session.CloseConversation()
	session.cancel()
	if session.releaseIndex != nil {
		session.releaseIndex()
	}

	if err := g.presence.SetOnline(ctx, session.userID, false); err != nil {
		g.logError(opDisconnect, "presence_write_failed", err,
			zap.String("user_id", session.userID.String()))
		return err
	}
	return nil
}

// SessionCount reports the number of connected sessions.
func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// nextDelay doubles the reconnect delay up to the cap.
func (g *Gateway) nextDelay(current time.Duration) time.Duration {
	if current <= 0 {
		return g.baseDelay
	}
	next := current * 2
	if next > g.maxDelay {
		return g.maxDelay
	}
	return next
}

func (g *Gateway) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	g.logger.Error("sync gateway error", attrs...)
}
