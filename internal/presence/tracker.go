package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/feed"
	"github.com/MarcoPoloResearchLab/courier/internal/ident"
	"go.uber.org/zap"
)

const (
	// DefaultDebounceWindow collapses rapid online/offline toggles into a
	// single persisted transition.
	DefaultDebounceWindow = 2 * time.Second
	// DefaultTypingTTL is how long a typing signal stays valid without a
	// follow-up; there is no explicit stop-typing call.
	DefaultTypingTTL = 2 * time.Second
)

const (
	opTrackerNew = "presence.tracker.new"
	opSetOnline  = "presence.set_online"
)

var errMissingWriter = errors.New("online state writer is required")

// Record is the ephemeral presence state of one user. It is overwritten on
// every heartbeat; no history is retained.
type Record struct {
	UserID               string
	Online               bool
	LastSeenAt           time.Time
	TypingConversationID string
	TypingExpiresAt      time.Time
}

// TypingIn reports whether the user counts as typing in the conversation at
// the given instant. Readers treat an expired timestamp as not typing, which
// tolerates clients that crash without a farewell.
func (r Record) TypingIn(conversationID string, now time.Time) bool {
	return r.TypingConversationID == conversationID && now.Before(r.TypingExpiresAt)
}

// OnlineWriter persists the durable part of presence (online flag and
// last-seen timestamp on the user profile).
type OnlineWriter interface {
	SetOnlineState(ctx context.Context, userID ident.UserID, online bool, lastSeen time.Time) error
}

// TrackerConfig describes the dependencies of the presence tracker.
type TrackerConfig struct {
	Writer         OnlineWriter
	DebounceWindow time.Duration
	TypingTTL      time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Tracker keeps per-user online/typing state, debounces persistence writes,
// and fans presence changes out to per-user subscriptions.
type Tracker struct {
	writer   OnlineWriter
	debounce time.Duration
	ttl      time.Duration
	clock    func() time.Time
	logger   *zap.Logger
	bus      *feed.Bus[Record]

	mu     sync.Mutex
	states map[string]*userState
}

type userState struct {
	record      Record
	lastWritten bool
	debouncing  bool
}

// NewTracker constructs the presence tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Writer == nil {
		return nil, fmt.Errorf("%s: %w", opTrackerNew, errMissingWriter)
	}
	debounce := cfg.DebounceWindow
	if debounce <= 0 {
		debounce = DefaultDebounceWindow
	}
	ttl := cfg.TypingTTL
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		writer:   cfg.Writer,
		debounce: debounce,
		ttl:      ttl,
		clock:    clock,
		logger:   logger,
		bus:      feed.NewBus[Record](),
		states:   make(map[string]*userState),
	}, nil
}

// SetOnline records the online flag. The first call in a quiet period writes
// through immediately; further toggles inside the debounce window only update
// the desired value, and the trailing edge persists it if it still differs
// from what was written.
func (t *Tracker) SetOnline(ctx context.Context, userID ident.UserID, online bool) error {
	now := t.clock().UTC()

	t.mu.Lock()
	state := t.stateLocked(userID.String())
	state.record.Online = online
	state.record.LastSeenAt = now
	record := state.record
	if state.debouncing {
		t.mu.Unlock()
		t.bus.Publish(userID.String(), record)
		return nil
	}
	state.debouncing = true
	state.lastWritten = online
	t.mu.Unlock()

	if err := t.writer.SetOnlineState(ctx, userID, online, now); err != nil {
		t.mu.Lock()
		state.debouncing = false
		t.mu.Unlock()
		t.logError(opSetOnline, "write_failed", err, zap.String("user_id", userID.String()))
		return err
	}
	t.bus.Publish(userID.String(), record)

	time.AfterFunc(t.debounce, func() {
		t.flushOnline(userID)
	})
	return nil
}

// flushOnline is the trailing edge of the debounce window. lastWritten only
// advances once the write lands; a failed write keeps the window open and the
// flush re-arms itself so the durable flag cannot silently go stale.
func (t *Tracker) flushOnline(userID ident.UserID) {
	t.mu.Lock()
	state := t.stateLocked(userID.String())
	desired := state.record.Online
	lastSeen := state.record.LastSeenAt
	if desired == state.lastWritten {
		state.debouncing = false
		t.mu.Unlock()
		return
	}
	record := state.record
	t.mu.Unlock()

	if err := t.writer.SetOnlineState(context.Background(), userID, desired, lastSeen); err != nil {
		t.logError(opSetOnline, "trailing_write_failed", err, zap.String("user_id", userID.String()))
		time.AfterFunc(t.debounce, func() {
			t.flushOnline(userID)
		})
		return
	}

	t.mu.Lock()
	state.lastWritten = desired
	state.debouncing = false
	t.mu.Unlock()
	t.bus.Publish(userID.String(), record)
}

// SetTyping marks the user as typing in the conversation until the TTL
// elapses. No cancellation call exists; expiry is observed by readers and a
// cleared record is fanned out once the deadline passes.
func (t *Tracker) SetTyping(userID ident.UserID, conversationID ident.ConversationID) {
	now := t.clock().UTC()
	expiry := now.Add(t.ttl)

	t.mu.Lock()
	state := t.stateLocked(userID.String())
	state.record.TypingConversationID = conversationID.String()
	state.record.TypingExpiresAt = expiry
	record := state.record
	t.mu.Unlock()

	t.bus.Publish(userID.String(), record)

	time.AfterFunc(t.ttl+10*time.Millisecond, func() {
		t.expireTyping(userID.String())
	})
}

func (t *Tracker) expireTyping(userID string) {
	now := t.clock().UTC()

	t.mu.Lock()
	state := t.stateLocked(userID)
	if state.record.TypingConversationID == "" || now.Before(state.record.TypingExpiresAt) {
		// a later SetTyping extended the deadline; its own timer will fire.
		t.mu.Unlock()
		return
	}
	state.record.TypingConversationID = ""
	state.record.TypingExpiresAt = time.Time{}
	record := state.record
	t.mu.Unlock()

	t.bus.Publish(userID, record)
}

// Get returns the current presence snapshot for a user.
func (t *Tracker) Get(userID ident.UserID) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.states[userID.String()]
	if !ok {
		return Record{UserID: userID.String()}
	}
	return state.record
}

// Subscribe streams presence changes for one user. Consumers render the
// status line from the last-seen delta themselves.
func (t *Tracker) Subscribe(ctx context.Context, userID ident.UserID) (<-chan Record, func()) {
	return t.bus.Subscribe(ctx, userID.String())
}

func (t *Tracker) stateLocked(userID string) *userState {
	state, ok := t.states[userID]
	if !ok {
		state = &userState{record: Record{UserID: userID}}
		t.states[userID] = state
	}
	return state
}

func (t *Tracker) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	t.logger.Error("presence tracker error", attrs...)
}
