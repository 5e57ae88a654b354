package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/attachments"
	"github.com/MarcoPoloResearchLab/courier/internal/auth"
	"github.com/MarcoPoloResearchLab/courier/internal/blob"
	"github.com/MarcoPoloResearchLab/courier/internal/conversations"
	"github.com/MarcoPoloResearchLab/courier/internal/ident"
	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	"github.com/MarcoPoloResearchLab/courier/internal/presence"
	"github.com/MarcoPoloResearchLab/courier/internal/sync"
	"github.com/MarcoPoloResearchLab/courier/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type serverFixture struct {
	handler http.Handler
	tokens  *auth.TokenIssuer
	blobs   *blob.MemoryStore
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&users.User{}, &conversations.Conversation{}, &messages.Message{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create user service: %v", err)
	}
	index, err := conversations.NewIndex(conversations.IndexConfig{
		Database:   db,
		IDProvider: ident.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	store, err := messages.NewStore(messages.StoreConfig{
		Database:   db,
		Index:      index,
		IDProvider: ident.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	tracker, err := presence.NewTracker(presence.TrackerConfig{
		Writer:         userService,
		DebounceWindow: 50 * time.Millisecond,
		TypingTTL:      time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}
	blobs := blob.NewMemoryStore()
	pipeline, err := attachments.NewPipeline(attachments.PipelineConfig{
		Blobs:         blobs,
		Messages:      store,
		Conversations: index,
	})
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	gateway, err := sync.NewGateway(sync.GatewayConfig{
		Messages:      store,
		Presence:      tracker,
		Conversations: index,
		IDProvider:    ident.NewUUIDProvider(),
		BaseDelay:     10 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}
	tokens := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "courier-auth",
		Audience:      "courier-api",
		TokenTTL:      time.Minute,
	})
	authenticator, err := auth.NewRequestAuthenticator(tokens)
	if err != nil {
		t.Fatalf("failed to create authenticator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Tokens:        tokens,
		Authenticator: authenticator,
		Users:         userService,
		Conversations: index,
		Messages:      store,
		Presence:      tracker,
		Attachments:   pipeline,
		Gateway:       gateway,
		Logger:        zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &serverFixture{handler: handler, tokens: tokens, blobs: blobs}
}

func (f *serverFixture) createSession(t *testing.T, userID, displayName string) string {
	t.Helper()
	body := fmt.Sprintf(`{"user_id":%q,"display_name":%q}`, userID, displayName)
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/auth/session", bytes.NewBufferString(body))
	request.Header.Set("Content-Type", "application/json")
	f.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("session creation failed with status %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload sessionResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode session response: %v", err)
	}
	if payload.AccessToken == "" {
		t.Fatal("expected an access token")
	}
	return payload.AccessToken
}

func (f *serverFixture) doJSON(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, nil)
	} else {
		request = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestProtectedRoutesRejectMissingToken(t *testing.T) {
	fixture := newServerFixture(t)

	recorder := fixture.doJSON(t, http.MethodGet, "/conversations", "", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestSessionCreatesProfileWithDefaults(t *testing.T) {
	fixture := newServerFixture(t)
	token := fixture.createSession(t, "alice", "Alice")

	recorder := fixture.doJSON(t, http.MethodGet, "/users/me", token, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("profile load failed with status %d: %s", recorder.Code, recorder.Body.String())
	}
	var profile userPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &profile); err != nil {
		t.Fatalf("failed to decode profile: %v", err)
	}
	if profile.DisplayName != "Alice" {
		t.Fatalf("unexpected display name %q", profile.DisplayName)
	}
	if profile.Bio != "Hey there! I am using ChatApp." {
		t.Fatalf("expected default bio, got %q", profile.Bio)
	}
}

func TestConversationAndMessageFlow(t *testing.T) {
	fixture := newServerFixture(t)
	aliceToken := fixture.createSession(t, "alice", "Alice")
	bobToken := fixture.createSession(t, "bob", "Bob")

	created := fixture.doJSON(t, http.MethodPost, "/conversations", aliceToken, `{"peer_id":"bob"}`)
	if created.Code != http.StatusOK {
		t.Fatalf("conversation creation failed with status %d: %s", created.Code, created.Body.String())
	}
	var conversation conversationPayload
	if err := json.Unmarshal(created.Body.Bytes(), &conversation); err != nil {
		t.Fatalf("failed to decode conversation: %v", err)
	}
	if conversation.PeerID != "bob" {
		t.Fatalf("expected peer bob, got %q", conversation.PeerID)
	}

	// the same pair from the other side resolves to the same conversation.
	mirrored := fixture.doJSON(t, http.MethodPost, "/conversations", bobToken, `{"peer_id":"alice"}`)
	var mirroredPayload conversationPayload
	if err := json.Unmarshal(mirrored.Body.Bytes(), &mirroredPayload); err != nil {
		t.Fatalf("failed to decode mirrored conversation: %v", err)
	}
	if mirroredPayload.ConversationID != conversation.ConversationID {
		t.Fatal("expected one conversation per pair")
	}

	sendPath := "/conversations/" + conversation.ConversationID + "/messages"
	sent := fixture.doJSON(t, http.MethodPost, sendPath, aliceToken, `{"content":"hello bob"}`)
	if sent.Code != http.StatusOK {
		t.Fatalf("send failed with status %d: %s", sent.Code, sent.Body.String())
	}
	var message messagePayload
	if err := json.Unmarshal(sent.Body.Bytes(), &message); err != nil {
		t.Fatalf("failed to decode message: %v", err)
	}
	if message.Sequence != 1 || message.Status != "sent" {
		t.Fatalf("unexpected message %+v", message)
	}

	listed := fixture.doJSON(t, http.MethodGet, sendPath, bobToken, "")
	var listPayload struct {
		Messages []messagePayload `json:"messages"`
	}
	if err := json.Unmarshal(listed.Body.Bytes(), &listPayload); err != nil {
		t.Fatalf("failed to decode message list: %v", err)
	}
	if len(listPayload.Messages) != 1 || listPayload.Messages[0].Content != "hello bob" {
		t.Fatalf("unexpected message list %+v", listPayload.Messages)
	}

	conversationList := fixture.doJSON(t, http.MethodGet, "/conversations", bobToken, "")
	var conversationsPayload struct {
		Conversations []conversationPayload `json:"conversations"`
	}
	if err := json.Unmarshal(conversationList.Body.Bytes(), &conversationsPayload); err != nil {
		t.Fatalf("failed to decode conversation list: %v", err)
	}
	if len(conversationsPayload.Conversations) != 1 {
		t.Fatalf("expected one conversation, got %d", len(conversationsPayload.Conversations))
	}
	if conversationsPayload.Conversations[0].LastMessageText != "hello bob" {
		t.Fatalf("expected summary, got %q", conversationsPayload.Conversations[0].LastMessageText)
	}

	// only the sender may delete.
	forbidden := fixture.doJSON(t, http.MethodDelete, "/messages/"+message.MessageID, bobToken, "")
	if forbidden.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign delete, got %d", forbidden.Code)
	}
	deleted := fixture.doJSON(t, http.MethodDelete, "/messages/"+message.MessageID, aliceToken, "")
	if deleted.Code != http.StatusOK {
		t.Fatalf("delete failed with status %d: %s", deleted.Code, deleted.Body.String())
	}
}

func TestSendToForeignConversationRejected(t *testing.T) {
	fixture := newServerFixture(t)
	aliceToken := fixture.createSession(t, "alice", "Alice")
	fixture.createSession(t, "bob", "Bob")
	malloryToken := fixture.createSession(t, "mallory", "Mallory")

	created := fixture.doJSON(t, http.MethodPost, "/conversations", aliceToken, `{"peer_id":"bob"}`)
	var conversation conversationPayload
	if err := json.Unmarshal(created.Body.Bytes(), &conversation); err != nil {
		t.Fatalf("failed to decode conversation: %v", err)
	}

	sendPath := "/conversations/" + conversation.ConversationID + "/messages"
	rejected := fixture.doJSON(t, http.MethodPost, sendPath, malloryToken, `{"content":"let me in"}`)
	if rejected.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for outsider send, got %d: %s", rejected.Code, rejected.Body.String())
	}
}

func TestForeignConversationAccessRejected(t *testing.T) {
	fixture := newServerFixture(t)
	aliceToken := fixture.createSession(t, "alice", "Alice")
	bobToken := fixture.createSession(t, "bob", "Bob")
	malloryToken := fixture.createSession(t, "mallory", "Mallory")

	created := fixture.doJSON(t, http.MethodPost, "/conversations", aliceToken, `{"peer_id":"bob"}`)
	var conversation conversationPayload
	if err := json.Unmarshal(created.Body.Bytes(), &conversation); err != nil {
		t.Fatalf("failed to decode conversation: %v", err)
	}
	sent := fixture.doJSON(t, http.MethodPost, "/conversations/"+conversation.ConversationID+"/messages", aliceToken, `{"content":"secret plans"}`)
	if sent.Code != http.StatusOK {
		t.Fatalf("send failed with status %d: %s", sent.Code, sent.Body.String())
	}

	attempts := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{name: "list messages", method: http.MethodGet, path: "/conversations/" + conversation.ConversationID + "/messages"},
		{name: "mark read", method: http.MethodPost, path: "/conversations/" + conversation.ConversationID + "/read", body: "{}"},
		{name: "typing", method: http.MethodPost, path: "/conversations/" + conversation.ConversationID + "/typing", body: "{}"},
		{name: "sync stream", method: http.MethodGet, path: "/sync/stream?conversation_id=" + conversation.ConversationID},
	}
	for _, attempt := range attempts {
		recorder := fixture.doJSON(t, attempt.method, attempt.path, malloryToken, attempt.body)
		if recorder.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403 for outsider, got %d: %s", attempt.name, recorder.Code, recorder.Body.String())
		}
	}

	// the participants' view is untouched by the rejected attempts.
	listed := fixture.doJSON(t, http.MethodGet, "/conversations/"+conversation.ConversationID+"/messages", bobToken, "")
	var listPayload struct {
		Messages []messagePayload `json:"messages"`
	}
	if err := json.Unmarshal(listed.Body.Bytes(), &listPayload); err != nil {
		t.Fatalf("failed to decode message list: %v", err)
	}
	if len(listPayload.Messages) != 1 || listPayload.Messages[0].Status != "sent" {
		t.Fatalf("expected one untouched sent message, got %+v", listPayload.Messages)
	}
}

func TestUserSearchRequiresMinimumTermLength(t *testing.T) {
	fixture := newServerFixture(t)
	token := fixture.createSession(t, "alice", "Alice")
	fixture.createSession(t, "bob", "Bobby")
	fixture.createSession(t, "carol", "Bonnie")

	short := fixture.doJSON(t, http.MethodGet, "/users/search?q=B", token, "")
	var shortPayload struct {
		Users []userPayload `json:"users"`
	}
	if err := json.Unmarshal(short.Body.Bytes(), &shortPayload); err != nil {
		t.Fatalf("failed to decode search response: %v", err)
	}
	if len(shortPayload.Users) != 0 {
		t.Fatalf("expected no results for a one-character term, got %d", len(shortPayload.Users))
	}

	matched := fixture.doJSON(t, http.MethodGet, "/users/search?q=Bo", token, "")
	var matchedPayload struct {
		Users []userPayload `json:"users"`
	}
	if err := json.Unmarshal(matched.Body.Bytes(), &matchedPayload); err != nil {
		t.Fatalf("failed to decode search response: %v", err)
	}
	if len(matchedPayload.Users) != 2 {
		t.Fatalf("expected two prefix matches, got %d", len(matchedPayload.Users))
	}
}

func TestAttachmentUploadRejectsOversizedImage(t *testing.T) {
	fixture := newServerFixture(t)
	aliceToken := fixture.createSession(t, "alice", "Alice")
	fixture.createSession(t, "bob", "Bob")

	created := fixture.doJSON(t, http.MethodPost, "/conversations", aliceToken, `{"peer_id":"bob"}`)
	var conversation conversationPayload
	if err := json.Unmarshal(created.Body.Bytes(), &conversation); err != nil {
		t.Fatalf("failed to decode conversation: %v", err)
	}

	oversized := bytes.Repeat([]byte{0x11}, 3*1024*1024)
	recorder := fixture.uploadAttachment(t, aliceToken, conversation.ConversationID, "huge.png", "image/png", "image", oversized)
	if recorder.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if fixture.blobs.Len() != 0 {
		t.Fatal("expected no bytes to reach storage")
	}
}

func TestAttachmentUploadCreatesImageMessage(t *testing.T) {
	fixture := newServerFixture(t)
	aliceToken := fixture.createSession(t, "alice", "Alice")
	fixture.createSession(t, "bob", "Bob")

	created := fixture.doJSON(t, http.MethodPost, "/conversations", aliceToken, `{"peer_id":"bob"}`)
	var conversation conversationPayload
	if err := json.Unmarshal(created.Body.Bytes(), &conversation); err != nil {
		t.Fatalf("failed to decode conversation: %v", err)
	}

	payload := bytes.Repeat([]byte{0x22}, 2048)
	recorder := fixture.uploadAttachment(t, aliceToken, conversation.ConversationID, "photo.png", "image/png", "image", payload)
	if recorder.Code != http.StatusOK {
		t.Fatalf("upload failed with status %d: %s", recorder.Code, recorder.Body.String())
	}
	var message messagePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &message); err != nil {
		t.Fatalf("failed to decode message: %v", err)
	}
	if message.Kind != "image" || message.AttachmentURL == "" || message.AttachmentName != "photo.png" {
		t.Fatalf("unexpected attachment message %+v", message)
	}
	if fixture.blobs.Len() != 1 {
		t.Fatalf("expected one stored object, got %d", fixture.blobs.Len())
	}
}

func (f *serverFixture) uploadAttachment(t *testing.T, token, conversationID, fileName, contentType, kind string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName)}
	header["Content-Type"] = []string{contentType}
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create form part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}
	if err := writer.WriteField("kind", kind); err != nil {
		t.Fatalf("failed to write kind field: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}

	request := httptest.NewRequest(http.MethodPost, "/conversations/"+conversationID+"/attachments", &body)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f *serverFixture) uploadAvatar(t *testing.T, token, fileName, contentType string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName)}
	header["Content-Type"] = []string{contentType}
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create form part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}

	request := httptest.NewRequest(http.MethodPost, "/users/me/avatar", &body)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestAvatarUploadUpdatesProfile(t *testing.T) {
	fixture := newServerFixture(t)
	token := fixture.createSession(t, "alice", "Alice")

	payload := bytes.Repeat([]byte{0x44}, 4096)
	recorder := fixture.uploadAvatar(t, token, "me.png", "image/png", payload)
	if recorder.Code != http.StatusOK {
		t.Fatalf("avatar upload failed with status %d: %s", recorder.Code, recorder.Body.String())
	}
	var profile userPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &profile); err != nil {
		t.Fatalf("failed to decode profile: %v", err)
	}
	if profile.AvatarURL == "" {
		t.Fatal("expected avatar url on the updated profile")
	}
	if fixture.blobs.Len() != 1 {
		t.Fatalf("expected one stored object, got %d", fixture.blobs.Len())
	}

	reloaded := fixture.doJSON(t, http.MethodGet, "/users/me", token, "")
	var persisted userPayload
	if err := json.Unmarshal(reloaded.Body.Bytes(), &persisted); err != nil {
		t.Fatalf("failed to decode profile: %v", err)
	}
	if persisted.AvatarURL != profile.AvatarURL {
		t.Fatalf("expected persisted avatar %q, got %q", profile.AvatarURL, persisted.AvatarURL)
	}
}

func TestAvatarUploadRejectsOversizedImage(t *testing.T) {
	fixture := newServerFixture(t)
	token := fixture.createSession(t, "alice", "Alice")

	oversized := bytes.Repeat([]byte{0x55}, 3*1024*1024)
	recorder := fixture.uploadAvatar(t, token, "huge.png", "image/png", oversized)
	if recorder.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if fixture.blobs.Len() != 0 {
		t.Fatal("expected no bytes to reach storage")
	}
}

func TestTypingEndpointMarksPresence(t *testing.T) {
	fixture := newServerFixture(t)
	aliceToken := fixture.createSession(t, "alice", "Alice")
	fixture.createSession(t, "bob", "Bob")

	created := fixture.doJSON(t, http.MethodPost, "/conversations", aliceToken, `{"peer_id":"bob"}`)
	var conversation conversationPayload
	if err := json.Unmarshal(created.Body.Bytes(), &conversation); err != nil {
		t.Fatalf("failed to decode conversation: %v", err)
	}

	typing := fixture.doJSON(t, http.MethodPost, "/conversations/"+conversation.ConversationID+"/typing", aliceToken, "{}")
	if typing.Code != http.StatusOK {
		t.Fatalf("typing signal failed with status %d", typing.Code)
	}

	presenceResp := fixture.doJSON(t, http.MethodGet, "/users/alice/presence", aliceToken, "")
	var presencePayload struct {
		TypingIn string `json:"typing_in"`
	}
	if err := json.Unmarshal(presenceResp.Body.Bytes(), &presencePayload); err != nil {
		t.Fatalf("failed to decode presence: %v", err)
	}
	if presencePayload.TypingIn != conversation.ConversationID {
		t.Fatalf("expected typing in %q, got %q", conversation.ConversationID, presencePayload.TypingIn)
	}
}

func TestTokenRoundTripThroughIssuer(t *testing.T) {
	fixture := newServerFixture(t)
	token := fixture.createSession(t, "alice", "Alice")

	claims, err := fixture.tokens.ValidateToken(token)
	if err != nil {
		t.Fatalf("expected issued token to validate: %v", err)
	}
	if claims.Subject != "alice" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	if claims.DisplayName != "Alice" {
		t.Fatalf("unexpected display name %q", claims.DisplayName)
	}
}
